// Package test holds helpers for gating tests on external resources.
package test

import (
	"os"
	"testing"
)

// Docker skips the test unless SHELLFLEET_TEST_DOCKER is set; tests that need
// a running Docker daemon call this first.
func Docker(t *testing.T) {
	t.Helper()
	if os.Getenv("SHELLFLEET_TEST_DOCKER") == "" {
		t.Skip("set SHELLFLEET_TEST_DOCKER to run tests that need a Docker daemon")
	}
}
