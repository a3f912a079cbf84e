package fleet

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupSessionAlive(t *testing.T) {
	s1 := &fakeSession{alive: true}
	s2 := &fakeSession{alive: true}
	gs := NewGroupSession(s1, s2)
	assert.True(t, gs.Alive())

	s2.alive = false
	assert.False(t, gs.Alive(), "one dead shell makes the aggregate dead")
}

func TestGroupSessionPopenOrderAligned(t *testing.T) {
	gs := NewGroupSession(
		&fakeSession{alive: true, proc: &fakeProc{stdout: []byte("one\n")}},
		&fakeSession{alive: true, proc: &fakeProc{stdout: []byte("two\n")}},
	)
	proc, err := gs.Popen(context.Background(), "echo something")
	require.NoError(t, err)

	stdouts, _, err := proc.CommunicateAll(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"one\n", "two\n"}, proc.DecodeAll(stdouts))
}

func TestGroupSessionPopenFailureSettlesSubmitted(t *testing.T) {
	submitted := &fakeProc{}
	gs := NewGroupSession(
		&fakeSession{alive: true, proc: submitted},
		&fakeSession{alive: true, popenErr: errors.New("shell gone")},
	)

	_, err := gs.Popen(context.Background(), "echo hi")
	require.Error(t, err)
	assert.ErrorContains(t, err, "shell gone")
	assert.Equal(t, 1, submitted.waits,
		"commands submitted before the failure must be settled so their shells are released")
}

func TestGroupSessionRun(t *testing.T) {
	gs := NewGroupSession(
		&fakeSession{alive: true, proc: &fakeProc{stdout: []byte("ok\n")}},
		&fakeSession{alive: true, proc: &fakeProc{stdout: []byte("ok\n")}},
	)
	code, stdouts, stderrs, err := gs.Run(context.Background(), "echo ok")
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, []string{"ok\n", "ok\n"}, stdouts)
	assert.Equal(t, []string{"", ""}, stderrs)
}

func TestGroupSessionRunChecksExpectedCode(t *testing.T) {
	gs := NewGroupSession(
		&fakeSession{alive: true, proc: &fakeProc{code: 0}},
		&fakeSession{alive: true, proc: &fakeProc{code: 3, stderr: []byte("boom\n")}},
	)
	code, _, _, err := gs.Run(context.Background(), "failing-command", 0)
	assert.Equal(t, 3, code)

	var execErr *ProcessExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, 3, execErr.ExitCode)
	assert.Contains(t, execErr.Stderr, "boom")

	// without an expected code, any combined status is accepted
	code, _, _, err = gs.Run(context.Background(), "failing-command")
	require.NoError(t, err)
	assert.Equal(t, 3, code)
}

func TestGroupSessionRunPopenFailure(t *testing.T) {
	gs := NewGroupSession(
		&fakeSession{alive: true, popenErr: errors.New("shell gone")},
	)
	_, _, _, err := gs.Run(context.Background(), "echo hi")
	assert.ErrorContains(t, err, "shell gone")
}

func TestGroupSessionCloseIdempotent(t *testing.T) {
	s1 := &fakeSession{alive: true}
	s2 := &fakeSession{alive: true}
	gs := NewGroupSession(s1, s2)

	require.NoError(t, gs.Close())
	assert.Equal(t, 1, s1.closes)
	assert.Equal(t, 1, s2.closes)
	assert.Empty(t, gs.Sessions())

	require.NoError(t, gs.Close(), "second close is a no-op")
	assert.Equal(t, 1, s1.closes)
}

func TestGroupSessionCloseCollectsErrors(t *testing.T) {
	s1 := &fakeSession{alive: true, closeErr: errors.New("close failed on s1")}
	s2 := &fakeSession{alive: true}
	gs := NewGroupSession(s1, s2)

	err := gs.Close()
	require.Error(t, err)
	assert.ErrorContains(t, err, "close failed on s1")
	assert.Equal(t, 1, s2.closes, "s2 must be closed even though s1's close failed")
}
