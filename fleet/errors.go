package fleet

import (
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyGroup is returned by operations that require at least one machine
// in the group.
var ErrEmptyGroup = errors.New("group has no machines")

// ErrStdinUnsupported is returned when input is passed to a concurrent
// process; fanning stdin out to multiple children is not supported.
var ErrStdinUnsupported = errors.New("cannot pass stdin to a concurrent process")

// ErrProgramNotFound matches any *ProgramNotFoundError via errors.Is.
var ErrProgramNotFound = errors.New("program not found")

// ProgramNotFoundError is returned by Machine.Command and Machine.Which when
// the program does not exist on the machine.
type ProgramNotFoundError struct {
	Program string
	Machine string
}

func (e *ProgramNotFoundError) Error() string {
	return fmt.Sprintf("program %q not found on %s", e.Program, e.Machine)
}

func (e *ProgramNotFoundError) Is(target error) bool {
	return target == ErrProgramNotFound
}

// ProcessExecutionError reports an unexpected exit status from a process, or
// the combined status of a concurrent process. The combined status carries a
// single representative code; callers that need per-member detail must hold
// the member handles themselves.
type ProcessExecutionError struct {
	Argv     []string
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *ProcessExecutionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "unexpected exit code %d", e.ExitCode)
	if len(e.Argv) > 0 {
		fmt.Fprintf(&b, " from %q", strings.Join(e.Argv, " "))
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		fmt.Fprintf(&b, ": %s", s)
	}
	return b.String()
}
