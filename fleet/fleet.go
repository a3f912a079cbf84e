// Package fleet dispatches a single logical command to N machines and lets
// the caller treat the resulting processes as one: one combined exit status,
// one ordered set of output streams per member, one lifecycle (poll, wait,
// communicate).
//
// The package owns only the fan-out/fan-in layer. How a command line is built
// and how a machine actually resolves and spawns programs is delegated to the
// Command, Process, Machine, and Session interfaces. The fleet/local and
// fleet/docker packages provide implementations for host processes and Docker
// containers.
package fleet

import (
	"context"
	"io"
)

// Command is a single executable invocation bound to one machine.
type Command interface {
	// Formulate renders the command to its display form as a sequence of
	// shell tokens. level indicates nesting depth; args are extra
	// arguments to render as if bound.
	Formulate(level int, args []string) []string

	// Bind returns a command with the given arguments appended. The
	// receiver is not modified. Binding no arguments returns the
	// receiver.
	Bind(args ...string) Command

	// Popen spawns the command on its machine.
	Popen(ctx context.Context) (Process, error)

	// Machine returns the machine the command is bound to.
	Machine() Machine
}

// Process is a handle to one spawned process.
type Process interface {
	// Poll is a non-blocking status check. ok is false while the process
	// is still running; once true, code is the exit status.
	Poll() (code int, ok bool)

	// Wait blocks until the process exits and returns its exit status.
	Wait(ctx context.Context) (int, error)

	// Communicate writes stdin to the process (if non-empty), drains
	// stdout and stderr to completion, waits for exit, and returns both
	// streams.
	Communicate(ctx context.Context, stdin []byte) (stdout, stderr []byte, err error)

	// Decode converts raw output bytes to text using the process's
	// encoding.
	Decode(b []byte) string

	// Machine returns the machine the process runs on.
	Machine() Machine
}

// Argver is an optional Process capability reporting the spawned argv.
type Argver interface {
	Argv() []string
}

// Killer is an optional Process capability for best-effort termination.
type Killer interface {
	Kill() error
}

// ProcInfo describes one entry in a machine's process table.
type ProcInfo struct {
	PID  int
	User string
	Stat string
	Args string
}

// Machine is a host, local or remote, that can resolve and spawn programs.
// Machine implementations are generally not goroutine-safe.
type Machine interface {
	// Command resolves a program by name and returns a command bound to
	// this machine. A missing program yields a *ProgramNotFoundError.
	Command(ctx context.Context, name string) (Command, error)

	// Which returns the resolved path of a program, or a
	// *ProgramNotFoundError.
	Which(ctx context.Context, name string) (string, error)

	// ListProcesses returns the machine's process table.
	ListProcesses(ctx context.Context) ([]ProcInfo, error)

	// Pgrep returns the processes whose command line matches the pattern.
	Pgrep(ctx context.Context, pattern string) ([]ProcInfo, error)

	// Path joins path elements using the machine's path conventions.
	Path(parts ...string) string

	// Session opens an interactive shell on the machine.
	Session(ctx context.Context) (Session, error)

	// AsUser switches commands built after the call to run as the given
	// user; the empty string means root. Closing the returned Closer
	// restores the previous state.
	AsUser(user string) (io.Closer, error)

	// Python returns a command for the machine's Python interpreter.
	Python(ctx context.Context) (Command, error)

	// Close releases the machine's resources. The machine is unusable
	// afterwards.
	Close(ctx context.Context) error

	String() string
}

// Session is an interactive shell on one machine. A session runs one command
// at a time.
type Session interface {
	// Alive reports whether the underlying shell is still running.
	Alive() bool

	// Popen submits a command line to the shell and returns a handle to
	// it. The session stays busy until the handle is waited on.
	Popen(ctx context.Context, cmdline string) (Process, error)

	// Run submits a command line, waits for it, and returns its exit
	// status, stdout, and stderr.
	Run(ctx context.Context, cmdline string) (int, string, string, error)

	// Close terminates the shell.
	Close() error
}
