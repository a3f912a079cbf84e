// Package local implements fleet.Machine for the underlying host. Processes
// run directly on the host and are not sandboxed, so machines share the
// filesystem and every other namespace; what distinguishes two local machines
// is their working directory and environment. The main benefit is
// performance, which makes local machines suitable for fast-feedback tests
// and for using the fan-out layer against localhost.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"

	"go.uber.org/zap"

	"shellfleet/fleet"
	"shellfleet/fleet/internal/ps"
	"shellfleet/fleet/internal/shellsession"
)

var defaultLogger *zap.SugaredLogger

func init() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("error constructing default logger: %s", err))
	}
	defaultLogger = logger.Sugar().Named("local_machine")
}

// Machine runs commands on the host.
type Machine struct {
	name string
	env  []string
	dir  string
	log  *zap.SugaredLogger

	// sudoUser is set while an AsUser scope is active; commands built
	// during the scope run through sudo.
	sudoUser *string
	closed   bool
}

var _ fleet.Machine = (*Machine)(nil)

type Option func(*Machine)

// WithEnv adds environment entries, in "KEY=value" form, on top of the host
// environment for every process the machine spawns.
func WithEnv(env ...string) Option {
	return func(m *Machine) {
		m.env = append(m.env, env...)
	}
}

// WithDir sets the working directory for spawned processes.
func WithDir(dir string) Option {
	return func(m *Machine) {
		m.dir = dir
	}
}

// WithName sets the display name; the default is "localhost".
func WithName(name string) Option {
	return func(m *Machine) {
		m.name = name
	}
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(m *Machine) {
		m.log = l.Named("local_machine")
	}
}

// New builds a local machine.
func New(opts ...Option) *Machine {
	m := &Machine{
		name: "localhost",
		log:  defaultLogger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Machine) String() string {
	return m.name
}

// Command resolves the program in PATH and returns a command bound to this
// machine. If an AsUser scope is active the command runs through sudo.
func (m *Machine) Command(ctx context.Context, name string) (fleet.Command, error) {
	path, err := m.Which(ctx, name)
	if err != nil {
		return nil, err
	}
	return &Cmd{machine: m, path: path, sudoUser: m.sudoUser}, nil
}

// Which resolves the program in PATH.
func (m *Machine) Which(ctx context.Context, name string) (string, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return "", &fleet.ProgramNotFoundError{Program: name, Machine: m.name}
	}
	return path, nil
}

// ListProcesses returns the host's process table via ps.
func (m *Machine) ListProcesses(ctx context.Context) ([]fleet.ProcInfo, error) {
	out, err := exec.CommandContext(ctx, "ps", "-e", "-o", ps.Columns).Output()
	if err != nil {
		return nil, fmt.Errorf("listing processes: %w", err)
	}
	return ps.Parse(out)
}

// Pgrep returns the processes whose command line matches the pattern.
func (m *Machine) Pgrep(ctx context.Context, pattern string) ([]fleet.ProcInfo, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compiling pattern %q: %w", pattern, err)
	}
	procs, err := m.ListProcesses(ctx)
	if err != nil {
		return nil, err
	}
	var matched []fleet.ProcInfo
	for _, p := range procs {
		if re.MatchString(p.Args) {
			matched = append(matched, p)
		}
	}
	return matched, nil
}

// Path joins path elements using the host's separator.
func (m *Machine) Path(parts ...string) string {
	return filepath.Join(parts...)
}

// Session starts /bin/sh with its stdin wired to a marker-protocol driver.
func (m *Machine) Session(ctx context.Context) (fleet.Session, error) {
	if m.closed {
		return nil, fmt.Errorf("machine %s is closed", m.name)
	}
	cmd := exec.Command("/bin/sh")
	cmd.Dir = m.dir
	if len(m.env) > 0 {
		cmd.Env = append(os.Environ(), m.env...)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening shell stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening shell stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("opening shell stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting shell: %w", err)
	}

	exited := make(chan struct{})
	go func() {
		cmd.Wait()
		close(exited)
	}()

	return shellsession.New(shellsession.Config{
		Machine: m,
		Stdin:   stdin,
		Stdout:  stdout,
		Stderr:  stderr,
		Alive: func() bool {
			select {
			case <-exited:
				return false
			default:
				return true
			}
		},
		Terminate: func() error {
			if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				return err
			}
			<-exited
			return nil
		},
		Log: m.log.Named("session"),
	}), nil
}

// AsUser makes commands built after the call run through sudo as the given
// user; the empty string means root. Closing the returned Closer restores the
// previous state. Scopes nest.
func (m *Machine) AsUser(user string) (io.Closer, error) {
	prev := m.sudoUser
	u := user
	m.sudoUser = &u
	return closerFunc(func() error {
		m.sudoUser = prev
		return nil
	}), nil
}

// Python resolves the host's Python 3 interpreter.
func (m *Machine) Python(ctx context.Context) (fleet.Command, error) {
	return m.Command(ctx, "python3")
}

// Close marks the machine closed; sessions and spawns fail afterwards.
// Processes already spawned are not reaped.
func (m *Machine) Close(ctx context.Context) error {
	m.closed = true
	return nil
}

type closerFunc func() error

func (f closerFunc) Close() error {
	return f()
}
