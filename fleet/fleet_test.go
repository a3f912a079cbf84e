package fleet

import (
	"context"
	"io"
	"strings"
)

// Fake collaborators used across the package tests.

type fakeProc struct {
	machine Machine
	code    int
	running bool
	stdout  []byte
	stderr  []byte

	polls  int
	waits  int
	drains int
	killed bool
}

func (p *fakeProc) Poll() (int, bool) {
	p.polls++
	if p.running {
		return 0, false
	}
	return p.code, true
}

func (p *fakeProc) Wait(ctx context.Context) (int, error) {
	p.waits++
	p.running = false
	return p.code, nil
}

func (p *fakeProc) Communicate(ctx context.Context, stdin []byte) ([]byte, []byte, error) {
	p.drains++
	p.running = false
	return p.stdout, p.stderr, nil
}

func (p *fakeProc) Decode(b []byte) string {
	return string(b)
}

func (p *fakeProc) Machine() Machine {
	return p.machine
}

func (p *fakeProc) Kill() error {
	p.killed = true
	return nil
}

// fakeArgvProc additionally reports an argv.
type fakeArgvProc struct {
	fakeProc
	argv []string
}

func (p *fakeArgvProc) Argv() []string {
	return p.argv
}

type fakeCmd struct {
	name    string
	args    []string
	machine Machine

	spawnErr error
	proc     *fakeProc
	popenCtx context.Context
}

func (c *fakeCmd) Formulate(level int, args []string) []string {
	form := append([]string{c.name}, c.args...)
	return append(form, args...)
}

func (c *fakeCmd) Bind(args ...string) Command {
	if len(args) == 0 {
		return c
	}
	bound := *c
	bound.args = append(append([]string{}, c.args...), args...)
	return &bound
}

func (c *fakeCmd) Popen(ctx context.Context) (Process, error) {
	c.popenCtx = ctx
	if c.spawnErr != nil {
		return nil, c.spawnErr
	}
	if c.proc != nil {
		return c.proc, nil
	}
	return &fakeProc{machine: c.machine}, nil
}

func (c *fakeCmd) Machine() Machine {
	return c.machine
}

type fakeSession struct {
	alive    bool
	proc     *fakeProc
	popenErr error

	closes   int
	closeErr error
}

func (s *fakeSession) Alive() bool {
	return s.alive
}

func (s *fakeSession) Popen(ctx context.Context, cmdline string) (Process, error) {
	if s.popenErr != nil {
		return nil, s.popenErr
	}
	if s.proc != nil {
		return s.proc, nil
	}
	return &fakeProc{}, nil
}

func (s *fakeSession) Run(ctx context.Context, cmdline string) (int, string, string, error) {
	p, err := s.Popen(ctx, cmdline)
	if err != nil {
		return 0, "", "", err
	}
	stdout, stderr, err := p.Communicate(ctx, nil)
	if err != nil {
		return 0, "", "", err
	}
	code, _ := p.Poll()
	return code, string(stdout), string(stderr), nil
}

func (s *fakeSession) Close() error {
	s.closes++
	return s.closeErr
}

type fakeMachine struct {
	name     string
	programs map[string]string

	// cmdErr simulates a failure that is not a missing program, a dropped
	// transport for example.
	cmdErr error

	sessionErr error
	sessions   []*fakeSession

	userEnters   []string
	userReleases []string
	asUserErr    error
	releaseErr   error

	closed   bool
	closeErr error
}

func (m *fakeMachine) Command(ctx context.Context, name string) (Command, error) {
	if m.cmdErr != nil {
		return nil, m.cmdErr
	}
	if _, ok := m.programs[name]; !ok {
		return nil, &ProgramNotFoundError{Program: name, Machine: m.name}
	}
	return &fakeCmd{name: name, machine: m}, nil
}

func (m *fakeMachine) Which(ctx context.Context, name string) (string, error) {
	if m.cmdErr != nil {
		return "", m.cmdErr
	}
	path, ok := m.programs[name]
	if !ok {
		return "", &ProgramNotFoundError{Program: name, Machine: m.name}
	}
	return path, nil
}

func (m *fakeMachine) ListProcesses(ctx context.Context) ([]ProcInfo, error) {
	return []ProcInfo{{PID: 1, User: "root", Stat: "S", Args: "init"}}, nil
}

func (m *fakeMachine) Pgrep(ctx context.Context, pattern string) ([]ProcInfo, error) {
	return nil, nil
}

func (m *fakeMachine) Path(parts ...string) string {
	return strings.Join(parts, "/")
}

func (m *fakeMachine) Session(ctx context.Context) (Session, error) {
	if m.sessionErr != nil {
		return nil, m.sessionErr
	}
	s := &fakeSession{alive: true}
	m.sessions = append(m.sessions, s)
	return s, nil
}

func (m *fakeMachine) AsUser(user string) (io.Closer, error) {
	if m.asUserErr != nil {
		return nil, m.asUserErr
	}
	m.userEnters = append(m.userEnters, user)
	return closerFunc(func() error {
		m.userReleases = append(m.userReleases, user)
		return m.releaseErr
	}), nil
}

type closerFunc func() error

func (f closerFunc) Close() error {
	return f()
}

func (m *fakeMachine) Python(ctx context.Context) (Command, error) {
	return m.Command(ctx, "python3")
}

func (m *fakeMachine) Close(ctx context.Context) error {
	m.closed = true
	return m.closeErr
}

func (m *fakeMachine) String() string {
	return m.name
}
