package local

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"shellfleet/fleet"
)

// Cmd is a resolved program bound to a local machine.
type Cmd struct {
	machine  *Machine
	path     string
	args     []string
	sudoUser *string
}

var _ fleet.Command = (*Cmd)(nil)

func (c *Cmd) Machine() fleet.Machine {
	return c.machine
}

// argv is the full argument vector the command spawns with, including the
// sudo prefix when the command was built inside an AsUser scope.
func (c *Cmd) argv() []string {
	argv := append([]string{c.path}, c.args...)
	if c.sudoUser == nil {
		return argv
	}
	prefix := []string{"sudo"}
	if *c.sudoUser != "" {
		prefix = append(prefix, "-u", *c.sudoUser)
	}
	return append(prefix, argv...)
}

func (c *Cmd) Formulate(level int, args []string) []string {
	return append(c.argv(), args...)
}

func (c *Cmd) Bind(args ...string) fleet.Command {
	if len(args) == 0 {
		return c
	}
	bound := *c
	bound.args = append(append([]string{}, c.args...), args...)
	return &bound
}

// Popen starts the process. Output is buffered in memory; stdin is a pipe
// that Communicate can write to and that is closed when the process is
// waited on.
func (c *Cmd) Popen(ctx context.Context) (fleet.Process, error) {
	if c.machine.closed {
		return nil, fmt.Errorf("machine %s is closed", c.machine.name)
	}
	argv := c.argv()
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = c.machine.dir
	if len(c.machine.env) > 0 {
		cmd.Env = append(os.Environ(), c.machine.env...)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdin pipe: %w", err)
	}
	p := &proc{
		machine: c.machine,
		argv:    argv,
		cmd:     cmd,
		stdin:   stdin,
		done:    make(chan struct{}),
	}
	cmd.Stdout = &p.stdout
	cmd.Stderr = &p.stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", argv[0], err)
	}

	// wait on the process and record the result
	go func() {
		err := cmd.Wait()
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				p.code = exitErr.ExitCode()
			} else {
				p.err = err
				p.code = -1
			}
		}
		close(p.done)
	}()

	// kill the process if the context is canceled
	go func() {
		select {
		case <-ctx.Done():
			cmd.Process.Kill()
		case <-p.done:
		}
	}()

	return p, nil
}

// proc is a handle to one local process.
type proc struct {
	machine *Machine
	argv    []string
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  bytes.Buffer
	stderr  bytes.Buffer

	stdinOnce sync.Once
	done      chan struct{}
	code      int
	err       error
}

var (
	_ fleet.Process = (*proc)(nil)
	_ fleet.Argver  = (*proc)(nil)
	_ fleet.Killer  = (*proc)(nil)
)

func (p *proc) closeStdin() {
	p.stdinOnce.Do(func() {
		p.stdin.Close()
	})
}

func (p *proc) Poll() (int, bool) {
	select {
	case <-p.done:
		return p.code, true
	default:
		return 0, false
	}
}

// Wait closes stdin, so a process reading it sees EOF, then blocks until the
// process exits.
func (p *proc) Wait(ctx context.Context) (int, error) {
	p.closeStdin()
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-p.done:
		return p.code, p.err
	}
}

func (p *proc) Communicate(ctx context.Context, stdin []byte) ([]byte, []byte, error) {
	if len(stdin) > 0 {
		if _, err := p.stdin.Write(stdin); err != nil {
			return nil, nil, fmt.Errorf("writing stdin: %w", err)
		}
	}
	if _, err := p.Wait(ctx); err != nil {
		return nil, nil, err
	}
	return p.stdout.Bytes(), p.stderr.Bytes(), nil
}

func (p *proc) Decode(b []byte) string {
	return string(b)
}

func (p *proc) Machine() fleet.Machine {
	return p.machine
}

func (p *proc) Argv() []string {
	return append([]string{}, p.argv...)
}

func (p *proc) Kill() error {
	return p.cmd.Process.Kill()
}
