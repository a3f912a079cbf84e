package docker

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/pkg/stdcopy"

	"shellfleet/fleet"
)

// Cmd is a resolved program bound to a Docker machine.
type Cmd struct {
	machine *Machine
	path    string
	args    []string
	user    *string
}

var _ fleet.Command = (*Cmd)(nil)

func (c *Cmd) Machine() fleet.Machine {
	return c.machine
}

func (c *Cmd) argv() []string {
	return append([]string{c.path}, c.args...)
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

func (c *Cmd) execUser() string {
	if c.user == nil {
		return ""
	}
	if *c.user == "" {
		return "root"
	}
	return *c.user
}

// Popen creates and attaches an exec inside the container. Output is drained
// into memory by a background goroutine; stdin stays open until Communicate
// or Wait half-closes the attachment.
func (c *Cmd) Popen(ctx context.Context) (fleet.Process, error) {
	if c.machine.closed {
		return nil, fmt.Errorf("machine %s is closed", c.machine.name)
	}
	argv := c.argv()
	created, err := c.machine.client.ContainerExecCreate(ctx, c.machine.containerID, types.ExecConfig{
		User:         c.execUser(),
		Cmd:          argv,
		Env:          c.machine.env,
		WorkingDir:   c.machine.dir,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating exec: %w", err)
	}
	attach, err := c.machine.client.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{})
	if err != nil {
		return nil, fmt.Errorf("attaching to exec: %w", err)
	}

	p := &proc{
		machine:  c.machine,
		argv:     argv,
		execID:   created.ID,
		attach:   attach,
		copyDone: make(chan struct{}),
	}
	go func() {
		_, err := stdcopy.StdCopy(&p.stdout, &p.stderr, attach.Reader)
		p.copyErr = err
		close(p.copyDone)
	}()
	return p, nil
}

// proc is a handle to one exec inside a container.
type proc struct {
	machine *Machine
	argv    []string
	execID  string
	attach  types.HijackedResponse

	stdout   bytes.Buffer
	stderr   bytes.Buffer
	copyDone chan struct{}
	copyErr  error

	code     int
	resolved bool
}

var (
	_ fleet.Process = (*proc)(nil)
	_ fleet.Argver  = (*proc)(nil)
)

// Poll asks the daemon for the exec's state. An inspect failure is reported
// as still running; Wait surfaces the error.
func (p *proc) Poll() (int, bool) {
	if p.resolved {
		return p.code, true
	}
	inspect, err := p.machine.client.ContainerExecInspect(context.Background(), p.execID)
	if err != nil || inspect.Running {
		return 0, false
	}
	p.code = inspect.ExitCode
	p.resolved = true
	return p.code, true
}

// Wait half-closes stdin, waits for the output streams to end, then polls
// the daemon until the exec is reported exited.
func (p *proc) Wait(ctx context.Context) (int, error) {
	if p.resolved {
		return p.code, nil
	}
	p.attach.CloseWrite()
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-p.copyDone:
	}
	if p.copyErr != nil {
		return 0, fmt.Errorf("reading exec output: %w", p.copyErr)
	}
	for {
		inspect, err := p.machine.client.ContainerExecInspect(ctx, p.execID)
		if err != nil {
			return 0, fmt.Errorf("inspecting exec: %w", err)
		}
		if !inspect.Running {
			p.code = inspect.ExitCode
			p.resolved = true
			p.attach.Close()
			return p.code, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (p *proc) Communicate(ctx context.Context, stdin []byte) ([]byte, []byte, error) {
	if len(stdin) > 0 {
		if _, err := p.attach.Conn.Write(stdin); err != nil {
			return nil, nil, fmt.Errorf("writing stdin: %w", err)
		}
	}
	if _, err := p.Wait(ctx); err != nil {
		return nil, nil, err
	}
	// The exec can be reported exited by a Poll before the output streams
	// hit EOF; don't touch the buffers until the copier is done.
	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case <-p.copyDone:
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
