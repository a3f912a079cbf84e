// Package docker implements fleet.Machine for Docker containers. Commands
// run inside the container through the Docker exec API, so the container
// needs no agent, only a base image with a shell and ps. The underlying host
// must have a Docker daemon running; the standard environment variables for
// configuring the Docker client (DOCKER_HOST etc.) are supported.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
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
	defaultLogger = logger.Sugar().Named("docker_machine")
}

// Machine runs commands inside one Docker container.
type Machine struct {
	name        string
	containerID string
	client      *client.Client
	env         []string
	dir         string
	log         *zap.SugaredLogger

	// ownsContainer is true for machines created by New; Close removes
	// the container in that case.
	ownsContainer bool

	// user is set while an AsUser scope is active; execs created during
	// the scope run as that user.
	user   *string
	closed bool
}

var _ fleet.Machine = (*Machine)(nil)

type Option func(*Machine)

// WithEnv adds environment entries, in "KEY=value" form, to every exec the
// machine creates.
func WithEnv(env ...string) Option {
	return func(m *Machine) {
		m.env = append(m.env, env...)
	}
}

// WithDir sets the working directory for execs.
func WithDir(dir string) Option {
	return func(m *Machine) {
		m.dir = dir
	}
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(m *Machine) {
		m.log = l.Named("docker_machine")
	}
}

// WithClient sets the Docker client; New builds one from the environment when
// none is given.
func WithClient(c *client.Client) Option {
	return func(m *Machine) {
		m.client = c
	}
}

// New pulls the base image, creates a container running an idle sleep, starts
// it, and returns a machine over it. The machine owns the container: Close
// force-removes it.
func New(ctx context.Context, baseImage string, opts ...Option) (*Machine, error) {
	m := &Machine{
		name: "docker:" + baseImage,
		log:  defaultLogger,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.client == nil {
		dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, fmt.Errorf("building Docker client: %w", err)
		}
		m.client = dockerClient
	}

	out, err := m.client.ImagePull(ctx, baseImage, types.ImagePullOptions{})
	if err != nil {
		return nil, fmt.Errorf("pulling image %q: %w", baseImage, err)
	}
	_, err = io.Copy(io.Discard, out)
	out.Close()
	if err != nil {
		return nil, fmt.Errorf("reading Docker pull response: %w", err)
	}

	containerName := "shellfleet-" + uuid.NewString()[:8]
	created, err := m.client.ContainerCreate(ctx, &container.Config{
		Image: baseImage,
		Cmd:   []string{"sleep", "infinity"},
	}, nil, nil, nil, containerName)
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}
	m.containerID = created.ID
	m.name = containerName
	m.ownsContainer = true

	if err := m.client.ContainerStart(ctx, created.ID, types.ContainerStartOptions{}); err != nil {
		m.client.ContainerRemove(ctx, created.ID, types.ContainerRemoveOptions{Force: true})
		return nil, fmt.Errorf("starting container: %w", err)
	}
	return m, nil
}

// Attach returns a machine over an already-running container. The caller
// keeps ownership of the container; Close does not remove it.
func Attach(dockerClient *client.Client, containerID string, opts ...Option) *Machine {
	m := &Machine{
		name:        "docker:" + containerID,
		containerID: containerID,
		client:      dockerClient,
		log:         defaultLogger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Machine) String() string {
	return m.name
}

// ContainerID returns the ID of the underlying container.
func (m *Machine) ContainerID() string {
	return m.containerID
}

func (m *Machine) execUser() string {
	if m.user == nil {
		return ""
	}
	if *m.user == "" {
		return "root"
	}
	return *m.user
}

// execOutput runs argv inside the container to completion and returns its
// exit code and output.
func (m *Machine) execOutput(ctx context.Context, argv ...string) (int, []byte, []byte, error) {
	created, err := m.client.ContainerExecCreate(ctx, m.containerID, types.ExecConfig{
		User:         m.execUser(),
		Cmd:          argv,
		Env:          m.env,
		WorkingDir:   m.dir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return 0, nil, nil, fmt.Errorf("creating exec: %w", err)
	}
	attach, err := m.client.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{})
	if err != nil {
		return 0, nil, nil, fmt.Errorf("attaching to exec: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return 0, nil, nil, fmt.Errorf("reading exec output: %w", err)
	}
	inspect, err := m.client.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("inspecting exec: %w", err)
	}
	return inspect.ExitCode, stdout.Bytes(), stderr.Bytes(), nil
}

// Command resolves the program inside the container and returns a command
// bound to this machine.
func (m *Machine) Command(ctx context.Context, name string) (fleet.Command, error) {
	path, err := m.Which(ctx, name)
	if err != nil {
		return nil, err
	}
	return &Cmd{machine: m, path: path, user: m.user}, nil
}

// Which resolves the program inside the container.
func (m *Machine) Which(ctx context.Context, name string) (string, error) {
	code, stdout, _, err := m.execOutput(ctx, "which", name)
	if err != nil {
		return "", err
	}
	if code != 0 {
		return "", &fleet.ProgramNotFoundError{Program: name, Machine: m.name}
	}
	return strings.TrimSpace(string(stdout)), nil
}

// ListProcesses returns the container's process table via ps.
func (m *Machine) ListProcesses(ctx context.Context) ([]fleet.ProcInfo, error) {
	code, stdout, stderr, err := m.execOutput(ctx, "ps", "-e", "-o", ps.Columns)
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, fmt.Errorf("listing processes: ps exited with %d: %s", code, strings.TrimSpace(string(stderr)))
	}
	return ps.Parse(stdout)
}

// Pgrep returns the container processes whose command line matches the
// pattern.
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

// Path joins path elements with forward slashes; containers run Linux.
func (m *Machine) Path(parts ...string) string {
	return path.Join(parts...)
}

// Session opens /bin/sh inside the container with an attached stdin and
// wires it to the marker-protocol driver. The exec's multiplexed output is
// demultiplexed into separate stdout and stderr streams.
func (m *Machine) Session(ctx context.Context) (fleet.Session, error) {
	if m.closed {
		return nil, fmt.Errorf("machine %s is closed", m.name)
	}
	created, err := m.client.ContainerExecCreate(ctx, m.containerID, types.ExecConfig{
		User:         m.execUser(),
		Cmd:          []string{"/bin/sh"},
		Env:          m.env,
		WorkingDir:   m.dir,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating shell exec: %w", err)
	}
	attach, err := m.client.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{})
	if err != nil {
		return nil, fmt.Errorf("attaching to shell exec: %w", err)
	}

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(outW, errW, attach.Reader)
		if err == nil {
			err = io.EOF
		}
		outW.CloseWithError(err)
		errW.CloseWithError(err)
	}()

	execID := created.ID
	return shellsession.New(shellsession.Config{
		Machine: m,
		Stdin:   &hijackWriter{attach: attach},
		Stdout:  outR,
		Stderr:  errR,
		Alive: func() bool {
			inspect, err := m.client.ContainerExecInspect(context.Background(), execID)
			if err != nil {
				return false
			}
			return inspect.Running
		},
		Terminate: func() error {
			attach.Close()
			return nil
		},
		Log: m.log.Named("session"),
	}), nil
}

// AsUser makes execs created after the call run as the given user; the empty
// string means root. Closing the returned Closer restores the previous
// state. Scopes nest.
func (m *Machine) AsUser(user string) (io.Closer, error) {
	prev := m.user
	u := user
	m.user = &u
	return closerFunc(func() error {
		m.user = prev
		return nil
	}), nil
}

// Python resolves the container's Python 3 interpreter.
func (m *Machine) Python(ctx context.Context) (fleet.Command, error) {
	return m.Command(ctx, "python3")
}

// Close marks the machine closed and, if the machine created the container,
// force-removes it.
func (m *Machine) Close(ctx context.Context) error {
	if m.closed {
		return nil
	}
	m.closed = true
	if !m.ownsContainer {
		return nil
	}
	err := m.client.ContainerRemove(ctx, m.containerID, types.ContainerRemoveOptions{
		RemoveVolumes: true,
		Force:         true,
	})
	if err != nil {
		return fmt.Errorf("removing container %q: %w", m.containerID, err)
	}
	return nil
}

// hijackWriter adapts a hijacked exec connection to the session driver's
// stdin: Close half-closes the write side so the shell sees EOF.
type hijackWriter struct {
	attach types.HijackedResponse
}

func (w *hijackWriter) Write(b []byte) (int, error) {
	return w.attach.Conn.Write(b)
}

func (w *hijackWriter) Close() error {
	return w.attach.CloseWrite()
}

type closerFunc func() error

func (f closerFunc) Close() error {
	return f()
}
