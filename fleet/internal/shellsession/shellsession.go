// Package shellsession drives an interactive shell over raw stdin, stdout,
// and stderr pipes. Every submitted command line is followed by an echo of a
// session-unique marker and the shell's $?, so the reader can tell where one
// command's output ends and what its exit status was. Both the local and the
// Docker machines open their shells through this package.
package shellsession

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"shellfleet/fleet"
)

// Config wires a Shell to an already-started shell process.
type Config struct {
	// Machine is the machine the shell runs on, reported by the handles
	// the shell produces.
	Machine fleet.Machine

	Stdin  io.WriteCloser
	Stdout io.Reader
	Stderr io.Reader

	// Alive reports whether the underlying shell process is still
	// running.
	Alive func() bool

	// Terminate stops the underlying shell process. It is called once,
	// from Close, after stdin has been closed.
	Terminate func() error

	Log *zap.SugaredLogger
}

// Shell is one interactive shell. It runs one command at a time: Popen locks
// the shell until the returned handle has been drained.
type Shell struct {
	machine   fleet.Machine
	stdin     io.WriteCloser
	stdout    *bufio.Reader
	stderr    *bufio.Reader
	marker    string
	alive     func() bool
	terminate func() error
	log       *zap.SugaredLogger

	busy sync.Mutex

	mu     sync.Mutex
	closed bool
}

var _ fleet.Session = (*Shell)(nil)

// New wraps a started shell process. The shell must read command lines from
// Stdin and must not echo them back.
func New(cfg Config) *Shell {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Shell{
		machine:   cfg.Machine,
		stdin:     cfg.Stdin,
		stdout:    bufio.NewReader(cfg.Stdout),
		stderr:    bufio.NewReader(cfg.Stderr),
		marker:    "--.END" + uuid.NewString() + ".--",
		alive:     cfg.Alive,
		terminate: cfg.Terminate,
		log:       log,
	}
}

// Alive reports whether the underlying shell process is still running.
func (s *Shell) Alive() bool {
	if s.isClosed() {
		return false
	}
	return s.alive()
}

func (s *Shell) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Popen submits a command line to the shell. The shell stays busy until the
// returned handle settles (Wait or Communicate); only one command can be
// outstanding at a time.
func (s *Shell) Popen(ctx context.Context, cmdline string) (fleet.Process, error) {
	s.busy.Lock()
	if s.isClosed() {
		s.busy.Unlock()
		return nil, errors.New("shell session is closed")
	}
	full := strings.TrimSpace(cmdline)
	if full == "" {
		full = "true"
	}
	full += fmt.Sprintf(" ; echo $? ; echo '%s' ; echo '%s' 1>&2\n", s.marker, s.marker)
	if _, err := io.WriteString(s.stdin, full); err != nil {
		s.busy.Unlock()
		return nil, fmt.Errorf("writing command to shell: %w", err)
	}
	return &proc{shell: s, cmdline: cmdline, done: make(chan struct{})}, nil
}

// Run submits a command line and waits for it.
func (s *Shell) Run(ctx context.Context, cmdline string) (int, string, string, error) {
	p, err := s.Popen(ctx, cmdline)
	if err != nil {
		return 0, "", "", err
	}
	stdout, stderr, err := p.Communicate(ctx, nil)
	if err != nil {
		return 0, "", "", err
	}
	code, _ := p.Poll()
	return code, p.Decode(stdout), p.Decode(stderr), nil
}

// Close terminates the shell. Repeat calls are no-ops.
func (s *Shell) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	if err := s.stdin.Close(); err != nil {
		s.log.Debugw("closing shell stdin", "error", err)
	}
	if s.terminate == nil {
		return nil
	}
	if err := s.terminate(); err != nil {
		return fmt.Errorf("terminating shell: %w", err)
	}
	return nil
}

// readToMarker collects lines from r until the session marker, which is
// consumed but not returned.
func (s *Shell) readToMarker(r *bufio.Reader) ([]string, error) {
	var lines []string
	for {
		line, err := r.ReadString('\n')
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == s.marker {
			return lines, nil
		}
		if err != nil {
			return lines, fmt.Errorf("shell exited before marker: %w", err)
		}
		lines = append(lines, trimmed)
	}
}

// proc is the handle for one command line submitted to a Shell.
type proc struct {
	shell   *Shell
	cmdline string

	drainOnce sync.Once
	done      chan struct{}
	code      int
	stdout    []byte
	stderr    []byte
	err       error
}

// drain reads the shell's output up to the markers, parses the exit status,
// and releases the shell for the next command. It runs at most once.
func (p *proc) drain() {
	p.drainOnce.Do(func() {
		go func() {
			defer close(p.done)
			defer p.shell.busy.Unlock()

			outLines, err := p.shell.readToMarker(p.shell.stdout)
			if err != nil {
				p.err = err
				return
			}
			if len(outLines) == 0 {
				p.err = errors.New("shell returned no exit status line")
				return
			}
			code, err := strconv.Atoi(strings.TrimSpace(outLines[len(outLines)-1]))
			if err != nil {
				p.err = fmt.Errorf("parsing exit status %q: %w", outLines[len(outLines)-1], err)
				return
			}
			errLines, err := p.shell.readToMarker(p.shell.stderr)
			if err != nil {
				p.err = err
				return
			}
			p.code = code
			p.stdout = joinLines(outLines[:len(outLines)-1])
			p.stderr = joinLines(errLines)
		}()
	})
}

// Poll is non-blocking: a session command's status is unknown until its
// output has been drained, so Poll reports running until Wait or Communicate
// settles the handle.
func (p *proc) Poll() (int, bool) {
	p.drain()
	select {
	case <-p.done:
		if p.err != nil {
			return -1, true
		}
		return p.code, true
	default:
		return 0, false
	}
}

func (p *proc) Wait(ctx context.Context) (int, error) {
	p.drain()
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-p.done:
		return p.code, p.err
	}
}

func (p *proc) Communicate(ctx context.Context, stdin []byte) ([]byte, []byte, error) {
	if len(stdin) > 0 {
		return nil, nil, errors.New("session commands do not take stdin")
	}
	if _, err := p.Wait(ctx); err != nil {
		return nil, nil, err
	}
	return p.stdout, p.stderr, nil
}

func (p *proc) Decode(b []byte) string {
	return string(b)
}

func (p *proc) Machine() fleet.Machine {
	return p.shell.machine
}

func joinLines(lines []string) []byte {
	if len(lines) == 0 {
		return nil
	}
	return []byte(strings.Join(lines, "\n") + "\n")
}
