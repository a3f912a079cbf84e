package fleet

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Group is an ordered collection of machines. Broadcast queries run the same
// single-machine operation on every member and return one result per machine;
// Command builds a ConcurrentCommand spanning all of them.
//
// A group owns the close lifecycle of its machines: once added, a machine is
// closed by Group.Close and must not be closed by another owner. Duplicate
// machines are permitted and produce duplicate aggregate members.
type Group struct {
	machines []Machine
	log      *zap.SugaredLogger
}

// NewGroup builds a group over the given machines, preserving order.
func NewGroup(machines ...Machine) *Group {
	return &Group{
		machines: append([]Machine{}, machines...),
		log:      defaultLogger.Named("group"),
	}
}

func (g *Group) WithLogger(l *zap.SugaredLogger) *Group {
	g.log = l.Named("group")
	return g
}

func (g *Group) Len() int {
	return len(g.machines)
}

func (g *Group) Empty() bool {
	return len(g.machines) == 0
}

// Machines returns a copy of the machine list in insertion order.
func (g *Group) Machines() []Machine {
	return append([]Machine{}, g.machines...)
}

// Add appends a machine to the group. The group takes over the machine's
// close lifecycle.
func (g *Group) Add(m Machine) {
	g.machines = append(g.machines, m)
}

// At returns the machine at index i.
func (g *Group) At(i int) Machine {
	return g.machines[i]
}

// Slice returns a new group over the machines in [i, j).
func (g *Group) Slice(i, j int) *Group {
	return &Group{
		machines: append([]Machine{}, g.machines[i:j]...),
		log:      g.log,
	}
}

// Concat returns a new group containing g's machines followed by other's.
func (g *Group) Concat(other *Group) *Group {
	machines := make([]Machine, 0, len(g.machines)+len(other.machines))
	machines = append(machines, g.machines...)
	machines = append(machines, other.machines...)
	return &Group{machines: machines, log: g.log}
}

// Filter returns a new group containing the machines satisfying pred, in the
// same order.
func (g *Group) Filter(pred func(Machine) bool) *Group {
	var machines []Machine
	for _, m := range g.machines {
		if pred(m) {
			machines = append(machines, m)
		}
	}
	return &Group{machines: machines, log: g.log}
}

// Command resolves the program on every machine and returns a concurrent
// command over the results, in group order. Resolution failures, including a
// missing program on any one machine, propagate unchanged.
func (g *Group) Command(ctx context.Context, name string) (*ConcurrentCommand, error) {
	if g.Empty() {
		return nil, ErrEmptyGroup
	}
	cmds := make([]Command, len(g.machines))
	for i, m := range g.machines {
		cmd, err := m.Command(ctx, name)
		if err != nil {
			return nil, err
		}
		cmds[i] = cmd
	}
	return &ConcurrentCommand{cmds: cmds}, nil
}

// Contains reports whether every machine in the group can resolve the
// program. Only a missing program maps to false; any other failure, a
// transport error for example, is returned so it cannot masquerade as "not
// found".
func (g *Group) Contains(ctx context.Context, name string) (bool, error) {
	_, err := g.Command(ctx, name)
	if errors.Is(err, ErrProgramNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Which resolves the program's path on every machine and returns one result
// per machine in group order. An empty group yields an empty result, not an
// error.
func (g *Group) Which(ctx context.Context, name string) ([]string, error) {
	paths := make([]string, 0, len(g.machines))
	for _, m := range g.machines {
		p, err := m.Which(ctx, name)
		if err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, nil
}

// ListProcesses returns each machine's process table, one slice per machine
// in group order.
func (g *Group) ListProcesses(ctx context.Context) ([][]ProcInfo, error) {
	tables := make([][]ProcInfo, 0, len(g.machines))
	for _, m := range g.machines {
		procs, err := m.ListProcesses(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing processes on %s: %w", m, err)
		}
		tables = append(tables, procs)
	}
	return tables, nil
}

// Pgrep matches the pattern against each machine's process table, one result
// slice per machine in group order.
func (g *Group) Pgrep(ctx context.Context, pattern string) ([][]ProcInfo, error) {
	matches := make([][]ProcInfo, 0, len(g.machines))
	for _, m := range g.machines {
		procs, err := m.Pgrep(ctx, pattern)
		if err != nil {
			return nil, fmt.Errorf("pgrep on %s: %w", m, err)
		}
		matches = append(matches, procs)
	}
	return matches, nil
}

// Path joins the path elements using each machine's conventions, one result
// per machine in group order.
func (g *Group) Path(parts ...string) []string {
	paths := make([]string, 0, len(g.machines))
	for _, m := range g.machines {
		paths = append(paths, m.Path(parts...))
	}
	return paths
}

// Python returns a concurrent command over every machine's Python
// interpreter.
func (g *Group) Python(ctx context.Context) (*ConcurrentCommand, error) {
	if g.Empty() {
		return nil, ErrEmptyGroup
	}
	cmds := make([]Command, len(g.machines))
	for i, m := range g.machines {
		cmd, err := m.Python(ctx)
		if err != nil {
			return nil, err
		}
		cmds[i] = cmd
	}
	return &ConcurrentCommand{cmds: cmds}, nil
}

// Session opens an interactive shell on every machine concurrently and
// returns a GroupSession over them, index-aligned with the group. If any open
// fails, the sessions that did open are closed and the first error is
// returned.
func (g *Group) Session(ctx context.Context) (*GroupSession, error) {
	if g.Empty() {
		return nil, ErrEmptyGroup
	}
	sessions := make([]Session, len(g.machines))
	// The sessions outlive the open phase, so each open gets the caller's
	// context rather than one canceled when the group settles.
	var group errgroup.Group
	for i, m := range g.machines {
		i, m := i, m
		group.Go(func() error {
			s, err := m.Session(ctx)
			if err != nil {
				return fmt.Errorf("opening session on %s: %w", m, err)
			}
			sessions[i] = s
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		for _, s := range sessions {
			if s == nil {
				continue
			}
			if cerr := s.Close(); cerr != nil {
				g.log.Warnw("closing session after failed group open", "error", cerr)
			}
		}
		return nil, err
	}
	return &GroupSession{sessions: sessions, log: g.log.Named("session")}, nil
}

// AsUser runs fn with every machine switched to the given user; the empty
// string means root. Every machine that was switched is restored before
// AsUser returns, even when a restore fails partway: all restores are
// attempted and their failures are combined with fn's error.
func (g *Group) AsUser(user string, fn func(*Group) error) error {
	if g.Empty() {
		return ErrEmptyGroup
	}
	var closers []io.Closer
	restore := func() error {
		var merr *multierror.Error
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				merr = multierror.Append(merr, err)
			}
		}
		return merr.ErrorOrNil()
	}
	for _, m := range g.machines {
		closer, err := m.AsUser(user)
		if err != nil {
			err = fmt.Errorf("switching to user %q on %s: %w", user, m, err)
			return multierror.Append(err, restore()).ErrorOrNil()
		}
		closers = append(closers, closer)
	}
	err := fn(g)
	if rerr := restore(); rerr != nil {
		return multierror.Append(err, rerr).ErrorOrNil()
	}
	return err
}

// AsRoot runs fn with every machine switched to root.
func (g *Group) AsRoot(fn func(*Group) error) error {
	return g.AsUser("", fn)
}

// Close closes every machine and empties the group. All machines are
// attempted; the failures are combined. Closing an empty group is a no-op.
func (g *Group) Close(ctx context.Context) error {
	var merr *multierror.Error
	for _, m := range g.machines {
		if err := m.Close(ctx); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("closing %s: %w", m, err))
		}
	}
	g.machines = nil
	return merr.ErrorOrNil()
}
