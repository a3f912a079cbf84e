package fleet

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"
)

// ConcurrentCommand is a composite of commands that behaves as a single
// command: it formulates as a parenthesized `&`-joined group, and spawning it
// spawns every member and returns a ConcurrentProcess over all of them.
//
// Member order is fixed at composition time and is preserved through spawn,
// wait, and output collection. No guarantee is made about the real-world
// start or finish order of the member processes.
type ConcurrentCommand struct {
	cmds []Command
}

var _ Command = (*ConcurrentCommand)(nil)

// Concurrent builds a ConcurrentCommand from the given commands. At least one
// command is required.
func Concurrent(cmds ...Command) (*ConcurrentCommand, error) {
	if len(cmds) == 0 {
		return nil, errors.New("concurrent command needs at least one member")
	}
	return &ConcurrentCommand{cmds: append([]Command{}, cmds...)}, nil
}

// Combine merges two commands into one concurrent command, flattening instead
// of nesting: combining two concurrent commands concatenates their members,
// combining a concurrent command with a plain command inserts the plain
// command at the matching end, and combining two plain commands starts a new
// two-member group. Combine is associative, so chaining it over a, b, and c
// yields a single three-member group regardless of grouping.
//
// Concurrent commands passed to Combine are absorbed into the result and must
// not be used afterwards.
func Combine(lhs, rhs Command) *ConcurrentCommand {
	lcc, lok := lhs.(*ConcurrentCommand)
	rcc, rok := rhs.(*ConcurrentCommand)
	switch {
	case lok && rok:
		lcc.cmds = append(lcc.cmds, rcc.cmds...)
		return lcc
	case lok:
		lcc.cmds = append(lcc.cmds, rhs)
		return lcc
	case rok:
		rcc.cmds = append([]Command{lhs}, rcc.cmds...)
		return rcc
	default:
		return &ConcurrentCommand{cmds: []Command{lhs, rhs}}
	}
}

// Commands returns the member commands in composition order.
func (c *ConcurrentCommand) Commands() []Command {
	return append([]Command{}, c.cmds...)
}

// Machines returns the de-duplicated set of machines the members are bound
// to, in first-seen order.
func (c *ConcurrentCommand) Machines() []Machine {
	seen := map[Machine]struct{}{}
	var machines []Machine
	for _, cmd := range c.cmds {
		m := cmd.Machine()
		if m == nil {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		machines = append(machines, m)
	}
	return machines
}

// Machine returns the machine of the first member. Use Machines for the full
// set.
func (c *ConcurrentCommand) Machine() Machine {
	return c.cmds[0].Machine()
}

// Formulate renders the group as "( cmd1 & cmd2 & ... & cmdN )". The rendered
// form is for display and debugging; execution never shells out through it.
func (c *ConcurrentCommand) Formulate(level int, args []string) []string {
	form := []string{"("}
	for i, cmd := range c.cmds {
		if i > 0 {
			form = append(form, "&")
		}
		form = append(form, cmd.Formulate(level+1, args)...)
	}
	return append(form, ")")
}

// Bind binds the same arguments onto every member and returns the resulting
// group. Binding no arguments returns the receiver. Members are not
// modified.
func (c *ConcurrentCommand) Bind(args ...string) Command {
	if len(args) == 0 {
		return c
	}
	bound := make([]Command, len(c.cmds))
	for i, cmd := range c.cmds {
		bound[i] = cmd.Bind(args...)
	}
	return &ConcurrentCommand{cmds: bound}
}

// Popen satisfies Command by delegating to Spawn.
func (c *ConcurrentCommand) Popen(ctx context.Context) (Process, error) {
	return c.Spawn(ctx)
}

// Spawn spawns every member concurrently and returns a ConcurrentProcess
// whose handles are index-aligned with the members. If any spawn fails, the
// members that did start are killed on a best-effort basis and the first
// error is returned.
func (c *ConcurrentCommand) Spawn(ctx context.Context) (*ConcurrentProcess, error) {
	procs := make([]Process, len(c.cmds))
	// The errgroup only coordinates the spawn calls. The members outlive
	// the spawn phase, so each Popen gets the caller's context rather than
	// one canceled when the group settles.
	var group errgroup.Group
	for i, cmd := range c.cmds {
		i, cmd := i, cmd
		group.Go(func() error {
			proc, err := cmd.Popen(ctx)
			if err != nil {
				return fmt.Errorf("spawning %s: %w", strings.Join(cmd.Formulate(0, nil), " "), err)
			}
			procs[i] = proc
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		for _, proc := range procs {
			if proc == nil {
				continue
			}
			if k, ok := proc.(Killer); ok {
				k.Kill()
			}
		}
		return nil, err
	}
	return &ConcurrentProcess{procs: procs}, nil
}
