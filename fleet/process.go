package fleet

import (
	"bytes"
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// ConcurrentProcess aggregates the processes spawned by a ConcurrentCommand.
// It satisfies Process, so a composite can be used wherever a single process
// is expected; the single-process methods present the members' combined view,
// and the *All methods expose the per-member results.
//
// The combined exit status is zero if every member succeeded, otherwise the
// first non-zero status in member order. It is computed once and cached, so
// polling after completion does not touch the members again.
type ConcurrentProcess struct {
	procs []Process

	code     int
	resolved bool
}

var _ Process = (*ConcurrentProcess)(nil)

// Processes returns the member handles in member order.
func (p *ConcurrentProcess) Processes() []Process {
	return append([]Process{}, p.procs...)
}

// Machines returns the de-duplicated set of machines the members run on, in
// first-seen order.
func (p *ConcurrentProcess) Machines() []Machine {
	seen := map[Machine]struct{}{}
	var machines []Machine
	for _, proc := range p.procs {
		m := proc.Machine()
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
func (p *ConcurrentProcess) Machine() Machine {
	return p.procs[0].Machine()
}

// Argv returns each member's argv in member order; members that do not report
// one contribute an empty slice.
func (p *ConcurrentProcess) Argv() [][]string {
	argvs := make([][]string, len(p.procs))
	for i, proc := range p.procs {
		if a, ok := proc.(Argver); ok {
			argvs[i] = a.Argv()
		}
	}
	return argvs
}

// Poll reports the combined status without blocking. While any member is
// still running, Poll reports not-ok and caches nothing. Once all members
// have exited the combined status is cached and returned from then on.
func (p *ConcurrentProcess) Poll() (int, bool) {
	if p.resolved {
		return p.code, true
	}
	codes := make([]int, len(p.procs))
	for i, proc := range p.procs {
		code, ok := proc.Poll()
		if !ok {
			return 0, false
		}
		codes[i] = code
	}
	p.code = 0
	for _, code := range codes {
		if code != 0 {
			p.code = code
			break
		}
	}
	p.resolved = true
	return p.code, true
}

// Wait joins every member in member order, then returns the combined status.
// The members were already spawned concurrently, so joining them one by one
// costs only as much as the slowest member.
func (p *ConcurrentProcess) Wait(ctx context.Context) (int, error) {
	if p.resolved {
		return p.code, nil
	}
	for i, proc := range p.procs {
		if _, err := proc.Wait(ctx); err != nil {
			return 0, fmt.Errorf("waiting for member %d: %w", i, err)
		}
	}
	code, _ := p.Poll()
	return code, nil
}

// CommunicateAll drains every member's output, then waits for the combined
// status. The returned slices are index-aligned with the members no matter
// which process finishes first. stdin must be empty.
func (p *ConcurrentProcess) CommunicateAll(ctx context.Context, stdin []byte) (stdouts, stderrs [][]byte, err error) {
	if len(stdin) > 0 {
		return nil, nil, ErrStdinUnsupported
	}
	stdouts = make([][]byte, len(p.procs))
	stderrs = make([][]byte, len(p.procs))
	for i, proc := range p.procs {
		out, errOut, err := proc.Communicate(ctx, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("draining member %d: %w", i, err)
		}
		stdouts[i] = out
		stderrs[i] = errOut
	}
	if _, err := p.Wait(ctx); err != nil {
		return nil, nil, err
	}
	return stdouts, stderrs, nil
}

// Communicate satisfies Process by concatenating the members' streams in
// member order. Use CommunicateAll to keep them separate.
func (p *ConcurrentProcess) Communicate(ctx context.Context, stdin []byte) ([]byte, []byte, error) {
	stdouts, stderrs, err := p.CommunicateAll(ctx, stdin)
	if err != nil {
		return nil, nil, err
	}
	return bytes.Join(stdouts, nil), bytes.Join(stderrs, nil), nil
}

// DecodeAll decodes each output through the corresponding member's encoding.
func (p *ConcurrentProcess) DecodeAll(parts [][]byte) []string {
	texts := make([]string, len(parts))
	for i, part := range parts {
		if i < len(p.procs) {
			texts[i] = p.procs[i].Decode(part)
		} else {
			texts[i] = string(part)
		}
	}
	return texts
}

// Decode satisfies Process using the first member's encoding.
func (p *ConcurrentProcess) Decode(b []byte) string {
	return p.procs[0].Decode(b)
}

// Kill terminates every member that supports termination. All members are
// attempted; the failures are combined.
func (p *ConcurrentProcess) Kill() error {
	var merr *multierror.Error
	for i, proc := range p.procs {
		k, ok := proc.(Killer)
		if !ok {
			continue
		}
		if err := k.Kill(); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("killing member %d: %w", i, err))
		}
	}
	return merr.ErrorOrNil()
}
