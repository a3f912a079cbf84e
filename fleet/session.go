package fleet

import (
	"context"
	"strings"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// GroupSession is an aggregate of interactive shells, one per machine of the
// group that created it, index-aligned with that group.
type GroupSession struct {
	sessions []Session
	log      *zap.SugaredLogger
}

// NewGroupSession builds a session aggregate over already-open sessions,
// preserving order.
func NewGroupSession(sessions ...Session) *GroupSession {
	return &GroupSession{
		sessions: append([]Session{}, sessions...),
		log:      defaultLogger.Named("session"),
	}
}

// Sessions returns the member sessions in machine order.
func (s *GroupSession) Sessions() []Session {
	return append([]Session{}, s.sessions...)
}

// Alive reports whether every underlying shell is still alive.
func (s *GroupSession) Alive() bool {
	for _, sess := range s.sessions {
		if !sess.Alive() {
			return false
		}
	}
	return true
}

// Popen runs the command line on every session concurrently and returns a
// ConcurrentProcess over the handles, index-aligned with the sessions. If any
// submit fails, the commands that were submitted are settled so their shells
// are released, and the first error is returned.
func (s *GroupSession) Popen(ctx context.Context, cmdline string) (*ConcurrentProcess, error) {
	procs := make([]Process, len(s.sessions))
	var group errgroup.Group
	for i, sess := range s.sessions {
		i, sess := i, sess
		group.Go(func() error {
			proc, err := sess.Popen(ctx, cmdline)
			if err != nil {
				return err
			}
			procs[i] = proc
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		// A submitted command keeps its shell busy until the handle is
		// drained; abandoning the handle would wedge the shell.
		for _, proc := range procs {
			if proc == nil {
				continue
			}
			if _, werr := proc.Wait(ctx); werr != nil {
				s.log.Warnw("settling command after failed group submit", "error", werr)
			}
		}
		return nil, err
	}
	return &ConcurrentProcess{procs: procs}, nil
}

// Run runs the command line on every session and waits for all of them,
// returning the combined exit status and the per-session outputs in session
// order. If expected statuses are given and the combined status is not among
// them, a *ProcessExecutionError is returned along with the outputs.
func (s *GroupSession) Run(ctx context.Context, cmdline string, expected ...int) (int, []string, []string, error) {
	proc, err := s.Popen(ctx, cmdline)
	if err != nil {
		return 0, nil, nil, err
	}
	stdouts, stderrs, err := proc.CommunicateAll(ctx, nil)
	if err != nil {
		return 0, nil, nil, err
	}
	code, _ := proc.Poll()
	outs := proc.DecodeAll(stdouts)
	errOuts := proc.DecodeAll(stderrs)
	if len(expected) > 0 && !containsInt(expected, code) {
		return code, outs, errOuts, &ProcessExecutionError{
			Argv:     []string{cmdline},
			ExitCode: code,
			Stdout:   strings.Join(outs, ""),
			Stderr:   strings.Join(errOuts, ""),
		}
	}
	return code, outs, errOuts, nil
}

// Close terminates every session and empties the list, so a second Close is a
// no-op. All sessions are attempted; the failures are combined.
func (s *GroupSession) Close() error {
	var merr *multierror.Error
	for _, sess := range s.sessions {
		if err := sess.Close(); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	s.sessions = nil
	return merr.ErrorOrNil()
}

// CloseLogged closes the group session and logs failures instead of
// returning them. Meant for deferred cleanup, where an error has nowhere to
// go.
func (s *GroupSession) CloseLogged() {
	if err := s.Close(); err != nil {
		s.log.Warnw("closing group session", "error", err)
	}
}

func containsInt(haystack []int, needle int) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}
