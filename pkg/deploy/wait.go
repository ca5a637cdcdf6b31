package deploy

import (
	"context"
	"errors"
	"time"
)

// Clock is the engine's source of time
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

var errWaitTimeout = errors.New("wait timed out")

// waiter polls at a fixed interval with a hard deadline. Every wait can be
// preempted by ctx or by the interrupt channel being closed.
type waiter struct {
	clock     Clock
	timeout   time.Duration
	interval  time.Duration
	interrupt <-chan struct{}
}

// until polls cond until it reports true. It returns errWaitTimeout once
// the deadline passes.
func (w waiter) until(ctx context.Context, cond func() (bool, error)) error {
	deadline := w.clock.After(w.timeout)
	for {
		select {
		case <-w.interrupt:
			return ErrRollbackRequested
		default:
		}

		done, err := cond()
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.interrupt:
			return ErrRollbackRequested
		case <-deadline:
			return errWaitTimeout
		case <-w.clock.After(w.interval):
		}
	}
}

// hold runs check every interval for the whole timeout and returns the
// first error it reports. A nil return means the window passed cleanly.
func (w waiter) hold(ctx context.Context, check func() error) error {
	deadline := w.clock.After(w.timeout)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.interrupt:
			return ErrRollbackRequested
		case <-deadline:
			return nil
		case <-w.clock.After(w.interval):
			if err := check(); err != nil {
				return err
			}
		}
	}
}

// sleep waits for d unless preempted
func (w waiter) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.interrupt:
		return ErrRollbackRequested
	case <-w.clock.After(d):
		return nil
	}
}
