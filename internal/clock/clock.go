// Package clock provides the time source used by the scheduler and its
// leaves, plus cancellable waits that are broken into bounded increments.
//
// Production code uses Real(); tests inject a clockwork fake clock so the
// rate limiter, host budgets and retry waits run on simulated time.
package clock

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock is the injectable time source.
type Clock = clockwork.Clock

// Timer is a stoppable timer created by a Clock.
type Timer = clockwork.Timer

// Real returns the wall clock.
func Real() Clock { return clockwork.NewRealClock() }

// OrReal returns c, or the wall clock if c is nil.
func OrReal(c Clock) Clock {
	if c == nil {
		return Real()
	}
	return c
}

// Steps decomposes a wait of total into increments no larger than step.
//
//	Steps(85, 30) == [30 30 25]
//	Steps(30, 30) == [30]
//	Steps(0, 30)  == nil
//
// A non-positive step yields a single increment.
func Steps(total, step time.Duration) []time.Duration {
	if total <= 0 {
		return nil
	}
	if step <= 0 || total <= step {
		return []time.Duration{total}
	}
	out := make([]time.Duration, 0, int(total/step)+1)
	for rem := total; rem > 0; rem -= step {
		out = append(out, min(rem, step))
	}
	return out
}

// Sleep waits d on c. It returns the context cause if ctx is done first.
// A non-positive d returns immediately without creating a timer.
func Sleep(ctx context.Context, c Clock, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return context.Cause(ctx)
	}
	if d <= 0 {
		return nil
	}
	t := c.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-t.Chan():
		return nil
	}
}

// SleepCapped waits total on c in increments of at most step, so a caller
// blocked on a long wait notices cancellation at every increment boundary
// even if the clock misses a wakeup.
func SleepCapped(ctx context.Context, c Clock, total, step time.Duration) error {
	for _, d := range Steps(total, step) {
		if err := Sleep(ctx, c, d); err != nil {
			return err
		}
	}
	return nil
}

// Fake is a manually advanced clock for simulated-time tests.
type Fake interface {
	Clock
	Advance(d time.Duration)
	BlockUntil(waiters int)
}

// NewFake returns a Fake clock starting at at.
func NewFake(at time.Time) Fake { return clockwork.NewFakeClockAt(at) }
