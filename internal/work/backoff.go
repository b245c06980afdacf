package work

import (
	"math/rand/v2"
	"time"
)

// DefaultRetryDelay is used for a retry without an explicit delay when no
// Backoff is configured.
const DefaultRetryDelay = 30 * time.Second

// Backoff picks the delay before retry attempt n+1, given that attempt n
// (1-based) asked to retry without a delay of its own.
type Backoff interface {
	Next(attempt int) time.Duration
}

// FixedBackoff always waits Interval.
type FixedBackoff struct {
	Interval time.Duration
}

func (b FixedBackoff) Next(int) time.Duration {
	if b.Interval <= 0 {
		return DefaultRetryDelay
	}
	return b.Interval
}

// ExponentialBackoff doubles Base per attempt up to Max, then applies
// +/- Jitter (0.2 = 20%).
type ExponentialBackoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

func (b ExponentialBackoff) Next(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	maxD := b.Max
	if maxD < base {
		maxD = max(base, 15*time.Minute)
	}

	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	if j := b.Jitter; j > 0 {
		r := (rand.Float64()*2 - 1) * j
		d = time.Duration(float64(d) * (1 + r))
	}
	return min(max(d, 0), maxD)
}
