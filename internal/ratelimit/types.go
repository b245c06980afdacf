// Package ratelimit implements named sliding-window rate limits.
//
// A rule caps a key at Rate hits in any trailing Interval. Status reports
// either the remaining capacity or the exact wait until the oldest counted hit
// ages out, so callers can schedule a precise re-check instead of polling.
package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidRule matches every *ConfigError.
	ErrInvalidRule = errors.New("ratelimit: invalid rule")

	// ErrUnknownRule is returned by Status for a key with no rule set.
	ErrUnknownRule = errors.New("ratelimit: no rule for key")
)

// Rule caps a key at Rate hits per trailing Interval.
type Rule struct {
	Rate     int           `json:"rate"`
	Interval time.Duration `json:"interval"`
}

func (r Rule) validate(key string) error {
	if r.Rate <= 0 {
		return &ConfigError{Key: key, Field: "rate", Reason: fmt.Sprintf("must be > 0, got %d", r.Rate)}
	}
	if r.Interval <= 0 {
		return &ConfigError{Key: key, Field: "interval", Reason: fmt.Sprintf("must be > 0, got %s", r.Interval)}
	}
	return nil
}

// ConfigError reports a rejected rule. Nothing is installed when it is returned.
type ConfigError struct {
	Key    string
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("ratelimit: rule %q: %s %s", e.Key, e.Field, e.Reason)
}

func (e *ConfigError) Is(target error) bool { return target == ErrInvalidRule }

// Status is the result of a rate-limit check: either within the limit with
// Remaining hits left, or over it until NextAvailable has elapsed.
type Status struct {
	OverLimit     bool
	Remaining     int
	NextAvailable time.Duration
}

// WithinLimit builds a status with remaining capacity.
func WithinLimit(remaining int) Status { return Status{Remaining: remaining} }

// OverLimitFor builds a status that clears after d.
func OverLimitFor(d time.Duration) Status {
	if d < 0 {
		d = 0
	}
	return Status{OverLimit: true, NextAvailable: d}
}

func (s Status) String() string {
	if s.OverLimit {
		return fmt.Sprintf("overLimit(%s)", s.NextAvailable)
	}
	return fmt.Sprintf("withinLimit(%d)", s.Remaining)
}
