package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"

	"bgwork/internal/clock"
	logx "bgwork/pkg/logx"
)

// Limiter tracks hits against named sliding-window rules.
//
// Every operation runs under one mutex, so concurrent Track/Status calls never
// lose updates even when the history lives in an external store.
type Limiter struct {
	mu    sync.Mutex
	rules map[string]Rule
	store HistoryStore
	clock clock.Clock
	log   logx.Logger
}

type Option func(*Limiter)

// WithStore replaces the default in-memory history store.
func WithStore(s HistoryStore) Option {
	return func(l *Limiter) {
		if s != nil {
			l.store = s
		}
	}
}

func WithClock(c clock.Clock) Option { return func(l *Limiter) { l.clock = clock.OrReal(c) } }

func WithLogger(log logx.Logger) Option { return func(l *Limiter) { l.log = log } }

func New(opts ...Option) *Limiter {
	l := &Limiter{
		rules: map[string]Rule{},
		store: NewMemoryStore(),
		clock: clock.Real(),
		log:   logx.Nop(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// SetRule installs or replaces the rule for key and clears its hit history.
// An invalid rule returns a *ConfigError and changes nothing.
func (l *Limiter) SetRule(ctx context.Context, key string, rate int, interval time.Duration) error {
	key = strings.TrimSpace(key)
	r := Rule{Rate: rate, Interval: interval}
	if key == "" {
		return &ConfigError{Key: key, Field: "key", Reason: "must not be empty"}
	}
	if err := r.validate(key); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.store.Reset(ctx, key); err != nil {
		return err
	}
	l.rules[key] = r
	l.log.Debug("rate limit set", logx.String("key", key), logx.Int("rate", rate), logx.Duration("interval", interval))
	return nil
}

// RemoveRule drops the rule and history for key. Unknown keys are ignored.
func (l *Limiter) RemoveRule(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.rules[key]; !ok {
		return nil
	}
	delete(l.rules, key)
	return l.store.Reset(ctx, key)
}

// Rule returns the rule for key, if any.
func (l *Limiter) Rule(key string) (Rule, bool) {
	l.mu.Lock()
	r, ok := l.rules[strings.TrimSpace(key)]
	l.mu.Unlock()
	return r, ok
}

// Rules returns a copy of all installed rules.
func (l *Limiter) Rules() map[string]Rule {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]Rule, len(l.rules))
	for k, r := range l.rules {
		out[k] = r
	}
	return out
}

// Track records a hit for key at the current time. Keys without a rule are
// ignored.
func (l *Limiter) Track(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.rules[key]
	if !ok {
		l.log.Debug("rate limit track ignored: no rule", logx.String("key", key))
		return nil
	}
	return l.store.Append(ctx, key, l.clock.Now(), r.Interval)
}

// Status reports whether key is within its limit.
//
// With c hits in the trailing interval (oldest first), c >= rate yields
// overLimit(interval - (now - hits[c-rate])), otherwise withinLimit(rate - c).
func (l *Limiter) Status(ctx context.Context, key string) (Status, error) {
	key = strings.TrimSpace(key)
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.rules[key]
	if !ok {
		return Status{}, ErrUnknownRule
	}
	now := l.clock.Now()
	hits, err := l.store.Window(ctx, key, now.Add(-r.Interval))
	if err != nil {
		return Status{}, err
	}
	c := len(hits)
	if c >= r.Rate {
		return OverLimitFor(r.Interval - now.Sub(hits[c-r.Rate])), nil
	}
	return WithinLimit(r.Rate - c), nil
}
