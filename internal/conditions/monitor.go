// Package conditions tracks the environmental signals work may depend on
// (connectivity, process lifecycle state, named custom flags) and lets
// callers wait until a set of requirements holds.
package conditions

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"bgwork/internal/eventbus"
	logx "bgwork/pkg/logx"
)

// Requirements names the signals a unit of work needs before it may run.
type Requirements struct {
	Network    bool     `json:"network,omitempty"`
	Foreground bool     `json:"foreground,omitempty"`
	Flags      []string `json:"flags,omitempty"`
}

// IsZero reports whether r requires nothing.
func (r Requirements) IsZero() bool {
	return !r.Network && !r.Foreground && len(r.Flags) == 0
}

// Signals is a point-in-time view of the monitor.
type Signals struct {
	Connected  bool            `json:"connected"`
	Foreground bool            `json:"foreground"`
	Flags      map[string]bool `json:"flags,omitempty"`
}

func (s Signals) satisfies(r Requirements) bool {
	if r.Network && !s.Connected {
		return false
	}
	if r.Foreground && !s.Foreground {
		return false
	}
	for _, f := range r.Flags {
		if !s.Flags[strings.TrimSpace(f)] {
			return false
		}
	}
	return true
}

// Monitor holds the current signals. Waiters park on a broadcast channel
// that is closed and replaced on every change.
type Monitor struct {
	mu      sync.Mutex
	sig     Signals
	changed chan struct{}

	log logx.Logger
	bus eventbus.Bus
}

// New returns a monitor with the given initial connectivity and foreground
// state. bus may be nil.
func New(connected, foreground bool, log logx.Logger, bus eventbus.Bus) *Monitor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Monitor{
		sig:     Signals{Connected: connected, Foreground: foreground, Flags: map[string]bool{}},
		changed: make(chan struct{}),
		log:     log,
		bus:     bus,
	}
}

func (m *Monitor) SetConnected(v bool) {
	m.update("connected", v, func(s *Signals) bool {
		if s.Connected == v {
			return false
		}
		s.Connected = v
		return true
	})
}

func (m *Monitor) SetForeground(v bool) {
	m.update("foreground", v, func(s *Signals) bool {
		if s.Foreground == v {
			return false
		}
		s.Foreground = v
		return true
	})
}

// SetFlag sets a named work-type-specific signal.
func (m *Monitor) SetFlag(name string, v bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	m.update("flag."+name, v, func(s *Signals) bool {
		if s.Flags[name] == v {
			return false
		}
		s.Flags[name] = v
		return true
	})
}

func (m *Monitor) update(signal string, v bool, apply func(*Signals) bool) {
	m.mu.Lock()
	if !apply(&m.sig) {
		m.mu.Unlock()
		return
	}
	close(m.changed)
	m.changed = make(chan struct{})
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.log.Debug("condition changed", logx.String("signal", signal), logx.Bool("value", v))
	if m.bus != nil {
		m.bus.Publish(eventbus.Event{Type: eventbus.TypeConditionsChanged, Time: time.Now(), Data: snap})
	}
}

func (m *Monitor) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sig.Connected
}

func (m *Monitor) IsForeground() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sig.Foreground
}

// Signals returns a copy of the current signals.
func (m *Monitor) Signals() Signals {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Monitor) snapshotLocked() Signals {
	flags := make(map[string]bool, len(m.sig.Flags))
	for k, v := range m.sig.Flags {
		flags[k] = v
	}
	return Signals{Connected: m.sig.Connected, Foreground: m.sig.Foreground, Flags: flags}
}

// Satisfied reports whether r holds right now.
func (m *Monitor) Satisfied(r Requirements) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sig.satisfies(r)
}

// Wait blocks until every signal r requires holds at the same time. It
// returns immediately if r is already satisfied, and returns the context
// cause (leaving no trace behind) if ctx is done first.
func (m *Monitor) Wait(ctx context.Context, r Requirements) error {
	for {
		m.mu.Lock()
		ok := m.sig.satisfies(r)
		ch := m.changed
		m.mu.Unlock()
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-ch:
		}
	}
}

// Missing lists the signals of r that do not currently hold, for logging.
func (m *Monitor) Missing(r Requirements) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	if r.Network && !m.sig.Connected {
		out = append(out, "network")
	}
	if r.Foreground && !m.sig.Foreground {
		out = append(out, "foreground")
	}
	for _, f := range r.Flags {
		if !m.sig.Flags[strings.TrimSpace(f)] {
			out = append(out, "flag."+strings.TrimSpace(f))
		}
	}
	sort.Strings(out)
	return out
}
