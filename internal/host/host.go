// Package host grants execution budgets for background work.
//
// In the original mobile setting the operating system hands out a limited
// amount of background run time; here Local plays that role for a daemon,
// capping how long a single piece of work may hold a budget, how many
// budgets may be outstanding and how quickly new ones are granted.
package host

import (
	"context"
	"errors"
	"sync"
	"time"

	"bgwork/internal/budget"
	"bgwork/internal/clock"
	logx "bgwork/pkg/logx"

	"golang.org/x/time/rate"
)

// ErrGrantDenied is returned when the provider declines to grant a budget.
var ErrGrantDenied = errors.New("execution budget denied")

// Provider grants execution budgets. onExpire runs at most once, on its
// own goroutine or the provider's timer, when the host revokes the budget.
type Provider interface {
	RequestBudget(ctx context.Context, name string, onExpire func()) (Handle, error)
}

// Handle is a granted budget. Release returns it to the host; calling it
// more than once is harmless.
type Handle interface {
	Release()
}

type Config struct {
	// BudgetDuration bounds how long a grant lasts. Zero means unlimited.
	BudgetDuration time.Duration
	// MaxConcurrent caps outstanding grants. Zero means unlimited.
	MaxConcurrent int
	// GrantRate limits new grants per second. Zero disables the limit.
	GrantRate  float64
	GrantBurst int
}

// Local is an in-process Provider.
type Local struct {
	cfg   Config
	clock clock.Clock
	log   logx.Logger
	grant *rate.Limiter

	mu     sync.Mutex
	nextID uint64
	active map[uint64]*grant
}

type grant struct {
	id       uint64
	name     string
	owner    *Local
	timer    clock.Timer
	onExpire func()
	once     sync.Once
}

func NewLocal(cfg Config, c clock.Clock, log logx.Logger) *Local {
	l := &Local{
		cfg:    cfg,
		clock:  clock.OrReal(c),
		log:    log,
		active: map[uint64]*grant{},
	}
	if cfg.GrantRate > 0 {
		burst := cfg.GrantBurst
		if burst <= 0 {
			burst = 1
		}
		l.grant = rate.NewLimiter(rate.Limit(cfg.GrantRate), burst)
	}
	return l
}

func (l *Local) RequestBudget(ctx context.Context, name string, onExpire func()) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cfg.MaxConcurrent > 0 && len(l.active) >= l.cfg.MaxConcurrent {
		l.log.Debug("budget denied: concurrency cap", logx.String("name", name), logx.Int("active", len(l.active)))
		return nil, ErrGrantDenied
	}
	if l.grant != nil && !l.grant.AllowN(l.clock.Now(), 1) {
		l.log.Debug("budget denied: grant rate", logx.String("name", name))
		return nil, ErrGrantDenied
	}

	l.nextID++
	g := &grant{id: l.nextID, name: name, owner: l, onExpire: onExpire}
	l.active[g.id] = g
	if l.cfg.BudgetDuration > 0 {
		g.timer = l.clock.AfterFunc(l.cfg.BudgetDuration, g.expire)
	}
	return g, nil
}

// Active reports the number of outstanding grants.
func (l *Local) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.active)
}

// RevokeAll expires every outstanding grant, as a host does when it
// reclaims background time.
func (l *Local) RevokeAll() {
	l.mu.Lock()
	gs := make([]*grant, 0, len(l.active))
	for _, g := range l.active {
		gs = append(gs, g)
	}
	l.mu.Unlock()
	for _, g := range gs {
		g.expire()
	}
}

func (l *Local) remove(id uint64) {
	l.mu.Lock()
	delete(l.active, id)
	l.mu.Unlock()
}

// expire settles the grant and then calls onExpire outside the Once, since
// onExpire may call back into Release.
func (g *grant) expire() {
	fire := false
	g.once.Do(func() {
		fire = true
		g.owner.remove(g.id)
	})
	if !fire {
		return
	}
	g.owner.log.Debug("budget expired", logx.String("name", g.name))
	if g.onExpire != nil {
		g.onExpire()
	}
}

func (g *grant) Release() {
	g.once.Do(func() {
		if g.timer != nil {
			g.timer.Stop()
		}
		g.owner.remove(g.id)
	})
}

// Attach wires a Handle to t: expiry of the grant expires t, and t reaching
// any terminal state releases the grant.
func Attach(ctx context.Context, p Provider, name string) (*budget.Task, error) {
	t := budget.New("")
	h, err := p.RequestBudget(ctx, name, t.Expire)
	if err != nil {
		return nil, err
	}
	t.OnCompletion(func(bool) { h.Release() })
	return t, nil
}
