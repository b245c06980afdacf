package work

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"bgwork/internal/clock"
	"bgwork/internal/conditions"
	"bgwork/internal/eventbus"
	"bgwork/internal/host"
	"bgwork/internal/ratelimit"
	rtsup "bgwork/internal/runtime/supervisor"
	"bgwork/internal/storage"
	logx "bgwork/pkg/logx"

	"golang.org/x/time/rate"
)

const (
	DefaultMaxWaitStep  = 30 * time.Second
	DefaultAbandonGrace = 5 * time.Second
	defaultHistorySize  = 100
	warnThrottleEvery   = 5 * time.Second
)

type Config struct {
	// MaxWaitStep caps a single sleep in the rate-limit and min-delay waits.
	MaxWaitStep time.Duration
	// AbandonGrace is how long a handler may keep running after its budget
	// expired before the scheduler stops waiting for it.
	AbandonGrace time.Duration
	HistorySize  int
	Backoff      Backoff
}

func (c Config) withDefaults() Config {
	if c.MaxWaitStep <= 0 {
		c.MaxWaitStep = DefaultMaxWaitStep
	}
	if c.AbandonGrace <= 0 {
		c.AbandonGrace = DefaultAbandonGrace
	}
	if c.HistorySize <= 0 {
		c.HistorySize = defaultHistorySize
	}
	if c.Backoff == nil {
		c.Backoff = FixedBackoff{Interval: DefaultRetryDelay}
	}
	return c
}

type Option func(*Scheduler)

func WithClock(c clock.Clock) Option { return func(s *Scheduler) { s.clock = clock.OrReal(c) } }

func WithLogger(log logx.Logger) Option { return func(s *Scheduler) { s.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(s *Scheduler) { s.bus = bus } }

func WithLimiter(l *ratelimit.Limiter) Option { return func(s *Scheduler) { s.limiter = l } }

func WithMonitor(m *conditions.Monitor) Option { return func(s *Scheduler) { s.monitor = m } }

func WithHost(p host.Provider) Option { return func(s *Scheduler) { s.host = p } }

// WithStore records every finished attempt. A nil store disables recording.
func WithStore(st storage.Store) Option { return func(s *Scheduler) { s.store = st } }

type worker struct {
	workID  string
	name    string
	class   ConcurrencyClass
	handler Handler
	gate    *serialGate
}

// Scheduler registers handlers and runs dispatched requests through the
// gating pipeline.
type Scheduler struct {
	cfg     Config
	clock   clock.Clock
	log     logx.Logger
	bus     eventbus.Bus
	limiter *ratelimit.Limiter
	monitor *conditions.Monitor
	host    host.Provider
	store   storage.Store

	mu      sync.RWMutex
	workers map[string][]*worker
	sup     *rtsup.Supervisor

	inFlight  atomic.Int64
	running   atomic.Int64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	retried   atomic.Uint64
	dropped   atomic.Uint64
	expired   atomic.Uint64

	dropWarn rate.Sometimes

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:      cfg.withDefaults(),
		clock:    clock.Real(),
		log:      logx.Nop(),
		workers:  map[string][]*worker{},
		dropWarn: rate.Sometimes{Interval: warnThrottleEvery},
	}
	for _, o := range opts {
		o(s)
	}
	if s.limiter == nil {
		s.limiter = ratelimit.New(ratelimit.WithClock(s.clock), ratelimit.WithLogger(s.log))
	}
	if s.monitor == nil {
		s.monitor = conditions.New(true, true, s.log, s.bus)
	}
	if s.host == nil {
		s.host = host.NewLocal(host.Config{}, s.clock, s.log)
	}
	return s
}

func (s *Scheduler) Limiter() *ratelimit.Limiter  { return s.limiter }
func (s *Scheduler) Monitor() *conditions.Monitor { return s.monitor }

// Supervisor returns the pipelines' supervisor (nil if not started).
func (s *Scheduler) Supervisor() *rtsup.Supervisor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sup
}

// Register adds handler under workID. Several handlers may share an id;
// each receives every dispatched request independently.
func (s *Scheduler) Register(workID string, class ConcurrencyClass, handler Handler) error {
	workID = strings.TrimSpace(workID)
	if workID == "" {
		return fmt.Errorf("%w: empty work id", ErrInvalidWorker)
	}
	if handler == nil {
		return fmt.Errorf("%w: nil handler for %q", ErrInvalidWorker, workID)
	}
	if class != Serial && class != Concurrent {
		return fmt.Errorf("%w: %s", ErrInvalidWorker, class)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	w := &worker{
		workID:  workID,
		name:    fmt.Sprintf("%s#%d", workID, len(s.workers[workID])),
		class:   class,
		handler: handler,
	}
	if class == Serial {
		w.gate = &serialGate{}
	}
	s.workers[workID] = append(s.workers[workID], w)
	s.log.Debug("worker registered", logx.String("work_id", workID), logx.String("worker", w.name), logx.String("class", class.String()))
	return nil
}

// SetRateLimit installs or replaces a rate-limit rule and clears its history.
func (s *Scheduler) SetRateLimit(ctx context.Context, ruleID string, limit int, interval time.Duration) error {
	return s.limiter.SetRule(ctx, ruleID, limit, interval)
}

// Dispatch starts one pipeline per handler registered under req.WorkID and
// returns without waiting. An unknown work id is logged and ignored.
func (s *Scheduler) Dispatch(req Request) error {
	req.WorkID = strings.TrimSpace(req.WorkID)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.sup == nil {
		return ErrStopped
	}
	ws := s.workers[req.WorkID]
	if len(ws) == 0 {
		s.log.Debug("dispatch ignored: no workers", logx.String("work_id", req.WorkID))
		return nil
	}
	for _, w := range ws {
		// Take the serial ticket here so FIFO order follows dispatch order.
		tk := w.gate.take()
		r := req.clone()
		s.sup.Go0("work:"+w.name, func(ctx context.Context) {
			s.execute(ctx, w, r, tk)
		})
	}
	return nil
}

// Start makes the scheduler accept dispatches. Pipelines run under ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.log.Info("scheduler started")
}

// Stop cancels every pipeline and waits for them to exit or ctx to end.
// Budgets held by cancelled pipelines complete unsuccessfully and no
// retries are scheduled.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)
	s.log.Info("scheduler stopped", logx.Int64("in_flight", s.inFlight.Load()), logx.Err(err))
	return err
}

func (s *Scheduler) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sup != nil
}
