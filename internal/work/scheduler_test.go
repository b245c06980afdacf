package work

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bgwork/internal/budget"
	"bgwork/internal/clock"
	"bgwork/internal/conditions"
	"bgwork/internal/eventbus"
	"bgwork/internal/host"
	"bgwork/internal/storage"
	logx "bgwork/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func startScheduler(t *testing.T, cfg Config, opts ...Option) *Scheduler {
	t.Helper()
	s := New(cfg, opts...)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for value")
	}
	var zero T
	return zero
}

func quiet[T any](t *testing.T, ch <-chan T, d time.Duration) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected value: %v", v)
	case <-time.After(d):
	}
}

func waitEvent(t *testing.T, ch <-chan eventbus.Event, typ string) WorkEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Type == typ {
				return e.Data.(WorkEvent)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func TestSerialWorkerHonorsRateLimit(t *testing.T) {
	t.Parallel()
	fc := clock.NewFake(epoch)
	s := startScheduler(t, Config{}, WithClock(fc))
	require.NoError(t, s.SetRateLimit(context.Background(), "sync-limit", 1, 10*time.Second))

	calls := make(chan time.Time, 4)
	require.NoError(t, s.Register("sync", Serial, func(context.Context, Request) (Result, error) {
		calls <- fc.Now()
		return Success(), nil
	}))

	req := Request{WorkID: "sync", RateLimitIDs: []string{"sync-limit"}}
	require.NoError(t, s.Dispatch(req))
	require.NoError(t, s.Dispatch(req))

	first := recv(t, calls)
	assert.True(t, first.Equal(epoch))

	// The second request is asleep on the rate limit.
	fc.BlockUntil(1)
	fc.Advance(9 * time.Second)
	quiet(t, calls, 50*time.Millisecond)

	fc.Advance(time.Second)
	second := recv(t, calls)
	assert.GreaterOrEqual(t, second.Sub(first), 10*time.Second)
}

func TestRetryAfterRedispatchesOnce(t *testing.T) {
	t.Parallel()
	fc := clock.NewFake(epoch)
	bus := eventbus.New()
	events, unsub := bus.Subscribe(32, "work.")
	defer unsub()
	s := startScheduler(t, Config{}, WithClock(fc), WithBus(bus))
	require.NoError(t, s.SetRateLimit(context.Background(), "retry-limit", 10, time.Minute))

	type call struct {
		at      time.Time
		attempt int
		ids     []string
	}
	calls := make(chan call, 4)
	require.NoError(t, s.Register("upload", Serial, func(ctx context.Context, req Request) (Result, error) {
		n := AttemptFromContext(ctx)
		calls <- call{at: fc.Now(), attempt: n, ids: req.RateLimitIDs}
		if n == 1 {
			return RetryAfter(5 * time.Second), nil
		}
		return Success(), nil
	}))

	require.NoError(t, s.Dispatch(Request{WorkID: "upload", RateLimitIDs: []string{"retry-limit"}}))
	first := recv(t, calls)
	assert.Equal(t, 1, first.attempt)
	ev := waitEvent(t, events, eventbus.TypeWorkRetry)
	assert.Equal(t, 5*time.Second, ev.RetryAfter)

	fc.BlockUntil(1)
	fc.Advance(4 * time.Second)
	quiet(t, calls, 50*time.Millisecond)
	fc.Advance(time.Second)

	second := recv(t, calls)
	assert.Equal(t, 2, second.attempt)
	assert.GreaterOrEqual(t, second.at.Sub(first.at), 5*time.Second)
	assert.Equal(t, []string{"retry-limit"}, second.ids)
	waitEvent(t, events, eventbus.TypeWorkFinished)

	quiet(t, calls, 50*time.Millisecond)
	snap := s.Snapshot()
	assert.Equal(t, uint64(1), snap.Retried)
	assert.Equal(t, uint64(1), snap.Succeeded)
}

type denyingHost struct{ asked atomic.Int32 }

func (h *denyingHost) RequestBudget(context.Context, string, func()) (host.Handle, error) {
	h.asked.Add(1)
	return nil, host.ErrGrantDenied
}

func TestGrantDeniedDropsWork(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8, eventbus.TypeWorkDropped)
	defer unsub()
	h := &denyingHost{}
	s := startScheduler(t, Config{}, WithHost(h), WithBus(bus))

	var called atomic.Bool
	require.NoError(t, s.Register("flush", Concurrent, func(context.Context, Request) (Result, error) {
		called.Store(true)
		return Success(), nil
	}))
	require.NoError(t, s.Dispatch(Request{WorkID: "flush"}))

	ev := waitEvent(t, events, eventbus.TypeWorkDropped)
	assert.Equal(t, "flush#0", ev.Worker)
	assert.False(t, called.Load())
	assert.Equal(t, int32(1), h.asked.Load())
	assert.Equal(t, uint64(1), s.Snapshot().Dropped)
}

func TestBudgetExpiryCancelsHandler(t *testing.T) {
	t.Parallel()
	local := host.NewLocal(host.Config{}, nil, logx.Nop())
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8, "work.")
	defer unsub()
	s := startScheduler(t, Config{}, WithHost(local), WithBus(bus))

	started := make(chan struct{})
	causes := make(chan error, 1)
	require.NoError(t, s.Register("fetch", Serial, func(ctx context.Context, _ Request) (Result, error) {
		close(started)
		<-ctx.Done()
		causes <- context.Cause(ctx)
		return Success(), nil
	}))
	require.NoError(t, s.Dispatch(Request{WorkID: "fetch"}))

	recv(t, started)
	local.RevokeAll()

	assert.ErrorIs(t, recv(t, causes), budget.ErrExpired)
	ev := waitEvent(t, events, eventbus.TypeWorkExpired)
	assert.Equal(t, "expired", ev.Outcome)
	assert.Equal(t, uint64(1), s.Snapshot().Expired)
	assert.Equal(t, uint64(0), s.Snapshot().Retried)
}

func TestExpiredHandlerIsAbandonedAfterGrace(t *testing.T) {
	t.Parallel()
	fc := clock.NewFake(epoch)
	local := host.NewLocal(host.Config{}, fc, logx.Nop())
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8, eventbus.TypeWorkExpired)
	defer unsub()
	s := startScheduler(t, Config{AbandonGrace: 3 * time.Second}, WithClock(fc), WithHost(local), WithBus(bus))

	started := make(chan struct{})
	unblock := make(chan struct{})
	defer close(unblock)
	require.NoError(t, s.Register("stubborn", Concurrent, func(context.Context, Request) (Result, error) {
		close(started)
		<-unblock
		return Success(), nil
	}))
	require.NoError(t, s.Dispatch(Request{WorkID: "stubborn"}))
	recv(t, started)
	local.RevokeAll()

	fc.BlockUntil(1)
	fc.Advance(3 * time.Second)
	ev := waitEvent(t, events, eventbus.TypeWorkExpired)
	assert.Contains(t, ev.Error, "abandoned")
}

func TestDispatchLifecycle(t *testing.T) {
	t.Parallel()
	s := New(Config{})
	require.NoError(t, s.Register("x", Serial, func(context.Context, Request) (Result, error) { return Success(), nil }))
	assert.ErrorIs(t, s.Dispatch(Request{WorkID: "x"}), ErrStopped)

	s.Start(context.Background())
	assert.True(t, s.Running())
	assert.NoError(t, s.Dispatch(Request{WorkID: "unknown"}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.False(t, s.Running())
	assert.ErrorIs(t, s.Dispatch(Request{WorkID: "x"}), ErrStopped)
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()
	s := New(Config{})
	h := func(context.Context, Request) (Result, error) { return Success(), nil }
	assert.ErrorIs(t, s.Register(" ", Serial, h), ErrInvalidWorker)
	assert.ErrorIs(t, s.Register("a", Serial, nil), ErrInvalidWorker)
	assert.ErrorIs(t, s.Register("a", ConcurrencyClass(9), h), ErrInvalidWorker)
	assert.NoError(t, s.Register("a", Concurrent, h))
}

func TestConcurrentWorkerOverlaps(t *testing.T) {
	t.Parallel()
	s := startScheduler(t, Config{})

	const n = 3
	var entered atomic.Int32
	all := make(chan struct{})
	done := make(chan struct{}, n)
	require.NoError(t, s.Register("analytics", Concurrent, func(ctx context.Context, _ Request) (Result, error) {
		if entered.Add(1) == n {
			close(all)
		}
		select {
		case <-all:
		case <-ctx.Done():
			return Failure(), ctx.Err()
		}
		done <- struct{}{}
		return Success(), nil
	}))
	for i := 0; i < n; i++ {
		require.NoError(t, s.Dispatch(Request{WorkID: "analytics"}))
	}
	for i := 0; i < n; i++ {
		recv(t, done)
	}
}

func TestSerialWorkerRunsFIFOOneAtATime(t *testing.T) {
	t.Parallel()
	s := startScheduler(t, Config{})

	var (
		mu      sync.Mutex
		order   []string
		current atomic.Int32
		peak    atomic.Int32
	)
	done := make(chan struct{}, 8)
	require.NoError(t, s.Register("tags", Serial, func(context.Context, Request) (Result, error) {
		return Success(), nil
	}))
	// A second handler on the same id is invoked independently.
	require.NoError(t, s.Register("tags", Serial, func(_ context.Context, req Request) (Result, error) {
		c := current.Add(1)
		defer current.Add(-1)
		for {
			p := peak.Load()
			if c <= p || peak.CompareAndSwap(p, c) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		order = append(order, string(req.Options))
		mu.Unlock()
		done <- struct{}{}
		return Success(), nil
	}))

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Dispatch(Request{WorkID: "tags", Options: []byte(fmt.Sprint(i))}))
	}
	for i := 0; i < 5; i++ {
		recv(t, done)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"0", "1", "2", "3", "4"}, order)
	assert.Equal(t, int32(1), peak.Load())
}

func TestHandlerOutcomes(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		handler Handler
		event   string
		outcome string
	}{
		{"error", func(context.Context, Request) (Result, error) { return Success(), errors.New("boom") }, eventbus.TypeWorkFailed, "failure"},
		{"panic", func(context.Context, Request) (Result, error) { panic("bad") }, eventbus.TypeWorkFailed, "failure"},
		{"failure", func(context.Context, Request) (Result, error) { return Failure(), nil }, eventbus.TypeWorkFailed, "failure"},
		{"retry-hint", func(ctx context.Context, _ Request) (Result, error) {
			if AttemptFromContext(ctx) > 1 {
				return Success(), nil
			}
			return Failure(), RetryAfterErr(errors.New("429"), time.Millisecond)
		}, eventbus.TypeWorkRetry, "retry"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			bus := eventbus.New()
			events, unsub := bus.Subscribe(16, "work.")
			defer unsub()
			s := startScheduler(t, Config{}, WithBus(bus))
			require.NoError(t, s.Register("job", Serial, tc.handler))
			require.NoError(t, s.Dispatch(Request{WorkID: "job"}))
			ev := waitEvent(t, events, tc.event)
			assert.Equal(t, tc.outcome, ev.Outcome)
			assert.Equal(t, 1, ev.Attempt)
		})
	}
}

func TestStopCancelsWithoutRetry(t *testing.T) {
	t.Parallel()
	s := New(Config{})
	var calls atomic.Int32
	started := make(chan struct{}, 2)
	require.NoError(t, s.Register("sync", Serial, func(ctx context.Context, _ Request) (Result, error) {
		calls.Add(1)
		started <- struct{}{}
		<-ctx.Done()
		return Retry(), nil
	}))
	s.Start(context.Background())
	require.NoError(t, s.Dispatch(Request{WorkID: "sync"}))
	recv(t, started)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int64(0), s.Snapshot().InFlight)
	assert.Equal(t, uint64(0), s.Snapshot().Retried)
}

func TestConditionsGateExecution(t *testing.T) {
	t.Parallel()
	mon := conditions.New(false, true, logx.Nop(), nil)
	s := startScheduler(t, Config{}, WithMonitor(mon))
	calls := make(chan struct{}, 1)
	require.NoError(t, s.Register("remote-data", Serial, func(context.Context, Request) (Result, error) {
		calls <- struct{}{}
		return Success(), nil
	}))
	require.NoError(t, s.Dispatch(Request{WorkID: "remote-data", Requirements: conditions.Requirements{Network: true}}))

	quiet(t, calls, 50*time.Millisecond)
	mon.SetConnected(true)
	recv(t, calls)
}

func TestAttemptsAreRecorded(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "bgwork.db")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(8, eventbus.TypeWorkFinished)
	defer unsub()
	s := startScheduler(t, Config{}, WithStore(st), WithBus(bus))
	require.NoError(t, s.Register("register", Serial, func(context.Context, Request) (Result, error) { return Success(), nil }))
	require.NoError(t, s.Dispatch(Request{WorkID: "register", RateLimitIDs: []string{"no-such-rule"}}))
	waitEvent(t, events, eventbus.TypeWorkFinished)

	recs, err := st.RecentAttempts(context.Background(), "register", 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "success", recs[0].Outcome)
	assert.Equal(t, "register#0", recs[0].Worker)
	assert.Equal(t, []string{"no-such-rule"}, recs[0].RateLimitIDs)

	h := s.Snapshot().History
	require.Len(t, h, 1)
	assert.Equal(t, "success", h[0].Outcome)
}

func TestMinDelayHoldsExecution(t *testing.T) {
	t.Parallel()
	fc := clock.NewFake(epoch)
	s := startScheduler(t, Config{}, WithClock(fc))

	calls := make(chan time.Time, 1)
	require.NoError(t, s.Register("digest", Concurrent, func(context.Context, Request) (Result, error) {
		calls <- fc.Now()
		return Success(), nil
	}))
	require.NoError(t, s.Dispatch(Request{WorkID: "digest", MinDelay: 5 * time.Second}))

	fc.BlockUntil(1)
	fc.Advance(4 * time.Second)
	quiet(t, calls, 50*time.Millisecond)

	fc.Advance(time.Second)
	ran := recv(t, calls)
	assert.GreaterOrEqual(t, ran.Sub(epoch), 5*time.Second)
}

func TestBudgetExpiresWhileRateLimited(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fc := clock.NewFake(epoch)
	local := host.NewLocal(host.Config{BudgetDuration: 10 * time.Second}, fc, logx.Nop())
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8, "work.")
	defer unsub()
	s := startScheduler(t, Config{MaxWaitStep: 2 * time.Minute}, WithClock(fc), WithHost(local), WithBus(bus))

	require.NoError(t, s.SetRateLimit(ctx, "quota", 1, time.Minute))
	require.NoError(t, s.Limiter().Track(ctx, "quota"))

	var called atomic.Bool
	require.NoError(t, s.Register("upload", Serial, func(context.Context, Request) (Result, error) {
		called.Store(true)
		return Success(), nil
	}))
	require.NoError(t, s.Dispatch(Request{WorkID: "upload", RateLimitIDs: []string{"quota"}}))

	// Budget timer plus the rate-limit sleep.
	fc.BlockUntil(2)
	fc.Advance(10 * time.Second)

	ev := waitEvent(t, events, eventbus.TypeWorkExpired)
	assert.Equal(t, "expired", ev.Outcome)
	assert.False(t, called.Load())
	assert.Equal(t, uint64(1), s.Snapshot().Expired)
	assert.Equal(t, 0, local.Active())

	// Only the hit recorded at epoch counts against the rule.
	fc.Advance(51 * time.Second)
	st, err := s.Limiter().Status(ctx, "quota")
	require.NoError(t, err)
	assert.False(t, st.OverLimit)
	assert.Equal(t, 1, st.Remaining)
}

func TestHandlerReturnSettle(t *testing.T) {
	t.Parallel()
	expired := fmt.Errorf("deadline: %w", budget.ErrExpired)

	res, err := handlerReturn{res: RetryAfter(time.Minute)}.settle(expired)
	assert.NoError(t, err)
	assert.Equal(t, RetryAfter(time.Minute), res)

	res, err = handlerReturn{res: Result{Outcome: Outcome(99)}}.settle(nil)
	assert.NoError(t, err)
	assert.Equal(t, OutcomeFailure, res.Outcome)

	boom := errors.New("boom")
	res, err = handlerReturn{res: Success(), err: boom}.settle(expired)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, OutcomeFailure, res.Outcome)

	res, err = handlerReturn{res: Success(), late: true}.settle(expired)
	assert.ErrorIs(t, err, budget.ErrExpired)
	assert.Equal(t, OutcomeFailure, res.Outcome)
}

func TestResultBeforeExpiryStands(t *testing.T) {
	t.Parallel()
	local := host.NewLocal(host.Config{}, nil, logx.Nop())
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8, "work.")
	defer unsub()
	s := startScheduler(t, Config{}, WithHost(local), WithBus(bus))

	require.NoError(t, s.Register("ping", Serial, func(context.Context, Request) (Result, error) {
		return Success(), nil
	}))
	require.NoError(t, s.Dispatch(Request{WorkID: "ping"}))

	ev := waitEvent(t, events, eventbus.TypeWorkFinished)
	assert.Equal(t, "success", ev.Outcome)
	local.RevokeAll()
	quiet(t, events, 50*time.Millisecond)
	assert.Equal(t, uint64(1), s.Snapshot().Succeeded)
	assert.Equal(t, uint64(0), s.Snapshot().Expired)
}
