package work

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"bgwork/internal/budget"
	"bgwork/internal/clock"
	"bgwork/internal/eventbus"
	"bgwork/internal/host"
	"bgwork/internal/ratelimit"
	logx "bgwork/pkg/logx"
)

// execute runs req through w until it reaches a terminal outcome. A retry
// re-enters the pipeline as a new attempt with a fresh serial ticket.
func (s *Scheduler) execute(ctx context.Context, w *worker, req Request, tk *ticket) {
	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)

	for attempt := 1; ; attempt++ {
		delay, again := s.attempt(ctx, w, req, attempt, tk)
		if !again {
			return
		}
		if err := clock.Sleep(ctx, s.clock, delay); err != nil {
			s.log.Debug("retry abandoned: scheduler stopping", logx.String("worker", w.name), logx.Int("attempt", attempt))
			return
		}
		tk = w.gate.take()
	}
}

// attempt is a single pass through the pipeline. It reports whether the
// request should run again and after what delay.
func (s *Scheduler) attempt(ctx context.Context, w *worker, req Request, attempt int, tk *ticket) (time.Duration, bool) {
	log := s.log.With(logx.String("work_id", w.workID), logx.String("worker", w.name), logx.Int("attempt", attempt))

	if err := tk.wait(ctx); err != nil {
		return 0, false
	}
	// Registered first so it runs last: the budget is settled before the
	// next serial request may start.
	defer tk.release()

	task, err := host.Attach(ctx, s.host, w.name)
	if err != nil {
		if ctx.Err() == nil {
			s.onDropped(ctx, log, w, req, attempt, err)
		}
		return 0, false
	}
	// Any exit without an explicit outcome completes the budget
	// unsuccessfully; the first completion wins.
	defer task.Complete(false)
	bctx, cancel := task.Context(ctx)
	defer cancel()

	queuedAt := s.clock.Now()
	if err := s.awaitGates(bctx, log, req); err != nil {
		s.onAborted(ctx, log, w, req, attempt, s.clock.Since(queuedAt), err)
		return 0, false
	}
	for _, id := range req.RateLimitIDs {
		if err := s.limiter.Track(bctx, id); err != nil {
			log.Warn("rate limit track failed", logx.String("rule", id), logx.Err(err))
		}
	}
	// Never start a handler on an expired budget.
	if bctx.Err() != nil {
		s.onAborted(ctx, log, w, req, attempt, 0, context.Cause(bctx))
		return 0, false
	}

	s.publish(eventbus.TypeWorkStarted, WorkEvent{WorkID: w.workID, Worker: w.name, Attempt: attempt, Outcome: "started"})
	started := s.clock.Now()
	res, herr := s.invoke(bctx, log, w, req, attempt)
	took := s.clock.Since(started)

	switch {
	case errors.Is(herr, budget.ErrExpired):
		s.onAborted(ctx, log, w, req, attempt, took, herr)
		return 0, false
	case ctx.Err() != nil && res.Outcome != OutcomeSuccess:
		s.onAborted(ctx, log, w, req, attempt, took, context.Cause(ctx))
		return 0, false
	}

	switch res.Outcome {
	case OutcomeSuccess:
		task.Complete(true)
		s.succeeded.Add(1)
		log.Debug("work succeeded", logx.Duration("took", took))
		s.finish(ctx, w, req, attempt, "success", took, 0, nil)
		return 0, false

	case OutcomeRetry:
		task.Complete(false)
		delay := res.After
		if delay <= 0 {
			delay = s.cfg.Backoff.Next(attempt)
		}
		s.retried.Add(1)
		log.Info("work retry scheduled", logx.Duration("after", delay), logx.Err(herr))
		s.finish(ctx, w, req, attempt, "retry", took, delay, herr)
		return delay, ctx.Err() == nil

	default:
		task.Complete(false)
		s.failed.Add(1)
		log.Warn("work failed", logx.Duration("took", took), logx.Err(herr))
		s.finish(ctx, w, req, attempt, "failure", took, 0, herr)
		return 0, false
	}
}

// awaitGates waits until the request is clear of its rate limits and its
// conditions hold. Rate limits are re-checked after every conditions wait.
func (s *Scheduler) awaitGates(ctx context.Context, log logx.Logger, req Request) error {
	if err := clock.SleepCapped(ctx, s.clock, req.MinDelay, s.cfg.MaxWaitStep); err != nil {
		return err
	}
	for {
		if err := s.awaitRateLimits(ctx, log, req.RateLimitIDs); err != nil {
			return err
		}
		if s.monitor.Satisfied(req.Requirements) {
			return nil
		}
		log.Debug("waiting for conditions", logx.Strings("missing", s.monitor.Missing(req.Requirements)))
		if err := s.monitor.Wait(ctx, req.Requirements); err != nil {
			return err
		}
	}
}

// awaitRateLimits sleeps until every known rule in ids is within its limit.
// Each sleep is the longest reported wait, capped at MaxWaitStep, followed
// by a fresh check.
func (s *Scheduler) awaitRateLimits(ctx context.Context, log logx.Logger, ids []string) error {
	for {
		var wait time.Duration
		for _, id := range ids {
			st, err := s.limiter.Status(ctx, id)
			switch {
			case errors.Is(err, ratelimit.ErrUnknownRule):
				log.Debug("rate limit ignored: no rule", logx.String("rule", id))
				continue
			case err != nil:
				return fmt.Errorf("rate limit %q: %w", id, err)
			}
			if st.OverLimit {
				wait = max(wait, st.NextAvailable)
			}
		}
		if wait <= 0 {
			return nil
		}
		log.Debug("rate limited", logx.Duration("wait", wait))
		if err := clock.Sleep(ctx, s.clock, min(wait, s.cfg.MaxWaitStep)); err != nil {
			return err
		}
	}
}

// invoke runs the handler on its own goroutine. A result the handler
// produced before ctx ended stands. A result produced after ctx ended is a
// failure carrying the cancellation cause, and a handler that ignores
// cancellation is abandoned after AbandonGrace.
func (s *Scheduler) invoke(ctx context.Context, log logx.Logger, w *worker, req Request, attempt int) (Result, error) {
	done := make(chan handlerReturn, 1)
	hctx := withAttempt(ctx, w.workID, attempt)

	s.running.Add(1)
	go func() {
		defer s.running.Add(-1)
		defer func() {
			if p := recover(); p != nil {
				log.Error("handler panicked", logx.Any("panic", p), logx.Stack(string(debug.Stack())))
				done <- handlerReturn{err: fmt.Errorf("%w: %v", errHandlerPanic, p), late: ctx.Err() != nil}
			}
		}()
		res, err := w.handler(hctx, req)
		done <- handlerReturn{res: res, err: err, late: ctx.Err() != nil}
	}()

	var r handlerReturn
	select {
	case r = <-done:
	case <-ctx.Done():
		t := s.clock.NewTimer(s.cfg.AbandonGrace)
		defer t.Stop()
		select {
		case r = <-done:
		case <-t.Chan():
			cause := context.Cause(ctx)
			log.Warn("handler abandoned", logx.Duration("grace", s.cfg.AbandonGrace), logx.Err(cause))
			return Failure(), fmt.Errorf("%w: %w", errHandlerAbandon, cause)
		}
	}
	return r.settle(context.Cause(ctx))
}

// handlerReturn is what a handler produced. late is set when its context
// had already ended by the time it returned.
type handlerReturn struct {
	res  Result
	err  error
	late bool
}

// settle maps a handler return to the attempt result. cause is the
// context's cancellation cause, if any.
func (h handlerReturn) settle(cause error) (Result, error) {
	if h.late {
		return Failure(), cause
	}
	return normalize(h.res, h.err), h.err
}

func (s *Scheduler) onDropped(ctx context.Context, log logx.Logger, w *worker, req Request, attempt int, err error) {
	n := s.dropped.Add(1)
	log.Debug("work dropped: budget denied", logx.Err(err))
	s.dropWarn.Do(func() {
		log.Warn("work dropped: budget denied", logx.Uint64("dropped_total", n), logx.Err(err))
	})
	s.finish(ctx, w, req, attempt, "dropped", 0, 0, err)
}

// onAborted settles an attempt that ended in a wait or in the handler
// because of budget expiry, shutdown, or a gating error.
func (s *Scheduler) onAborted(ctx context.Context, log logx.Logger, w *worker, req Request, attempt int, took time.Duration, err error) {
	switch {
	case errors.Is(err, budget.ErrExpired):
		s.expired.Add(1)
		log.Warn("work expired", logx.Duration("took", took))
		s.finish(ctx, w, req, attempt, "expired", took, 0, err)
	case ctx.Err() != nil:
		log.Debug("work cancelled: scheduler stopping")
		s.finish(ctx, w, req, attempt, "cancelled", took, 0, err)
	default:
		s.failed.Add(1)
		log.Warn("work failed before handler", logx.Err(err))
		s.finish(ctx, w, req, attempt, "failure", took, 0, err)
	}
}
