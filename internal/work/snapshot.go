package work

import (
	"context"
	"sort"
	"time"

	"bgwork/internal/eventbus"
	"bgwork/internal/storage"
	logx "bgwork/pkg/logx"
)

// WorkEvent is the payload of every work.* event.
type WorkEvent struct {
	WorkID     string        `json:"work_id"`
	Worker     string        `json:"worker"`
	Attempt    int           `json:"attempt"`
	Outcome    string        `json:"outcome"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Took       time.Duration `json:"took"`
	Error      string        `json:"error,omitempty"`
}

type HistoryItem struct {
	At         time.Time
	WorkID     string
	Worker     string
	Attempt    int
	Outcome    string
	RetryAfter time.Duration
	Took       time.Duration
	Error      string
}

type WorkerSnapshot struct {
	WorkID string
	Name   string
	Class  string
	Busy   bool
	Queued int
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running   bool
	InFlight  int64
	Executing int64

	Succeeded uint64
	Failed    uint64
	Retried   uint64
	Dropped   uint64
	Expired   uint64

	Workers []WorkerSnapshot
	History []HistoryItem
}

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.RLock()
	snap := Snapshot{Running: s.sup != nil}
	for _, ws := range s.workers {
		for _, w := range ws {
			busy, queued := w.gate.depth()
			snap.Workers = append(snap.Workers, WorkerSnapshot{
				WorkID: w.workID,
				Name:   w.name,
				Class:  w.class.String(),
				Busy:   busy,
				Queued: queued,
			})
		}
	}
	s.mu.RUnlock()
	sort.Slice(snap.Workers, func(i, j int) bool { return snap.Workers[i].Name < snap.Workers[j].Name })

	snap.InFlight = s.inFlight.Load()
	snap.Executing = s.running.Load()
	snap.Succeeded = s.succeeded.Load()
	snap.Failed = s.failed.Load()
	snap.Retried = s.retried.Load()
	snap.Dropped = s.dropped.Load()
	snap.Expired = s.expired.Load()

	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

func eventType(outcome string) string {
	switch outcome {
	case "success":
		return eventbus.TypeWorkFinished
	case "retry":
		return eventbus.TypeWorkRetry
	case "dropped":
		return eventbus.TypeWorkDropped
	case "expired":
		return eventbus.TypeWorkExpired
	default:
		return eventbus.TypeWorkFailed
	}
}

func (s *Scheduler) publish(typ string, ev WorkEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.clock.Now(), Data: ev})
}

// finish records a settled attempt in the history ring, on the bus and in
// the attempt store.
func (s *Scheduler) finish(ctx context.Context, w *worker, req Request, attempt int, outcome string, took, retryAfter time.Duration, err error) {
	now := s.clock.Now()
	errStr := ""
	if err != nil {
		errStr = err.Error()
	}

	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{
		At: now, WorkID: w.workID, Worker: w.name, Attempt: attempt,
		Outcome: outcome, RetryAfter: retryAfter, Took: took, Error: errStr,
	})
	if over := len(s.history) - s.cfg.HistorySize; over > 0 {
		s.history = append(s.history[:0:0], s.history[over:]...)
	}
	s.hmu.Unlock()

	if s.store != nil {
		// Shutdown must not lose the record of the attempt it interrupted.
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		rec := storage.AttemptRecord{
			At: now, WorkID: w.workID, Worker: w.name, Attempt: attempt, Outcome: outcome,
			RetryAfter: retryAfter, Error: errStr, TookMS: took.Milliseconds(),
			RateLimitIDs: req.RateLimitIDs,
		}
		if err := s.store.AppendAttempt(sctx, rec); err != nil {
			s.log.Warn("attempt record failed", logx.String("worker", w.name), logx.Err(err))
		}
		cancel()
	}

	s.publish(eventType(outcome), WorkEvent{
		WorkID: w.workID, Worker: w.name, Attempt: attempt, Outcome: outcome,
		RetryAfter: retryAfter, Took: took, Error: errStr,
	})
}
