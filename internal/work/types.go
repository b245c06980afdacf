package work

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bgwork/internal/conditions"
)

var (
	ErrStopped        = errors.New("scheduler not running")
	ErrInvalidWorker  = errors.New("invalid worker registration")
	errHandlerPanic   = errors.New("handler panicked")
	errHandlerAbandon = errors.New("handler abandoned after budget expiry")
)

type ConcurrencyClass int

const (
	// Serial allows at most one in-flight execution per handler; later
	// requests queue FIFO.
	Serial ConcurrencyClass = iota
	Concurrent
)

func (c ConcurrencyClass) String() string {
	switch c {
	case Serial:
		return "serial"
	case Concurrent:
		return "concurrent"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// ParseConcurrencyClass maps "serial" and "concurrent" to their class.
func ParseConcurrencyClass(s string) (ConcurrencyClass, error) {
	switch s {
	case "", "serial":
		return Serial, nil
	case "concurrent":
		return Concurrent, nil
	default:
		return 0, fmt.Errorf("unknown concurrency class %q", s)
	}
}

// Request is one unit of deferrable work.
type Request struct {
	WorkID       string
	RateLimitIDs []string
	MinDelay     time.Duration
	// Options is opaque to the scheduler and passed through to handlers.
	Options      []byte
	Requirements conditions.Requirements
}

func (r Request) clone() Request {
	r.RateLimitIDs = append([]string(nil), r.RateLimitIDs...)
	r.Options = append([]byte(nil), r.Options...)
	r.Requirements.Flags = append([]string(nil), r.Requirements.Flags...)
	return r
}

type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	OutcomeRetry
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeRetry:
		return "retry"
	default:
		return "unknown"
	}
}

// Result is what a handler reports. A retry with After == 0 uses the
// scheduler's backoff.
type Result struct {
	Outcome Outcome
	After   time.Duration
}

func Success() Result                   { return Result{Outcome: OutcomeSuccess} }
func Failure() Result                   { return Result{Outcome: OutcomeFailure} }
func Retry() Result                     { return Result{Outcome: OutcomeRetry} }
func RetryAfter(d time.Duration) Result { return Result{Outcome: OutcomeRetry, After: max(d, 0)} }

// Handler executes a request. A non-nil error means failure unless it
// carries a retry hint (see RetryAfterErr). ctx is cancelled when the
// execution budget expires or the scheduler stops.
type Handler func(ctx context.Context, req Request) (Result, error)

// RetryAfterErr marks err as retryable after d, typically from a
// downstream Retry-After header.
//
//	return work.Failure(), work.RetryAfterErr(fmt.Errorf("upstream busy: %w", err), 30*time.Second)
func RetryAfterErr(err error, d time.Duration) error {
	if err == nil {
		return nil
	}
	return retryAfterError{err: err, after: max(d, 0)}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

// normalize folds a handler's (Result, error) into a single Result.
func normalize(res Result, err error) Result {
	if err != nil {
		var ra RetryAfterError
		if errors.As(err, &ra) {
			return RetryAfter(ra.RetryAfter())
		}
		return Failure()
	}
	switch res.Outcome {
	case OutcomeSuccess, OutcomeFailure, OutcomeRetry:
		return res
	default:
		return Failure()
	}
}
