package work

import "context"

type ctxKey int

const (
	attemptKey ctxKey = iota
	workIDKey
)

func withAttempt(ctx context.Context, workID string, attempt int) context.Context {
	ctx = context.WithValue(ctx, workIDKey, workID)
	return context.WithValue(ctx, attemptKey, attempt)
}

// AttemptFromContext returns the 1-based attempt number of the running
// handler, or 0 outside a handler.
func AttemptFromContext(ctx context.Context) int {
	n, _ := ctx.Value(attemptKey).(int)
	return n
}

// WorkIDFromContext returns the work id of the running handler.
func WorkIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(workIDKey).(string)
	return id
}
