// Package workers holds built-in handlers the daemon can register from
// config. Library users register their own work.Handler instead.
package workers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"bgwork/internal/work"
	logx "bgwork/pkg/logx"
)

// Spec configures one built-in worker.
type Spec struct {
	Kind    string // "log" | "webhook"
	URL     string
	Timeout time.Duration
	Headers map[string]string
}

// Build returns the handler for spec.
func Build(workID string, spec Spec, log logx.Logger) (work.Handler, error) {
	switch strings.ToLower(strings.TrimSpace(spec.Kind)) {
	case "", "log":
		return Log(log.With(logx.String("work_id", workID))), nil
	case "webhook":
		wh, err := NewWebhook(spec.URL, spec.Timeout, spec.Headers)
		if err != nil {
			return nil, fmt.Errorf("worker %q: %w", workID, err)
		}
		return wh.Handle, nil
	default:
		return nil, fmt.Errorf("worker %q: unknown kind %q", workID, spec.Kind)
	}
}

// Log returns a handler that logs each request and succeeds.
func Log(log logx.Logger) work.Handler {
	return func(ctx context.Context, req work.Request) (work.Result, error) {
		log.Info("work executed",
			logx.Int("attempt", work.AttemptFromContext(ctx)),
			logx.Strings("rate_limit_ids", req.RateLimitIDs),
			logx.String("options", string(req.Options)),
		)
		return work.Success(), nil
	}
}
