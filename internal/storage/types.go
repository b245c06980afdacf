package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage. An empty or "none" driver disables it.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AttemptRecord is one finished pass through the scheduler pipeline.
// Keep it compact and schema-stable.
type AttemptRecord struct {
	At           time.Time     `json:"at"`
	WorkID       string        `json:"work_id"`
	Worker       string        `json:"worker"`
	Attempt      int           `json:"attempt"`
	Outcome      string        `json:"outcome"`
	RetryAfter   time.Duration `json:"retry_after,omitempty"`
	Error        string        `json:"error,omitempty"`
	TookMS       int64         `json:"took_ms"`
	RateLimitIDs []string      `json:"rate_limit_ids,omitempty"`
}
