package storage

import (
	"context"
	"fmt"
	"strings"

	logx "bgwork/pkg/logx"
)

// Store is the persistence API used by the scheduler.
type Store interface {
	AppendAttempt(ctx context.Context, r AttemptRecord) error
	// RecentAttempts returns up to limit records for workID, newest first.
	RecentAttempts(ctx context.Context, workID string, limit int) ([]AttemptRecord, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}
