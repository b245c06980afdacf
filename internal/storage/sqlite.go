package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	logx "bgwork/pkg/logx"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS attempts (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	at         TEXT    NOT NULL,
	work_id    TEXT    NOT NULL,
	worker     TEXT    NOT NULL,
	attempt    INTEGER NOT NULL,
	outcome    TEXT    NOT NULL,
	retry_ms   INTEGER NOT NULL DEFAULT 0,
	err        TEXT,
	took_ms    INTEGER NOT NULL DEFAULT 0,
	rate_ids   TEXT
);
CREATE INDEX IF NOT EXISTS attempts_work_id ON attempts(work_id, id);
`

// keepPerWork bounds the rows retained per work id; older rows are pruned
// every pruneEvery inserts.
const keepPerWork = 1000

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &sqliteStore{db: db, log: log, pruneEvery: 500}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendAttempt(ctx context.Context, r AttemptRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attempts(at, work_id, worker, attempt, outcome, retry_ms, err, took_ms, rate_ids)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		r.At.UTC().Format(time.RFC3339Nano), r.WorkID, r.Worker, r.Attempt, r.Outcome,
		r.RetryAfter.Milliseconds(), nullStr(r.Error), r.TookMS, nullStr(strings.Join(r.RateLimitIDs, ",")),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		if perr := s.prune(pctx, r.WorkID); perr != nil {
			s.log.Debug("attempt prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) RecentAttempts(ctx context.Context, workID string, limit int) ([]AttemptRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = keepPerWork
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, work_id, worker, attempt, outcome, retry_ms, err, took_ms, rate_ids
		 FROM attempts WHERE work_id = ? ORDER BY id DESC LIMIT ?`, workID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AttemptRecord
	for rows.Next() {
		var (
			r       AttemptRecord
			at      string
			retryMS int64
			errStr  sql.NullString
			rateIDs sql.NullString
		)
		if err := rows.Scan(&at, &r.WorkID, &r.Worker, &r.Attempt, &r.Outcome, &retryMS, &errStr, &r.TookMS, &rateIDs); err != nil {
			return nil, err
		}
		r.At, _ = time.Parse(time.RFC3339Nano, at)
		r.RetryAfter = time.Duration(retryMS) * time.Millisecond
		r.Error = errStr.String
		if rateIDs.Valid && rateIDs.String != "" {
			r.RateLimitIDs = strings.Split(rateIDs.String, ",")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) prune(ctx context.Context, workID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM attempts WHERE work_id = ? AND id NOT IN
		 (SELECT id FROM attempts WHERE work_id = ? ORDER BY id DESC LIMIT ?)`,
		workID, workID, keepPerWork)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
