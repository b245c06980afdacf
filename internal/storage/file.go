package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "bgwork/pkg/logx"
)

// tailSize bounds the per-work history kept in memory by the file driver.
const tailSize = 256

// fileStore appends attempts to <prefix>.attempts.jsonl and keeps a bounded
// in-memory tail per work id for RecentAttempts.
type fileStore struct {
	log logx.Logger

	mu   sync.Mutex
	f    *os.File
	tail map[string][]AttemptRecord
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	attemptsPath := filepath.Join(dir, base) + ".attempts.jsonl"

	tail := map[string][]AttemptRecord{}
	if err := replayAttempts(attemptsPath, tail); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("attempt journal replay failed", logx.String("path", attemptsPath), logx.Err(err))
	}

	f, err := os.OpenFile(attemptsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{log: log, f: f, tail: tail}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *fileStore) AppendAttempt(_ context.Context, r AttemptRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.f).Encode(r); err != nil {
		return err
	}
	pushTail(s.tail, r)
	return nil
}

func (s *fileStore) RecentAttempts(_ context.Context, workID string, limit int) ([]AttemptRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil, ErrClosed
	}
	recs := s.tail[workID]
	if limit <= 0 || limit > len(recs) {
		limit = len(recs)
	}
	out := make([]AttemptRecord, 0, limit)
	for i := len(recs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, recs[i])
	}
	return out, nil
}

func pushTail(tail map[string][]AttemptRecord, r AttemptRecord) {
	recs := append(tail[r.WorkID], r)
	if len(recs) > tailSize {
		recs = append(recs[:0:0], recs[len(recs)-tailSize:]...)
	}
	tail[r.WorkID] = recs
}

func replayAttempts(path string, tail map[string][]AttemptRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r AttemptRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.WorkID == "" {
			continue
		}
		pushTail(tail, r)
	}
	return sc.Err()
}
