package ratelimit

import (
	"context"
	"sync"
	"time"
)

// HistoryStore holds per-key hit timestamps.
//
// The Limiter serializes every call, so implementations only need to be safe
// against other processes (RedisStore), not against concurrent Limiter calls.
type HistoryStore interface {
	// Reset drops all hits for key.
	Reset(ctx context.Context, key string) error
	// Append records a hit at t. ttl is the rule interval; stores may use it
	// to expire idle keys.
	Append(ctx context.Context, key string, t time.Time, ttl time.Duration) error
	// Window prunes hits at or before since and returns the remaining hits
	// in ascending order.
	Window(ctx context.Context, key string, since time.Time) ([]time.Time, error)
}

// MemoryStore keeps hit history in process memory.
type MemoryStore struct {
	mu   sync.Mutex
	hits map[string][]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{hits: map[string][]time.Time{}}
}

func (m *MemoryStore) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.hits, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Append(_ context.Context, key string, t time.Time, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.hits[key]
	// Keep the sequence non-decreasing even if the clock steps backwards.
	if n := len(h); n > 0 && t.Before(h[n-1]) {
		t = h[n-1]
	}
	m.hits[key] = append(h, t)
	return nil
}

func (m *MemoryStore) Window(_ context.Context, key string, since time.Time) ([]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.hits[key]
	i := 0
	for i < len(h) && !h[i].After(since) {
		i++
	}
	if i > 0 {
		h = append(h[:0:0], h[i:]...)
		if len(h) == 0 {
			delete(m.hits, key)
		} else {
			m.hits[key] = h
		}
	}
	out := make([]time.Time, len(h))
	copy(out, h)
	return out, nil
}
