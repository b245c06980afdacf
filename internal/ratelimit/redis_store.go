package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "bgwork:ratelimit:"

// RedisStore keeps hit history in a redis sorted set per key, so processes
// sharing one redis also share their limits.
//
// Scores are hit times in Unix microseconds; members are random UUIDs so
// simultaneous hits are all counted.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(k string) string { return s.prefix + k }

func (s *RedisStore) Reset(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to reset key %v: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Append(ctx context.Context, key string, t time.Time, ttl time.Duration) error {
	k := s.key(key)
	p := s.client.TxPipeline()
	p.ZAdd(ctx, k, redis.Z{Score: float64(t.UnixMicro()), Member: uuid.NewString()})
	if ttl > 0 {
		p.PExpire(ctx, k, ttl)
	}
	if _, err := p.Exec(ctx); err != nil {
		return fmt.Errorf("failed to add hit to key %v: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Window(ctx context.Context, key string, since time.Time) ([]time.Time, error) {
	k := s.key(key)
	bound := strconv.FormatInt(since.UnixMicro(), 10)

	p := s.client.TxPipeline()
	p.ZRemRangeByScore(ctx, k, "-inf", bound)
	rng := p.ZRangeByScoreWithScores(ctx, k, &redis.ZRangeBy{Min: "(" + bound, Max: "+inf"})
	if _, err := p.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read window for key %v: %w", key, err)
	}
	zs, err := rng.Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read window for key %v: %w", key, err)
	}
	out := make([]time.Time, 0, len(zs))
	for _, z := range zs {
		out = append(out, time.UnixMicro(int64(z.Score)))
	}
	return out, nil
}
