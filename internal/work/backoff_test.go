package work

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedBackoff(t *testing.T) {
	t.Parallel()
	assert.Equal(t, DefaultRetryDelay, FixedBackoff{}.Next(3))
	assert.Equal(t, time.Minute, FixedBackoff{Interval: time.Minute}.Next(1))
	assert.Equal(t, DefaultRetryDelay, Config{}.withDefaults().Backoff.Next(1))
}

func TestExponentialBackoff(t *testing.T) {
	t.Parallel()
	b := ExponentialBackoff{Base: time.Second, Max: 5 * time.Second}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		assert.Equal(t, w, b.Next(i+1), "attempt %d", i+1)
	}

	j := ExponentialBackoff{Base: time.Second, Max: time.Minute, Jitter: 0.2}
	for i := 0; i < 50; i++ {
		d := j.Next(2)
		assert.GreaterOrEqual(t, d, 1600*time.Millisecond)
		assert.LessOrEqual(t, d, 2400*time.Millisecond)
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()
	assert.Equal(t, Failure(), normalize(Success(), errors.New("x")))
	assert.Equal(t, RetryAfter(time.Second), normalize(Failure(), RetryAfterErr(errors.New("x"), time.Second)))
	assert.Equal(t, Failure(), normalize(Result{Outcome: Outcome(42)}, nil))
	assert.Equal(t, Retry(), normalize(Retry(), nil))
	assert.Nil(t, RetryAfterErr(nil, time.Second))
}

func TestSerialGateCancelPassesSlot(t *testing.T) {
	t.Parallel()
	g := &serialGate{}
	first := g.take()
	second := g.take()
	third := g.take()
	require.NoError(t, first.wait(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, second.wait(ctx), context.Canceled)
	busy, queued := g.depth()
	assert.True(t, busy)
	assert.Equal(t, 1, queued)

	first.release()
	first.release()
	require.NoError(t, third.wait(context.Background()))
	third.release()
	busy, queued = g.depth()
	assert.False(t, busy)
	assert.Zero(t, queued)
}

func TestContextHelpers(t *testing.T) {
	t.Parallel()
	assert.Zero(t, AttemptFromContext(context.Background()))
	ctx := withAttempt(context.Background(), "sync", 3)
	assert.Equal(t, 3, AttemptFromContext(ctx))
	assert.Equal(t, "sync", WorkIDFromContext(ctx))
}

func TestParseConcurrencyClass(t *testing.T) {
	t.Parallel()
	c, err := ParseConcurrencyClass("concurrent")
	require.NoError(t, err)
	assert.Equal(t, Concurrent, c)
	c, err = ParseConcurrencyClass("")
	require.NoError(t, err)
	assert.Equal(t, Serial, c)
	_, err = ParseConcurrencyClass("parallel")
	assert.Error(t, err)
}
