package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/communitywatch/incident-server/internal/clock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, "rl:"), mr
}

func TestRedis_FixedWindow(t *testing.T) {
	l, mr := newRedis(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := l.Check(ctx, "phone", time.Minute, 3)
		require.NoError(t, err)
		assert.False(t, res.Limited)
		assert.Equal(t, 2-i, res.Remaining)
	}

	res, err := l.Check(ctx, "phone", time.Minute, 3)
	require.NoError(t, err)
	assert.True(t, res.Limited)
	assert.Greater(t, res.RetryAfter, time.Duration(0))

	mr.FastForward(time.Minute + time.Second)
	res, err = l.Check(ctx, "phone", time.Minute, 3)
	require.NoError(t, err)
	assert.False(t, res.Limited)
}

func TestRedis_KeysAreIndependent(t *testing.T) {
	l, _ := newRedis(t)
	ctx := context.Background()

	_, err := l.Check(ctx, "a", time.Minute, 1)
	require.NoError(t, err)
	res, err := l.Check(ctx, "b", time.Minute, 1)
	require.NoError(t, err)
	assert.False(t, res.Limited)
}

func TestRedis_OutageIsTransient(t *testing.T) {
	l, mr := newRedis(t)
	mr.Close()

	_, err := l.Check(context.Background(), "phone", time.Minute, 3)
	assert.Error(t, err)
}

func TestMemory_SlidingWindow(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	l := NewMemory(clk)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, _ := l.Check(ctx, "k", time.Minute, 2)
		assert.False(t, res.Limited)
		clk.Advance(20 * time.Second)
	}

	res, _ := l.Check(ctx, "k", time.Minute, 2)
	assert.True(t, res.Limited)
	assert.Equal(t, 20*time.Second, res.RetryAfter)

	clk.Advance(21 * time.Second)
	res, _ = l.Check(ctx, "k", time.Minute, 2)
	assert.False(t, res.Limited)
}

func TestMemory_Sweep(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	l := NewMemory(clk)
	_, _ = l.Check(context.Background(), "k", time.Minute, 2)

	clk.Advance(2 * time.Minute)
	l.Sweep(time.Minute)
	assert.Empty(t, l.hits)
}

type brokenLimiter struct{}

func (brokenLimiter) Check(context.Context, string, time.Duration, int) (Result, error) {
	return Result{}, errors.New("connection refused")
}

type exhaustedLimiter struct{}

func (exhaustedLimiter) Check(context.Context, string, time.Duration, int) (Result, error) {
	return Result{Limited: true, RetryAfter: time.Second}, nil
}

func TestFailOpen(t *testing.T) {
	logger := zap.NewNop().Sugar()

	res, err := NewFailOpen(brokenLimiter{}, nil, logger).Check(context.Background(), "k", time.Minute, 5)
	require.NoError(t, err)
	assert.False(t, res.Limited)
	assert.Equal(t, 5, res.Remaining)

	res, err = NewFailOpen(exhaustedLimiter{}, nil, logger).Check(context.Background(), "k", time.Minute, 5)
	require.NoError(t, err)
	assert.True(t, res.Limited)
}
