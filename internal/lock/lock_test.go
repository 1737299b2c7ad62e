package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/communitywatch/incident-server/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func exercise(t *testing.T, l Locker) {
	t.Helper()
	var (
		inside  int32
		overlap int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			release, err := l.Acquire(ctx, "session-1")
			if !assert.NoError(t, err) {
				return
			}
			if atomic.AddInt32(&inside, 1) > 1 {
				atomic.StoreInt32(&overlap, 1)
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			release()
		}()
	}
	wg.Wait()
	assert.Zero(t, atomic.LoadInt32(&overlap))
}

func TestMemory_MutualExclusion(t *testing.T) {
	m := NewMemory()
	exercise(t, m)
	assert.Empty(t, m.locks)
}

func TestMemory_TimeoutWhenHeld(t *testing.T) {
	m := NewMemory()
	release, err := m.Acquire(context.Background(), "k")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(ctx, "k")
	assert.ErrorIs(t, err, ErrBusy)

	// other keys are unaffected
	r2, err := m.Acquire(context.Background(), "other")
	require.NoError(t, err)
	r2()
}

func TestMemory_ReleaseIsIdempotent(t *testing.T) {
	m := NewMemory()
	release, err := m.Acquire(context.Background(), "k")
	require.NoError(t, err)
	release()
	release()

	r2, err := m.Acquire(context.Background(), "k")
	require.NoError(t, err)
	r2()
}

func newRedisLocker(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, "lock:", 5*time.Second), mr
}

func TestRedis_MutualExclusion(t *testing.T) {
	l, _ := newRedisLocker(t)
	l.retry = time.Millisecond
	exercise(t, l)
}

func TestRedis_ReleaseOnlyOwnLock(t *testing.T) {
	l, mr := newRedisLocker(t)

	release, err := l.Acquire(context.Background(), "k")
	require.NoError(t, err)

	// Simulate expiry and takeover by another holder.
	mr.FastForward(6 * time.Second)
	require.NoError(t, mr.Set("lock:k", "someone-else"))

	release()
	got, err := mr.Get("lock:k")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestRedis_TimeoutWhenHeld(t *testing.T) {
	l, _ := newRedisLocker(t)
	release, err := l.Acquire(context.Background(), "k")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "k")
	assert.ErrorIs(t, err, ErrBusy)
}

func newFailOpen(t *testing.T) (*FailOpen, *miniredis.Miniredis, *prometheus.Registry) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	r := NewRedis(client, "lock:", 5*time.Second)
	r.retry = time.Millisecond
	reg := prometheus.NewRegistry()
	return NewFailOpen(r, metrics.New(reg), zap.NewNop().Sugar()), mr, reg
}

func fallbacks(t *testing.T, reg *prometheus.Registry) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == "incident_lock_fallbacks_total" {
			return f.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}

func TestFailOpen_RedisDownUsesLocalLock(t *testing.T) {
	l, mr, reg := newFailOpen(t)
	mr.Close()

	release, err := l.Acquire(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, 1.0, fallbacks(t, reg))

	// The local lock still excludes a second turn for the same key
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "k")
	assert.ErrorIs(t, err, ErrBusy)
	release()

	exercise(t, l)
}

func TestFailOpen_HeldKeyIsStillBusy(t *testing.T) {
	l, _, reg := newFailOpen(t)
	release, err := l.Acquire(context.Background(), "k")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "k")
	assert.ErrorIs(t, err, ErrBusy)
	assert.Zero(t, fallbacks(t, reg))
}
