// Package lock provides per-key mutual exclusion for USSD turns.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/communitywatch/incident-server/internal/apperr"
	"github.com/communitywatch/incident-server/internal/metrics"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrBusy is returned when a key stays locked past the acquire timeout
var ErrBusy = errors.New("lock: key busy")

// Locker acquires a lock on key. The returned func releases it.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// Memory is an in-process keyed mutex
type Memory struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	ch   chan struct{}
	refs int
}

// NewMemory creates an in-process locker
func NewMemory() *Memory {
	return &Memory{locks: make(map[string]*entry)}
}

// Acquire blocks until key is free or ctx is done
func (m *Memory) Acquire(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	e, ok := m.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		m.locks[key] = e
	}
	e.refs++
	m.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		m.unref(key, e)
		return nil, ErrBusy
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			m.unref(key, e)
		})
	}, nil
}

func (m *Memory) unref(key string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.locks, key)
	}
}

// releaseScript deletes the lock only if this holder still owns it
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Redis is a lock shared by every server instance, built on SET NX with a
// TTL so a crashed holder cannot block a session forever
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	retry  time.Duration
}

// NewRedis creates a Redis locker. ttl bounds how long a lock survives a
// holder that never releases it.
func NewRedis(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	return &Redis{client: client, prefix: prefix, ttl: ttl, retry: 25 * time.Millisecond}
}

// Acquire polls until the lock is taken or ctx is done
func (r *Redis) Acquire(ctx context.Context, key string) (func(), error) {
	k := r.prefix + key
	token := uuid.NewString()

	for {
		ok, err := r.client.SetNX(ctx, k, token, r.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ErrBusy
			}
			return nil, apperr.Transient("lock.acquire", err)
		}
		if ok {
			break
		}

		t := time.NewTimer(r.retry)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ErrBusy
		case <-t.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = releaseScript.Run(ctx, r.client, []string{k}, token).Err()
		})
	}, nil
}

// FailOpen wraps a locker so a backend outage falls back to an in-process
// lock. During the outage turns are only serialized within this instance.
// A key that is genuinely held still reports ErrBusy.
type FailOpen struct {
	next     Locker
	fallback *Memory
	metrics  *metrics.Metrics
	logger   *zap.SugaredLogger
}

// NewFailOpen wraps next
func NewFailOpen(next Locker, m *metrics.Metrics, logger *zap.SugaredLogger) *FailOpen {
	return &FailOpen{next: next, fallback: NewMemory(), metrics: m, logger: logger}
}

// Acquire implements Locker
func (l *FailOpen) Acquire(ctx context.Context, key string) (func(), error) {
	release, err := l.next.Acquire(ctx, key)
	if err == nil || !apperr.Is(err, apperr.KindTransient) {
		return release, err
	}
	l.metrics.LockFallback()
	l.logger.Warnw("Lock backend unavailable, using in-process lock", "key", key, "error", err)
	return l.fallback.Acquire(ctx, key)
}
