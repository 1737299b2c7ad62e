// Package ratelimit bounds how often a key may be used within a window.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/communitywatch/incident-server/internal/apperr"
	"github.com/communitywatch/incident-server/internal/clock"
	"github.com/communitywatch/incident-server/internal/metrics"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Result of a limiter check
type Result struct {
	Limited    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter counts a hit against key and reports whether it exceeds max
// within window
type Limiter interface {
	Check(ctx context.Context, key string, window time.Duration, max int) (Result, error)
}

// incrScript increments the window counter and starts the window on the
// first hit. Returns {count, pttl}.
var incrScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return {n, redis.call('PTTL', KEYS[1])}
`)

// Redis is a fixed-window limiter shared by every server instance
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis creates a Redis limiter with keys under prefix
func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

// Check implements Limiter
func (l *Redis) Check(ctx context.Context, key string, window time.Duration, max int) (Result, error) {
	res, err := incrScript.Run(ctx, l.client, []string{l.prefix + key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return Result{}, apperr.Transient("ratelimit.check", err)
	}
	if len(res) != 2 {
		return Result{}, apperr.Transient("ratelimit.check", fmt.Errorf("unexpected script reply %v", res))
	}
	return result(int(res[0]), max, time.Duration(res[1])*time.Millisecond), nil
}

func result(count, max int, ttl time.Duration) Result {
	if ttl < 0 {
		ttl = 0
	}
	if count > max {
		return Result{Limited: true, Remaining: 0, RetryAfter: ttl}
	}
	return Result{Remaining: max - count}
}

// Memory is a sliding-window limiter for a single process
type Memory struct {
	mu    sync.Mutex
	clock clock.Clock
	hits  map[string][]time.Time
}

// NewMemory creates an in-process limiter
func NewMemory(clk clock.Clock) *Memory {
	return &Memory{clock: clk, hits: make(map[string][]time.Time)}
}

// Check implements Limiter. Limited hits are not counted.
func (l *Memory) Check(_ context.Context, key string, window time.Duration, max int) (Result, error) {
	now := l.clock.Now()
	cutoff := now.Add(-window)

	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.hits[key][:0]
	for _, t := range l.hits[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= max {
		l.hits[key] = kept
		retry := time.Duration(0)
		if len(kept) > 0 {
			retry = kept[0].Add(window).Sub(now)
		}
		return Result{Limited: true, RetryAfter: retry}, nil
	}

	kept = append(kept, now)
	l.hits[key] = kept
	return Result{Remaining: max - len(kept)}, nil
}

// Sweep drops keys with no hits inside window
func (l *Memory) Sweep(window time.Duration) {
	cutoff := l.clock.Now().Add(-window)
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, hits := range l.hits {
		if len(hits) == 0 || !hits[len(hits)-1].After(cutoff) {
			delete(l.hits, key)
		}
	}
}

// FailOpen wraps a limiter so infrastructure errors allow the request.
// Only a confirmed over-quota result blocks.
type FailOpen struct {
	next    Limiter
	metrics *metrics.Metrics
	logger  *zap.SugaredLogger
}

// NewFailOpen wraps next
func NewFailOpen(next Limiter, m *metrics.Metrics, logger *zap.SugaredLogger) *FailOpen {
	return &FailOpen{next: next, metrics: m, logger: logger}
}

// Check implements Limiter and never returns an error
func (l *FailOpen) Check(ctx context.Context, key string, window time.Duration, max int) (Result, error) {
	res, err := l.next.Check(ctx, key, window, max)
	if err != nil {
		l.metrics.RateLimitError()
		l.logger.Warnw("Rate limiter unavailable, allowing request", "error", err)
		return Result{Remaining: max}, nil
	}
	return res, nil
}
