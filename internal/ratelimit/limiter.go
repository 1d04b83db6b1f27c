// Package ratelimit enforces the per-App ceiling of notifications accepted
// per minute.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Window is the period the per-App ceiling applies to.
const Window = time.Minute

// Limiter decides whether n more notifications fit under an App's ceiling.
type Limiter interface {
	Allow(ctx context.Context, appID string, limitPerMinute int, n int) (bool, error)
}

// WindowCounter is the redis primitive the fixed-window limiter needs.
// cache.RedisClient satisfies it.
type WindowCounter interface {
	IncrWindow(ctx context.Context, key string, n int64, ttl time.Duration) (int64, error)
}

// RedisLimiter is a fixed one-minute window shared by every replica.
type RedisLimiter struct {
	counter WindowCounter
	now     func() time.Time
}

func NewRedisLimiter(counter WindowCounter) *RedisLimiter {
	return &RedisLimiter{counter: counter, now: time.Now}
}

func (l *RedisLimiter) Allow(ctx context.Context, appID string, limitPerMinute int, n int) (bool, error) {
	if limitPerMinute <= 0 {
		return true, nil
	}
	bucket := l.now().Unix() / int64(Window/time.Second)
	key := fmt.Sprintf("push:ratelimit:%s:%d", appID, bucket)

	count, err := l.counter.IncrWindow(ctx, key, int64(n), 2*Window)
	if err != nil {
		return false, err
	}
	return count <= int64(limitPerMinute), nil
}

type appBucket struct {
	limit   int
	limiter *rate.Limiter
}

// MemoryLimiter is a per-process token bucket per App, refilled at
// limit/60 per second with a burst of limit.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*appBucket
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{buckets: make(map[string]*appBucket)}
}

func (l *MemoryLimiter) Allow(_ context.Context, appID string, limitPerMinute int, n int) (bool, error) {
	if limitPerMinute <= 0 {
		return true, nil
	}

	l.mu.Lock()
	b, ok := l.buckets[appID]
	if !ok || b.limit != limitPerMinute {
		b = &appBucket{
			limit:   limitPerMinute,
			limiter: rate.NewLimiter(rate.Limit(float64(limitPerMinute)/Window.Seconds()), limitPerMinute),
		}
		l.buckets[appID] = b
	}
	l.mu.Unlock()

	return b.limiter.AllowN(time.Now(), n), nil
}
