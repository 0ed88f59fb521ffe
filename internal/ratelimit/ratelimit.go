// Package ratelimit enforces per-API-key request budgets.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// RetryAfter is set when the request was refused.
	RetryAfter time.Duration
}

type Limiter interface {
	Allow(ctx context.Context, key string, perMinute int) (Decision, error)
}

// RedisLimiter counts requests in fixed one-minute windows shared by every
// API replica.
type RedisLimiter struct {
	client redis.UniversalClient
	now    func() time.Time
}

func NewRedisLimiter(client redis.UniversalClient) *RedisLimiter {
	return &RedisLimiter{client: client, now: time.Now}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, perMinute int) (Decision, error) {
	if perMinute <= 0 {
		return Decision{Allowed: true}, nil
	}
	now := l.now()
	window := now.Unix() / 60
	redisKey := fmt.Sprintf("ratelimit:%s:%d", key, window)

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, 2*time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("rate limit counter: %w", err)
	}

	count := int(incr.Val())
	decision := Decision{Limit: perMinute, Remaining: perMinute - count}
	if decision.Remaining < 0 {
		decision.Remaining = 0
	}
	if count > perMinute {
		windowEnd := time.Unix((window+1)*60, 0)
		decision.RetryAfter = windowEnd.Sub(now)
		return decision, nil
	}
	decision.Allowed = true
	return decision, nil
}

// MemoryLimiter is a per-process token bucket used when Redis is not
// configured.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	limiter   *rate.Limiter
	perMinute int
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{buckets: map[string]*bucket{}}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string, perMinute int) (Decision, error) {
	if perMinute <= 0 {
		return Decision{Allowed: true}, nil
	}
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok || b.perMinute != perMinute {
		b = &bucket{
			limiter:   rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute),
			perMinute: perMinute,
		}
		l.buckets[key] = b
	}
	l.mu.Unlock()

	reservation := b.limiter.Reserve()
	if delay := reservation.Delay(); delay > 0 {
		reservation.Cancel()
		return Decision{Limit: perMinute, RetryAfter: delay}, nil
	}
	return Decision{
		Allowed:   true,
		Limit:     perMinute,
		Remaining: int(b.limiter.Tokens()),
	}, nil
}
