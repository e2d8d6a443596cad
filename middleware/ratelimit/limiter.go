package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Limiter decides whether one more request under key fits in the window.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (*RateLimitResult, error)
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
	Limit     int
}

// slidingWindow keeps one sorted-set entry per accepted request. INCR yields
// unique members for requests in the same millisecond.
var slidingWindow = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local window_start = tonumber(ARGV[2])
	local limit = tonumber(ARGV[3])
	local window_ms = tonumber(ARGV[4])

	redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)

	local current = redis.call('ZCARD', key)

	if current < limit then
		local counter = redis.call('INCR', key .. ':counter')
		redis.call('ZADD', key, now, now .. ':' .. counter)
		local expire_seconds = math.ceil(window_ms / 1000)
		redis.call('EXPIRE', key, expire_seconds)
		redis.call('EXPIRE', key .. ':counter', expire_seconds)
		return {1, limit - current - 1, 0}
	else
		local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
		local reset_at = 0
		if oldest and #oldest >= 2 then
			reset_at = tonumber(oldest[2]) + window_ms
		end
		return {0, 0, reset_at}
	end
`)

// RedisLimiter is a sliding window limiter shared by every process using the
// same Redis.
type RedisLimiter struct {
	client    *redis.Client
	keyPrefix string
}

var _ Limiter = (*RedisLimiter)(nil)

// NewRedisLimiter creates a limiter storing its windows under keyPrefix.
func NewRedisLimiter(client *redis.Client, keyPrefix string) *RedisLimiter {
	return &RedisLimiter{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

// Allow records a request under key if the window has room for it.
func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (*RateLimitResult, error) {
	now := time.Now()
	windowStart := now.Add(-window)

	result, err := slidingWindow.Run(ctx, l.client, []string{l.keyPrefix + key},
		now.UnixMilli(), windowStart.UnixMilli(), limit, window.Milliseconds()).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("redis script error: %w", err)
	}
	if len(result) != 3 {
		return nil, fmt.Errorf("unexpected Redis response length: %d", len(result))
	}

	resetAt := now.Add(window)
	if result[2] > 0 {
		resetAt = time.UnixMilli(result[2])
	}
	return &RateLimitResult{
		Allowed:   result[0] == 1,
		Remaining: int(result[1]),
		ResetAt:   resetAt,
		Limit:     limit,
	}, nil
}

// Reset clears the window for key.
func (l *RedisLimiter) Reset(ctx context.Context, key string) error {
	redisKey := l.keyPrefix + key
	return l.client.Del(ctx, redisKey, redisKey+":counter").Err()
}

// GetStats returns the number of requests currently counted for key.
func (l *RedisLimiter) GetStats(ctx context.Context, key string, window time.Duration) (int, error) {
	redisKey := l.keyPrefix + key
	windowStart := time.Now().Add(-window)

	if err := l.client.ZRemRangeByScore(ctx, redisKey, "-inf", fmt.Sprintf("%d", windowStart.UnixMilli())).Err(); err != nil {
		return 0, err
	}
	count, err := l.client.ZCard(ctx, redisKey).Result()
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

// LocalLimiter is an in-process token bucket per key, used when no Redis is
// configured. A bucket refills limit tokens per window and holds at most limit.
type LocalLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	ttl     time.Duration
	swept   time.Time
}

type bucket struct {
	l        *rate.Limiter
	limit    int
	window   time.Duration
	lastSeen time.Time
}

var _ Limiter = (*LocalLimiter)(nil)

// NewLocalLimiter creates a LocalLimiter that forgets keys idle for ttl.
func NewLocalLimiter(ttl time.Duration) *LocalLimiter {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &LocalLimiter{
		buckets: make(map[string]*bucket),
		ttl:     ttl,
		swept:   time.Now(),
	}
}

// Allow takes one token from key's bucket.
func (l *LocalLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (*RateLimitResult, error) {
	if limit <= 0 || window <= 0 {
		return nil, fmt.Errorf("invalid limit %d per %s", limit, window)
	}
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.swept) > l.ttl {
		for k, b := range l.buckets {
			if now.Sub(b.lastSeen) > l.ttl {
				delete(l.buckets, k)
			}
		}
		l.swept = now
	}

	b, ok := l.buckets[key]
	if !ok || b.limit != limit || b.window != window {
		b = &bucket{
			l:      rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit),
			limit:  limit,
			window: window,
		}
		l.buckets[key] = b
	}
	b.lastSeen = now

	allowed := b.l.AllowN(now, 1)
	remaining := int(b.l.TokensAt(now))
	if remaining < 0 {
		remaining = 0
	}
	resetAt := now
	if !allowed {
		resetAt = now.Add(window / time.Duration(limit))
	}
	return &RateLimitResult{
		Allowed:   allowed,
		Remaining: remaining,
		ResetAt:   resetAt,
		Limit:     limit,
	}, nil
}

// Reset forgets key.
func (l *LocalLimiter) Reset(_ context.Context, key string) error {
	l.mu.Lock()
	delete(l.buckets, key)
	l.mu.Unlock()
	return nil
}
