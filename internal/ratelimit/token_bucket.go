// Package ratelimit throttles calls to the upstream events API with a token
// bucket kept in Redis, so several dispatcher instances share one allowance.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"event-dispatcher/internal/clock"
)

// ErrLimited is returned by Take when the bucket is empty.
var ErrLimited = errors.New("ratelimit: bucket empty")

// TokenBucket implements a distributed token bucket rate limiter using Redis.
type TokenBucket struct {
	client   redis.Scripter
	prefix   string
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	clock    clock.Clock
}

// Option customises a TokenBucket.
type Option func(*TokenBucket)

// WithClock replaces the wall clock used to timestamp refills.
func WithClock(c clock.Clock) Option {
	return func(b *TokenBucket) { b.clock = c }
}

// WithPrefix namespaces bucket keys.
func WithPrefix(p string) Option {
	return func(b *TokenBucket) { b.prefix = p }
}

// NewTokenBucket constructs a bucket with the provided capacity/refill. Idle
// buckets expire after ttl.
func NewTokenBucket(client redis.Scripter, capacity int, refillPerSecond float64, ttl time.Duration, opts ...Option) *TokenBucket {
	b := &TokenBucket{
		client:   client,
		prefix:   "dispatcher:ratelimit:",
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		clock:    clock.Real{},
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Allow consumes a single token for key if available and returns the tokens
// left afterwards.
func (b *TokenBucket) Allow(ctx context.Context, key string) (bool, float64, error) {
	now := b.clock.Now().UnixMilli()
	res, err := bucketScript.Run(ctx, b.client, []string{b.prefix + key}, b.capacity, b.refill, now, b.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, fmt.Errorf("token bucket %s: %w", key, err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("token bucket %s: unexpected reply %v", key, res)
	}
	allowed, _ := arr[0].(int64)
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case string:
		fmt.Sscan(v, &tokens)
	}
	return allowed == 1, tokens, nil
}

// Take is Allow expressed as an error: nil when a token was consumed,
// ErrLimited when none was available.
func (b *TokenBucket) Take(ctx context.Context, key string) error {
	ok, _, err := b.Allow(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLimited
	}
	return nil
}

// Lua numbers come back truncated to integers, so tokens are returned as a
// string to keep the fractional part.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(tokens)}
`)
