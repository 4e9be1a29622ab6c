package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"event-dispatcher/internal/clock"
)

func newBucket(t *testing.T, capacity int, refill float64) (*TokenBucket, *clock.Fake, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	c := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewTokenBucket(client, capacity, refill, time.Minute, WithClock(c)), c, mr
}

func TestTakeRejectsWhenEmpty(t *testing.T) {
	ctx := context.Background()
	bucket, _, _ := newBucket(t, 2, 1)

	require.NoError(t, bucket.Take(ctx, "events-api"))
	require.NoError(t, bucket.Take(ctx, "events-api"))
	assert.ErrorIs(t, bucket.Take(ctx, "events-api"), ErrLimited)

	// Buckets are independent per key.
	assert.NoError(t, bucket.Take(ctx, "other"))
}

func TestRefillFollowsClock(t *testing.T) {
	ctx := context.Background()
	bucket, c, _ := newBucket(t, 2, 0.5)

	require.NoError(t, bucket.Take(ctx, "k"))
	require.NoError(t, bucket.Take(ctx, "k"))
	require.ErrorIs(t, bucket.Take(ctx, "k"), ErrLimited)

	c.Advance(time.Second)
	assert.ErrorIs(t, bucket.Take(ctx, "k"), ErrLimited, "half a token is not enough")

	c.Advance(time.Second)
	ok, left, err := bucket.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.InDelta(t, 0, left, 0.001)

	c.Advance(10 * time.Second)
	ok, left, err = bucket.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.InDelta(t, 1, left, 0.001, "refill is capped at capacity")
}

func TestKeysArePrefixedAndExpire(t *testing.T) {
	ctx := context.Background()
	bucket, _, mr := newBucket(t, 1, 1)

	require.NoError(t, bucket.Take(ctx, "k"))
	assert.True(t, mr.Exists("dispatcher:ratelimit:k"))
	assert.Equal(t, time.Minute, mr.TTL("dispatcher:ratelimit:k"))
}

func TestRedisDownIsAnError(t *testing.T) {
	bucket, _, mr := newBucket(t, 1, 1)
	mr.Close()
	err := bucket.Take(context.Background(), "k")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrLimited)
}
