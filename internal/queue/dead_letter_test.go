package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"event-dispatcher/internal/config"
)

func newDLQ(t *testing.T, maxLen int64) (*DeadLetter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := NewClient(config.RedisConfig{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewDeadLetter(client, "test:dlq", maxLen), mr
}

func TestPushPeek(t *testing.T) {
	ctx := context.Background()
	q, _ := newDLQ(t, 0)
	at := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, q.Push(ctx, Entry{EventID: "e1", Error: "render failed", RetryCount: 3, FailedAt: at}))
	require.NoError(t, q.Push(ctx, Entry{EventID: "e2", Error: "no attendees", RetryCount: 1, FailedAt: at}))

	entries, err := q.Peek(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "e1", entries[0].EventID)
	assert.Equal(t, 3, entries[0].RetryCount)
	assert.True(t, entries[0].FailedAt.Equal(at))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	entries, err = q.Peek(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestPushTrimsOldest(t *testing.T) {
	ctx := context.Background()
	q, _ := newDLQ(t, 2)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Push(ctx, Entry{EventID: id}))
	}
	entries, err := q.Peek(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "b", entries[0].EventID)
	assert.Equal(t, "c", entries[1].EventID)
}

func TestPeekSkipsForeignValues(t *testing.T) {
	ctx := context.Background()
	q, mr := newDLQ(t, 0)
	_, err := mr.Push("test:dlq", "not-json")
	require.NoError(t, err)
	require.NoError(t, q.Push(ctx, Entry{EventID: "e1"}))

	entries, err := q.Peek(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "e1", entries[0].EventID)
}

func TestRemoveByEventID(t *testing.T) {
	ctx := context.Background()
	q, _ := newDLQ(t, 0)
	require.NoError(t, q.Push(ctx, Entry{EventID: "e1", Error: "first"}))
	require.NoError(t, q.Push(ctx, Entry{EventID: "e2"}))
	require.NoError(t, q.Push(ctx, Entry{EventID: "e1", Error: "second"}))

	n, err := q.Remove(ctx, "e1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	entries, err := q.Peek(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "e2", entries[0].EventID)
}

func TestRedisErrorsSurface(t *testing.T) {
	q := NewDeadLetter(redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1}), "", 0)
	assert.Error(t, q.Push(context.Background(), Entry{EventID: "e1"}))
}
