// Package queue keeps the dead-letter list of events whose jobs failed for
// good, in Redis, for operators to inspect.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"event-dispatcher/internal/config"
)

// Entry is one dead-lettered job.
type Entry struct {
	EventID    string    `json:"event_id"`
	Error      string    `json:"error"`
	RetryCount int       `json:"retry_count"`
	FailedAt   time.Time `json:"failed_at"`
}

// DeadLetter is a capped Redis list of Entry values, oldest first.
type DeadLetter struct {
	client redis.Cmdable
	key    string
	maxLen int64
}

// NewClient builds a Redis client from config.
func NewClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// NewDeadLetter returns a list stored under key. When maxLen is positive the
// oldest entries are trimmed beyond it.
func NewDeadLetter(client redis.Cmdable, key string, maxLen int64) *DeadLetter {
	if key == "" {
		key = "dispatcher:dlq"
	}
	return &DeadLetter{client: client, key: key, maxLen: maxLen}
}

// Push appends an entry.
func (q *DeadLetter) Push(ctx context.Context, e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal dlq entry: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.RPush(ctx, q.key, raw)
	if q.maxLen > 0 {
		pipe.LTrim(ctx, q.key, -q.maxLen, -1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dlq push %s: %w", e.EventID, err)
	}
	return nil
}

// Peek reads up to count entries starting from the oldest.
func (q *DeadLetter) Peek(ctx context.Context, count int64) ([]Entry, error) {
	if count <= 0 {
		return nil, nil
	}
	raws, err := q.client.LRange(ctx, q.key, 0, count-1).Result()
	if err != nil {
		return nil, fmt.Errorf("dlq peek: %w", err)
	}
	out := make([]Entry, 0, len(raws))
	for _, raw := range raws {
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			// Skip foreign values rather than failing the whole read.
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Len returns the number of entries.
func (q *DeadLetter) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("dlq len: %w", err)
	}
	return n, nil
}

// Remove drops every entry for eventID and returns how many were removed.
func (q *DeadLetter) Remove(ctx context.Context, eventID string) (int64, error) {
	n, err := removeScript.Run(ctx, q.client, []string{q.key}, eventID).Int64()
	if err != nil {
		return 0, fmt.Errorf("dlq remove %s: %w", eventID, err)
	}
	return n, nil
}

var removeScript = redis.NewScript(`
local items = redis.call('LRANGE', KEYS[1], 0, -1)
local removed = 0
for _, raw in ipairs(items) do
  local ok, entry = pcall(cjson.decode, raw)
  if ok and type(entry) == 'table' and entry['event_id'] == ARGV[1] then
    removed = removed + redis.call('LREM', KEYS[1], 0, raw)
  end
end
return removed
`)
