// Package cache is a bounded in-memory cache whose entries carry two expiries:
// a fresh TTL for normal reads and a longer stale TTL used as a fallback while
// the upstream is failing.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"event-dispatcher/internal/clock"
)

// DefaultMaxEntries bounds the cache when no capacity is configured.
const DefaultMaxEntries = 1000

type entry struct {
	key            string
	value          []byte
	createdAt      time.Time
	expiresAt      time.Time
	staleExpiresAt time.Time
	elem           *list.Element
}

// Cache is safe for concurrent use. Eviction is FIFO by insertion time.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*entry
	order      *list.List
	maxEntries int
	clock      clock.Clock
}

// Option configures the cache.
type Option func(*Cache)

// WithClock injects a custom clock for testing.
func WithClock(c clock.Clock) Option {
	return func(cc *Cache) {
		if c != nil {
			cc.clock = c
		}
	}
}

// New creates a cache holding at most maxEntries entries.
func New(maxEntries int, opts ...Option) *Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	c := &Cache{
		entries:    make(map[string]*entry),
		order:      list.New(),
		maxEntries: maxEntries,
		clock:      clock.Real{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Set stores value under key. staleTTL shorter than freshTTL is raised to
// freshTTL. Re-setting a key counts as a new insertion for eviction order.
func (c *Cache) Set(key string, value []byte, freshTTL, staleTTL time.Duration) {
	if staleTTL < freshTTL {
		staleTTL = freshTTL
	}
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[key]; ok {
		c.removeLocked(old)
	}
	for len(c.entries) >= c.maxEntries {
		c.removeLocked(c.order.Front().Value.(*entry))
	}

	e := &entry{
		key:            key,
		value:          cloneBytes(value),
		createdAt:      now,
		expiresAt:      now.Add(freshTTL),
		staleExpiresAt: now.Add(staleTTL),
	}
	e.elem = c.order.PushBack(e)
	c.entries[key] = e
}

// Get returns the value only while it is fresh.
func (c *Cache) Get(key string) ([]byte, bool) {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || !now.Before(e.expiresAt) {
		return nil, false
	}
	return cloneBytes(e.value), true
}

// GetStale returns the value until its stale expiry regardless of freshness.
// An entry past its stale expiry is purged.
func (c *Cache) GetStale(key string) ([]byte, bool) {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !now.Before(e.staleExpiresAt) {
		c.removeLocked(e)
		return nil, false
	}
	return cloneBytes(e.value), true
}

// Delete removes key if present.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.removeLocked(e)
	}
}

// Cleanup purges every entry past its stale expiry and returns how many were removed.
func (c *Cache) Cleanup() int {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*entry)
		if !now.Before(e.staleExpiresAt) {
			c.removeLocked(e)
			removed++
		}
		el = next
	}
	return removed
}

// Len returns the number of stored entries, stale ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// RunJanitor calls Cleanup every interval until ctx is done.
func (c *Cache) RunJanitor(ctx context.Context, interval time.Duration, onSweep func(removed int)) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := c.Cleanup()
			if onSweep != nil {
				onSweep(removed)
			}
		}
	}
}

func (c *Cache) removeLocked(e *entry) {
	c.order.Remove(e.elem)
	delete(c.entries, e.key)
}

func cloneBytes(in []byte) []byte {
	if in == nil {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}
