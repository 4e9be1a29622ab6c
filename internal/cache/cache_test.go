package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"event-dispatcher/internal/clock"
)

func newTestCache(max int) (*Cache, *clock.Fake) {
	c := clock.NewFake(time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC))
	return New(max, WithClock(c)), c
}

func TestFreshAndStaleWindows(t *testing.T) {
	c, clk := newTestCache(10)
	c.Set("event:e1", []byte("payload"), 60*time.Second, 600*time.Second)

	clk.Advance(59 * time.Second)
	v, ok := c.Get("event:e1")
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), v)

	clk.Advance(2 * time.Second) // t=61s
	_, ok = c.Get("event:e1")
	assert.False(t, ok, "fresh read misses after freshTTL")
	v, ok = c.GetStale("event:e1")
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), v)

	clk.Set(clk.Now().Add(538 * time.Second)) // t=599s
	_, ok = c.GetStale("event:e1")
	assert.True(t, ok)

	clk.Advance(2 * time.Second) // t=601s
	_, ok = c.GetStale("event:e1")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(), "stale miss purges the entry")
}

func TestStaleTTLNeverBelowFresh(t *testing.T) {
	c, clk := newTestCache(10)
	c.Set("k", []byte("v"), time.Minute, time.Second)

	clk.Advance(30 * time.Second)
	_, ok := c.Get("k")
	assert.True(t, ok)
	clk.Advance(31 * time.Second)
	_, ok = c.GetStale("k")
	assert.False(t, ok)
}

func TestEvictsSingleOldestEntry(t *testing.T) {
	c, clk := newTestCache(3)
	for i := 1; i <= 3; i++ {
		c.Set(fmt.Sprintf("k%d", i), []byte{byte(i)}, time.Hour, time.Hour)
		clk.Advance(time.Second)
	}
	c.Set("k4", []byte{4}, time.Hour, time.Hour)

	assert.Equal(t, 3, c.Len())
	_, ok := c.Get("k1")
	assert.False(t, ok, "oldest entry evicted")
	for _, k := range []string{"k2", "k3", "k4"} {
		_, ok := c.Get(k)
		assert.True(t, ok, k)
	}
}

func TestResetMovesKeyToBackOfEvictionOrder(t *testing.T) {
	c, _ := newTestCache(2)
	c.Set("a", []byte("1"), time.Hour, time.Hour)
	c.Set("b", []byte("2"), time.Hour, time.Hour)
	c.Set("a", []byte("3"), time.Hour, time.Hour)
	c.Set("c", []byte("4"), time.Hour, time.Hour)

	_, ok := c.Get("b")
	assert.False(t, ok)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, []byte("3"), v)
}

func TestCleanupRemovesOnlyFullyExpired(t *testing.T) {
	c, clk := newTestCache(10)
	c.Set("short", []byte("x"), time.Second, 10*time.Second)
	c.Set("long", []byte("y"), time.Second, time.Hour)

	clk.Advance(11 * time.Second)
	assert.Equal(t, 1, c.Cleanup())
	assert.Equal(t, 1, c.Len())
	_, ok := c.GetStale("long")
	assert.True(t, ok)
}

func TestReturnedValuesAreCopies(t *testing.T) {
	c, _ := newTestCache(1)
	in := []byte("abc")
	c.Set("k", in, time.Hour, time.Hour)
	in[0] = 'z'
	out, _ := c.Get("k")
	out[1] = 'z'
	again, _ := c.Get("k")
	assert.Equal(t, []byte("abc"), again)
}

func TestCapacityHeldUnderConcurrency(t *testing.T) {
	c, _ := newTestCache(50)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				c.Set(fmt.Sprintf("%d-%d", g, i), []byte("v"), time.Minute, time.Hour)
				assert.LessOrEqual(t, c.Len(), 50)
			}
		}(g)
	}
	wg.Wait()
	assert.Equal(t, 50, c.Len())
}
