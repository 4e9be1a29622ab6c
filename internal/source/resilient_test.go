package source

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"event-dispatcher/internal/breaker"
	"event-dispatcher/internal/cache"
	"event-dispatcher/internal/clock"
	"event-dispatcher/internal/ratelimit"
)

var errDown = errors.New("connection refused")

type fakeSource struct {
	calls     atomic.Int32
	err       error
	events    []RawEvent
	attendees []RawAttendee
}

func (f *fakeSource) FetchUpcomingEvents(context.Context, int) ([]RawEvent, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.events, nil
}

func (f *fakeSource) FetchEventDetails(_ context.Context, id string) (RawEvent, error) {
	f.calls.Add(1)
	if f.err != nil {
		return RawEvent{}, f.err
	}
	return RawEvent{ID: id, Name: "details"}, nil
}

func (f *fakeSource) FetchAttendees(context.Context, string) ([]RawAttendee, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.attendees, nil
}

type denyAll struct{}

func (denyAll) Take(context.Context, string) error { return ratelimit.ErrLimited }

type fixture struct {
	src   *fakeSource
	clock *clock.Fake
	br    *breaker.Breaker
	r     *Resilient
	hook  *test.Hook
}

func newFixture(t *testing.T, lim Limiter) *fixture {
	t.Helper()
	c := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	src := &fakeSource{
		events:    []RawEvent{{ID: "e1", Name: "Launch"}},
		attendees: []RawAttendee{{ID: "a1", Name: "Ada"}},
	}
	br := breaker.New(breaker.Config{Threshold: 2, SuccessThreshold: 1, Timeout: time.Minute, IsFailure: IsBreakerFailure, Clock: c})
	logger, hook := test.NewNullLogger()
	r := NewResilient(src, br, cache.New(10, cache.WithClock(c)), ResilientOptions{
		FreshTTL: time.Minute,
		StaleTTL: 10 * time.Minute,
		Limiter:  lim,
		Logger:   logger,
	})
	return &fixture{src: src, clock: c, br: br, r: r, hook: hook}
}

func TestFreshCacheSkipsNetwork(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		events, err := f.r.FetchUpcomingEvents(ctx, 48)
		require.NoError(t, err)
		require.Len(t, events, 1)
	}
	assert.EqualValues(t, 1, f.src.calls.Load())

	f.clock.Advance(61 * time.Second)
	_, err := f.r.FetchUpcomingEvents(ctx, 48)
	require.NoError(t, err)
	assert.EqualValues(t, 2, f.src.calls.Load(), "expired entries are refetched")

	// Different window is a different key.
	_, err = f.r.FetchUpcomingEvents(ctx, 24)
	require.NoError(t, err)
	assert.EqualValues(t, 3, f.src.calls.Load())
}

func TestStaleFallbackWhenUpstreamFails(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.r.FetchAttendees(ctx, "e1")
	require.NoError(t, err)

	f.clock.Advance(2 * time.Minute)
	f.src.err = errDown
	attendees, err := f.r.FetchAttendees(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", attendees[0].Name)
	require.NotNil(t, f.hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, f.hook.LastEntry().Level)

	// Second failure opens the breaker; stale data still answers.
	_, err = f.r.FetchAttendees(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, breaker.StateOpen, f.br.State())

	calls := f.src.calls.Load()
	_, err = f.r.FetchAttendees(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, calls, f.src.calls.Load(), "open breaker does not reach upstream")

	// Past the stale window the trial call's own error propagates.
	f.clock.Advance(9 * time.Minute)
	_, err = f.r.FetchAttendees(ctx, "e1")
	assert.ErrorIs(t, err, errDown)
	assert.Equal(t, breaker.StateOpen, f.br.State())
}

func TestNoCacheNoFallback(t *testing.T) {
	f := newFixture(t, nil)
	f.src.err = errDown
	_, err := f.r.FetchEventDetails(context.Background(), "e9")
	assert.ErrorIs(t, err, errDown)
}

func TestNotFoundIsNotServedFromCache(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.r.FetchEventDetails(ctx, "e1")
	require.NoError(t, err)
	f.clock.Advance(2 * time.Minute)

	f.src.err = ErrNotFound
	for i := 0; i < 3; i++ {
		_, err = f.r.FetchEventDetails(ctx, "e1")
		assert.ErrorIs(t, err, ErrNotFound)
	}
	assert.Equal(t, breaker.StateClosed, f.br.State(), "404 does not trip the breaker")
}

func TestLimiterDenialFallsBackToStale(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.r.FetchUpcomingEvents(ctx, 48)
	require.NoError(t, err)

	f.r.opts.Limiter = denyAll{}
	f.clock.Advance(2 * time.Minute)
	events, err := f.r.FetchUpcomingEvents(ctx, 48)
	require.NoError(t, err)
	assert.Len(t, events, 1)
	assert.EqualValues(t, 1, f.src.calls.Load())

	_, err = f.r.FetchAttendees(ctx, "never-cached")
	assert.ErrorIs(t, err, ratelimit.ErrLimited)
	assert.Equal(t, breaker.StateClosed, f.br.State(), "limiter denials do not reach the breaker")
}

func TestLimiterOutageFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { rc.Close() })
	mr.Close()

	f := newFixture(t, ratelimit.NewTokenBucket(rc, 1, 1, time.Minute))
	ctx := context.Background()

	details, err := f.r.FetchEventDetails(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "details", details.Name)
	_, err = f.r.FetchAttendees(ctx, "e1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, f.src.calls.Load())
	assert.Equal(t, breaker.StateClosed, f.br.State())

	var warned bool
	for _, e := range f.hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Message == "rate limiter unavailable, calling upstream without it" {
			warned = true
		}
	}
	assert.True(t, warned)
}
