package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"event-dispatcher/internal/breaker"
	"event-dispatcher/internal/cache"
	"event-dispatcher/internal/ratelimit"
	"event-dispatcher/internal/telemetry"
)

// Limiter gates outbound calls. Take returns an error when the call must not
// be made now.
type Limiter interface {
	Take(ctx context.Context, key string) error
}

// ResilientOptions configures Resilient.
type ResilientOptions struct {
	FreshTTL time.Duration
	StaleTTL time.Duration
	// Limiter is optional.
	Limiter    Limiter
	LimiterKey string
	Logger     logrus.FieldLogger
}

// Resilient wraps an EventSource: fresh cache hits skip the network; live
// calls pass the limiter and the breaker; a failed live call is answered
// from stale cache when possible.
type Resilient struct {
	next    EventSource
	breaker *breaker.Breaker
	cache   *cache.Cache
	opts    ResilientOptions
	log     logrus.FieldLogger
}

func NewResilient(next EventSource, br *breaker.Breaker, c *cache.Cache, opts ResilientOptions) *Resilient {
	if opts.FreshTTL <= 0 {
		opts.FreshTTL = 5 * time.Minute
	}
	if opts.StaleTTL < opts.FreshTTL {
		opts.StaleTTL = opts.FreshTTL
	}
	if opts.LimiterKey == "" {
		opts.LimiterKey = "events-api"
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Resilient{next: next, breaker: br, cache: c, opts: opts, log: opts.Logger.WithField("component", "source")}
}

func (r *Resilient) FetchUpcomingEvents(ctx context.Context, windowHours int) ([]RawEvent, error) {
	return fetch(ctx, r, fmt.Sprintf("events:window:%d", windowHours), func(ctx context.Context) ([]RawEvent, error) {
		return r.next.FetchUpcomingEvents(ctx, windowHours)
	})
}

func (r *Resilient) FetchEventDetails(ctx context.Context, id string) (RawEvent, error) {
	return fetch(ctx, r, "event:"+id, func(ctx context.Context) (RawEvent, error) {
		return r.next.FetchEventDetails(ctx, id)
	})
}

func (r *Resilient) FetchAttendees(ctx context.Context, id string) ([]RawAttendee, error) {
	return fetch(ctx, r, "attendees:"+id, func(ctx context.Context) ([]RawAttendee, error) {
		return r.next.FetchAttendees(ctx, id)
	})
}

// Breaker exposes the guarding breaker for status reporting.
func (r *Resilient) Breaker() *breaker.Breaker { return r.breaker }

func fetch[T any](ctx context.Context, r *Resilient, key string, call func(context.Context) (T, error)) (T, error) {
	var zero T
	if raw, ok := r.cache.Get(key); ok {
		var v T
		if err := json.Unmarshal(raw, &v); err == nil {
			telemetry.CacheHits.Inc()
			return v, nil
		}
		r.cache.Delete(key)
	}
	telemetry.CacheMisses.Inc()

	v, err := liveCall(ctx, r, call)
	if err == nil {
		if raw, merr := json.Marshal(v); merr == nil {
			r.cache.Set(key, raw, r.opts.FreshTTL, r.opts.StaleTTL)
		}
		return v, nil
	}
	if errors.Is(err, ErrNotFound) {
		// A resource gone upstream must not be resurrected from cache.
		r.cache.Delete(key)
		return zero, err
	}
	if ctx.Err() != nil {
		return zero, err
	}

	if raw, ok := r.cache.GetStale(key); ok {
		var stale T
		if uerr := json.Unmarshal(raw, &stale); uerr == nil {
			telemetry.StaleFallbacks.Inc()
			r.log.WithError(err).WithField("key", key).Warn("upstream call failed, serving stale cache")
			return stale, nil
		}
	}
	return zero, err
}

// liveCall performs the network call behind the limiter and the breaker.
// Only ErrLimited denies the call; a limiter that cannot answer fails open.
func liveCall[T any](ctx context.Context, r *Resilient, call func(context.Context) (T, error)) (T, error) {
	if r.opts.Limiter != nil {
		if err := r.opts.Limiter.Take(ctx, r.opts.LimiterKey); err != nil {
			var zero T
			switch {
			case errors.Is(err, ratelimit.ErrLimited):
				telemetry.RateLimitRejects.Inc()
				return zero, err
			case ctx.Err() != nil:
				return zero, ctx.Err()
			}
			telemetry.LimiterErrors.Inc()
			r.log.WithError(err).Warn("rate limiter unavailable, calling upstream without it")
		}
	}
	return breaker.Do(ctx, r.breaker, call)
}
