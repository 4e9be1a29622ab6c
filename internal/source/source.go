// Package source talks to the remote events API. HTTPClient is the plain
// transport; Resilient layers rate limiting, the circuit breaker and the
// stale-fallback cache on top of any EventSource.
package source

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound means the upstream has no such event. It is not a sign of an
// unhealthy dependency.
var ErrNotFound = errors.New("source: not found")

// RawEvent is an event as returned by the upstream API.
type RawEvent struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	StartTime time.Time `json:"start_time"`
	Category  string    `json:"category"`
	Venue     string    `json:"venue,omitempty"`
}

// RawAttendee is one registered attendee of an event.
type RawAttendee struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Email   string `json:"email,omitempty"`
	Company string `json:"company,omitempty"`
	Role    string `json:"role,omitempty"`
}

// EventSource is the remote collaborator the dispatcher reads from.
type EventSource interface {
	FetchUpcomingEvents(ctx context.Context, windowHours int) ([]RawEvent, error)
	FetchEventDetails(ctx context.Context, id string) (RawEvent, error)
	FetchAttendees(ctx context.Context, id string) ([]RawAttendee, error)
}

// IsBreakerFailure reports whether err should count against the upstream's
// health. Missing resources and caller cancellation do not.
func IsBreakerFailure(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrNotFound) && !errors.Is(err, context.Canceled)
}
