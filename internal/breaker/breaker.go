// Package breaker guards a single remote dependency with a consecutive-failure
// circuit breaker.
//
// States:
//   - CLOSED: calls pass through; threshold consecutive failures open the circuit
//   - OPEN: calls fail fast with ErrOpen until the cooldown elapses
//   - HALF_OPEN: calls pass through as trial calls; successThreshold consecutive
//     successes close the circuit, any failure reopens it
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"event-dispatcher/internal/clock"
)

// ErrOpen is returned without invoking the wrapped call while the circuit is open.
var ErrOpen = errors.New("breaker: circuit open")

// State represents the circuit breaker state.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config holds breaker settings.
type Config struct {
	Name string
	// Threshold is the number of consecutive failures that opens the circuit.
	Threshold int
	// SuccessThreshold is the number of consecutive HALF_OPEN successes that closes it.
	SuccessThreshold int
	// Timeout is the cooldown spent OPEN before the next call is let through as a trial.
	Timeout time.Duration
	// IsFailure decides whether an error counts against the dependency.
	// Defaults to every error except caller cancellation.
	IsFailure func(error) bool
	// OnStateChange runs after a transition, outside the breaker lock.
	OnStateChange func(name string, from, to State)
	Clock         clock.Clock
}

// Snapshot is a point-in-time view of the breaker.
type Snapshot struct {
	Name            string    `json:"name"`
	State           string    `json:"state"`
	FailureCount    int       `json:"failure_count"`
	SuccessCount    int       `json:"success_count"`
	LastFailureTime time.Time `json:"last_failure_time,omitempty"`
	NextAttemptTime time.Time `json:"next_attempt_time,omitempty"`
}

// Breaker implements the circuit breaker state machine. It is safe for
// concurrent use; every transition happens under one mutex.
type Breaker struct {
	cfg Config

	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	nextAttemptTime time.Time
}

// New creates a CLOSED breaker, applying defaults for zero values.
func New(cfg Config) *Breaker {
	if cfg.Name == "" {
		cfg.Name = "remote-api"
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = defaultIsFailure
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	return &Breaker{cfg: cfg, state: StateClosed}
}

func defaultIsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// Execute runs fn unless the circuit is open and records its outcome.
// The error from fn is returned unchanged.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.before(); err != nil {
		return err
	}
	err := fn(ctx)
	b.after(err)
	return err
}

// Do is Execute for calls returning a value.
func Do[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := b.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (b *Breaker) before() error {
	b.mu.Lock()
	if b.state != StateOpen {
		b.mu.Unlock()
		return nil
	}
	now := b.cfg.Clock.Now()
	if now.Before(b.nextAttemptTime) {
		next := b.nextAttemptTime
		b.mu.Unlock()
		return fmt.Errorf("%w: %s retry after %s", ErrOpen, b.cfg.Name, next.Format(time.RFC3339))
	}
	from := b.transitionLocked(StateHalfOpen, now)
	b.mu.Unlock()
	b.notify(from, StateHalfOpen)
	return nil
}

func (b *Breaker) after(err error) {
	failed := err != nil && b.cfg.IsFailure(err)

	b.mu.Lock()
	now := b.cfg.Clock.Now()
	from, to := b.state, b.state

	switch b.state {
	case StateClosed:
		if failed {
			b.failureCount++
			b.lastFailureTime = now
			if b.failureCount >= b.cfg.Threshold {
				to = StateOpen
			}
		} else {
			b.failureCount = 0
		}
	case StateHalfOpen:
		if failed {
			b.failureCount++
			b.lastFailureTime = now
			to = StateOpen
		} else {
			b.successCount++
			if b.successCount >= b.cfg.SuccessThreshold {
				to = StateClosed
			}
		}
	case StateOpen:
		// A trial call admitted before another trial reopened the circuit.
		if failed {
			b.lastFailureTime = now
		}
	}
	if to != from {
		b.transitionLocked(to, now)
	}
	b.mu.Unlock()

	if to != from {
		b.notify(from, to)
	}
}

func (b *Breaker) transitionLocked(to State, now time.Time) State {
	from := b.state
	b.state = to
	switch to {
	case StateOpen:
		b.successCount = 0
		b.nextAttemptTime = now.Add(b.cfg.Timeout)
	case StateHalfOpen:
		b.successCount = 0
	case StateClosed:
		b.failureCount = 0
		b.successCount = 0
		b.nextAttemptTime = time.Time{}
	}
	return from
}

func (b *Breaker) notify(from, to State) {
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}

// State returns the current state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a snapshot of the breaker counters.
func (b *Breaker) Stats() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:            b.cfg.Name,
		State:           b.state.String(),
		FailureCount:    b.failureCount,
		SuccessCount:    b.successCount,
		LastFailureTime: b.lastFailureTime,
		NextAttemptTime: b.nextAttemptTime,
	}
}

// Name returns the protected dependency name.
func (b *Breaker) Name() string {
	return b.cfg.Name
}
