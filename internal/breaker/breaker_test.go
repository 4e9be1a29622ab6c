package breaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"event-dispatcher/internal/clock"
)

var errUpstream = errors.New("upstream 503")

func newTestBreaker(c clock.Clock) *Breaker {
	return New(Config{
		Name:             "test",
		Threshold:        3,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		Clock:            c,
	})
}

func fail(context.Context) error    { return errUpstream }
func succeed(context.Context) error { return nil }

func TestOpensAfterThresholdAndShortCircuits(t *testing.T) {
	c := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	b := newTestBreaker(c)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Execute(ctx, fail), errUpstream)
	}
	require.Equal(t, StateOpen, b.State())
	assert.Equal(t, c.Now().Add(30*time.Second), b.Stats().NextAttemptTime)

	calls := 0
	err := b.Execute(ctx, func(context.Context) error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.Zero(t, calls, "wrapped function must not run while open")
}

func TestSuccessResetsFailureCountWhileClosed(t *testing.T) {
	b := newTestBreaker(clock.NewFake(time.Unix(0, 0)))
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	require.Equal(t, 2, b.Stats().FailureCount)
	require.NoError(t, b.Execute(ctx, succeed))
	assert.Equal(t, 0, b.Stats().FailureCount)

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenAfterTimeoutThenCloses(t *testing.T) {
	c := clock.NewFake(time.Unix(0, 0))
	b := newTestBreaker(c)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail)
	}

	c.Advance(29 * time.Second)
	assert.ErrorIs(t, b.Execute(ctx, succeed), ErrOpen)

	c.Advance(time.Second)
	var observed State
	require.NoError(t, b.Execute(ctx, func(context.Context) error {
		observed = b.State()
		return nil
	}))
	assert.Equal(t, StateHalfOpen, observed, "trial call runs in HALF_OPEN")
	assert.Equal(t, StateHalfOpen, b.State())
	assert.Equal(t, 1, b.Stats().SuccessCount)

	require.NoError(t, b.Execute(ctx, succeed))
	snap := b.Stats()
	assert.Equal(t, "CLOSED", snap.State)
	assert.Zero(t, snap.FailureCount)
	assert.Zero(t, snap.SuccessCount)
}

func TestFailureInHalfOpenReopens(t *testing.T) {
	c := clock.NewFake(time.Unix(0, 0))
	b := newTestBreaker(c)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail)
	}
	c.Advance(30 * time.Second)
	require.NoError(t, b.Execute(ctx, succeed))
	require.Equal(t, StateHalfOpen, b.State())

	assert.ErrorIs(t, b.Execute(ctx, fail), errUpstream)
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, c.Now().Add(30*time.Second), b.Stats().NextAttemptTime)
	assert.ErrorIs(t, b.Execute(ctx, succeed), ErrOpen)
}

func TestCallerCancellationIsNotAFailure(t *testing.T) {
	b := newTestBreaker(clock.NewFake(time.Unix(0, 0)))
	for i := 0; i < 5; i++ {
		_ = b.Execute(context.Background(), func(context.Context) error { return context.Canceled })
	}
	assert.Equal(t, StateClosed, b.State())

	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), func(context.Context) error { return context.DeadlineExceeded })
	}
	assert.Equal(t, StateOpen, b.State(), "timeouts count as failures")
}

func TestCustomIsFailure(t *testing.T) {
	notFound := errors.New("not found")
	b := New(Config{
		Threshold: 1,
		IsFailure: func(err error) bool { return !errors.Is(err, notFound) },
		Clock:     clock.NewFake(time.Unix(0, 0)),
	})
	assert.ErrorIs(t, b.Execute(context.Background(), func(context.Context) error { return notFound }), notFound)
	assert.Equal(t, StateClosed, b.State())
}

func TestDoReturnsValue(t *testing.T) {
	b := newTestBreaker(clock.NewFake(time.Unix(0, 0)))
	v, err := Do(context.Background(), b, func(context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestOnStateChange(t *testing.T) {
	c := clock.NewFake(time.Unix(0, 0))
	var mu sync.Mutex
	var transitions []string
	b := New(Config{
		Name:             "api",
		Threshold:        1,
		SuccessThreshold: 1,
		Timeout:          time.Second,
		Clock:            c,
		OnStateChange: func(name string, from, to State) {
			mu.Lock()
			defer mu.Unlock()
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		},
	})
	ctx := context.Background()
	_ = b.Execute(ctx, fail)
	c.Advance(time.Second)
	_ = b.Execute(ctx, succeed)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"api:CLOSED->OPEN",
		"api:OPEN->HALF_OPEN",
		"api:HALF_OPEN->CLOSED",
	}, transitions)
}

func TestConcurrentExecuteOpensOnce(t *testing.T) {
	var opened atomic.Int32
	b := New(Config{
		Threshold: 10,
		Timeout:   time.Hour,
		Clock:     clock.NewFake(time.Unix(0, 0)),
		OnStateChange: func(_ string, _, to State) {
			if to == StateOpen {
				opened.Add(1)
			}
		},
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Execute(context.Background(), fail)
		}()
	}
	wg.Wait()

	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, int32(1), opened.Load())
}
