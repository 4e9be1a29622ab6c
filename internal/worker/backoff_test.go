package worker

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"event-dispatcher/internal/delivery"
	"event-dispatcher/internal/render"
	"event-dispatcher/internal/source"
)

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: 5 * time.Minute, MaxAttempts: 3}
	assert.Equal(t, 5*time.Minute, b.Delay(0))
	assert.Equal(t, 5*time.Minute, b.Delay(1))
	assert.Equal(t, 10*time.Minute, b.Delay(2))
	assert.Equal(t, 20*time.Minute, b.Delay(3))

	capped := Backoff{Base: time.Minute, Max: 6 * time.Minute}
	assert.Equal(t, 4*time.Minute, capped.Delay(3))
	assert.Equal(t, 6*time.Minute, capped.Delay(4))
	assert.Equal(t, 6*time.Minute, capped.Delay(60))
}

func TestBackoffDelaySaturatesWithoutMax(t *testing.T) {
	b := Backoff{Base: 5 * time.Minute}
	prev := b.Delay(1)
	for n := 2; n <= 200; n++ {
		d := b.Delay(n)
		assert.Positive(t, d, "retry %d", n)
		assert.GreaterOrEqual(t, d, prev, "retry %d", n)
		prev = d
	}
	assert.Equal(t, time.Duration(math.MaxInt64), b.Delay(60))
}

func TestBackoffExhausted(t *testing.T) {
	b := Backoff{Base: time.Minute, MaxAttempts: 3}
	assert.False(t, b.Exhausted(1))
	assert.False(t, b.Exhausted(2))
	assert.True(t, b.Exhausted(3))
}

func TestIsPermanent(t *testing.T) {
	assert.True(t, IsPermanent(Permanent(errors.New("bad data"))))
	assert.True(t, IsPermanent(fmt.Errorf("wrapped: %w", Permanent(errors.New("bad data")))))
	assert.True(t, IsPermanent(fmt.Errorf("fetch: %w", source.ErrNotFound)))
	assert.True(t, IsPermanent(render.ErrUnknownLayout))
	assert.True(t, IsPermanent(delivery.ErrUnsupportedMode))
	assert.False(t, IsPermanent(errors.New("timeout")))
	assert.Nil(t, Permanent(nil))
}
