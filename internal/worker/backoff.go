package worker

import (
	"errors"
	"math"
	"time"

	"event-dispatcher/internal/delivery"
	"event-dispatcher/internal/render"
	"event-dispatcher/internal/source"
)

// Backoff is the retry policy for failed job attempts.
type Backoff struct {
	// Base is the delay before the first retry; each later retry doubles it.
	Base time.Duration
	// MaxAttempts bounds retryCount: a job whose retryCount reaches it fails.
	MaxAttempts int
	// Max caps a single delay when positive.
	Max time.Duration
}

// Delay returns the wait before retry n (n >= 1): Base * 2^(n-1), capped at
// Max and saturating at the largest representable duration.
func (b Backoff) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := b.Base
	for i := 1; i < n; i++ {
		if b.Max > 0 && d >= b.Max {
			break
		}
		if d > math.MaxInt64/2 {
			d = math.MaxInt64
			break
		}
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// Exhausted reports whether a job with retryCount failures may not retry.
func (b Backoff) Exhausted(retryCount int) bool {
	return retryCount >= b.MaxAttempts
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked Permanent or is one of the
// collaborator errors that no retry can fix.
func IsPermanent(err error) bool {
	var pe permanentError
	switch {
	case errors.As(err, &pe):
		return true
	case errors.Is(err, source.ErrNotFound),
		errors.Is(err, render.ErrUnknownLayout),
		errors.Is(err, delivery.ErrUnsupportedMode):
		return true
	}
	return false
}
