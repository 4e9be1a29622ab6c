// Package clock abstracts wall time and one-shot timers so that schedulers,
// breakers and caches can be driven deterministically in tests.
package clock

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Timer is the subset of *time.Timer used by callers.
type Timer interface {
	Stop() bool
}

// Clock abstracts time for testing.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

var wall = clockwork.NewRealClock()

// Real is backed by the system clock.
type Real struct{}

func (Real) Now() time.Time { return wall.Now() }

func (Real) AfterFunc(d time.Duration, f func()) Timer { return wall.AfterFunc(d, f) }

// Fake is a manually advanced clock. Timers reached by Advance or Set fire in
// deadline order, each callback on its own goroutine as with time.AfterFunc.
// Timers armed with a non-positive delay fire at once.
type Fake struct {
	fc *clockwork.FakeClock

	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	owner   *Fake
	inner   clockwork.Timer
	at      time.Time
	stopped bool
}

// NewFake returns a Fake clock positioned at t.
func NewFake(t time.Time) *Fake {
	return &Fake{fc: clockwork.NewFakeClockAt(t)}
}

func (f *Fake) Now() time.Time { return f.fc.Now() }

func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	t := &fakeTimer{owner: f, at: f.fc.Now().Add(d)}
	f.mu.Lock()
	f.timers = append(f.timers, t)
	f.mu.Unlock()
	t.inner = f.fc.AfterFunc(d, fn)
	return t
}

// Advance moves the clock forward and fires every timer that became due.
func (f *Fake) Advance(d time.Duration) {
	f.fc.Advance(d)
}

// Set moves the clock to t and fires due timers. It never moves backwards.
func (f *Fake) Set(t time.Time) {
	if d := t.Sub(f.fc.Now()); d > 0 {
		f.fc.Advance(d)
	}
}

// Pending reports how many timers are armed and not yet due or stopped.
func (f *Fake) Pending() int {
	now := f.fc.Now()
	f.mu.Lock()
	defer f.mu.Unlock()
	live := f.timers[:0]
	for _, t := range f.timers {
		if !t.stopped && t.at.After(now) {
			live = append(live, t)
		}
	}
	f.timers = live
	return len(live)
}

func (t *fakeTimer) Stop() bool {
	if t.inner == nil || !t.inner.Stop() {
		return false
	}
	t.owner.mu.Lock()
	t.stopped = true
	t.owner.mu.Unlock()
	return true
}
