// Package clock provides the engine's time source and deadline wake-ups.
// Round deadlines are scheduled callbacks, never blocking sleeps, and every
// handler re-checks session state before mutating anything, so a wake-up that
// fires after its round already closed is a no-op.
package clock

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Timer is a scheduled wake-up. Stop reports whether the call prevented the
// wake-up from firing.
type Timer interface {
	Stop() bool
}

type Clock struct {
	c clockwork.Clock
}

// New returns a Clock backed by the wall clock.
func New() Clock {
	return Clock{c: clockwork.NewRealClock()}
}

// NewWith returns a Clock backed by the given clockwork clock. Tests pass a
// fake clock here to drive deadlines deterministically.
func NewWith(c clockwork.Clock) Clock {
	return Clock{c: c}
}

func (k Clock) Now() time.Time {
	return k.c.Now()
}

func (k Clock) Since(t time.Time) time.Duration {
	return k.c.Now().Sub(t)
}

// Schedule runs fn on its own goroutine after d. Negative durations fire
// immediately.
func (k Clock) Schedule(d time.Duration, fn func()) Timer {
	if d < 0 {
		d = 0
	}

	return k.c.AfterFunc(d, fn)
}
