// Package clock provides the wall-clock and timer abstraction used by the
// sync core, plus a monotonic logical sequence.
//
// Components never call time.Now or time.AfterFunc directly. The safety
// timeout and queue retry schedules go through Clock so tests can drive
// them with testutil.FakeClock.
package clock

import "time"

// Clock reports the current time and schedules callbacks.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	// Stop prevents the callback from firing. Returns false if the
	// callback already fired or the timer was already stopped.
	Stop() bool
}

// Real is the production Clock backed by the time package.
type Real struct{}

// Now returns time.Now().
func (Real) Now() time.Time {
	return time.Now()
}

// AfterFunc schedules f on its own goroutine after d.
func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
