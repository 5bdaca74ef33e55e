// Package clock abstracts wall time so timing-driven components can run
// against a virtual clock in tests.
package clock

import "time"

// Clock supplies the current time and schedulable delays.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f in its own goroutine (Real) or synchronously from
	// Advance (Fake) once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a handle to a pending AfterFunc callback.
type Timer interface {
	// Stop prevents the callback from firing. It reports whether the call
	// stopped the timer, false if it already fired or was stopped.
	Stop() bool
}

// Real is the process wall clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// OrReal returns c, or Real when c is nil.
func OrReal(c Clock) Clock {
	if c == nil {
		return Real{}
	}
	return c
}
