// Package clock abstracts wall time so idle timers and retry backoff can be
// driven deterministically in tests.
package clock

import "time"

// Clock abstracts time-related functions for easier testing.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
	// AfterFunc runs f once d has elapsed. The returned Timer can be stopped
	// or re-armed.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is the subset of *time.Timer used by callers of AfterFunc.
type Timer interface {
	// Stop prevents the timer from firing. It reports whether the call
	// stopped a pending timer.
	Stop() bool
	// Reset re-arms the timer to fire after d. It reports whether the timer
	// was pending before the call.
	Reset(d time.Duration) bool
}

// Real implements Clock using the standard library.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// After mirrors time.After while satisfying the Clock interface.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Sleep blocks for at least the supplied duration.
func (Real) Sleep(d time.Duration) {
	time.Sleep(d)
}

// AfterFunc wraps time.AfterFunc.
func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
