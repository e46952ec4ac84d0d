// Package clock decouples time from the components that consume it so the
// expiry sweeper and throttler can be driven deterministically in tests.
package clock

import "time"

// Clock is the subset of time functionality ingestd components depend on.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// Real is the wall clock. Now reports UTC.
type Real struct{}

// Now returns the current wall-clock time in UTC.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// After defers to time.After.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Sleep defers to time.Sleep.
func (Real) Sleep(d time.Duration) {
	time.Sleep(d)
}
