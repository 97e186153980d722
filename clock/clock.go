// Package clock abstracts wall-clock time so retry schedules, reply timeouts
// and dedup retention can be driven deterministically in tests.
package clock

import "time"

// Clock is the subset of the time package used by the bus and its helpers.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once d has
	// elapsed. If d <= 0 the channel is ready immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f once d has elapsed. The returned Timer can cancel
	// a call that has not fired yet.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer cancels a pending AfterFunc callback.
type Timer interface {
	// Stop prevents the callback from firing. It reports whether the
	// call stopped the timer (false if it already fired or was stopped).
	Stop() bool
}

type realClock struct{}

// Real returns a Clock backed by the time package.
func Real() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
