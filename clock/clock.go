// go-peerfinder - Peer location and connection establishment
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

// Package clock abstracts wall time and timers so that the session state
// machines can be driven deterministically from tests.
package clock

import "time"

// Clock is the source of time for all protocol timers and expiry checks.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc waits for the duration to elapse and then calls f in its own
	// goroutine. The returned timer can be used to cancel the call.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc call.
type Timer interface {
	// Stop prevents the timer from firing. It returns false if the timer has
	// already fired or been stopped.
	Stop() bool
}

// Real returns a clock backed by the time package.
func Real() Clock {
	return realClock{}
}

// realClock is the live wall clock.
type realClock struct{}

// Now returns the current wall time.
func (realClock) Now() time.Time { return time.Now() }

// AfterFunc schedules f on a real timer.
func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
