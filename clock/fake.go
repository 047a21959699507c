// go-peerfinder - Peer location and connection establishment
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a manually advanced clock. Timers only fire from within Advance, in
// deadline order, on the goroutine calling Advance.
type Fake struct {
	now    time.Time
	timers []*fakeTimer
	lock   sync.Mutex
}

// fakeTimer is a pending callback of a fake clock.
type fakeTimer struct {
	clock    *Fake
	deadline time.Time
	callback func()
	done     bool
}

// NewFake creates a fake clock frozen at the given time.
func NewFake(now time.Time) *Fake {
	return &Fake{now: now}
}

// Now returns the current fake time.
func (c *Fake) Now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.now
}

// AfterFunc registers f to be called once the clock is advanced past d.
func (c *Fake) AfterFunc(d time.Duration, f func()) Timer {
	c.lock.Lock()
	defer c.lock.Unlock()

	timer := &fakeTimer{clock: c, deadline: c.now.Add(d), callback: f}
	c.timers = append(c.timers, timer)
	return timer
}

// Pending returns the number of timers not yet fired or stopped.
func (c *Fake) Pending() int {
	c.lock.Lock()
	defer c.lock.Unlock()

	var n int
	for _, timer := range c.timers {
		if !timer.done {
			n++
		}
	}
	return n
}

// Advance moves the clock forward and fires every timer that became due.
// Callbacks run synchronously, without the clock lock held.
func (c *Fake) Advance(d time.Duration) {
	c.lock.Lock()
	c.now = c.now.Add(d)

	var due []*fakeTimer
	live := c.timers[:0]
	for _, timer := range c.timers {
		switch {
		case timer.done:
		case !timer.deadline.After(c.now):
			timer.done = true
			due = append(due, timer)
		default:
			live = append(live, timer)
		}
	}
	c.timers = live
	c.lock.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	for _, timer := range due {
		timer.callback()
	}
}

// Stop cancels the timer if it has not fired yet.
func (t *fakeTimer) Stop() bool {
	t.clock.lock.Lock()
	defer t.clock.lock.Unlock()

	if t.done {
		return false
	}
	t.done = true
	return true
}
