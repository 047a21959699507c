// go-peerfinder - Peer location and connection establishment
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

// Package eventloop implements the single goroutine mailbox that every protocol
// state machine runs on. Collaborator callbacks never touch state machine fields
// directly, they post a closure into the owner's loop and return immediately.
package eventloop

import "sync"

// Loop is an unbounded FIFO of closures executed one at a time on a dedicated
// goroutine. Posting never blocks, so a task may freely post follow-up tasks to
// its own loop.
type Loop struct {
	queue  []func()      // Tasks waiting for execution
	wake   chan struct{} // Notification channel for newly queued tasks
	closed bool          // Whether new tasks are rejected
	done   chan struct{} // Closed when the loop goroutine terminates

	lock sync.Mutex
}

// New creates a mailbox and starts its executor goroutine.
func New() *Loop {
	loop := &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go loop.run()
	return loop
}

// Post schedules a task for execution. It returns false if the loop is already
// closed, in which case the task is dropped.
func (l *Loop) Post(task func()) bool {
	l.lock.Lock()
	if l.closed {
		l.lock.Unlock()
		return false
	}
	l.queue = append(l.queue, task)
	l.lock.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Call schedules a task and waits until it has been executed. It returns false
// without running the task if the loop is closed.
//
// Note, calling this method from within a task of the same loop deadlocks.
func (l *Loop) Call(task func()) bool {
	executed := make(chan struct{})
	if !l.Post(func() { task(); close(executed) }) {
		return false
	}
	select {
	case <-executed:
		return true
	case <-l.done:
		// The loop drains everything accepted before closing, so the task ran
		// unless it panicked.
		select {
		case <-executed:
			return true
		default:
			return false
		}
	}
}

// Close stops accepting new tasks. Tasks already queued are still executed
// before the goroutine exits. Closing from within a task is allowed.
func (l *Loop) Close() {
	l.lock.Lock()
	l.closed = true
	l.lock.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Done returns a channel closed once the loop has terminated.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// run executes queued tasks until the loop is closed and drained.
func (l *Loop) run() {
	defer close(l.done)

	for {
		l.lock.Lock()
		tasks, closed := l.queue, l.closed
		l.queue = nil
		l.lock.Unlock()

		for _, task := range tasks {
			task()
		}
		if len(tasks) > 0 {
			continue
		}
		if closed {
			return
		}
		<-l.wake
	}
}
