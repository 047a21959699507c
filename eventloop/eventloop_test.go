// go-peerfinder - Peer location and connection establishment
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package eventloop

import (
	"testing"
	"time"
)

// Tests that tasks run in posting order, including tasks posted from within
// other tasks, and that closing drains the queue.
func TestLoopOrdering(t *testing.T) {
	loop := New()

	var order []int
	loop.Post(func() {
		order = append(order, 1)
		loop.Post(func() { order = append(order, 3) })
	})
	loop.Post(func() { order = append(order, 2) })
	loop.Post(func() { loop.Close() })

	select {
	case <-loop.Done():
	case <-time.After(time.Second):
		t.Fatalf("Loop did not terminate")
	}
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("Task order mismatch: have %v, want [1 2 3]", order)
	}
	if loop.Post(func() {}) {
		t.Fatalf("Closed loop accepted a task")
	}
}

// Tests that synchronous calls wait for execution and fail after closing.
func TestLoopCall(t *testing.T) {
	loop := New()

	var ran bool
	if !loop.Call(func() { ran = true }) {
		t.Fatalf("Failed to execute synchronous call")
	}
	if !ran {
		t.Fatalf("Synchronous call returned before executing")
	}
	loop.Close()
	<-loop.Done()

	if loop.Call(func() {}) {
		t.Fatalf("Closed loop executed a synchronous call")
	}
}
