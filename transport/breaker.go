// go-peerfinder - Peer location and connection establishment
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package transport

import (
	"net"
	"sync/atomic"
	"time"
)

// breaker is a net.Conn wrapper that automatically disconnects if no data
// exchange happens for a pre-configured amount of time.
type breaker struct {
	net.Conn // Pass everything non-interesting through

	timeout time.Duration // Duration to reset to on traffic
	breaker *time.Timer   // Timer that will break the connection
	tripped atomic.Bool   // Whether the breaker fired
}

// newBreaker creates a net.Conn wrapper that breaks after a pre-configured time.
func newBreaker(conn net.Conn, timeout time.Duration) *breaker {
	b := &breaker{
		Conn:    conn,
		timeout: timeout,
	}
	b.breaker = time.AfterFunc(timeout, func() {
		b.tripped.Store(true)
		conn.Close()
	})
	return b
}

// Read implements net.Conn, resetting the idle timer within the connection.
func (b *breaker) Read(buf []byte) (int, error) {
	b.breaker.Reset(b.timeout)
	n, err := b.Conn.Read(buf)
	if n > 0 {
		b.breaker.Reset(b.timeout)
	}
	return n, err
}

// Write implements net.Conn, resetting the idle timer within the connection.
func (b *breaker) Write(buf []byte) (int, error) {
	b.breaker.Reset(b.timeout)
	return b.Conn.Write(buf)
}

// Close implements net.Conn, stopping the idle timer too.
func (b *breaker) Close() error {
	b.breaker.Stop()
	return b.Conn.Close()
}
