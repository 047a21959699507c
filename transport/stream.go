// go-peerfinder - Peer location and connection establishment
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

var (
	// ErrStreamCancelled is the shutdown reason of a stream cancelled locally.
	ErrStreamCancelled = errors.New("stream cancelled")

	// ErrStreamNotConnected is returned when reading or writing a stream that is
	// not connected yet.
	ErrStreamNotConnected = errors.New("stream not connected")

	// ErrStreamIdle is the shutdown reason of a stream torn down by its idle
	// breaker.
	ErrStreamIdle = errors.New("stream idle timeout")
)

// StreamState is the lifecycle of a reliable stream. It only ever advances.
type StreamState int

const (
	StreamPending   StreamState = iota // Connection being established
	StreamConnected                    // Bytes can be exchanged
	StreamShutdown                     // Terminated, see Err for the reason
)

// String implements fmt.Stringer.
func (s StreamState) String() string {
	switch s {
	case StreamPending:
		return "pending"
	case StreamConnected:
		return "connected"
	case StreamShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Stream is a reliable duplex byte stream with an observable lifecycle. Any
// read or write failure shuts the stream down permanently.
//
// The notify callback is invoked without any locks held whenever the state
// changes. It carries no arguments, consumers are expected to re-read State.
type Stream struct {
	conn   net.Conn           // Underlying connection, nil while pending
	state  StreamState        // Current lifecycle state
	err    error              // Reason of the shutdown
	notify func()             // State change callback
	cancel context.CancelFunc // Aborts an in-progress dial

	lock sync.RWMutex
}

// DialStream starts connecting to an address through a gateway and returns a
// pending stream immediately. If idle is non-zero, the stream is torn down when
// no traffic crosses it for that long.
func DialStream(gateway Gateway, addr string, idle time.Duration, notify func()) *Stream {
	return DialStreamPrelude(gateway, addr, idle, nil, notify)
}

// DialStreamPrelude is like DialStream, but runs a prelude on the raw connection
// before reporting it connected. A failing prelude shuts the stream down.
func DialStreamPrelude(gateway Gateway, addr string, idle time.Duration, prelude func(net.Conn) error, notify func()) *Stream {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Stream{
		state:  StreamPending,
		notify: notify,
		cancel: cancel,
	}
	go func() {
		conn, err := gateway.Dial(ctx, addr)
		if err != nil {
			s.shutdown(fmt.Errorf("dial %s failed: %w", addr, err))
			return
		}
		if prelude != nil {
			if err := prelude(conn); err != nil {
				conn.Close()
				s.shutdown(fmt.Errorf("prelude %s failed: %w", addr, err))
				return
			}
		}
		s.connected(conn, idle)
	}()
	return s
}

// NewStream wraps an already established connection into a connected stream.
func NewStream(conn net.Conn, idle time.Duration, notify func()) *Stream {
	if idle > 0 {
		conn = newBreaker(conn, idle)
	}
	return &Stream{
		conn:   conn,
		state:  StreamConnected,
		notify: notify,
		cancel: func() {},
	}
}

// ClosedStream creates a stream that is already shut down with the given
// reason, standing in for a stream that could not even be attempted.
func ClosedStream(reason error) *Stream {
	return &Stream{
		state:  StreamShutdown,
		err:    reason,
		cancel: func() {},
	}
}

// connected finalizes a successful dial, unless the stream was cancelled in
// the meantime.
func (s *Stream) connected(conn net.Conn, idle time.Duration) {
	if idle > 0 {
		conn = newBreaker(conn, idle)
	}
	s.lock.Lock()
	if s.state != StreamPending {
		s.lock.Unlock()
		conn.Close()
		return
	}
	s.conn, s.state = conn, StreamConnected
	s.lock.Unlock()

	if s.notify != nil {
		s.notify()
	}
}

// shutdown terminates the stream with the given reason. Only the first reason
// is retained.
func (s *Stream) shutdown(reason error) {
	s.lock.Lock()
	if s.state == StreamShutdown {
		s.lock.Unlock()
		return
	}
	s.state, s.err = StreamShutdown, reason
	conn := s.conn
	s.lock.Unlock()

	s.cancel()
	if conn != nil {
		conn.Close()
	}
	if s.notify != nil {
		s.notify()
	}
}

// State returns the current lifecycle state.
func (s *Stream) State() StreamState {
	s.lock.RLock()
	defer s.lock.RUnlock()

	return s.state
}

// Err returns the shutdown reason, nil while the stream is live.
func (s *Stream) Err() error {
	s.lock.RLock()
	defer s.lock.RUnlock()

	return s.err
}

// Read implements io.Reader. It blocks until data arrives.
func (s *Stream) Read(buf []byte) (int, error) {
	s.lock.RLock()
	conn, err := s.conn, s.err
	s.lock.RUnlock()

	if err != nil {
		return 0, err
	}
	if conn == nil {
		return 0, ErrStreamNotConnected
	}
	n, err := conn.Read(buf)
	if err != nil {
		s.shutdown(s.classify(conn, err))
	}
	return n, err
}

// Write implements io.Writer.
func (s *Stream) Write(buf []byte) (int, error) {
	s.lock.RLock()
	conn, err := s.conn, s.err
	s.lock.RUnlock()

	if err != nil {
		return 0, err
	}
	if conn == nil {
		return 0, ErrStreamNotConnected
	}
	n, err := conn.Write(buf)
	if err != nil {
		s.shutdown(s.classify(conn, err))
	}
	return n, err
}

// Cancel tears the stream down. Cancelling a shut down stream is a no-op.
func (s *Stream) Cancel() {
	s.shutdown(ErrStreamCancelled)
}

// classify maps a connection failure to a shutdown reason.
func (s *Stream) classify(conn net.Conn, err error) error {
	if b, ok := conn.(*breaker); ok && b.tripped.Load() {
		return ErrStreamIdle
	}
	return err
}
