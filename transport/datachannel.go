// go-peerfinder - Peer location and connection establishment
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package transport

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

const (
	// dataChannelReadBuffer must hold the largest message a peer may send, since
	// detached data channels refuse to split a message across reads.
	dataChannelReadBuffer = 64 * 1024

	// dataChannelWriteChunk is the largest message written to a data channel.
	dataChannelWriteChunk = 16 * 1024
)

// errDeadlinesUnsupported is returned by the deadline setters of data channel
// connections. Idleness is enforced by the stream breaker instead.
var errDeadlinesUnsupported = errors.New("data channel deadlines unsupported")

// dataChannelConn turns the message oriented detached data channel into a plain
// byte stream, buffering partially consumed messages and chunking large writes.
type dataChannelConn struct {
	rwc   io.ReadWriteCloser
	label string

	buffer  []byte // Scratch space for whole messages
	pending []byte // Unconsumed tail of the last message
	rlock   sync.Mutex
	wlock   sync.Mutex
}

// newDataChannelConn wraps a detached data channel into a net.Conn.
func newDataChannelConn(rwc io.ReadWriteCloser, label string) *dataChannelConn {
	return &dataChannelConn{
		rwc:    rwc,
		label:  label,
		buffer: make([]byte, dataChannelReadBuffer),
	}
}

// Read implements net.Conn.
func (c *dataChannelConn) Read(buf []byte) (int, error) {
	c.rlock.Lock()
	defer c.rlock.Unlock()

	if len(c.pending) == 0 {
		n, err := c.rwc.Read(c.buffer)
		if err != nil {
			return 0, err
		}
		c.pending = c.buffer[:n]
	}
	n := copy(buf, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

// Write implements net.Conn.
func (c *dataChannelConn) Write(buf []byte) (int, error) {
	c.wlock.Lock()
	defer c.wlock.Unlock()

	var written int
	for len(buf) > 0 {
		chunk := buf
		if len(chunk) > dataChannelWriteChunk {
			chunk = chunk[:dataChannelWriteChunk]
		}
		n, err := c.rwc.Write(chunk)
		written += n
		if err != nil {
			return written, err
		}
		buf = buf[len(chunk):]
	}
	return written, nil
}

// Close implements net.Conn.
func (c *dataChannelConn) Close() error { return c.rwc.Close() }

// LocalAddr implements net.Conn with a synthetic address.
func (c *dataChannelConn) LocalAddr() net.Addr { return dataChannelAddr(c.label) }

// RemoteAddr implements net.Conn with a synthetic address.
func (c *dataChannelConn) RemoteAddr() net.Addr { return dataChannelAddr(c.label) }

func (c *dataChannelConn) SetDeadline(time.Time) error      { return errDeadlinesUnsupported }
func (c *dataChannelConn) SetReadDeadline(time.Time) error  { return errDeadlinesUnsupported }
func (c *dataChannelConn) SetWriteDeadline(time.Time) error { return errDeadlinesUnsupported }

// dataChannelAddr is a synthetic net.Addr for data channel connections.
type dataChannelAddr string

func (a dataChannelAddr) Network() string { return "webrtc" }
func (a dataChannelAddr) String() string  { return string(a) }
