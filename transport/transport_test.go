// go-peerfinder - Peer location and connection establishment
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

// waitStream blocks until a stream reaches the given state or the test times out.
func waitStream(t *testing.T, s *Stream, changes chan struct{}, want StreamState) {
	t.Helper()

	timeout := time.After(3 * time.Second)
	for s.State() != want {
		select {
		case <-changes:
		case <-timeout:
			t.Fatalf("Stream state mismatch: have %v, want %v", s.State(), want)
		}
	}
}

// notifier creates a stream notification callback feeding a channel.
func notifier() (func(), chan struct{}) {
	changes := make(chan struct{}, 16)
	return func() {
		select {
		case changes <- struct{}{}:
		default:
		}
	}, changes
}

// Tests that mock gateways connect in memory and stay isolated from each other.
func TestMockGateway(t *testing.T) {
	gw1, gw2 := NewMockGateway(), NewMockGateway()

	listener, err := gw1.Listen("finder:4000")
	if err != nil {
		t.Fatalf("Failed to open listener: %v", err)
	}
	defer listener.Close()

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		io.Copy(conn, conn)
	}()
	conn, err := gw1.Dial(context.Background(), "finder:4000")
	if err != nil {
		t.Fatalf("Failed to dial mock finder: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(conn, buf); err != nil || string(buf) != "ping" {
		t.Fatalf("Echo mismatch: have %q/%v, want ping", buf, err)
	}
	if _, err := gw2.Dial(context.Background(), "finder:4000"); err == nil {
		t.Fatalf("Isolated gateway reached foreign listener")
	}
}

// Tests that a dialed stream goes through its lifecycle and cancels idempotently.
func TestStreamLifecycle(t *testing.T) {
	gw := NewMockGateway()
	listener, err := gw.Listen("peer:1")
	if err != nil {
		t.Fatalf("Failed to open listener: %v", err)
	}
	defer listener.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err == nil {
			accepted <- conn
		}
	}()
	notify, changes := notifier()
	stream := DialStream(gw, "peer:1", 0, notify)
	waitStream(t, stream, changes, StreamConnected)

	remote := <-accepted
	if _, err := stream.Write([]byte("hi")); err != nil {
		t.Fatalf("Failed to write stream: %v", err)
	}
	buf := make([]byte, 2)
	if _, err := io.ReadFull(remote, buf); err != nil || string(buf) != "hi" {
		t.Fatalf("Stream payload mismatch: have %q/%v", buf, err)
	}
	stream.Cancel()
	stream.Cancel()
	if stream.State() != StreamShutdown || !errors.Is(stream.Err(), ErrStreamCancelled) {
		t.Fatalf("Cancelled stream mismatch: state %v, err %v", stream.State(), stream.Err())
	}
	if _, err := stream.Write([]byte("x")); err == nil {
		t.Fatalf("Write succeeded on cancelled stream")
	}
}

// Tests that failing dials and remote closes shut the stream down.
func TestStreamFailures(t *testing.T) {
	gw := NewMockGateway()

	notify, changes := notifier()
	stream := DialStream(gw, "nowhere:1", 0, notify)
	waitStream(t, stream, changes, StreamShutdown)
	if stream.Err() == nil {
		t.Fatalf("Failed dial reported no error")
	}
	// Remote side hanging up must surface on the next read
	local, remote := net.Pipe()
	notify, changes = notifier()
	stream = NewStream(local, 0, notify)

	remote.Close()
	if _, err := stream.Read(make([]byte, 1)); err == nil {
		t.Fatalf("Read succeeded on closed pipe")
	}
	waitStream(t, stream, changes, StreamShutdown)
}

// Tests that a dial prelude runs before the stream is reported connected and
// that a failing prelude tears it down.
func TestStreamPrelude(t *testing.T) {
	gw := NewMockGateway()
	listener, err := gw.Listen("relay:1")
	if err != nil {
		t.Fatalf("Failed to open listener: %v", err)
	}
	defer listener.Close()

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go io.Copy(io.Discard, conn)
		}
	}()
	var ran bool
	notify, changes := notifier()
	stream := DialStreamPrelude(gw, "relay:1", 0, func(conn net.Conn) error {
		ran = true
		_, err := conn.Write([]byte("header\n"))
		return err
	}, notify)
	waitStream(t, stream, changes, StreamConnected)
	if !ran {
		t.Fatalf("Prelude not executed before connect")
	}
	stream.Cancel()

	failure := errors.New("rejected")
	notify, changes = notifier()
	stream = DialStreamPrelude(gw, "relay:1", 0, func(net.Conn) error { return failure }, notify)
	waitStream(t, stream, changes, StreamShutdown)
	if !errors.Is(stream.Err(), failure) {
		t.Fatalf("Prelude failure mismatch: have %v, want %v", stream.Err(), failure)
	}
}

// Tests that the idle breaker tears silent streams down.
func TestStreamIdleBreaker(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	notify, changes := notifier()
	stream := NewStream(local, 50*time.Millisecond, notify)

	go stream.Read(make([]byte, 1))
	waitStream(t, stream, changes, StreamShutdown)
	if !errors.Is(stream.Err(), ErrStreamIdle) {
		t.Fatalf("Idle shutdown reason mismatch: have %v, want %v", stream.Err(), ErrStreamIdle)
	}
}

// Tests that two ICE transports on the same machine negotiate a direct stream
// through loopback candidates.
func TestICELoopback(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping ICE negotiation in short mode")
	}
	offerNotify, offerChanges := notifier()
	offerer, err := NewICETransport(ICEConfig{Offerer: true, Notify: offerNotify})
	if err != nil {
		t.Fatalf("Failed to create offerer: %v", err)
	}
	defer offerer.Cancel()

	answerNotify, answerChanges := notifier()
	answerer, err := NewICETransport(ICEConfig{Notify: answerNotify})
	if err != nil {
		t.Fatalf("Failed to create answerer: %v", err)
	}
	defer answerer.Cancel()

	waitFinal := func(ice *ICETransport, changes chan struct{}) LocalCandidates {
		timeout := time.After(10 * time.Second)
		for {
			if local := ice.Candidates(); local.Final {
				return local
			}
			select {
			case <-changes:
			case <-timeout:
				t.Fatalf("Candidate gathering timed out")
			}
		}
	}
	offer := waitFinal(offerer, offerChanges)
	if offer.Description == "" || len(offer.Candidates) == 0 {
		t.Fatalf("Offer incomplete: %d candidates, description %q", len(offer.Candidates), offer.Description)
	}
	if err := answerer.SetRemote(offer.Description); err != nil {
		t.Fatalf("Failed to apply offer: %v", err)
	}
	answer := waitFinal(answerer, answerChanges)
	if err := offerer.SetRemote(answer.Description); err != nil {
		t.Fatalf("Failed to apply answer: %v", err)
	}
	if err := offerer.SetRemote(answer.Description); !errors.Is(err, ErrRemoteAlreadySet) {
		t.Fatalf("Duplicate remote error mismatch: have %v, want %v", err, ErrRemoteAlreadySet)
	}
	waitConnected := func(ice *ICETransport, changes chan struct{}) *Stream {
		timeout := time.After(10 * time.Second)
		for ice.State() != DirectConnected {
			select {
			case <-changes:
			case <-timeout:
				t.Fatalf("Direct connection timed out: state %v, err %v", ice.State(), ice.Err())
			}
		}
		return ice.Stream()
	}
	out := waitConnected(offerer, offerChanges)
	in := waitConnected(answerer, answerChanges)

	payload := make([]byte, 3*dataChannelWriteChunk+7)
	for i := range payload {
		payload[i] = byte(i)
	}
	go out.Write(payload)

	recv := make([]byte, len(payload))
	if _, err := io.ReadFull(in, recv); err != nil {
		t.Fatalf("Failed to read direct stream: %v", err)
	}
	for i := range payload {
		if recv[i] != payload[i] {
			t.Fatalf("Payload mismatch at byte %d", i)
		}
	}
}
