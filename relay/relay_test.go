// go-peerfinder - Peer location and connection establishment
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package relay

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/coronanet/go-peerfinder/identity"
	"github.com/coronanet/go-peerfinder/protocols"
	"github.com/coronanet/go-peerfinder/secchan"
	"github.com/coronanet/go-peerfinder/transport"
)

// testSide is one end of a relay channel under test.
type testSide struct {
	self    *identity.PeerFile
	keys    secchan.KeyPair
	stream  *transport.Stream
	changes chan struct{}
}

func newTestSide(t *testing.T, conn net.Conn) *testSide {
	t.Helper()

	self, err := identity.GeneratePeerFile("example.org")
	if err != nil {
		t.Fatalf("Failed to generate peer file: %v", err)
	}
	keys, err := secchan.GenerateKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}
	return &testSide{
		self:    self,
		keys:    keys,
		stream:  transport.NewStream(conn, 0, nil),
		changes: make(chan struct{}, 1),
	}
}

func (s *testSide) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

// waitState blocks until a channel reaches the wanted state.
func waitState(t *testing.T, c *Channel, changes chan struct{}, want State) {
	t.Helper()

	timeout := time.After(5 * time.Second)
	for c.State() != want {
		select {
		case <-changes:
		case <-time.After(10 * time.Millisecond):
		case <-timeout:
			t.Fatalf("Channel state mismatch: have %v, want %v (err %v)", c.State(), want, c.Err())
		}
	}
}

// newPair creates an initiating and an accepting channel over an in-memory
// pipe. The acceptor resolves keys through the given resolver.
func newPair(t *testing.T, resolver func(a *testSide) KeyResolver) (*Channel, *Channel, *testSide, *testSide) {
	t.Helper()

	left, right := net.Pipe()
	a, b := newTestSide(t, left), newTestSide(t, right)

	var acceptor *Channel
	acceptor = NewIncoming(IncomingConfig{
		Open:     Existing(b.stream),
		Self:     b.self,
		Resolver: resolver(a),
		OnNeedsContext: func() {
			acceptor.SetIncomingContext("ctx-b", b.keys)
		},
		Notify: b.notify,
	})
	initiator := NewOutgoing(OutgoingConfig{
		Open:          Existing(a.stream),
		Self:          a.self,
		Keys:          a.keys,
		LocalContext:  "ctx-a",
		RemotePeer:    b.self.URI(),
		RemoteContext: "ctx-b",
		RemoteDH:      b.keys.Public,
		Notify:        a.notify,
	})
	return initiator, acceptor, a, b
}

// Tests that an initiating and an accepting channel secure a stream, with the
// acceptor mapping itself to a context on demand.
func TestChannelHandshake(t *testing.T) {
	initiator, acceptor, a, b := newPair(t, func(a *testSide) KeyResolver {
		return KeyResolverFunc(func(uri string) (identity.PublicKey, bool) {
			if uri == a.self.URI() {
				return a.self.Key.Public(), true
			}
			return nil, false
		})
	})
	defer initiator.Cancel()
	defer acceptor.Cancel()

	waitState(t, initiator, a.changes, StateConnected)
	waitState(t, acceptor, b.changes, StateConnected)

	if peer := initiator.RemotePeer(); peer != b.self.URI() {
		t.Fatalf("Initiator remote mismatch: have %s, want %s", peer, b.self.URI())
	}
	if peer := acceptor.RemotePeer(); peer != a.self.URI() {
		t.Fatalf("Acceptor remote mismatch: have %s, want %s", peer, a.self.URI())
	}
	// Exchange a framed document over the secured stream
	go protocols.NewFrameWriter(initiator.ReadWriter()).Write(&protocols.Envelope{
		ID:            "1",
		PeerKeepAlive: &protocols.PeerKeepAlive{},
	})
	msg := new(protocols.Envelope)
	if err := protocols.NewFrameReader(acceptor.ReadWriter()).Read(msg); err != nil {
		t.Fatalf("Failed to read secured frame: %v", err)
	}
	if msg.ID != "1" || msg.PeerKeepAlive == nil {
		t.Fatalf("Secured frame mismatch: have %+v", msg)
	}
}

// Tests that an acceptor unable to resolve the initiator's key rejects the
// channel, taking the initiator down with it.
func TestChannelUnknownSigner(t *testing.T) {
	initiator, acceptor, a, b := newPair(t, func(*testSide) KeyResolver {
		return KeyResolverFunc(func(string) (identity.PublicKey, bool) { return nil, false })
	})
	defer initiator.Cancel()

	waitState(t, acceptor, b.changes, StateShutdown)
	if err := acceptor.Err(); err == nil || err.Code != protocols.CodeForbidden {
		t.Fatalf("Acceptor failure mismatch: have %v, want code %d", err, protocols.CodeForbidden)
	}
	waitState(t, initiator, a.changes, StateShutdown)
}

// Tests that only the first error is retained and that cancelling repeatedly
// is harmless.
func TestChannelFirstErrorWins(t *testing.T) {
	left, right := net.Pipe()
	defer right.Close()

	a := newTestSide(t, left)
	c := NewOutgoing(OutgoingConfig{
		Open:         Existing(a.stream),
		Self:         a.self,
		Keys:         a.keys,
		LocalContext: "ctx-a",
		Notify:       a.notify,
	})
	c.SetError(protocols.CodeTimeout, "first")
	c.SetError(protocols.CodeInternal, "second")
	c.Cancel()

	waitState(t, c, a.changes, StateShutdown)
	if err := c.Err(); err.Code != protocols.CodeTimeout || err.Reason != "first" {
		t.Fatalf("Retained error mismatch: have %v, want %d first", err, protocols.CodeTimeout)
	}
	if a.stream.State() != transport.StreamShutdown {
		t.Fatalf("Underlying stream left open")
	}
	if c.ReadWriter() != nil {
		t.Fatalf("Shut down channel exposed its stream")
	}
}

// Tests that subscribers get the current state first and then every transition.
func TestChannelSubscribe(t *testing.T) {
	left, right := net.Pipe()
	defer right.Close()

	a := newTestSide(t, left)
	c := NewOutgoing(OutgoingConfig{
		Open:         Existing(a.stream),
		Self:         a.self,
		Keys:         a.keys,
		LocalContext: "ctx-a",
	})
	var (
		states []State
		lock   sync.Mutex
	)
	c.Subscribe(func(s State) {
		lock.Lock()
		states = append(states, s)
		lock.Unlock()
	})
	c.Cancel()

	select {
	case <-c.loop.Done():
	case <-time.After(time.Second):
		t.Fatalf("Channel loop not terminated")
	}
	lock.Lock()
	defer lock.Unlock()

	if len(states) == 0 || states[len(states)-1] != StateShutdown {
		t.Fatalf("Subscription mismatch: have %v, want trailing %v", states, StateShutdown)
	}
	for i, s := range states[:len(states)-1] {
		if s == StateShutdown || s == StateConnected {
			t.Fatalf("Unexpected state %d: %v", i, s)
		}
	}
	// A subscriber arriving after teardown must still learn the final state
	var late []State
	c.Subscribe(func(s State) { late = append(late, s) })
	if len(late) != 1 || late[0] != StateShutdown {
		t.Fatalf("Late subscription mismatch: have %v, want [%v]", late, StateShutdown)
	}
}
