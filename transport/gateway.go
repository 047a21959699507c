// go-peerfinder - Peer location and connection establishment
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

// Package transport contains the byte level connectivity used by the signaling
// and peer channels: gateways to reach finders, reliable streams with a
// lifecycle, and the ICE based direct transport between peers.
package transport

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/akutz/memconn"
	"github.com/cretz/bine/tor"
	"github.com/google/uuid"
	"golang.org/x/net/proxy"
)

// mockNetwork is the memconn network used by mock gateways. The buffered
// variant keeps writers from stalling on a slow reader, like a real socket.
const mockNetwork = "memb"

// Gateway is an entry point into the network used to reach finder servers. Live
// code should use a direct or Tor gateway. The purpose of this interface is to
// also provide a mock implementation for testing in memory.
type Gateway interface {
	// Dial opens a stream connection to the given host:port address.
	Dial(ctx context.Context, addr string) (net.Conn, error)
}

// NewDirectGateway creates a gateway dialing straight through the operating
// system's network stack.
func NewDirectGateway() Gateway {
	return NewProxyGateway(proxy.Direct)
}

// NewProxyGateway creates a gateway passing all connections through an arbitrary
// proxy, such as a SOCKS5 dialer from the proxy package.
func NewProxyGateway(dialer proxy.Dialer) Gateway {
	return &proxyGateway{dialer: dialer}
}

// proxyGateway dials through a generic proxy dialer.
type proxyGateway struct {
	dialer proxy.Dialer
}

// Dial opens a stream connection through the proxy, honoring the context if the
// dialer supports it.
func (gw *proxyGateway) Dial(ctx context.Context, addr string) (net.Conn, error) {
	if dialer, ok := gw.dialer.(proxy.ContextDialer); ok {
		return dialer.DialContext(ctx, "tcp", addr)
	}
	return gw.dialer.Dial("tcp", addr)
}

// NewTorGateway creates a new live Tor proxy that passes all finder traffic
// through the global public Tor network.
func NewTorGateway(proxy *tor.Tor) Gateway {
	return &torGateway{proxy: proxy}
}

// torGateway is a live Tor proxy using the global public network.
type torGateway struct {
	proxy  *tor.Tor
	dialer proxy.Dialer // Lazily created circuit dialer

	lock sync.Mutex
}

// Dial opens a stream connection through Tor.
func (gw *torGateway) Dial(ctx context.Context, addr string) (net.Conn, error) {
	gw.lock.Lock()
	if gw.dialer == nil {
		dialer, err := gw.proxy.Dialer(ctx, nil)
		if err != nil {
			gw.lock.Unlock()
			return nil, err
		}
		gw.dialer = dialer
	}
	dialer := gw.dialer
	gw.lock.Unlock()

	return dialer.Dial("tcp", addr)
}

// MockGateway simulates a network, but short circuits all connections locally
// via in-memory pipes. Every mock gateway is its own isolated network.
type MockGateway struct {
	namespace string // Unique prefix isolating this gateway's addresses
}

// NewMockGateway creates a new isolated in-memory network.
func NewMockGateway() *MockGateway {
	return &MockGateway{namespace: uuid.NewString() + "/"}
}

// Listen opens an in-memory listener reachable through this gateway's Dial.
func (gw *MockGateway) Listen(addr string) (net.Listener, error) {
	return memconn.Listen(mockNetwork, gw.namespace+addr)
}

// Dial connects to an in-memory listener previously opened on this gateway.
func (gw *MockGateway) Dial(ctx context.Context, addr string) (net.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, err := memconn.Dial(mockNetwork, gw.namespace+addr)
	if err != nil {
		return nil, errors.New("unknown destination address")
	}
	return conn, nil
}
