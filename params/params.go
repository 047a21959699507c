// go-peerfinder - Peer location and connection establishment
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

// Package params contains constants relevant to all subsystems.
package params

import "time"

const (
	// FinderCreateTimeout is the maximum time to wait for the finder to answer a
	// session-create request before abandoning the session.
	FinderCreateTimeout = 60 * time.Second

	// FinderKeepAliveTimeout is the maximum time to wait for the finder to answer
	// a session-keepalive request.
	FinderKeepAliveTimeout = 60 * time.Second

	// FinderDeleteTimeout is the maximum time a graceful shutdown waits for the
	// finder to acknowledge a session-delete request.
	FinderDeleteTimeout = 5 * time.Second

	// FinderKeepAliveMargin is how long before the session expiry the renewal is
	// sent out.
	FinderKeepAliveMargin = time.Minute

	// FinderMinKeepAlive is the shortest renewal period ever scheduled, to avoid
	// hammering a finder that hands out very short sessions.
	FinderMinKeepAlive = 30 * time.Second

	// FinderRelayTokenValidity is the lifetime of the relay proofs presented when
	// opening a relay channel.
	FinderRelayTokenValidity = 2 * time.Minute
)

const (
	// PeerFindTimeout is the maximum time to wait for the finder to acknowledge
	// a peer-location-find request.
	PeerFindTimeout = 60 * time.Second

	// PeerIdentifyTimeout is the maximum time to wait for a remote location to
	// answer a peer-identify request.
	PeerIdentifyTimeout = 60 * time.Second

	// PeerKeepAliveInterval is the period between peer-keepalive requests once a
	// peer location is connected.
	PeerKeepAliveInterval = 30 * time.Second

	// PeerKeepAliveTimeout is the maximum time to wait for a keepalive result.
	// Missing results are logged but do not tear the location down.
	PeerKeepAliveTimeout = 20 * time.Second

	// PeerFindValidity is the lifetime of the find proof presented in the
	// identify handshake.
	PeerFindValidity = 2 * time.Minute

	// DirectConnectTimeout is the time a direct transport is given to connect
	// before the outgoing side falls back to the relay channel.
	DirectConnectTimeout = 10 * time.Second

	// PeerIdleTimeout is the maximum time a connected stream may stay silent
	// before it is torn down. It must exceed the keepalive interval.
	PeerIdleTimeout = 2 * time.Minute
)

const (
	// MaxFrameSize is the largest document accepted from any stream, framed or
	// newline delimited.
	MaxFrameSize = 1 << 20

	// ProtocolVersion is the version of the peer-to-peer documents spoken over
	// established channels.
	ProtocolVersion = 1
)
