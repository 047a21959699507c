// go-peerfinder - Peer location and connection establishment
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package peerlocation

import (
	"time"

	"github.com/coronanet/go-peerfinder/params"
	"github.com/coronanet/go-peerfinder/protocols"
	"github.com/coronanet/go-peerfinder/token"
	"github.com/coronanet/go-peerfinder/transport"
	"github.com/ethereum/go-ethereum/log"
	"github.com/pion/webrtc/v4"
)

// DirectTransport is a direct connectivity attempt towards a remote location.
type DirectTransport interface {
	State() transport.DirectState
	Err() error
	Candidates() transport.LocalCandidates
	SetRemote(description string) error
	Stream() *transport.Stream
	Cancel()
}

// DirectFactory creates a direct transport. The offerer side produces the
// initial session description, the other side answers it. The notify callback
// must be invoked on every candidate or state change.
type DirectFactory func(offerer bool, notify func()) (DirectTransport, error)

// ICEFactory creates direct transports negotiated with ICE through the given
// STUN and TURN servers.
func ICEFactory(servers []webrtc.ICEServer, logger log.Logger) DirectFactory {
	return func(offerer bool, notify func()) (DirectTransport, error) {
		t, err := transport.NewICETransport(transport.ICEConfig{
			Offerer:     offerer,
			Servers:     servers,
			IdleTimeout: params.PeerIdleTimeout,
			Notify:      notify,
			Logger:      logger,
		})
		if err != nil {
			return nil, err
		}
		return t, nil
	}
}

// Signaling is the finder side of an instance: pushing notifies to the remote
// location and opening relay channels towards it.
type Signaling interface {
	Send(msg *protocols.Envelope) error
	DialRelay(header *protocols.RelayHeader, idle time.Duration, notify func()) (*transport.Stream, error)
	RelayProof(resource string) token.Token
}
