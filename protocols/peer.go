// go-peerfinder - Peer location and connection establishment
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package protocols

import (
	"time"

	"github.com/coronanet/go-peerfinder/identity"
	"github.com/coronanet/go-peerfinder/token"
)

// PeerIdentify is the first document the finding side sends over an
// established peer channel.
type PeerIdentify struct {
	Versions  []uint                  `json:"versions"`  // Protocol versions supported by the sender
	Location  identity.LocationInfo   `json:"location"`  // Sender location
	PeerFile  identity.PublicPeerFile `json:"peerFile"`  // Sender credentials
	FindProof token.Token             `json:"findProof"` // Proof over the find token for this context
	Expires   time.Time               `json:"expires"`   // Validity of the identification
}

// PeerIdentifyResult accepts an identification.
type PeerIdentifyResult struct {
	Version  uint                  `json:"version"`  // Negotiated protocol version
	Location identity.LocationInfo `json:"location"` // Answering location
}

// PeerKeepAlive checks the liveness of an identified channel.
type PeerKeepAlive struct{}

// PeerKeepAliveResult answers a keepalive.
type PeerKeepAliveResult struct{}

// PeerDisconnect represents a notification that the channel is torn down.
type PeerDisconnect struct {
	Reason string `json:"reason"` // Textual disconnect reason, meant for developers
}
