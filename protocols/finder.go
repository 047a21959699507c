// go-peerfinder - Peer location and connection establishment
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package protocols

import (
	"time"

	"github.com/coronanet/go-peerfinder/identity"
	"github.com/coronanet/go-peerfinder/token"
)

// SessionCreate registers a location with a finder.
type SessionCreate struct {
	Domain    string                  `json:"domain"`    // Domain the finder serves
	FinderID  string                  `json:"finderId"`  // Finder the session is meant for
	Location  identity.LocationInfo   `json:"location"`  // Local location, candidates stripped
	PeerFile  identity.PublicPeerFile `json:"peerFile"`  // Credentials of the local peer
	Created   time.Time               `json:"created"`   // Creation time covered by the signature
	Signature []byte                  `json:"signature"` // Peer signature over the above
}

// SessionCreateResult is the finder's acceptance of a session.
type SessionCreateResult struct {
	ServerAgent string      `json:"serverAgent"` // Software version of the finder
	Expires     time.Time   `json:"expires"`     // Session expiry, renew before
	RelayAccess token.Token `json:"relayAccess"` // Token and secret authorizing relay channels
}

// SessionKeepAlive renews a session.
type SessionKeepAlive struct{}

// SessionKeepAliveResult confirms a renewal.
type SessionKeepAliveResult struct {
	Expires time.Time `json:"expires"` // New session expiry
}

// SessionDelete gracefully ends a session.
type SessionDelete struct {
	Locations []string `json:"locations,omitempty"` // Location ids to unregister, all if empty
}

// SessionDeleteResult confirms a session has been removed.
type SessionDeleteResult struct{}

// PeerLocationFind asks the finder to forward a find to every location of a
// target peer.
type PeerLocationFind struct {
	Target    string                  `json:"target"`              // URI of the searched peer
	Exclude   []string                `json:"exclude,omitempty"`   // Location ids already connected
	From      identity.LocationInfo   `json:"from"`                // Requesting location, no candidates
	PeerFile  identity.PublicPeerFile `json:"peerFile"`            // Credentials of the requester
	DHPublic  []byte                  `json:"dhPublic"`            // Requester key agreement public key
	ContextID string                  `json:"contextId"`           // Requester security context
	FindToken token.Token             `json:"findToken,omitempty"` // Secret the answerer proves in identify
}

// PeerLocationFindResult is the finder's acknowledgement of a forwarded find.
type PeerLocationFindResult struct {
	Locations int `json:"locations"` // Number of target locations reached
}

// PeerLocationFindNotify carries one location's connection parameters to the
// other party of a find, in either direction.
type PeerLocationFindNotify struct {
	FindID    string                  `json:"findId"`    // Id of the originating find request
	Target    LocationRef             `json:"target"`    // Location the notify is routed to
	From      identity.LocationInfo   `json:"from"`      // Sender location with candidates
	PeerFile  identity.PublicPeerFile `json:"peerFile"`  // Credentials of the sender
	DHPublic  []byte                  `json:"dhPublic"`  // Sender key agreement public key
	ContextID string                  `json:"contextId"` // Sender security context
}

// LocationRef addresses a single location of a peer.
type LocationRef struct {
	Peer string `json:"peer"`
	ID   string `json:"id"`
}

// ChannelMapNotify tells a location that a relay channel is waiting for it on
// the finder's relay endpoint.
type ChannelMapNotify struct {
	Channel       uint32      `json:"channel"`       // Relay channel number to attach to
	LocalContext  string      `json:"localContext"`  // Security context of the notified side
	RemoteContext string      `json:"remoteContext"` // Security context of the opening side
	Remote        LocationRef `json:"remote"`        // Location that opened the channel
	RelayProof    token.Token `json:"relayProof"`    // Proof to present on attach
}

// RelayHeader is the single line written on a fresh relay connection before it
// turns into a raw byte pipe.
type RelayHeader struct {
	Channel       uint32      `json:"channel,omitempty"`       // Channel to attach to, 0 to open a new one
	LocalContext  string      `json:"localContext"`            // Security context of the dialer
	RemoteContext string      `json:"remoteContext,omitempty"` // Security context of the far side
	Remote        LocationRef `json:"remote"`                  // Location to connect to
	Proof         token.Token `json:"proof"`                   // Relay access proof
}
