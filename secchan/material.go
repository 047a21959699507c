// go-peerfinder - Peer location and connection establishment
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package secchan

import (
	"time"

	"github.com/coronanet/go-peerfinder/identity"
	"github.com/coronanet/go-peerfinder/protocols"
)

// Signer identifies who signed a keying material document. Exactly one of the
// fields is set: a side the remote does not know yet embeds its full public
// peer file, otherwise the peer URI is enough.
type Signer struct {
	PeerURI  string                   `json:"uri,omitempty"`
	PeerFile *identity.PublicPeerFile `json:"peerFile,omitempty"`
}

// URI returns the peer URI of the signer in either form.
func (s Signer) URI() string {
	if s.PeerFile != nil {
		return s.PeerFile.URI()
	}
	return s.PeerURI
}

// KeyingMaterial is the signed handshake document each side of a channel sends
// first, binding its key agreement key to its identity and security context.
type KeyingMaterial struct {
	Context       string    `json:"context"`                 // Sender security context
	RemoteContext string    `json:"remoteContext,omitempty"` // Receiver context as known by the sender
	DHPublic      []byte    `json:"dhPublic"`                // Sender key agreement public key
	Expires       time.Time `json:"expires"`                 // Validity of the document
	Signer        Signer    `json:"signer"`                  // Identity of the signer
	Signature     []byte    `json:"signature,omitempty"`     // Signature over everything above
}

// SigningBytes returns the canonical encoding of the document without its
// signature.
func (km *KeyingMaterial) SigningBytes() []byte {
	unsigned := *km
	unsigned.Signature = nil

	blob, err := protocols.Marshal(&unsigned)
	if err != nil {
		panic(err) // Plain struct, cannot fail
	}
	return blob
}
