// go-peerfinder - Peer location and connection establishment
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package identity

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"

	"github.com/coronanet/go-peerfinder/token"
)

// ErrPublicKeyConflict is returned if a peer is attempted to be enriched with a
// public key different from the one it already holds.
var ErrPublicKeyConflict = errors.New("peer public key already set")

// LocationType tags what kind of endpoint a location is.
type LocationType int

const (
	LocationSelf   LocationType = iota // The local endpoint of the account
	LocationFinder                     // The finder server the account is attached to
	LocationPeer                       // An endpoint of some remote peer
)

// String implements fmt.Stringer.
func (t LocationType) String() string {
	switch t {
	case LocationSelf:
		return "self"
	case LocationFinder:
		return "finder"
	case LocationPeer:
		return "peer"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// Peer is an identity known by its URI, optionally enriched with the public key
// once resolved. Instances are deduplicated by the owning registry.
type Peer struct {
	uri string    // Normalized peer URI, immutable
	key PublicKey // Public key, set at most once

	refs     int       // Number of outstanding references (registry lock)
	registry *Registry // Registry to notify on last release

	lock sync.RWMutex
}

// URI returns the normalized peer URI.
func (p *Peer) URI() string {
	return p.uri
}

// PublicKey returns the peer's public key, or nil if not yet resolved.
func (p *Peer) PublicKey() PublicKey {
	p.lock.RLock()
	defer p.lock.RUnlock()

	return p.key
}

// SetPublicKey enriches the peer with its public key. The key must hash to the
// contact id of the URI. Once set, the key can never change.
func (p *Peer) SetPublicKey(key PublicKey) error {
	if len(key) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid public key length %d", len(key))
	}
	if _, contact, err := ParseURI(p.uri); err != nil {
		return err
	} else if contact != key.ContactID() {
		return fmt.Errorf("public key does not match uri %s", p.uri)
	}
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.key != nil {
		if !bytes.Equal(p.key, key) {
			return ErrPublicKeyConflict
		}
		return nil
	}
	p.key = append(PublicKey{}, key...)
	return nil
}

// Release drops a reference acquired from the registry.
func (p *Peer) Release() {
	if p.registry != nil {
		p.registry.releasePeer(p)
	}
}

// Location identifies a reachable endpoint. Peer locations are deduplicated by
// the owning registry on the (peer URI, location id) pair.
type Location struct {
	kind LocationType // Type tag of the location
	id   string       // Opaque location identifier
	peer *Peer        // Owning peer, nil for finder locations

	refs     int       // Number of outstanding references (registry lock)
	registry *Registry // Registry to notify on last release
}

// Type returns the location's type tag.
func (l *Location) Type() LocationType { return l.kind }

// ID returns the opaque location identifier.
func (l *Location) ID() string { return l.id }

// Peer returns the peer owning the location, nil for finders.
func (l *Location) Peer() *Peer { return l.peer }

// String implements fmt.Stringer.
func (l *Location) String() string {
	if l.peer == nil {
		return l.kind.String() + ":" + l.id
	}
	return l.peer.uri + "#" + l.id
}

// Release drops a reference acquired from the registry. Singletons ignore it.
func (l *Location) Release() {
	if l.registry != nil && l.kind == LocationPeer {
		l.registry.releaseLocation(l)
	}
}

// CandidateType is the ICE classification of a candidate.
type CandidateType string

const (
	CandidateLocal           CandidateType = "local"
	CandidateServerReflexive CandidateType = "srflx"
	CandidatePeerReflexive   CandidateType = "prflx"
	CandidateRelayed         CandidateType = "relay"
)

// Candidate is one reachability option of a location.
type Candidate struct {
	Namespace   string        `json:"namespace"`
	Transport   string        `json:"transport"`
	IP          string        `json:"ip"`
	Port        uint16        `json:"port"`
	Priority    uint32        `json:"priority"`
	Type        CandidateType `json:"type"`
	Foundation  string        `json:"foundation"`
	AccessToken *token.Token  `json:"accessToken,omitempty"`
}

// LocationInfo is everything a location advertises about itself in signaling.
type LocationInfo struct {
	ID                string      `json:"id"`
	PeerURI           string      `json:"peer"`
	Candidates        []Candidate `json:"candidates,omitempty"`
	CandidatesFinal   bool        `json:"candidatesFinal,omitempty"`
	CandidatesVersion string      `json:"candidatesVersion,omitempty"`
	Description       string      `json:"description,omitempty"`
	DeviceID          string      `json:"deviceId,omitempty"`
	UserAgent         string      `json:"userAgent,omitempty"`
	OS                string      `json:"os,omitempty"`
	System            string      `json:"system,omitempty"`
	Host              string      `json:"host,omitempty"`
}

// WithoutCandidates returns a copy of the info stripped of every transport
// detail, as advertised to finders.
func (info LocationInfo) WithoutCandidates() LocationInfo {
	info.Candidates = nil
	info.CandidatesFinal = false
	info.CandidatesVersion = ""
	info.Description = ""
	return info
}
