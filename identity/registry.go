// go-peerfinder - Peer location and connection establishment
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package identity

import (
	"sync"

	"github.com/ethereum/go-ethereum/log"
)

// locationKey is the dedup key of a peer location.
type locationKey struct {
	peer string
	id   string
}

// RegistryConfig can be used to fine tune the initial setup of a registry.
type RegistryConfig struct {
	Self     *PeerFile // Local credentials owning the self location
	Location string    // Location id of the local endpoint

	OnPeerDestroyed     func(uri string)      // Notified when the last peer reference drops
	OnLocationDestroyed func(peer, id string) // Notified when the last location reference drops

	Logger log.Logger // Logger to allow injecting contextual tags
}

// Registry is the per-account table deduplicating peers and locations. Any
// number of references may be acquired to the same entity; the entity is
// dropped from the table when the last one is released.
type Registry struct {
	peers     map[string]*Peer          // Live peers by normalized URI
	locations map[locationKey]*Location // Live peer locations

	self   *Location // Singleton location of the local endpoint
	finder *Location // Singleton location of the attached finder, nil if none

	onPeer     func(uri string)
	onLocation func(peer, id string)

	logger log.Logger
	lock   sync.Mutex
}

// NewRegistry creates an empty registry with the local endpoint preloaded.
func NewRegistry(config RegistryConfig) *Registry {
	r := &Registry{
		peers:      make(map[string]*Peer),
		locations:  make(map[locationKey]*Location),
		onPeer:     config.OnPeerDestroyed,
		onLocation: config.OnLocationDestroyed,
		logger:     config.Logger,
	}
	if r.logger == nil {
		r.logger = log.Root()
	}
	if config.Self != nil {
		public := config.Self.Public()
		self := &Peer{uri: public.URI(), key: public.Key}
		r.self = &Location{kind: LocationSelf, id: config.Location, peer: self}
	}
	return r
}

// Self returns the singleton location of the local endpoint.
func (r *Registry) Self() *Location {
	return r.self
}

// Finder returns the singleton location of the currently attached finder.
func (r *Registry) Finder() *Location {
	r.lock.Lock()
	defer r.lock.Unlock()

	return r.finder
}

// SetFinder replaces the finder singleton if the finder id changed.
func (r *Registry) SetFinder(id string) *Location {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.finder == nil || r.finder.id != id {
		r.finder = &Location{kind: LocationFinder, id: id}
	}
	return r.finder
}

// Peer acquires a reference to the peer with the given URI, creating it if not
// yet known. The reference must be released.
func (r *Registry) Peer(uri string) (*Peer, error) {
	domain, contact, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	r.lock.Lock()
	defer r.lock.Unlock()

	return r.acquirePeer(MakeURI(domain, contact)), nil
}

// PeerFromPublicKey acquires a reference to the peer owning a public key. If a
// peer with the derived URI already exists it is enriched instead of duplicated.
func (r *Registry) PeerFromPublicKey(public PublicPeerFile) (*Peer, error) {
	r.lock.Lock()
	peer := r.acquirePeer(public.URI())
	r.lock.Unlock()

	if err := peer.SetPublicKey(public.Key); err != nil {
		peer.Release()
		return nil, err
	}
	return peer, nil
}

// LookupPeer returns a known peer without acquiring a reference, nil if unknown.
func (r *Registry) LookupPeer(uri string) *Peer {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.self != nil && r.self.peer.uri == uri {
		return r.self.peer
	}
	return r.peers[uri]
}

// Location acquires a reference to a remote peer location, creating both the
// location and its peer if not yet known.
func (r *Registry) Location(peerURI string, id string) (*Location, error) {
	domain, contact, err := ParseURI(peerURI)
	if err != nil {
		return nil, err
	}
	uri := MakeURI(domain, contact)

	r.lock.Lock()
	defer r.lock.Unlock()

	key := locationKey{peer: uri, id: id}
	if loc, ok := r.locations[key]; ok {
		loc.refs++
		return loc, nil
	}
	loc := &Location{
		kind:     LocationPeer,
		id:       id,
		peer:     r.acquirePeer(uri),
		refs:     1,
		registry: r,
	}
	r.locations[key] = loc
	r.logger.Trace("Peer location created", "location", loc)
	return loc, nil
}

// Stats returns the number of live peers and locations in the registry.
func (r *Registry) Stats() (int, int) {
	r.lock.Lock()
	defer r.lock.Unlock()

	return len(r.peers), len(r.locations)
}

// acquirePeer returns a referenced peer, creating it if needed.
//
// Note, this method assumes the lock is held.
func (r *Registry) acquirePeer(uri string) *Peer {
	if peer, ok := r.peers[uri]; ok {
		peer.refs++
		return peer
	}
	peer := &Peer{uri: uri, refs: 1, registry: r}
	r.peers[uri] = peer
	r.logger.Trace("Peer created", "peer", uri)
	return peer
}

// releasePeer drops a peer reference, removing the peer on the last one.
func (r *Registry) releasePeer(peer *Peer) {
	r.lock.Lock()
	destroyed := r.dropPeer(peer)
	r.lock.Unlock()

	if destroyed && r.onPeer != nil {
		r.onPeer(peer.uri)
	}
}

// dropPeer decrements a peer's references and reports whether it was removed.
//
// Note, this method assumes the lock is held.
func (r *Registry) dropPeer(peer *Peer) bool {
	if peer.refs <= 0 {
		r.logger.Error("Peer released too many times", "peer", peer.uri)
		return false
	}
	if peer.refs--; peer.refs > 0 {
		return false
	}
	delete(r.peers, peer.uri)
	r.logger.Trace("Peer destroyed", "peer", peer.uri)
	return true
}

// releaseLocation drops a location reference, removing the location and its
// hold on the owning peer on the last one.
func (r *Registry) releaseLocation(loc *Location) {
	r.lock.Lock()
	if loc.refs <= 0 {
		r.lock.Unlock()
		r.logger.Error("Location released too many times", "location", loc)
		return
	}
	if loc.refs--; loc.refs > 0 {
		r.lock.Unlock()
		return
	}
	delete(r.locations, locationKey{peer: loc.peer.uri, id: loc.id})
	peerDestroyed := r.dropPeer(loc.peer)
	r.lock.Unlock()

	r.logger.Trace("Peer location destroyed", "location", loc)
	if r.onLocation != nil {
		r.onLocation(loc.peer.uri, loc.id)
	}
	if peerDestroyed && r.onPeer != nil {
		r.onPeer(loc.peer.uri)
	}
}
