// go-peerfinder - Peer location and connection establishment
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package peerfinder

import (
	"encoding/json"
	"errors"

	"github.com/coronanet/go-peerfinder/identity"
	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	dbProfileKey = []byte("profile")

	// dbPeerKeyPrefix is the database key for caching a remote peer's public key.
	dbPeerKeyPrefix = []byte("peerkey-")

	// ErrMissingDomain is returned if a new identity is attempted to be created
	// without knowing which domain it belongs to.
	ErrMissingDomain = errors.New("missing identity domain")
)

// profile is the local identity of an account, persisted across restarts.
type profile struct {
	Self     *identity.PeerFile `json:"self"`
	Location string             `json:"location"`
}

// loadProfile retrieves the local identity from the database, generating and
// storing a fresh one if none exists yet.
func loadProfile(db *leveldb.DB, domain string) (*profile, error) {
	blob, err := db.Get(dbProfileKey, nil)
	switch {
	case err == nil:
		prof := new(profile)
		if err := json.Unmarshal(blob, prof); err != nil {
			return nil, err
		}
		return prof, nil

	case !errors.Is(err, leveldb.ErrNotFound):
		return nil, err
	}
	// No identity yet, generate a new one and upload it
	if domain == "" {
		return nil, ErrMissingDomain
	}
	self, err := identity.GeneratePeerFile(domain)
	if err != nil {
		return nil, err
	}
	prof := &profile{Self: self, Location: uuid.NewString()}
	if blob, err = json.Marshal(prof); err != nil {
		return nil, err
	}
	if err := db.Put(dbProfileKey, blob, nil); err != nil {
		return nil, err
	}
	return prof, nil
}

// cachePeerKey stores the public key of a remote peer and enriches the live
// registry entry with it. The registry only retains the key while some
// location of the peer is referenced.
func (a *Account) cachePeerKey(public identity.PublicPeerFile) error {
	peer, err := a.registry.PeerFromPublicKey(public)
	if err != nil {
		return err
	}
	peer.Release()

	return a.database.Put(append(append([]byte{}, dbPeerKeyPrefix...), public.URI()...), public.Key, nil)
}

// PeerKey returns the cached public key of a remote peer, if known.
func (a *Account) PeerKey(uri string) (identity.PublicKey, bool) {
	if peer := a.registry.LookupPeer(uri); peer != nil {
		if key := peer.PublicKey(); len(key) > 0 {
			return key, true
		}
	}
	blob, err := a.database.Get(append(append([]byte{}, dbPeerKeyPrefix...), uri...), nil)
	if err != nil {
		return nil, false
	}
	return identity.PublicKey(blob), true
}

// KnownPeers returns the URIs of every peer whose key is cached.
func (a *Account) KnownPeers() []string {
	var peers []string

	it := a.database.NewIterator(util.BytesPrefix(dbPeerKeyPrefix), nil)
	defer it.Release()

	for it.Next() {
		peers = append(peers, string(it.Key()[len(dbPeerKeyPrefix):]))
	}
	return peers
}

// ForgetPeers wipes the cached peer keys. The local identity is retained.
func (a *Account) ForgetPeers() error {
	it := a.database.NewIterator(util.BytesPrefix(dbPeerKeyPrefix), nil)
	for it.Next() {
		if err := a.database.Delete(it.Key(), nil); err != nil {
			it.Release()
			return err
		}
	}
	it.Release()

	return a.database.CompactRange(*util.BytesPrefix(dbPeerKeyPrefix))
}
