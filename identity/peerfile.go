// go-peerfinder - Peer location and connection establishment
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// uriScheme is the prefix of every peer URI.
const uriScheme = "peer://"

// ErrInvalidURI is returned if a peer URI cannot be parsed.
var ErrInvalidURI = errors.New("invalid peer uri")

// SecretKey is a permanent Ed25519 private key seed identifying the local peer.
type SecretKey []byte

// PublicKey is a permanent Ed25519 public key identifying a remote peer.
type PublicKey []byte

// GenerateKey creates a new random local signing key.
func GenerateKey() (SecretKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return SecretKey(priv.Seed()), nil
}

// Public generates and returns the public key from a secret one.
//
// Note, this method is heavy. Cache it.
func (k SecretKey) Public() PublicKey {
	return PublicKey(ed25519.NewKeyFromSeed(k).Public().(ed25519.PublicKey))
}

// Sign signs an arbitrary message with the secret key.
func (k SecretKey) Sign(message []byte) []byte {
	return ed25519.Sign(ed25519.NewKeyFromSeed(k), message)
}

// Verify checks a signature made by the owner of the public key.
func (k PublicKey) Verify(message []byte, signature []byte) bool {
	if len(k) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(k), message, signature)
}

// ContactID generates the universally unique identifier of a public key. It is
// the hex encoded SHA3 hash, lower case so it can go straight into a URI.
func (k PublicKey) ContactID() string {
	hash := sha3.Sum256(k)
	return hex.EncodeToString(hash[:])
}

// PeerFile is the private credential set of the local peer.
type PeerFile struct {
	Domain string    `json:"domain"`
	Key    SecretKey `json:"key"`
}

// GeneratePeerFile creates a brand new local identity within a domain.
func GeneratePeerFile(domain string) (*PeerFile, error) {
	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	return &PeerFile{Domain: strings.ToLower(domain), Key: key}, nil
}

// Public returns the publicly shareable half of the peer file.
func (pf *PeerFile) Public() PublicPeerFile {
	return PublicPeerFile{Domain: pf.Domain, Key: pf.Key.Public()}
}

// URI returns the peer URI of the local identity.
func (pf *PeerFile) URI() string {
	return pf.Public().URI()
}

// PublicPeerFile is the public credential set of a peer, sufficient to verify
// anything it signs.
type PublicPeerFile struct {
	Domain string    `json:"domain"`
	Key    PublicKey `json:"key"`
}

// URI returns the peer URI derived from the public key.
func (p PublicPeerFile) URI() string {
	return MakeURI(p.Domain, p.Key.ContactID())
}

// MakeURI assembles a normalized peer URI.
func MakeURI(domain string, contactID string) string {
	return strings.ToLower(uriScheme + domain + "/" + contactID)
}

// ParseURI splits and normalizes a peer URI into its domain and contact id.
func ParseURI(uri string) (string, string, error) {
	uri = strings.ToLower(uri)
	if !strings.HasPrefix(uri, uriScheme) {
		return "", "", fmt.Errorf("%w: %q: missing scheme", ErrInvalidURI, uri)
	}
	parts := strings.Split(strings.TrimPrefix(uri, uriScheme), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidURI, uri)
	}
	return parts[0], parts[1], nil
}
