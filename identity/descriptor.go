// go-peerfinder - Peer location and connection establishment
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package identity

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrDescriptorProtocol is returned if a finder descriptor lacks a requested
// transport protocol.
var ErrDescriptorProtocol = errors.New("finder descriptor lacks protocol")

// Transport names a finder descriptor may advertise.
const (
	FinderTransportSession = "finder" // Newline delimited signaling session
	FinderTransportRelay   = "relay"  // Byte relay for fallback channels
)

// FinderProtocol is one way of reaching a finder.
type FinderProtocol struct {
	Transport string `json:"transport"`
	Address   string `json:"address"`
}

// FinderDescriptor is the identity of a rendezvous server. It is immutable once
// parsed out of its signed document.
type FinderDescriptor struct {
	ID        string
	Type      string
	Protocols []FinderProtocol
	PublicKey PublicKey
	Priority  uint16
	Weight    uint16
	Region    string
	Created   time.Time
	Expires   time.Time
}

// Address returns the endpoint of a given transport protocol.
func (d *FinderDescriptor) Address(transport string) (string, error) {
	for _, proto := range d.Protocols {
		if proto.Transport == transport {
			return proto.Address, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrDescriptorProtocol, transport)
}

// descriptorClaims is the signed document form of a finder descriptor.
type descriptorClaims struct {
	jwt.RegisteredClaims

	Type      string           `json:"type"`
	Protocols []FinderProtocol `json:"protocols"`
	PublicKey []byte           `json:"publicKey"`
	Priority  uint16           `json:"priority"`
	Weight    uint16           `json:"weight"`
	Region    string           `json:"region"`
}

// SignFinderDescriptor creates the signed document of a finder descriptor.
func SignFinderDescriptor(desc *FinderDescriptor, signer SecretKey) (string, error) {
	claims := &descriptorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        desc.ID,
			IssuedAt:  jwt.NewNumericDate(desc.Created),
			ExpiresAt: jwt.NewNumericDate(desc.Expires),
		},
		Type:      desc.Type,
		Protocols: desc.Protocols,
		PublicKey: desc.PublicKey,
		Priority:  desc.Priority,
		Weight:    desc.Weight,
		Region:    desc.Region,
	}
	return jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(ed25519.NewKeyFromSeed(signer))
}

// ParseFinderDescriptor verifies a signed finder descriptor document against the
// key of the domain that issued it.
func ParseFinderDescriptor(document string, signer PublicKey) (*FinderDescriptor, error) {
	claims := new(descriptorClaims)
	_, err := jwt.ParseWithClaims(document, claims, func(*jwt.Token) (interface{}, error) {
		return ed25519.PublicKey(signer), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("invalid finder descriptor: %w", err)
	}
	if claims.ID == "" {
		return nil, errors.New("invalid finder descriptor: missing id")
	}
	desc := &FinderDescriptor{
		ID:        claims.ID,
		Type:      claims.Type,
		Protocols: claims.Protocols,
		PublicKey: claims.PublicKey,
		Priority:  claims.Priority,
		Weight:    claims.Weight,
		Region:    claims.Region,
		Expires:   claims.ExpiresAt.Time,
	}
	if claims.IssuedAt != nil {
		desc.Created = claims.IssuedAt.Time
	}
	return desc, nil
}
