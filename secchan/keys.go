// go-peerfinder - Peer location and connection establishment
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package secchan

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// ErrInvalidKey is returned if a key agreement key has the wrong shape.
var ErrInvalidKey = errors.New("invalid key agreement key")

// KeyPair is an X25519 key agreement key pair.
type KeyPair struct {
	Private []byte `json:"private"`
	Public  []byte `json:"public"`
}

// GenerateKeyPair creates a fresh random key agreement key pair.
func GenerateKeyPair() (KeyPair, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return KeyPair{}, err
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{Private: priv, Public: pub}, nil
}

// deriveKeys computes the directional symmetric keys of a channel from the
// shared secret. Both sides derive the same pair, swapped.
func deriveKeys(local KeyPair, remote []byte, localContext, remoteContext string) (send [32]byte, recv [32]byte, err error) {
	if len(local.Private) != curve25519.ScalarSize || len(remote) != curve25519.PointSize {
		return send, recv, ErrInvalidKey
	}
	shared, err := curve25519.X25519(local.Private, remote)
	if err != nil {
		return send, recv, err
	}
	if _, err = io.ReadFull(hkdf.New(sha256.New, shared, nil, []byte("peerfinder:"+localContext+">"+remoteContext)), send[:]); err != nil {
		return send, recv, err
	}
	if _, err = io.ReadFull(hkdf.New(sha256.New, shared, nil, []byte("peerfinder:"+remoteContext+">"+localContext)), recv[:]); err != nil {
		return send, recv, err
	}
	return send, recv, nil
}
