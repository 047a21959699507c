// go-peerfinder - Peer location and connection establishment
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

// Package token implements the HMAC capability tokens used to authorize relay
// access without ever revealing the shared secret on the wire.
//
// A token minted from a master secret carries its own verification inside the
// id, so the minting party can later validate proofs with nothing but the
// master secret and no per-token state.
package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// Token is a capability. When used as a proof, the secret is omitted and the
// nonce, resource and proof fields are populated instead.
type Token struct {
	ID              string    `json:"id,omitempty"`
	Secret          string    `json:"secret,omitempty"`
	SecretEncrypted string    `json:"secretEncrypted,omitempty"`
	Expires         time.Time `json:"expires,omitempty"`
	Nonce           string    `json:"nonce,omitempty"`
	Resource        string    `json:"resource,omitempty"`
	Proof           string    `json:"proof,omitempty"`
}

// CreateFromMasterSecret mints a new token whose id embeds the associated id,
// the expiry and a verification code derived from the master secret.
func CreateFromMasterSecret(master string, associatedID string, valid time.Duration) Token {
	return CreateFromMasterSecretAt(master, associatedID, valid, time.Now())
}

// CreateFromMasterSecretAt is CreateFromMasterSecret with an explicit clock.
func CreateFromMasterSecretAt(master string, associatedID string, valid time.Duration, now time.Time) Token {
	random := randomHex(16)
	expires := time.Unix(now.Add(valid).Unix(), 0)

	verification := digest(master, "validation:"+random+":"+formatExpiry(expires)+":"+associatedID)
	id := strings.Join([]string{random, associatedID, formatExpiry(expires), verification}, "-")

	return Token{
		ID:      id,
		Secret:  digest(master, "secret:"+id),
		Expires: expires,
	}
}

// splitID breaks a master derived token id into its fields. The random part,
// the expiry and the verification never contain a dash, so the associated id
// is whatever remains in the middle, dashes included.
func splitID(id string) (random, associatedID, expiry, verification string, ok bool) {
	random, rest, ok := strings.Cut(id, "-")
	if !ok {
		return "", "", "", "", false
	}
	sep := strings.LastIndex(rest, "-")
	if sep < 0 {
		return "", "", "", "", false
	}
	rest, verification = rest[:sep], rest[sep+1:]

	if sep = strings.LastIndex(rest, "-"); sep < 0 {
		return "", "", "", "", false
	}
	return random, rest[:sep], rest[sep+1:], verification, true
}

// HasData reports whether any field of the token is set.
func (t Token) HasData() bool {
	return t.ID != "" || t.Secret != "" || t.SecretEncrypted != "" || !t.Expires.IsZero() ||
		t.Nonce != "" || t.Resource != "" || t.Proof != ""
}

// CreateProof derives a short lived proof for a resource. The proof never
// outlives the source token. An empty token is returned if the source token
// lacks an id or secret.
func (t Token) CreateProof(resource string, valid time.Duration) Token {
	return t.CreateProofAt(resource, valid, time.Now())
}

// CreateProofAt is CreateProof with an explicit clock.
func (t Token) CreateProofAt(resource string, valid time.Duration, now time.Time) Token {
	if !t.HasData() || t.ID == "" || t.Secret == "" {
		return Token{}
	}
	expires := time.Unix(now.Add(valid).Unix(), 0)
	if !t.Expires.IsZero() && t.Expires.Before(expires) {
		expires = t.Expires
	}
	proof := Token{
		ID:       t.ID,
		Expires:  expires,
		Nonce:    randomHex(16),
		Resource: resource,
	}
	proof.Proof = proof.compute(t.Secret)
	return proof
}

// Validate checks a proof against this token's secret. Both tokens must be
// unexpired and the proof must match exactly.
func (t Token) Validate(proof Token) bool {
	return t.ValidateAt(proof, time.Now())
}

// ValidateAt is Validate with an explicit clock.
func (t Token) ValidateAt(proof Token, now time.Time) bool {
	if t.ID == "" || t.Secret == "" || proof.Proof == "" {
		return false
	}
	if !t.Expires.IsZero() && now.After(t.Expires) {
		return false
	}
	if proof.Expires.IsZero() || now.After(proof.Expires) {
		return false
	}
	if t.ID != proof.ID {
		return false
	}
	return hmac.Equal([]byte(proof.compute(t.Secret)), []byte(proof.Proof))
}

// ValidateMaster checks a proof minted from a master secret derived token,
// returning the associated id embedded in the token on success.
func (t Token) ValidateMaster(master string) (bool, string) {
	return t.ValidateMasterAt(master, time.Now())
}

// ValidateMasterAt is ValidateMaster with an explicit clock.
func (t Token) ValidateMasterAt(master string, now time.Time) (bool, string) {
	random, associatedID, expiry, verification, ok := splitID(t.ID)
	if !ok {
		return false, ""
	}

	want := digest(master, "validation:"+random+":"+expiry+":"+associatedID)
	if !hmac.Equal([]byte(want), []byte(verification)) {
		return false, ""
	}
	secs, err := strconv.ParseInt(expiry, 10, 64)
	if err != nil {
		return false, ""
	}
	full := Token{
		ID:      t.ID,
		Secret:  digest(master, "secret:"+t.ID),
		Expires: time.Unix(secs, 0),
	}
	if !full.ValidateAt(t, now) {
		return false, ""
	}
	return true, associatedID
}

// Merge combines token fragments received in separate messages. Without
// overwrite, only fields missing locally are filled in.
func (t *Token) Merge(other Token, overwrite bool) {
	mergeString(&t.ID, other.ID, overwrite)
	mergeString(&t.Secret, other.Secret, overwrite)
	mergeString(&t.SecretEncrypted, other.SecretEncrypted, overwrite)
	mergeString(&t.Nonce, other.Nonce, overwrite)
	mergeString(&t.Resource, other.Resource, overwrite)
	mergeString(&t.Proof, other.Proof, overwrite)

	if !other.Expires.IsZero() && (overwrite || t.Expires.IsZero()) {
		t.Expires = other.Expires
	}
}

// compute calculates the proof value of a proof token under a secret.
func (t Token) compute(secret string) string {
	return digest(secret, "proof:"+t.ID+":"+t.Nonce+":"+formatExpiry(t.Expires)+":"+t.Resource)
}

// mergeString copies a fragment field into a destination field.
func mergeString(dst *string, src string, overwrite bool) {
	if src != "" && (overwrite || *dst == "") {
		*dst = src
	}
}

// formatExpiry is the canonical textual form of an expiry used in digests.
func formatExpiry(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}

// digest computes a hex encoded HMAC-SHA256 keyed by a passphrase.
func digest(passphrase string, message string) string {
	mac := hmac.New(sha256.New, []byte(passphrase))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// randomHex returns n random bytes hex encoded. Hex never contains a dash, which
// keeps minted ids splittable.
func randomHex(n int) string {
	blob := make([]byte, n)
	if _, err := rand.Read(blob); err != nil {
		panic(err)
	}
	return hex.EncodeToString(blob)
}
