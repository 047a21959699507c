// go-peerfinder - Peer location and connection establishment
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

// Package secchan implements the encrypted, mutually authenticated channel the
// peers speak over, both on direct streams and on relayed ones.
//
// Each side first sends a keying material document carrying its security
// context and key agreement public key, signed with its identity key. Once the
// remote document is verified, directional keys are derived and every further
// frame is sealed with secretbox.
package secchan

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/coronanet/go-peerfinder/clock"
	"github.com/coronanet/go-peerfinder/eventloop"
	"github.com/coronanet/go-peerfinder/identity"
	"github.com/coronanet/go-peerfinder/params"
	"github.com/coronanet/go-peerfinder/protocols"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/crypto/nacl/secretbox"
)

var (
	// ErrNotConnected is returned when sending on a channel that did not finish
	// its handshake yet.
	ErrNotConnected = errors.New("secure channel not connected")

	// ErrCancelled is the shutdown reason of a locally cancelled channel.
	ErrCancelled = errors.New("secure channel cancelled")

	// ErrBadSignature is returned if the remote keying material is not signed
	// by the key it claims.
	ErrBadSignature = errors.New("keying material signature invalid")

	// ErrExpired is returned if the remote keying material is stale.
	ErrExpired = errors.New("keying material expired")

	// ErrContextMismatch is returned if the remote side addresses a different
	// security context or presents an unexpected key.
	ErrContextMismatch = errors.New("security context mismatch")

	// ErrDecrypt is returned if a sealed frame fails authentication.
	ErrDecrypt = errors.New("frame authentication failed")

	// ErrInvalidMaterial is returned if the remote keying material cannot be
	// decoded.
	ErrInvalidMaterial = errors.New("invalid keying material")
)

// IsSecurityFailure reports whether a shutdown reason means the remote side
// failed to authenticate, as opposed to the connection underneath breaking.
func IsSecurityFailure(err error) bool {
	for _, reason := range []error{ErrBadSignature, ErrExpired, ErrContextMismatch, ErrDecrypt, ErrInvalidMaterial, ErrInvalidKey} {
		if errors.Is(err, reason) {
			return true
		}
	}
	return false
}

// State is the lifecycle state of a security channel.
type State int

const (
	StatePending State = iota
	StateWaitingForNeededInformation
	StateConnected
	StateShutdown
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateWaitingForNeededInformation:
		return "waiting"
	case StateConnected:
		return "connected"
	case StateShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Conn is the byte stream a channel runs over.
type Conn interface {
	io.ReadWriter
	Cancel()
}

// Config is the set of collaborators of a security channel.
type Config struct {
	Conn     Conn        // Stream to secure, owned by the channel from now on
	Clock    clock.Clock // Time source for keying material expiry
	Validity time.Duration
	Notify   func()     // State change callback, invoked without locks held
	Logger   log.Logger // Logger to use, defaults to the root logger
}

// Channel is a security channel over a reliable byte stream. All state changes
// happen on its own event loop. The needs accessors describe what the owner
// still has to supply before the handshake can progress.
type Channel struct {
	conn     Conn
	clock    clock.Clock
	validity time.Duration
	notify   func()
	logger   log.Logger

	loop *eventloop.Loop

	// Handshake state, guarded by lock for readers, mutated on the loop only
	state         State
	err           error
	localContext  string
	remoteContext string
	expectedDH    []byte
	keys          *KeyPair
	outbound      *KeyingMaterial // Local keying material, signature pending until set
	sent          bool
	inbound       *KeyingMaterial // Remote keying material, nil until received
	verifyKey     identity.PublicKey
	verified      bool

	// Traffic state, immutable once connected
	sendKey [32]byte
	recvKey [32]byte
	ready   chan struct{} // Closed once the keys are derived
	closed  chan struct{} // Closed on shutdown

	writer   *protocols.FrameWriter
	sendLock sync.Mutex
	sendSeq  uint64

	plain   chan []byte // Decrypted frames for Read
	pending []byte      // Unread remainder of the last frame

	lock sync.RWMutex
}

// New creates a security channel over the given stream and starts reading the
// remote keying material.
func New(config Config) *Channel {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Validity == 0 {
		config.Validity = params.PeerFindValidity
	}
	if config.Logger == nil {
		config.Logger = log.Root()
	}
	c := &Channel{
		conn:     config.Conn,
		clock:    config.Clock,
		validity: config.Validity,
		notify:   config.Notify,
		logger:   config.Logger,
		loop:     eventloop.New(),
		state:    StatePending,
		ready:    make(chan struct{}),
		closed:   make(chan struct{}),
		writer:   protocols.NewFrameWriter(config.Conn),
		plain:    make(chan []byte, 16),
	}
	go c.reader()
	c.loop.Post(c.step)
	return c
}

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.lock.RLock()
	defer c.lock.RUnlock()

	return c.state
}

// Err returns the first failure that shut the channel down.
func (c *Channel) Err() error {
	c.lock.RLock()
	defer c.lock.RUnlock()

	return c.err
}

// LocalContext returns the local security context id, empty if unknown.
func (c *Channel) LocalContext() string {
	c.lock.RLock()
	defer c.lock.RUnlock()

	return c.localContext
}

// RemoteContext returns the remote security context id, empty if unknown.
func (c *Channel) RemoteContext() string {
	c.lock.RLock()
	defer c.lock.RUnlock()

	return c.remoteContext
}

// RemoteSigner returns the identity that signed the remote keying material,
// once it has been verified.
func (c *Channel) RemoteSigner() (Signer, bool) {
	c.lock.RLock()
	defer c.lock.RUnlock()

	if !c.verified {
		return Signer{}, false
	}
	return c.inbound.Signer, true
}

// NeedsLocalContext reports whether the local security context is missing
// while the remote side already started the handshake.
func (c *Channel) NeedsLocalContext() bool {
	c.lock.RLock()
	defer c.lock.RUnlock()

	return c.state == StateWaitingForNeededInformation && c.localContext == ""
}

// NeedsReceiveKeying reports whether the local key agreement key pair is
// missing.
func (c *Channel) NeedsReceiveKeying() bool {
	c.lock.RLock()
	defer c.lock.RUnlock()

	return c.state == StateWaitingForNeededInformation && c.keys == nil
}

// NeedsVerificationKey returns the signer of the received keying material if
// its verification key has not been supplied yet.
func (c *Channel) NeedsVerificationKey() (Signer, bool) {
	c.lock.RLock()
	defer c.lock.RUnlock()

	if c.state != StateWaitingForNeededInformation || c.inbound == nil || c.verifyKey != nil {
		return Signer{}, false
	}
	return c.inbound.Signer, true
}

// PendingSignature returns a copy of the local keying material if it is still
// waiting for a signature.
func (c *Channel) PendingSignature() (*KeyingMaterial, bool) {
	c.lock.RLock()
	defer c.lock.RUnlock()

	if c.state != StateWaitingForNeededInformation || c.outbound == nil || c.outbound.Signature != nil {
		return nil, false
	}
	km := *c.outbound
	return &km, true
}

// SetLocalContext assigns the local security context id.
func (c *Channel) SetLocalContext(id string) {
	c.loop.Post(func() {
		c.lock.Lock()
		if c.localContext == "" {
			c.localContext = id
		}
		c.lock.Unlock()
		c.step()
	})
}

// SetExpectedRemote pins the remote security context and key agreement key,
// rejecting keying material presenting anything else.
func (c *Channel) SetExpectedRemote(contextID string, dhPublic []byte) {
	c.loop.Post(func() {
		c.lock.Lock()
		if c.remoteContext == "" {
			c.remoteContext = contextID
		}
		c.expectedDH = append([]byte(nil), dhPublic...)
		c.lock.Unlock()
		c.step()
	})
}

// SetReceiveKeying assigns the local key agreement key pair.
func (c *Channel) SetReceiveKeying(keys KeyPair) {
	c.loop.Post(func() {
		c.lock.Lock()
		if c.keys == nil {
			c.keys = &keys
		}
		c.lock.Unlock()
		c.step()
	})
}

// SetVerificationKey supplies the identity key of the remote signer.
func (c *Channel) SetVerificationKey(key identity.PublicKey) {
	c.loop.Post(func() {
		c.lock.Lock()
		if c.verifyKey == nil {
			c.verifyKey = append(identity.PublicKey(nil), key...)
		}
		c.lock.Unlock()
		c.step()
	})
}

// SetSignature completes the local keying material with the signer identity
// and the signature over its signing bytes.
func (c *Channel) SetSignature(signer Signer, signature []byte) {
	c.loop.Post(func() {
		c.lock.Lock()
		if c.outbound != nil && c.outbound.Signature == nil {
			c.outbound.Signer = signer
			c.outbound.Signature = append([]byte(nil), signature...)
		}
		c.lock.Unlock()
		c.step()
	})
}

// Cancel tears the channel and its stream down. It is safe to call multiple
// times from any goroutine.
func (c *Channel) Cancel() {
	c.loop.Post(func() { c.fail(ErrCancelled) })
}

// step advances the handshake as far as the available information allows.
//
// Note, this method must run on the channel loop.
func (c *Channel) step() {
	c.lock.Lock()
	if c.state == StateShutdown || c.state == StateConnected {
		c.lock.Unlock()
		return
	}
	// Assemble the local keying material once its ingredients are known
	if c.outbound == nil && c.localContext != "" && c.keys != nil {
		remote := c.remoteContext
		if remote == "" && c.inbound != nil {
			remote = c.inbound.Context
		}
		c.outbound = &KeyingMaterial{
			Context:       c.localContext,
			RemoteContext: remote,
			DHPublic:      c.keys.Public,
			Expires:       c.clock.Now().Add(c.validity).UTC().Truncate(time.Second),
		}
	}
	// Verify the remote keying material once its key is known
	if c.inbound != nil && !c.verified && c.verifyKey != nil && c.localContext != "" {
		if err := c.verify(c.inbound); err != nil {
			c.lock.Unlock()
			c.fail(err)
			return
		}
		c.verified = true
		c.remoteContext = c.inbound.Context
	}
	// Ship the local keying material once signed
	var send *KeyingMaterial
	if c.outbound != nil && c.outbound.Signature != nil && !c.sent {
		c.sent, send = true, c.outbound
	}
	c.lock.Unlock()

	if send != nil {
		blob, err := protocols.Marshal(send)
		if err == nil {
			err = c.writer.WriteFrame(blob)
		}
		if err != nil {
			c.fail(fmt.Errorf("failed to send keying material: %w", err))
			return
		}
	}
	c.lock.Lock()
	if c.sent && c.verified {
		send, recv, err := deriveKeys(*c.keys, c.inbound.DHPublic, c.localContext, c.remoteContext)
		if err != nil {
			c.lock.Unlock()
			c.fail(err)
			return
		}
		c.sendKey, c.recvKey = send, recv
		c.state = StateConnected
		close(c.ready)
		c.lock.Unlock()

		c.logger.Debug("Secure channel established", "local", c.localContext, "remote", c.remoteContext)
		c.notifyChange()
		return
	}
	// Not connected yet, figure out whether the owner has something to supply
	waiting := c.keys == nil ||
		(c.localContext == "" && (c.inbound != nil || c.remoteContext != "")) ||
		(c.inbound != nil && c.verifyKey == nil) ||
		(c.outbound != nil && c.outbound.Signature == nil)

	state := StatePending
	if waiting {
		state = StateWaitingForNeededInformation
	}
	changed := c.state != state
	c.state = state
	c.lock.Unlock()

	// Needs may change without the state changing, always poke the owner while
	// waiting
	if changed || waiting {
		c.notifyChange()
	}
}

// verify checks the remote keying material against the supplied key and any
// pinned expectations.
//
// Note, this method assumes the lock is held.
func (c *Channel) verify(km *KeyingMaterial) error {
	if !c.verifyKey.Verify(km.SigningBytes(), km.Signature) {
		return ErrBadSignature
	}
	if km.Signer.PeerFile != nil && !bytes.Equal(km.Signer.PeerFile.Key, c.verifyKey) {
		return ErrBadSignature
	}
	if !c.clock.Now().Before(km.Expires) {
		return ErrExpired
	}
	if km.RemoteContext != "" && km.RemoteContext != c.localContext {
		return fmt.Errorf("%w: addressed %s, local %s", ErrContextMismatch, km.RemoteContext, c.localContext)
	}
	if c.remoteContext != "" && km.Context != c.remoteContext {
		return fmt.Errorf("%w: sent %s, expected %s", ErrContextMismatch, km.Context, c.remoteContext)
	}
	if c.expectedDH != nil && !bytes.Equal(km.DHPublic, c.expectedDH) {
		return fmt.Errorf("%w: unexpected key agreement key", ErrContextMismatch)
	}
	return nil
}

// fail shuts the channel down, retaining only the first reason.
//
// Note, this method must run on the channel loop.
func (c *Channel) fail(reason error) {
	c.lock.Lock()
	if c.state == StateShutdown {
		c.lock.Unlock()
		return
	}
	c.state, c.err = StateShutdown, reason
	close(c.closed)
	c.lock.Unlock()

	if reason != ErrCancelled {
		c.logger.Debug("Secure channel failed", "local", c.localContext, "err", reason)
	}
	c.conn.Cancel()
	c.notifyChange()
	c.loop.Close()
}

// notifyChange pings the owner about a state or needs change.
func (c *Channel) notifyChange() {
	if c.notify != nil {
		c.notify()
	}
}

// reader pulls the remote keying material off the stream, waits for the keys
// to be derived and then decrypts traffic frames until the stream dies.
func (c *Channel) reader() {
	defer close(c.plain)

	frames := protocols.NewFrameReader(c.conn)

	blob, err := frames.ReadFrame()
	if err != nil {
		c.loop.Post(func() { c.fail(fmt.Errorf("failed to read keying material: %w", err)) })
		return
	}
	km := new(KeyingMaterial)
	if err := protocols.Unmarshal(blob, km); err != nil {
		c.loop.Post(func() { c.fail(fmt.Errorf("%w: %v", ErrInvalidMaterial, err)) })
		return
	}
	c.loop.Post(func() {
		c.lock.Lock()
		c.inbound = km
		c.lock.Unlock()
		c.step()
	})
	select {
	case <-c.ready:
	case <-c.closed:
		return
	}
	for seq := uint64(0); ; seq++ {
		blob, err := frames.ReadFrame()
		if err != nil {
			c.loop.Post(func() { c.fail(err) })
			return
		}
		plain, ok := secretbox.Open(nil, blob, frameNonce(seq), &c.recvKey)
		if !ok {
			c.loop.Post(func() { c.fail(ErrDecrypt) })
			return
		}
		select {
		case c.plain <- plain:
		case <-c.closed:
			return
		}
	}
}

// Read implements io.Reader over the decrypted traffic.
func (c *Channel) Read(buf []byte) (int, error) {
	if len(c.pending) == 0 {
		plain, ok := <-c.plain
		if !ok {
			if err := c.Err(); err != nil {
				return 0, err
			}
			return 0, io.EOF
		}
		c.pending = plain
	}
	n := copy(buf, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

// maxChunk is the largest plaintext sealed into a single frame.
const maxChunk = params.MaxFrameSize - secretbox.Overhead

// Write implements io.Writer, sealing the data into one or more frames.
func (c *Channel) Write(buf []byte) (int, error) {
	if c.State() != StateConnected {
		if err := c.Err(); err != nil {
			return 0, err
		}
		return 0, ErrNotConnected
	}
	c.sendLock.Lock()
	defer c.sendLock.Unlock()

	written := 0
	for len(buf) > 0 {
		chunk := buf
		if len(chunk) > maxChunk {
			chunk = chunk[:maxChunk]
		}
		sealed := secretbox.Seal(nil, chunk, frameNonce(c.sendSeq), &c.sendKey)
		if err := c.writer.WriteFrame(sealed); err != nil {
			c.loop.Post(func() { c.fail(err) })
			return written, err
		}
		c.sendSeq++
		written += len(chunk)
		buf = buf[len(chunk):]
	}
	return written, nil
}

// frameNonce expands a frame sequence number into a secretbox nonce. Keys are
// directional, so both sides may count from zero.
func frameNonce(seq uint64) *[24]byte {
	var nonce [24]byte
	binary.BigEndian.PutUint64(nonce[16:], seq)
	return &nonce
}
