// go-peerfinder - Peer location and connection establishment
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

// Package relay implements the security handshake of a peer channel running
// over a byte stream, be it a finder relay or a direct transport.
package relay

import (
	"fmt"
	"io"
	"sync"

	"github.com/coronanet/go-peerfinder/clock"
	"github.com/coronanet/go-peerfinder/eventloop"
	"github.com/coronanet/go-peerfinder/identity"
	"github.com/coronanet/go-peerfinder/protocols"
	"github.com/coronanet/go-peerfinder/secchan"
	"github.com/coronanet/go-peerfinder/transport"
	"github.com/ethereum/go-ethereum/log"
)

// State is the lifecycle state of a relay channel.
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

// Stream is the byte stream a relay channel secures.
type Stream interface {
	io.ReadWriter
	State() transport.StreamState
	Err() error
	Cancel()
}

// Opener creates the underlying stream of a channel, wiring its state change
// notifications into the channel.
type Opener func(notify func()) Stream

// Existing wraps an already created stream into an opener. Its notifications
// are not observed, failures surface through the security channel instead.
func Existing(stream Stream) Opener {
	return func(func()) Stream { return stream }
}

// KeyResolver looks up the identity key of a peer by its URI.
type KeyResolver interface {
	ResolveKey(uri string) (identity.PublicKey, bool)
}

// KeyResolverFunc is an adapter to use plain functions as key resolvers.
type KeyResolverFunc func(uri string) (identity.PublicKey, bool)

// ResolveKey implements KeyResolver.
func (f KeyResolverFunc) ResolveKey(uri string) (identity.PublicKey, bool) {
	return f(uri)
}

// OutgoingConfig is the configuration of the initiating side of a channel, who
// knows everything about both ends up front.
type OutgoingConfig struct {
	Open          Opener             // Creates the underlying stream
	Self          *identity.PeerFile // Local identity signing the keying material
	Keys          secchan.KeyPair    // Local key agreement key pair
	LocalContext  string             // Local security context id
	RemotePeer    string             // Expected remote peer URI
	RemoteContext string             // Expected remote security context id
	RemoteDH      []byte             // Expected remote key agreement key, optional
	Resolver      KeyResolver        // Resolves peer URIs into identity keys
	Clock         clock.Clock        // Time source, defaults to the real clock
	Notify        func()             // State change callback, invoked without locks held
	Logger        log.Logger         // Logger to use, defaults to the root logger
}

// IncomingConfig is the configuration of the accepting side of a channel, who
// only learns its context once the stream is mapped to a location.
type IncomingConfig struct {
	Open           Opener             // Creates the underlying stream
	Self           *identity.PeerFile // Local identity signing the keying material
	Resolver       KeyResolver        // Resolves peer URIs into identity keys
	OnNeedsContext func()             // Invoked when the local context is needed
	Clock          clock.Clock        // Time source, defaults to the real clock
	Notify         func()             // State change callback, invoked without locks held
	Logger         log.Logger         // Logger to use, defaults to the root logger
}

// Channel is a relay channel: a byte stream with a security channel on top.
type Channel struct {
	outgoing bool
	self     *identity.PeerFile
	resolver KeyResolver
	clock    clock.Clock
	needsCtx func()
	notify   func()
	logger   log.Logger

	loop   *eventloop.Loop
	stream Stream
	secure *secchan.Channel

	localCtx  string           // Local context, applied once the secure channel starts
	keys      *secchan.KeyPair // Local key pair, applied once the secure channel starts
	remoteCtx string           // Expected remote context, optional
	remoteDH  []byte           // Expected remote key agreement key, optional

	state      State
	err        *protocols.Error
	remotePeer string
	askedCtx   bool
	subs       []func(State)

	lock sync.RWMutex
}

// NewOutgoing creates the initiating side of a relay channel.
func NewOutgoing(config OutgoingConfig) *Channel {
	c := newChannel(true, config.Self, config.Resolver, config.Clock, nil, config.Notify, config.Logger)
	c.remotePeer = config.RemotePeer
	c.localCtx, c.keys = config.LocalContext, &config.Keys
	c.remoteCtx, c.remoteDH = config.RemoteContext, config.RemoteDH

	c.loop.Post(func() {
		c.open(config.Open)
		c.step()
	})
	return c
}

// NewIncoming creates the accepting side of a relay channel. The local context
// is supplied later through SetIncomingContext.
func NewIncoming(config IncomingConfig) *Channel {
	c := newChannel(false, config.Self, config.Resolver, config.Clock, config.OnNeedsContext, config.Notify, config.Logger)
	c.loop.Post(func() {
		c.open(config.Open)
		c.step()
	})
	return c
}

func newChannel(outgoing bool, self *identity.PeerFile, resolver KeyResolver, clk clock.Clock, needsCtx func(), notify func(), logger log.Logger) *Channel {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = log.Root()
	}
	return &Channel{
		outgoing: outgoing,
		self:     self,
		resolver: resolver,
		clock:    clk,
		needsCtx: needsCtx,
		notify:   notify,
		logger:   logger,
		loop:     eventloop.New(),
		state:    StatePending,
	}
}

// open creates the underlying stream. The security channel is only started
// once the stream is connected.
//
// Note, this method must run on the channel loop.
func (c *Channel) open(opener Opener) {
	c.stream = opener(c.poke)
	c.ensureSecure()
}

// ensureSecure starts the security channel if the stream is up.
//
// Note, this method must run on the channel loop.
func (c *Channel) ensureSecure() {
	if c.secure != nil || c.stream == nil || c.stream.State() != transport.StreamConnected {
		return
	}
	c.secure = secchan.New(secchan.Config{
		Conn:   c.stream,
		Clock:  c.clock,
		Notify: c.poke,
		Logger: c.logger,
	})
	if c.remoteCtx != "" || c.remoteDH != nil {
		c.secure.SetExpectedRemote(c.remoteCtx, c.remoteDH)
	}
	c.applyContext()
}

// applyContext hands the local context and key pair to the security channel
// once both exist.
//
// Note, this method must run on the channel loop.
func (c *Channel) applyContext() {
	if c.secure == nil || c.localCtx == "" || c.keys == nil {
		return
	}
	c.secure.SetLocalContext(c.localCtx)
	c.secure.SetReceiveKeying(*c.keys)
}

// poke schedules a re-evaluation of the channel.
func (c *Channel) poke() {
	c.loop.Post(c.step)
}

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.lock.RLock()
	defer c.lock.RUnlock()

	return c.state
}

// Err returns the first error recorded on the channel.
func (c *Channel) Err() *protocols.Error {
	c.lock.RLock()
	defer c.lock.RUnlock()

	return c.err
}

// RemotePeer returns the verified URI of the remote peer, empty until known.
func (c *Channel) RemotePeer() string {
	c.lock.RLock()
	defer c.lock.RUnlock()

	return c.remotePeer
}

// ReadWriter returns the encrypted byte stream of a connected channel, nil
// otherwise.
func (c *Channel) ReadWriter() io.ReadWriter {
	c.lock.RLock()
	defer c.lock.RUnlock()

	if c.state != StateConnected {
		return nil
	}
	return c.secure
}

// SetIncomingContext supplies the local context and key pair of an accepting
// channel once it has been mapped to a location.
func (c *Channel) SetIncomingContext(contextID string, keys secchan.KeyPair) {
	c.loop.Post(func() {
		if c.localCtx != "" {
			return
		}
		c.localCtx, c.keys = contextID, &keys
		c.applyContext()
		c.step()
	})
}

// SetError records a failure and shuts the channel down. Only the first error
// is retained.
func (c *Channel) SetError(code int, reason string) {
	c.loop.Post(func() { c.fail(code, reason) })
}

// Cancel shuts the channel down. It is safe to call multiple times.
func (c *Channel) Cancel() {
	c.SetError(protocols.CodeShuttingDown, "cancelled")
}

// Subscribe registers a callback for state changes. The current state is
// delivered first, then every transition in order. Callbacks run on the channel
// loop and must not block.
func (c *Channel) Subscribe(fn func(State)) {
	delivered := c.loop.Call(func() {
		c.lock.Lock()
		state := c.state
		c.subs = append(c.subs, fn)
		c.lock.Unlock()

		fn(state)
	})
	if !delivered {
		fn(c.State())
	}
}

// step re-evaluates the handshake needs and the channel state.
//
// Note, this method must run on the channel loop.
func (c *Channel) step() {
	if c.State() == StateShutdown {
		return
	}
	if c.stream != nil && c.stream.State() == transport.StreamShutdown {
		reason := "stream closed"
		if err := c.stream.Err(); err != nil {
			reason = err.Error()
		}
		c.fail(protocols.CodeUnavailable, reason)
		return
	}
	c.ensureSecure()
	if c.secure == nil {
		c.setState(StatePending)
		return
	}
	switch c.secure.State() {
	case secchan.StateShutdown:
		code, reason := protocols.CodeUnavailable, "secure channel closed"
		if err := c.secure.Err(); err != nil {
			if secchan.IsSecurityFailure(err) {
				code = protocols.CodeForbidden
			}
			reason = err.Error()
		}
		c.fail(code, reason)
		return

	case secchan.StateConnected:
		if c.stream.State() == transport.StreamConnected {
			if signer, ok := c.secure.RemoteSigner(); ok {
				c.lock.Lock()
				c.remotePeer = signer.URI()
				c.lock.Unlock()
			}
			c.setState(StateConnected)
		}
		return

	case secchan.StateWaitingForNeededInformation:
		if !c.satisfy() {
			c.setState(StateWaitingForNeededInformation)
			return
		}
	}
	c.setState(StatePending)
}

// satisfy supplies everything the security channel waits for that the relay
// can produce itself. It returns false if the owner has to step in.
//
// Note, this method must run on the channel loop.
func (c *Channel) satisfy() bool {
	// Local context, only the owner can map the channel to a location
	if c.secure.NeedsLocalContext() {
		if !c.askedCtx && c.needsCtx != nil {
			c.askedCtx = true
			c.needsCtx()
		}
		return false
	}
	// Receive keying comes together with the context on accepting channels
	if c.secure.NeedsReceiveKeying() {
		return false
	}
	// Remote verification key, resolved by URI or taken from the embedded file
	if signer, ok := c.secure.NeedsVerificationKey(); ok {
		key, err := c.resolve(signer)
		if err != nil {
			c.fail(protocols.CodeForbidden, err.Error())
			return true
		}
		c.secure.SetVerificationKey(key)
	}
	// Local keying material, initiators refer to themselves by URI while
	// acceptors hand over their full key
	if km, ok := c.secure.PendingSignature(); ok {
		signer := secchan.Signer{PeerURI: c.self.URI()}
		if !c.outgoing {
			pub := c.self.Public()
			signer = secchan.Signer{PeerFile: &pub}
		}
		km.Signer = signer
		c.secure.SetSignature(signer, c.self.Key.Sign(km.SigningBytes()))
	}
	return true
}

// resolve finds the verification key of a remote signer.
//
// Note, this method must run on the channel loop.
func (c *Channel) resolve(signer secchan.Signer) (identity.PublicKey, error) {
	uri := signer.URI()
	if c.remotePeer != "" && uri != c.remotePeer {
		return nil, fmt.Errorf("unexpected signer %s, want %s", uri, c.remotePeer)
	}
	if signer.PeerFile != nil {
		return signer.PeerFile.Key, nil
	}
	if c.resolver != nil {
		if key, ok := c.resolver.ResolveKey(uri); ok {
			return key, nil
		}
	}
	return nil, fmt.Errorf("unknown signer %s", uri)
}

// setState transitions the channel and informs subscribers if anything changed.
//
// Note, this method must run on the channel loop.
func (c *Channel) setState(state State) {
	c.lock.Lock()
	if c.state == state || c.state == StateShutdown {
		c.lock.Unlock()
		return
	}
	c.state = state
	subs := append([]func(State){}, c.subs...)
	c.lock.Unlock()

	for _, sub := range subs {
		sub(state)
	}
	if c.notify != nil {
		c.notify()
	}
}

// fail shuts the channel down with the first recorded error.
//
// Note, this method must run on the channel loop.
func (c *Channel) fail(code int, reason string) {
	c.lock.Lock()
	if c.state == StateShutdown {
		c.lock.Unlock()
		return
	}
	if c.err == nil {
		c.err = &protocols.Error{Code: code, Reason: reason}
	}
	c.lock.Unlock()

	if code != protocols.CodeShuttingDown {
		c.logger.Debug("Relay channel failed", "code", code, "reason", reason)
	}
	if c.secure != nil {
		c.secure.Cancel()
	}
	if c.stream != nil {
		c.stream.Cancel()
	}
	c.setState(StateShutdown)
	c.loop.Close()
}
