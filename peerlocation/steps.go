// go-peerfinder - Peer location and connection establishment
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package peerlocation

import (
	"github.com/coronanet/go-peerfinder/clock"
	"github.com/coronanet/go-peerfinder/params"
	"github.com/coronanet/go-peerfinder/protocols"
	"github.com/coronanet/go-peerfinder/relay"
	"github.com/coronanet/go-peerfinder/transport"
)

// step re-evaluates every sub-protocol in order and advances the instance as
// far as currently possible. Calling it repeatedly without any external change
// is a no-op.
//
// Note, this method must run on the instance loop.
func (i *Instance) step() {
	switch i.State() {
	case StateShutdown:
		return
	case StateShuttingDown:
		i.stepShutdown()
		return
	}
	steps := []func(){
		i.stepDirect,
		i.stepSecurity,
		i.stepOutgoingRelay,
		i.stepIncomingRelay,
		i.stepConnectivity,
		i.stepAccept,
		i.stepNotify,
		i.stepDirectSecure,
		i.stepReaders,
		i.stepActivate,
		i.stepActive,
		i.stepIdentify,
		i.stepReady,
	}
	for _, step := range steps {
		step()
		if i.State() >= StateShuttingDown {
			return
		}
	}
}

// stepDirect creates the direct transport on first use and abandons it if the
// remote side gave up on it or it missed its connect deadline.
func (i *Instance) stepDirect() {
	if i.active != nil {
		return
	}
	if i.direct != nil {
		if i.direct.State() == transport.DirectPending && (i.remoteNoDirect || i.connectExpired) {
			i.logger.Debug("Abandoning direct transport", "remote", i.remoteNoDirect, "expired", i.connectExpired)
			i.direct.Cancel()
		}
		return
	}
	if i.directTried || i.factory == nil {
		return
	}
	i.directTried = true

	// The outgoing side answers the remote offer, nothing to answer without one
	if i.reason == ReasonOutgoingFind && i.remoteNoDirect {
		return
	}
	direct, err := i.factory(i.reason == ReasonIncomingFind, i.poke)
	if err != nil {
		i.logger.Warn("Failed to create direct transport", "err", err)
		return
	}
	i.direct = direct
}

// stepSecurity cancels the instance if any channel failed to authenticate the
// remote side. Authentication failures are never retried on another path.
func (i *Instance) stepSecurity() {
	for _, ch := range []*relay.Channel{i.directSecure, i.relayChan} {
		if ch == nil || ch.State() != relay.StateShutdown {
			continue
		}
		if err := ch.Err(); err != nil && err.Code == protocols.CodeForbidden {
			i.cancel(err.Code, err.Reason)
			return
		}
	}
}

// directViable reports whether the direct path may still carry the channel.
func (i *Instance) directViable() bool {
	if i.direct == nil || i.direct.State() == transport.DirectShutdown {
		return false
	}
	if i.directSecure != nil && i.directSecure.State() == relay.StateShutdown {
		return false
	}
	if i.direct.State() == transport.DirectPending && (i.remoteNoDirect || i.connectExpired) {
		return false
	}
	return true
}

// relayViable reports whether a relay channel exists that may still connect.
func (i *Instance) relayViable() bool {
	return i.relayChan != nil && i.relayChan.State() != relay.StateShutdown
}

// stepOutgoingRelay opens a relay channel through the finder once the direct
// path is out of the picture. Only the finding side opens relays.
func (i *Instance) stepOutgoingRelay() {
	if i.active != nil || i.reason != ReasonOutgoingFind || i.relayTried || i.signaling == nil {
		return
	}
	if i.directViable() {
		return
	}
	i.relayTried = true

	header := &protocols.RelayHeader{
		LocalContext:  i.localCtx,
		RemoteContext: i.remoteCtx,
		Remote:        i.remote,
		Proof:         i.signaling.RelayProof(i.remote.Peer),
	}
	signaling := i.signaling
	open := func(notify func()) relay.Stream {
		stream, err := signaling.DialRelay(header, params.PeerIdleTimeout, notify)
		if err != nil {
			return transport.ClosedStream(err)
		}
		return stream
	}
	i.logger.Debug("Falling back to relay channel")
	i.relayChan = relay.NewOutgoing(relay.OutgoingConfig{
		Open:          open,
		Self:          i.self,
		Keys:          i.keys,
		LocalContext:  i.localCtx,
		RemotePeer:    i.remote.Peer,
		RemoteContext: i.remoteCtx,
		RemoteDH:      i.remoteDH,
		Resolver:      i.resolver,
		Clock:         i.clock,
		Notify:        i.poke,
		Logger:        i.logger.New("transport", "relay"),
	})
}

// stepIncomingRelay adopts a relay channel the remote side opened towards us.
func (i *Instance) stepIncomingRelay() {
	if i.pendingRelay == nil {
		return
	}
	open := i.pendingRelay
	i.pendingRelay = nil

	if i.active != nil || i.relayChan != nil {
		i.logger.Debug("Ignoring unneeded relay channel")
		return
	}
	i.relayChan = relay.NewIncoming(relay.IncomingConfig{
		Open:     open,
		Self:     i.self,
		Resolver: i.resolver,
		Clock:    i.clock,
		Notify:   i.poke,
		Logger:   i.logger.New("transport", "relay"),
	})
	i.relayChan.SetIncomingContext(i.localCtx, i.keys)
}

// stepConnectivity cancels the instance if no path to the remote location
// exists and none can appear anymore.
func (i *Instance) stepConnectivity() {
	if i.active != nil || i.directViable() || i.relayViable() {
		return
	}
	switch i.reason {
	case ReasonOutgoingFind:
		if !i.relayTried && i.signaling != nil {
			return
		}
	case ReasonIncomingFind:
		// The finding side may still open a relay towards us
		if i.relayChan == nil && i.signaling != nil {
			return
		}
	}
	i.cancel(protocols.CodeUnavailable, "no connectivity to remote location")
}

// stepAccept hands the remote session description to the direct transport.
func (i *Instance) stepAccept() {
	if i.active != nil || i.direct == nil || i.remoteApplied || i.remoteDesc == "" {
		return
	}
	if i.direct.State() != transport.DirectPending {
		return
	}
	i.remoteApplied = true
	if err := i.direct.SetRemote(i.remoteDesc); err != nil {
		i.logger.Warn("Failed to apply remote description", "err", err)
		i.direct.Cancel()
	}
}

// stepNotify advertises the local connection parameters to the remote side
// once candidate gathering completed, and again whenever they change. Without
// a usable direct transport a bare notify is sent once.
func (i *Instance) stepNotify() {
	if i.active != nil || i.signaling == nil {
		return
	}
	info := i.local.WithoutCandidates()
	if i.directViable() {
		local := i.direct.Candidates()
		if !local.Final || local.Version == i.notifiedVersion {
			return
		}
		i.notifiedVersion = local.Version
		info.Candidates = local.Candidates
		info.CandidatesFinal = true
		info.CandidatesVersion = local.Version
		info.Description = local.Description
	} else {
		if i.notifiedBare || (i.reason == ReasonOutgoingFind && i.remoteNoDirect) {
			return
		}
		i.notifiedBare = true
	}
	notify := &protocols.Envelope{
		PeerLocationFindNotify: &protocols.PeerLocationFindNotify{
			FindID:    i.findID,
			Target:    i.remote,
			From:      info,
			PeerFile:  i.self.Public(),
			DHPublic:  i.keys.Public,
			ContextID: i.localCtx,
		},
	}
	if err := i.signaling.Send(notify); err != nil {
		i.cancel(protocols.CodeUnavailable, "failed to send notify: "+err.Error())
	}
}

// stepDirectSecure starts the secure channel over a connected direct stream.
func (i *Instance) stepDirectSecure() {
	if i.active != nil || i.direct == nil || i.directSecure != nil {
		return
	}
	if i.direct.State() != transport.DirectConnected {
		return
	}
	stream := i.direct.Stream()
	if stream == nil {
		return
	}
	logger := i.logger.New("transport", "direct")
	if i.reason == ReasonOutgoingFind {
		i.directSecure = relay.NewOutgoing(relay.OutgoingConfig{
			Open:          relay.Existing(stream),
			Self:          i.self,
			Keys:          i.keys,
			LocalContext:  i.localCtx,
			RemotePeer:    i.remote.Peer,
			RemoteContext: i.remoteCtx,
			RemoteDH:      i.remoteDH,
			Resolver:      i.resolver,
			Clock:         i.clock,
			Notify:        i.poke,
			Logger:        logger,
		})
		return
	}
	i.directSecure = relay.NewIncoming(relay.IncomingConfig{
		Open:     relay.Existing(stream),
		Self:     i.self,
		Resolver: i.resolver,
		Clock:    i.clock,
		Notify:   i.poke,
		Logger:   logger,
	})
	i.directSecure.SetIncomingContext(i.localCtx, i.keys)
}

// stepReaders starts a document reader on every connected channel.
func (i *Instance) stepReaders() {
	for _, ch := range []*relay.Channel{i.directSecure, i.relayChan} {
		if ch == nil || i.streams[ch] != nil {
			continue
		}
		rw := ch.ReadWriter()
		if rw == nil {
			continue
		}
		i.streams[ch] = rw
		go i.read(ch, rw)
	}
}

// stepActivate picks the channel carrying the messaging on the finding side.
// The direct channel wins if both are up. The other side follows whichever
// channel the identification arrives on.
func (i *Instance) stepActivate() {
	if i.active != nil || i.reason != ReasonOutgoingFind {
		return
	}
	switch {
	case i.directSecure != nil && i.streams[i.directSecure] != nil:
		i.activate(i.directSecure)
	case i.relayChan != nil && i.streams[i.relayChan] != nil:
		i.activate(i.relayChan)
	}
}

// activate selects a channel for messaging and cancels every other path.
func (i *Instance) activate(ch *relay.Channel) {
	name := "relay"
	if ch == i.directSecure {
		name = "direct"
	}
	i.active = ch
	i.writer = protocols.NewFrameWriter(i.streams[ch])

	i.lock.Lock()
	i.activeName = name
	i.lock.Unlock()

	if ch != i.directSecure {
		if i.directSecure != nil {
			i.directSecure.Cancel()
		}
		if i.direct != nil {
			i.direct.Cancel()
		}
	}
	if ch != i.relayChan && i.relayChan != nil {
		i.relayChan.Cancel()
	}
	i.logger.Debug("Peer channel selected", "transport", name)
}

// stepActive tears the instance down if the active channel died.
func (i *Instance) stepActive() {
	if i.active == nil || i.active.State() != relay.StateShutdown {
		return
	}
	code, reason := protocols.CodeUnavailable, "channel closed"
	if err := i.active.Err(); err != nil {
		code, reason = err.Code, err.Reason
	}
	i.cancel(code, reason)
}

// stepReady brings up messaging once identified.
func (i *Instance) stepReady() {
	if !i.identified || i.State() != StatePending {
		return
	}
	for _, timer := range []clock.Timer{i.connectTimer, i.deadlineTimer, i.refindTimer} {
		if timer != nil {
			timer.Stop()
		}
	}
	i.setState(StateReady)
	i.scheduleKeepAlive()
}

// cancel tears the instance down, recording the first error. Monitors and
// timers stop at once, sub-components are cancelled from the top down and the
// instance reaches shutdown once all of them report it.
//
// Note, this method must run on the instance loop.
func (i *Instance) cancel(code int, reason string) {
	if i.State() >= StateShuttingDown {
		return
	}
	i.lock.Lock()
	if i.err == nil {
		i.err = &protocols.Error{Code: code, Reason: reason}
	}
	i.lock.Unlock()

	if code != protocols.CodeShuttingDown {
		i.logger.Debug("Peer location failed", "code", code, "reason", reason)
	}
	i.monitors.CancelAll()
	for _, timer := range []clock.Timer{i.connectTimer, i.deadlineTimer, i.refindTimer, i.keepaliveTimer} {
		if timer != nil {
			timer.Stop()
		}
	}
	if i.identified && i.writer != nil {
		if err := i.writer.Write(&protocols.Envelope{PeerDisconnect: &protocols.PeerDisconnect{Reason: reason}}); err != nil {
			i.logger.Trace("Failed to send disconnect", "err", err)
		}
	}
	i.setState(StateShuttingDown)

	if i.directSecure != nil {
		i.directSecure.Cancel()
	}
	if i.relayChan != nil {
		i.relayChan.Cancel()
	}
	if i.direct != nil {
		i.direct.Cancel()
	}
	i.stepShutdown()
}

// stepShutdown finalizes a cancelled instance once every sub-component it owns
// reported shutdown.
func (i *Instance) stepShutdown() {
	for _, ch := range []*relay.Channel{i.directSecure, i.relayChan} {
		if ch != nil && ch.State() != relay.StateShutdown {
			return
		}
	}
	if i.direct != nil && i.direct.State() != transport.DirectShutdown {
		return
	}
	i.setState(StateShutdown)
	i.loop.Close()
}
