// go-peerfinder - Peer location and connection establishment
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package peerlocation

import (
	"errors"
	"fmt"
	"io"

	"github.com/coronanet/go-peerfinder/monitor"
	"github.com/coronanet/go-peerfinder/params"
	"github.com/coronanet/go-peerfinder/protocols"
	"github.com/coronanet/go-peerfinder/relay"
)

// errNoChannel is returned when sending before a channel was selected.
var errNoChannel = errors.New("no active channel")

// localVersions is the set of protocol versions spoken by this node.
var localVersions = []uint{params.ProtocolVersion}

// read decodes documents from a connected channel and feeds them into the
// instance loop until the channel fails.
func (i *Instance) read(ch *relay.Channel, r io.Reader) {
	reader := protocols.NewFrameReader(r)
	for {
		msg := new(protocols.Envelope)
		if err := reader.Read(msg); err != nil {
			i.loop.Post(func() { i.handleReadFailure(ch, err) })
			return
		}
		i.loop.Post(func() { i.handleMessage(ch, msg) })
	}
}

// handleReadFailure reacts to a channel that stopped delivering documents.
//
// Note, this method must run on the instance loop.
func (i *Instance) handleReadFailure(ch *relay.Channel, err error) {
	if ch != i.active {
		ch.Cancel()
		i.step()
		return
	}
	if i.State() < StateShuttingDown {
		i.cancel(protocols.CodeUnavailable, "channel read failed: "+err.Error())
	}
}

// send writes a document onto the active channel.
//
// Note, this method must run on the instance loop.
func (i *Instance) send(msg *protocols.Envelope) error {
	if i.writer == nil {
		return errNoChannel
	}
	return i.writer.Write(msg)
}

// handleMessage processes a document arriving on one of the channels.
//
// Note, this method must run on the instance loop.
func (i *Instance) handleMessage(ch *relay.Channel, msg *protocols.Envelope) {
	if i.State() >= StateShuttingDown {
		return
	}
	if i.active != nil && ch != i.active {
		i.logger.Debug("Dropping message from inactive channel", "method", msg.Method())
		return
	}
	i.lock.Lock()
	i.lastActivity = i.clock.Now()
	i.lock.Unlock()

	switch {
	case msg.Kind() == protocols.KindResult:
		if !i.monitors.Deliver(msg) {
			i.logger.Debug("Dropping unsolicited result", "id", msg.ID, "method", msg.Method())
		}
	case msg.PeerIdentify != nil:
		i.handleIdentify(ch, msg)

	case !i.identified:
		i.reject(ch, msg, protocols.CodeBadRequest, fmt.Sprintf("%s before identify", msg.Method()))

	case msg.PeerKeepAlive != nil:
		if err := i.send(&protocols.Envelope{ID: msg.ID, PeerKeepAliveResult: &protocols.PeerKeepAliveResult{}}); err != nil {
			i.cancel(protocols.CodeUnavailable, "failed to answer keepalive: "+err.Error())
		}
	case msg.PeerDisconnect != nil:
		i.cancel(protocols.CodeShuttingDown, "remote disconnected: "+msg.PeerDisconnect.Reason)

	default:
		i.logger.Debug("Unsupported peer message", "method", msg.Method())
		if msg.Kind() == protocols.KindRequest {
			if err := i.send(protocols.ErrorResult(msg.ID, protocols.CodeBadRequest, "unsupported "+msg.Method())); err != nil {
				i.cancel(protocols.CodeUnavailable, "failed to reject message: "+err.Error())
			}
		}
	}
	i.step()
}

// reject answers a request with an error and tears the instance down.
//
// Note, this method must run on the instance loop.
func (i *Instance) reject(ch *relay.Channel, msg *protocols.Envelope, code int, reason string) {
	if msg.Kind() == protocols.KindRequest {
		writer := i.writer
		if ch != i.active {
			writer = protocols.NewFrameWriter(i.streams[ch])
		}
		if writer != nil {
			if err := writer.Write(protocols.ErrorResult(msg.ID, code, reason)); err != nil {
				i.logger.Trace("Failed to send error result", "err", err)
			}
		}
	}
	i.cancel(code, reason)
}

// stepIdentify sends the identification of the finding side over the active
// channel, proving possession of the find token.
func (i *Instance) stepIdentify() {
	if i.reason != ReasonOutgoingFind || i.active == nil || i.identifying {
		return
	}
	i.identifying = true

	now := i.clock.Now()
	request := &protocols.Envelope{
		PeerIdentify: &protocols.PeerIdentify{
			Versions:  localVersions,
			Location:  i.local.WithoutCandidates(),
			PeerFile:  i.self.Public(),
			FindProof: i.find.FindToken.CreateProofAt(i.remote.ID, params.PeerFindValidity, now),
			Expires:   now.Add(params.PeerFindValidity),
		},
	}
	// Results and errors are delivered either by the reader or by a failed send,
	// both on the instance loop. Only timeouts arrive from the outside.
	i.monitors.MonitorAndSend(i.send, request, params.PeerIdentifyTimeout, monitor.Handlers{
		OnResult: func(reply *protocols.Envelope) {
			i.handleIdentifyResult(reply.PeerIdentifyResult)
		},
		OnError: func(err *protocols.Error) {
			i.cancel(err.Code, "identify rejected: "+err.Reason)
		},
		OnTimeout: func() {
			i.loop.Post(func() { i.cancel(protocols.CodeTimeout, "identify timed out") })
		},
	})
}

// handleIdentifyResult completes the identification of the finding side.
//
// Note, this method must run on the instance loop.
func (i *Instance) handleIdentifyResult(result *protocols.PeerIdentifyResult) {
	if i.State() >= StateShuttingDown {
		return
	}
	switch {
	case result == nil:
		i.cancel(protocols.CodeBadRequest, "unexpected identify reply")
		return
	case result.Location.ID != i.remote.ID:
		i.cancel(protocols.CodeBadRequest, fmt.Sprintf("identify answered by location %s, want %s", result.Location.ID, i.remote.ID))
		return
	}
	if _, err := protocols.NegotiateVersion(localVersions, []uint{result.Version}); err != nil {
		i.cancel(protocols.CodeBadRequest, err.Error())
		return
	}
	i.markIdentified(result.Version)
	i.step()
}

// handleIdentify validates the identification of the finding side and answers
// it. The channel it arrives on becomes the active one.
//
// Note, this method must run on the instance loop.
func (i *Instance) handleIdentify(ch *relay.Channel, msg *protocols.Envelope) {
	if i.reason != ReasonIncomingFind || i.identified {
		i.reject(ch, msg, protocols.CodeBadRequest, "unexpected identify")
		return
	}
	if i.active == nil {
		i.activate(ch)
	}
	var (
		request = msg.PeerIdentify
		now     = i.clock.Now()
	)
	switch {
	case request.PeerFile.URI() != i.remote.Peer:
		i.reject(ch, msg, protocols.CodeForbidden, "identity does not match find")
		return
	case ch.RemotePeer() != i.remote.Peer:
		i.reject(ch, msg, protocols.CodeForbidden, "identity does not match channel")
		return
	case request.Location.ID != i.remote.ID:
		i.reject(ch, msg, protocols.CodeBadRequest, "location does not match find")
		return
	case !request.Expires.IsZero() && now.After(request.Expires):
		i.reject(ch, msg, protocols.CodeForbidden, "identification expired")
		return
	case request.FindProof.Resource != i.local.ID || !i.find.FindToken.ValidateAt(request.FindProof, now):
		i.reject(ch, msg, protocols.CodeForbidden, "invalid find proof")
		return
	}
	version, err := protocols.NegotiateVersion(localVersions, request.Versions)
	if err != nil {
		i.reject(ch, msg, protocols.CodeBadRequest, err.Error())
		return
	}
	result := &protocols.Envelope{
		ID: msg.ID,
		PeerIdentifyResult: &protocols.PeerIdentifyResult{
			Version:  version,
			Location: i.local.WithoutCandidates(),
		},
	}
	if err := i.send(result); err != nil {
		i.cancel(protocols.CodeUnavailable, "failed to answer identify: "+err.Error())
		return
	}
	i.markIdentified(version)
}

// markIdentified records a completed identify handshake.
//
// Note, this method must run on the instance loop.
func (i *Instance) markIdentified(version uint) {
	i.identified = true

	i.lock.Lock()
	i.version = version
	i.identifiedAt = i.clock.Now()
	i.lock.Unlock()

	i.logger.Debug("Peer location identified", "version", version)
}

// scheduleKeepAlive arms the next liveness check.
//
// Note, this method must run on the instance loop.
func (i *Instance) scheduleKeepAlive() {
	i.keepaliveTimer = i.clock.AfterFunc(params.PeerKeepAliveInterval, func() {
		i.loop.Post(i.sendKeepAlive)
	})
}

// sendKeepAlive sends a monitored keepalive. A missing answer is only logged,
// an error answer tears the instance down.
//
// Note, this method must run on the instance loop.
func (i *Instance) sendKeepAlive() {
	if i.State() != StateReady {
		return
	}
	request := &protocols.Envelope{PeerKeepAlive: &protocols.PeerKeepAlive{}}
	i.monitors.MonitorAndSend(i.send, request, params.PeerKeepAliveTimeout, monitor.Handlers{
		OnError: func(err *protocols.Error) {
			i.cancel(err.Code, "keepalive failed: "+err.Reason)
		},
		OnTimeout: func() {
			i.logger.Warn("Peer keepalive timed out")
		},
	})
	i.scheduleKeepAlive()
}
