// go-peerfinder - Peer location and connection establishment
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package transport

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/coronanet/go-peerfinder/identity"
	"github.com/ethereum/go-ethereum/log"
	"github.com/pion/webrtc/v4"
)

// iceDataChannelLabel is the label of the single data channel carrying the
// peer stream.
const iceDataChannelLabel = "peer"

var (
	// ErrDirectCancelled is the shutdown reason of a direct transport cancelled
	// locally.
	ErrDirectCancelled = errors.New("direct transport cancelled")

	// ErrDirectFailed is the shutdown reason of a direct transport whose
	// connectivity checks failed.
	ErrDirectFailed = errors.New("direct transport failed")

	// ErrRemoteAlreadySet is returned if the remote description is applied twice.
	ErrRemoteAlreadySet = errors.New("remote description already set")
)

// DirectState is the lifecycle of a direct transport. It only ever advances.
type DirectState int

const (
	DirectPending   DirectState = iota // Gathering or checking connectivity
	DirectConnected                    // Reliable stream available
	DirectShutdown                     // Terminated, see Err for the reason
)

// String implements fmt.Stringer.
func (s DirectState) String() string {
	switch s {
	case DirectPending:
		return "pending"
	case DirectConnected:
		return "connected"
	case DirectShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// LocalCandidates is a snapshot of the locally gathered candidates.
type LocalCandidates struct {
	Candidates  []identity.Candidate // Gathered so far, in discovery order
	Final       bool                 // Whether gathering completed
	Version     string               // Advances every time the set changes
	Description string               // Session description to hand to the remote side, set once final
}

// ICEConfig can be used to fine tune the setup of a direct transport.
type ICEConfig struct {
	Offerer     bool               // Whether this side creates the offer and the data channel
	Servers     []webrtc.ICEServer // STUN and TURN servers to gather through
	IdleTimeout time.Duration      // Maximum silence on the established stream
	Notify      func()             // Invoked on every candidate or state change

	Logger log.Logger // Logger to allow injecting contextual tags
}

// ICETransport is a direct peer-to-peer transport negotiated with vanilla ICE
// over a WebRTC peer connection. The reliable stream is a detached, ordered
// data channel.
type ICETransport struct {
	conn    *webrtc.PeerConnection
	offerer bool
	idle    time.Duration
	notify  func()

	candidates  []identity.Candidate // Local candidates gathered so far
	final       bool                 // Whether local gathering completed
	version     uint64               // Local candidate set version
	description string               // Local session description once final
	remoteSet   bool                 // Whether the remote description was applied

	state  DirectState
	err    error
	stream *Stream

	logger log.Logger
	lock   sync.RWMutex
}

// NewICETransport creates a direct transport. The offering side starts gathering
// right away, the answering side only once the remote offer is applied.
func NewICETransport(config ICEConfig) (*ICETransport, error) {
	settings := webrtc.SettingEngine{}
	settings.DetachDataChannels()
	settings.SetIncludeLoopbackCandidate(true)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settings))
	conn, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: config.Servers})
	if err != nil {
		return nil, err
	}
	t := &ICETransport{
		conn:    conn,
		offerer: config.Offerer,
		idle:    config.IdleTimeout,
		notify:  config.Notify,
		logger:  config.Logger,
	}
	if t.logger == nil {
		t.logger = log.Root()
	}
	conn.OnICECandidate(t.handleCandidate)
	conn.OnICEConnectionStateChange(t.handleConnectionState)

	if !t.offerer {
		conn.OnDataChannel(t.handleDataChannel)
		return t, nil
	}
	ordered := true
	channel, err := conn.CreateDataChannel(iceDataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		conn.Close()
		return nil, err
	}
	t.handleDataChannel(channel)

	offer, err := conn.CreateOffer(nil)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.SetLocalDescription(offer); err != nil {
		conn.Close()
		return nil, err
	}
	return t, nil
}

// State returns the current lifecycle state.
func (t *ICETransport) State() DirectState {
	t.lock.RLock()
	defer t.lock.RUnlock()

	return t.state
}

// Err returns the shutdown reason, nil while live.
func (t *ICETransport) Err() error {
	t.lock.RLock()
	defer t.lock.RUnlock()

	return t.err
}

// Stream returns the reliable stream once connected, nil before.
func (t *ICETransport) Stream() *Stream {
	t.lock.RLock()
	defer t.lock.RUnlock()

	return t.stream
}

// Candidates returns a snapshot of the local candidates.
func (t *ICETransport) Candidates() LocalCandidates {
	t.lock.RLock()
	defer t.lock.RUnlock()

	return LocalCandidates{
		Candidates:  append([]identity.Candidate(nil), t.candidates...),
		Final:       t.final,
		Version:     strconv.FormatUint(t.version, 10),
		Description: t.description,
	}
}

// SetRemote applies the remote side's session description. On the answering
// side this also starts local gathering.
func (t *ICETransport) SetRemote(description string) error {
	t.lock.Lock()
	if t.remoteSet {
		t.lock.Unlock()
		return ErrRemoteAlreadySet
	}
	t.remoteSet = true
	t.lock.Unlock()

	if t.offerer {
		return t.conn.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: description})
	}
	if err := t.conn.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: description}); err != nil {
		return err
	}
	answer, err := t.conn.CreateAnswer(nil)
	if err != nil {
		return err
	}
	return t.conn.SetLocalDescription(answer)
}

// Cancel tears the transport down. Cancelling a shut down transport is a no-op.
func (t *ICETransport) Cancel() {
	t.shutdown(ErrDirectCancelled)
}

// shutdown terminates the transport with the given reason, keeping only the
// first one.
func (t *ICETransport) shutdown(reason error) {
	t.lock.Lock()
	if t.state == DirectShutdown {
		t.lock.Unlock()
		return
	}
	t.state, t.err = DirectShutdown, reason
	stream := t.stream
	t.lock.Unlock()

	t.logger.Debug("Direct transport shut down", "reason", reason)
	if stream != nil {
		stream.Cancel()
	}
	go t.conn.Close()
	t.fire()
}

// handleCandidate collects a gathered candidate. A nil candidate signals that
// gathering completed.
func (t *ICETransport) handleCandidate(candidate *webrtc.ICECandidate) {
	var description string
	if candidate == nil {
		if desc := t.conn.LocalDescription(); desc != nil {
			description = desc.SDP
		}
	}
	t.lock.Lock()
	if t.state == DirectShutdown {
		t.lock.Unlock()
		return
	}
	if candidate == nil {
		t.final, t.description = true, description
	} else {
		t.candidates = append(t.candidates, convertCandidate(candidate))
	}
	t.version++
	t.lock.Unlock()

	t.fire()
}

// handleConnectionState tears the transport down if connectivity is lost.
func (t *ICETransport) handleConnectionState(state webrtc.ICEConnectionState) {
	t.logger.Trace("Direct transport connectivity changed", "state", state)
	switch state {
	case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateClosed:
		t.shutdown(fmt.Errorf("%w: ice %s", ErrDirectFailed, state))
	}
}

// handleDataChannel waits for the peer data channel to open and turns it into
// the transport's reliable stream.
func (t *ICETransport) handleDataChannel(channel *webrtc.DataChannel) {
	if channel.Label() != iceDataChannelLabel {
		t.logger.Warn("Unexpected data channel", "label", channel.Label())
		channel.Close()
		return
	}
	channel.OnOpen(func() {
		raw, err := channel.Detach()
		if err != nil {
			t.shutdown(fmt.Errorf("%w: detach: %v", ErrDirectFailed, err))
			return
		}
		stream := NewStream(newDataChannelConn(raw, iceDataChannelLabel), t.idle, func() {
			t.shutdown(fmt.Errorf("%w: stream closed", ErrDirectFailed))
		})
		t.lock.Lock()
		if t.state != DirectPending {
			t.lock.Unlock()
			stream.Cancel()
			return
		}
		t.state, t.stream = DirectConnected, stream
		t.lock.Unlock()

		t.logger.Debug("Direct transport connected")
		t.fire()
	})
}

// fire invokes the change notification, if any.
func (t *ICETransport) fire() {
	if t.notify != nil {
		t.notify()
	}
}

// convertCandidate maps a pion candidate into the signaling representation.
func convertCandidate(c *webrtc.ICECandidate) identity.Candidate {
	var kind identity.CandidateType
	switch c.Typ {
	case webrtc.ICECandidateTypeSrflx:
		kind = identity.CandidateServerReflexive
	case webrtc.ICECandidateTypePrflx:
		kind = identity.CandidatePeerReflexive
	case webrtc.ICECandidateTypeRelay:
		kind = identity.CandidateRelayed
	default:
		kind = identity.CandidateLocal
	}
	return identity.Candidate{
		Namespace:  "ice",
		Transport:  c.Protocol.String(),
		IP:         c.Address,
		Port:       c.Port,
		Priority:   c.Priority,
		Type:       kind,
		Foundation: c.Foundation,
	}
}
