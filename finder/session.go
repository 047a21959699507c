// go-peerfinder - Peer location and connection establishment
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

// Package finder implements the client side of a rendezvous server session:
// registration, keepalives, signaling message exchange and relay dialing.
package finder

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/coronanet/go-peerfinder/clock"
	"github.com/coronanet/go-peerfinder/eventloop"
	"github.com/coronanet/go-peerfinder/identity"
	"github.com/coronanet/go-peerfinder/monitor"
	"github.com/coronanet/go-peerfinder/params"
	"github.com/coronanet/go-peerfinder/protocols"
	"github.com/coronanet/go-peerfinder/settings"
	"github.com/coronanet/go-peerfinder/token"
	"github.com/coronanet/go-peerfinder/transport"
	"github.com/ethereum/go-ethereum/log"
)

// ErrNotReady is returned when sending through a session that is not
// registered with its finder.
var ErrNotReady = errors.New("finder session not ready")

// State is the lifecycle state of a finder session.
type State int

const (
	StatePending State = iota
	StateReady
	StateShuttingDown
	StateShutdown
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateReady:
		return "ready"
	case StateShuttingDown:
		return "shutting-down"
	case StateShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Config is the set of collaborators of a finder session.
type Config struct {
	Descriptor *identity.FinderDescriptor // Finder to register with
	Domain     string                     // Domain the finder serves
	Gateway    transport.Gateway          // Network access to the finder
	Self       *identity.PeerFile         // Local peer credentials
	Location   identity.LocationInfo      // Local location, candidates are stripped
	Settings   settings.Provider          // Operator settings, defaults to the built-ins
	Clock      clock.Clock                // Time source, defaults to the real clock

	// Handler receives every request and notify pushed by the finder. It runs
	// on the session reader goroutine and must not block.
	Handler func(msg *protocols.Envelope)

	Logger log.Logger // Logger to use, defaults to the root logger
}

// Session is a registration with a single finder.
type Session struct {
	desc     *identity.FinderDescriptor
	domain   string
	gateway  transport.Gateway
	self     *identity.PeerFile
	location identity.LocationInfo
	settings settings.Provider
	clock    clock.Clock
	handler  func(*protocols.Envelope)
	logger   log.Logger

	loop     *eventloop.Loop
	monitors *monitor.Manager
	stream   *transport.Stream
	writer   *protocols.LineWriter
	reading  bool

	create    *monitor.Handle // Outstanding create request
	keepalive *monitor.Handle // Outstanding keepalive request
	delete    *monitor.Handle // Outstanding delete request
	timer     clock.Timer     // Keepalive trigger

	state       State
	err         *protocols.Error
	serverAgent string
	expires     time.Time
	relayAccess token.Token
	subs        []func(State)

	lock sync.RWMutex
}

// NewSession creates a finder session and starts connecting to the finder.
func NewSession(config Config) *Session {
	if config.Settings == nil {
		config.Settings = settings.NewStatic(settings.Default)
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = log.Root()
	}
	logger := config.Logger.New("finder", config.Descriptor.ID)

	s := &Session{
		desc:     config.Descriptor,
		domain:   config.Domain,
		gateway:  config.Gateway,
		self:     config.Self,
		location: config.Location.WithoutCandidates(),
		settings: config.Settings,
		clock:    config.Clock,
		handler:  config.Handler,
		logger:   logger,
		loop:     eventloop.New(),
		monitors: monitor.NewManager(config.Clock, logger),
		state:    StatePending,
	}
	s.loop.Post(s.connect)
	return s
}

// connect dials the signaling endpoint of the finder.
//
// Note, this method must run on the session loop.
func (s *Session) connect() {
	addr, err := s.desc.Address(identity.FinderTransportSession)
	if err != nil {
		s.shutdown(protocols.CodeBadRequest, err.Error())
		return
	}
	s.logger.Debug("Connecting to finder", "addr", addr)
	stream := transport.DialStream(s.gateway, addr, 0, func() { s.loop.Post(s.step) })

	s.lock.Lock()
	s.stream, s.writer = stream, protocols.NewLineWriter(stream)
	s.lock.Unlock()
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.lock.RLock()
	defer s.lock.RUnlock()

	return s.state
}

// Err returns the error that shut the session down, if any.
func (s *Session) Err() *protocols.Error {
	s.lock.RLock()
	defer s.lock.RUnlock()

	return s.err
}

// Descriptor returns the finder the session is registered with.
func (s *Session) Descriptor() *identity.FinderDescriptor {
	return s.desc
}

// ServerAgent returns the software version the finder reported.
func (s *Session) ServerAgent() string {
	s.lock.RLock()
	defer s.lock.RUnlock()

	return s.serverAgent
}

// Expires returns the current expiry of the registration.
func (s *Session) Expires() time.Time {
	s.lock.RLock()
	defer s.lock.RUnlock()

	return s.expires
}

// RelayAccess returns the token authorizing relay channels through the finder.
func (s *Session) RelayAccess() token.Token {
	s.lock.RLock()
	defer s.lock.RUnlock()

	return s.relayAccess
}

// Subscribe registers a callback for state changes. The current state is
// delivered synchronously first, then every transition in order. Callbacks run
// on the session loop and must not block.
func (s *Session) Subscribe(fn func(State)) {
	delivered := s.loop.Call(func() {
		s.lock.Lock()
		state := s.state
		s.subs = append(s.subs, fn)
		s.lock.Unlock()

		fn(state)
	})
	if !delivered {
		fn(s.State())
	}
}

// Send pushes a document to the finder without expecting a reply.
func (s *Session) Send(msg *protocols.Envelope) error {
	s.lock.RLock()
	state, writer := s.state, s.writer
	s.lock.RUnlock()

	if state != StateReady || writer == nil {
		return ErrNotReady
	}
	return writer.Write(msg)
}

// write sends a document regardless of the session state.
func (s *Session) write(msg *protocols.Envelope) error {
	return s.writer.Write(msg)
}

// Request sends a request to the finder and monitors its reply. If the session
// is not ready, the error handler fires right away.
func (s *Session) Request(msg *protocols.Envelope, timeout time.Duration, handlers monitor.Handlers) *monitor.Handle {
	return s.monitors.MonitorAndSend(s.Send, msg, timeout, handlers)
}

// RelayProof derives a relay access proof for a resource from the session's
// relay token. It is empty until the session is ready.
func (s *Session) RelayProof(resource string) token.Token {
	access := s.RelayAccess()
	return access.CreateProofAt(resource, params.FinderRelayTokenValidity, s.clock.Now())
}

// DialRelay opens a byte relay channel through the finder. The header is sent
// as the first line and the stream is reported connected afterwards.
func (s *Session) DialRelay(header *protocols.RelayHeader, idle time.Duration, notify func()) (*transport.Stream, error) {
	addr, err := s.desc.Address(identity.FinderTransportRelay)
	if err != nil {
		return nil, err
	}
	prelude := func(conn net.Conn) error {
		return protocols.NewLineWriter(conn).Write(header)
	}
	return transport.DialStreamPrelude(s.gateway, addr, idle, prelude, notify), nil
}

// Cancel shuts the session down. A registered session with a live transport
// first asks the finder to delete it. Cancelling again is a no-op.
func (s *Session) Cancel() {
	s.loop.Post(func() {
		switch s.State() {
		case StatePending:
			s.shutdown(protocols.CodeShuttingDown, "cancelled")

		case StateReady:
			if s.stream.State() != transport.StreamConnected {
				s.shutdown(protocols.CodeShuttingDown, "cancelled")
				return
			}
			s.stopKeepAlive()
			s.setState(StateShuttingDown)

			done := func() { s.loop.Post(func() { s.shutdown(protocols.CodeShuttingDown, "cancelled") }) }
			s.delete = s.monitors.MonitorAndSend(s.write, &protocols.Envelope{
				SessionDelete: &protocols.SessionDelete{Locations: []string{s.location.ID}},
			}, params.FinderDeleteTimeout, monitor.Handlers{
				OnResult:  func(*protocols.Envelope) { done() },
				OnError:   func(*protocols.Error) { done() },
				OnTimeout: done,
			})
		}
	})
}

// step reacts to transport state changes.
//
// Note, this method must run on the session loop.
func (s *Session) step() {
	state := s.State()
	if state == StateShutdown || s.stream == nil {
		return
	}
	switch s.stream.State() {
	case transport.StreamShutdown:
		if state == StateShuttingDown {
			s.shutdown(protocols.CodeShuttingDown, "cancelled")
			return
		}
		reason := "transport closed"
		if err := s.stream.Err(); err != nil {
			reason = err.Error()
		}
		s.shutdown(protocols.CodeUnavailable, reason)

	case transport.StreamConnected:
		if s.reading {
			return
		}
		s.reading = true
		go s.read()

		s.sendCreate()
	}
}

// sendCreate registers the local location with the finder.
//
// Note, this method must run on the session loop.
func (s *Session) sendCreate() {
	req := &protocols.SessionCreate{
		Domain:   s.domain,
		FinderID: s.desc.ID,
		Location: s.location,
		PeerFile: s.self.Public(),
		Created:  s.clock.Now().UTC().Truncate(time.Second),
	}
	req.Signature = s.self.Key.Sign(req.SigningBytes())

	s.create = s.monitors.MonitorAndSend(s.write, &protocols.Envelope{SessionCreate: req}, params.FinderCreateTimeout, monitor.Handlers{
		OnResult: func(reply *protocols.Envelope) {
			s.loop.Post(func() { s.handleCreated(reply) })
		},
		OnError: func(err *protocols.Error) {
			s.loop.Post(func() { s.shutdown(err.Code, "session create failed: "+err.Reason) })
		},
		OnTimeout: func() {
			s.loop.Post(func() { s.shutdown(protocols.CodeTimeout, "session create timed out") })
		},
	})
}

// handleCreated processes the finder's acceptance of the session.
//
// Note, this method must run on the session loop.
func (s *Session) handleCreated(reply *protocols.Envelope) {
	if s.State() != StatePending {
		return
	}
	res := reply.SessionCreateResult
	if res == nil {
		s.shutdown(protocols.CodeBadRequest, "unexpected create result "+reply.Method())
		return
	}
	s.lock.Lock()
	s.serverAgent, s.expires, s.relayAccess = res.ServerAgent, res.Expires, res.RelayAccess
	s.lock.Unlock()

	s.logger.Info("Finder session established", "agent", res.ServerAgent, "expires", res.Expires)
	s.setState(StateReady)
	s.scheduleKeepAlive()
}

// keepAliveDelay calculates when to renew a session expiring at a given time.
func keepAliveDelay(now, expires time.Time, max time.Duration) time.Duration {
	delay := expires.Sub(now) - params.FinderKeepAliveMargin
	if delay < params.FinderMinKeepAlive {
		delay = params.FinderMinKeepAlive
	}
	if max > 0 && delay > max {
		delay = max
	}
	return delay
}

// scheduleKeepAlive arms the renewal timer based on the current expiry.
//
// Note, this method must run on the session loop.
func (s *Session) scheduleKeepAlive() {
	s.stopKeepAlive()

	delay := keepAliveDelay(s.clock.Now(), s.Expires(), s.settings.Settings().MaxKeepAlive())
	s.timer = s.clock.AfterFunc(delay, func() { s.loop.Post(s.sendKeepAlive) })
}

// stopKeepAlive disarms the renewal timer and drops any outstanding renewal.
//
// Note, this method must run on the session loop.
func (s *Session) stopKeepAlive() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.keepalive != nil {
		s.keepalive.Cancel()
		s.keepalive = nil
	}
}

// sendKeepAlive renews the session with the finder.
//
// Note, this method must run on the session loop.
func (s *Session) sendKeepAlive() {
	if s.State() != StateReady {
		return
	}
	s.timer = nil
	s.keepalive = s.monitors.MonitorAndSend(s.write, &protocols.Envelope{SessionKeepAlive: &protocols.SessionKeepAlive{}}, params.FinderKeepAliveTimeout, monitor.Handlers{
		OnResult: func(reply *protocols.Envelope) {
			s.loop.Post(func() {
				if s.State() != StateReady {
					return
				}
				if res := reply.SessionKeepAliveResult; res != nil {
					s.lock.Lock()
					s.expires = res.Expires
					s.lock.Unlock()
				}
				s.keepalive = nil
				s.scheduleKeepAlive()
			})
		},
		OnError: func(err *protocols.Error) {
			s.loop.Post(func() { s.shutdown(err.Code, "session keepalive failed: "+err.Reason) })
		},
		OnTimeout: func() {
			s.loop.Post(func() { s.shutdown(protocols.CodeTimeout, "session keepalive timed out") })
		},
	})
}

// read consumes documents from the finder until the transport dies.
func (s *Session) read() {
	reader := protocols.NewLineReader(s.stream)
	for {
		msg := new(protocols.Envelope)
		if err := reader.Read(msg); err != nil {
			s.stream.Cancel()
			return
		}
		if msg.Kind() == protocols.KindResult {
			if !s.monitors.Deliver(msg) {
				s.logger.Debug("Dropping unsolicited result", "id", msg.ID, "method", msg.Method())
			}
			continue
		}
		if s.handler != nil {
			s.handler(msg)
		}
	}
}

// setState transitions the session and informs subscribers.
//
// Note, this method must run on the session loop.
func (s *Session) setState(state State) {
	s.lock.Lock()
	if s.state == state || s.state == StateShutdown {
		s.lock.Unlock()
		return
	}
	s.state = state
	subs := append([]func(State){}, s.subs...)
	s.lock.Unlock()

	for _, sub := range subs {
		sub(state)
	}
}

// shutdown tears the session down, retaining the first error.
//
// Note, this method must run on the session loop.
func (s *Session) shutdown(code int, reason string) {
	s.lock.Lock()
	if s.state == StateShutdown {
		s.lock.Unlock()
		return
	}
	if s.err == nil {
		s.err = &protocols.Error{Code: code, Reason: reason}
	}
	s.lock.Unlock()

	if code == protocols.CodeShuttingDown {
		s.logger.Debug("Finder session closed")
	} else {
		s.logger.Warn("Finder session failed", "code", code, "reason", reason)
	}
	s.stopKeepAlive()
	s.monitors.CancelAll()
	if s.stream != nil {
		s.stream.Cancel()
	}
	s.setState(StateShutdown)
	s.loop.Close()
}
