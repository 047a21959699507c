// go-peerfinder - Peer location and connection establishment
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

// Package findertest implements an in-memory rendezvous server for tests. It
// registers sessions, routes finds and notifies between them and splices relay
// channels together.
package findertest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/coronanet/go-peerfinder/clock"
	"github.com/coronanet/go-peerfinder/identity"
	"github.com/coronanet/go-peerfinder/protocols"
	"github.com/coronanet/go-peerfinder/token"
	"github.com/coronanet/go-peerfinder/transport"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
)

// Config tunes the behavior of a fake finder.
type Config struct {
	Domain   string        // Domain served by the finder
	Lifetime time.Duration // Session expiry reported on create and keepalive
	Clock    clock.Clock   // Time source for expiries
	Logger   log.Logger    // Logger to use, defaults to the root logger
}

// Server is a fake finder listening on a mock gateway.
type Server struct {
	gateway  *transport.MockGateway
	domain   string
	lifetime time.Duration
	clock    clock.Clock
	logger   log.Logger

	master     string
	domainKey  identity.SecretKey
	descriptor *identity.FinderDescriptor
	document   string

	finderLn net.Listener
	relayLn  net.Listener

	sessions map[string]*session      // Registered sessions keyed by location ref
	tokens   map[string]*session      // Registered sessions keyed by relay token association
	channels map[uint32]*relayChannel // Relay channels waiting for their second end
	held     []net.Conn               // Relay connections parked without a counterpart
	nextID   uint32

	creates    int
	keepalives int
	deletes    int
	finds      int

	// Fault injection knobs, all guarded by lock
	rejectCreate bool
	ignoreCreate bool
	ignoreDelete bool
	holdRelays   bool

	lock sync.Mutex
}

// session is a single registered location.
type session struct {
	conn     net.Conn
	writer   *protocols.LineWriter
	assoc    string
	location protocols.LocationRef
}

// relayChannel is a relay connection waiting for its counterpart.
type relayChannel struct {
	conn   net.Conn
	header *protocols.RelayHeader
}

// New creates a fake finder reachable through the given mock gateway.
func New(gateway *transport.MockGateway, config Config) (*Server, error) {
	if config.Domain == "" {
		config.Domain = "example.org"
	}
	if config.Lifetime == 0 {
		config.Lifetime = 10 * time.Minute
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = log.Root()
	}
	key, err := identity.GenerateKey()
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	s := &Server{
		gateway:  gateway,
		domain:   config.Domain,
		lifetime: config.Lifetime,
		clock:    config.Clock,
		logger:   config.Logger.New("fakefinder", id),
		master:   uuid.NewString(),
		sessions: make(map[string]*session),
		tokens:   make(map[string]*session),
		channels: make(map[uint32]*relayChannel),
	}
	s.domainKey = key
	s.descriptor = &identity.FinderDescriptor{
		ID:   id,
		Type: "finder",
		Protocols: []identity.FinderProtocol{
			{Transport: identity.FinderTransportSession, Address: "finder-" + id},
			{Transport: identity.FinderTransportRelay, Address: "relay-" + id},
		},
		PublicKey: key.Public(),
		Created:   time.Now().Truncate(time.Second),
		Expires:   time.Now().Add(24 * time.Hour).Truncate(time.Second),
	}
	if s.document, err = identity.SignFinderDescriptor(s.descriptor, key); err != nil {
		return nil, err
	}
	if s.finderLn, err = gateway.Listen("finder-" + id); err != nil {
		return nil, err
	}
	if s.relayLn, err = gateway.Listen("relay-" + id); err != nil {
		s.finderLn.Close()
		return nil, err
	}
	go s.acceptSessions()
	go s.acceptRelays()

	return s, nil
}

// Close stops the listeners and drops every session.
func (s *Server) Close() {
	s.finderLn.Close()
	s.relayLn.Close()
	s.Kill()

	s.lock.Lock()
	held := s.held
	s.held = nil
	s.lock.Unlock()

	for _, conn := range held {
		conn.Close()
	}
}

// Descriptor returns the parsed descriptor of the finder.
func (s *Server) Descriptor() *identity.FinderDescriptor {
	return s.descriptor
}

// Document returns the signed descriptor document and the domain key that
// verifies it.
func (s *Server) Document() (string, identity.PublicKey) {
	return s.document, s.domainKey.Public()
}

// Kill drops every connected session without notice.
func (s *Server) Kill() {
	s.lock.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessions = make(map[string]*session)
	s.tokens = make(map[string]*session)
	s.lock.Unlock()

	for _, sess := range sessions {
		sess.conn.Close()
	}
}

// RejectCreate makes the finder answer session creations with an error.
func (s *Server) RejectCreate(reject bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.rejectCreate = reject
}

// IgnoreCreate makes the finder swallow session creations.
func (s *Server) IgnoreCreate(ignore bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.ignoreCreate = ignore
}

// IgnoreDelete makes the finder swallow session deletions.
func (s *Server) IgnoreDelete(ignore bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.ignoreDelete = ignore
}

// HoldRelays makes the finder accept relay connections but never announce them
// to the remote side, leaving the dialer waiting forever.
func (s *Server) HoldRelays(hold bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.holdRelays = hold
}

// Stats returns the number of live sessions and the processed request counts.
func (s *Server) Stats() (sessions, creates, keepalives, deletes, finds int) {
	s.lock.Lock()
	defer s.lock.Unlock()

	return len(s.sessions), s.creates, s.keepalives, s.deletes, s.finds
}

// acceptSessions serves signaling connections until the listener closes.
func (s *Server) acceptSessions() {
	for {
		conn, err := s.finderLn.Accept()
		if err != nil {
			return
		}
		go s.serveSession(conn)
	}
}

// serveSession processes the documents of a single signaling connection.
func (s *Server) serveSession(conn net.Conn) {
	defer conn.Close()

	var (
		reader = protocols.NewLineReader(conn)
		writer = protocols.NewLineWriter(conn)
		sess   *session
	)
	defer func() {
		if sess != nil {
			s.unregister(sess)
		}
	}()
	for {
		msg := new(protocols.Envelope)
		if err := reader.Read(msg); err != nil {
			return
		}
		switch {
		case msg.SessionCreate != nil:
			var reply *protocols.Envelope
			if sess, reply = s.handleCreate(conn, writer, msg); reply != nil {
				writer.Write(reply)
			}

		case sess == nil:
			writer.Write(protocols.ErrorResult(msg.ID, protocols.CodeForbidden, "no session"))

		case msg.SessionKeepAlive != nil:
			s.lock.Lock()
			s.keepalives++
			s.lock.Unlock()

			writer.Write(&protocols.Envelope{ID: msg.ID, SessionKeepAliveResult: &protocols.SessionKeepAliveResult{
				Expires: s.clock.Now().Add(s.lifetime),
			}})

		case msg.SessionDelete != nil:
			s.lock.Lock()
			s.deletes++
			ignore := s.ignoreDelete
			s.lock.Unlock()

			if ignore {
				continue
			}
			writer.Write(&protocols.Envelope{ID: msg.ID, SessionDeleteResult: &protocols.SessionDeleteResult{}})
			return

		case msg.PeerLocationFind != nil:
			s.handleFind(sess, msg)

		case msg.PeerLocationFindNotify != nil:
			s.forward(msg.PeerLocationFindNotify.Target, msg)

		case msg.Kind() == protocols.KindResult:
			// Answers to forwarded requests need no routing

		default:
			writer.Write(protocols.ErrorResult(msg.ID, protocols.CodeBadRequest, "unsupported "+msg.Method()))
		}
	}
}

// handleCreate validates and registers a new session.
func (s *Server) handleCreate(conn net.Conn, writer *protocols.LineWriter, msg *protocols.Envelope) (*session, *protocols.Envelope) {
	req := msg.SessionCreate

	s.lock.Lock()
	s.creates++
	reject, ignore := s.rejectCreate, s.ignoreCreate
	s.lock.Unlock()

	if ignore {
		return nil, nil
	}
	if reject {
		return nil, protocols.ErrorResult(msg.ID, protocols.CodeForbidden, "rejected")
	}
	if !identity.PublicKey(req.PeerFile.Key).Verify(req.SigningBytes(), req.Signature) {
		return nil, protocols.ErrorResult(msg.ID, protocols.CodeForbidden, "bad signature")
	}
	s.lock.Lock()
	s.nextID++
	sess := &session{
		conn:     conn,
		writer:   writer,
		assoc:    fmt.Sprintf("s%d", s.nextID),
		location: protocols.LocationRef{Peer: req.PeerFile.URI(), ID: req.Location.ID},
	}
	s.sessions[refKey(sess.location)] = sess
	s.tokens[sess.assoc] = sess
	s.lock.Unlock()

	now := s.clock.Now()
	return sess, &protocols.Envelope{ID: msg.ID, SessionCreateResult: &protocols.SessionCreateResult{
		ServerAgent: "findertest/1.0",
		Expires:     now.Add(s.lifetime),
		RelayAccess: token.CreateFromMasterSecretAt(s.master, sess.assoc, s.lifetime, now),
	}}
}

// handleFind forwards a find request to every location of the target peer.
func (s *Server) handleFind(from *session, msg *protocols.Envelope) {
	req := msg.PeerLocationFind

	s.lock.Lock()
	s.finds++
	var targets []*session
	for _, sess := range s.sessions {
		if sess == from || sess.location.Peer != req.Target || contains(req.Exclude, sess.location.ID) {
			continue
		}
		targets = append(targets, sess)
	}
	s.lock.Unlock()

	if len(targets) == 0 {
		from.writer.Write(protocols.ErrorResult(msg.ID, protocols.CodeNotFound, "no locations"))
		return
	}
	for _, target := range targets {
		target.writer.Write(&protocols.Envelope{ID: uuid.NewString(), PeerLocationFind: req})
	}
	from.writer.Write(&protocols.Envelope{ID: msg.ID, PeerLocationFindResult: &protocols.PeerLocationFindResult{
		Locations: len(targets),
	}})
}

// forward delivers a document to a registered location, if any.
func (s *Server) forward(to protocols.LocationRef, msg *protocols.Envelope) bool {
	s.lock.Lock()
	target := s.sessions[refKey(to)]
	s.lock.Unlock()

	if target == nil {
		return false
	}
	return target.writer.Write(msg) == nil
}

// unregister drops a session once its connection is gone.
func (s *Server) unregister(sess *session) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.sessions[refKey(sess.location)] == sess {
		delete(s.sessions, refKey(sess.location))
	}
	if s.tokens[sess.assoc] == sess {
		delete(s.tokens, sess.assoc)
	}
}

// acceptRelays serves relay connections until the listener closes.
func (s *Server) acceptRelays() {
	for {
		conn, err := s.relayLn.Accept()
		if err != nil {
			return
		}
		go s.serveRelay(conn)
	}
}

// serveRelay authorizes a relay connection and either opens a new channel or
// attaches it to a waiting one.
func (s *Server) serveRelay(conn net.Conn) {
	header, err := readHeader(conn)
	if err != nil {
		conn.Close()
		return
	}
	ok, assoc := header.Proof.ValidateMasterAt(s.master, s.clock.Now())
	if !ok {
		s.logger.Debug("Rejecting unauthorized relay", "channel", header.Channel)
		conn.Close()
		return
	}
	s.lock.Lock()
	if header.Channel != 0 {
		peer := s.channels[header.Channel]
		delete(s.channels, header.Channel)
		s.lock.Unlock()

		if peer == nil {
			conn.Close()
			return
		}
		go splice(conn, peer.conn)
		return
	}
	if s.holdRelays {
		s.held = append(s.held, conn)
		s.lock.Unlock()
		return
	}
	from := s.tokens[assoc]
	s.nextID++
	id := s.nextID
	s.channels[id] = &relayChannel{conn: conn, header: header}
	s.lock.Unlock()

	if from == nil || !s.forward(header.Remote, &protocols.Envelope{ChannelMapNotify: &protocols.ChannelMapNotify{
		Channel:       id,
		LocalContext:  header.RemoteContext,
		RemoteContext: header.LocalContext,
		Remote:        from.location,
	}}) {
		s.lock.Lock()
		delete(s.channels, id)
		s.lock.Unlock()
		conn.Close()
	}
}

// readHeader reads the relay header line byte by byte, leaving everything
// after it on the connection.
func readHeader(conn net.Conn) (*protocols.RelayHeader, error) {
	var (
		line []byte
		b    = make([]byte, 1)
	)
	for {
		if _, err := conn.Read(b); err != nil {
			return nil, err
		}
		if b[0] == '\n' {
			break
		}
		if len(line) > 64*1024 {
			return nil, errors.New("relay header too long")
		}
		line = append(line, b[0])
	}
	header := new(protocols.RelayHeader)
	if err := json.Unmarshal(line, header); err != nil {
		return nil, err
	}
	return header, nil
}

// splice pipes two connections into each other until either side closes.
func splice(a, b net.Conn) {
	done := make(chan struct{}, 2)
	go func() { io.Copy(a, b); done <- struct{}{} }()
	go func() { io.Copy(b, a); done <- struct{}{} }()
	<-done
	a.Close()
	b.Close()
}

func refKey(ref protocols.LocationRef) string {
	return ref.Peer + "/" + ref.ID
}

func contains(list []string, item string) bool {
	for _, x := range list {
		if x == item {
			return true
		}
	}
	return false
}
