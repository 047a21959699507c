// go-peerfinder - Peer location and connection establishment
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

// Package peerfinder ties the connection subsystems into a single account: it
// keeps the local identity on disk, stays registered with a finder of the home
// domain and turns finds into connected peer locations.
package peerfinder

import (
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/coronanet/go-peerfinder/clock"
	"github.com/coronanet/go-peerfinder/eventloop"
	"github.com/coronanet/go-peerfinder/finder"
	"github.com/coronanet/go-peerfinder/identity"
	"github.com/coronanet/go-peerfinder/peerlocation"
	"github.com/coronanet/go-peerfinder/protocols"
	"github.com/coronanet/go-peerfinder/settings"
	"github.com/coronanet/go-peerfinder/token"
	"github.com/coronanet/go-peerfinder/transport"
	"github.com/ethereum/go-ethereum/log"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

var (
	// ErrAccountClosed is returned if an operation is attempted on an account
	// that was already torn down.
	ErrAccountClosed = errors.New("account closed")

	// ErrMissingGateway is returned if an account is created without network
	// access to finders.
	ErrMissingGateway = errors.New("missing network gateway")

	// ErrMissingResolver is returned if an account is created without a way
	// to look up finders.
	ErrMissingResolver = errors.New("missing finder resolver")
)

// Config is the set of collaborators and tunables of an account.
type Config struct {
	Datadir  string                     // Directory holding the account database
	Domain   string                     // Domain of a newly created identity
	Gateway  transport.Gateway          // Network access to finders and relays
	Resolver finder.Resolver            // Source of finder descriptors for the domain
	Direct   peerlocation.DirectFactory // Direct transport constructor, nil for relay only
	Device   identity.LocationInfo      // Device details advertised with the location
	Settings settings.Provider          // Operator settings, defaults to the built-ins
	Clock    clock.Clock                // Time source, defaults to the real clock
	Logger   log.Logger                 // Logger to use, defaults to the root logger
}

// Account is a local identity connected to the peer finding network.
type Account struct {
	database *leveldb.DB           // Database to avoid custom file formats for storage
	self     *identity.PeerFile    // Local credentials
	local    identity.LocationInfo // Local location as advertised to others
	registry *identity.Registry    // Peer and location dedup table
	events   *gochannel.GoChannel  // Location event fan-out
	notifier *eventloop.Loop       // Serializes event publishing in transition order

	domain   string
	gateway  transport.Gateway
	resolver finder.Resolver
	direct   peerlocation.DirectFactory
	settings settings.Provider
	clock    clock.Clock
	logger   log.Logger

	session *finder.Session // Current finder session, nil between reconnects

	finds     map[string]*outgoingFind    // Finds in flight, keyed by security context
	instances map[uint64]*trackedLocation // Live peer locations by handle
	index     map[string]uint64           // Handles by find and remote location
	nextID    uint64                      // Last handle assigned

	refinder clock.Timer // Periodic refind check
	closed   bool

	scheduleUpdate     chan sessionEvent // Finder session state changes
	scheduleTeardown   chan struct{}     // Closed to stop the finder scheduler
	scheduleTerminated chan struct{}     // Closed when the finder scheduler exits

	lock sync.RWMutex
}

// NewAccount opens (or creates) the account stored in the data directory and
// starts connecting to the finders of its domain.
func NewAccount(config Config) (*Account, error) {
	if config.Gateway == nil {
		return nil, ErrMissingGateway
	}
	if config.Resolver == nil {
		return nil, ErrMissingResolver
	}
	if config.Settings == nil {
		config.Settings = settings.NewStatic(settings.Default)
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = log.Root()
	}
	// Create the database for accessing locally stored data
	db, err := leveldb.OpenFile(filepath.Join(config.Datadir, "ldb"), &opt.Options{})
	if err != nil {
		return nil, err
	}
	prof, err := loadProfile(db, config.Domain)
	if err != nil {
		db.Close()
		return nil, err
	}
	logger := config.Logger.New("self", prof.Self.URI())

	local := config.Device.WithoutCandidates()
	local.ID, local.PeerURI = prof.Location, prof.Self.URI()

	a := &Account{
		database: db,
		self:     prof.Self,
		local:    local,
		domain:   prof.Self.Domain,
		gateway:  config.Gateway,
		resolver: config.Resolver,
		direct:   config.Direct,
		settings: config.Settings,
		clock:    config.Clock,
		logger:   logger,

		finds:     make(map[string]*outgoingFind),
		instances: make(map[uint64]*trackedLocation),
		index:     make(map[string]uint64),

		scheduleUpdate:     make(chan sessionEvent),
		scheduleTeardown:   make(chan struct{}),
		scheduleTerminated: make(chan struct{}),
	}
	a.registry = identity.NewRegistry(identity.RegistryConfig{
		Self:     prof.Self,
		Location: prof.Location,
		OnLocationDestroyed: func(peer, id string) {
			logger.Trace("Peer location released", "peer", peer, "id", id)
		},
		Logger: logger,
	})
	a.events = gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            eventBufferSize,
		BlockPublishUntilSubscriberAck: true,
	}, newEventLogger(logger))
	a.notifier = eventloop.New()

	logger.Info("Account opened", "location", prof.Location)
	go a.scheduler()
	a.scheduleRefind()

	return a, nil
}

// Close tears down the account. It's irreversible, it cannot be used afterwards.
func (a *Account) Close() error {
	a.lock.Lock()
	if a.closed {
		a.lock.Unlock()
		return ErrAccountClosed
	}
	a.closed = true
	if a.refinder != nil {
		a.refinder.Stop()
	}
	instances := make([]*trackedLocation, 0, len(a.instances))
	for _, tracked := range a.instances {
		instances = append(instances, tracked)
	}
	a.lock.Unlock()

	// Stop reconnecting, drop every peer location and leave the finder
	close(a.scheduleTeardown)
	<-a.scheduleTerminated

	for _, tracked := range instances {
		tracked.instance.Cancel()
	}
	timeout := time.After(closeTimeout)
	for _, tracked := range instances {
		select {
		case <-tracked.instance.Done():
		case <-timeout:
			a.logger.Warn("Peer location did not shut down in time", "handle", tracked.instance.Handle())
		}
	}
	// Flush the pending events before tearing the pub/sub down
	a.notifier.Close()
	select {
	case <-a.notifier.Done():
	case <-time.After(closeTimeout):
		a.logger.Warn("Location events not delivered in time")
	}
	a.events.Close()
	<-a.notifier.Done()

	return a.database.Close()
}

// Self returns the public credentials of the local identity.
func (a *Account) Self() identity.PublicPeerFile {
	return a.self.Public()
}

// Location returns the local location as advertised to other peers.
func (a *Account) Location() identity.LocationInfo {
	return a.local
}

// Registry returns the peer and location dedup table of the account.
func (a *Account) Registry() *identity.Registry {
	return a.registry
}

// currentSession returns the finder session if it's registered.
func (a *Account) currentSession() (*finder.Session, error) {
	a.lock.RLock()
	defer a.lock.RUnlock()

	if a.closed {
		return nil, ErrAccountClosed
	}
	if a.session == nil || a.session.State() != finder.StateReady {
		return nil, finder.ErrNotReady
	}
	return a.session, nil
}

// signaling is the account's view of the finder handed to peer locations. It
// always goes through the session current at the time of use, surviving
// finder reconnects.
type signaling Account

// Send implements peerlocation.Signaling.
func (s *signaling) Send(msg *protocols.Envelope) error {
	session, err := (*Account)(s).currentSession()
	if err != nil {
		return err
	}
	return session.Send(msg)
}

// DialRelay implements peerlocation.Signaling.
func (s *signaling) DialRelay(header *protocols.RelayHeader, idle time.Duration, notify func()) (*transport.Stream, error) {
	session, err := (*Account)(s).currentSession()
	if err != nil {
		return nil, err
	}
	return session.DialRelay(header, idle, notify)
}

// RelayProof implements peerlocation.Signaling.
func (s *signaling) RelayProof(resource string) token.Token {
	session, err := (*Account)(s).currentSession()
	if err != nil {
		return token.Token{}
	}
	return session.RelayProof(resource)
}
