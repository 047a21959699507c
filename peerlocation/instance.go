// go-peerfinder - Peer location and connection establishment
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

// Package peerlocation implements the connection state machine towards a single
// remote location: direct transport attempt, relay fallback, secure channel
// bootstrap, identification and liveness.
package peerlocation

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/coronanet/go-peerfinder/clock"
	"github.com/coronanet/go-peerfinder/eventloop"
	"github.com/coronanet/go-peerfinder/identity"
	"github.com/coronanet/go-peerfinder/monitor"
	"github.com/coronanet/go-peerfinder/params"
	"github.com/coronanet/go-peerfinder/protocols"
	"github.com/coronanet/go-peerfinder/relay"
	"github.com/coronanet/go-peerfinder/secchan"
	"github.com/coronanet/go-peerfinder/settings"
	"github.com/ethereum/go-ethereum/log"
)

var (
	// ErrMissingFind is returned if an instance is created without the find
	// request it originates from.
	ErrMissingFind = errors.New("missing originating find")

	// ErrMissingNotify is returned if an outgoing instance is created without
	// the remote location's notify.
	ErrMissingNotify = errors.New("missing remote notify")
)

// Reason is why a peer location instance was created.
type Reason int

const (
	ReasonIncomingFind Reason = iota // A remote location searched for us
	ReasonOutgoingFind               // We searched and a remote location answered
)

// String implements fmt.Stringer.
func (r Reason) String() string {
	switch r {
	case ReasonIncomingFind:
		return "incoming"
	case ReasonOutgoingFind:
		return "outgoing"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// State is the lifecycle state of a peer location instance.
type State int

const (
	StatePending      State = iota // Establishing connectivity
	StateReady                     // Identified and exchanging messages
	StateShuttingDown              // Waiting for sub-components to terminate
	StateShutdown                  // Terminated, see Err for the reason
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

// Config is the set of parameters a peer location instance is created with.
type Config struct {
	Handle       uint64                            // Owner assigned identifier, passed back in callbacks
	Reason       Reason                            // Which side of the find this instance is
	Self         *identity.PeerFile                // Local identity
	Local        identity.LocationInfo             // Local location, candidates are filled in here
	Keys         secchan.KeyPair                   // Local key agreement key pair
	LocalContext string                            // Local security context id
	FindID       string                            // Id of the originating find request
	Find         *protocols.PeerLocationFind       // Originating find, sent or received
	Found        *protocols.PeerLocationFindNotify // Remote location's notify, outgoing only
	Signaling    Signaling                         // Finder session, nil if relaying is unavailable
	Direct       DirectFactory                     // Direct transport factory, nil to only relay
	Resolver     relay.KeyResolver                 // Fallback resolver for peer identity keys
	Settings     settings.Provider                 // Live operator settings, optional
	Clock        clock.Clock                       // Time source, defaults to the real clock
	OnState      func(handle uint64, state State)  // Invoked on every transition, on the instance loop

	Logger log.Logger // Logger to allow injecting contextual tags
}

// Info is a snapshot of an instance for status reporting.
type Info struct {
	Handle        uint64                `json:"handle"`
	Reason        string                `json:"reason"`
	State         string                `json:"state"`
	Remote        protocols.LocationRef `json:"remote"`
	LocalContext  string                `json:"localContext"`
	RemoteContext string                `json:"remoteContext"`
	Transport     string                `json:"transport,omitempty"`
	Version       uint                  `json:"version,omitempty"`
	Created       time.Time             `json:"created"`
	LastActivity  time.Time             `json:"lastActivity,omitempty"`
	Identified    time.Time             `json:"identified,omitempty"`
	Error         *protocols.Error      `json:"error,omitempty"`
}

// Instance is the connection state machine towards a single remote location.
type Instance struct {
	handle    uint64
	reason    Reason
	self      *identity.PeerFile
	local     identity.LocationInfo
	keys      secchan.KeyPair
	localCtx  string
	findID    string
	find      *protocols.PeerLocationFind
	signaling Signaling
	factory   DirectFactory
	resolver  relay.KeyResolver
	settings  settings.Provider
	clock     clock.Clock
	onState   func(uint64, State)
	logger    log.Logger

	remote     protocols.LocationRef   // Remote location being connected to
	remoteFile identity.PublicPeerFile // Remote credentials from signaling
	remoteDH   []byte                  // Remote key agreement key
	remoteCtx  string                  // Remote security context id

	loop     *eventloop.Loop
	monitors *monitor.Manager

	direct         DirectTransport // Direct transport attempt, nil if none
	directTried    bool            // Whether the direct transport was attempted
	directSecure   *relay.Channel  // Secure channel over the direct stream
	remoteDesc     string          // Latest remote session description
	remoteApplied  bool            // Whether remoteDesc was handed to the direct transport
	remoteNoDirect bool            // Whether the remote side gave up on direct connectivity
	connectExpired bool            // Whether the direct transport missed its connect deadline

	relayChan    *relay.Channel // Relay channel, opened or accepted
	relayTried   bool           // Whether an outgoing relay was attempted
	pendingRelay relay.Opener   // Relay channel handed in, adopted on the next step

	notifiedVersion string // Candidates version last sent in a notify
	notifiedBare    bool   // Whether a notify without direct parameters was sent

	active      *relay.Channel         // Channel carrying the messaging
	activeName  string                 // Transport kind of the active channel
	writer      *protocols.FrameWriter // Document writer over the active channel
	identifying bool                   // Whether the identify request went out
	identified  bool                   // Whether the identify handshake completed

	streams map[*relay.Channel]io.ReadWriter // Connected channels with a running reader

	connectTimer   clock.Timer
	deadlineTimer  clock.Timer
	refindTimer    clock.Timer
	keepaliveTimer clock.Timer

	state        State
	err          *protocols.Error
	refind       bool
	version      uint
	created      time.Time
	lastActivity time.Time
	identifiedAt time.Time
	subs         []func(State)

	lock sync.RWMutex
}

// New creates a peer location instance and starts establishing connectivity.
func New(config Config) (*Instance, error) {
	if config.Find == nil {
		return nil, ErrMissingFind
	}
	if config.Reason == ReasonOutgoingFind && config.Found == nil {
		return nil, ErrMissingNotify
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Settings == nil {
		config.Settings = settings.NewStatic(settings.Default)
	}
	if config.Logger == nil {
		config.Logger = log.Root()
	}
	i := &Instance{
		handle:    config.Handle,
		reason:    config.Reason,
		self:      config.Self,
		local:     config.Local,
		keys:      config.Keys,
		localCtx:  config.LocalContext,
		findID:    config.FindID,
		find:      config.Find,
		signaling: config.Signaling,
		factory:   config.Direct,
		settings:  config.Settings,
		clock:     config.Clock,
		onState:   config.OnState,
		loop:      eventloop.New(),
		streams:   make(map[*relay.Channel]io.ReadWriter),
		state:     StatePending,
		created:   config.Clock.Now(),
	}
	switch config.Reason {
	case ReasonIncomingFind:
		i.remote = protocols.LocationRef{Peer: config.Find.From.PeerURI, ID: config.Find.From.ID}
		i.remoteFile = config.Find.PeerFile
		i.remoteDH = config.Find.DHPublic
		i.remoteCtx = config.Find.ContextID

	case ReasonOutgoingFind:
		i.remote = protocols.LocationRef{Peer: config.Found.From.PeerURI, ID: config.Found.From.ID}
		i.remoteFile = config.Found.PeerFile
		i.remoteDH = config.Found.DHPublic
		i.remoteCtx = config.Found.ContextID
		i.remoteDesc = config.Found.From.Description
		i.remoteNoDirect = config.Found.From.Description == ""
	}
	i.logger = config.Logger.New("location", i.remote.Peer+"#"+i.remote.ID, "handle", i.handle)
	i.monitors = monitor.NewManager(i.clock, i.logger)

	fallback := config.Resolver
	i.resolver = relay.KeyResolverFunc(func(uri string) (identity.PublicKey, bool) {
		if uri == i.remoteFile.URI() {
			return i.remoteFile.Key, true
		}
		if fallback != nil {
			return fallback.ResolveKey(uri)
		}
		return nil, false
	})
	i.loop.Post(i.start)
	return i, nil
}

// start arms the instance timers and runs the first step.
//
// Note, this method must run on the instance loop.
func (i *Instance) start() {
	i.deadlineTimer = i.clock.AfterFunc(params.PeerFindTimeout, func() {
		i.loop.Post(func() {
			if i.State() == StatePending {
				i.cancel(protocols.CodeTimeout, "connection not established in time")
			}
		})
	})
	if timeout := i.settings.Settings().RefindTimeout(); timeout > 0 {
		i.refindTimer = i.clock.AfterFunc(timeout, func() {
			i.loop.Post(func() {
				if i.State() != StatePending {
					return
				}
				i.lock.Lock()
				i.refind = true
				i.lock.Unlock()
				i.logger.Debug("Peer location due for refind")
			})
		})
	}
	if i.reason == ReasonOutgoingFind {
		i.connectTimer = i.clock.AfterFunc(params.DirectConnectTimeout, func() {
			i.loop.Post(func() {
				i.connectExpired = true
				i.step()
			})
		})
	}
	i.step()
}

// poke schedules a re-evaluation of the instance.
func (i *Instance) poke() {
	i.loop.Post(i.step)
}

// Handle returns the owner assigned identifier.
func (i *Instance) Handle() uint64 {
	return i.handle
}

// Reason returns why the instance was created.
func (i *Instance) Reason() Reason {
	return i.reason
}

// Remote returns the remote location being connected to.
func (i *Instance) Remote() protocols.LocationRef {
	return i.remote
}

// LocalContext returns the local security context id.
func (i *Instance) LocalContext() string {
	return i.localCtx
}

// FindID returns the id of the originating find request.
func (i *Instance) FindID() string {
	return i.findID
}

// State returns the current lifecycle state.
func (i *Instance) State() State {
	i.lock.RLock()
	defer i.lock.RUnlock()

	return i.state
}

// Err returns the first error recorded on the instance.
func (i *Instance) Err() *protocols.Error {
	i.lock.RLock()
	defer i.lock.RUnlock()

	return i.err
}

// ShouldRefindNow reports whether the instance stayed unconnected for long
// enough that the find cycle should be restarted. Once set it stays set.
func (i *Instance) ShouldRefindNow() bool {
	i.lock.RLock()
	defer i.lock.RUnlock()

	return i.refind
}

// Info returns a status snapshot of the instance.
func (i *Instance) Info() Info {
	i.lock.RLock()
	defer i.lock.RUnlock()

	return Info{
		Handle:        i.handle,
		Reason:        i.reason.String(),
		State:         i.state.String(),
		Remote:        i.remote,
		LocalContext:  i.localCtx,
		RemoteContext: i.remoteCtx,
		Transport:     i.activeName,
		Version:       i.version,
		Created:       i.created,
		LastActivity:  i.lastActivity,
		Identified:    i.identifiedAt,
		Error:         i.err,
	}
}

// HandleNotify feeds an updated notify of the remote location into the
// instance, carrying its latest direct connection parameters.
func (i *Instance) HandleNotify(notify *protocols.PeerLocationFindNotify) {
	i.loop.Post(func() {
		if notify.From.PeerURI != i.remote.Peer || notify.From.ID != i.remote.ID {
			i.logger.Warn("Dropping notify for another location", "from", notify.From.PeerURI+"#"+notify.From.ID)
			return
		}
		// Session descriptions are applied once, later candidate updates only
		// refresh the advertised info
		switch {
		case notify.From.Description == "":
			i.remoteNoDirect = true
		case i.remoteDesc == "":
			i.remoteDesc = notify.From.Description
		}
		i.step()
	})
}

// AcceptRelay hands a relay channel opened by the remote side to the instance.
// The opener is only invoked if the instance still needs a channel.
func (i *Instance) AcceptRelay(open relay.Opener) {
	i.loop.Post(func() {
		if i.pendingRelay != nil || i.relayChan != nil {
			i.logger.Debug("Ignoring duplicate relay channel")
			return
		}
		i.pendingRelay = open
		i.step()
	})
}

// Subscribe registers a callback for state changes. The current state is
// delivered first, then every transition in order. Callbacks run on the
// instance loop and must not block.
func (i *Instance) Subscribe(fn func(State)) {
	ok := i.loop.Call(func() {
		i.lock.Lock()
		state := i.state
		i.subs = append(i.subs, fn)
		i.lock.Unlock()

		fn(state)
	})
	if !ok {
		fn(i.State())
	}
}

// Cancel tears the instance down. It is safe to call multiple times and from
// any goroutine.
func (i *Instance) Cancel() {
	i.loop.Post(func() {
		i.cancel(protocols.CodeShuttingDown, "cancelled")
	})
}

// Done returns a channel closed once the instance reached shutdown and its
// loop terminated.
func (i *Instance) Done() <-chan struct{} {
	return i.loop.Done()
}

// setState transitions the instance and informs subscribers and the owner if
// anything changed.
//
// Note, this method must run on the instance loop.
func (i *Instance) setState(state State) {
	i.lock.Lock()
	if i.state == state || i.state == StateShutdown {
		i.lock.Unlock()
		return
	}
	i.logger.Debug("Peer location state changed", "from", i.state, "to", state)
	i.state = state
	subs := append([]func(State){}, i.subs...)
	i.lock.Unlock()

	for _, sub := range subs {
		sub(state)
	}
	if i.onState != nil {
		i.onState(i.handle, state)
	}
}
