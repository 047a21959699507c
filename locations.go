// go-peerfinder - Peer location and connection establishment
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package peerfinder

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/coronanet/go-peerfinder/identity"
	"github.com/coronanet/go-peerfinder/monitor"
	"github.com/coronanet/go-peerfinder/params"
	"github.com/coronanet/go-peerfinder/peerlocation"
	"github.com/coronanet/go-peerfinder/protocols"
	"github.com/coronanet/go-peerfinder/relay"
	"github.com/coronanet/go-peerfinder/secchan"
	"github.com/coronanet/go-peerfinder/token"
	"github.com/coronanet/go-peerfinder/transport"
	"github.com/google/uuid"
)

var (
	// ErrLocationNotFound is returned if a peer location is requested by a
	// handle that is not (or no longer) tracked.
	ErrLocationNotFound = errors.New("peer location not found")

	// errDuplicateLocation is returned if a peer location is attempted to be
	// tracked twice for the same find.
	errDuplicateLocation = errors.New("duplicate peer location")
)

// outgoingFind is a find request issued by the local account, kept around to
// match the notifies of the locations answering it.
type outgoingFind struct {
	target  string                      // Peer searched for
	request *protocols.PeerLocationFind // Find as sent to the finder
	keys    secchan.KeyPair             // Key agreement material advertised in the find
	updated time.Time                   // Last time the find was issued or used
}

// trackedLocation is a live peer location along with the references it holds.
type trackedLocation struct {
	instance *peerlocation.Instance
	location *identity.Location // Registry reference of the remote location
	find     string             // Outgoing find the location answered, empty if incoming
	key      string             // Dedup key within the index
	refound  bool               // Whether a refind was already issued in its place
}

// locationKey is the dedup key of a peer location within a find.
func locationKey(find string, remote protocols.LocationRef) string {
	return find + "|" + remote.Peer + "#" + remote.ID
}

// Find searches for the locations of a remote peer and returns the number of
// locations the finder forwarded the search to. Connections to the answering
// locations are established in the background and reported as events.
func (a *Account) Find(ctx context.Context, uri string) (int, error) {
	domain, contact, err := identity.ParseURI(uri)
	if err != nil {
		return 0, err
	}
	uri = identity.MakeURI(domain, contact)

	session, err := a.currentSession()
	if err != nil {
		return 0, err
	}
	keys, err := secchan.GenerateKeyPair()
	if err != nil {
		return 0, err
	}
	var (
		now       = a.clock.Now()
		contextID = uuid.NewString()
		request   = &protocols.PeerLocationFind{
			Target:    uri,
			Exclude:   a.connected(uri),
			From:      a.local,
			PeerFile:  a.self.Public(),
			DHPublic:  keys.Public,
			ContextID: contextID,
			FindToken: token.CreateFromMasterSecretAt(uuid.NewString(), contextID, params.PeerFindValidity, now),
		}
	)
	// Register the find before sending, notifies may overtake the result
	a.lock.Lock()
	a.finds[contextID] = &outgoingFind{target: uri, request: request, keys: keys, updated: now}
	a.lock.Unlock()

	a.logger.Debug("Searching for peer", "peer", uri, "context", contextID)

	type outcome struct {
		found int
		err   error
	}
	done := make(chan outcome, 1)
	handle := session.Request(&protocols.Envelope{PeerLocationFind: request}, params.PeerFindTimeout, monitor.Handlers{
		OnResult: func(reply *protocols.Envelope) {
			if reply.PeerLocationFindResult == nil {
				done <- outcome{err: &protocols.Error{Code: protocols.CodeBadRequest, Reason: "unexpected find reply " + reply.Method()}}
				return
			}
			done <- outcome{found: reply.PeerLocationFindResult.Locations}
		},
		OnError: func(err *protocols.Error) {
			done <- outcome{err: err}
		},
		OnTimeout: func() {
			done <- outcome{err: &protocols.Error{Code: protocols.CodeTimeout, Reason: "find timed out"}}
		},
	})
	select {
	case res := <-done:
		if res.err != nil {
			a.dropFind(contextID)
			return 0, res.err
		}
		a.logger.Debug("Peer search forwarded", "peer", uri, "locations", res.found)
		return res.found, nil

	case <-ctx.Done():
		handle.Cancel()
		a.dropFind(contextID)
		return 0, ctx.Err()
	}
}

// dropFind forgets an outgoing find unless some location already answered it.
func (a *Account) dropFind(contextID string) {
	a.lock.Lock()
	defer a.lock.Unlock()

	for _, tracked := range a.instances {
		if tracked.find == contextID {
			return
		}
	}
	delete(a.finds, contextID)
}

// connected returns the ids of the ready locations of a remote peer.
func (a *Account) connected(uri string) []string {
	a.lock.RLock()
	defer a.lock.RUnlock()

	var ids []string
	for _, tracked := range a.instances {
		if remote := tracked.instance.Remote(); remote.Peer == uri && tracked.instance.State() == peerlocation.StateReady {
			ids = append(ids, remote.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

// handlePush dispatches a document pushed by the finder. It runs on the finder
// session's reader goroutine and must not block.
func (a *Account) handlePush(msg *protocols.Envelope) {
	switch {
	case msg.PeerLocationFind != nil:
		a.handleFind(msg.PeerLocationFind)

	case msg.PeerLocationFindNotify != nil:
		a.handleNotify(msg.PeerLocationFindNotify)

	case msg.ChannelMapNotify != nil:
		a.handleChannelMap(msg.ChannelMapNotify)

	default:
		a.logger.Debug("Unsupported finder push", "method", msg.Method())
	}
}

// handleFind starts connecting to a remote location that is searching for us.
func (a *Account) handleFind(find *protocols.PeerLocationFind) {
	remote := protocols.LocationRef{Peer: find.From.PeerURI, ID: find.From.ID}
	switch {
	case find.PeerFile.URI() != remote.Peer:
		a.logger.Warn("Dropping find with mismatching credentials", "from", remote.Peer)
		return
	case remote.Peer == a.self.URI() && remote.ID == a.local.ID:
		return
	}
	keys, err := secchan.GenerateKeyPair()
	if err != nil {
		a.logger.Error("Failed to generate key agreement material", "err", err)
		return
	}
	_, err = a.track(peerlocation.Config{
		Reason:       peerlocation.ReasonIncomingFind,
		Keys:         keys,
		LocalContext: uuid.NewString(),
		FindID:       find.ContextID,
		Find:         find,
	}, remote, find.PeerFile, "")

	switch {
	case errors.Is(err, errDuplicateLocation):
		a.logger.Debug("Ignoring repeated find", "from", remote.Peer, "location", remote.ID)
	case err != nil:
		a.logger.Warn("Failed to accept find", "from", remote.Peer, "err", err)
	}
}

// handleNotify routes a location notify either to the existing peer location
// or, if it answers one of our finds, into a new outgoing one.
func (a *Account) handleNotify(notify *protocols.PeerLocationFindNotify) {
	remote := protocols.LocationRef{Peer: notify.From.PeerURI, ID: notify.From.ID}
	switch {
	case notify.Target.Peer != a.self.URI() || notify.Target.ID != a.local.ID:
		a.logger.Debug("Dropping notify for another location", "target", notify.Target.Peer+"#"+notify.Target.ID)
		return
	case notify.PeerFile.URI() != remote.Peer:
		a.logger.Warn("Dropping notify with mismatching credentials", "from", remote.Peer)
		return
	}
	a.lock.RLock()
	var existing *peerlocation.Instance
	if handle, ok := a.index[locationKey(notify.FindID, remote)]; ok {
		existing = a.instances[handle].instance
	}
	find := a.finds[notify.FindID]
	a.lock.RUnlock()

	if existing != nil {
		existing.HandleNotify(notify)
		return
	}
	if find == nil || find.target != remote.Peer {
		a.logger.Debug("Dropping notify for unknown find", "from", remote.Peer, "find", notify.FindID)
		return
	}
	_, err := a.track(peerlocation.Config{
		Reason:       peerlocation.ReasonOutgoingFind,
		Keys:         find.keys,
		LocalContext: find.request.ContextID,
		FindID:       notify.FindID,
		Find:         find.request,
		Found:        notify,
	}, remote, notify.PeerFile, notify.FindID)

	if err != nil && !errors.Is(err, errDuplicateLocation) {
		a.logger.Warn("Failed to connect to found location", "peer", remote.Peer, "err", err)
	}
}

// handleChannelMap hands a relay channel opened by a remote location to the
// peer location owning the security context.
func (a *Account) handleChannelMap(notify *protocols.ChannelMapNotify) {
	var target *peerlocation.Instance

	a.lock.RLock()
	for _, tracked := range a.instances {
		if tracked.instance.LocalContext() == notify.LocalContext && tracked.instance.Remote() == notify.Remote {
			target = tracked.instance
			break
		}
	}
	a.lock.RUnlock()

	if target == nil {
		a.logger.Debug("Dropping relay channel for unknown context", "context", notify.LocalContext, "channel", notify.Channel)
		return
	}
	proof := notify.RelayProof
	if !proof.HasData() {
		proof = (*signaling)(a).RelayProof(notify.Remote.Peer)
	}
	header := &protocols.RelayHeader{
		Channel:       notify.Channel,
		LocalContext:  notify.LocalContext,
		RemoteContext: notify.RemoteContext,
		Remote:        notify.Remote,
		Proof:         proof,
	}
	target.AcceptRelay(func(notify func()) relay.Stream {
		stream, err := (*signaling)(a).DialRelay(header, params.PeerIdleTimeout, notify)
		if err != nil {
			return transport.ClosedStream(err)
		}
		return stream
	})
}

// track creates a peer location and registers it under a fresh handle.
func (a *Account) track(config peerlocation.Config, remote protocols.LocationRef, peer identity.PublicPeerFile, find string) (*peerlocation.Instance, error) {
	key := locationKey(config.FindID, remote)

	a.lock.Lock()
	if a.closed {
		a.lock.Unlock()
		return nil, ErrAccountClosed
	}
	if _, ok := a.index[key]; ok {
		a.lock.Unlock()
		return nil, errDuplicateLocation
	}
	location, err := a.registry.Location(remote.Peer, remote.ID)
	if err != nil {
		a.lock.Unlock()
		return nil, err
	}
	a.nextID++

	config.Handle = a.nextID
	config.Self = a.self
	config.Local = a.local
	config.Signaling = (*signaling)(a)
	config.Direct = a.direct
	config.Resolver = relay.KeyResolverFunc(a.PeerKey)
	config.Settings = a.settings
	config.Clock = a.clock
	config.OnState = a.handleState
	config.Logger = a.logger

	instance, err := peerlocation.New(config)
	if err != nil {
		a.lock.Unlock()
		location.Release()
		return nil, err
	}
	a.instances[config.Handle] = &trackedLocation{instance: instance, location: location, find: find, key: key}
	a.index[key] = config.Handle
	a.lock.Unlock()

	if err := a.cachePeerKey(peer); err != nil {
		a.logger.Warn("Failed to cache peer key", "peer", remote.Peer, "err", err)
	}
	a.logger.Debug("Tracking peer location", "handle", config.Handle, "reason", config.Reason, "peer", remote.Peer, "location", remote.ID)
	return instance, nil
}

// handleState is invoked by peer locations on every state transition. It runs
// on the instance loop and must not block.
func (a *Account) handleState(handle uint64, state peerlocation.State) {
	a.lock.Lock()
	tracked, ok := a.instances[handle]
	if ok && state == peerlocation.StateShutdown {
		delete(a.instances, handle)
		delete(a.index, tracked.key)
		if find, ok := a.finds[tracked.find]; ok {
			find.updated = a.clock.Now()
		}
	}
	a.lock.Unlock()

	if !ok {
		return
	}
	if state == peerlocation.StateShutdown {
		tracked.location.Release()
	}
	a.publish(newLocationEvent(tracked.instance, state, a.clock.Now()))
}

// Locations returns the status of every tracked peer location, ordered by
// handle.
func (a *Account) Locations() []peerlocation.Info {
	a.lock.RLock()
	infos := make([]peerlocation.Info, 0, len(a.instances))
	for _, tracked := range a.instances {
		infos = append(infos, tracked.instance.Info())
	}
	a.lock.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Handle < infos[j].Handle })
	return infos
}

// PeerLocation returns the status of a single tracked peer location.
func (a *Account) PeerLocation(handle uint64) (peerlocation.Info, error) {
	a.lock.RLock()
	tracked, ok := a.instances[handle]
	a.lock.RUnlock()

	if !ok {
		return peerlocation.Info{}, ErrLocationNotFound
	}
	return tracked.instance.Info(), nil
}

// Disconnect tears down a tracked peer location.
func (a *Account) Disconnect(handle uint64) error {
	a.lock.RLock()
	tracked, ok := a.instances[handle]
	a.lock.RUnlock()

	if !ok {
		return ErrLocationNotFound
	}
	tracked.instance.Cancel()
	return nil
}

// scheduleRefind arms the next refind check.
func (a *Account) scheduleRefind() {
	a.lock.Lock()
	defer a.lock.Unlock()

	if a.closed {
		return
	}
	a.refinder = a.clock.AfterFunc(refindCheckInterval, func() {
		a.refind()
		a.scheduleRefind()
	})
}

// refind restarts the find cycle of outgoing peer locations that failed to
// connect in time and forgets finds nobody answered for a while.
func (a *Account) refind() {
	var (
		now     = a.clock.Now()
		stale   []*peerlocation.Instance
		targets = make(map[string]struct{})
		used    = make(map[string]bool)
	)
	a.lock.Lock()
	for _, tracked := range a.instances {
		used[tracked.find] = true
		if tracked.refound || tracked.instance.Reason() != peerlocation.ReasonOutgoingFind {
			continue
		}
		if tracked.instance.State() >= peerlocation.StateShuttingDown || !tracked.instance.ShouldRefindNow() {
			continue
		}
		tracked.refound = true
		stale = append(stale, tracked.instance)
		targets[tracked.instance.Remote().Peer] = struct{}{}
	}
	for id, find := range a.finds {
		if !used[id] && now.Sub(find.updated) > findRetention {
			delete(a.finds, id)
		}
	}
	a.lock.Unlock()

	for _, instance := range stale {
		instance.Cancel()
	}
	for target := range targets {
		go func(target string) {
			ctx, cancel := context.WithTimeout(context.Background(), params.PeerFindTimeout)
			defer cancel()

			a.logger.Debug("Refinding peer", "peer", target)
			if _, err := a.Find(ctx, target); err != nil {
				a.logger.Warn("Failed to refind peer", "peer", target, "err", err)
			}
		}(target)
	}
}
