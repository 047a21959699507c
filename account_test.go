// go-peerfinder - Peer location and connection establishment
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package peerfinder

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/coronanet/go-peerfinder/clock"
	"github.com/coronanet/go-peerfinder/finder"
	"github.com/coronanet/go-peerfinder/finder/findertest"
	"github.com/coronanet/go-peerfinder/identity"
	"github.com/coronanet/go-peerfinder/peerlocation"
	"github.com/coronanet/go-peerfinder/protocols"
	"github.com/coronanet/go-peerfinder/settings"
	"github.com/coronanet/go-peerfinder/transport"
	"github.com/stretchr/testify/require"
)

// testNetwork is a fake finder and the resolver pointing to it.
type testNetwork struct {
	gateway  *transport.MockGateway
	server   *findertest.Server
	resolver *finder.StaticResolver
	clock    *clock.Fake // Shared time source, nil for the real clock
}

func newTestNetwork(t *testing.T) *testNetwork {
	t.Helper()
	return newTestNetworkWithClock(t, nil)
}

// newTestNetworkWithClock creates a fake finder whose accounts all run on the
// given fake clock.
func newTestNetworkWithClock(t *testing.T, clk *clock.Fake) *testNetwork {
	t.Helper()

	config := findertest.Config{Domain: "example.org"}
	if clk != nil {
		config.Clock = clk
	}
	gateway := transport.NewMockGateway()
	server, err := findertest.New(gateway, config)
	if err != nil {
		t.Fatalf("Failed to start fake finder: %v", err)
	}
	t.Cleanup(server.Close)

	resolver := finder.NewStaticResolver(nil, nil)
	document, key := server.Document()
	resolver.Add("example.org", key, document)

	return &testNetwork{gateway: gateway, server: server, resolver: resolver, clock: clk}
}

// open creates an account in the given data directory connected to the fake
// finder. The account is not closed automatically.
func (n *testNetwork) open(t *testing.T, datadir string) (*Account, error) {
	t.Helper()

	config := Config{
		Datadir:  datadir,
		Domain:   "example.org",
		Gateway:  n.gateway,
		Resolver: n.resolver,
		Settings: settings.NewStatic(settings.Settings{RelayRetryMin: 1, RelayRetryMax: 2, RefindAfter: 30}),
	}
	if n.clock != nil {
		config.Clock = n.clock
	}
	return NewAccount(config)
}

// account creates a fresh account and waits until it registered with the finder.
func (n *testNetwork) account(t *testing.T) *Account {
	t.Helper()

	account, err := n.open(t, t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create account: %v", err)
	}
	t.Cleanup(func() { account.Close() })

	waitCond(t, "finder registration", func() bool {
		if n.clock != nil {
			n.clock.Advance(0)
		}
		return account.Finder().State == "ready"
	})
	return account
}

// waitCond polls an arbitrary condition until it holds.
func waitCond(t *testing.T, what string, cond func() bool) {
	t.Helper()

	for start := time.Now(); !cond(); time.Sleep(10 * time.Millisecond) {
		if time.Since(start) > 5*time.Second {
			t.Fatalf("Condition never met: %s", what)
		}
	}
}

// readyLocation returns the single ready peer location of an account, if any.
func readyLocation(account *Account) (peerlocation.Info, bool) {
	infos := account.Locations()
	if len(infos) != 1 || infos[0].State != peerlocation.StateReady.String() {
		return peerlocation.Info{}, false
	}
	return infos[0], true
}

// Tests that the local identity is generated once and reloaded afterwards.
func TestAccountProfilePersistence(t *testing.T) {
	network := newTestNetwork(t)
	datadir := t.TempDir()

	account, err := network.open(t, datadir)
	if err != nil {
		t.Fatalf("Failed to create account: %v", err)
	}
	self, location := account.Self(), account.Location()

	require.NoError(t, account.Close())
	require.ErrorIs(t, account.Close(), ErrAccountClosed)

	account, err = network.open(t, datadir)
	if err != nil {
		t.Fatalf("Failed to reopen account: %v", err)
	}
	defer account.Close()

	require.Equal(t, self.URI(), account.Self().URI())
	require.Equal(t, location.ID, account.Location().ID)
	require.Equal(t, self.URI(), account.Location().PeerURI)
}

// Tests that accounts refuse to be created without their collaborators.
func TestAccountValidation(t *testing.T) {
	network := newTestNetwork(t)

	_, err := NewAccount(Config{Datadir: t.TempDir(), Domain: "example.org", Resolver: network.resolver})
	require.ErrorIs(t, err, ErrMissingGateway)

	_, err = NewAccount(Config{Datadir: t.TempDir(), Domain: "example.org", Gateway: network.gateway})
	require.ErrorIs(t, err, ErrMissingResolver)

	_, err = NewAccount(Config{Datadir: t.TempDir(), Gateway: network.gateway, Resolver: network.resolver})
	require.ErrorIs(t, err, ErrMissingDomain)
}

// Tests that two accounts find each other through the finder, connect over a
// relay channel and both tear down when one side disconnects.
func TestAccountFindAndConnect(t *testing.T) {
	network := newTestNetwork(t)

	alice := network.account(t)
	bob := network.account(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := alice.SubscribeLocations(ctx)
	if err != nil {
		t.Fatalf("Failed to subscribe to location events: %v", err)
	}
	found, err := alice.Find(ctx, bob.Self().URI())
	if err != nil {
		t.Fatalf("Failed to find peer: %v", err)
	}
	require.Equal(t, 1, found)

	waitCond(t, "both sides ready", func() bool {
		_, aok := readyLocation(alice)
		_, bok := readyLocation(bob)
		return aok && bok
	})
	outgoing, _ := readyLocation(alice)
	incoming, _ := readyLocation(bob)

	require.Equal(t, peerlocation.ReasonOutgoingFind.String(), outgoing.Reason)
	require.Equal(t, peerlocation.ReasonIncomingFind.String(), incoming.Reason)
	require.Equal(t, "relay", outgoing.Transport)
	require.Equal(t, "relay", incoming.Transport)
	require.Equal(t, bob.Location().ID, outgoing.Remote.ID)
	require.Equal(t, alice.Location().ID, incoming.Remote.ID)
	require.Equal(t, outgoing.LocalContext, incoming.RemoteContext)
	require.Equal(t, incoming.LocalContext, outgoing.RemoteContext)

	// The remote identities must have been cached on both sides
	key, ok := alice.PeerKey(bob.Self().URI())
	require.True(t, ok)
	require.Equal(t, bob.Self().Key, key)
	require.Contains(t, bob.KnownPeers(), alice.Self().URI())

	// The ready transition must have been published
	deadline := time.After(5 * time.Second)
	for ready := false; !ready; {
		select {
		case event := <-events:
			ready = event.Handle == outgoing.Handle && event.State == peerlocation.StateReady.String()
		case <-deadline:
			t.Fatalf("Ready event not published")
		}
	}
	// Disconnecting one side must tear down the other too
	require.NoError(t, alice.Disconnect(outgoing.Handle))

	waitCond(t, "both sides gone", func() bool {
		return len(alice.Locations()) == 0 && len(bob.Locations()) == 0
	})
	peers, locations := alice.Registry().Stats()
	require.Zero(t, peers)
	require.Zero(t, locations)

	require.ErrorIs(t, alice.Disconnect(outgoing.Handle), ErrLocationNotFound)
	_, err = alice.PeerLocation(outgoing.Handle)
	require.ErrorIs(t, err, ErrLocationNotFound)
}

// Tests that searching for an unreachable peer reports the finder's rejection.
func TestAccountFindUnknown(t *testing.T) {
	network := newTestNetwork(t)
	alice := network.account(t)

	stranger, err := identity.GeneratePeerFile("example.org")
	if err != nil {
		t.Fatalf("Failed to generate peer file: %v", err)
	}
	_, err = alice.Find(context.Background(), stranger.URI())

	var perr *protocols.Error
	require.True(t, errors.As(err, &perr), "unexpected error: %v", err)
	require.Equal(t, protocols.CodeNotFound, perr.Code)

	_, err = alice.Find(context.Background(), "mailto://nobody")
	require.ErrorIs(t, err, identity.ErrInvalidURI)
}

// Tests that an account re-registers with its finder after losing it.
func TestAccountFinderReconnect(t *testing.T) {
	network := newTestNetwork(t)
	alice := network.account(t)

	_, creates, _, _, _ := network.server.Stats()
	require.Equal(t, 1, creates)

	network.server.Kill()
	waitCond(t, "finder re-registration", func() bool {
		_, creates, _, _, _ := network.server.Stats()
		return creates == 2 && alice.Finder().State == "ready"
	})
}

// Tests that a closed account rejects finds.
func TestAccountClosedFind(t *testing.T) {
	network := newTestNetwork(t)

	account, err := network.open(t, t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create account: %v", err)
	}
	require.NoError(t, account.Close())

	_, err = account.Find(context.Background(), account.Self().URI())
	require.ErrorIs(t, err, ErrAccountClosed)
}

// collectStates gathers the published states of a peer location until it
// reports shutdown.
func collectStates(t *testing.T, events <-chan LocationEvent, handle uint64) []string {
	t.Helper()

	var states []string
	deadline := time.After(5 * time.Second)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				t.Fatalf("Event stream closed early: have %v", states)
			}
			if event.Handle != handle {
				continue
			}
			states = append(states, event.State)
			if event.State == peerlocation.StateShutdown.String() {
				return states
			}
		case <-deadline:
			t.Fatalf("Shutdown event not published: have %v", states)
		}
	}
}

// Tests that location events reach subscribers in transition order on both
// the searching and the searched side.
func TestAccountEventOrder(t *testing.T) {
	network := newTestNetwork(t)

	alice := network.account(t)
	bob := network.account(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	aliceEvents, err := alice.SubscribeLocations(ctx)
	if err != nil {
		t.Fatalf("Failed to subscribe to location events: %v", err)
	}
	bobEvents, err := bob.SubscribeLocations(ctx)
	if err != nil {
		t.Fatalf("Failed to subscribe to location events: %v", err)
	}
	if _, err := alice.Find(ctx, bob.Self().URI()); err != nil {
		t.Fatalf("Failed to find peer: %v", err)
	}
	waitCond(t, "both sides ready", func() bool {
		_, aok := readyLocation(alice)
		_, bok := readyLocation(bob)
		return aok && bok
	})
	outgoing, _ := readyLocation(alice)
	incoming, _ := readyLocation(bob)

	require.NoError(t, alice.Disconnect(outgoing.Handle))

	want := []string{
		peerlocation.StateReady.String(),
		peerlocation.StateShuttingDown.String(),
		peerlocation.StateShutdown.String(),
	}
	require.Equal(t, want, collectStates(t, aliceEvents, outgoing.Handle))
	require.Equal(t, want, collectStates(t, bobEvents, incoming.Handle))
}

// refindRequested reports whether a tracked peer location asks to be searched
// for again.
func refindRequested(account *Account, handle uint64) bool {
	account.lock.RLock()
	tracked, ok := account.instances[handle]
	account.lock.RUnlock()

	return ok && tracked.instance.ShouldRefindNow()
}

// outgoingHandle returns the single outgoing peer location of an account other
// than the excluded one, if any.
func outgoingHandle(account *Account, exclude uint64) (uint64, bool) {
	var found []uint64
	for _, info := range account.Locations() {
		if info.Handle != exclude && info.Reason == peerlocation.ReasonOutgoingFind.String() {
			found = append(found, info.Handle)
		}
	}
	if len(found) != 1 {
		return 0, false
	}
	return found[0], true
}

// Tests that outgoing peer locations stuck without connectivity are dropped
// and searched for again exactly once, both when polled explicitly and by the
// periodic check.
func TestAccountRefind(t *testing.T) {
	clk := clock.NewFake(time.Now())
	network := newTestNetworkWithClock(t, clk)
	network.server.HoldRelays(true)

	alice := network.account(t)
	bob := network.account(t)

	// Pause the periodic check to drive the first round by hand
	alice.lock.Lock()
	alice.refinder.Stop()
	alice.lock.Unlock()

	if _, err := alice.Find(context.Background(), bob.Self().URI()); err != nil {
		t.Fatalf("Failed to find peer: %v", err)
	}
	var stale uint64
	waitCond(t, "outgoing location tracked", func() bool {
		var ok bool
		stale, ok = outgoingHandle(alice, 0)
		return ok
	})
	waitCond(t, "refind requested", func() bool {
		clk.Advance(time.Second)
		return refindRequested(alice, stale)
	})
	info, err := alice.PeerLocation(stale)
	require.NoError(t, err)
	require.Equal(t, peerlocation.StatePending.String(), info.State)

	// Polling twice before the stale location is gone must search only once
	alice.refind()
	alice.refind()

	waitCond(t, "stale location dropped", func() bool {
		_, err := alice.PeerLocation(stale)
		return errors.Is(err, ErrLocationNotFound)
	})
	var fresh uint64
	waitCond(t, "fresh location tracked", func() bool {
		var ok bool
		fresh, ok = outgoingHandle(alice, stale)
		return ok
	})
	require.NotEqual(t, stale, fresh)

	_, _, _, _, finds := network.server.Stats()
	require.Equal(t, 2, finds)

	// Resume the periodic check and let the fresh location go stale too
	alice.scheduleRefind()
	waitCond(t, "periodic refind", func() bool {
		clk.Advance(time.Second)
		_, _, _, _, finds := network.server.Stats()
		return finds == 3
	})
	waitCond(t, "fresh location dropped", func() bool {
		_, err := alice.PeerLocation(fresh)
		return errors.Is(err, ErrLocationNotFound)
	})
}
