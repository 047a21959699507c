// go-peerfinder - Peer location and connection establishment
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package rest

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coronanet/go-peerfinder"
	"github.com/coronanet/go-peerfinder/finder"
	"github.com/coronanet/go-peerfinder/finder/findertest"
	"github.com/coronanet/go-peerfinder/peerlocation"
	"github.com/coronanet/go-peerfinder/transport"
	"github.com/stretchr/testify/require"
)

// testNode is an account exposed through the REST API.
type testNode struct {
	*API // Embedded API to allow directly calling methods

	account *peerfinder.Account
}

// newTestNodes boots up a fake finder and a number of accounts registered with
// it, each served over its own HTTP endpoint.
func newTestNodes(t *testing.T, count int) []*testNode {
	t.Helper()

	gateway := transport.NewMockGateway()
	server, err := findertest.New(gateway, findertest.Config{Domain: "example.org"})
	if err != nil {
		t.Fatalf("Failed to start fake finder: %v", err)
	}
	t.Cleanup(server.Close)

	resolver := finder.NewStaticResolver(nil, nil)
	document, key := server.Document()
	resolver.Add("example.org", key, document)

	nodes := make([]*testNode, count)
	for i := range nodes {
		account, err := peerfinder.NewAccount(peerfinder.Config{
			Datadir:  t.TempDir(),
			Domain:   "example.org",
			Gateway:  gateway,
			Resolver: resolver,
		})
		if err != nil {
			t.Fatalf("Failed to create account: %v", err)
		}
		t.Cleanup(func() { account.Close() })

		srv := httptest.NewServer(New(account))
		t.Cleanup(srv.Close)

		nodes[i] = &testNode{API: NewAPI(srv.URL), account: account}
	}
	return nodes
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

// waitRegistered waits until the node's finder session is ready.
func (n *testNode) waitRegistered(t *testing.T) {
	t.Helper()

	waitCond(t, "finder registration", func() bool {
		status, err := n.Finder()
		return err == nil && status.State == "ready"
	})
}

// Tests that the local identity is reported correctly.
func TestSelf(t *testing.T) {
	node := newTestNodes(t, 1)[0]

	self, err := node.Self()
	if err != nil {
		t.Fatalf("Failed to retrieve self: %v", err)
	}
	require.Equal(t, node.account.Self().URI(), self.URI)
	require.Equal(t, "example.org", self.Domain)
	require.Equal(t, node.account.Location().ID, self.Location)

	peers, err := node.Peers()
	if err != nil {
		t.Fatalf("Failed to retrieve peers: %v", err)
	}
	require.Empty(t, peers)
}

// Tests that peers can be searched for, inspected and disconnected via the API.
func TestFindAndDisconnect(t *testing.T) {
	nodes := newTestNodes(t, 2)
	alice, bob := nodes[0], nodes[1]

	alice.waitRegistered(t)
	bob.waitRegistered(t)

	bobSelf, err := bob.Self()
	if err != nil {
		t.Fatalf("Failed to retrieve self: %v", err)
	}
	found, err := alice.Find(bobSelf.URI)
	if err != nil {
		t.Fatalf("Failed to find peer: %v", err)
	}
	require.Equal(t, 1, found)

	var handle uint64
	waitCond(t, "location ready", func() bool {
		infos, err := alice.Locations()
		if err != nil || len(infos) != 1 || infos[0].State != peerlocation.StateReady.String() {
			return false
		}
		handle = infos[0].Handle
		return true
	})
	info, err := alice.Location(handle)
	if err != nil {
		t.Fatalf("Failed to retrieve location: %v", err)
	}
	require.Equal(t, bobSelf.Location, info.Remote.ID)

	peers, err := alice.Peers()
	if err != nil {
		t.Fatalf("Failed to retrieve peers: %v", err)
	}
	require.Equal(t, []string{bobSelf.URI}, peers)

	if err := alice.Disconnect(handle); err != nil {
		t.Fatalf("Failed to disconnect: %v", err)
	}
	waitCond(t, "locations gone", func() bool {
		ainfos, aerr := alice.Locations()
		binfos, berr := bob.Locations()
		return aerr == nil && berr == nil && len(ainfos) == 0 && len(binfos) == 0
	})
	var serr *StatusError
	err = alice.Disconnect(handle)
	require.True(t, errors.As(err, &serr))
	require.Equal(t, http.StatusNotFound, serr.Code)

	require.NoError(t, alice.ForgetPeers())
	peers, err = alice.Peers()
	require.NoError(t, err)
	require.Empty(t, peers)
}

// Tests that invalid searches are rejected with meaningful status codes.
func TestFindErrors(t *testing.T) {
	node := newTestNodes(t, 1)[0]
	node.waitRegistered(t)

	var serr *StatusError

	_, err := node.Find("not a peer")
	require.True(t, errors.As(err, &serr))
	require.Equal(t, http.StatusBadRequest, serr.Code)

	_, err = node.Find("peer://example.org/0000")
	require.True(t, errors.As(err, &serr))
	require.Equal(t, http.StatusNotFound, serr.Code)

	_, err = node.Location(42)
	require.True(t, errors.As(err, &serr))
	require.Equal(t, http.StatusNotFound, serr.Code)
}
