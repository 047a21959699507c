// go-peerfinder - Peer location and connection establishment
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package peerlocation

import (
	"errors"
	"math/rand"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/coronanet/go-peerfinder/clock"
	"github.com/coronanet/go-peerfinder/identity"
	"github.com/coronanet/go-peerfinder/protocols"
	"github.com/coronanet/go-peerfinder/relay"
	"github.com/coronanet/go-peerfinder/secchan"
	"github.com/coronanet/go-peerfinder/token"
	"github.com/coronanet/go-peerfinder/transport"
	"github.com/google/uuid"
)

var (
	errNoNetwork  = errors.New("no network")
	errNoRelay    = errors.New("relay unavailable")
	errKilled     = errors.New("killed")
	errCancelled  = errors.New("cancelled")
	errNotANotify = errors.New("not a notify")
)

// fakeNetwork pairs offering and answering fake direct transports through their
// session descriptions and connects them with in-memory pipes.
type fakeNetwork struct {
	hold   bool // Never connect negotiated transports
	fail   bool // Fail creating transports
	jitter bool // Connect after a random delay

	offers     map[string]*fakeDirect
	transports []*fakeDirect
	lock       sync.Mutex
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{offers: make(map[string]*fakeDirect)}
}

// factory implements DirectFactory.
func (n *fakeNetwork) factory(offerer bool, notify func()) (DirectTransport, error) {
	if n.fail {
		return nil, errNoNetwork
	}
	d := &fakeDirect{
		network: n,
		offerer: offerer,
		notify:  notify,
		state:   transport.DirectPending,
	}
	n.lock.Lock()
	defer n.lock.Unlock()

	if offerer {
		d.desc = "offer-" + uuid.NewString()
		n.offers[d.desc] = d
	}
	n.transports = append(n.transports, d)
	return d, nil
}

// answerer returns the first answering transport created, if any.
func (n *fakeNetwork) answerer() *fakeDirect {
	n.lock.Lock()
	defer n.lock.Unlock()

	for _, d := range n.transports {
		if !d.offerer {
			return d
		}
	}
	return nil
}

// connect links an offerer with its answerer.
func (n *fakeNetwork) connect(offerer *fakeDirect, answer string) {
	n.lock.Lock()
	var answerer *fakeDirect
	for _, d := range n.transports {
		if !d.offerer && d.Candidates().Description == answer {
			answerer = d
		}
	}
	hold, jitter := n.hold, n.jitter
	n.lock.Unlock()

	if answerer == nil || hold {
		return
	}
	link := func() {
		c1, c2 := net.Pipe()
		offerer.connected(c1)
		answerer.connected(c2)
	}
	if jitter {
		go func() {
			time.Sleep(time.Duration(rand.Intn(20)) * time.Millisecond)
			link()
		}()
		return
	}
	go link()
}

// fakeDirect is a direct transport negotiated by exchanging fake descriptions.
type fakeDirect struct {
	network *fakeNetwork
	offerer bool
	notify  func()

	desc   string
	remote string
	state  transport.DirectState
	err    error
	stream *transport.Stream
	lock   sync.Mutex
}

func (d *fakeDirect) State() transport.DirectState {
	d.lock.Lock()
	defer d.lock.Unlock()

	return d.state
}

func (d *fakeDirect) Err() error {
	d.lock.Lock()
	defer d.lock.Unlock()

	return d.err
}

func (d *fakeDirect) Stream() *transport.Stream {
	d.lock.Lock()
	defer d.lock.Unlock()

	return d.stream
}

func (d *fakeDirect) Candidates() transport.LocalCandidates {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.desc == "" {
		return transport.LocalCandidates{}
	}
	return transport.LocalCandidates{
		Candidates: []identity.Candidate{{
			Transport: "udp",
			IP:        "127.0.0.1",
			Port:      30303,
			Type:      identity.CandidateLocal,
		}},
		Final:       true,
		Version:     "1",
		Description: d.desc,
	}
}

func (d *fakeDirect) SetRemote(description string) error {
	d.lock.Lock()
	if d.remote != "" {
		d.lock.Unlock()
		return transport.ErrRemoteAlreadySet
	}
	d.remote = description
	if !d.offerer {
		d.desc = "answer-" + description
	}
	d.lock.Unlock()

	if d.offerer {
		d.network.connect(d, description)
	}
	d.notify()
	return nil
}

func (d *fakeDirect) Cancel() {
	d.shutdown(errCancelled)
}

// connected attaches one end of the link.
func (d *fakeDirect) connected(conn net.Conn) {
	d.lock.Lock()
	if d.state != transport.DirectPending {
		d.lock.Unlock()
		conn.Close()
		return
	}
	d.stream = transport.NewStream(conn, 0, d.streamChanged)
	d.state = transport.DirectConnected
	d.lock.Unlock()

	d.notify()
}

// streamChanged tears the transport down along with its stream.
func (d *fakeDirect) streamChanged() {
	if stream := d.Stream(); stream != nil && stream.State() == transport.StreamShutdown {
		d.shutdown(stream.Err())
	}
}

// shutdown terminates the transport, only the first reason is kept.
func (d *fakeDirect) shutdown(reason error) {
	d.lock.Lock()
	if d.state == transport.DirectShutdown {
		d.lock.Unlock()
		return
	}
	d.state, d.err = transport.DirectShutdown, reason
	stream := d.stream
	d.lock.Unlock()

	if stream != nil {
		stream.Cancel()
	}
	d.notify()
}

// testPeer is the identity and location of one side of a connection.
type testPeer struct {
	file *identity.PeerFile
	info identity.LocationInfo
	keys secchan.KeyPair
	ctx  string
}

func newTestPeer(t *testing.T) *testPeer {
	t.Helper()

	file, err := identity.GeneratePeerFile("example.org")
	if err != nil {
		t.Fatalf("Failed to generate peer file: %v", err)
	}
	keys, err := secchan.GenerateKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}
	return &testPeer{
		file: file,
		info: identity.LocationInfo{ID: uuid.NewString(), PeerURI: file.URI(), UserAgent: "peerlocation-test"},
		keys: keys,
		ctx:  uuid.NewString(),
	}
}

// testPair wires a searching and a searched peer location together through a
// fake signaling path. The searched side is created from the find, the
// searching side from the first notify it receives.
type testPair struct {
	t       *testing.T
	clock   *clock.Fake
	network *fakeNetwork
	finder  *testPeer // Side that issued the find
	target  *testPeer // Side that was found
	find    *protocols.PeerLocationFind

	direct   bool                                           // Whether direct transports are available
	relays   bool                                           // Whether relay channels can be dialed
	jitter   bool                                           // Whether signaling is delivered with random delays
	manual   bool                                           // Whether notifies are only recorded
	proofKey *token.Token                                   // Find token the searching side proves, if not the real one
	tamper   func(notify *protocols.PeerLocationFindNotify) // Mutates notifies before the searching side sees them

	outgoing *Instance
	incoming *Instance
	notifies []*protocols.PeerLocationFindNotify
	headers  []*protocols.RelayHeader
	history  map[uint64][]State
	lock     sync.Mutex
}

const (
	handleOutgoing uint64 = 1
	handleIncoming uint64 = 2
)

func newTestPair(t *testing.T) *testPair {
	t.Helper()

	clk := clock.NewFake(time.Now())
	finder, target := newTestPeer(t), newTestPeer(t)

	return &testPair{
		t:       t,
		clock:   clk,
		network: newFakeNetwork(),
		finder:  finder,
		target:  target,
		find: &protocols.PeerLocationFind{
			Target:    target.file.URI(),
			From:      finder.info,
			PeerFile:  finder.file.Public(),
			DHPublic:  finder.keys.Public,
			ContextID: finder.ctx,
			FindToken: token.CreateFromMasterSecretAt("find-master", "find", time.Hour, clk.Now()),
		},
		direct:  true,
		relays:  true,
		history: make(map[uint64][]State),
	}
}

// start creates the searched side, which drives everything else.
func (p *testPair) start() *Instance {
	p.t.Helper()

	var factory DirectFactory
	if p.direct {
		factory = p.network.factory
	}
	inst, err := New(Config{
		Handle:       handleIncoming,
		Reason:       ReasonIncomingFind,
		Self:         p.target.file,
		Local:        p.target.info,
		Keys:         p.target.keys,
		LocalContext: p.target.ctx,
		FindID:       "find-1",
		Find:         p.find,
		Signaling:    &pairSignaling{pair: p},
		Direct:       factory,
		Clock:        p.clock,
		OnState:      p.record,
	})
	if err != nil {
		p.t.Fatalf("Failed to create incoming instance: %v", err)
	}
	p.lock.Lock()
	p.incoming = inst
	p.lock.Unlock()

	p.t.Cleanup(func() {
		for _, inst := range []*Instance{p.outgoingInstance(), inst} {
			if inst == nil {
				continue
			}
			inst.Cancel()
			select {
			case <-inst.Done():
			case <-time.After(5 * time.Second):
				p.t.Errorf("Instance %d never terminated: state %v", inst.Handle(), inst.State())
			}
		}
	})
	return inst
}

// record collects state transitions reported to the owner.
func (p *testPair) record(handle uint64, state State) {
	p.lock.Lock()
	defer p.lock.Unlock()

	p.history[handle] = append(p.history[handle], state)
}

// transitions returns the state transitions of an instance.
func (p *testPair) transitions(handle uint64) []State {
	p.lock.Lock()
	defer p.lock.Unlock()

	return append([]State{}, p.history[handle]...)
}

func (p *testPair) outgoingInstance() *Instance {
	p.lock.Lock()
	defer p.lock.Unlock()

	return p.outgoing
}

// waitOutgoing waits until the searching side has been created.
func (p *testPair) waitOutgoing() *Instance {
	p.t.Helper()

	waitCond(p.t, "outgoing instance created", func() bool { return p.outgoingInstance() != nil })
	return p.outgoingInstance()
}

// deliver routes a notify to the other side.
func (p *testPair) deliver(fromTarget bool, notify *protocols.PeerLocationFindNotify) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if !fromTarget {
		p.incoming.HandleNotify(notify)
		return
	}
	if p.tamper != nil {
		p.tamper(notify)
	}
	if p.outgoing != nil {
		p.outgoing.HandleNotify(notify)
		return
	}
	find := p.find
	if p.proofKey != nil {
		clone := *p.find
		clone.FindToken = *p.proofKey
		find = &clone
	}
	var factory DirectFactory
	if p.direct {
		factory = p.network.factory
	}
	inst, err := New(Config{
		Handle:       handleOutgoing,
		Reason:       ReasonOutgoingFind,
		Self:         p.finder.file,
		Local:        p.finder.info,
		Keys:         p.finder.keys,
		LocalContext: p.finder.ctx,
		FindID:       notify.FindID,
		Find:         find,
		Found:        notify,
		Signaling:    &pairSignaling{pair: p, outgoing: true},
		Direct:       factory,
		Clock:        p.clock,
		OnState:      p.record,
	})
	if err != nil {
		p.t.Errorf("Failed to create outgoing instance: %v", err)
		return
	}
	p.outgoing = inst
}

// pairSignaling is the finder session of one side of a test pair.
type pairSignaling struct {
	pair     *testPair
	outgoing bool
}

func (s *pairSignaling) Send(msg *protocols.Envelope) error {
	notify := msg.PeerLocationFindNotify
	if notify == nil {
		return errNotANotify
	}
	p := s.pair

	p.lock.Lock()
	p.notifies = append(p.notifies, notify)
	manual, jitter := p.manual, p.jitter
	p.lock.Unlock()

	if manual {
		return nil
	}
	if jitter {
		go func() {
			time.Sleep(time.Duration(rand.Intn(20)) * time.Millisecond)
			p.deliver(!s.outgoing, notify)
		}()
		return nil
	}
	p.deliver(!s.outgoing, notify)
	return nil
}

func (s *pairSignaling) DialRelay(header *protocols.RelayHeader, idle time.Duration, notify func()) (*transport.Stream, error) {
	p := s.pair
	if !p.relays {
		return nil, errNoRelay
	}
	p.lock.Lock()
	p.headers = append(p.headers, header)
	incoming, jitter := p.incoming, p.jitter
	p.lock.Unlock()

	c1, c2 := net.Pipe()
	accept := func() {
		incoming.AcceptRelay(func(notify func()) relay.Stream {
			return transport.NewStream(c2, 0, notify)
		})
	}
	if jitter {
		go func() {
			time.Sleep(time.Duration(rand.Intn(20)) * time.Millisecond)
			accept()
		}()
	} else {
		accept()
	}
	return transport.NewStream(c1, 0, notify), nil
}

func (s *pairSignaling) RelayProof(resource string) token.Token {
	access := token.CreateFromMasterSecretAt("relay-master", "s1", time.Hour, s.pair.clock.Now())
	return access.CreateProofAt(resource, time.Minute, s.pair.clock.Now())
}

// waitState polls an instance until it reaches the wanted state.
func waitState(t *testing.T, inst *Instance, want State) {
	t.Helper()

	for start := time.Now(); inst.State() != want; time.Sleep(5 * time.Millisecond) {
		if time.Since(start) > 5*time.Second {
			t.Fatalf("Instance state mismatch: have %v, want %v (err %v)", inst.State(), want, inst.Err())
		}
	}
}

// waitCond polls an arbitrary condition until it holds.
func waitCond(t *testing.T, what string, cond func() bool) {
	t.Helper()

	for start := time.Now(); !cond(); time.Sleep(5 * time.Millisecond) {
		if time.Since(start) > 5*time.Second {
			t.Fatalf("Condition never met: %s", what)
		}
	}
}
