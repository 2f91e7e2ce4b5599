package relay

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rudransh-shrivastava/peer-relay/internal/logger"
	"github.com/rudransh-shrivastava/peer-relay/internal/protocol"
	"github.com/stretchr/testify/require"
)

var errLinkDown = errors.New("link down")

const relayID = "relay"

var relayPolicy = PolicyFunc(func(id protocol.PeerIdentity) bool { return id.ID == relayID })

// testNode is an in-memory Registry. Its peers deliver messages in order
// through one goroutine per link, like a real receive loop.
type testNode struct {
	t   *testing.T
	id  protocol.PeerIdentity
	mgr *Manager

	mu        sync.Mutex
	peers     map[string]*testPeer
	self      *testPeer
	acceptErr error
	connects  []string
	stopped   bool

	accepted chan *Handler
}

func newTestNode(t *testing.T, id string, mutate ...func(*Config)) *testNode {
	t.Helper()

	n := &testNode{
		t:        t,
		id:       protocol.PeerIdentity{ID: id, Nick: id},
		peers:    make(map[string]*testPeer),
		accepted: make(chan *Handler, 64),
	}
	n.self = newTestPeer(n, n)

	cfg := DefaultConfig()
	cfg.Logger = logger.Discard()
	cfg.Policy = relayPolicy
	for _, fn := range mutate {
		fn(&cfg)
	}

	mgr, err := NewManager(n, cfg)
	require.NoError(t, err)
	n.mgr = mgr
	t.Cleanup(func() { _ = mgr.Close() })
	return n
}

// connect links a and b directly in both directions.
func connect(a, b *testNode) (*testPeer, *testPeer) {
	ab := a.peer(b)
	ba := b.peer(a)
	ab.connected.Store(true)
	ba.connected.Store(true)
	return ab, ba
}

// peer returns n's view of other, creating it as known but not connected.
func (n *testNode) peer(other *testNode) *testPeer {
	n.mu.Lock()
	defer n.mu.Unlock()

	if p, ok := n.peers[other.id.ID]; ok {
		return p
	}
	p := newTestPeer(n, other)
	n.peers[other.id.ID] = p
	return p
}

func (n *testNode) Self() Peer { return n.self }

func (n *testNode) ConnectedPeers() []Peer {
	n.mu.Lock()
	defer n.mu.Unlock()

	var out []Peer
	for _, id := range n.sortedIDs() {
		if p := n.peers[id]; p.IsConnected() {
			out = append(out, p)
		}
	}
	return out
}

func (n *testNode) KnownPeers() []Peer {
	n.mu.Lock()
	defer n.mu.Unlock()

	var out []Peer
	for _, id := range n.sortedIDs() {
		out = append(out, n.peers[id])
	}
	return out
}

func (n *testNode) sortedIDs() []string {
	ids := make([]string, 0, len(n.peers))
	for id := range n.peers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (n *testNode) Lookup(id protocol.PeerIdentity) Peer {
	n.mu.Lock()
	defer n.mu.Unlock()

	if p, ok := n.peers[id.ID]; ok {
		return p
	}
	return nil
}

func (n *testNode) AcceptConnection(h *Handler) error {
	n.mu.Lock()
	err := n.acceptErr
	p, ok := n.peers[h.Remote().ID]
	if !ok {
		p = newTestPeer(n, &testNode{id: h.Remote()})
		n.peers[h.Remote().ID] = p
	}
	n.mu.Unlock()

	if err != nil {
		return err
	}
	if h.State() == StateClosed {
		return h.Err()
	}

	p.handler.Store(h)
	h.OnClose(func() { p.handler.CompareAndSwap(h, nil) })
	n.accepted <- h
	return nil
}

func (n *testNode) RequestImmediateConnect(p Peer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.connects = append(n.connects, p.Identity().ID)
}

func (n *testNode) IsStarted() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return !n.stopped
}

func (n *testNode) connectRequests() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.connects)
}

func (n *testNode) nextAccepted(t *testing.T, ctx context.Context) *Handler {
	t.Helper()
	select {
	case h := <-n.accepted:
		return h
	case <-ctx.Done():
		t.Fatalf("%s: no connection accepted", n.id.ID)
		return nil
	}
}

// testPeer is local's view of remote.
type testPeer struct {
	local  *testNode
	remote *testNode

	blackhole  atomic.Bool
	broken     atomic.Bool
	connected  atomic.Bool
	connecting atomic.Bool
	handler    atomic.Pointer[Handler]

	mu   sync.Mutex
	sent []*protocol.RelayedMessage

	done  chan struct{}
	inbox chan *protocol.RelayedMessage
}

func newTestPeer(local, remote *testNode) *testPeer {
	p := &testPeer{
		local:  local,
		remote: remote,
		done:   make(chan struct{}),
		inbox:  make(chan *protocol.RelayedMessage, 256),
	}
	if local == remote {
		p.connected.Store(true)
	}
	if local.t != nil {
		go p.run()
		local.t.Cleanup(func() { close(p.done) })
	}
	return p
}

func (p *testPeer) run() {
	for {
		select {
		case <-p.done:
			return
		case msg := <-p.inbox:
			dst := p.remote
			if dst.mgr == nil {
				continue
			}
			from := dst.self
			if dst != p.local {
				from = dst.peer(p.local)
			}
			dst.mgr.HandleMessage(from, msg)
		}
	}
}

func (p *testPeer) Identity() protocol.PeerIdentity { return p.remote.id }

func (p *testPeer) SendMessage(ctx context.Context, msg *protocol.RelayedMessage) error {
	if !p.connected.Load() || p.broken.Load() {
		return errLinkDown
	}

	p.mu.Lock()
	p.sent = append(p.sent, msg)
	p.mu.Unlock()

	if p.blackhole.Load() {
		return nil
	}

	select {
	case p.inbox <- msg:
		return nil
	case <-p.done:
		return errLinkDown
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *testPeer) IsCompletelyConnected() bool { return p.connected.Load() }
func (p *testPeer) IsConnected() bool           { return p.connected.Load() }
func (p *testPeer) IsConnecting() bool          { return p.connecting.Load() }
func (p *testPeer) RelayedHandler() *Handler    { return p.handler.Load() }

func (p *testPeer) sentMessages() []*protocol.RelayedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.sent)
}

func (p *testPeer) sentOfType(typ protocol.RelayedType) []*protocol.RelayedMessage {
	var out []*protocol.RelayedMessage
	for _, msg := range p.sentMessages() {
		if msg.RelayedType == typ {
			out = append(out, msg)
		}
	}
	return out
}
