package node

import (
	"context"
	"sync"

	"github.com/rudransh-shrivastava/peer-relay/internal/protocol"
	"github.com/rudransh-shrivastava/peer-relay/internal/relay"
	"github.com/rudransh-shrivastava/peer-relay/internal/transport"
)

var _ relay.Peer = (*Member)(nil)

// Member is one node in the registry. It moves from known to connecting to
// connected once a direct connection has exchanged Hello. A relayed connection
// may be attached independently of the direct one.
type Member struct {
	node *Node
	id   protocol.PeerIdentity
	self bool

	mu         sync.Mutex
	addr       string
	connecting bool
	direct     *transport.Peer
	relayed    *relay.Handler
	relayConn  *relay.Conn
	server     bool
}

func newMember(n *Node, id protocol.PeerIdentity) *Member {
	return &Member{node: n, id: id}
}

func (m *Member) Identity() protocol.PeerIdentity { return m.id }

func (m *Member) Addr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addr
}

func (m *Member) Server() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.server
}

// SendMessage delivers msg over the direct connection. Messages to the local
// node loop back into its relay manager.
func (m *Member) SendMessage(ctx context.Context, msg *protocol.RelayedMessage) error {
	if m.self {
		return m.node.loopback(ctx, msg)
	}

	p := m.directPeer()
	if p == nil {
		return relay.ErrNotDirect
	}
	return p.Send(ctx, msg)
}

func (m *Member) IsCompletelyConnected() bool {
	if m.self {
		return true
	}
	p := m.directPeer()
	if p == nil {
		return false
	}
	select {
	case <-p.Done():
		return false
	default:
		return true
	}
}

func (m *Member) IsConnected() bool {
	return m.self || m.directPeer() != nil
}

func (m *Member) IsConnecting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connecting
}

func (m *Member) RelayedHandler() *relay.Handler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.relayed
}

// Conn returns the connection to use for node traffic: the direct one when
// present, else the relayed one, else nil.
func (m *Member) Conn() transport.Conn {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.direct != nil {
		return m.direct
	}
	if m.relayConn != nil {
		return m.relayConn
	}
	return nil
}

func (m *Member) String() string {
	return m.id.String()
}

func (m *Member) directPeer() *transport.Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.direct
}

// learn records what a Hello or NodeList said about the member.
func (m *Member) learn(addr string, server bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if addr != "" {
		m.addr = addr
	}
	if server {
		m.server = true
	}
}

// beginConnect marks a dial in progress. It fails if the member is already
// connected or being dialed.
func (m *Member) beginConnect() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connecting || m.direct != nil {
		return false
	}
	m.connecting = true
	return true
}

func (m *Member) endConnect() {
	m.mu.Lock()
	m.connecting = false
	m.mu.Unlock()
}

// attachDirect installs p unless a live direct connection already exists.
func (m *Member) attachDirect(p *transport.Peer) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.direct != nil {
		select {
		case <-m.direct.Done():
		default:
			return false
		}
	}
	m.direct = p
	m.connecting = false
	return true
}

func (m *Member) detachDirect(p *transport.Peer) {
	m.mu.Lock()
	if m.direct == p {
		m.direct = nil
	}
	m.mu.Unlock()
}

// attachRelayed installs h as the member's relayed connection and returns the
// previous one, if any.
func (m *Member) attachRelayed(h *relay.Handler) (*relay.Conn, *relay.Conn) {
	conn := relay.NewConn(h)

	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.relayConn
	m.relayed = h
	m.relayConn = conn
	return conn, prev
}

// relayedConn returns the connection wrapping h, or nil once h has been
// replaced or closed.
func (m *Member) relayedConn(h *relay.Handler) *relay.Conn {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.relayed != h {
		return nil
	}
	return m.relayConn
}

func (m *Member) detachRelayed(h *relay.Handler) {
	m.mu.Lock()
	if m.relayed == h {
		m.relayed = nil
		m.relayConn = nil
	}
	m.mu.Unlock()
}

func (m *Member) info() protocol.NodeInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return protocol.NodeInfo{Addr: m.addr, Identity: m.id, Server: m.server}
}
