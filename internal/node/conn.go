package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rudransh-shrivastava/peer-relay/internal/protocol"
	"github.com/rudransh-shrivastava/peer-relay/internal/relay"
	"github.com/rudransh-shrivastava/peer-relay/internal/store"
	"github.com/rudransh-shrivastava/peer-relay/internal/transport"
	"github.com/sirupsen/logrus"
)

var errUnexpectedHello = errors.New("node: expected Hello")

func (n *Node) acceptLoop() {
	for {
		p, err := n.tr.Accept(n.ctx)
		if err != nil {
			if n.ctx.Err() == nil && !errors.Is(err, transport.ErrClosed) {
				n.log.WithError(err).Warn("Accept failed")
			}
			return
		}

		n.spawn(func() {
			if _, err := n.handshake(p, ""); err != nil {
				n.log.WithError(err).WithField("addr", p.RemoteAddr()).Debug("Inbound handshake failed")
				_ = p.Close()
			}
		})
	}
}

// Dial connects directly to addr and registers whoever answers.
func (n *Node) Dial(ctx context.Context, addr string) (*Member, error) {
	ctx, cancel := context.WithTimeout(ctx, n.cfg.DialTimeout)
	defer cancel()

	p, err := n.tr.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}

	m, err := n.handshake(p, addr)
	if err != nil {
		_ = p.Close()
		return nil, err
	}
	return m, nil
}

// connectDirect dials a known member at its recorded address.
func (n *Node) connectDirect(ctx context.Context, m *Member) (*Member, error) {
	if !m.beginConnect() {
		if m.IsConnected() {
			return m, nil
		}
		return nil, fmt.Errorf("node: already connecting to %s", m)
	}
	defer m.endConnect()

	got, err := n.Dial(ctx, m.Addr())
	if err != nil {
		return nil, err
	}
	if !got.id.Equal(m.id) {
		return nil, fmt.Errorf("node: %s answered as %s", m.Addr(), got.id)
	}
	return got, nil
}

// handshake exchanges Hello on a fresh connection. dialAddr is empty on the
// accepting side. The dialer speaks first: the acceptor cannot see the
// control stream before it carries data.
func (n *Node) handshake(p *transport.Peer, dialAddr string) (*Member, error) {
	dialer := dialAddr != ""

	ctx, cancel := context.WithTimeout(n.ctx, n.cfg.HelloTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { _ = p.Close() })
	defer stop()

	hello := &protocol.Hello{
		Identity:   n.cfg.Identity,
		ListenAddr: n.advertisedAddr(),
		Server:     n.cfg.Server,
	}

	if dialer {
		if err := p.Send(ctx, hello); err != nil {
			return nil, fmt.Errorf("send hello: %w", err)
		}
	}

	msg, err := p.Receive(ctx)
	if err != nil {
		return nil, fmt.Errorf("receive hello: %w", err)
	}
	remote, ok := msg.(*protocol.Hello)
	if !ok {
		return nil, fmt.Errorf("%w, got %s", errUnexpectedHello, msg.Type())
	}
	if remote.Identity.IsZero() || remote.Identity.Equal(n.cfg.Identity) {
		return nil, fmt.Errorf("node: invalid identity %q in hello", remote.Identity.ID)
	}

	if !dialer {
		if err := p.Send(ctx, hello); err != nil {
			return nil, fmt.Errorf("send hello: %w", err)
		}
	}

	if !stop() {
		return nil, fmt.Errorf("node: hello from %s timed out", remote.Identity)
	}
	return n.register(p, remote, dialAddr)
}

// register attaches a handshaken connection to its member and starts serving
// it.
func (n *Node) register(p *transport.Peer, hello *protocol.Hello, dialAddr string) (*Member, error) {
	m := n.ensureMember(hello.Identity)

	addr := dialAddr
	if addr == "" {
		addr = reachableAddr(p.RemoteAddr(), hello.ListenAddr)
	}
	m.learn(addr, hello.Server)

	if !m.attachDirect(p) {
		return nil, fmt.Errorf("node: already connected to %s", m)
	}
	if !n.spawn(func() { n.serve(m, p) }) {
		m.detachDirect(p)
		return nil, ErrClosed
	}

	log := n.log.WithFields(logrus.Fields{
		"addr": m.Addr(),
		"peer": m.String(),
	})
	if hello.Server {
		log = log.WithField("server", true)
	}
	log.Info("Connected")

	n.remember(m)
	if n.cfg.Server {
		n.shareNodes(m)
	}
	return m, nil
}

func (n *Node) serve(m *Member, p *transport.Peer) {
	defer n.lost(m, p)

	for {
		msg, err := p.Receive(n.ctx)
		if err != nil {
			if n.ctx.Err() == nil {
				n.log.WithError(err).WithField("peer", m.String()).Debug("Direct connection closed")
			}
			return
		}
		n.handle(m, p, msg)
	}
}

// lost cleans up after a direct connection ends. Relayed connections routed
// through m, established or still handshaking, cannot carry traffic any more
// and are shut down.
func (n *Node) lost(m *Member, p *transport.Peer) {
	_ = p.Close()
	m.detachDirect(p)
	n.mgr.RelayLost(m)

	for _, other := range n.sortedMembers() {
		h := other.RelayedHandler()
		if h != nil && h.Relay().Identity().Equal(m.id) {
			h.Shutdown()
		}
	}
	n.log.WithField("peer", m.String()).Info("Disconnected")
}

func (n *Node) serveRelayed(m *Member, c *relay.Conn) {
	for {
		msg, err := c.Receive(n.ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && n.ctx.Err() == nil {
				n.log.WithError(err).WithField("peer", m.String()).Warn("Relayed connection failed")
				_ = c.Close()
			}
			return
		}
		n.handle(m, c, msg)
	}
}

// handle dispatches one message received from m over conn. Relayed messages
// go to the relay manager on the same goroutine so per-peer order holds.
func (n *Node) handle(m *Member, conn transport.Conn, msg protocol.Message) {
	switch msg := msg.(type) {
	case *protocol.RelayedMessage:
		n.mgr.HandleMessage(m, msg)
	case *protocol.NodeList:
		n.learnNodes(msg.Nodes)
	case *protocol.Ping:
		n.reply(m, conn, &protocol.Pong{})
	case *protocol.Pong:
		n.log.WithField("peer", m.String()).Debug("Pong")
	case *protocol.FileOffer:
		if err := n.inbox.offer(m.id, msg); err != nil {
			n.log.WithError(err).WithField("peer", m.String()).Warn("Rejected file offer")
			n.reply(m, conn, &protocol.FileAck{Hash: msg.Hash, Err: err.Error()})
			return
		}
		n.log.WithFields(logrus.Fields{
			"file": msg.Name,
			"peer": m.String(),
			"size": msg.Size,
		}).Info("Receiving file")
		n.completeIfDone(m, conn, msg.Hash)
	case *protocol.FileChunk:
		if err := n.inbox.chunk(m.id, msg); err != nil {
			n.log.WithError(err).WithField("peer", m.String()).Warn("Dropped file chunk")
			n.reply(m, conn, &protocol.FileAck{Hash: msg.FileHash, Err: err.Error()})
			return
		}
		n.completeIfDone(m, conn, msg.FileHash)
	case *protocol.FileAck:
		n.acks.resolve(m.id, msg)
	case *protocol.Error:
		n.log.WithField("peer", m.String()).Warnf("Remote error %s: %s", msg.Code, msg.Message)
	case *protocol.Hello:
		n.log.WithField("peer", m.String()).Debug("Ignoring repeated hello")
	default:
		n.log.WithField("peer", m.String()).Warnf("Unexpected message %s", msg.Type())
	}
}

func (n *Node) completeIfDone(m *Member, conn transport.Conn, hash [protocol.HashSize]byte) {
	file, done, err := n.inbox.finish(m.id, hash)
	if !done {
		return
	}
	if err != nil {
		n.log.WithError(err).WithField("peer", m.String()).Warn("File transfer failed")
		n.reply(m, conn, &protocol.FileAck{Hash: hash, Err: err.Error()})
		return
	}

	n.log.WithFields(logrus.Fields{
		"path": file.Path,
		"peer": m.String(),
	}).Info("File received")
	n.reply(m, conn, &protocol.FileAck{Hash: hash})
}

func (n *Node) reply(m *Member, conn transport.Conn, msg protocol.Message) {
	ctx, cancel := context.WithTimeout(n.ctx, n.cfg.DialTimeout)
	defer cancel()
	if err := conn.Send(ctx, msg); err != nil {
		n.log.WithError(err).WithField("peer", m.String()).Debugf("Failed to send %s", msg.Type())
	}
}

// shareNodes sends newcomer every other node with a known address and tells
// the other connected nodes about newcomer.
func (n *Node) shareNodes(newcomer *Member) {
	var others []protocol.NodeInfo
	var peers []*Member
	for _, m := range n.sortedMembers() {
		if m == newcomer {
			continue
		}
		if info := m.info(); info.Addr != "" {
			others = append(others, info)
		}
		if m.IsConnected() {
			peers = append(peers, m)
		}
	}

	if len(others) > 0 {
		n.sendDirect(newcomer, &protocol.NodeList{Nodes: others})
	}

	info := newcomer.info()
	if info.Addr == "" {
		return
	}
	for _, m := range peers {
		n.sendDirect(m, &protocol.NodeList{Nodes: []protocol.NodeInfo{info}})
	}
}

func (n *Node) sendDirect(m *Member, msg protocol.Message) {
	if p := m.directPeer(); p != nil {
		n.reply(m, p, msg)
	}
}

func (n *Node) learnNodes(nodes []protocol.NodeInfo) {
	for _, info := range nodes {
		if info.Identity.IsZero() || info.Identity.Equal(n.cfg.Identity) {
			continue
		}
		m := n.ensureMember(info.Identity)
		m.learn(info.Addr, info.Server)
		n.remember(m)
	}
	n.log.WithField("count", len(nodes)).Debug("Learned nodes")
}

// remember persists m so relay maintenance can find it after a restart.
func (n *Node) remember(m *Member) {
	if n.store == nil {
		return
	}

	info := m.info()
	rec := store.NodeRecord{
		Addr:   info.Addr,
		ID:     info.Identity.ID,
		Nick:   info.Identity.Nick,
		Server: info.Server,
	}
	if m.IsConnected() {
		rec.LastSeen = time.Now().Unix()
	}
	if err := n.store.Upsert(n.ctx, rec); err != nil {
		n.log.WithError(err).WithField("peer", m.String()).Warn("Failed to store node")
	}
}

func (n *Node) restore(ctx context.Context) error {
	if n.store == nil {
		return nil
	}

	recs, err := n.store.List(ctx)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if rec.ID == n.cfg.Identity.ID {
			continue
		}
		m := n.ensureMember(protocol.PeerIdentity{ID: rec.ID, Nick: rec.Nick})
		m.learn(rec.Addr, rec.Server)
	}
	n.log.WithField("count", len(recs)).Debug("Restored known nodes")
	return nil
}

func (n *Node) advertisedAddr() string {
	if n.cfg.AdvertiseAddr != "" {
		return n.cfg.AdvertiseAddr
	}
	return n.Addr()
}

// reachableAddr combines the address a connection came from with the port
// the remote listens on, for nodes bound to a wildcard address.
func reachableAddr(observed, listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return ""
	}
	if ip := net.ParseIP(host); host != "" && (ip == nil || !ip.IsUnspecified()) {
		return listen
	}

	observedHost, _, err := net.SplitHostPort(observed)
	if err != nil {
		return ""
	}
	return net.JoinHostPort(observedHost, port)
}
