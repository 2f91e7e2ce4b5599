// Package node ties a QUIC transport, the relay manager and a registry of
// known nodes together into a running peer.
package node

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rudransh-shrivastava/peer-relay/internal/logger"
	"github.com/rudransh-shrivastava/peer-relay/internal/protocol"
	"github.com/rudransh-shrivastava/peer-relay/internal/relay"
	"github.com/rudransh-shrivastava/peer-relay/internal/store"
	"github.com/rudransh-shrivastava/peer-relay/internal/transport"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

const loopbackQueue = 256

var ErrClosed = errors.New("node: closed")

var _ relay.Registry = (*Node)(nil)

type Node struct {
	cfg   Config
	log   *logrus.Logger
	tr    *transport.Transport
	mgr   *relay.Manager
	store store.NodeRepository
	inbox *Inbox
	acks  *ackWaiters
	self  *Member

	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	loopbackCh chan *protocol.RelayedMessage

	started atomic.Bool

	mu      sync.Mutex
	closed  bool
	members map[string]*Member
}

func New(cfg Config) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := cfg.Logger
	if log == nil {
		log = logger.NewLogger()
	}

	var (
		tr  *transport.Transport
		err error
	)
	if cfg.Transport != nil {
		tr, err = transport.NewTransportWithConfig(cfg.ListenAddr, *cfg.Transport)
	} else {
		tr, err = transport.NewTransport(cfg.ListenAddr)
	}
	if err != nil {
		return nil, fmt.Errorf("node: listen on %s: %w", cfg.ListenAddr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:        cfg,
		log:        log,
		tr:         tr,
		store:      cfg.Store,
		acks:       newAckWaiters(),
		ctx:        ctx,
		cancel:     cancel,
		loopbackCh: make(chan *protocol.RelayedMessage, loopbackQueue),
		members:    make(map[string]*Member),
	}
	n.self = newMember(n, cfg.Identity)
	n.self.self = true
	n.self.server = cfg.Server
	n.inbox = newInbox(cfg.InboxDir, log)

	relayCfg := cfg.Relay
	if relayCfg.Policy == nil {
		relayCfg.Policy = relay.AnyPolicy{
			relay.ServerPolicy{ServerID: cfg.ServerID},
			relay.PolicyFunc(n.announcedServer),
		}
	}
	if relayCfg.Logger == nil {
		relayCfg.Logger = log
	}
	mgr, err := relay.NewManager(n, relayCfg)
	if err != nil {
		cancel()
		return nil, multierr.Append(err, tr.Close())
	}
	n.mgr = mgr
	return n, nil
}

// Start restores known nodes, begins accepting connections and dials the
// configured server.
func (n *Node) Start(ctx context.Context) error {
	if n.isClosed() {
		return ErrClosed
	}
	if !n.started.CompareAndSwap(false, true) {
		return nil
	}

	if err := n.restore(ctx); err != nil {
		n.log.WithError(err).Warn("Failed to restore known nodes")
	}

	n.spawn(n.acceptLoop)
	n.spawn(n.loopbackLoop)
	if err := n.mgr.Start(); err != nil {
		return err
	}

	n.log.WithFields(logrus.Fields{
		"addr": n.Addr(),
		"id":   n.cfg.Identity.ID,
	}).Info("Node started")

	if n.cfg.ServerAddr == "" {
		return nil
	}
	if _, err := n.Dial(ctx, n.cfg.ServerAddr); err != nil {
		return fmt.Errorf("node: connect to server %s: %w", n.cfg.ServerAddr, err)
	}
	return nil
}

func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	members := make([]*Member, 0, len(n.members))
	for _, m := range n.members {
		members = append(members, m)
	}
	n.mu.Unlock()

	for _, m := range members {
		h := m.RelayedHandler()
		if h == nil {
			continue
		}
		if err := h.Close(); err != nil {
			n.log.WithError(err).WithField("peer", m.String()).Debug("Failed to send EOF")
		}
	}
	n.cancel()

	errs := n.mgr.Close()
	for _, m := range members {
		if p := m.directPeer(); p != nil {
			errs = multierr.Append(errs, p.Close())
		}
	}
	errs = multierr.Append(errs, n.tr.Close())

	n.wg.Wait()
	n.inbox.close()
	n.log.Info("Node stopped")
	return errs
}

func (n *Node) Identity() protocol.PeerIdentity { return n.cfg.Identity }

func (n *Node) Addr() string { return n.tr.LocalAddr().String() }

func (n *Node) Manager() *relay.Manager { return n.mgr }

func (n *Node) Inbox() *Inbox { return n.inbox }

// Member returns the registry entry for id, or nil.
func (n *Node) Member(id string) *Member {
	if id == n.cfg.Identity.ID {
		return n.self
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.members[id]
}

func (n *Node) Self() relay.Peer { return n.self }

func (n *Node) ConnectedPeers() []relay.Peer {
	var out []relay.Peer
	for _, m := range n.sortedMembers() {
		if m.IsConnected() {
			out = append(out, m)
		}
	}
	return out
}

func (n *Node) KnownPeers() []relay.Peer {
	members := n.sortedMembers()
	out := make([]relay.Peer, 0, len(members))
	for _, m := range members {
		out = append(out, m)
	}
	return out
}

func (n *Node) Lookup(id protocol.PeerIdentity) relay.Peer {
	if m := n.Member(id.ID); m != nil {
		return m
	}
	return nil
}

// AcceptConnection attaches an established relayed connection to its member
// and starts reading node traffic from it.
func (n *Node) AcceptConnection(h *relay.Handler) error {
	if h.State() == relay.StateClosed {
		return h.Err()
	}

	m := n.ensureMember(h.Remote())
	conn, prev := m.attachRelayed(h)
	h.OnClose(func() { m.detachRelayed(h) })

	if !n.spawn(func() { n.serveRelayed(m, conn) }) {
		m.detachRelayed(h)
		return ErrClosed
	}
	if prev != nil {
		_ = prev.Close()
	}

	n.log.WithFields(logrus.Fields{
		"conn":    h.ConnectionID(),
		"inbound": h.Inbound(),
		"peer":    h.Remote().String(),
		"relay":   h.Relay().Identity().String(),
	}).Info("Relayed connection established")
	return nil
}

// RequestImmediateConnect dials p in the background if its address is known.
func (n *Node) RequestImmediateConnect(p relay.Peer) {
	m := n.Member(p.Identity().ID)
	if m == nil || m.self || m.Addr() == "" {
		return
	}
	n.spawn(func() {
		ctx, cancel := context.WithTimeout(n.ctx, n.cfg.DialTimeout)
		defer cancel()
		if _, err := n.connectDirect(ctx, m); err != nil {
			n.log.WithError(err).WithField("peer", m.String()).Debug("Immediate connect failed")
		}
	})
}

func (n *Node) IsStarted() bool {
	return n.started.Load() && !n.isClosed()
}

func (n *Node) isClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

// announcedServer reports whether id said it is a server in its Hello or was
// listed as one by a server.
func (n *Node) announcedServer(id protocol.PeerIdentity) bool {
	if m := n.Member(id.ID); m != nil {
		return m.Server()
	}
	return false
}

// spawn runs fn on a tracked goroutine unless the node is closed.
func (n *Node) spawn(fn func()) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return false
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		fn()
	}()
	return true
}

func (n *Node) ensureMember(id protocol.PeerIdentity) *Member {
	if id.Equal(n.cfg.Identity) {
		return n.self
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	m, ok := n.members[id.ID]
	if !ok {
		m = newMember(n, id)
		n.members[id.ID] = m
	}
	return m
}

func (n *Node) sortedMembers() []*Member {
	n.mu.Lock()
	members := make([]*Member, 0, len(n.members))
	for _, m := range n.members {
		members = append(members, m)
	}
	n.mu.Unlock()

	slices.SortFunc(members, func(a, b *Member) int {
		return strings.Compare(a.id.ID, b.id.ID)
	})
	return members
}

func (n *Node) loopback(ctx context.Context, msg *protocol.RelayedMessage) error {
	select {
	case n.loopbackCh <- msg:
		return nil
	case <-n.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Node) loopbackLoop() {
	for {
		select {
		case <-n.ctx.Done():
			return
		case msg := <-n.loopbackCh:
			n.mgr.HandleMessage(n.self, msg)
		}
	}
}
