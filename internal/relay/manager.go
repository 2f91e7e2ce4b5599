package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rudransh-shrivastava/peer-relay/internal/protocol"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const replyTimeout = 10 * time.Second

var errRelayLost = fmt.Errorf("%w: relay connection lost", ErrTransportFailure)

// Manager opens relayed connections for this node, answers relayed handshakes
// addressed to it and forwards relayed traffic between other nodes when it is
// itself a relay.
type Manager struct {
	cfg      Config
	clock    clock.Clock
	log      *logrus.Logger
	policy   Policy
	registry Registry

	ids      *idAllocator
	metrics  *metrics
	pending  *pendingSet
	recent   *lru.Cache[handlerKey, struct{}]
	transfer TransferCounter
	workers  *errgroup.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closed       atomic.Bool
	started      atomic.Bool
	statsStarted atomic.Bool
}

func NewManager(registry Registry, cfg Config) (*Manager, error) {
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	recent, err := lru.New[handlerKey, struct{}](cfg.RecentlyClosed)
	if err != nil {
		return nil, fmt.Errorf("relay: recently closed cache: %w", err)
	}

	workers := &errgroup.Group{}
	workers.SetLimit(cfg.Workers)

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:      cfg,
		clock:    cfg.Clock,
		log:      cfg.Logger,
		policy:   cfg.Policy,
		registry: registry,
		ids:      newIDAllocator(),
		metrics:  newMetrics(cfg.Registerer),
		recent:   recent,
		workers:  workers,
		ctx:      ctx,
		cancel:   cancel,
	}
	m.pending = newPendingSet(cfg.PendingWarnThreshold, cfg.Logger, m.metrics.pending)
	return m, nil
}

// Start launches relay maintenance.
func (m *Manager) Start() error {
	if m.closed.Load() {
		return ErrManagerClosed
	}
	if !m.started.CompareAndSwap(false, true) {
		return nil
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.maintainLoop(m.ctx)
	}()

	m.log.WithField("interval", m.cfg.MaintenanceInterval).Debug("Relay maintenance started")
	return nil
}

// Close fails every pending handshake and stops background work. Active
// connections belong to the registry and are left alone.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}

	m.cancel()
	for _, h := range m.pending.snapshot() {
		h.shutdown(ErrManagerClosed)
	}

	_ = m.workers.Wait()
	m.wg.Wait()
	return nil
}

// Open establishes a relayed connection to destination and blocks until the
// handshake completes, fails, or HandshakeTimeout elapses.
func (m *Manager) Open(ctx context.Context, destination protocol.PeerIdentity) (*Handler, error) {
	self := m.registry.Self().Identity()
	if destination.Equal(self) {
		return nil, m.openFailed(newConnError(KindLoopback, destination, nil))
	}
	if m.closed.Load() {
		return nil, m.openFailed(newConnError(KindShutdown, destination, ErrManagerClosed))
	}

	relay := m.Relay()
	if relay == nil {
		return nil, m.openFailed(newConnError(KindNoRelay, destination, nil))
	}

	h := m.newOutbound(self, destination, relay)
	log := m.log.WithFields(logrus.Fields{
		"conn":  h.connID,
		"peer":  destination.ID,
		"relay": relay.Identity().ID,
	})

	timer := m.clock.Timer(m.cfg.HandshakeTimeout)
	defer timer.Stop()

	syn := protocol.NewRelayedControl(protocol.RelayedSYN, self, destination, h.connID)
	if err := relay.SendMessage(ctx, syn); err != nil {
		h.shutdown(fmt.Errorf("%w: %w", ErrTransportFailure, err))
		return nil, m.openFailed(newConnError(KindTransportFailure, destination, err))
	}
	log.Debug("Sent SYN")

	select {
	case <-h.settled:
	case <-timer.C:
		h.abort(ErrTimeout)
	case <-ctx.Done():
		h.abort(fmt.Errorf("%w: %w", ErrShutdown, ctx.Err()))
	case <-m.ctx.Done():
		h.abort(ErrManagerClosed)
	}

	if h.State() == StateActive {
		m.metrics.opens.WithLabelValues("ok").Inc()
		log.Info("Relayed connection established")
		return h, nil
	}

	reason := h.Err()
	log.WithError(reason).Info("Relayed connection failed")
	return nil, m.openFailed(newConnError(kindOf(reason), destination, reason))
}

func (m *Manager) openFailed(err *ConnectionError) error {
	m.metrics.opens.WithLabelValues(err.Kind.String()).Inc()
	return err
}

// newOutbound registers a pending handler under an id not in use with
// destination in either direction.
func (m *Manager) newOutbound(self, destination protocol.PeerIdentity, relay Peer) *Handler {
	for {
		id := m.ids.allocate()
		if m.heldBySource(destination, id) {
			continue
		}
		h := newHandler(self, destination, id, relay, false, m.release)
		if m.pending.add(h) {
			return h
		}
	}
}

// RelayLost fails every pending handshake routed through p. Call it when the
// direct connection to p ends. It returns the number of handlers shut down.
func (m *Manager) RelayLost(p Peer) int {
	id := p.Identity()
	n := 0
	for _, h := range m.pending.snapshot() {
		if h.relay.Identity().Equal(id) && h.shutdown(errRelayLost) {
			n++
		}
	}
	if n > 0 {
		m.log.WithFields(logrus.Fields{"pending": n, "relay": id.ID}).Info("Relay lost, failed pending handshakes")
	}
	return n
}

// release runs when a handler shuts down.
func (m *Manager) release(h *Handler) {
	m.pending.remove(h)
	m.recent.Add(h.key(), struct{}{})
}

// Relay returns the first connected relay peer, this node itself when it
// qualifies as relay, or nil.
func (m *Manager) Relay() Peer {
	for _, p := range m.registry.ConnectedPeers() {
		if m.IsRelay(p) {
			return p
		}
	}

	if self := m.registry.Self(); m.IsRelay(self) {
		return self
	}
	return nil
}

func (m *Manager) IsRelay(p Peer) bool {
	return p != nil && m.policy.IsRelay(p.Identity())
}

func (m *Manager) IsRelayIdentity(id protocol.PeerIdentity) bool {
	return m.policy.IsRelay(id)
}

func (m *Manager) PendingCount() int {
	return m.pending.size()
}

// Transfer reports DATA forwarded on behalf of other nodes.
func (m *Manager) Transfer() TransferStats {
	return m.transfer.Snapshot()
}

// reply sends a control message on the Manager's behalf. Failures are logged
// at debug level and returned for callers that care.
func (m *Manager) reply(to Peer, msg *protocol.RelayedMessage) error {
	ctx, cancel := context.WithTimeout(m.ctx, replyTimeout)
	defer cancel()

	err := to.SendMessage(ctx, msg)
	if err != nil {
		m.log.WithError(err).WithField("peer", to.Identity().ID).Debugf("Failed to send %s", msg)
	}
	return err
}
