package relay

import (
	"fmt"

	"github.com/rudransh-shrivastava/peer-relay/internal/protocol"
	"github.com/sirupsen/logrus"
)

var (
	errRemoteClosed   = fmt.Errorf("%w: remote end closed the connection", ErrTransportFailure)
	errReceiveOverrun = fmt.Errorf("%w: receive buffer full", ErrTransportFailure)
)

// HandleMessage processes a relayed message received from a directly connected
// peer. Messages for this node complete local handshakes or feed local
// connections; everything else is forwarded.
func (m *Manager) HandleMessage(receivedFrom Peer, msg *protocol.RelayedMessage) {
	if err := msg.Validate(); err != nil {
		m.log.WithError(err).WithField("peer", receivedFrom.Identity().ID).Warn("Invalid relayed message")
		return
	}

	if msg.Destination.Equal(m.registry.Self().Identity()) {
		m.deliverToSelf(receivedFrom, msg)
		return
	}
	m.forward(receivedFrom, msg)
}

func (m *Manager) deliverToSelf(receivedFrom Peer, msg *protocol.RelayedMessage) {
	switch msg.RelayedType {
	case protocol.RelayedSYN:
		m.handleSYN(receivedFrom, msg)
	case protocol.RelayedACK:
		m.handleACK(msg)
	case protocol.RelayedNACK:
		h := m.resolve(msg)
		if h == nil {
			m.drop(msg)
			return
		}
		h.markNack()
		h.shutdown(ErrRejected)
	case protocol.RelayedEOF:
		h := m.resolve(msg)
		if h == nil {
			m.drop(msg)
			return
		}
		h.shutdown(errRemoteClosed)
	case protocol.RelayedDATA:
		h := m.resolve(msg)
		if h == nil {
			m.drop(msg)
			_ = m.reply(receivedFrom, protocol.NewRelayedControl(protocol.RelayedEOF,
				m.registry.Self().Identity(), msg.Source, msg.ConnectionID))
			return
		}
		if h.deliver(msg.Payload) {
			return
		}
		log := m.log.WithFields(logrus.Fields{"conn": msg.ConnectionID, "peer": msg.Source.ID})
		if !h.shutdown(errReceiveOverrun) {
			log.Debug("Dropped DATA for closed connection")
			return
		}
		// The stream has a gap now; both ends must see it end.
		log.Warn("Relayed receive buffer full, closing connection")
		_ = m.reply(receivedFrom, protocol.NewRelayedControl(protocol.RelayedEOF,
			m.registry.Self().Identity(), msg.Source, msg.ConnectionID))
	}
}

func (m *Manager) handleSYN(receivedFrom Peer, msg *protocol.RelayedMessage) {
	self := m.registry.Self().Identity()
	nack := protocol.NewRelayedControl(protocol.RelayedNACK, self, msg.Source, msg.ConnectionID)
	log := m.log.WithFields(logrus.Fields{
		"conn":  msg.ConnectionID,
		"peer":  msg.Source.ID,
		"relay": receivedFrom.Identity().ID,
	})

	if !m.cfg.AllowRelayed || m.closed.Load() {
		log.Debug("Relayed connections disabled, rejecting")
		_ = m.reply(receivedFrom, nack)
		return
	}

	h := newHandler(self, msg.Source, msg.ConnectionID, receivedFrom, true, m.release)
	if m.heldBySource(msg.Source, msg.ConnectionID) || !m.pending.add(h) {
		log.Warn("Relayed connection id already in use, rejecting")
		_ = m.reply(receivedFrom, nack)
		return
	}

	started := m.workers.TryGo(func() error {
		m.initialize(h)
		return nil
	})
	if !started {
		log.Warn("Too many relayed connections initializing, rejecting")
		h.shutdown(ErrPoolSaturated)
		_ = m.reply(receivedFrom, nack)
	}
}

// initialize acknowledges an inbound SYN and hands the connection to the
// registry. The handler always leaves the pending set.
func (m *Manager) initialize(h *Handler) {
	defer m.pending.remove(h)

	self := m.registry.Self().Identity()
	log := m.log.WithFields(logrus.Fields{"conn": h.connID, "peer": h.remote.ID})

	ack := protocol.NewRelayedControl(protocol.RelayedACK, self, h.remote, h.connID)
	if err := m.reply(h.relay, ack); err != nil {
		h.shutdown(fmt.Errorf("%w: %w", ErrTransportFailure, err))
		return
	}

	if m.cfg.Setup != nil {
		if err := m.cfg.Setup(h); err != nil {
			m.rejectInbound(h, err)
			return
		}
	}
	if err := m.registry.AcceptConnection(h); err != nil {
		m.rejectInbound(h, err)
		return
	}
	if err := m.pending.promote(h); err != nil {
		m.rejectInbound(h, err)
		return
	}
	log.Info("Accepted relayed connection")
}

func (m *Manager) rejectInbound(h *Handler, err error) {
	m.log.WithError(err).WithFields(logrus.Fields{"conn": h.connID, "peer": h.remote.ID}).Warn("Relayed connection setup failed")
	h.shutdown(fmt.Errorf("%w: %w", ErrSetupFailure, err))
	_ = m.reply(h.relay, protocol.NewRelayedControl(protocol.RelayedNACK, m.registry.Self().Identity(), h.remote, h.connID))
}

// handleACK completes an outbound handshake. The registry takes the handler
// before it leaves the pending set so later DATA always resolves.
func (m *Manager) handleACK(msg *protocol.RelayedMessage) {
	h := m.resolve(msg)
	if h == nil {
		m.drop(msg)
		return
	}
	h.markAck()
	if h.inbound || !h.handoff.CompareAndSwap(false, true) {
		return
	}

	err := m.registry.AcceptConnection(h)
	if err == nil {
		err = m.pending.promote(h)
	}
	if err != nil {
		m.log.WithError(err).WithFields(logrus.Fields{"conn": h.connID, "peer": h.remote.ID}).Warn("Relayed connection handoff failed")
		h.shutdown(fmt.Errorf("%w: %w", ErrSetupFailure, err))
		_ = m.reply(h.relay, protocol.NewRelayedControl(protocol.RelayedEOF, m.registry.Self().Identity(), h.remote, h.connID))
	}
}

// resolve finds the handler a message belongs to: first the connection the
// source peer already holds, then the pending set. ACK and NACK only ever
// answer a SYN, so they resolve to connections this node initiated.
func (m *Manager) resolve(msg *protocol.RelayedMessage) *Handler {
	initiatedHere := msg.RelayedType == protocol.RelayedACK || msg.RelayedType == protocol.RelayedNACK
	match := func(h *Handler) bool {
		return h != nil && h.connID == msg.ConnectionID && !(initiatedHere && h.inbound)
	}

	if src := m.registry.Lookup(msg.Source); src != nil {
		if h := src.RelayedHandler(); match(h) {
			return h
		}
	}
	if h := m.pending.get(handlerKey{connID: msg.ConnectionID, remote: msg.Source.ID}); match(h) {
		return h
	}
	return nil
}

// heldBySource reports whether the established connection with remote already
// uses connID, whichever side opened it.
func (m *Manager) heldBySource(remote protocol.PeerIdentity, connID uint64) bool {
	p := m.registry.Lookup(remote)
	if p == nil {
		return false
	}
	h := p.RelayedHandler()
	return h != nil && h.connID == connID
}

func (m *Manager) drop(msg *protocol.RelayedMessage) {
	reason := "unknown"
	if m.recent.Contains(handlerKey{connID: msg.ConnectionID, remote: msg.Source.ID}) {
		reason = "stale"
	}
	m.metrics.dropped.WithLabelValues(msg.RelayedType.String(), reason).Inc()

	log := m.log.WithFields(logrus.Fields{"conn": msg.ConnectionID, "peer": msg.Source.ID})
	if reason == "stale" {
		log.Debugf("Dropped %s for closed connection", msg.RelayedType)
		return
	}
	log.Infof("Dropped %s for unknown connection", msg.RelayedType)
}
