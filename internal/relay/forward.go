package relay

import (
	"context"
	"time"

	"github.com/rudransh-shrivastava/peer-relay/internal/protocol"
	"github.com/sirupsen/logrus"
)

const forwardTimeout = 30 * time.Second

// forward passes a message through to its destination. Failures never reach
// the caller; the sender is told with NACK or EOF instead.
func (m *Manager) forward(receivedFrom Peer, msg *protocol.RelayedMessage) {
	log := m.log.WithFields(logrus.Fields{
		"conn": msg.ConnectionID,
		"from": msg.Source.ID,
		"to":   msg.Destination.ID,
	})

	dest := m.registry.Lookup(msg.Destination)
	if dest == nil || !dest.IsCompletelyConnected() {
		log.Debugf("Cannot relay %s, destination not connected", msg.RelayedType)
		m.bounce(receivedFrom, msg)
		return
	}

	ctx, cancel := context.WithTimeout(m.ctx, forwardTimeout)
	defer cancel()

	if err := dest.SendMessage(ctx, msg); err != nil {
		log.WithError(err).Debugf("Failed to relay %s", msg.RelayedType)
		m.synthesize(receivedFrom, protocol.RelayedEOF, msg)
		return
	}

	if msg.RelayedType == protocol.RelayedDATA {
		m.transfer.add(len(msg.Payload))
		m.metrics.forwardedBytes.Add(float64(len(msg.Payload)))
		m.metrics.forwardedMessages.Inc()
	}
	m.startStats()
}

// bounce answers an undeliverable message: NACK for a SYN, EOF otherwise.
func (m *Manager) bounce(receivedFrom Peer, msg *protocol.RelayedMessage) {
	typ := protocol.RelayedEOF
	if msg.RelayedType == protocol.RelayedSYN {
		typ = protocol.RelayedNACK
	}
	m.synthesize(receivedFrom, typ, msg)
}

// synthesize sends typ back to the original sender as if the destination had
// sent it.
func (m *Manager) synthesize(to Peer, typ protocol.RelayedType, msg *protocol.RelayedMessage) {
	m.metrics.synthesized.WithLabelValues(typ.String()).Inc()
	_ = m.reply(to, protocol.NewRelayedControl(typ, msg.Destination, msg.Source, msg.ConnectionID))
}
