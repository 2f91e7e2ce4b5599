package node

import (
	"context"
	"fmt"

	"github.com/rudransh-shrivastava/peer-relay/internal/protocol"
	"github.com/rudransh-shrivastava/peer-relay/internal/relay"
	"github.com/rudransh-shrivastava/peer-relay/internal/transport"
)

// Connect returns a connection to dest, reusing an existing one when possible.
// It dials directly when dest's address is known and ForceRelay is off, and
// falls back to a relayed connection otherwise. Messages arriving on the
// returned connection are dispatched by the node; callers only send on it.
func (n *Node) Connect(ctx context.Context, dest protocol.PeerIdentity) (transport.Conn, error) {
	if dest.Equal(n.cfg.Identity) {
		return nil, relay.ErrLoopback
	}
	if n.isClosed() {
		return nil, ErrClosed
	}

	m := n.Member(dest.ID)
	if m != nil {
		if conn := m.Conn(); conn != nil {
			return conn, nil
		}
		dest = m.id
	}

	if m != nil && !n.cfg.ForceRelay && m.Addr() != "" {
		if _, err := n.connectDirect(ctx, m); err == nil {
			if conn := m.Conn(); conn != nil {
				return conn, nil
			}
		} else {
			n.log.WithError(err).WithField("peer", m.String()).Debug("Direct connect failed, trying relay")
		}
	}

	h, err := n.mgr.Open(ctx, dest)
	if err != nil {
		return nil, err
	}

	conn := n.ensureMember(h.Remote()).relayedConn(h)
	if conn == nil {
		return nil, fmt.Errorf("node: relayed connection to %s closed during setup", dest)
	}
	return conn, nil
}

// Ping sends a Ping to dest over its current connection.
func (n *Node) Ping(ctx context.Context, dest protocol.PeerIdentity) error {
	conn, err := n.Connect(ctx, dest)
	if err != nil {
		return err
	}
	return conn.Send(ctx, &protocol.Ping{})
}
