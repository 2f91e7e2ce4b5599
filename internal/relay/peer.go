package relay

import (
	"context"

	"github.com/rudransh-shrivastava/peer-relay/internal/protocol"
)

// Peer is a node as seen by the relay subsystem. SendMessage must deliver over
// the peer's direct connection and fail when that connection is broken.
type Peer interface {
	Identity() protocol.PeerIdentity
	SendMessage(ctx context.Context, msg *protocol.RelayedMessage) error

	IsCompletelyConnected() bool
	IsConnected() bool
	IsConnecting() bool

	// RelayedHandler returns the handler of the peer's established relayed
	// connection, or nil.
	RelayedHandler() *Handler
}

// Registry is the node-side view the Manager works against. It is called from
// receive goroutines and must be safe for concurrent use.
type Registry interface {
	Self() Peer
	// ConnectedPeers lists directly connected peers in a stable order.
	ConnectedPeers() []Peer
	// KnownPeers lists every peer the node has heard of, connected or not.
	KnownPeers() []Peer
	// Lookup returns the peer with id, or nil.
	Lookup(id protocol.PeerIdentity) Peer

	// AcceptConnection takes ownership of a handshaken relayed connection.
	AcceptConnection(h *Handler) error
	RequestImmediateConnect(p Peer)
	IsStarted() bool
}
