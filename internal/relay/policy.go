package relay

import "github.com/rudransh-shrivastava/peer-relay/internal/protocol"

// Policy decides whether a peer may act as relay.
type Policy interface {
	IsRelay(id protocol.PeerIdentity) bool
}

// PolicyFunc adapts an ordinary function to Policy.
type PolicyFunc func(id protocol.PeerIdentity) bool

func (f PolicyFunc) IsRelay(id protocol.PeerIdentity) bool { return f(id) }

// ServerPolicy accepts only the designated coordination server.
type ServerPolicy struct {
	ServerID string
}

func (p ServerPolicy) IsRelay(id protocol.PeerIdentity) bool {
	return p.ServerID != "" && id.ID == p.ServerID
}

// AnyPolicy accepts a peer when any of its policies does.
type AnyPolicy []Policy

func (a AnyPolicy) IsRelay(id protocol.PeerIdentity) bool {
	for _, p := range a {
		if p != nil && p.IsRelay(id) {
			return true
		}
	}
	return false
}
