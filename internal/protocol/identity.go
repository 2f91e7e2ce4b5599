package protocol

import "fmt"

// PeerIdentity names a node. Two identities are the same node iff their IDs
// match; Nick is display only.
type PeerIdentity struct {
	ID   string
	Nick string
}

func (p PeerIdentity) Equal(other PeerIdentity) bool {
	return p.ID == other.ID
}

func (p PeerIdentity) IsZero() bool {
	return p.ID == ""
}

func (p PeerIdentity) String() string {
	if p.Nick == "" {
		return p.ID
	}
	return fmt.Sprintf("%s (%s)", p.Nick, p.ID)
}
