package node

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rudransh-shrivastava/peer-relay/internal/protocol"
	"github.com/rudransh-shrivastava/peer-relay/internal/relay"
	"github.com/rudransh-shrivastava/peer-relay/internal/store"
	"github.com/rudransh-shrivastava/peer-relay/internal/transport"
	"github.com/sirupsen/logrus"
)

const (
	defaultDialTimeout  = 15 * time.Second
	defaultHelloTimeout = 10 * time.Second
	defaultInboxDir     = "inbox"
)

type Config struct {
	Identity   protocol.PeerIdentity
	ListenAddr string
	// AdvertiseAddr is sent in Hello instead of the bound address.
	AdvertiseAddr string

	// ServerAddr is dialed on Start. ServerID, when set, marks that node as
	// relay even before its Hello arrives.
	ServerAddr string
	ServerID   string
	// Server makes this node share its known nodes with every newcomer and
	// act as relay for them.
	Server bool
	// ForceRelay skips direct dials in Connect.
	ForceRelay bool

	DialTimeout  time.Duration
	HelloTimeout time.Duration
	InboxDir     string

	Relay     relay.Config
	Store     store.NodeRepository
	Transport *transport.Config
	Logger    *logrus.Logger
}

func DefaultConfig() Config {
	id := uuid.NewString()
	return Config{
		Identity:     protocol.PeerIdentity{ID: id, Nick: id[:8]},
		ListenAddr:   "127.0.0.1:0",
		DialTimeout:  defaultDialTimeout,
		HelloTimeout: defaultHelloTimeout,
		InboxDir:     defaultInboxDir,
		Relay:        relay.DefaultConfig(),
	}
}

func (c *Config) Validate() error {
	if c.Identity.IsZero() {
		return errors.New("node: Identity.ID is required")
	}
	if c.ListenAddr == "" {
		return errors.New("node: ListenAddr is required")
	}
	if c.DialTimeout <= 0 || c.HelloTimeout <= 0 {
		return errors.New("node: timeouts must be positive")
	}
	if c.InboxDir == "" {
		return errors.New("node: InboxDir is required")
	}
	return nil
}
