package relay

import (
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rudransh-shrivastava/peer-relay/internal/logger"
	"github.com/sirupsen/logrus"
)

const (
	DefaultHandshakeTimeout     = 60 * time.Second
	DefaultMaintenanceInterval  = 20 * time.Second
	DefaultStatsInterval        = 10 * time.Second
	DefaultPendingWarnThreshold = 20
	DefaultWorkers              = 16
	DefaultRecentlyClosed       = 256
)

type Config struct {
	// AllowRelayed accepts inbound relayed connections. When false every
	// SYN addressed to this node is answered with NACK.
	AllowRelayed bool
	// LANOnly disables relay maintenance.
	LANOnly bool

	HandshakeTimeout     time.Duration
	MaintenanceInterval  time.Duration
	StatsInterval        time.Duration
	PendingWarnThreshold int
	RecentlyClosed       int
	Workers              int

	Clock      clock.Clock
	Logger     *logrus.Logger
	Policy     Policy
	Registerer prometheus.Registerer

	// Setup runs on an accepted inbound connection before it becomes
	// active. A non-nil error rejects the connection with NACK.
	Setup func(*Handler) error
}

func DefaultConfig() Config {
	return Config{
		AllowRelayed:         true,
		HandshakeTimeout:     DefaultHandshakeTimeout,
		MaintenanceInterval:  DefaultMaintenanceInterval,
		StatsInterval:        DefaultStatsInterval,
		PendingWarnThreshold: DefaultPendingWarnThreshold,
		RecentlyClosed:       DefaultRecentlyClosed,
		Workers:              DefaultWorkers,
	}
}

func (c *Config) Validate() error {
	if c.HandshakeTimeout <= 0 {
		return errors.New("relay: HandshakeTimeout must be positive")
	}
	if c.MaintenanceInterval <= 0 {
		return errors.New("relay: MaintenanceInterval must be positive")
	}
	if c.StatsInterval <= 0 {
		return errors.New("relay: StatsInterval must be positive")
	}
	if c.Workers < 1 {
		return errors.New("relay: Workers must be >= 1")
	}
	if c.Policy == nil {
		return errors.New("relay: Policy is required")
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = logger.NewLogger()
	}
	if c.PendingWarnThreshold <= 0 {
		c.PendingWarnThreshold = DefaultPendingWarnThreshold
	}
	if c.RecentlyClosed <= 0 {
		c.RecentlyClosed = DefaultRecentlyClosed
	}
}
