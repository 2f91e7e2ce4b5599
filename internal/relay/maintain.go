package relay

import "context"

func (m *Manager) maintainLoop(ctx context.Context) {
	ticker := m.clock.Ticker(m.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.MaintainRelay()
		}
	}
}

// MaintainRelay asks the registry to connect to relay candidates when no relay
// is connected. It returns the number of connection requests made.
func (m *Manager) MaintainRelay() int {
	if !m.started.Load() || m.closed.Load() {
		return 0
	}
	if m.IsRelay(m.registry.Self()) || m.cfg.LANOnly || !m.registry.IsStarted() {
		return 0
	}
	if m.Relay() != nil {
		return 0
	}

	requested := 0
	for _, p := range m.registry.KnownPeers() {
		if !m.IsRelay(p) || p.IsConnected() || p.IsConnecting() {
			continue
		}
		m.log.WithField("peer", p.Identity().ID).Info("No relay connected, requesting connection to relay candidate")
		m.registry.RequestImmediateConnect(p)
		requested++
	}
	return requested
}
