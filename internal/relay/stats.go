package relay

import (
	"context"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const metricNamespace = "peer_relay"

type metrics struct {
	dropped           *prometheus.CounterVec
	forwardedBytes    prometheus.Counter
	forwardedMessages prometheus.Counter
	opens             *prometheus.CounterVec
	pending           prometheus.Gauge
	synthesized       *prometheus.CounterVec
}

// newMetrics builds the Manager's collectors and registers them with reg when
// it is non-nil.
func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      "dropped_messages_total",
				Help:      "Relayed messages dropped because no handler matched",
			},
			[]string{"type", "reason"},
		),
		forwardedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "forwarded_bytes_total",
			Help:      "DATA payload bytes forwarded for other nodes",
		}),
		forwardedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "forwarded_messages_total",
			Help:      "DATA messages forwarded for other nodes",
		}),
		opens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      "opens_total",
				Help:      "Outbound relayed connection attempts by result",
			},
			[]string{"result"},
		),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricNamespace,
			Name:      "pending_handlers",
			Help:      "Relayed connections waiting for handshake completion",
		}),
		synthesized: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      "synthesized_replies_total",
				Help:      "NACK and EOF replies generated while relaying",
			},
			[]string{"type"},
		),
	}

	if reg != nil {
		reg.MustRegister(m.dropped, m.forwardedBytes, m.forwardedMessages, m.opens, m.pending, m.synthesized)
	}
	return m
}

// TransferCounter accumulates DATA relayed on behalf of other nodes.
type TransferCounter struct {
	bytes    atomic.Uint64
	messages atomic.Uint64
}

type TransferStats struct {
	Bytes    uint64
	Messages uint64
}

func (c *TransferCounter) add(n int) {
	c.bytes.Add(uint64(n))
	c.messages.Add(1)
}

func (c *TransferCounter) Snapshot() TransferStats {
	return TransferStats{
		Bytes:    c.bytes.Load(),
		Messages: c.messages.Load(),
	}
}

// startStats launches the periodic relay report the first time it is called.
func (m *Manager) startStats() {
	if !m.statsStarted.CompareAndSwap(false, true) {
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.statsLoop(m.ctx)
	}()
}

func (m *Manager) statsLoop(ctx context.Context) {
	ticker := m.clock.Ticker(m.cfg.StatsInterval)
	defer ticker.Stop()

	var last TransferStats
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur := m.transfer.Snapshot()
			m.log.WithFields(logrus.Fields{
				"pending":  m.pending.size(),
				"messages": cur.Messages,
			}).Infof("Relayed %d messages (%s) in the last %s, %s in total",
				cur.Messages-last.Messages,
				humanize.Bytes(cur.Bytes-last.Bytes),
				m.cfg.StatsInterval,
				humanize.Bytes(cur.Bytes),
			)
			last = cur
		}
	}
}
