package relay

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const backlogWarnInterval = 10 * time.Second

// pendingSet holds handlers whose handshake has not completed, at most one per
// remote and connection id whichever side opened it. Every member is in
// StatePending; promote flips a handler to ACTIVE and removes it under the same
// lock.
type pendingSet struct {
	mu       sync.Mutex
	handlers map[handlerKey]*Handler

	gauge     prometheus.Gauge
	log       *logrus.Logger
	threshold int
	warn      rate.Sometimes
}

func newPendingSet(threshold int, log *logrus.Logger, gauge prometheus.Gauge) *pendingSet {
	return &pendingSet{
		handlers:  make(map[handlerKey]*Handler),
		gauge:     gauge,
		log:       log,
		threshold: threshold,
		warn:      rate.Sometimes{Interval: backlogWarnInterval},
	}
}

// add registers h. It fails if another handler already holds the same key.
func (p *pendingSet) add(h *Handler) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := h.key()
	if _, dup := p.handlers[key]; dup {
		return false
	}
	p.handlers[key] = h
	n := len(p.handlers)
	p.gauge.Set(float64(n))

	if n > p.threshold {
		p.warn.Do(func() {
			p.log.WithField("pending", n).Warnf("Relayed handshake backlog above %d, relay may be slow or handlers leaking", p.threshold)
		})
	}
	return true
}

func (p *pendingSet) get(key handlerKey) *Handler {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handlers[key]
}

// remove drops h if it is still registered and reports whether it was.
func (p *pendingSet) remove(h *Handler) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.removeLocked(h)
}

func (p *pendingSet) removeLocked(h *Handler) bool {
	key := h.key()
	if cur, ok := p.handlers[key]; !ok || cur != h {
		return false
	}
	delete(p.handlers, key)
	p.gauge.Set(float64(len(p.handlers)))
	return true
}

// promote finalizes h and removes it from the set in one step.
func (p *pendingSet) promote(h *Handler) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cur := p.handlers[h.key()]; cur != h {
		return newConnError(KindSetupFailure, h.remote, fmt.Errorf("connection %d is no longer pending", h.connID))
	}
	if err := h.finalize(); err != nil {
		return err
	}
	p.removeLocked(h)
	return nil
}

func (p *pendingSet) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handlers)
}

func (p *pendingSet) snapshot() []*Handler {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*Handler, 0, len(p.handlers))
	for _, h := range p.handlers {
		out = append(out, h)
	}
	return out
}
