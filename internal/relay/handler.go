package relay

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rudransh-shrivastava/peer-relay/internal/protocol"
)

type State int32

const (
	StatePending State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateActive:
		return "ACTIVE"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

const (
	maxBufferedBlocks = 4096
	eofSendTimeout    = 5 * time.Second
)

// handlerKey identifies a relayed connection on this node: the remote end and
// the id chosen by whichever side initiated it.
type handlerKey struct {
	connID uint64
	remote string
}

// Handler is one logical connection tunneled through a relay peer.
//
// Payloads delivered while the handshake is still completing are buffered, so
// DATA that overtakes the local handoff is not lost. After Shutdown, buffered
// payloads can still be drained with Receive before it reports io.EOF.
type Handler struct {
	connID  uint64
	inbound bool
	relay   Peer
	remote  protocol.PeerIdentity
	self    protocol.PeerIdentity

	ackReceived  atomic.Bool
	handoff      atomic.Bool
	nackReceived atomic.Bool

	mu      sync.Mutex
	err     error
	onClose []func()
	queue   [][]byte
	state   State

	closed  chan struct{}
	notify  chan struct{}
	settled chan struct{}

	release func(*Handler)
}

func newHandler(self, remote protocol.PeerIdentity, connID uint64, relay Peer, inbound bool, release func(*Handler)) *Handler {
	return &Handler{
		connID:  connID,
		inbound: inbound,
		relay:   relay,
		remote:  remote,
		self:    self,
		closed:  make(chan struct{}),
		notify:  make(chan struct{}, 1),
		settled: make(chan struct{}),
		release: release,
	}
}

func (h *Handler) ConnectionID() uint64 { return h.connID }

// Inbound reports whether the remote end initiated the connection.
func (h *Handler) Inbound() bool { return h.inbound }

// Relay is the peer this connection's messages travel through.
func (h *Handler) Relay() Peer { return h.relay }

func (h *Handler) Remote() protocol.PeerIdentity { return h.remote }

func (h *Handler) AckReceived() bool  { return h.ackReceived.Load() }
func (h *Handler) NackReceived() bool { return h.nackReceived.Load() }

func (h *Handler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Err returns why the handler was closed, or nil while it is open.
func (h *Handler) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Done is closed once the handler is shut down.
func (h *Handler) Done() <-chan struct{} { return h.closed }

func (h *Handler) String() string {
	return fmt.Sprintf("relayed conn %d to %s via %s", h.connID, h.remote, h.relay.Identity())
}

func (h *Handler) key() handlerKey {
	return handlerKey{connID: h.connID, remote: h.remote.ID}
}

func (h *Handler) markAck()  { h.ackReceived.Store(true) }
func (h *Handler) markNack() { h.nackReceived.Store(true) }

// finalize moves a pending handler to ACTIVE.
func (h *Handler) finalize() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StatePending {
		return newConnError(KindSetupFailure, h.remote, fmt.Errorf("handler is %s", h.state))
	}
	h.state = StateActive
	close(h.settled)
	return nil
}

// Shutdown closes the handler locally without notifying the remote end. It is
// safe to call any number of times from any state.
func (h *Handler) Shutdown() {
	h.shutdown(ErrShutdown)
}

func (h *Handler) shutdown(reason error) bool {
	return h.shutdownFrom(reason, false)
}

// abort shuts the handler down only if it is still pending.
func (h *Handler) abort(reason error) bool {
	return h.shutdownFrom(reason, true)
}

func (h *Handler) shutdownFrom(reason error, pendingOnly bool) bool {
	h.mu.Lock()
	if h.state == StateClosed || (pendingOnly && h.state != StatePending) {
		h.mu.Unlock()
		return false
	}
	if h.state == StatePending {
		close(h.settled)
	}
	h.state = StateClosed
	h.err = reason
	close(h.closed)
	callbacks := h.onClose
	h.onClose = nil
	h.mu.Unlock()

	if h.release != nil {
		h.release(h)
	}
	for _, fn := range callbacks {
		fn()
	}
	return true
}

// OnClose registers fn to run once the handler shuts down. fn runs immediately
// if it already has.
func (h *Handler) OnClose(fn func()) {
	h.mu.Lock()
	if h.state != StateClosed {
		h.onClose = append(h.onClose, fn)
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()
	fn()
}

func (h *Handler) deliver(payload []byte) bool {
	h.mu.Lock()
	if h.state == StateClosed || len(h.queue) >= maxBufferedBlocks {
		h.mu.Unlock()
		return false
	}
	h.queue = append(h.queue, payload)
	h.mu.Unlock()

	select {
	case h.notify <- struct{}{}:
	default:
	}
	return true
}

// Receive returns the next payload sent by the remote end. It returns io.EOF
// once the handler is closed and every buffered payload has been read.
func (h *Handler) Receive(ctx context.Context) ([]byte, error) {
	for {
		h.mu.Lock()
		if len(h.queue) > 0 {
			payload := h.queue[0]
			h.queue[0] = nil
			h.queue = h.queue[1:]
			h.mu.Unlock()
			return payload, nil
		}
		if h.state == StateClosed {
			h.mu.Unlock()
			return nil, io.EOF
		}
		h.mu.Unlock()

		select {
		case <-h.notify:
		case <-h.closed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Send transmits payload to the remote end as one DATA message. A failed send
// shuts the handler down.
func (h *Handler) Send(ctx context.Context, payload []byte) error {
	if h.State() == StateClosed {
		return newConnError(KindShutdown, h.remote, h.Err())
	}

	msg := protocol.NewRelayedData(h.self, h.remote, h.connID, payload)
	if err := h.relay.SendMessage(ctx, msg); err != nil {
		h.shutdown(ErrTransportFailure)
		return newConnError(KindTransportFailure, h.remote, err)
	}
	return nil
}

// Close shuts the handler down and tells the remote end with EOF.
func (h *Handler) Close() error {
	if !h.shutdown(ErrShutdown) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), eofSendTimeout)
	defer cancel()
	return h.relay.SendMessage(ctx, protocol.NewRelayedControl(protocol.RelayedEOF, h.self, h.remote, h.connID))
}
