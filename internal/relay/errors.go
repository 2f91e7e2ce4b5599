package relay

import (
	"errors"
	"fmt"

	"github.com/rudransh-shrivastava/peer-relay/internal/protocol"
)

var (
	ErrLoopback         = errors.New("relay: connection to self")
	ErrNoRelay          = errors.New("relay: no relay connected")
	ErrRejected         = errors.New("relay: connection rejected")
	ErrTimeout          = errors.New("relay: handshake timed out")
	ErrTransportFailure = errors.New("relay: transport failure")
	ErrSetupFailure     = errors.New("relay: connection setup failed")
	ErrShutdown         = errors.New("relay: shut down")

	ErrNotDirect     = errors.New("relay: peer has no direct connection")
	ErrManagerClosed = errors.New("relay: manager closed")
	ErrPoolSaturated = errors.New("relay: initializer pool saturated")
)

// Kind classifies a ConnectionError.
type Kind int

const (
	KindLoopback Kind = iota + 1
	KindNoRelay
	KindRejected
	KindTimeout
	KindTransportFailure
	KindSetupFailure
	KindShutdown
)

func (k Kind) String() string {
	switch k {
	case KindLoopback:
		return "loopback"
	case KindNoRelay:
		return "no relay"
	case KindRejected:
		return "rejected"
	case KindTimeout:
		return "timeout"
	case KindTransportFailure:
		return "transport failure"
	case KindSetupFailure:
		return "setup failure"
	case KindShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindLoopback:
		return ErrLoopback
	case KindNoRelay:
		return ErrNoRelay
	case KindRejected:
		return ErrRejected
	case KindTimeout:
		return ErrTimeout
	case KindTransportFailure:
		return ErrTransportFailure
	case KindSetupFailure:
		return ErrSetupFailure
	case KindShutdown:
		return ErrShutdown
	default:
		return nil
	}
}

// ConnectionError is returned to a direct participant of a relayed
// connection. errors.Is matches it against the sentinel of its Kind as well
// as the wrapped cause.
type ConnectionError struct {
	Err    error
	Kind   Kind
	Remote protocol.PeerIdentity
}

func newConnError(kind Kind, remote protocol.PeerIdentity, err error) *ConnectionError {
	return &ConnectionError{Err: err, Kind: kind, Remote: remote}
}

func (e *ConnectionError) Error() string {
	msg := fmt.Sprintf("relayed connection to %s: %s", e.Remote, e.Kind)
	if e.Err != nil && !errors.Is(e.Kind.sentinel(), e.Err) {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConnectionError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// kindOf maps a handler close reason to a ConnectionError kind.
func kindOf(err error) Kind {
	switch {
	case errors.Is(err, ErrRejected):
		return KindRejected
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrTransportFailure):
		return KindTransportFailure
	case errors.Is(err, ErrSetupFailure):
		return KindSetupFailure
	default:
		return KindShutdown
	}
}
