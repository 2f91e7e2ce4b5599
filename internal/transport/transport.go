package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/quic-go/quic-go"
	"github.com/rudransh-shrivastava/peer-relay/internal/protocol"
	"go.uber.org/multierr"
)

var ErrClosed = errors.New("transport closed")

// Conn is a bidirectional message pipe to one remote node. Both direct QUIC
// peers and relayed connections satisfy it.
type Conn interface {
	Send(ctx context.Context, msg protocol.Message) error
	Receive(ctx context.Context) (protocol.Message, error)
	Close() error
}

var _ Conn = (*Peer)(nil)

// Transport listens and dials on one shared UDP socket.
type Transport struct {
	cfg      Config
	listener *quic.Listener
	quicTr   *quic.Transport
	udpConn  *net.UDPConn

	closeOnce sync.Once
	closeErr  error
}

func NewTransport(addr string) (*Transport, error) {
	cfg, err := DefaultConfig()
	if err != nil {
		return nil, err
	}
	return NewTransportWithConfig(addr, cfg)
}

func NewTransportWithConfig(addr string, cfg Config) (*Transport, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}

	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp: %w", err)
	}

	quicTr := &quic.Transport{Conn: udpConn}
	listener, err := quicTr.Listen(cfg.TLS, cfg.quicConfig())
	if err != nil {
		_ = udpConn.Close()
		return nil, fmt.Errorf("listen quic: %w", err)
	}

	return &Transport{
		cfg:      cfg,
		listener: listener,
		quicTr:   quicTr,
		udpConn:  udpConn,
	}, nil
}

// Accept waits for the next inbound connection.
func (t *Transport) Accept(ctx context.Context) (*Peer, error) {
	conn, err := t.listener.Accept(ctx)
	if err != nil {
		if errors.Is(err, quic.ErrServerClosed) {
			return nil, ErrClosed
		}
		return nil, err
	}
	return newPeer(conn, false), nil
}

func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = multierr.Combine(
			t.listener.Close(),
			t.quicTr.Close(),
			ignoreClosed(t.udpConn.Close()),
		)
	})
	return t.closeErr
}

// Dial connects to addr and opens the control stream.
func (t *Transport) Dial(ctx context.Context, addr string) (*Peer, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}

	conn, err := t.quicTr.Dial(ctx, udpAddr, t.cfg.TLS, t.cfg.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	p := newPeer(conn, true)
	if _, err := p.controlCodec(ctx); err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, fmt.Errorf("open control stream: %w", err)
	}
	return p, nil
}

func (t *Transport) LocalAddr() net.Addr {
	return t.udpConn.LocalAddr()
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
