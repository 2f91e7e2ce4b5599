package transport

import (
	"context"
	"sync"

	"github.com/quic-go/quic-go"
	"github.com/rudransh-shrivastava/peer-relay/internal/protocol"
)

// Peer is one direct QUIC connection. All messages travel on a single control
// stream, opened by the dialing side and accepted by the other.
type Peer struct {
	conn   *quic.Conn
	dialer bool

	mu     sync.Mutex
	codec  *protocol.StreamCodec
	stream *quic.Stream

	recvMu sync.Mutex
	sendMu sync.Mutex
}

func newPeer(conn *quic.Conn, dialer bool) *Peer {
	return &Peer{
		conn:   conn,
		dialer: dialer,
	}
}

func (p *Peer) Close() error {
	p.mu.Lock()
	stream := p.stream
	p.mu.Unlock()

	if stream != nil {
		_ = stream.Close()
	}
	return p.conn.CloseWithError(0, "")
}

// Done is closed once the underlying QUIC connection is gone.
func (p *Peer) Done() <-chan struct{} {
	return p.conn.Context().Done()
}

// Receive blocks until the next message arrives. ctx bounds only the wait for
// the control stream; closing the peer unblocks a pending read.
func (p *Peer) Receive(ctx context.Context) (protocol.Message, error) {
	codec, err := p.controlCodec(ctx)
	if err != nil {
		return nil, err
	}

	p.recvMu.Lock()
	defer p.recvMu.Unlock()
	return codec.Decode()
}

func (p *Peer) RemoteAddr() string {
	return p.conn.RemoteAddr().String()
}

func (p *Peer) Send(ctx context.Context, msg protocol.Message) error {
	codec, err := p.controlCodec(ctx)
	if err != nil {
		return err
	}

	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	return codec.Encode(msg)
}

func (p *Peer) controlCodec(ctx context.Context) (*protocol.StreamCodec, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.codec != nil {
		return p.codec, nil
	}

	var (
		stream *quic.Stream
		err    error
	)
	if p.dialer {
		stream, err = p.conn.OpenStreamSync(ctx)
	} else {
		stream, err = p.conn.AcceptStream(ctx)
	}
	if err != nil {
		return nil, err
	}

	p.stream = stream
	p.codec = protocol.NewStreamCodec(stream)
	return p.codec, nil
}
