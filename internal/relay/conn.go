package relay

import (
	"context"

	"github.com/rudransh-shrivastava/peer-relay/internal/protocol"
)

// Conn carries protocol messages over a relayed connection, one message per
// DATA block.
type Conn struct {
	codec *protocol.Codec
	h     *Handler
}

func NewConn(h *Handler) *Conn {
	return &Conn{
		codec: protocol.NewCodec(),
		h:     h,
	}
}

func (c *Conn) Close() error {
	return c.h.Close()
}

func (c *Conn) Handler() *Handler {
	return c.h
}

func (c *Conn) Receive(ctx context.Context) (protocol.Message, error) {
	block, err := c.h.Receive(ctx)
	if err != nil {
		return nil, err
	}

	data, err := DecodeBlock(block)
	if err != nil {
		return nil, err
	}
	return c.codec.DecodeFromBytes(data)
}

func (c *Conn) Send(ctx context.Context, msg protocol.Message) error {
	data, err := c.codec.EncodeToBytes(msg)
	if err != nil {
		return err
	}
	return c.h.Send(ctx, EncodeBlock(data))
}
