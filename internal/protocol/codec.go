package protocol

import (
	"bytes"
	"encoding/gob"
	"io"
)

func init() {
	gob.Register(&Error{})
	gob.Register(&FileAck{})
	gob.Register(&FileChunk{})
	gob.Register(&FileOffer{})
	gob.Register(&Hello{})
	gob.Register(&NodeList{})
	gob.Register(&Ping{})
	gob.Register(&Pong{})
	gob.Register(&RelayedMessage{})
}

type Codec struct{}

func NewCodec() *Codec {
	return &Codec{}
}

func (c *Codec) Encode(w io.Writer, msg Message) error {
	return gob.NewEncoder(w).Encode(&msg)
}

func (c *Codec) Decode(r io.Reader) (Message, error) {
	var msg Message
	if err := gob.NewDecoder(r).Decode(&msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (c *Codec) EncodeToBytes(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.Encode(&buf, msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *Codec) DecodeFromBytes(data []byte) (Message, error) {
	return c.Decode(bytes.NewReader(data))
}

// StreamCodec keeps one gob encoder and decoder for the lifetime of a stream.
// gob decoders buffer their input, so a stream must never be read by more than
// one decoder.
type StreamCodec struct {
	dec *gob.Decoder
	enc *gob.Encoder
}

func NewStreamCodec(rw io.ReadWriter) *StreamCodec {
	return &StreamCodec{
		dec: gob.NewDecoder(rw),
		enc: gob.NewEncoder(rw),
	}
}

func (c *StreamCodec) Encode(msg Message) error {
	return c.enc.Encode(&msg)
}

func (c *StreamCodec) Decode() (Message, error) {
	var msg Message
	if err := c.dec.Decode(&msg); err != nil {
		return nil, err
	}
	return msg, nil
}
