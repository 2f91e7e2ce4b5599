package protocol

import (
	"bytes"
	"io"
	"testing"
)

func TestCodecFileOfferChunk(t *testing.T) {
	codec := NewCodec()
	var buf bytes.Buffer

	fileHash := testHash("myfile")

	offer := &FileOffer{Hash: fileHash, Name: "notes.txt", Size: 70000, Chunks: 3, MaxChunkSize: MaxChunkSize}
	if err := codec.Encode(&buf, offer); err != nil {
		t.Fatalf("Encode FileOffer failed: %v", err)
	}

	decoded, err := codec.Decode(&buf)
	if err != nil {
		t.Fatalf("Decode FileOffer failed: %v", err)
	}

	decodedOffer, ok := decoded.(*FileOffer)
	if !ok {
		t.Fatalf("Expected *FileOffer, got %T", decoded)
	}

	if decodedOffer.Chunks != 3 || decodedOffer.Name != "notes.txt" {
		t.Errorf("FileOffer mismatch: %+v", decodedOffer)
	}

	buf.Reset()
	chunkData := []byte("This is some chunk data for testing purposes.")
	chunk := &FileChunk{FileHash: fileHash, Index: 2, Data: chunkData}

	if err := codec.Encode(&buf, chunk); err != nil {
		t.Fatalf("Encode FileChunk failed: %v", err)
	}

	decoded, err = codec.Decode(&buf)
	if err != nil {
		t.Fatalf("Decode FileChunk failed: %v", err)
	}

	decodedChunk, ok := decoded.(*FileChunk)
	if !ok {
		t.Fatalf("Expected *FileChunk, got %T", decoded)
	}

	if !bytes.Equal(decodedChunk.Data, chunkData) {
		t.Errorf("Chunk data mismatch")
	}
}

func TestCodecDecodeFromBytes(t *testing.T) {
	codec := NewCodec()

	data, err := codec.EncodeToBytes(&Pong{})
	if err != nil {
		t.Fatalf("EncodeToBytes failed: %v", err)
	}

	decoded, err := codec.DecodeFromBytes(data)
	if err != nil {
		t.Fatalf("DecodeFromBytes failed: %v", err)
	}

	if _, ok := decoded.(*Pong); !ok {
		t.Errorf("Expected *Pong, got %T", decoded)
	}
}

func TestCodecHello(t *testing.T) {
	codec := NewCodec()
	var buf bytes.Buffer

	msg := &Hello{
		Identity:   PeerIdentity{ID: "node-1", Nick: "alice"},
		ListenAddr: "127.0.0.1:4100",
		Server:     true,
	}

	if err := codec.Encode(&buf, msg); err != nil {
		t.Fatalf("Encode Hello failed: %v", err)
	}

	decoded, err := codec.Decode(&buf)
	if err != nil {
		t.Fatalf("Decode Hello failed: %v", err)
	}

	decodedMsg, ok := decoded.(*Hello)
	if !ok {
		t.Fatalf("Expected *Hello, got %T", decoded)
	}

	if !decodedMsg.Identity.Equal(msg.Identity) || !decodedMsg.Server {
		t.Errorf("Hello mismatch: %+v", decodedMsg)
	}
}

func TestCodecNodeList(t *testing.T) {
	codec := NewCodec()

	res := &NodeList{
		Nodes: []NodeInfo{
			{Identity: PeerIdentity{ID: "a"}, Addr: "10.0.0.1:4100"},
			{Identity: PeerIdentity{ID: "b"}, Addr: "10.0.0.2:4100", Server: true},
		},
	}

	data, err := codec.EncodeToBytes(res)
	if err != nil {
		t.Fatalf("Encode NodeList failed: %v", err)
	}

	decoded, err := codec.DecodeFromBytes(data)
	if err != nil {
		t.Fatalf("Decode NodeList failed: %v", err)
	}

	decodedRes, ok := decoded.(*NodeList)
	if !ok {
		t.Fatalf("Expected *NodeList, got %T", decoded)
	}

	if len(decodedRes.Nodes) != 2 {
		t.Fatalf("Expected 2 nodes, got %d", len(decodedRes.Nodes))
	}

	if !decodedRes.Nodes[1].Server {
		t.Errorf("Expected second node to be a server")
	}
}

func TestCodecRelayedMessage(t *testing.T) {
	codec := NewCodec()

	src := PeerIdentity{ID: "src", Nick: "alice"}
	dst := PeerIdentity{ID: "dst"}

	tests := []struct {
		name string
		msg  *RelayedMessage
	}{
		{"syn", NewRelayedControl(RelayedSYN, src, dst, 1)},
		{"eof", NewRelayedControl(RelayedEOF, src, dst, 1<<40)},
		{"data", NewRelayedData(src, dst, 9, []byte("payload"))},
		{"empty data", NewRelayedData(src, dst, 9, nil)},
	}

	for _, tt := range tests {
		data, err := codec.EncodeToBytes(tt.msg)
		if err != nil {
			t.Fatalf("%s: encode failed: %v", tt.name, err)
		}

		decoded, err := codec.DecodeFromBytes(data)
		if err != nil {
			t.Fatalf("%s: decode failed: %v", tt.name, err)
		}

		got, ok := decoded.(*RelayedMessage)
		if !ok {
			t.Fatalf("%s: expected *RelayedMessage, got %T", tt.name, decoded)
		}

		if got.RelayedType != tt.msg.RelayedType || got.ConnectionID != tt.msg.ConnectionID {
			t.Errorf("%s: header mismatch: %v", tt.name, got)
		}
		if got.Source != src || !got.Destination.Equal(dst) {
			t.Errorf("%s: identity mismatch: %+v %+v", tt.name, got.Source, got.Destination)
		}
		if (got.Payload == nil) != (tt.msg.Payload == nil) || !bytes.Equal(got.Payload, tt.msg.Payload) {
			t.Errorf("%s: payload mismatch: %q", tt.name, got.Payload)
		}
	}
}

func TestStreamCodecSequence(t *testing.T) {
	r, w := io.Pipe()
	rw := struct {
		io.Reader
		io.Writer
	}{r, w}

	enc := NewStreamCodec(rw)
	dec := NewStreamCodec(rw)

	go func() {
		_ = enc.Encode(&Ping{})
		_ = enc.Encode(NewRelayedData(PeerIdentity{ID: "a"}, PeerIdentity{ID: "b"}, 3, []byte("x")))
		_ = enc.Encode(&Pong{})
	}()

	want := []MessageType{MsgPing, MsgRelayed, MsgPong}
	for i, typ := range want {
		msg, err := dec.Decode()
		if err != nil {
			t.Fatalf("Decode %d failed: %v", i, err)
		}
		if msg.Type() != typ {
			t.Errorf("message %d: expected %s, got %s", i, typ, msg.Type())
		}
	}
}

func TestCodecError(t *testing.T) {
	codec := NewCodec()
	var buf bytes.Buffer

	msg := &Error{
		Code:    ErrPeerNotFound,
		Message: "no such node",
	}

	if err := codec.Encode(&buf, msg); err != nil {
		t.Fatalf("Encode Error failed: %v", err)
	}

	decoded, err := codec.Decode(&buf)
	if err != nil {
		t.Fatalf("Decode Error failed: %v", err)
	}

	decodedMsg, ok := decoded.(*Error)
	if !ok {
		t.Fatalf("Expected *Error, got %T", decoded)
	}

	if decodedMsg.Code != ErrPeerNotFound {
		t.Errorf("Expected ErrPeerNotFound, got %v", decodedMsg.Code)
	}
}

func TestCodecFileAck(t *testing.T) {
	codec := NewCodec()

	data, err := codec.EncodeToBytes(&FileAck{Hash: testHash("ack"), Err: "hash mismatch"})
	if err != nil {
		t.Fatalf("Encode FileAck failed: %v", err)
	}

	decoded, err := codec.DecodeFromBytes(data)
	if err != nil {
		t.Fatalf("Decode FileAck failed: %v", err)
	}

	ack, ok := decoded.(*FileAck)
	if !ok {
		t.Fatalf("Expected *FileAck, got %T", decoded)
	}
	if ack.Hash != testHash("ack") || ack.Err != "hash mismatch" {
		t.Errorf("FileAck mismatch: %+v", ack)
	}
}

func TestErrorCodeString(t *testing.T) {
	tests := []struct {
		code     ErrorCode
		expected string
	}{
		{ErrPeerNotFound, "PEER_NOT_FOUND"},
		{ErrTransferFail, "TRANSFER_FAILED"},
		{ErrUnknown, "UNKNOWN"},
		{ErrorCode(0xFFFE), "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := tt.code.String(); got != tt.expected {
			t.Errorf("%v.String() = %s, want %s", tt.code, got, tt.expected)
		}
	}
}

func TestMessageTypeString(t *testing.T) {
	tests := []struct {
		expected string
		msgType  MessageType
	}{
		{"HELLO", MsgHello},
		{"ERROR", MsgError},
		{"RELAYED", MsgRelayed},
		{"PING", MsgPing},
		{"PONG", MsgPong},
		{"FILE_ACK", MsgFileAck},
		{"UNKNOWN", MessageType(0xFFFF)},
	}

	for _, tt := range tests {
		if got := tt.msgType.String(); got != tt.expected {
			t.Errorf("%v.String() = %s, want %s", tt.msgType, got, tt.expected)
		}
	}
}

func testHash(s string) [HashSize]byte {
	var h [HashSize]byte
	copy(h[:], []byte(s))
	return h
}
