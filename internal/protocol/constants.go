package protocol

const (
	HashSize     = 32
	MaxChunkSize = 32 * 1024
)

type MessageType uint16

const (
	MsgError     MessageType = 0x00FF
	MsgFileAck   MessageType = 0x0032
	MsgFileChunk MessageType = 0x0031
	MsgFileOffer MessageType = 0x0030
	MsgHello     MessageType = 0x0010
	MsgNodeList  MessageType = 0x0011
	MsgPing      MessageType = 0x0001
	MsgPong      MessageType = 0x0002
	MsgRelayed   MessageType = 0x0070
)

func (t MessageType) String() string {
	switch t {
	case MsgError:
		return "ERROR"
	case MsgFileAck:
		return "FILE_ACK"
	case MsgFileChunk:
		return "FILE_CHUNK"
	case MsgFileOffer:
		return "FILE_OFFER"
	case MsgHello:
		return "HELLO"
	case MsgNodeList:
		return "NODE_LIST"
	case MsgPing:
		return "PING"
	case MsgPong:
		return "PONG"
	case MsgRelayed:
		return "RELAYED"
	default:
		return "UNKNOWN"
	}
}

type ErrorCode uint16

const (
	ErrInternal     ErrorCode = 0x00FF
	ErrInvalidMsg   ErrorCode = 0x0001
	ErrPeerNotFound ErrorCode = 0x0004
	ErrTransferFail ErrorCode = 0x0005
	ErrUnknown      ErrorCode = 0x0000
)

func (e ErrorCode) String() string {
	switch e {
	case ErrInternal:
		return "INTERNAL_ERROR"
	case ErrInvalidMsg:
		return "INVALID_MESSAGE"
	case ErrPeerNotFound:
		return "PEER_NOT_FOUND"
	case ErrTransferFail:
		return "TRANSFER_FAILED"
	default:
		return "UNKNOWN"
	}
}

// RelayedType is the control or data kind of a RelayedMessage.
type RelayedType uint8

const (
	RelayedSYN RelayedType = iota + 1
	RelayedACK
	RelayedNACK
	RelayedEOF
	RelayedDATA
)

func (t RelayedType) String() string {
	switch t {
	case RelayedSYN:
		return "SYN"
	case RelayedACK:
		return "ACK"
	case RelayedNACK:
		return "NACK"
	case RelayedEOF:
		return "EOF"
	case RelayedDATA:
		return "DATA"
	default:
		return "UNKNOWN"
	}
}

func (t RelayedType) Valid() bool {
	return t >= RelayedSYN && t <= RelayedDATA
}
