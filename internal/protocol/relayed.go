package protocol

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	ErrInvalidRelayedType = errors.New("relayed message: invalid type")
	ErrPayloadMismatch    = errors.New("relayed message: payload must be set iff type is DATA")
)

// RelayedMessage travels hop by hop between two nodes through a relay. The
// relay forwards it unchanged; only Source and Destination interpret it.
type RelayedMessage struct {
	ConnectionID uint64
	Destination  PeerIdentity
	Payload      []byte
	RelayedType  RelayedType
	Source       PeerIdentity
}

func (RelayedMessage) Type() MessageType { return MsgRelayed }

// NewRelayedControl builds a SYN, ACK, NACK or EOF.
func NewRelayedControl(t RelayedType, source, destination PeerIdentity, connID uint64) *RelayedMessage {
	return &RelayedMessage{
		ConnectionID: connID,
		Destination:  destination,
		RelayedType:  t,
		Source:       source,
	}
}

// NewRelayedData builds a DATA message. A nil payload is replaced by an empty
// one so the message stays valid.
func NewRelayedData(source, destination PeerIdentity, connID uint64, payload []byte) *RelayedMessage {
	if payload == nil {
		payload = []byte{}
	}
	return &RelayedMessage{
		ConnectionID: connID,
		Destination:  destination,
		Payload:      payload,
		RelayedType:  RelayedDATA,
		Source:       source,
	}
}

func (m *RelayedMessage) Validate() error {
	if !m.RelayedType.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidRelayedType, m.RelayedType)
	}
	if (m.Payload != nil) != (m.RelayedType == RelayedDATA) {
		return ErrPayloadMismatch
	}
	return nil
}

func (m *RelayedMessage) String() string {
	return fmt.Sprintf("%s %s->%s conn=%d len=%d",
		m.RelayedType, m.Source.ID, m.Destination.ID, m.ConnectionID, len(m.Payload))
}

const (
	fieldRelayedType protowire.Number = 1
	fieldSource      protowire.Number = 2
	fieldDestination protowire.Number = 3
	fieldConnID      protowire.Number = 4
	fieldPayload     protowire.Number = 5

	fieldIdentityID   protowire.Number = 1
	fieldIdentityNick protowire.Number = 2
)

// MarshalBinary encodes the message in protobuf wire format. gob picks this up
// when a RelayedMessage is sent as a Message.
func (m RelayedMessage) MarshalBinary() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	b := make([]byte, 0, 64+len(m.Payload))
	b = protowire.AppendTag(b, fieldRelayedType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.RelayedType))
	b = protowire.AppendTag(b, fieldSource, protowire.BytesType)
	b = protowire.AppendBytes(b, appendIdentity(nil, m.Source))
	b = protowire.AppendTag(b, fieldDestination, protowire.BytesType)
	b = protowire.AppendBytes(b, appendIdentity(nil, m.Destination))
	b = protowire.AppendTag(b, fieldConnID, protowire.VarintType)
	b = protowire.AppendVarint(b, m.ConnectionID)
	if m.Payload != nil {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Payload)
	}
	return b, nil
}

func (m *RelayedMessage) UnmarshalBinary(data []byte) error {
	*m = RelayedMessage{}

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case num == fieldRelayedType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.RelayedType = RelayedType(v)
			data = data[n:]
		case num == fieldConnID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.ConnectionID = v
			data = data[n:]
		case (num == fieldSource || num == fieldDestination) && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			id, err := consumeIdentity(v)
			if err != nil {
				return err
			}
			if num == fieldSource {
				m.Source = id
			} else {
				m.Destination = id
			}
			data = data[n:]
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			m.Payload = append([]byte{}, v...)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
		}
	}

	return m.Validate()
}

func appendIdentity(b []byte, id PeerIdentity) []byte {
	b = protowire.AppendTag(b, fieldIdentityID, protowire.BytesType)
	b = protowire.AppendString(b, id.ID)
	if id.Nick != "" {
		b = protowire.AppendTag(b, fieldIdentityNick, protowire.BytesType)
		b = protowire.AppendString(b, id.Nick)
	}
	return b
}

func consumeIdentity(data []byte) (PeerIdentity, error) {
	var id PeerIdentity
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return id, protowire.ParseError(n)
		}
		data = data[n:]

		if typ == protowire.BytesType && (num == fieldIdentityID || num == fieldIdentityNick) {
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return id, protowire.ParseError(n)
			}
			if num == fieldIdentityID {
				id.ID = v
			} else {
				id.Nick = v
			}
			data = data[n:]
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, data)
		if n < 0 {
			return id, protowire.ParseError(n)
		}
		data = data[n:]
	}
	return id, nil
}
