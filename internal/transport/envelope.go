// Package transport holds the publish/subscribe clients used by the routing
// core: an in-process broker, libp2p gossipsub and NATS.
package transport

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/rmacdonaldsmith/qmsg-go/pkg/shortname"
)

// Envelope field numbers.
const (
	fieldNameHi   protowire.Number = 1
	fieldNameLo   protowire.Number = 2
	fieldGroupID  protowire.Number = 3
	fieldObjectID protowire.Number = 4
	fieldPayload  protowire.Number = 5
)

// ErrMalformedEnvelope is returned when a received object cannot be decoded
var ErrMalformedEnvelope = errors.New("malformed envelope")

// Envelope is the unit carried by the gossip and NATS transports.
type Envelope struct {
	Name     shortname.ShortName
	GroupID  uint64
	ObjectID uint64
	Payload  []byte
}

// MarshalEnvelope encodes e in protobuf wire format.
func MarshalEnvelope(e Envelope) []byte {
	b := make([]byte, 0, 32+len(e.Payload))
	b = protowire.AppendTag(b, fieldNameHi, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, e.Name.Hi)
	b = protowire.AppendTag(b, fieldNameLo, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, e.Name.Lo)
	b = protowire.AppendTag(b, fieldGroupID, protowire.VarintType)
	b = protowire.AppendVarint(b, e.GroupID)
	b = protowire.AppendTag(b, fieldObjectID, protowire.VarintType)
	b = protowire.AppendVarint(b, e.ObjectID)
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Payload)
	return b
}

// UnmarshalEnvelope decodes an envelope. Unknown fields are skipped. The
// returned payload aliases b.
func UnmarshalEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldNameHi && typ == protowire.Fixed64Type:
			e.Name.Hi, n = protowire.ConsumeFixed64(b)
		case num == fieldNameLo && typ == protowire.Fixed64Type:
			e.Name.Lo, n = protowire.ConsumeFixed64(b)
		case num == fieldGroupID && typ == protowire.VarintType:
			e.GroupID, n = protowire.ConsumeVarint(b)
		case num == fieldObjectID && typ == protowire.VarintType:
			e.ObjectID, n = protowire.ConsumeVarint(b)
		case num == fieldPayload && typ == protowire.BytesType:
			e.Payload, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return Envelope{}, fmt.Errorf("%w: field %d: %v", ErrMalformedEnvelope, num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return e, nil
}
