// Package relay implements the relay role: a gRPC server that fans published
// objects out to every connected client whose subscriptions match, and the
// matching client transport.
package relay

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/rmacdonaldsmith/qmsg-go/pkg/shortname"
)

// FrameType identifies a relay stream frame.
type FrameType uint8

const (
	FrameUnknown FrameType = iota
	FrameRegister
	FrameSubscribe
	FrameUnsubscribe
	FramePublish
	FrameError
)

func (t FrameType) String() string {
	switch t {
	case FrameRegister:
		return "register"
	case FrameSubscribe:
		return "subscribe"
	case FrameUnsubscribe:
		return "unsubscribe"
	case FramePublish:
		return "publish"
	case FrameError:
		return "error"
	default:
		return fmt.Sprintf("frame(%d)", uint8(t))
	}
}

// Frame is one message on the relay stream in either direction.
type Frame struct {
	Type     FrameType
	Name     shortname.ShortName
	Mask     shortname.Mask
	GroupID  uint64
	ObjectID uint64
	Payload  []byte
}

const (
	fieldType     protowire.Number = 1
	fieldNameHi   protowire.Number = 2
	fieldNameLo   protowire.Number = 3
	fieldMask     protowire.Number = 4
	fieldGroupID  protowire.Number = 5
	fieldObjectID protowire.Number = 6
	fieldPayload  protowire.Number = 7
)

// ErrMalformedFrame is returned when a frame cannot be decoded
var ErrMalformedFrame = errors.New("malformed relay frame")

// Marshal encodes the frame in protobuf wire format. Zero fields other than
// the type are omitted.
func (f *Frame) Marshal() []byte {
	b := make([]byte, 0, 40+len(f.Payload))
	b = protowire.AppendTag(b, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.Type))
	if !f.Name.IsZero() {
		b = protowire.AppendTag(b, fieldNameHi, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, f.Name.Hi)
		b = protowire.AppendTag(b, fieldNameLo, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, f.Name.Lo)
	}
	if f.Mask != 0 {
		b = protowire.AppendTag(b, fieldMask, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(f.Mask))
	}
	if f.GroupID != 0 {
		b = protowire.AppendTag(b, fieldGroupID, protowire.VarintType)
		b = protowire.AppendVarint(b, f.GroupID)
	}
	if f.ObjectID != 0 {
		b = protowire.AppendTag(b, fieldObjectID, protowire.VarintType)
		b = protowire.AppendVarint(b, f.ObjectID)
	}
	if len(f.Payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, f.Payload)
	}
	return b
}

// Unmarshal decodes b into f. The payload is copied.
func (f *Frame) Unmarshal(b []byte) error {
	*f = Frame{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
		}
		b = b[n:]

		var v uint64
		switch {
		case num == fieldType && typ == protowire.VarintType:
			v, n = protowire.ConsumeVarint(b)
			f.Type = FrameType(v)
		case num == fieldNameHi && typ == protowire.Fixed64Type:
			f.Name.Hi, n = protowire.ConsumeFixed64(b)
		case num == fieldNameLo && typ == protowire.Fixed64Type:
			f.Name.Lo, n = protowire.ConsumeFixed64(b)
		case num == fieldMask && typ == protowire.VarintType:
			v, n = protowire.ConsumeVarint(b)
			if v > uint64(shortname.MaxMask) {
				return fmt.Errorf("%w: mask %d", ErrMalformedFrame, v)
			}
			f.Mask = shortname.Mask(v)
		case num == fieldGroupID && typ == protowire.VarintType:
			f.GroupID, n = protowire.ConsumeVarint(b)
		case num == fieldObjectID && typ == protowire.VarintType:
			f.ObjectID, n = protowire.ConsumeVarint(b)
		case num == fieldPayload && typ == protowire.BytesType:
			var p []byte
			p, n = protowire.ConsumeBytes(b)
			f.Payload = append([]byte(nil), p...)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformedFrame, num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return nil
}
