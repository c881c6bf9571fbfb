// Package codec encodes the messages exchanged with the security process.
//
// Messages use the TLS presentation language: a u32 discriminant followed by
// big-endian integers and length-prefixed opaque vectors. On a byte stream
// each message travels in a u32 length-prefixed frame.
package codec

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

var (
	// ErrTruncated is returned when a message ends before all fields are read
	ErrTruncated = errors.New("truncated message")
	// ErrTrailingData is returned when bytes remain after a message
	ErrTrailingData = errors.New("trailing data after message")
	// ErrHashTooLong is returned for hashes that do not fit a u8 length prefix
	ErrHashTooLong = errors.New("hash longer than 255 bytes")
)

// UnknownTypeError reports a discriminant not valid in a direction.
type UnknownTypeError struct {
	Type      Type
	Direction Direction
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown %s message type %d", e.Direction, uint32(e.Type))
}

// readOpaque32 reads a u32 length-prefixed vector.
func readOpaque32(s *cryptobyte.String, out *[]byte) bool {
	var n uint32
	if !s.ReadUint32(&n) {
		return false
	}
	var b []byte
	if !s.ReadBytes(&b, int(n)) {
		return false
	}
	*out = append([]byte(nil), b...)
	return true
}

func addOpaque32(b *cryptobyte.Builder, v []byte) {
	b.AddUint32LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(v)
	})
}

// EncodeHashed prefixes body with a hash: {u8 hash length, hash, u32 body
// length, body}. Key packages and welcomes are published in this form.
func EncodeHashed(hash, body []byte) ([]byte, error) {
	if len(hash) > 255 {
		return nil, ErrHashTooLong
	}
	b := cryptobyte.NewBuilder(make([]byte, 0, 5+len(hash)+len(body)))
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(hash)
	})
	addOpaque32(b, body)
	return b.Bytes()
}

// DecodeHashed splits the form produced by EncodeHashed.
func DecodeHashed(data []byte) (hash, body []byte, err error) {
	s := cryptobyte.String(data)
	var h cryptobyte.String
	if !s.ReadUint8LengthPrefixed(&h) || !readOpaque32(&s, &body) {
		return nil, nil, ErrTruncated
	}
	if !s.Empty() {
		return nil, nil, ErrTrailingData
	}
	return append([]byte(nil), h...), body, nil
}
