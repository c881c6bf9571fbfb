package transport

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/rmacdonaldsmith/qmsg-go/pkg/shortname"
)

var namer = shortname.NewNamer(shortname.DefaultNamespace)

func deviceName(t testing.TB, team, channel, device uint32) shortname.ShortName {
	t.Helper()
	n, err := namer.DeviceName(team, channel, device)
	require.NoError(t, err)
	return n
}

func TestEnvelope_RoundTrip(t *testing.T) {
	in := Envelope{
		Name:     deviceName(t, 1, 2, 5),
		GroupID:  1700000000000000000,
		ObjectID: 42,
		Payload:  []byte("ciphertext"),
	}

	out, err := UnmarshalEnvelope(MarshalEnvelope(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestEnvelope_EmptyPayload(t *testing.T) {
	out, err := UnmarshalEnvelope(MarshalEnvelope(Envelope{Name: deviceName(t, 1, 2, 5)}))
	require.NoError(t, err)
	assert.Empty(t, out.Payload)
	assert.Zero(t, out.ObjectID)
}

func TestEnvelope_SkipsUnknownFields(t *testing.T) {
	b := MarshalEnvelope(Envelope{ObjectID: 7, Payload: []byte("x")})
	b = protowire.AppendTag(b, 99, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte("future"))

	out, err := UnmarshalEnvelope(b)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), out.ObjectID)
	assert.Equal(t, []byte("x"), out.Payload)
}

func TestEnvelope_Truncated(t *testing.T) {
	b := MarshalEnvelope(Envelope{Payload: []byte("payload")})
	_, err := UnmarshalEnvelope(b[:len(b)-3])
	assert.True(t, errors.Is(err, ErrMalformedEnvelope), "got %v", err)
}

func TestSequencer(t *testing.T) {
	s := NewSequencer()
	a := deviceName(t, 1, 2, 5)

	_, _, err := s.Next(a)
	require.Error(t, err)
	assert.False(t, s.Registered(a))

	s.Register(a)
	g0, o0, err := s.Next(a)
	require.NoError(t, err)
	s.Register(a)
	g1, o1, err := s.Next(a)
	require.NoError(t, err)

	assert.True(t, s.Registered(a))
	assert.Equal(t, g0, g1, "group id is fixed per registration")
	assert.Equal(t, uint64(0), o0)
	assert.Equal(t, uint64(1), o1)
}
