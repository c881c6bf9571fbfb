package codec

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshal_WireLayout(t *testing.T) {
	b, err := Marshal(&JoinRequest{Team: 1, KeyPackage: []byte{0xAA, 0xBB}})
	require.NoError(t, err)
	assert.Equal(t, []byte{
		0, 0, 0, 1, // discriminant
		0, 0, 0, 1, // team
		0, 0, 0, 2, 0xAA, 0xBB, // key package
	}, b)

	b, err = Marshal(&WatchDevices{Team: 1, Channel: 2, Devices: []uint16{5, 6}})
	require.NoError(t, err)
	assert.Equal(t, []byte{
		0, 0, 0, 5,
		0, 0, 0, 1,
		0, 0, 0, 2,
		0, 4, 0, 5, 0, 6, // u16 byte length then two u16 ids
	}, b)

	b, err = Marshal(&DeviceInfo{Team: 3, Device: 0x0102})
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 9, 0, 0, 0, 3, 1, 2}, b)
}

func TestMessages_RoundTrip(t *testing.T) {
	messages := []Message{
		&JoinRequest{Team: 1, KeyPackage: []byte("kp")},
		&Welcome{Team: 2, Welcome: []byte("welcome")},
		&Commit{Team: 3, Commit: []byte("commit")},
		&EncryptedMessage{Team: 4, Channel: 5, Ciphertext: []byte("ct")},
		&WatchDevices{Team: 1, Channel: 2, Devices: []uint16{1, 2, 3}},
		&UnwatchDevices{Team: 1, Channel: 2, Devices: []uint16{}},
		&WatchChannel{Team: 1, Channel: 2},
		&UnwatchChannel{Team: 1, Channel: 2},
		&DeviceInfo{Team: 1, Device: 7},
	}
	for _, m := range messages {
		b, err := Marshal(m)
		require.NoError(t, err)
		out, err := Unmarshal(b, SecurityToNetwork)
		require.NoError(t, err, "type %d", m.Type())
		assert.Equal(t, m, out)
	}
}

func TestUnmarshal_DirectionRestrictsTypes(t *testing.T) {
	b, err := Marshal(&DeviceInfo{Team: 1, Device: 7})
	require.NoError(t, err)

	_, err = Unmarshal(b, NetworkToSecurity)
	var typeErr *UnknownTypeError
	require.True(t, errors.As(err, &typeErr), "got %v", err)
	assert.Equal(t, TypeDeviceInfo, typeErr.Type)

	_, err = Unmarshal([]byte{0, 0, 0, 42}, SecurityToNetwork)
	assert.True(t, errors.As(err, &typeErr))
}

func TestUnmarshal_Malformed(t *testing.T) {
	b, err := Marshal(&Commit{Team: 1, Commit: []byte("commit")})
	require.NoError(t, err)

	_, err = Unmarshal(b[:len(b)-1], NetworkToSecurity)
	assert.ErrorIs(t, err, ErrTruncated)

	_, err = Unmarshal(append(b, 0), NetworkToSecurity)
	assert.ErrorIs(t, err, ErrTrailingData)

	_, err = Unmarshal(nil, NetworkToSecurity)
	assert.ErrorIs(t, err, ErrTruncated)

	// Odd byte length for a u16 device list
	_, err = Unmarshal([]byte{0, 0, 0, 5, 0, 0, 0, 1, 0, 0, 0, 2, 0, 1, 9}, SecurityToNetwork)
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestHashed_RoundTrip(t *testing.T) {
	hash := bytes.Repeat([]byte{0x11}, 32)
	b, err := EncodeHashed(hash, []byte("key package"))
	require.NoError(t, err)
	assert.Equal(t, byte(32), b[0])

	gotHash, body, err := DecodeHashed(b)
	require.NoError(t, err)
	assert.Equal(t, hash, gotHash)
	assert.Equal(t, []byte("key package"), body)

	_, _, err = DecodeHashed(b[:10])
	assert.ErrorIs(t, err, ErrTruncated)

	_, err = EncodeHashed(make([]byte, 256), nil)
	assert.ErrorIs(t, err, ErrHashTooLong)
}

func TestFrames_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewFrameWriter(&buf)
	require.NoError(t, w.WriteMessage(&WatchChannel{Team: 1, Channel: 2}))
	require.NoError(t, w.WriteMessage(&DeviceInfo{Team: 1, Device: 3}))
	require.NoError(t, w.WriteFrame(nil))

	r := NewFrameReader(&buf, 0)
	m, err := r.ReadMessage(SecurityToNetwork)
	require.NoError(t, err)
	assert.Equal(t, &WatchChannel{Team: 1, Channel: 2}, m)

	m, err = r.ReadMessage(SecurityToNetwork)
	require.NoError(t, err)
	assert.Equal(t, &DeviceInfo{Team: 1, Device: 3}, m)

	frame, err := r.ReadFrame()
	require.NoError(t, err)
	assert.Empty(t, frame)

	_, err = r.ReadFrame()
	assert.Equal(t, io.EOF, err)
}

func TestFrames_Limits(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewFrameWriter(&buf).WriteFrame(make([]byte, 100)))

	_, err := NewFrameReader(bytes.NewReader(buf.Bytes()), 10).ReadFrame()
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	_, err = NewFrameReader(bytes.NewReader(buf.Bytes()[:50]), 0).ReadFrame()
	assert.Equal(t, io.ErrUnexpectedEOF, err)
}
