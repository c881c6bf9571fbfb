package secbridge

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/qmsg-go/internal/codec"
	pkgnetwork "github.com/rmacdonaldsmith/qmsg-go/pkg/network"
	"github.com/rmacdonaldsmith/qmsg-go/pkg/shortname"
)

type otherEvent struct{}

func (otherEvent) TeamID() uint32       { return 0 }
func (otherEvent) Kind() shortname.Kind { return shortname.KindUnknown }

func TestProcessor_WritesNetworkToSecurityFrames(t *testing.T) {
	var buf bytes.Buffer
	p := NewProcessor(&buf)
	ctx := context.Background()

	events := []pkgnetwork.Event{
		pkgnetwork.KeyPackageEvent{Team: 1, KeyPackage: []byte("kp"), Hash: []byte{1}},
		pkgnetwork.WelcomeEvent{Team: 1, Welcome: []byte("welcome")},
		pkgnetwork.CommitEvent{Team: 1, Commit: []byte("commit")},
		pkgnetwork.DataEvent{Team: 1, Channel: 2, Device: 5, Payload: []byte("ct")},
	}
	for _, e := range events {
		require.NoError(t, p.Deliver(ctx, e))
	}

	fr := codec.NewFrameReader(&buf, 0)
	want := []codec.Message{
		&codec.JoinRequest{Team: 1, KeyPackage: []byte("kp")},
		&codec.Welcome{Team: 1, Welcome: []byte("welcome")},
		&codec.Commit{Team: 1, Commit: []byte("commit")},
		&codec.EncryptedMessage{Team: 1, Channel: 2, Ciphertext: []byte("ct")},
	}
	for _, w := range want {
		got, err := fr.ReadMessage(codec.NetworkToSecurity)
		require.NoError(t, err)
		assert.Equal(t, w, got)
	}
	assert.Zero(t, buf.Len())
}

func TestProcessor_RejectsUnknownEvent(t *testing.T) {
	var buf bytes.Buffer
	err := NewProcessor(&buf).Deliver(context.Background(), otherEvent{})
	assert.ErrorIs(t, err, ErrUnsupportedEvent)
	assert.Zero(t, buf.Len())
}

func TestProcessor_CancelledContext(t *testing.T) {
	var buf bytes.Buffer
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewProcessor(&buf).Deliver(ctx, pkgnetwork.CommitEvent{Team: 1})
	assert.ErrorIs(t, err, context.Canceled)
}
