package transport

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/qmsg-go/pkg/shortname"
	"github.com/rmacdonaldsmith/qmsg-go/pkg/transport"
)

type received struct {
	name     shortname.ShortName
	payload  string
	groupID  uint64
	objectID uint64
}

type recordingDelegate struct {
	mu     sync.Mutex
	data   []received
	closed []shortname.ShortName
	logs   []string
}

func (d *recordingDelegate) OnDataArrived(name shortname.ShortName, payload []byte, groupID, objectID uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.data = append(d.data, received{name, string(payload), groupID, objectID})
}

func (d *recordingDelegate) OnConnectionClosed(name shortname.ShortName) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = append(d.closed, name)
}

func (d *recordingDelegate) Log(level transport.LogLevel, message string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logs = append(d.logs, message)
}

func (d *recordingDelegate) received() []received {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]received(nil), d.data...)
}

func TestMemory_PublishRequiresRegistration(t *testing.T) {
	broker := NewBroker()
	pub := broker.Connect(&recordingDelegate{})
	ctx := context.Background()
	name := deviceName(t, 1, 2, 5)

	err := pub.Publish(ctx, name, []byte("x"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, transport.ErrNotRegistered))

	var terr *transport.Error
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, "publish", terr.Op)
	assert.Equal(t, name, terr.Name)
}

func TestMemory_ExactSubscription(t *testing.T) {
	broker := NewBroker()
	ctx := context.Background()
	pubDelegate, subDelegate := &recordingDelegate{}, &recordingDelegate{}
	pub := broker.Connect(pubDelegate)
	sub := broker.Connect(subDelegate)

	a, b := deviceName(t, 1, 2, 5), deviceName(t, 1, 2, 6)
	require.NoError(t, sub.Subscribe(ctx, []shortname.ShortName{a}))
	require.NoError(t, pub.Register(ctx, a))
	require.NoError(t, pub.Register(ctx, b))

	require.NoError(t, pub.Publish(ctx, a, []byte("one")))
	require.NoError(t, pub.Publish(ctx, b, []byte("other device")))
	require.NoError(t, pub.Publish(ctx, a, []byte("two")))

	got := subDelegate.received()
	require.Len(t, got, 2)
	assert.Equal(t, "one", got[0].payload)
	assert.Equal(t, "two", got[1].payload)
	assert.Equal(t, uint64(0), got[0].objectID)
	assert.Equal(t, uint64(1), got[1].objectID)
	assert.Equal(t, got[0].groupID, got[1].groupID)

	assert.Empty(t, pubDelegate.received(), "publisher does not receive its own objects")
}

func TestMemory_Unsubscribe(t *testing.T) {
	broker := NewBroker()
	ctx := context.Background()
	subDelegate := &recordingDelegate{}
	pub := broker.Connect(&recordingDelegate{})
	sub := broker.Connect(subDelegate)

	a := deviceName(t, 1, 2, 5)
	require.NoError(t, sub.Subscribe(ctx, []shortname.ShortName{a}))
	require.NoError(t, sub.Unsubscribe(ctx, a))
	require.NoError(t, pub.Register(ctx, a))
	require.NoError(t, pub.Publish(ctx, a, []byte("x")))

	assert.Empty(t, subDelegate.received())
	assert.Empty(t, broker.Routes())
}

func TestMemory_GroupSubscriptionDeliversOnce(t *testing.T) {
	broker := NewBroker()
	ctx := context.Background()
	subDelegate := &recordingDelegate{}
	pub := broker.Connect(&recordingDelegate{})
	sub := broker.Connect(subDelegate)

	group, mask := namer.ChannelGroup(1, 2)
	a := deviceName(t, 1, 2, 5)
	require.NoError(t, sub.SubscribeGroup(ctx, group, mask))
	require.NoError(t, sub.Subscribe(ctx, []shortname.ShortName{a}))

	for _, device := range []uint32{5, 6, 7} {
		n := deviceName(t, 1, 2, device)
		require.NoError(t, pub.Register(ctx, n))
		require.NoError(t, pub.Publish(ctx, n, []byte("hello")))
	}
	other := deviceName(t, 1, 3, 5)
	require.NoError(t, pub.Register(ctx, other))
	require.NoError(t, pub.Publish(ctx, other, []byte("other channel")))

	assert.Len(t, subDelegate.received(), 3)
}

func TestMemory_UnsupportedGroupMask(t *testing.T) {
	broker := NewBroker()
	sub := broker.Connect(&recordingDelegate{})

	err := sub.SubscribeGroup(context.Background(), deviceName(t, 1, 2, 5), 8)
	assert.True(t, errors.Is(err, transport.ErrGroupUnsupported), "got %v", err)
}

func TestMemory_DropConnectionsSignalsClosed(t *testing.T) {
	broker := NewBroker()
	ctx := context.Background()
	subDelegate := &recordingDelegate{}
	sub := broker.Connect(subDelegate)

	a, b := deviceName(t, 1, 2, 5), deviceName(t, 1, 2, 6)
	require.NoError(t, sub.Subscribe(ctx, []shortname.ShortName{a, b}))

	broker.DropConnections()

	assert.ElementsMatch(t, []shortname.ShortName{a, b}, subDelegate.closed)
	assert.Empty(t, broker.Routes())
}

func TestMemory_Close(t *testing.T) {
	broker := NewBroker()
	ctx := context.Background()
	sub := broker.Connect(&recordingDelegate{})
	a := deviceName(t, 1, 2, 5)

	require.NoError(t, sub.Subscribe(ctx, []shortname.ShortName{a}))
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())

	assert.Empty(t, broker.Routes())
	assert.True(t, errors.Is(sub.Subscribe(ctx, []shortname.ShortName{a}), transport.ErrClosed))
	assert.True(t, errors.Is(sub.Register(ctx, a), transport.ErrClosed))
}
