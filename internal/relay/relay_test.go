package relay

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/rmacdonaldsmith/qmsg-go/internal/metrics"
	"github.com/rmacdonaldsmith/qmsg-go/pkg/shortname"
	"github.com/rmacdonaldsmith/qmsg-go/pkg/transport"
)

var namer = shortname.NewNamer(shortname.DefaultNamespace)

type arrival struct {
	name     shortname.ShortName
	payload  string
	objectID uint64
}

type recordingDelegate struct {
	mu     sync.Mutex
	data   []arrival
	closed []shortname.ShortName
	logs   []string
}

func (d *recordingDelegate) OnDataArrived(name shortname.ShortName, payload []byte, groupID, objectID uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.data = append(d.data, arrival{name, string(payload), objectID})
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

func (d *recordingDelegate) arrivals() []arrival {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]arrival(nil), d.data...)
}

func (d *recordingDelegate) closedNames() []shortname.ShortName {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]shortname.ShortName(nil), d.closed...)
}

func (d *recordingDelegate) logCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.logs)
}

type harness struct {
	server  *Server
	metrics *metrics.Metrics
	lis     *bufconn.Listener
}

func newHarness(t *testing.T, config *Config) *harness {
	t.Helper()
	if config == nil {
		config = &Config{NodeID: "relay-test", ListenAddress: "bufconn"}
	}
	m := metrics.New()
	server, err := NewServer(config, m)
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	go server.Serve(lis)
	t.Cleanup(func() { server.Close() })

	return &harness{server: server, metrics: m, lis: lis}
}

func (h *harness) dial(t *testing.T, delegate transport.Delegate) *Client {
	t.Helper()
	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		return h.lis.DialContext(ctx)
	}
	c, err := Dial(context.Background(), "passthrough:///bufnet", delegate, grpc.WithContextDialer(dialer))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func (h *harness) waitRoutes(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		count := 0
		for _, e := range h.server.Routes() {
			count += len(e.Remotes)
		}
		return count == n
	}, 2*time.Second, 10*time.Millisecond, "expected %d route memberships", n)
}

func deviceName(t *testing.T, team, channel, device uint32) shortname.ShortName {
	t.Helper()
	n, err := namer.DeviceName(team, channel, device)
	require.NoError(t, err)
	return n
}

func TestRelay_ForwardsToExactSubscriber(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	subDelegate, pubDelegate := &recordingDelegate{}, &recordingDelegate{}
	sub := h.dial(t, subDelegate)
	pub := h.dial(t, pubDelegate)

	name := deviceName(t, 1, 2, 5)
	require.NoError(t, sub.Subscribe(ctx, []shortname.ShortName{name}))
	h.waitRoutes(t, 1)

	require.NoError(t, pub.Register(ctx, name))
	for _, p := range []string{"one", "two", "three"} {
		require.NoError(t, pub.Publish(ctx, name, []byte(p)))
	}

	require.Eventually(t, func() bool { return len(subDelegate.arrivals()) == 3 }, 2*time.Second, 10*time.Millisecond)
	got := subDelegate.arrivals()
	assert.Equal(t, "one", got[0].payload)
	assert.Equal(t, "two", got[1].payload)
	assert.Equal(t, "three", got[2].payload)
	assert.Equal(t, uint64(2), got[2].objectID)
	assert.Empty(t, pubDelegate.arrivals(), "sender is excluded from fan-out")
	assert.Equal(t, float64(3), testutil.ToFloat64(h.metrics.RelayForwarded))
}

func TestRelay_ChannelGroupUnion(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	groupDelegate := &recordingDelegate{}
	group := h.dial(t, groupDelegate)
	pub := h.dial(t, &recordingDelegate{})

	prefix, mask := namer.ChannelGroup(1, 2)
	require.NoError(t, group.SubscribeGroup(ctx, prefix, mask))
	require.NoError(t, group.Subscribe(ctx, []shortname.ShortName{deviceName(t, 1, 2, 5)}))
	h.waitRoutes(t, 2)

	for _, device := range []uint32{5, 6} {
		n := deviceName(t, 1, 2, device)
		require.NoError(t, pub.Register(ctx, n))
		require.NoError(t, pub.Publish(ctx, n, []byte("x")))
	}
	other := deviceName(t, 1, 3, 5)
	require.NoError(t, pub.Register(ctx, other))
	require.NoError(t, pub.Publish(ctx, other, []byte("x")))

	// Device 5 matches at two levels but is delivered once.
	require.Eventually(t, func() bool { return len(groupDelegate.arrivals()) == 2 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, groupDelegate.arrivals(), 2)
}

func TestRelay_Unsubscribe(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	sub := h.dial(t, &recordingDelegate{})
	name := deviceName(t, 1, 2, 5)

	require.NoError(t, sub.Subscribe(ctx, []shortname.ShortName{name}))
	h.waitRoutes(t, 1)
	require.NoError(t, sub.Unsubscribe(ctx, name))
	h.waitRoutes(t, 0)
}

func TestRelay_UnsupportedMaskRejected(t *testing.T) {
	h := newHarness(t, nil)
	delegate := &recordingDelegate{}
	sub := h.dial(t, delegate)

	require.NoError(t, sub.SubscribeGroup(context.Background(), deviceName(t, 1, 2, 5), 8))
	require.Eventually(t, func() bool { return delegate.logCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, h.server.Routes())
}

func TestRelay_PublishRequiresRegistration(t *testing.T) {
	h := newHarness(t, nil)
	pub := h.dial(t, &recordingDelegate{})

	err := pub.Publish(context.Background(), deviceName(t, 1, 2, 5), []byte("x"))
	assert.True(t, errors.Is(err, transport.ErrNotRegistered), "got %v", err)
}

func TestRelay_DisconnectRemovesRemote(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	sub := h.dial(t, &recordingDelegate{})
	prefix, mask := namer.ChannelGroup(1, 2)
	require.NoError(t, sub.SubscribeGroup(ctx, prefix, mask))
	require.NoError(t, sub.Subscribe(ctx, []shortname.ShortName{deviceName(t, 1, 2, 5)}))
	h.waitRoutes(t, 2)
	require.Len(t, h.server.Sessions(), 1)

	require.NoError(t, sub.Close())

	h.waitRoutes(t, 0)
	require.Eventually(t, func() bool { return len(h.server.Sessions()) == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, float64(0), testutil.ToFloat64(h.metrics.RelaySessions))

	assert.True(t, errors.Is(sub.Subscribe(ctx, []shortname.ShortName{prefix}), transport.ErrClosed))
}

func TestRelay_ServerCloseSignalsConnectionClosed(t *testing.T) {
	h := newHarness(t, &Config{NodeID: "relay-test", ListenAddress: "bufconn", ShutdownTimeout: 100 * time.Millisecond})
	ctx := context.Background()

	delegate := &recordingDelegate{}
	sub := h.dial(t, delegate)
	a, b := deviceName(t, 1, 2, 5), deviceName(t, 1, 2, 6)
	require.NoError(t, sub.Subscribe(ctx, []shortname.ShortName{a, b}))
	h.waitRoutes(t, 2)

	require.NoError(t, h.server.Close())

	require.Eventually(t, func() bool { return len(delegate.closedNames()) == 2 }, 3*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []shortname.ShortName{a, b}, delegate.closedNames())
}

func TestRelay_SessionsGetDistinctRemotes(t *testing.T) {
	h := newHarness(t, nil)
	h.dial(t, &recordingDelegate{}).Subscribe(context.Background(), []shortname.ShortName{deviceName(t, 1, 2, 5)})
	h.dial(t, &recordingDelegate{}).Subscribe(context.Background(), []shortname.ShortName{deviceName(t, 1, 2, 5)})

	require.Eventually(t, func() bool { return len(h.server.Sessions()) == 2 }, 2*time.Second, 10*time.Millisecond)
	h.waitRoutes(t, 2)
}
