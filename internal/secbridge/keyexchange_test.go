package secbridge_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/qmsg-go/internal/arrival"
	"github.com/rmacdonaldsmith/qmsg-go/internal/codec"
	"github.com/rmacdonaldsmith/qmsg-go/internal/network"
	"github.com/rmacdonaldsmith/qmsg-go/internal/secbridge"
	qtransport "github.com/rmacdonaldsmith/qmsg-go/internal/transport"
	pkgnetwork "github.com/rmacdonaldsmith/qmsg-go/pkg/network"
)

type collector struct {
	mu     sync.Mutex
	events []pkgnetwork.Event
}

func (c *collector) Deliver(_ context.Context, e pkgnetwork.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *collector) delivered() []pkgnetwork.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]pkgnetwork.Event(nil), c.events...)
}

type bridgeNode struct {
	manager *network.Manager
	server  *secbridge.Server
	sec     *collector
}

func startBridgeNode(t *testing.T, broker *qtransport.Broker, id string) *bridgeNode {
	t.Helper()
	queue := arrival.NewQueue(nil)
	sec := &collector{}
	m, err := network.NewManager(network.NewConfig(id), broker.Connect(queue), queue, sec, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = m.Close()
	})
	return &bridgeNode{manager: m, server: secbridge.NewServer(m, 0), sec: sec}
}

func (n *bridgeNode) waitEvents(t *testing.T, count int) []pkgnetwork.Event {
	t.Helper()
	require.Eventually(t, func() bool { return len(n.sec.delivered()) >= count }, 2*time.Second, 5*time.Millisecond)
	return n.sec.delivered()
}

func TestKeyExchange_WelcomeReachesJoinerWhenAdmittingAnyKeyPackage(t *testing.T) {
	broker := qtransport.NewBroker()
	member := startBridgeNode(t, broker, "member")
	joiner := startBridgeNode(t, broker, "joiner")
	ctx := context.Background()
	kp := []byte("joiner key package")

	require.NoError(t, member.manager.SubscribeForKeyPackage(ctx, 1, nil))
	require.NoError(t, joiner.server.Handle(ctx, &codec.DeviceInfo{Team: 1, Device: 7}))
	require.NoError(t, joiner.server.Handle(ctx, &codec.JoinRequest{Team: 1, KeyPackage: kp}))

	events := member.waitEvents(t, 1)
	assert.Equal(t, pkgnetwork.KeyPackageEvent{Team: 1, KeyPackage: kp, Hash: secbridge.KeyPackageHash(kp)}, events[0])

	require.NoError(t, member.server.Handle(ctx, &codec.Welcome{Team: 1, Welcome: []byte("welcome")}))

	events = joiner.waitEvents(t, 1)
	assert.Equal(t, pkgnetwork.WelcomeEvent{Team: 1, Welcome: []byte("welcome"), Hash: secbridge.KeyPackageHash(kp)}, events[0])
	assert.Empty(t, joiner.manager.Status().PendingWelcomes)
	assert.Empty(t, member.manager.Status().ReceivedKeyPackages)
}
