package statusclient_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/qmsg-go/internal/arrival"
	"github.com/rmacdonaldsmith/qmsg-go/internal/metrics"
	"github.com/rmacdonaldsmith/qmsg-go/internal/network"
	"github.com/rmacdonaldsmith/qmsg-go/internal/statusapi"
	qtransport "github.com/rmacdonaldsmith/qmsg-go/internal/transport"
	pkgnetwork "github.com/rmacdonaldsmith/qmsg-go/pkg/network"
	"github.com/rmacdonaldsmith/qmsg-go/pkg/shortname"
	"github.com/rmacdonaldsmith/qmsg-go/pkg/statusclient"
)

type discardSecurity struct{}

func (discardSecurity) Deliver(context.Context, pkgnetwork.Event) error { return nil }

type fixture struct {
	manager *network.Manager
	broker  *qtransport.Broker
	queue   *arrival.Queue
	server  *statusapi.Server
	http    *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	registry := metrics.NewRegistry()
	broker := qtransport.NewBroker()
	queue := arrival.NewQueue(registry.Metrics)

	manager, err := network.NewManager(network.NewConfig("node-1"), broker.Connect(queue), queue, discardSecurity{}, registry.Metrics)
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })

	server, err := statusapi.NewServer(&statusapi.Config{NodeID: "node-1", ListenAddress: ":0", SecretKey: "secret"},
		statusapi.Sources{Network: manager, Queue: queue, Routes: broker}, registry)
	require.NoError(t, err)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return &fixture{manager: manager, broker: broker, queue: queue, server: server, http: ts}
}

func (f *fixture) client(t *testing.T, admin bool) *statusclient.Client {
	t.Helper()
	token, _, err := f.server.Auth().Mint("tester", admin, 0)
	require.NoError(t, err)
	c, err := statusclient.NewClient(statusclient.Config{ServerURL: f.http.URL, Token: token})
	require.NoError(t, err)
	return c
}

func TestNewClient_RequiresURL(t *testing.T) {
	_, err := statusclient.NewClient(statusclient.Config{})
	assert.Error(t, err)
}

func TestClient_ReadsNodeState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.manager.SubscribeToDevices(ctx, 1, 2, []uint32{5}))
	require.NoError(t, f.manager.SubscribeToChannel(ctx, 1, 3))
	require.NoError(t, f.manager.HandleDeviceInfo(ctx, 1, 9))
	name, err := f.manager.Namer().DeviceName(1, 2, 5)
	require.NoError(t, err)
	f.queue.OnDataArrived(name, []byte("x"), 0, 0)

	c := f.client(t, false)

	health, err := c.GetHealth(ctx)
	require.NoError(t, err)
	assert.True(t, health.Healthy)
	assert.Equal(t, 1, health.QueueDepth)

	subs, err := c.GetSubscriptions(ctx)
	require.NoError(t, err)
	assert.Contains(t, subs.Subscribed, name)
	assert.Equal(t, []pkgnetwork.ChannelSubscription{{Team: 1, Channel: 3}}, subs.Channels)

	regs, err := c.GetRegistrations(ctx)
	require.NoError(t, err)
	assert.Len(t, regs.Registered, 3)
	assert.Equal(t, map[uint32]uint32{1: 9}, regs.Devices)

	queue, err := c.GetQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, []statusclient.QueueEntry{{Name: name, Depth: 1}}, queue.Names)

	text, err := c.GetMetrics(ctx)
	require.NoError(t, err)
	assert.Contains(t, text, "qmsg_arrival_enqueued_total 1")
}

func TestClient_AdminEndpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.manager.SubscribeToDevices(ctx, 1, 2, []uint32{5}))
	name, err := f.manager.Namer().DeviceName(1, 2, 5)
	require.NoError(t, err)

	_, err = f.client(t, false).GetRoutes(ctx)
	var apiErr *statusclient.APIError
	require.True(t, errors.As(err, &apiErr), "got %v", err)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)

	admin := f.client(t, true)
	routes, err := admin.GetRoutes(ctx)
	require.NoError(t, err)
	require.Len(t, routes.Routes, 1)
	assert.Equal(t, shortname.MaskDevice, routes.Routes[0].Mask)
	assert.Equal(t, name, routes.Routes[0].Prefix)

	require.NoError(t, admin.Resubscribe(ctx, name))
}

func TestClient_MissingToken(t *testing.T) {
	f := newFixture(t)
	c, err := statusclient.NewClient(statusclient.Config{ServerURL: f.http.URL})
	require.NoError(t, err)

	_, err = c.GetSubscriptions(context.Background())
	var apiErr *statusclient.APIError
	require.True(t, errors.As(err, &apiErr), "got %v", err)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "Authorization header required", apiErr.Message)
}
