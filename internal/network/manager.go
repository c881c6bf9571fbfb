package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/rmacdonaldsmith/qmsg-go/internal/arrival"
	"github.com/rmacdonaldsmith/qmsg-go/internal/codec"
	"github.com/rmacdonaldsmith/qmsg-go/internal/metrics"
	pkgnetwork "github.com/rmacdonaldsmith/qmsg-go/pkg/network"
	"github.com/rmacdonaldsmith/qmsg-go/pkg/shortname"
	"github.com/rmacdonaldsmith/qmsg-go/pkg/transport"
)

var log = logging.Logger("qmsg/network")

// ErrNilQueue is returned when no arrival queue is supplied
var ErrNilQueue = errors.New("arrival queue cannot be nil")

// Manager implements the network.Node interface on top of a transport
// client. It tracks which names are registered and subscribed so the
// transport never sees a duplicate register or subscribe call.
//
// Inbound data reaches the Manager through the arrival queue the transport
// was created with; Run consumes it.
type Manager struct {
	config    Config
	namer     shortname.Namer
	transport transport.Transport
	queue     *arrival.Queue
	security  pkgnetwork.SecurityProcessor
	metrics   *metrics.Metrics
	reg       *registry

	// opMu serializes the check-then-call sequences against the transport
	opMu sync.Mutex

	mu     sync.RWMutex
	closed bool
}

// NewManager creates a Manager. queue must be the delegate tr was created
// with. m may be nil.
func NewManager(config *Config, tr transport.Transport, queue *arrival.Queue, sec pkgnetwork.SecurityProcessor, m *metrics.Metrics) (*Manager, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if tr == nil {
		return nil, ErrNilTransport
	}
	if queue == nil {
		return nil, ErrNilQueue
	}
	if sec == nil {
		return nil, ErrNilSecurity
	}

	configCopy := *config
	configCopy.SetDefaults()

	return &Manager{
		config:    configCopy,
		namer:     shortname.NewNamer(configCopy.Namespace),
		transport: tr,
		queue:     queue,
		security:  sec,
		metrics:   m,
		reg:       newRegistry(),
	}, nil
}

// Namer returns the namer used to build every name.
func (m *Manager) Namer() shortname.Namer {
	return m.namer
}

func (m *Manager) checkOpen() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return pkgnetwork.ErrClosed
	}
	return nil
}

// Publish sends payload on the device's name, registering it on first use.
func (m *Manager) Publish(ctx context.Context, team, channel, device uint32, payload []byte) error {
	name, err := m.namer.DeviceName(team, channel, device)
	if err != nil {
		return err
	}
	return m.publish(ctx, name, payload)
}

// PublishToChannel publishes as the device recorded by HandleDeviceInfo.
func (m *Manager) PublishToChannel(ctx context.Context, team, channel uint32, payload []byte) error {
	device, ok := m.reg.device(team)
	if !ok {
		return fmt.Errorf("%w: team %d", pkgnetwork.ErrUnknownDevice, team)
	}
	return m.Publish(ctx, team, channel, device, payload)
}

func (m *Manager) publish(ctx context.Context, name shortname.ShortName, payload []byte) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	if err := m.ensureRegistered(ctx, name); err != nil {
		return err
	}
	err := m.transport.Publish(ctx, name, payload)
	m.metrics.Op("publish", err)
	return err
}

func (m *Manager) ensureRegistered(ctx context.Context, name shortname.ShortName) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if m.reg.isRegistered(name) {
		return nil
	}
	err := m.transport.Register(ctx, name)
	m.metrics.Op("register", err)
	if err != nil {
		return err
	}
	m.reg.markRegistered(name)
	log.Debugw("publisher registered", "node", m.config.NodeID, "name", name)
	return nil
}

// SubscribeToDevices subscribes to each device's name once. Every device is
// resolved before any transport call, so an out-of-range device leaves the
// subscription state untouched.
func (m *Manager) SubscribeToDevices(ctx context.Context, team, channel uint32, devices []uint32) error {
	names := make([]shortname.ShortName, 0, len(devices))
	for _, device := range devices {
		name, err := m.namer.DeviceName(team, channel, device)
		if err != nil {
			return err
		}
		if !slices.Contains(names, name) {
			names = append(names, name)
		}
	}
	return m.subscribe(ctx, names...)
}

func (m *Manager) subscribe(ctx context.Context, names ...shortname.ShortName) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	for _, name := range names {
		if m.reg.isSubscribed(name) {
			continue
		}
		// Marked first so Run keeps objects the transport delivers before
		// Subscribe returns.
		m.reg.setSubscribed(name, true)
		err := m.transport.Subscribe(ctx, []shortname.ShortName{name})
		m.metrics.Op("subscribe", err)
		if err != nil {
			m.reg.setSubscribed(name, false)
			return err
		}
		log.Debugw("subscribed", "node", m.config.NodeID, "name", name)
	}
	return nil
}

// UnsubscribeFromDevice drops a device subscription. Devices that were never
// subscribed are a no-op.
func (m *Manager) UnsubscribeFromDevice(ctx context.Context, team, channel, device uint32) error {
	name, err := m.namer.DeviceName(team, channel, device)
	if err != nil {
		return err
	}
	if err := m.checkOpen(); err != nil {
		return err
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	if !m.reg.isSubscribed(name) {
		return nil
	}
	err = m.transport.Unsubscribe(ctx, name)
	m.metrics.Op("unsubscribe", err)
	if err != nil {
		return err
	}
	m.reg.setSubscribed(name, false)
	return nil
}

func (m *Manager) groupSubscriber() (transport.GroupSubscriber, error) {
	gs, ok := m.transport.(transport.GroupSubscriber)
	if !ok {
		return nil, transport.ErrGroupUnsupported
	}
	return gs, nil
}

// SubscribeToChannel subscribes to every device of a channel through a
// single group subscription.
func (m *Manager) SubscribeToChannel(ctx context.Context, team, channel uint32) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	gs, err := m.groupSubscriber()
	if err != nil {
		return err
	}

	c := pkgnetwork.ChannelSubscription{Team: team, Channel: channel}
	prefix, mask := m.namer.ChannelGroup(team, channel)

	m.opMu.Lock()
	defer m.opMu.Unlock()

	if m.reg.hasChannel(c) {
		return nil
	}
	m.reg.setChannel(c, true)
	err = gs.SubscribeGroup(ctx, prefix, mask)
	m.metrics.Op("subscribe-group", err)
	if err != nil {
		m.reg.setChannel(c, false)
		return err
	}
	return nil
}

// UnsubscribeFromChannel drops a channel subscription.
func (m *Manager) UnsubscribeFromChannel(ctx context.Context, team, channel uint32) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	gs, err := m.groupSubscriber()
	if err != nil {
		return err
	}

	c := pkgnetwork.ChannelSubscription{Team: team, Channel: channel}
	prefix, mask := m.namer.ChannelGroup(team, channel)

	m.opMu.Lock()
	defer m.opMu.Unlock()

	if !m.reg.hasChannel(c) {
		return nil
	}
	err = gs.UnsubscribeGroup(ctx, prefix, mask)
	m.metrics.Op("unsubscribe-group", err)
	if err != nil {
		return err
	}
	m.reg.setChannel(c, false)
	return nil
}

// SubscribeForKeyPackage subscribes to the team's key package name and
// remembers the hash the next key package should carry.
func (m *Manager) SubscribeForKeyPackage(ctx context.Context, team uint32, hash []byte) error {
	if err := m.subscribe(ctx, m.namer.KeyPackageName(team)); err != nil {
		return err
	}
	m.reg.setKeyPackageHash(team, hash)
	return nil
}

// SetKeyPackageHashForWelcome records the hash an inbound welcome for team
// must reference.
func (m *Manager) SetKeyPackageHashForWelcome(team uint32, hash []byte) {
	m.reg.setWelcomeHash(team, hash)
}

// HandleDeviceInfo records this node's device in team, subscribes to the
// team's welcome and commit names and registers the key exchange publishers.
func (m *Manager) HandleDeviceInfo(ctx context.Context, team, device uint32) error {
	if _, err := m.namer.DeviceName(team, 0, device); err != nil {
		return err
	}
	m.reg.setDevice(team, device)

	if err := m.subscribe(ctx, m.namer.WelcomeName(team), m.namer.CommitName(team)); err != nil {
		return err
	}
	for _, name := range []shortname.ShortName{
		m.namer.KeyPackageName(team),
		m.namer.WelcomeName(team),
		m.namer.CommitName(team),
	} {
		if err := m.ensureRegistered(ctx, name); err != nil {
			return err
		}
	}

	log.Infow("device info", "node", m.config.NodeID, "team", team, "device", device)
	return nil
}

// HandleKeyPackageEvent publishes a local key package with its hash, or
// delivers one received from the network.
func (m *Manager) HandleKeyPackageEvent(ctx context.Context, source pkgnetwork.EventSource, team uint32, keyPackage, hash []byte) error {
	switch source {
	case pkgnetwork.SecProc:
		body, err := codec.EncodeHashed(hash, keyPackage)
		if err != nil {
			return err
		}
		return m.publish(ctx, m.namer.KeyPackageName(team), body)
	case pkgnetwork.Network:
		if expected, ok := m.reg.keyPackageHash(team); ok && expected != nil && !bytes.Equal(expected, hash) {
			log.Warnw("key package hash differs from the expected hash", "team", team, "hash", fmt.Sprintf("%x", hash), "expected", fmt.Sprintf("%x", expected))
		}
		m.reg.setReceivedKeyPackage(team, hash)
		return m.deliver(ctx, pkgnetwork.KeyPackageEvent{Team: team, KeyPackage: keyPackage, Hash: hash})
	default:
		return fmt.Errorf("%w: %s", pkgnetwork.ErrUnknownSource, source)
	}
}

// HandleWelcomeEvent publishes a local welcome, or delivers one received
// from the network when it answers the pending join for team.
func (m *Manager) HandleWelcomeEvent(ctx context.Context, source pkgnetwork.EventSource, team uint32, welcome, hash []byte) error {
	switch source {
	case pkgnetwork.SecProc:
		if hash == nil {
			hash = m.reg.takeWelcomeTarget(team)
		}
		body, err := codec.EncodeHashed(hash, welcome)
		if err != nil {
			return err
		}
		return m.publish(ctx, m.namer.WelcomeName(team), body)
	case pkgnetwork.Network:
		if m.reg.takeWelcome(team, hash) == welcomeMismatched {
			log.Warnw("dropping welcome for another join", "team", team, "hash", fmt.Sprintf("%x", hash))
			return nil
		}
		return m.deliver(ctx, pkgnetwork.WelcomeEvent{Team: team, Welcome: welcome, Hash: hash})
	default:
		return fmt.Errorf("%w: %s", pkgnetwork.ErrUnknownSource, source)
	}
}

// HandleCommitEvent publishes a local commit or delivers a remote one.
func (m *Manager) HandleCommitEvent(ctx context.Context, source pkgnetwork.EventSource, team uint32, commit []byte) error {
	switch source {
	case pkgnetwork.SecProc:
		return m.publish(ctx, m.namer.CommitName(team), commit)
	case pkgnetwork.Network:
		return m.deliver(ctx, pkgnetwork.CommitEvent{Team: team, Commit: commit})
	default:
		return fmt.Errorf("%w: %s", pkgnetwork.ErrUnknownSource, source)
	}
}

func (m *Manager) deliver(ctx context.Context, event pkgnetwork.Event) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	if err := m.security.Deliver(ctx, event); err != nil {
		return fmt.Errorf("deliver %s for team %d: %w", event.Kind(), event.TeamID(), err)
	}
	if m.metrics != nil {
		m.metrics.SecurityDeliveries.WithLabelValues(event.Kind().String()).Inc()
	}
	return nil
}

// Resubscribe reissues the subscription covering name. Names this manager
// never subscribed are ignored.
func (m *Manager) Resubscribe(ctx context.Context, name shortname.ShortName) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	if m.reg.isSubscribed(name) {
		err := m.transport.Subscribe(ctx, []shortname.ShortName{name})
		m.metrics.Op("resubscribe", err)
		return err
	}

	f := shortname.Decode(name)
	prefix, mask := m.namer.ChannelGroup(f.Team, f.Channel)
	if name != prefix || !m.reg.hasChannel(pkgnetwork.ChannelSubscription{Team: f.Team, Channel: f.Channel}) {
		log.Debugw("ignoring connection closed for unknown subscription", "name", name)
		return nil
	}
	gs, err := m.groupSubscriber()
	if err != nil {
		return err
	}
	err = gs.SubscribeGroup(ctx, prefix, mask)
	m.metrics.Op("resubscribe", err)
	return err
}

// Status returns a snapshot of the registration state.
func (m *Manager) Status() pkgnetwork.Status {
	s := m.reg.status()
	s.NodeID = m.config.NodeID
	s.QueueDepth = m.queue.Len()
	return s
}

// Close closes the transport. Later operations return ErrClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	if err := m.transport.Close(); err != nil {
		return fmt.Errorf("failed to close transport: %w", err)
	}
	return nil
}

// Verify that Manager implements the Node interface at compile time
var _ pkgnetwork.Node = (*Manager)(nil)
