package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/rmacdonaldsmith/qmsg-go/internal/routingtable"
	pkgrt "github.com/rmacdonaldsmith/qmsg-go/pkg/routingtable"
	"github.com/rmacdonaldsmith/qmsg-go/pkg/shortname"
	"github.com/rmacdonaldsmith/qmsg-go/pkg/transport"
)

var log = logging.Logger("qmsg/transport")

// BrokerMasks are the subscription levels served by the memory broker.
var BrokerMasks = []shortname.Mask{shortname.MaskDevice, shortname.MaskChannel, shortname.MaskTeam}

type subscription struct {
	name shortname.ShortName
	mask shortname.Mask
}

// Broker is an in-process publish/subscribe hub. Every MemoryTransport
// connected to it is a remote in a Union routing table, so a client
// subscribed at several levels receives each object once.
type Broker struct {
	mu      sync.RWMutex
	table   *routingtable.InMemoryTable
	clients map[pkgrt.Remote]*MemoryTransport
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		table: routingtable.NewInMemoryTable(routingtable.Config{
			Masks:  BrokerMasks,
			Policy: pkgrt.Union,
		}),
		clients: make(map[pkgrt.Remote]*MemoryTransport),
	}
}

// Connect attaches a new client that reports inbound data to delegate.
func (b *Broker) Connect(delegate transport.Delegate) *MemoryTransport {
	t := &MemoryTransport{
		broker:    b,
		delegate:  delegate,
		remote:    pkgrt.NewRemote("mem-"+uuid.NewString(), 0),
		sequencer: NewSequencer(),
		subs:      make(map[subscription]struct{}),
	}

	b.mu.Lock()
	b.clients[t.remote] = t
	b.mu.Unlock()
	return t
}

// Routes returns the broker's subscription table contents.
func (b *Broker) Routes() []pkgrt.Entry {
	return b.table.Snapshot()
}

// DropConnections simulates a transport failure: every client is told that
// each of its subscriptions closed and the subscriptions are forgotten.
func (b *Broker) DropConnections() {
	b.mu.RLock()
	clients := make([]*MemoryTransport, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		for _, sub := range c.dropSubscriptions() {
			c.delegate.OnConnectionClosed(sub.name)
		}
	}
}

func (b *Broker) deliver(from pkgrt.Remote, env Envelope) int {
	remotes := b.table.Find(env.Name)

	b.mu.RLock()
	targets := make([]*MemoryTransport, 0, len(remotes))
	for _, r := range remotes {
		if c, ok := b.clients[r]; ok && r != from {
			targets = append(targets, c)
		}
	}
	b.mu.RUnlock()

	for _, c := range targets {
		c.delegate.OnDataArrived(env.Name, env.Payload, env.GroupID, env.ObjectID)
	}
	return len(targets)
}

func (b *Broker) disconnect(t *MemoryTransport) {
	b.mu.Lock()
	delete(b.clients, t.remote)
	b.mu.Unlock()
	b.table.RemoveRemote(t.remote)
}

// MemoryTransport is one client of a Broker. Delivery is synchronous: the
// publisher's goroutine runs every subscriber's delegate.
type MemoryTransport struct {
	broker    *Broker
	delegate  transport.Delegate
	remote    pkgrt.Remote
	sequencer *Sequencer

	mu     sync.Mutex
	subs   map[subscription]struct{}
	closed bool
}

// Remote returns the identity of this client inside the broker.
func (t *MemoryTransport) Remote() pkgrt.Remote {
	return t.remote
}

func (t *MemoryTransport) checkOpen() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transport.ErrClosed
	}
	return nil
}

// Register announces this client as a publisher of name.
func (t *MemoryTransport) Register(ctx context.Context, name shortname.ShortName) error {
	if err := t.checkOpen(); err != nil {
		return transport.NewError("register", name, err)
	}
	t.sequencer.Register(name)
	return nil
}

// Publish delivers payload to every other client subscribed to name.
func (t *MemoryTransport) Publish(ctx context.Context, name shortname.ShortName, payload []byte) error {
	if err := t.checkOpen(); err != nil {
		return transport.NewError("publish", name, err)
	}
	if err := ctx.Err(); err != nil {
		return transport.NewError("publish", name, err)
	}
	groupID, objectID, err := t.sequencer.Next(name)
	if err != nil {
		return transport.NewError("publish", name, err)
	}

	n := t.broker.deliver(t.remote, Envelope{Name: name, GroupID: groupID, ObjectID: objectID, Payload: payload})
	log.Debugw("memory publish", "name", name, "object", objectID, "receivers", n)
	return nil
}

// Subscribe starts exact-name delivery for every name.
func (t *MemoryTransport) Subscribe(ctx context.Context, names []shortname.ShortName) error {
	for _, name := range names {
		if err := t.subscribe("subscribe", name, shortname.MaskDevice); err != nil {
			return err
		}
	}
	return nil
}

// Unsubscribe stops exact-name delivery.
func (t *MemoryTransport) Unsubscribe(ctx context.Context, name shortname.ShortName) error {
	return t.unsubscribe("unsubscribe", name, shortname.MaskDevice)
}

// SubscribeGroup starts delivery of every name sharing name's prefix at mask.
func (t *MemoryTransport) SubscribeGroup(ctx context.Context, name shortname.ShortName, mask shortname.Mask) error {
	return t.subscribe("subscribe-group", name, mask)
}

// UnsubscribeGroup stops a group subscription.
func (t *MemoryTransport) UnsubscribeGroup(ctx context.Context, name shortname.ShortName, mask shortname.Mask) error {
	return t.unsubscribe("unsubscribe-group", name, mask)
}

func (t *MemoryTransport) subscribe(op string, name shortname.ShortName, mask shortname.Mask) error {
	if err := t.checkOpen(); err != nil {
		return transport.NewError(op, name, err)
	}
	if err := t.broker.table.Add(name, mask, t.remote); err != nil {
		return transport.NewError(op, name, fmt.Errorf("%w: %w", transport.ErrGroupUnsupported, err))
	}

	t.mu.Lock()
	if t.subs != nil {
		t.subs[subscription{name: name.Prefix(mask), mask: mask}] = struct{}{}
	}
	t.mu.Unlock()
	return nil
}

func (t *MemoryTransport) unsubscribe(op string, name shortname.ShortName, mask shortname.Mask) error {
	if err := t.checkOpen(); err != nil {
		return transport.NewError(op, name, err)
	}
	if err := t.broker.table.Remove(name, mask, t.remote); err != nil {
		return transport.NewError(op, name, fmt.Errorf("%w: %w", transport.ErrGroupUnsupported, err))
	}

	t.mu.Lock()
	delete(t.subs, subscription{name: name.Prefix(mask), mask: mask})
	t.mu.Unlock()
	return nil
}

func (t *MemoryTransport) dropSubscriptions() []subscription {
	t.mu.Lock()
	subs := make([]subscription, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	t.subs = make(map[subscription]struct{})
	t.mu.Unlock()

	t.broker.table.RemoveRemote(t.remote)
	return subs
}

// Close detaches the client from the broker.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.subs = nil
	t.mu.Unlock()

	t.broker.disconnect(t)
	return nil
}

// Verify that MemoryTransport implements the transport interfaces at compile time
var (
	_ transport.Transport       = (*MemoryTransport)(nil)
	_ transport.GroupSubscriber = (*MemoryTransport)(nil)
)
