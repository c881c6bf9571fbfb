package transport

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	mdns "github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/multierr"

	"github.com/rmacdonaldsmith/qmsg-go/internal/discovery"
	"github.com/rmacdonaldsmith/qmsg-go/pkg/shortname"
	"github.com/rmacdonaldsmith/qmsg-go/pkg/transport"
)

// TopicPrefix prefixes every gossipsub topic.
const TopicPrefix = "/qmsg/1/"

// GossipTopic returns the gossipsub topic carrying name.
func GossipTopic(name shortname.ShortName) string {
	return TopicPrefix + name.String()
}

// GossipOptions configures the libp2p transport.
type GossipOptions struct {
	ListenAddrs     []string
	Rendezvous      string
	EnableMDNS      bool
	IdentityKeyFile string

	// Bootstrap supplies peers to dial at startup. May be nil.
	Bootstrap discovery.Discovery
}

type gossipSub struct {
	sub    *pubsub.Subscription
	cancel context.CancelFunc
}

// GossipTransport carries names over libp2p gossipsub, one topic per name.
// Gossipsub has no prefix subscriptions, so it does not implement
// transport.GroupSubscriber.
type GossipTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	host      host.Host
	ps        *pubsub.PubSub
	delegate  transport.Delegate
	sequencer *Sequencer

	mu     sync.Mutex
	topics map[shortname.ShortName]*pubsub.Topic
	subs   map[shortname.ShortName]*gossipSub
	wg     sync.WaitGroup
}

// NewGossipTransport starts a libp2p host with gossipsub and dials the
// bootstrap peers.
func NewGossipTransport(parent context.Context, opts GossipOptions, delegate transport.Delegate) (*GossipTransport, error) {
	ctx, cancel := context.WithCancel(parent)

	listenAddrs := make([]ma.Multiaddr, 0, len(opts.ListenAddrs))
	for _, s := range opts.ListenAddrs {
		if s == "" {
			continue
		}
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("invalid listen multiaddr %q: %w", s, err)
		}
		listenAddrs = append(listenAddrs, a)
	}
	if len(listenAddrs) == 0 {
		a, _ := ma.NewMultiaddr("/ip4/0.0.0.0/tcp/0")
		listenAddrs = append(listenAddrs, a)
	}

	libp2pOpts := []libp2p.Option{libp2p.ListenAddrs(listenAddrs...)}
	if opts.IdentityKeyFile != "" {
		key, err := loadOrCreateIdentityKey(opts.IdentityKeyFile)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("load identity key: %w", err)
		}
		libp2pOpts = append(libp2pOpts, libp2p.Identity(key))
	}

	h, err := libp2p.New(libp2pOpts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		cancel()
		return nil, fmt.Errorf("create gossipsub: %w", err)
	}

	t := &GossipTransport{
		ctx:       ctx,
		cancel:    cancel,
		host:      h,
		ps:        ps,
		delegate:  delegate,
		sequencer: NewSequencer(),
		topics:    make(map[shortname.ShortName]*pubsub.Topic),
		subs:      make(map[shortname.ShortName]*gossipSub),
	}

	if opts.EnableMDNS {
		service := mdns.NewMdnsService(h, opts.Rendezvous, &mdnsNotifee{host: h})
		if err := service.Start(); err != nil {
			log.Warnf("mdns start error: %v", err)
		}
	}

	if opts.Bootstrap != nil {
		t.bootstrap(opts.Bootstrap)
	}

	log.Infow("gossip transport started", "peer", h.ID(), "addrs", h.Addrs())
	return t, nil
}

func (t *GossipTransport) bootstrap(d discovery.Discovery) {
	peers, err := d.FindPeers(t.ctx)
	if err != nil {
		log.Warnf("bootstrap discovery: %v", err)
	}
	for _, info := range peers {
		if err := t.host.Connect(t.ctx, info); err != nil {
			log.Warnf("bootstrap connect failed %s: %v", info.ID, err)
			continue
		}
		log.Infof("connected bootstrap peer %s", info.ID)
	}
}

// PeerID returns the host's peer id.
func (t *GossipTransport) PeerID() peer.ID {
	return t.host.ID()
}

// ListenAddrs returns the host's dialable addresses with the /p2p suffix.
func (t *GossipTransport) ListenAddrs() []string {
	out := make([]string, 0, len(t.host.Addrs()))
	for _, addr := range t.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", addr.String(), t.host.ID().String()))
	}
	return out
}

// ConnectedPeers returns the ids of connected peers.
func (t *GossipTransport) ConnectedPeers() []string {
	peers := t.host.Network().Peers()
	out := make([]string, 0, len(peers))
	for _, pid := range peers {
		out = append(out, pid.String())
	}
	return out
}

// Register joins the topic for name and records it as a publisher.
func (t *GossipTransport) Register(ctx context.Context, name shortname.ShortName) error {
	if _, err := t.topic(name); err != nil {
		return transport.NewError("register", name, err)
	}
	t.sequencer.Register(name)
	return nil
}

// Publish sends payload on the topic for a registered name.
func (t *GossipTransport) Publish(ctx context.Context, name shortname.ShortName, payload []byte) error {
	groupID, objectID, err := t.sequencer.Next(name)
	if err != nil {
		return transport.NewError("publish", name, err)
	}
	topic, err := t.topic(name)
	if err != nil {
		return transport.NewError("publish", name, err)
	}

	data := MarshalEnvelope(Envelope{Name: name, GroupID: groupID, ObjectID: objectID, Payload: payload})
	return transport.NewError("publish", name, topic.Publish(ctx, data))
}

// Subscribe starts a reader for every name not already subscribed.
func (t *GossipTransport) Subscribe(ctx context.Context, names []shortname.ShortName) error {
	for _, name := range names {
		if err := t.subscribe(name); err != nil {
			return transport.NewError("subscribe", name, err)
		}
	}
	return nil
}

func (t *GossipTransport) subscribe(name shortname.ShortName) error {
	topic, err := t.topic(name)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.subs[name]; ok {
		return nil
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return err
	}
	subCtx, cancel := context.WithCancel(t.ctx)
	t.subs[name] = &gossipSub{sub: sub, cancel: cancel}

	t.wg.Add(1)
	go t.read(subCtx, name, sub)
	return nil
}

func (t *GossipTransport) read(ctx context.Context, name shortname.ShortName, sub *pubsub.Subscription) {
	defer t.wg.Done()

	self := t.host.ID()
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				t.delegate.Log(transport.LevelWarn, fmt.Sprintf("gossip subscription %s ended: %v", name, err))
				t.delegate.OnConnectionClosed(name)
			}
			return
		}
		if msg.ReceivedFrom == self {
			continue
		}

		env, err := UnmarshalEnvelope(msg.Data)
		if err != nil {
			t.delegate.Log(transport.LevelWarn, fmt.Sprintf("dropping object on %s from %s: %v", name, msg.ReceivedFrom, err))
			continue
		}
		if env.Name != name {
			t.delegate.Log(transport.LevelWarn, fmt.Sprintf("dropping object for %s received on %s", env.Name, name))
			continue
		}
		t.delegate.OnDataArrived(name, env.Payload, env.GroupID, env.ObjectID)
	}
}

// Unsubscribe stops the reader for name.
func (t *GossipTransport) Unsubscribe(ctx context.Context, name shortname.ShortName) error {
	t.mu.Lock()
	s, ok := t.subs[name]
	delete(t.subs, name)
	t.mu.Unlock()

	if ok {
		s.cancel()
		s.sub.Cancel()
	}
	return nil
}

// Close cancels every subscription, leaves every topic and stops the host.
func (t *GossipTransport) Close() error {
	t.cancel()

	t.mu.Lock()
	for name, s := range t.subs {
		s.sub.Cancel()
		delete(t.subs, name)
	}
	var errs error
	for _, topic := range t.topics {
		errs = multierr.Append(errs, topic.Close())
	}
	t.mu.Unlock()

	t.wg.Wait()
	return multierr.Append(errs, t.host.Close())
}

func (t *GossipTransport) topic(name shortname.ShortName) (*pubsub.Topic, error) {
	if t.ctx.Err() != nil {
		return nil, transport.ErrClosed
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if topic, ok := t.topics[name]; ok {
		return topic, nil
	}
	topic, err := t.ps.Join(GossipTopic(name))
	if err != nil {
		return nil, err
	}
	t.topics[name] = topic
	return topic, nil
}

type mdnsNotifee struct {
	host host.Host
}

func (n *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.host.ID() {
		return
	}
	if err := n.host.Connect(context.Background(), info); err != nil {
		log.Debugf("mdns connect failed %s: %v", info.ID, err)
	}
}

func loadOrCreateIdentityKey(path string) (crypto.PrivKey, error) {
	b, err := os.ReadFile(path)
	if err == nil && len(b) > 0 {
		key, err := crypto.UnmarshalPrivateKey(b)
		if err != nil {
			return nil, fmt.Errorf("unmarshal private key: %w", err)
		}
		return key, nil
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir key dir: %w", err)
	}
	key, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	raw, err := crypto.MarshalPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, fmt.Errorf("write private key: %w", err)
	}
	return key, nil
}

// Verify that GossipTransport implements the Transport interface at compile time
var _ transport.Transport = (*GossipTransport)(nil)
