package transport

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/multierr"

	"github.com/rmacdonaldsmith/qmsg-go/pkg/shortname"
	"github.com/rmacdonaldsmith/qmsg-go/pkg/transport"
)

// SubjectRoot is the first token of every qmsg subject.
const SubjectRoot = "qmsg"

// NATSOptions configures the NATS transport.
type NATSOptions struct {
	URL           string
	ClientName    string
	MaxReconnects int
	ReconnectWait time.Duration
	Token         string
}

// Subject maps a name onto a NATS subject with one hex token per field:
// qmsg.<namespace>.<team>.<kind>.<channel>.<device>.
func Subject(name shortname.ShortName) string {
	f := shortname.Decode(name)
	return fmt.Sprintf("%s.%08x.%08x.%04x.%08x.%04x", SubjectRoot, f.Namespace, f.Team, uint16(f.Kind), f.Channel, f.Device)
}

// GroupSubject maps a prefix subscription onto a wildcard subject. Only
// masks that fall on field boundaries can be expressed.
func GroupSubject(name shortname.ShortName, mask shortname.Mask) (string, error) {
	tokens := strings.Split(Subject(name), ".")
	var wild int
	switch mask {
	case shortname.MaskDevice:
		wild = 0
	case shortname.MaskChannel:
		wild = 1
	case shortname.MaskTeam:
		wild = 2
	case shortname.MaskKind:
		wild = 3
	default:
		return "", fmt.Errorf("%w: mask %d", transport.ErrGroupUnsupported, mask)
	}
	for i := len(tokens) - wild; i < len(tokens); i++ {
		tokens[i] = "*"
	}
	return strings.Join(tokens, "."), nil
}

// ParseSubject is the inverse of Subject.
func ParseSubject(subject string) (shortname.ShortName, error) {
	tokens := strings.Split(subject, ".")
	if len(tokens) != 6 || tokens[0] != SubjectRoot {
		return shortname.ShortName{}, fmt.Errorf("%w: subject %q", shortname.ErrInvalidName, subject)
	}

	widths := []int{32, 32, 16, 32, 16}
	values := make([]uint64, len(widths))
	for i, w := range widths {
		v, err := strconv.ParseUint(tokens[i+1], 16, w)
		if err != nil {
			return shortname.ShortName{}, fmt.Errorf("%w: subject %q: %v", shortname.ErrInvalidName, subject, err)
		}
		values[i] = v
	}

	return shortname.NewNamer(uint32(values[0])).Encode(shortname.Fields{
		Team:    uint32(values[1]),
		Kind:    shortname.Kind(values[2]),
		Channel: uint32(values[3]),
		Device:  uint32(values[4]),
	})
}

type natsKey struct {
	name shortname.ShortName
	mask shortname.Mask
}

// NATSTransport carries names as NATS subjects. Group subscriptions map onto
// subject wildcards.
type NATSTransport struct {
	conn      *nats.Conn
	delegate  transport.Delegate
	sequencer *Sequencer

	mu   sync.Mutex
	subs map[natsKey]*nats.Subscription
}

// DialNATS connects to a NATS server. When the connection is closed for good
// the delegate is told for every subscribed name.
func DialNATS(opts NATSOptions, delegate transport.Delegate) (*NATSTransport, error) {
	t := &NATSTransport{
		delegate:  delegate,
		sequencer: NewSequencer(),
		subs:      make(map[natsKey]*nats.Subscription),
	}

	natsOpts := []nats.Option{
		// Publishers must not receive their own objects.
		nats.NoEcho(),
		nats.MaxReconnects(opts.MaxReconnects),
		nats.DisconnectErrHandler(t.handleDisconnect),
		nats.ReconnectHandler(t.handleReconnect),
		nats.ClosedHandler(t.handleClosed),
		nats.ErrorHandler(t.handleError),
	}
	if opts.ReconnectWait > 0 {
		natsOpts = append(natsOpts, nats.ReconnectWait(opts.ReconnectWait))
	}
	if opts.ClientName != "" {
		natsOpts = append(natsOpts, nats.Name(opts.ClientName))
	}
	if opts.Token != "" {
		natsOpts = append(natsOpts, nats.Token(opts.Token))
	}

	url := opts.URL
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	t.conn = conn

	log.Infow("nats transport connected", "url", conn.ConnectedUrl())
	return t, nil
}

// Register records name as a publisher. NATS needs no announcement.
func (t *NATSTransport) Register(ctx context.Context, name shortname.ShortName) error {
	if t.conn.IsClosed() {
		return transport.NewError("register", name, transport.ErrClosed)
	}
	t.sequencer.Register(name)
	return nil
}

// Publish sends payload on the name's subject.
func (t *NATSTransport) Publish(ctx context.Context, name shortname.ShortName, payload []byte) error {
	groupID, objectID, err := t.sequencer.Next(name)
	if err != nil {
		return transport.NewError("publish", name, err)
	}
	data := MarshalEnvelope(Envelope{Name: name, GroupID: groupID, ObjectID: objectID, Payload: payload})
	return transport.NewError("publish", name, t.conn.Publish(Subject(name), data))
}

// Subscribe subscribes to the exact subject of every name.
func (t *NATSTransport) Subscribe(ctx context.Context, names []shortname.ShortName) error {
	for _, name := range names {
		if err := t.subscribe(name, shortname.MaskDevice); err != nil {
			return transport.NewError("subscribe", name, err)
		}
	}
	return nil
}

// Unsubscribe drops the exact subscription for name.
func (t *NATSTransport) Unsubscribe(ctx context.Context, name shortname.ShortName) error {
	return transport.NewError("unsubscribe", name, t.unsubscribe(name, shortname.MaskDevice))
}

// SubscribeGroup subscribes to the wildcard subject for name's prefix.
func (t *NATSTransport) SubscribeGroup(ctx context.Context, name shortname.ShortName, mask shortname.Mask) error {
	return transport.NewError("subscribe-group", name, t.subscribe(name, mask))
}

// UnsubscribeGroup drops a wildcard subscription.
func (t *NATSTransport) UnsubscribeGroup(ctx context.Context, name shortname.ShortName, mask shortname.Mask) error {
	return transport.NewError("unsubscribe-group", name, t.unsubscribe(name, mask))
}

func (t *NATSTransport) subscribe(name shortname.ShortName, mask shortname.Mask) error {
	subject, err := GroupSubject(name, mask)
	if err != nil {
		return err
	}
	key := natsKey{name: name.Prefix(mask), mask: mask}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.subs[key]; ok {
		return nil
	}
	sub, err := t.conn.Subscribe(subject, t.handleMsg)
	if err != nil {
		return err
	}
	t.subs[key] = sub
	return nil
}

func (t *NATSTransport) unsubscribe(name shortname.ShortName, mask shortname.Mask) error {
	key := natsKey{name: name.Prefix(mask), mask: mask}

	t.mu.Lock()
	sub, ok := t.subs[key]
	delete(t.subs, key)
	t.mu.Unlock()

	if !ok {
		return nil
	}
	return sub.Unsubscribe()
}

func (t *NATSTransport) handleMsg(msg *nats.Msg) {
	name, err := ParseSubject(msg.Subject)
	if err != nil {
		t.delegate.Log(transport.LevelWarn, err.Error())
		return
	}
	env, err := UnmarshalEnvelope(msg.Data)
	if err != nil {
		t.delegate.Log(transport.LevelWarn, fmt.Sprintf("dropping object on %s: %v", name, err))
		return
	}
	t.delegate.OnDataArrived(name, env.Payload, env.GroupID, env.ObjectID)
}

func (t *NATSTransport) handleDisconnect(_ *nats.Conn, err error) {
	t.delegate.Log(transport.LevelWarn, fmt.Sprintf("nats disconnected: %v", err))
}

func (t *NATSTransport) handleReconnect(conn *nats.Conn) {
	t.delegate.Log(transport.LevelInfo, "nats reconnected to "+conn.ConnectedUrl())
}

func (t *NATSTransport) handleClosed(_ *nats.Conn) {
	t.mu.Lock()
	keys := make([]natsKey, 0, len(t.subs))
	for key := range t.subs {
		keys = append(keys, key)
	}
	t.subs = make(map[natsKey]*nats.Subscription)
	t.mu.Unlock()

	for _, key := range keys {
		t.delegate.OnConnectionClosed(key.name)
	}
}

func (t *NATSTransport) handleError(_ *nats.Conn, sub *nats.Subscription, err error) {
	subject := ""
	if sub != nil {
		subject = sub.Subject
	}
	t.delegate.Log(transport.LevelError, fmt.Sprintf("nats error on %q: %v", subject, err))
}

// Close drains every subscription and closes the connection.
func (t *NATSTransport) Close() error {
	t.mu.Lock()
	var errs error
	for key, sub := range t.subs {
		errs = multierr.Append(errs, sub.Unsubscribe())
		delete(t.subs, key)
	}
	t.mu.Unlock()

	t.conn.Close()
	return errs
}

// Verify that NATSTransport implements the transport interfaces at compile time
var (
	_ transport.Transport       = (*NATSTransport)(nil)
	_ transport.GroupSubscriber = (*NATSTransport)(nil)
)
