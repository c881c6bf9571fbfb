package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	qtransport "github.com/rmacdonaldsmith/qmsg-go/internal/transport"
	"github.com/rmacdonaldsmith/qmsg-go/pkg/shortname"
	"github.com/rmacdonaldsmith/qmsg-go/pkg/transport"
)

type subKey struct {
	name shortname.ShortName
	mask shortname.Mask
}

// Client is a transport that talks to a relay Server over one gRPC stream.
type Client struct {
	conn      *grpc.ClientConn
	stream    grpc.ClientStream
	cancel    context.CancelFunc
	delegate  transport.Delegate
	sequencer *qtransport.Sequencer

	sendMu sync.Mutex // grpc streams allow one concurrent sender

	mu     sync.Mutex
	subs   map[subKey]struct{}
	closed bool
	done   chan struct{}
}

// Dial connects to the relay at target and opens the relay stream. Extra
// dial options are appended, e.g. a custom dialer in tests.
func Dial(ctx context.Context, target string, delegate transport.Delegate, opts ...grpc.DialOption) (*Client, error) {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(Codec{})),
	}, opts...)

	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", target, err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	stream, err := conn.NewStream(streamCtx, &serviceDesc.Streams[0], connectPath)
	if err != nil {
		cancel()
		_ = conn.Close()
		return nil, fmt.Errorf("open relay stream: %w", err)
	}

	c := &Client{
		conn:      conn,
		stream:    stream,
		cancel:    cancel,
		delegate:  delegate,
		sequencer: qtransport.NewSequencer(),
		subs:      make(map[subKey]struct{}),
		done:      make(chan struct{}),
	}
	go c.receive()
	return c, nil
}

func (c *Client) send(f *Frame) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.stream.SendMsg(f)
}

func (c *Client) receive() {
	defer close(c.done)

	for {
		f := new(Frame)
		err := c.stream.RecvMsg(f)
		if err != nil {
			c.mu.Lock()
			closing := c.closed
			subs := c.subs
			c.subs = make(map[subKey]struct{})
			c.mu.Unlock()

			if closing {
				return
			}
			if !errors.Is(err, io.EOF) && status.Code(err) != codes.Canceled {
				c.delegate.Log(transport.LevelWarn, fmt.Sprintf("relay stream ended: %v", err))
			}
			for key := range subs {
				c.delegate.OnConnectionClosed(key.name)
			}
			return
		}

		switch f.Type {
		case FramePublish:
			c.delegate.OnDataArrived(f.Name, f.Payload, f.GroupID, f.ObjectID)
		case FrameError:
			c.delegate.Log(transport.LevelWarn, fmt.Sprintf("relay rejected %s/%d: %s", f.Name, f.Mask, f.Payload))
		default:
			c.delegate.Log(transport.LevelDebug, fmt.Sprintf("ignoring relay %s frame", f.Type))
		}
	}
}

// Register announces name to the relay and records it as a publisher.
func (c *Client) Register(ctx context.Context, name shortname.ShortName) error {
	if err := c.send(&Frame{Type: FrameRegister, Name: name}); err != nil {
		return transport.NewError("register", name, err)
	}
	c.sequencer.Register(name)
	return nil
}

// Publish sends payload through the relay under a registered name.
func (c *Client) Publish(ctx context.Context, name shortname.ShortName, payload []byte) error {
	groupID, objectID, err := c.sequencer.Next(name)
	if err != nil {
		return transport.NewError("publish", name, err)
	}
	f := &Frame{Type: FramePublish, Name: name, GroupID: groupID, ObjectID: objectID, Payload: payload}
	return transport.NewError("publish", name, c.send(f))
}

// Subscribe asks the relay for exact-name delivery of every name.
func (c *Client) Subscribe(ctx context.Context, names []shortname.ShortName) error {
	for _, name := range names {
		if err := c.subscribe(name, shortname.MaskDevice); err != nil {
			return transport.NewError("subscribe", name, err)
		}
	}
	return nil
}

// Unsubscribe stops exact-name delivery.
func (c *Client) Unsubscribe(ctx context.Context, name shortname.ShortName) error {
	return transport.NewError("unsubscribe", name, c.unsubscribe(name, shortname.MaskDevice))
}

// SubscribeGroup asks the relay for every name sharing name's prefix at mask.
// Masks the relay does not serve are rejected asynchronously and reported
// through the delegate log.
func (c *Client) SubscribeGroup(ctx context.Context, name shortname.ShortName, mask shortname.Mask) error {
	return transport.NewError("subscribe-group", name, c.subscribe(name, mask))
}

// UnsubscribeGroup stops a group subscription.
func (c *Client) UnsubscribeGroup(ctx context.Context, name shortname.ShortName, mask shortname.Mask) error {
	return transport.NewError("unsubscribe-group", name, c.unsubscribe(name, mask))
}

func (c *Client) subscribe(name shortname.ShortName, mask shortname.Mask) error {
	if err := shortname.ValidateMask(mask); err != nil {
		return fmt.Errorf("%w: %w", transport.ErrGroupUnsupported, err)
	}
	prefix := name.Prefix(mask)
	if err := c.send(&Frame{Type: FrameSubscribe, Name: prefix, Mask: mask}); err != nil {
		return err
	}
	c.mu.Lock()
	c.subs[subKey{name: prefix, mask: mask}] = struct{}{}
	c.mu.Unlock()
	return nil
}

func (c *Client) unsubscribe(name shortname.ShortName, mask shortname.Mask) error {
	prefix := name.Prefix(mask)
	if err := c.send(&Frame{Type: FrameUnsubscribe, Name: prefix, Mask: mask}); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.subs, subKey{name: prefix, mask: mask})
	c.mu.Unlock()
	return nil
}

// Close ends the stream and the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.sendMu.Lock()
	_ = c.stream.CloseSend()
	c.sendMu.Unlock()

	c.cancel()
	<-c.done
	return c.conn.Close()
}

// Verify that Client implements the transport interfaces at compile time
var (
	_ transport.Transport       = (*Client)(nil)
	_ transport.GroupSubscriber = (*Client)(nil)
)
