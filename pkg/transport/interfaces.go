package transport

import (
	"context"
	"io"

	"github.com/rmacdonaldsmith/qmsg-go/pkg/shortname"
)

// LogLevel is the severity of a transport log line.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// Delegate receives inbound notifications from a transport.
type Delegate interface {
	// OnDataArrived is called for every object received on a subscribed name.
	OnDataArrived(name shortname.ShortName, payload []byte, groupID, objectID uint64)

	// OnConnectionClosed signals that delivery for name has stopped.
	OnConnectionClosed(name shortname.ShortName)

	// Log records a transport-level message.
	Log(level LogLevel, message string)
}

// Transport is a publish/subscribe client.
type Transport interface {
	io.Closer

	// Register announces this node as a publisher of name.
	Register(ctx context.Context, name shortname.ShortName) error

	// Publish sends payload under a registered name.
	Publish(ctx context.Context, name shortname.ShortName, payload []byte) error

	// Subscribe starts delivery of every name to the delegate.
	Subscribe(ctx context.Context, names []shortname.ShortName) error

	// Unsubscribe stops delivery of name.
	Unsubscribe(ctx context.Context, name shortname.ShortName) error
}

// GroupSubscriber is implemented by transports that can subscribe to every
// name sharing a prefix.
type GroupSubscriber interface {
	// SubscribeGroup starts delivery of every name whose prefix at mask
	// equals name's prefix.
	SubscribeGroup(ctx context.Context, name shortname.ShortName, mask shortname.Mask) error

	// UnsubscribeGroup stops a group subscription.
	UnsubscribeGroup(ctx context.Context, name shortname.ShortName, mask shortname.Mask) error
}
