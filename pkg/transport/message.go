package transport

import (
	"errors"
	"fmt"
	"time"

	"github.com/rmacdonaldsmith/qmsg-go/pkg/shortname"
)

// Message is one inbound object.
type Message struct {
	Name       shortname.ShortName
	GroupID    uint64
	ObjectID   uint64
	Payload    []byte
	ReceivedAt time.Time
}

// NewMessage creates a Message. The payload is copied so the transport may
// reuse its buffer after the callback returns.
func NewMessage(name shortname.ShortName, payload []byte, groupID, objectID uint64) Message {
	payloadCopy := make([]byte, len(payload))
	copy(payloadCopy, payload)

	return Message{
		Name:       name,
		GroupID:    groupID,
		ObjectID:   objectID,
		Payload:    payloadCopy,
		ReceivedAt: time.Now().UTC(),
	}
}

var (
	// ErrClosed is returned by operations on a closed transport
	ErrClosed = errors.New("transport closed")
	// ErrNotRegistered is returned when publishing a name that was never registered
	ErrNotRegistered = errors.New("publisher not registered")
	// ErrGroupUnsupported is returned when a transport cannot subscribe to a prefix
	ErrGroupUnsupported = errors.New("group subscriptions not supported")
)

// Error wraps a failure reported by a transport client.
type Error struct {
	Op   string
	Name shortname.ShortName
	Err  error
}

// NewError wraps err unless it is nil.
func NewError(op string, name shortname.ShortName, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Name: name, Err: err}
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.Name, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
