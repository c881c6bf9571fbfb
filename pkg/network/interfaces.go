package network

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rmacdonaldsmith/qmsg-go/pkg/shortname"
)

// EventSource tells where a routed event came from and therefore where it
// goes next.
type EventSource int

const (
	// SecProc events come from the local security component and are published.
	SecProc EventSource = iota
	// Network events came from the transport and are delivered locally.
	Network
)

func (s EventSource) String() string {
	switch s {
	case SecProc:
		return "secproc"
	case Network:
		return "network"
	default:
		return fmt.Sprintf("source(%d)", int(s))
	}
}

var (
	// ErrClosed is returned by operations on a closed network
	ErrClosed = errors.New("network closed")
	// ErrUnknownDevice is returned when publishing for a team whose local device is not known yet
	ErrUnknownDevice = errors.New("local device unknown for team")
	// ErrUnknownSource is returned for an EventSource other than SecProc or Network
	ErrUnknownSource = errors.New("unknown event source")
)

// Event is something routed to the local security component.
type Event interface {
	TeamID() uint32
	Kind() shortname.Kind
}

// KeyPackageEvent carries a key package received from the network.
type KeyPackageEvent struct {
	Team       uint32
	KeyPackage []byte
	Hash       []byte
}

func (e KeyPackageEvent) TeamID() uint32       { return e.Team }
func (e KeyPackageEvent) Kind() shortname.Kind { return shortname.KindKeyPackage }

// WelcomeEvent carries a welcome received from the network. Hash is the key
// package hash the welcome answers.
type WelcomeEvent struct {
	Team    uint32
	Welcome []byte
	Hash    []byte
}

func (e WelcomeEvent) TeamID() uint32       { return e.Team }
func (e WelcomeEvent) Kind() shortname.Kind { return shortname.KindWelcome }

// CommitEvent carries a commit received from the network.
type CommitEvent struct {
	Team   uint32
	Commit []byte
}

func (e CommitEvent) TeamID() uint32       { return e.Team }
func (e CommitEvent) Kind() shortname.Kind { return shortname.KindCommit }

// DataEvent carries application ciphertext published by a device.
type DataEvent struct {
	Team     uint32
	Channel  uint32
	Device   uint32
	ObjectID uint64
	Payload  []byte
}

func (e DataEvent) TeamID() uint32       { return e.Team }
func (e DataEvent) Kind() shortname.Kind { return shortname.KindData }

// SecurityProcessor is the local security component. Deliver must not block
// for long; it runs on the network's consumer goroutine.
type SecurityProcessor interface {
	Deliver(ctx context.Context, event Event) error
}

// Node is the public operation surface of a network processor.
type Node interface {
	io.Closer

	// Publish sends payload as a device, registering the device's name on
	// first use.
	Publish(ctx context.Context, team, channel, device uint32, payload []byte) error

	// PublishToChannel publishes as this node's device for the team.
	PublishToChannel(ctx context.Context, team, channel uint32, payload []byte) error

	// SubscribeToDevices subscribes to every device name not already subscribed.
	SubscribeToDevices(ctx context.Context, team, channel uint32, devices []uint32) error

	// UnsubscribeFromDevice drops a device subscription. Unknown names are a no-op.
	UnsubscribeFromDevice(ctx context.Context, team, channel, device uint32) error

	// SubscribeToChannel subscribes to every device of a channel at once.
	SubscribeToChannel(ctx context.Context, team, channel uint32) error

	// UnsubscribeFromChannel drops a channel subscription.
	UnsubscribeFromChannel(ctx context.Context, team, channel uint32) error

	// SubscribeForKeyPackage subscribes to the team's key package name and
	// records the hash the next key package is expected to carry.
	SubscribeForKeyPackage(ctx context.Context, team uint32, hash []byte) error

	// SetKeyPackageHashForWelcome records the key package hash an inbound
	// welcome for team must reference.
	SetKeyPackageHashForWelcome(team uint32, hash []byte)

	// HandleDeviceInfo records the local device for a team and prepares the
	// team's key exchange names.
	HandleDeviceInfo(ctx context.Context, team, device uint32) error

	// HandleKeyPackageEvent routes a key package by source.
	HandleKeyPackageEvent(ctx context.Context, source EventSource, team uint32, keyPackage, hash []byte) error

	// HandleWelcomeEvent routes a welcome by source. hash is the key package
	// hash the welcome answers; for SecProc it may be nil to answer the last
	// key package received for team, or failing that the hash recorded by
	// SubscribeForKeyPackage.
	HandleWelcomeEvent(ctx context.Context, source EventSource, team uint32, welcome, hash []byte) error

	// HandleCommitEvent routes a commit by source.
	HandleCommitEvent(ctx context.Context, source EventSource, team uint32, commit []byte) error

	// Resubscribe reissues the transport subscription for name after a
	// connection-closed signal.
	Resubscribe(ctx context.Context, name shortname.ShortName) error

	// Status returns a snapshot of the registration state.
	Status() Status
}

// ChannelSubscription identifies a channel-wide subscription.
type ChannelSubscription struct {
	Team    uint32 `json:"team"`
	Channel uint32 `json:"channel"`
}

// Status is a point-in-time view of a Node for diagnostics.
type Status struct {
	NodeID string `json:"node_id"`

	// Registered lists names with a publisher registration
	Registered []shortname.ShortName `json:"registered"`

	// Subscribed lists exact-name subscriptions
	Subscribed []shortname.ShortName `json:"subscribed"`

	// Channels lists channel-wide subscriptions
	Channels []ChannelSubscription `json:"channels"`

	// Devices maps team to this node's device in it
	Devices map[uint32]uint32 `json:"devices"`

	// ExpectedKeyPackages maps team to the hex hash set by SubscribeForKeyPackage
	ExpectedKeyPackages map[uint32]string `json:"expected_key_packages"`

	// PendingWelcomes maps team to the hex hash set by SetKeyPackageHashForWelcome
	PendingWelcomes map[uint32]string `json:"pending_welcomes"`

	// ReceivedKeyPackages maps team to the hex hash of the last key package
	// received and not yet answered by a welcome
	ReceivedKeyPackages map[uint32]string `json:"received_key_packages"`

	// QueueDepth is the number of inbound messages not yet routed
	QueueDepth int `json:"queue_depth"`
}
