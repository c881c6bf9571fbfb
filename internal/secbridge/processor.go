// Package secbridge connects a network manager to a security process over a
// pair of byte streams carrying codec frames.
package secbridge

import (
	"context"
	"errors"
	"fmt"
	"io"

	logging "github.com/ipfs/go-log/v2"

	"github.com/rmacdonaldsmith/qmsg-go/internal/codec"
	pkgnetwork "github.com/rmacdonaldsmith/qmsg-go/pkg/network"
)

var log = logging.Logger("qmsg/secbridge")

// ErrUnsupportedEvent is returned for events with no frame representation
var ErrUnsupportedEvent = errors.New("unsupported event")

// Processor implements network.SecurityProcessor by writing frames to the
// security process.
type Processor struct {
	w *codec.FrameWriter
}

// NewProcessor writes frames to w.
func NewProcessor(w io.Writer) *Processor {
	return &Processor{w: codec.NewFrameWriter(w)}
}

// Deliver encodes event and writes it as one frame.
func (p *Processor) Deliver(ctx context.Context, event pkgnetwork.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var m codec.Message
	switch e := event.(type) {
	case pkgnetwork.KeyPackageEvent:
		m = &codec.JoinRequest{Team: e.Team, KeyPackage: e.KeyPackage}
	case pkgnetwork.WelcomeEvent:
		m = &codec.Welcome{Team: e.Team, Welcome: e.Welcome}
	case pkgnetwork.CommitEvent:
		m = &codec.Commit{Team: e.Team, Commit: e.Commit}
	case pkgnetwork.DataEvent:
		m = &codec.EncryptedMessage{Team: e.Team, Channel: e.Channel, Ciphertext: e.Payload}
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedEvent, event)
	}

	if err := p.w.WriteMessage(m); err != nil {
		return fmt.Errorf("write %s frame: %w", event.Kind(), err)
	}
	return nil
}

// Verify that Processor implements the SecurityProcessor interface at compile time
var _ pkgnetwork.SecurityProcessor = (*Processor)(nil)
