package secbridge

import (
	"context"
	"errors"
	"fmt"
	"io"

	sha256 "github.com/minio/sha256-simd"
	"go.uber.org/multierr"

	"github.com/rmacdonaldsmith/qmsg-go/internal/codec"
	pkgnetwork "github.com/rmacdonaldsmith/qmsg-go/pkg/network"
)

// KeyPackageHash is the hash a key package is published and correlated under.
func KeyPackageHash(keyPackage []byte) []byte {
	sum := sha256.Sum256(keyPackage)
	return sum[:]
}

// Server reads requests from the security process and applies them to a
// network.
type Server struct {
	network      pkgnetwork.Node
	maxFrameSize int
}

// NewServer creates a Server. maxFrameSize <= 0 selects codec.DefaultMaxFrameSize.
func NewServer(n pkgnetwork.Node, maxFrameSize int) *Server {
	return &Server{network: n, maxFrameSize: maxFrameSize}
}

// Serve handles frames from r until it reaches EOF or ctx is cancelled.
// If r is an io.Closer it is closed on cancellation to unblock the read.
// Frames that fail to decode, and requests the network rejects, are logged
// and skipped.
func (s *Server) Serve(ctx context.Context, r io.Reader) error {
	if c, ok := r.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() { _ = c.Close() })
		defer stop()
	}

	fr := codec.NewFrameReader(r, s.maxFrameSize)
	for {
		frame, err := fr.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}

		m, err := codec.Unmarshal(frame, codec.SecurityToNetwork)
		if err != nil {
			log.Warnw("dropping undecodable frame", "size", len(frame), "err", err)
			continue
		}
		if err := s.Handle(ctx, m); err != nil {
			log.Warnw("request failed", "type", m.Type(), "err", err)
		}
	}
}

// Handle applies one request from the security process.
func (s *Server) Handle(ctx context.Context, m codec.Message) error {
	n := s.network
	switch req := m.(type) {
	case *codec.JoinRequest:
		hash := KeyPackageHash(req.KeyPackage)
		n.SetKeyPackageHashForWelcome(req.Team, hash)
		return n.HandleKeyPackageEvent(ctx, pkgnetwork.SecProc, req.Team, req.KeyPackage, hash)
	case *codec.Welcome:
		return n.HandleWelcomeEvent(ctx, pkgnetwork.SecProc, req.Team, req.Welcome, nil)
	case *codec.Commit:
		return n.HandleCommitEvent(ctx, pkgnetwork.SecProc, req.Team, req.Commit)
	case *codec.EncryptedMessage:
		return n.PublishToChannel(ctx, req.Team, req.Channel, req.Ciphertext)
	case *codec.WatchDevices:
		return n.SubscribeToDevices(ctx, req.Team, req.Channel, widen(req.Devices))
	case *codec.UnwatchDevices:
		var errs error
		for _, device := range req.Devices {
			errs = multierr.Append(errs, n.UnsubscribeFromDevice(ctx, req.Team, req.Channel, uint32(device)))
		}
		return errs
	case *codec.WatchChannel:
		return n.SubscribeToChannel(ctx, req.Team, req.Channel)
	case *codec.UnwatchChannel:
		return n.UnsubscribeFromChannel(ctx, req.Team, req.Channel)
	case *codec.DeviceInfo:
		return n.HandleDeviceInfo(ctx, req.Team, uint32(req.Device))
	default:
		return fmt.Errorf("unexpected %T from security process", m)
	}
}

func widen(devices []uint16) []uint32 {
	out := make([]uint32, len(devices))
	for i, d := range devices {
		out[i] = uint32(d)
	}
	return out
}
