package network

import (
	"context"
	"fmt"

	"github.com/rmacdonaldsmith/qmsg-go/internal/codec"
	pkgnetwork "github.com/rmacdonaldsmith/qmsg-go/pkg/network"
	"github.com/rmacdonaldsmith/qmsg-go/pkg/shortname"
	"github.com/rmacdonaldsmith/qmsg-go/pkg/transport"
)

// Run consumes the arrival queue until ctx is cancelled, routing every
// inbound message to the security processor. Connection-closed signals are
// logged and, with ResubscribeOnClose, answered with Resubscribe.
func (m *Manager) Run(ctx context.Context) error {
	log.Infow("network manager running", "node", m.config.NodeID)

	// Messages may have arrived before Run started.
	m.drain(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.queue.Ready():
			m.drain(ctx)
		case name := <-m.queue.ConnectionClosed():
			m.handleConnectionClosed(ctx, name)
		}
	}
}

// drain routes every queued message, oldest first per name.
func (m *Manager) drain(ctx context.Context) {
	for _, name := range m.queue.Names() {
		if !m.reg.wants(name) {
			if n := m.queue.Discard(name); n > 0 {
				log.Debugw("discarded messages for unsubscribed name", "name", name, "count", n)
			}
			continue
		}
		for {
			msg, ok := m.queue.Drain(name)
			if !ok {
				break
			}
			if err := m.route(ctx, msg); err != nil {
				log.Warnw("failed to route inbound message", "name", msg.Name, "object", msg.ObjectID, "err", err)
			}
		}
	}
}

func (m *Manager) route(ctx context.Context, msg transport.Message) error {
	f := shortname.Decode(msg.Name)
	if f.Namespace != m.namer.Namespace() {
		return fmt.Errorf("name %s outside namespace %08x", msg.Name, m.namer.Namespace())
	}

	switch f.Kind {
	case shortname.KindData:
		return m.deliver(ctx, pkgnetwork.DataEvent{
			Team:     f.Team,
			Channel:  f.Channel,
			Device:   f.Device,
			ObjectID: msg.ObjectID,
			Payload:  msg.Payload,
		})
	case shortname.KindKeyPackage:
		hash, body, err := codec.DecodeHashed(msg.Payload)
		if err != nil {
			return err
		}
		return m.HandleKeyPackageEvent(ctx, pkgnetwork.Network, f.Team, body, hash)
	case shortname.KindWelcome:
		hash, body, err := codec.DecodeHashed(msg.Payload)
		if err != nil {
			return err
		}
		return m.HandleWelcomeEvent(ctx, pkgnetwork.Network, f.Team, body, hash)
	case shortname.KindCommit:
		return m.HandleCommitEvent(ctx, pkgnetwork.Network, f.Team, msg.Payload)
	default:
		return fmt.Errorf("unroutable kind %s", f.Kind)
	}
}

func (m *Manager) handleConnectionClosed(ctx context.Context, name shortname.ShortName) {
	if !m.config.ResubscribeOnClose {
		log.Warnw("transport connection closed", "name", name)
		return
	}
	if err := m.Resubscribe(ctx, name); err != nil {
		log.Warnw("resubscribe failed", "name", name, "err", err)
		return
	}
	log.Infow("resubscribed after connection closed", "name", name)
}
