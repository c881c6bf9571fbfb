package discovery

import (
	"context"

	"github.com/libp2p/go-libp2p/core/peer"
)

// Discovery defines the interface for bootstrap peer discovery
type Discovery interface {
	// FindPeers returns the peers a gossip transport should dial at startup
	FindPeers(ctx context.Context) ([]peer.AddrInfo, error)
}
