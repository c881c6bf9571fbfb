package discovery

import (
	"context"
	"fmt"
	"strings"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/multierr"
)

// StaticDiscovery implements Discovery using a fixed list of /p2p multiaddrs
type StaticDiscovery struct {
	seedNodes []string
}

// NewStaticDiscovery creates a new static discovery service with the given seed nodes
func NewStaticDiscovery(seedNodes []string) *StaticDiscovery {
	return &StaticDiscovery{
		seedNodes: seedNodes,
	}
}

// FindPeers parses every seed address. Addresses for the same peer are merged.
// Unparseable entries are reported in the returned error while the valid ones
// are still returned.
func (s *StaticDiscovery) FindPeers(ctx context.Context) ([]peer.AddrInfo, error) {
	var errs error
	var addrs []ma.Multiaddr

	for _, raw := range s.seedNodes {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		addr, err := ma.NewMultiaddr(raw)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("seed %q: %w", raw, err))
			continue
		}
		if _, err := peer.AddrInfoFromP2pAddr(addr); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("seed %q: %w", raw, err))
			continue
		}
		addrs = append(addrs, addr)
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	infos, err := peer.AddrInfosFromP2pAddrs(addrs...)
	if err != nil {
		errs = multierr.Append(errs, err)
	}
	return infos, errs
}

// Verify that StaticDiscovery implements the Discovery interface at compile time
var _ Discovery = (*StaticDiscovery)(nil)
