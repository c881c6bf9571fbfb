package network

import (
	"bytes"
	"encoding/hex"
	"maps"
	"slices"
	"sync"

	pkgnetwork "github.com/rmacdonaldsmith/qmsg-go/pkg/network"
	"github.com/rmacdonaldsmith/qmsg-go/pkg/shortname"
)

// registry holds the manager's registration and subscription state. It is
// read concurrently by the status path.
type registry struct {
	mu sync.RWMutex

	registered map[shortname.ShortName]struct{}
	subscribed map[shortname.ShortName]struct{}
	channels   map[pkgnetwork.ChannelSubscription]struct{}
	devices    map[uint32]uint32

	// expected key package hash per team, from SubscribeForKeyPackage
	keyPackageHashes map[uint32][]byte
	// key package hash an inbound welcome must reference, per team
	welcomeHashes map[uint32][]byte
	// hash of the last key package received from the network, per team
	receivedKeyPackages map[uint32][]byte
}

func newRegistry() *registry {
	return &registry{
		registered:       make(map[shortname.ShortName]struct{}),
		subscribed:       make(map[shortname.ShortName]struct{}),
		channels:         make(map[pkgnetwork.ChannelSubscription]struct{}),
		devices:          make(map[uint32]uint32),
		keyPackageHashes: make(map[uint32][]byte),
		welcomeHashes:    make(map[uint32][]byte),

		receivedKeyPackages: make(map[uint32][]byte),
	}
}

func (r *registry) isRegistered(name shortname.ShortName) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.registered[name]
	return ok
}

func (r *registry) markRegistered(name shortname.ShortName) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered[name] = struct{}{}
}

func (r *registry) isSubscribed(name shortname.ShortName) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.subscribed[name]
	return ok
}

func (r *registry) setSubscribed(name shortname.ShortName, on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if on {
		r.subscribed[name] = struct{}{}
	} else {
		delete(r.subscribed, name)
	}
}

func (r *registry) hasChannel(c pkgnetwork.ChannelSubscription) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.channels[c]
	return ok
}

func (r *registry) setChannel(c pkgnetwork.ChannelSubscription, on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if on {
		r.channels[c] = struct{}{}
	} else {
		delete(r.channels, c)
	}
}

// wants reports whether inbound data on name was asked for, either exactly
// or through a channel subscription.
func (r *registry) wants(name shortname.ShortName) bool {
	f := shortname.Decode(name)

	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.subscribed[name]; ok {
		return true
	}
	_, ok := r.channels[pkgnetwork.ChannelSubscription{Team: f.Team, Channel: f.Channel}]
	return ok && f.Kind == shortname.KindData
}

func (r *registry) setDevice(team, device uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[team] = device
}

func (r *registry) device(team uint32) (uint32, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[team]
	return d, ok
}

func (r *registry) setKeyPackageHash(team uint32, hash []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keyPackageHashes[team] = slices.Clone(hash)
}

func (r *registry) keyPackageHash(team uint32) ([]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.keyPackageHashes[team]
	return slices.Clone(h), ok
}

func (r *registry) setReceivedKeyPackage(team uint32, hash []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.receivedKeyPackages[team] = slices.Clone(hash)
}

// takeWelcomeTarget returns the key package hash an outbound welcome for team
// answers: the last key package received from the network, consumed, or
// else the hash set by SubscribeForKeyPackage.
func (r *registry) takeWelcomeTarget(team uint32) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.receivedKeyPackages[team]; ok {
		delete(r.receivedKeyPackages, team)
		return h
	}
	return slices.Clone(r.keyPackageHashes[team])
}

func (r *registry) setWelcomeHash(team uint32, hash []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.welcomeHashes[team] = slices.Clone(hash)
}

// welcomeDecision is the outcome of matching an inbound welcome.
type welcomeDecision int

const (
	welcomeUnsolicited welcomeDecision = iota
	welcomeMatched
	welcomeMismatched
)

// takeWelcome matches an inbound welcome hash against the pending entry for
// team. A match consumes the entry.
func (r *registry) takeWelcome(team uint32, hash []byte) welcomeDecision {
	r.mu.Lock()
	defer r.mu.Unlock()

	pending, ok := r.welcomeHashes[team]
	if !ok {
		return welcomeUnsolicited
	}
	if !bytes.Equal(pending, hash) {
		return welcomeMismatched
	}
	delete(r.welcomeHashes, team)
	return welcomeMatched
}

func hexMap(in map[uint32][]byte) map[uint32]string {
	out := make(map[uint32]string, len(in))
	for k, v := range in {
		out[k] = hex.EncodeToString(v)
	}
	return out
}

func sortedNames(set map[shortname.ShortName]struct{}) []shortname.ShortName {
	return slices.SortedFunc(maps.Keys(set), shortname.ShortName.Compare)
}

func (r *registry) status() pkgnetwork.Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	channels := slices.SortedFunc(maps.Keys(r.channels), func(a, b pkgnetwork.ChannelSubscription) int {
		if a.Team != b.Team {
			if a.Team < b.Team {
				return -1
			}
			return 1
		}
		switch {
		case a.Channel < b.Channel:
			return -1
		case a.Channel > b.Channel:
			return 1
		}
		return 0
	})

	return pkgnetwork.Status{
		Registered:          sortedNames(r.registered),
		Subscribed:          sortedNames(r.subscribed),
		Channels:            channels,
		Devices:             maps.Clone(r.devices),
		ExpectedKeyPackages: hexMap(r.keyPackageHashes),
		PendingWelcomes:     hexMap(r.welcomeHashes),
		ReceivedKeyPackages: hexMap(r.receivedKeyPackages),
	}
}
