package routingtable

import (
	"slices"
	"sync"

	"github.com/rmacdonaldsmith/qmsg-go/pkg/routingtable"
	"github.com/rmacdonaldsmith/qmsg-go/pkg/shortname"
)

// DefaultMasks is the single channel-group granularity.
var DefaultMasks = []shortname.Mask{shortname.MaskChannel}

// Config configures an InMemoryTable.
type Config struct {
	// Masks are the supported levels. Defaults to DefaultMasks.
	Masks []shortname.Mask

	// Policy selects how Find combines levels.
	Policy routingtable.MatchPolicy

	// Lock serializes every operation. Callers that already own a lock
	// covering the table pass it here; nil gets a private mutex.
	Lock sync.Locker
}

type remoteSet map[routingtable.Remote]struct{}

type level struct {
	mask     shortname.Mask
	prefixes map[shortname.ShortName]remoteSet
}

// InMemoryTable implements routingtable.Table with one map per mask level.
type InMemoryTable struct {
	lock   sync.Locker
	policy routingtable.MatchPolicy
	levels []*level // ordered finest (smallest mask) first
}

// NewInMemoryTable creates a table. Duplicate and out-of-range masks are
// dropped from the configuration.
func NewInMemoryTable(config Config) *InMemoryTable {
	masks := config.Masks
	if len(masks) == 0 {
		masks = DefaultMasks
	}
	masks = slices.Clone(masks)
	slices.Sort(masks)
	masks = slices.Compact(masks)

	t := &InMemoryTable{
		lock:   config.Lock,
		policy: config.Policy,
	}
	if t.lock == nil {
		t.lock = &sync.Mutex{}
	}
	for _, m := range masks {
		if shortname.ValidateMask(m) != nil {
			continue
		}
		t.levels = append(t.levels, &level{
			mask:     m,
			prefixes: make(map[shortname.ShortName]remoteSet),
		})
	}
	return t
}

// levelFor must be called with the lock held.
func (t *InMemoryTable) levelFor(mask shortname.Mask) (*level, error) {
	for _, l := range t.levels {
		if l.mask == mask {
			return l, nil
		}
	}
	return nil, &routingtable.UnsupportedMaskError{Mask: mask, Supported: t.masks()}
}

// Add inserts remote into the set for name's prefix at mask.
func (t *InMemoryTable) Add(name shortname.ShortName, mask shortname.Mask, remote routingtable.Remote) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	l, err := t.levelFor(mask)
	if err != nil {
		return err
	}

	prefix := name.Prefix(mask)
	set, ok := l.prefixes[prefix]
	if !ok {
		set = make(remoteSet)
		l.prefixes[prefix] = set
	}
	set[remote] = struct{}{}
	return nil
}

// Remove deletes remote from the set for name's prefix at mask and prunes the
// prefix once its set is empty.
func (t *InMemoryTable) Remove(name shortname.ShortName, mask shortname.Mask, remote routingtable.Remote) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	l, err := t.levelFor(mask)
	if err != nil {
		return err
	}

	prefix := name.Prefix(mask)
	set, ok := l.prefixes[prefix]
	if !ok {
		return nil
	}
	delete(set, remote)
	if len(set) == 0 {
		delete(l.prefixes, prefix)
	}
	return nil
}

// Find returns the remotes interested in name according to the table policy.
func (t *InMemoryTable) Find(name shortname.ShortName) []routingtable.Remote {
	t.lock.Lock()
	defer t.lock.Unlock()

	var merged remoteSet
	for _, l := range t.levels {
		set, ok := l.prefixes[name.Prefix(l.mask)]
		if !ok {
			continue
		}
		if t.policy == routingtable.LongestPrefix {
			return sortedRemotes(set)
		}
		if merged == nil {
			merged = make(remoteSet, len(set))
		}
		for r := range set {
			merged[r] = struct{}{}
		}
	}
	return sortedRemotes(merged)
}

// FindAt returns the remotes interested in name at one level.
func (t *InMemoryTable) FindAt(name shortname.ShortName, mask shortname.Mask) ([]routingtable.Remote, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	l, err := t.levelFor(mask)
	if err != nil {
		return nil, err
	}
	return sortedRemotes(l.prefixes[name.Prefix(mask)]), nil
}

// RemoveRemote drops remote from every level.
func (t *InMemoryTable) RemoveRemote(remote routingtable.Remote) int {
	t.lock.Lock()
	defer t.lock.Unlock()

	removed := 0
	for _, l := range t.levels {
		for prefix, set := range l.prefixes {
			if _, ok := set[remote]; !ok {
				continue
			}
			delete(set, remote)
			removed++
			if len(set) == 0 {
				delete(l.prefixes, prefix)
			}
		}
	}
	return removed
}

// Masks returns the supported masks, finest first.
func (t *InMemoryTable) Masks() []shortname.Mask {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.masks()
}

func (t *InMemoryTable) masks() []shortname.Mask {
	out := make([]shortname.Mask, len(t.levels))
	for i, l := range t.levels {
		out[i] = l.mask
	}
	return out
}

// Policy returns the configured match policy.
func (t *InMemoryTable) Policy() routingtable.MatchPolicy {
	return t.policy
}

// PrefixCount returns the number of live prefixes across all levels.
func (t *InMemoryTable) PrefixCount() int {
	t.lock.Lock()
	defer t.lock.Unlock()

	n := 0
	for _, l := range t.levels {
		n += len(l.prefixes)
	}
	return n
}

// Snapshot returns every live entry ordered by mask then prefix.
func (t *InMemoryTable) Snapshot() []routingtable.Entry {
	t.lock.Lock()
	defer t.lock.Unlock()

	var entries []routingtable.Entry
	for _, l := range t.levels {
		start := len(entries)
		for prefix, set := range l.prefixes {
			entries = append(entries, routingtable.Entry{
				Mask:    l.mask,
				Prefix:  prefix,
				Remotes: sortedRemotes(set),
			})
		}
		slices.SortFunc(entries[start:], func(a, b routingtable.Entry) int {
			return a.Prefix.Compare(b.Prefix)
		})
	}
	return entries
}

func sortedRemotes(set remoteSet) []routingtable.Remote {
	out := make([]routingtable.Remote, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	slices.SortFunc(out, routingtable.Remote.Compare)
	return out
}

// Verify that InMemoryTable implements the Table interface at compile time
var _ routingtable.Table = (*InMemoryTable)(nil)
