package routingtable

import (
	"fmt"

	"github.com/rmacdonaldsmith/qmsg-go/pkg/shortname"
)

// MatchPolicy selects how Find combines the configured mask levels.
type MatchPolicy int

const (
	// LongestPrefix returns the remotes of the finest level with a match
	LongestPrefix MatchPolicy = iota

	// Union returns the remotes of every level with a match
	Union
)

func (p MatchPolicy) String() string {
	switch p {
	case LongestPrefix:
		return "longest-prefix"
	case Union:
		return "union"
	default:
		return "unknown"
	}
}

// ParseMatchPolicy parses the String form of a policy.
func ParseMatchPolicy(s string) (MatchPolicy, error) {
	switch s {
	case "", "longest-prefix":
		return LongestPrefix, nil
	case "union":
		return Union, nil
	default:
		return 0, fmt.Errorf("unknown match policy %q", s)
	}
}

// UnsupportedMaskError is returned when a mask is not one of the table's levels.
type UnsupportedMaskError struct {
	Mask      shortname.Mask
	Supported []shortname.Mask
}

func (e *UnsupportedMaskError) Error() string {
	return fmt.Sprintf("unsupported mask %d (supported: %v)", e.Mask, e.Supported)
}

// Entry is one prefix of one level, used for diagnostics.
type Entry struct {
	Mask    shortname.Mask
	Prefix  shortname.ShortName
	Remotes []Remote
}

// Table maps name prefixes to interested remotes at several mask levels.
//
// Mutations are single-step: a failed call leaves the table unchanged.
type Table interface {
	// Add inserts remote into the set for the name's prefix at mask.
	// Adding the same remote twice has no further effect.
	Add(name shortname.ShortName, mask shortname.Mask, remote Remote) error

	// Remove deletes remote from the set for the name's prefix at mask.
	// Removing a non-member is a no-op. Sets that become empty are pruned.
	Remove(name shortname.ShortName, mask shortname.Mask, remote Remote) error

	// Find returns the remotes interested in name, combined across levels
	// according to the table's MatchPolicy, sorted by remote.
	Find(name shortname.ShortName) []Remote

	// FindAt returns the remotes interested in name at a single level.
	FindAt(name shortname.ShortName, mask shortname.Mask) ([]Remote, error)

	// RemoveRemote deletes remote from every prefix of every level and
	// returns how many subscriptions were dropped.
	RemoveRemote(remote Remote) int

	// Masks returns the supported masks, finest first.
	Masks() []shortname.Mask

	// PrefixCount returns the number of live prefixes across all levels.
	PrefixCount() int

	// Snapshot returns every live entry ordered by mask then prefix.
	Snapshot() []Entry
}
