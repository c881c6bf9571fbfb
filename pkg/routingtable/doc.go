// Package routingtable provides interfaces for prefix-based multicast routing.
//
// This package defines the core abstractions for the subscription table:
//   - Remote: an addressable endpoint interested in a name prefix
//   - Table: per-mask mapping from name prefix to the set of interested remotes
//   - MatchPolicy: how Find combines mask levels
//
// Every mask level is an independent mapping. Add and Remove compute the
// prefix of a name at the given mask and mutate that level only. Find walks
// the configured levels from the finest mask to the coarsest and combines
// them according to the table's MatchPolicy:
//   - LongestPrefix: return the remotes of the first (finest) level with a match
//   - Union: return every remote matching at any level, without duplicates
//
// A table built with a single mask level behaves the same under both policies.
//
// Example usage:
//
//	table := routingtable.NewInMemoryTable(routingtable.Config{
//		Masks:  []shortname.Mask{shortname.MaskChannel},
//		Policy: routingtable.LongestPrefix,
//	})
//
//	// Register a relay client for every device of channel 2 in team 1
//	group, mask := namer.ChannelGroup(1, 2)
//	if err := table.Add(group, mask, remote); err != nil {
//		return err
//	}
//
//	// Fan an incoming message out to everyone interested in its name
//	for _, r := range table.Find(name) {
//		forward(r, msg)
//	}
package routingtable
