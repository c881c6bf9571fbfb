// Package shortname converts group-messaging addresses into fixed-width
// hierarchical topic names and back.
//
// A ShortName is 128 bits wide. Coarse scope lives in the high-order bits and
// finer scope in progressively lower bits:
//
//	Hi: | namespace (32) | team (32)                 |
//	Lo: | kind (16)      | channel (32) | device (16) |
//
// Clearing low-order bits of a name yields a group prefix. A Mask is the
// number of bits cleared:
//
//	MaskDevice  (0)  - the exact device name
//	MaskChannel (16) - every device of one channel
//	MaskTeam    (48) - every channel of one team, for a single kind
//	MaskKind    (64) - everything addressed to one team
//
// Example usage:
//
//	namer := shortname.NewNamer(shortname.DefaultNamespace)
//	name, err := namer.DeviceName(1, 2, 5)
//	if err != nil {
//		return err
//	}
//	group, mask := namer.ChannelGroup(1, 2)
//	fmt.Println(name.Prefix(mask) == group) // true
package shortname
