package routingtable

import (
	"testing"

	"github.com/rmacdonaldsmith/qmsg-go/pkg/routingtable"
	"github.com/rmacdonaldsmith/qmsg-go/pkg/shortname"
)

// BenchmarkInMemoryTable_Add measures subscription performance
func BenchmarkInMemoryTable_Add(b *testing.B) {
	table := NewInMemoryTable(Config{})
	name := deviceName(b, 1, 2, 5)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		remote := routingtable.NewRemote("10.0.0.1", uint16(i))
		if err := table.Add(name, shortname.MaskChannel, remote); err != nil {
			b.Fatalf("Add failed: %v", err)
		}
	}
}

// BenchmarkInMemoryTable_Find measures lookup performance across many prefixes
func BenchmarkInMemoryTable_Find(b *testing.B) {
	table := NewInMemoryTable(Config{})

	const numChannels = 1000
	for c := uint32(0); c < numChannels; c++ {
		table.Add(deviceName(b, 1, c, 0), shortname.MaskChannel, routingtable.NewRemote("10.0.0.1", uint16(c)))
	}
	name := deviceName(b, 1, numChannels/2, 7)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if remotes := table.Find(name); len(remotes) != 1 {
			b.Fatalf("Expected 1 remote, got %d", len(remotes))
		}
	}
}

// BenchmarkInMemoryTable_FindUnion measures multi-level lookup
func BenchmarkInMemoryTable_FindUnion(b *testing.B) {
	table := NewInMemoryTable(Config{
		Masks:  []shortname.Mask{shortname.MaskDevice, shortname.MaskChannel, shortname.MaskTeam},
		Policy: routingtable.Union,
	})
	name := deviceName(b, 1, 2, 5)
	for i, mask := range table.Masks() {
		for j := 0; j < 10; j++ {
			table.Add(name, mask, routingtable.NewRemote("10.0.0.1", uint16(i*100+j)))
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		table.Find(name)
	}
}
