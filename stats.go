package htab

import (
	"fmt"
	"strings"
)

// MapStats is a point-in-time snapshot of table shape and occupancy.
//
// Warning: statistics are intended for diagnostic purposes, not for
// production decisions. Totals taken while writers run may disagree with
// Counter, and the chain figures are stale the moment they are read.
type MapStats struct {
	// Buckets is the number of hash buckets, always a power of two.
	Buckets int
	// MaxEntries is the configured capacity.
	MaxEntries int
	// Counter is the live-entry count according to the map's internal
	// counter.
	Counter int
	// Entries is the number of entries found by walking every chain.
	Entries int
	// EmptyBuckets is the number of buckets holding no entries.
	EmptyBuckets int
	// MinChain and MaxChain are the shortest and longest chain lengths.
	MinChain int
	MaxChain int
}

// Stats walks every bucket and returns a snapshot. It takes no locks; the
// walk runs inside a read guard like any other read.
func (m *Map) Stats() MapStats {
	stats := MapStats{
		Buckets:    int(m.nbuckets),
		MaxEntries: int(m.maxEntries),
		Counter:    int(m.count.Load()),
		MinChain:   -1,
	}

	g := m.dom.enter()
	for i := range m.buckets {
		n := 0
		for e := m.buckets[i].head.Load(); e != nil; e = e.next.Load() {
			n++
		}
		stats.Entries += n
		if n == 0 {
			stats.EmptyBuckets++
		}
		if stats.MinChain == -1 || n < stats.MinChain {
			stats.MinChain = n
		}
		if n > stats.MaxChain {
			stats.MaxChain = n
		}
	}
	m.dom.exit(g)

	if stats.MinChain == -1 {
		stats.MinChain = 0
	}
	return stats
}

// String returns a multi-line rendering of the snapshot.
func (s *MapStats) String() string {
	var sb strings.Builder
	sb.WriteString("MapStats{\n")
	sb.WriteString(fmt.Sprintf("Buckets:      %d\n", s.Buckets))
	sb.WriteString(fmt.Sprintf("MaxEntries:   %d\n", s.MaxEntries))
	sb.WriteString(fmt.Sprintf("Counter:      %d\n", s.Counter))
	sb.WriteString(fmt.Sprintf("Entries:      %d\n", s.Entries))
	sb.WriteString(fmt.Sprintf("EmptyBuckets: %d\n", s.EmptyBuckets))
	sb.WriteString(fmt.Sprintf("MinChain:     %d\n", s.MinChain))
	sb.WriteString(fmt.Sprintf("MaxChain:     %d\n", s.MaxChain))
	sb.WriteString("}\n")
	return sb.String()
}
