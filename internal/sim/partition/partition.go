// Package partition assigns locations to workers. The assignment is
// locality preserving: locations are sorted by (zone, subzone, id) and
// split into contiguous chunks, so co-located locations land on the
// same or an adjacent worker index and cross-worker reference traffic
// stays low.
package partition

import (
	"log"
	"sort"

	"gridmind.ai/internal/sim/graph"
)

// sentinel sorts locations with missing metadata after every real
// zone/subzone value, deterministically.
const sentinel = "￿"

type Partitioner struct {
	log *log.Logger
}

func New(logger *log.Logger) *Partitioner {
	return &Partitioner{log: logger}
}

type sortKey struct {
	zone    string
	subzone string
	id      string
}

func keyOf(n graph.Node) sortKey {
	k := sortKey{zone: n.Zone, subzone: n.Subzone, id: n.ID}
	if k.zone == "" {
		k.zone = sentinel
	}
	if k.subzone == "" {
		k.subzone = sentinel
	}
	return k
}

func (k sortKey) less(o sortKey) bool {
	if k.zone != o.zone {
		return k.zone < o.zone
	}
	if k.subzone != o.subzone {
		return k.subzone < o.subzone
	}
	return k.id < o.id
}

// Assign maps every location to exactly one worker index in
// [0, partitionCount). The sorted sequence is split into contiguous
// chunks of ceil(n/partitionCount); the tail chunk is clamped to the
// last worker index.
func (p *Partitioner) Assign(nodes []graph.Node, partitionCount int) map[string]int {
	if partitionCount < 1 {
		partitionCount = 1
	}
	if len(nodes) == 0 {
		if p.log != nil {
			p.log.Printf("assign: empty location set, nothing to do")
		}
		return map[string]int{}
	}

	sorted := make([]graph.Node, len(nodes))
	copy(sorted, nodes)
	sort.Slice(sorted, func(i, j int) bool {
		return keyOf(sorted[i]).less(keyOf(sorted[j]))
	})

	chunk := (len(sorted) + partitionCount - 1) / partitionCount
	owners := make(map[string]int, len(sorted))
	for i, n := range sorted {
		idx := i / chunk
		if idx >= partitionCount {
			idx = partitionCount - 1
		}
		owners[n.ID] = idx
	}
	return owners
}
