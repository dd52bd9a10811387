package partition

import (
	"fmt"
	"testing"

	"gridmind.ai/internal/sim/graph"
)

func gridNodes(zones, subzones, perSubzone int) []graph.Node {
	var nodes []graph.Node
	for z := 0; z < zones; z++ {
		for s := 0; s < subzones; s++ {
			for i := 0; i < perSubzone; i++ {
				nodes = append(nodes, graph.Node{
					ID:      fmt.Sprintf("L-%d-%d-%d", z, s, i),
					Zone:    fmt.Sprintf("z%02d", z),
					Subzone: fmt.Sprintf("s%02d", s),
				})
			}
		}
	}
	return nodes
}

func TestAssign_CoversEveryLocationExactlyOnce(t *testing.T) {
	p := New(nil)
	cases := []struct {
		nodes   int
		workers int
	}{
		{1, 1}, {2, 1}, {10, 3}, {10, 4}, {7, 7}, {5, 8}, {100, 9},
	}
	for _, tc := range cases {
		nodes := gridNodes(1, 1, tc.nodes)
		owners := p.Assign(nodes, tc.workers)
		if len(owners) != tc.nodes {
			t.Fatalf("n=%d w=%d: assigned %d locations", tc.nodes, tc.workers, len(owners))
		}
		for loc, w := range owners {
			if w < 0 || w >= tc.workers {
				t.Fatalf("n=%d w=%d: %s assigned out-of-range worker %d", tc.nodes, tc.workers, loc, w)
			}
		}
	}
}

func TestAssign_LastChunkClampsToFinalWorker(t *testing.T) {
	p := New(nil)
	// 10 locations over 4 workers: chunk=3, index 9 would naively land
	// on worker 3 anyway; 13 over 4: chunk=4, index 12 -> worker 3.
	owners := p.Assign(gridNodes(1, 1, 13), 4)
	seen := map[int]int{}
	for _, w := range owners {
		seen[w]++
	}
	if seen[3] == 0 {
		t.Fatalf("final worker received no locations: %v", seen)
	}
	for w := range seen {
		if w > 3 {
			t.Fatalf("worker index %d out of range", w)
		}
	}
}

func TestAssign_EmptySetIsNoop(t *testing.T) {
	p := New(nil)
	owners := p.Assign(nil, 4)
	if len(owners) != 0 {
		t.Fatalf("expected empty assignment, got %v", owners)
	}
}

func TestAssign_MissingMetadataSortsLast(t *testing.T) {
	p := New(nil)
	nodes := []graph.Node{
		{ID: "bare-1"},
		{ID: "a", Zone: "z1", Subzone: "s1"},
		{ID: "bare-2"},
		{ID: "b", Zone: "z2", Subzone: "s1"},
	}
	owners := p.Assign(nodes, 2)
	if owners["bare-1"] != 1 || owners["bare-2"] != 1 {
		t.Fatalf("metadata-less locations should chunk last: %v", owners)
	}
	if owners["a"] != 0 || owners["b"] != 0 {
		t.Fatalf("zoned locations should chunk first: %v", owners)
	}
}

// spread is the worker-index distance covered by a (zone, subzone) group.
func spread(owners map[string]int, nodes []graph.Node, zone, subzone string) int {
	lo, hi := -1, -1
	for _, n := range nodes {
		if n.Zone != zone || n.Subzone != subzone {
			continue
		}
		w := owners[n.ID]
		if lo == -1 || w < lo {
			lo = w
		}
		if w > hi {
			hi = w
		}
	}
	return hi - lo
}

func TestAssign_LocalityBeatsRoundRobin(t *testing.T) {
	p := New(nil)
	nodes := gridNodes(4, 4, 8)
	const workers = 8

	owners := p.Assign(nodes, workers)
	rr := make(map[string]int, len(nodes))
	for i, n := range nodes {
		rr[n.ID] = i % workers
	}

	var semantic, naive int
	for z := 0; z < 4; z++ {
		for s := 0; s < 4; s++ {
			zone, subzone := fmt.Sprintf("z%02d", z), fmt.Sprintf("s%02d", s)
			semantic += spread(owners, nodes, zone, subzone)
			naive += spread(rr, nodes, zone, subzone)
		}
	}
	if semantic >= naive {
		t.Fatalf("semantic sort spread %d not better than round-robin %d", semantic, naive)
	}
}

func TestRebalance_WithinToleranceIsNoop(t *testing.T) {
	p := New(nil)
	owners := map[string]int{"a": 0, "b": 1}
	load := map[string]float64{"a": 10, "b": 10}
	if moves := p.Rebalance(load, owners, 2, 0.25); moves != nil {
		t.Fatalf("balanced load should produce no moves: %v", moves)
	}
}

func TestRebalance_MovesHeavyToLight(t *testing.T) {
	p := New(nil)
	owners := map[string]int{}
	load := map[string]float64{}
	// Worker 0 holds 8 partitions of load 5, worker 1 holds 2.
	for i := 0; i < 8; i++ {
		loc := fmt.Sprintf("h%d", i)
		owners[loc] = 0
		load[loc] = 5
	}
	for i := 0; i < 2; i++ {
		loc := fmt.Sprintf("l%d", i)
		owners[loc] = 1
		load[loc] = 5
	}

	moves := p.Rebalance(load, owners, 2, 0.1)
	if len(moves) == 0 {
		t.Fatalf("expected moves for skewed load")
	}
	for _, mv := range moves {
		if mv.From != 0 || mv.To != 1 {
			t.Fatalf("move direction wrong: %+v", mv)
		}
		owners[mv.Location] = mv.To
	}

	var w0, w1 float64
	for loc, w := range owners {
		if w == 0 {
			w0 += load[loc]
		} else {
			w1 += load[loc]
		}
	}
	if pre, post := 30.0, abs(w0-w1); post >= pre {
		t.Fatalf("skew did not shrink: pre=%.0f post=%.0f", pre, post)
	}
}

func TestRebalance_OversizedPartitionStaysPut(t *testing.T) {
	p := New(nil)
	// One giant partition: any move would overshoot, so none improves.
	owners := map[string]int{"giant": 0, "tiny": 1}
	load := map[string]float64{"giant": 100, "tiny": 1}
	if moves := p.Rebalance(load, owners, 2, 0.1); len(moves) != 0 {
		t.Fatalf("no move strictly improves, got %v", moves)
	}
}
