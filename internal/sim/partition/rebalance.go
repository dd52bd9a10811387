package partition

import "sort"

// Move reassigns one location from one worker to another. Moves are
// applied incrementally by the caller, never as a full re-partition.
type Move struct {
	Location string
	From     int
	To       int
}

// Rebalance evens out load between the heaviest and lightest worker.
// It greedily moves single partitions heavy -> light, accepting a move
// only when it strictly shrinks |heavy-light|, and stops when no
// improving move remains.
//
// Known limitation: this is a cheap monotonic-improvement heuristic.
// For highly skewed inputs (one oversized partition) it can settle in
// a local optimum far from global balance; it is re-run periodically
// rather than tuned to converge globally.
func (p *Partitioner) Rebalance(loadByLocation map[string]float64, owners map[string]int, workerCount int, tolerance float64) []Move {
	if workerCount < 2 || len(owners) == 0 {
		return nil
	}

	totals := make([]float64, workerCount)
	byWorker := make([][]string, workerCount)
	for loc, w := range owners {
		if w < 0 || w >= workerCount {
			continue
		}
		totals[w] += loadByLocation[loc]
		byWorker[w] = append(byWorker[w], loc)
	}

	heavy, light := 0, 0
	var total float64
	for w := 0; w < workerCount; w++ {
		total += totals[w]
		if totals[w] > totals[heavy] {
			heavy = w
		}
		if totals[w] < totals[light] {
			light = w
		}
	}
	avg := total / float64(workerCount)
	if avg <= 0 || totals[heavy]-totals[light] <= tolerance*avg {
		return nil
	}

	// Deterministic candidate order keeps repeated runs stable.
	candidates := append([]string(nil), byWorker[heavy]...)
	sort.Strings(candidates)

	var moves []Move
	h, l := totals[heavy], totals[light]
	for {
		diff := h - l
		bestIdx := -1
		bestDiff := diff
		for i, loc := range candidates {
			if loc == "" {
				continue
			}
			w := loadByLocation[loc]
			after := h - w - (l + w)
			if after < 0 {
				after = -after
			}
			if after < bestDiff {
				bestDiff = after
				bestIdx = i
			}
		}
		if bestIdx < 0 {
			break
		}
		loc := candidates[bestIdx]
		candidates[bestIdx] = ""
		moves = append(moves, Move{Location: loc, From: heavy, To: light})
		h -= loadByLocation[loc]
		l += loadByLocation[loc]
	}
	if len(moves) > 0 && p.log != nil {
		p.log.Printf("rebalance: moved %d partitions worker %d -> %d (spread %.2f -> %.2f)",
			len(moves), heavy, light, totals[heavy]-totals[light], abs(h-l))
	}
	return moves
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
