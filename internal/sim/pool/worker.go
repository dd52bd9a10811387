package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"gridmind.ai/internal/protocol"
	"gridmind.ai/internal/sim/agent"
	"gridmind.ai/internal/sim/graph"
)

// batchMsg hands a worker its items for one tick. The reply carries a
// serialized protocol.ResultEnvelope: crossing the context boundary in
// wire form keeps validation honest and forbids shared references.
type batchMsg struct {
	dispatchID string
	tctx       agent.TickContext
	items      []agent.Agent
	reply      chan<- []byte
}

// worker is one isolated execution context. It holds no durable state
// between ticks beyond its own memory; everything it knows arrives in
// the spawn message or a batch.
type worker struct {
	id     int
	update agent.UpdateFunc

	inbox  chan batchMsg
	cancel context.CancelFunc

	// exited is closed when the run loop returns; exitErr is set first.
	exited  chan struct{}
	exitErr error

	// Derived-index cache keyed by snapshot version. Dropped whenever
	// a batch carries a newer snapshot.
	cacheVersion uint64
	zones        map[string][]string
}

func startWorker(id int, update agent.UpdateFunc, assigned []string, snap *graph.Snapshot, ack chan<- error) *worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &worker{
		id:     id,
		update: update,
		inbox:  make(chan batchMsg, 1),
		cancel: cancel,
		exited: make(chan struct{}),
	}
	go w.run(ctx, assigned, snap, ack)
	return w
}

func (w *worker) run(ctx context.Context, assigned []string, snap *graph.Snapshot, ack chan<- error) {
	defer close(w.exited)

	if w.update == nil {
		ack <- fmt.Errorf("worker %d: no update function", w.id)
		w.exitErr = fmt.Errorf("worker %d: no update function", w.id)
		return
	}
	// The spawn message carries the assigned partitions plus the
	// current snapshot; a partition missing from the snapshot means a
	// partial view, which is acknowledged as a failure rather than run.
	for _, loc := range assigned {
		if snap == nil || !snap.HasLocation(loc) {
			err := fmt.Errorf("worker %d: assigned partition %s not in snapshot", w.id, loc)
			ack <- err
			w.exitErr = err
			return
		}
	}
	// Warm the derived-index cache from the spawn snapshot so the
	// first batch pays no extra cost.
	if snap != nil {
		w.refreshCache(snap)
	}
	ack <- nil

	for {
		select {
		case <-ctx.Done():
			w.exitErr = ctx.Err()
			return
		case b := <-w.inbox:
			raw, poisoned := w.process(b)
			select {
			case b.reply <- raw:
			case <-ctx.Done():
				w.exitErr = ctx.Err()
				return
			}
			if poisoned {
				w.exitErr = fmt.Errorf("worker %d: update panicked", w.id)
				return
			}
		}
	}
}

// process runs the batch and serializes the result envelope. A panic
// inside the update function fails the whole batch: the envelope
// carries the error and the worker exits after reporting.
func (w *worker) process(b batchMsg) (raw []byte, poisoned bool) {
	env := protocol.ResultEnvelope{
		Type:       protocol.TypeResult,
		DispatchID: b.dispatchID,
		WorkerID:   w.id,
		Tick:       b.tctx.Tick,
	}

	defer func() {
		if r := recover(); r != nil {
			env = protocol.ResultEnvelope{
				Type:       protocol.TypeResult,
				DispatchID: b.dispatchID,
				WorkerID:   w.id,
				Tick:       b.tctx.Tick,
				Error:      fmt.Sprintf("update panic: %v", r),
			}
			raw = mustMarshal(env)
			poisoned = true
		}
	}()

	tctx := b.tctx
	if tctx.Snapshot != nil {
		if tctx.Snapshot.Version != w.cacheVersion {
			w.refreshCache(tctx.Snapshot)
		}
		tctx.Zones = w.zones
	}

	for _, a := range b.items {
		updated, effects, err := w.update(tctx, a)
		if err != nil {
			// A per-item error passes the item through unchanged.
			env.ItemErrors++
			env.Updated = append(env.Updated, protocol.UpdatedItem{
				ID:       a.ID,
				Location: a.Location,
				Blob:     a.Blob,
			})
			continue
		}
		env.Updated = append(env.Updated, protocol.UpdatedItem{
			ID:       updated.ID,
			Location: updated.Location,
			Blob:     updated.Blob,
		})
		for _, e := range effects {
			env.Effects = append(env.Effects, protocol.EffectMsg{
				Kind:    e.Kind,
				Source:  e.Source,
				Target:  e.Target,
				Payload: e.Payload,
			})
		}
	}
	return mustMarshal(env), false
}

func (w *worker) refreshCache(snap *graph.Snapshot) {
	zones := map[string][]string{}
	for id, n := range snap.Nodes {
		zones[n.Zone] = append(zones[n.Zone], id)
	}
	for z := range zones {
		sort.Strings(zones[z])
	}
	w.zones = zones
	w.cacheVersion = snap.Version
}

func mustMarshal(env protocol.ResultEnvelope) []byte {
	raw, err := json.Marshal(env)
	if err != nil {
		// Only reachable with a broken blob; report it as a failure
		// envelope instead of dropping the reply.
		raw, _ = json.Marshal(protocol.ResultEnvelope{
			Type:       protocol.TypeResult,
			DispatchID: env.DispatchID,
			WorkerID:   env.WorkerID,
			Tick:       env.Tick,
			Error:      fmt.Sprintf("marshal result: %v", err),
		})
	}
	return raw
}
