package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"time"

	"gridmind.ai/internal/persistence/checkpoint"
	"gridmind.ai/internal/persistence/journal"
	"gridmind.ai/internal/protocol"
	"gridmind.ai/internal/sim/agent"
	"gridmind.ai/internal/sim/pool"
)

// Tick advances the simulation by one step. Re-entrant calls while a
// tick is in flight are no-ops. The only error it returns is fatal
// (total collapse); every other failure is contained and the tick
// still completes on schedule with reduced coverage.
func (e *Engine) Tick(ctx context.Context) (err error) {
	if !e.phase.CompareAndSwap(phaseIdle, phaseDispatching) {
		return nil
	}
	defer e.phase.Store(phaseIdle)

	started := time.Now()
	tick := e.tick.Add(1)
	e.simTimeMs += int64(e.tune.TickQuantumMs)
	dayPhase := e.dayPhase(tick)

	// Structural world change invalidates the snapshot: rebuild and
	// swap, workers drop caches keyed by the old version.
	if e.snap == nil || e.model.Dirty() {
		snap, buildErr := e.builder.Build(e.model)
		if buildErr != nil {
			return fmt.Errorf("engine: rebuild snapshot: %w", buildErr)
		}
		e.snap = snap
		e.pool.SetSnapshot(snap)
	}

	load := make(map[string]float64, e.snap.Len())
	for _, a := range e.agents {
		load[a.Location]++
	}

	if e.tune.RebalanceEveryTicks > 0 && tick%uint64(e.tune.RebalanceEveryTicks) == 0 {
		moves := e.part.Rebalance(load, e.pool.Owners(), e.tune.Workers, e.tune.RebalanceTolerance)
		if len(moves) > 0 {
			e.pool.ApplyMoves(moves)
			e.publishEvent(journal.PriorityLow, tick, "rebalance", map[string]int{"moves": len(moves)})
		}
	}

	batches := e.groupByWorker()

	tctx := agent.TickContext{
		Tick:        tick,
		SimTimeUnix: e.simTimeMs / 1000,
		Phase:       dayPhase,
		Snapshot:    e.snap,
	}

	e.pool.BeginTick()
	defer func() {
		if endErr := e.pool.EndTick(); endErr != nil && err == nil {
			err = fmt.Errorf("engine: tick %d: %w", tick, endErr)
		}
	}()

	deadline := time.Duration(e.tune.DispatchTimeoutMs) * time.Millisecond
	handles := make([]*pool.Handle, 0, e.tune.Workers)
	skippedItems := 0
	for w := 0; w < e.tune.Workers; w++ {
		if len(batches[w]) == 0 {
			continue
		}
		h, dispatchErr := e.pool.Dispatch(w, batches[w], tctx, deadline)
		if dispatchErr != nil {
			// The worker sits this tick out; its items are picked up
			// once redistribution reassigns their partitions.
			skippedItems += len(batches[w])
			if e.log != nil {
				e.log.Printf("WARN tick %d: skip worker %d: %v", tick, w, dispatchErr)
			}
			e.recordIncident(Incident{Tick: tick, Worker: w, Kind: "skipped", Detail: dispatchErr.Error()})
			continue
		}
		handles = append(handles, h)
	}

	// Await the whole cohort; each handle is bounded by its own
	// deadline, so a slow worker cannot block the others from
	// reporting, but merge starts only once all of them settled.
	e.phase.Store(phaseAwaiting)
	outcomes := make(chan pool.Outcome, len(handles))
	for _, h := range handles {
		go func(h *pool.Handle) { outcomes <- h.Await(ctx) }(h)
	}
	settled := make([]pool.Outcome, 0, len(handles))
	for range handles {
		settled = append(settled, <-outcomes)
	}
	sort.Slice(settled, func(i, j int) bool { return settled[i].Worker < settled[j].Worker })

	e.phase.Store(phaseMerging)
	merged := 0
	var lost []int
	for _, out := range settled {
		switch out.Kind {
		case pool.OutcomeSuccess:
			n, mergeErr := e.mergeWorker(tick, out.Worker, out.Result, batches[out.Worker])
			if mergeErr != nil {
				// One bad payload never discards the other workers'
				// valid results; only this worker is recovered.
				if e.log != nil {
					e.log.Printf("WARN tick %d: discard worker %d payload: %v", tick, out.Worker, mergeErr)
				}
				e.recordIncident(Incident{Tick: tick, Worker: out.Worker, Kind: "invalid", Detail: mergeErr.Error()})
				lost = append(lost, out.Worker)
				continue
			}
			merged += n
		case pool.OutcomeInvalid:
			if e.log != nil {
				e.log.Printf("WARN tick %d: worker %d invalid result: %v", tick, out.Worker, out.Err)
			}
			e.recordIncident(Incident{Tick: tick, Worker: out.Worker, Kind: "invalid", Detail: errDetail(out.Err)})
			lost = append(lost, out.Worker)
		case pool.OutcomeFailure:
			if e.log != nil {
				e.log.Printf("WARN tick %d: worker %d failed: %v", tick, out.Worker, out.Err)
			}
			e.recordIncident(Incident{Tick: tick, Worker: out.Worker, Kind: "failure", Detail: errDetail(out.Err)})
			lost = append(lost, out.Worker)
		case pool.OutcomeTimedOut:
			if e.log != nil {
				e.log.Printf("WARN tick %d: worker %d timed out", tick, out.Worker)
			}
			e.recordIncident(Incident{Tick: tick, Worker: out.Worker, Kind: "timeout", Detail: errDetail(out.Err)})
			lost = append(lost, out.Worker)
		case pool.OutcomeSkipped:
			skippedItems += len(batches[out.Worker])
		}
	}

	// Recovery happens here, in the await path of the same tick:
	// redistribute first, then the circuit-gated respawn. Workers that
	// exited mid-flight were deliberately left alone until now.
	for _, w := range lost {
		if recErr := e.pool.Recover(w); recErr != nil {
			if errors.Is(recErr, pool.ErrTotalCollapse) {
				e.recordIncident(Incident{Tick: tick, Worker: w, Kind: "total_collapse"})
			}
			return fmt.Errorf("engine: tick %d: %w", tick, recErr)
		}
	}

	e.agentCount.Store(int64(len(e.agents)))
	e.maybeCheckpoint(tick)
	e.publishTick(tick, started, dayPhase, batches, merged, len(lost), skippedItems)
	return nil
}

// groupByWorker splits the authoritative store into per-worker batches
// by each item's current location. An item whose location has no valid
// owner falls back to a deterministic hash so nothing is silently
// dropped.
func (e *Engine) groupByWorker() [][]agent.Agent {
	owners := e.pool.Owners()
	batches := make([][]agent.Agent, e.tune.Workers)

	ids := make([]string, 0, len(e.agents))
	for id := range e.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		a := e.agents[id]
		w, ok := owners[a.Location]
		if !ok || w < 0 || w >= e.tune.Workers {
			w = fallbackOwner(a.Location, e.tune.Workers)
		}
		batches[w] = append(batches[w], a)
	}
	return batches
}

func fallbackOwner(location string, workers int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(location))
	return int(h.Sum32() % uint32(workers))
}

// mergeWorker folds one worker's validated result into the
// authoritative store. The payload is staged first and committed only
// if the whole stage is coherent, so a bad payload is discarded
// wholesale, never half-merged.
func (e *Engine) mergeWorker(tick uint64, w int, env protocol.ResultEnvelope, sent []agent.Agent) (int, error) {
	sentByID := make(map[string]agent.Agent, len(sent))
	for _, a := range sent {
		sentByID[a.ID] = a
	}

	staged := make(map[string]agent.Agent, len(env.Updated))
	for _, u := range env.Updated {
		prev, ok := sentByID[u.ID]
		if !ok {
			return 0, fmt.Errorf("worker %d returned item %s it was never sent", w, u.ID)
		}
		if _, dup := staged[u.ID]; dup {
			return 0, fmt.Errorf("worker %d returned item %s twice", w, u.ID)
		}
		loc := u.Location
		if loc == "" {
			loc = prev.Location
		}
		staged[u.ID] = agent.Agent{ID: u.ID, Location: loc, Blob: u.Blob}
	}

	for id, a := range staged {
		// The item's worker for the next tick follows its new
		// location; migration is data-driven, not message-driven.
		e.agents[id] = a
	}
	for _, ef := range env.Effects {
		e.applyEffect(tick, w, ef)
	}
	if env.ItemErrors > 0 && e.log != nil {
		e.log.Printf("WARN tick %d: worker %d passed %d items through on update errors", tick, w, env.ItemErrors)
	}
	return len(staged), nil
}

func (e *Engine) applyEffect(tick uint64, w int, ef protocol.EffectMsg) {
	switch ef.Kind {
	case agent.EffectSpawn:
		var p agent.SpawnPayload
		if err := json.Unmarshal(ef.Payload, &p); err != nil || p.ID == "" {
			if e.log != nil {
				e.log.Printf("WARN tick %d: worker %d spawn effect dropped: bad payload", tick, w)
			}
			return
		}
		if _, exists := e.agents[p.ID]; exists {
			return
		}
		loc := p.Location
		if loc == "" {
			loc = sourceLocation(e.agents, ef.Source)
		}
		e.agents[p.ID] = agent.Agent{ID: p.ID, Location: loc, Blob: p.Blob}
	case agent.EffectDespawn:
		delete(e.agents, ef.Target)
	default:
		e.publishEvent(journal.PriorityLow, tick, "effect."+ef.Kind, ef)
	}
}

func sourceLocation(agents map[string]agent.Agent, source string) string {
	if a, ok := agents[source]; ok {
		return a.Location
	}
	return ""
}

// maybeCheckpoint persists on the coarse period. A sync is skipped,
// not queued, while a previous one is outstanding or the index backend
// reports unhealthy.
func (e *Engine) maybeCheckpoint(tick uint64) {
	if e.deps.Checkpoints == nil || e.tune.CheckpointEveryTicks <= 0 || tick%uint64(e.tune.CheckpointEveryTicks) != 0 {
		return
	}
	if e.deps.Index != nil && !e.deps.Index.Healthy() {
		if e.log != nil {
			e.log.Printf("WARN tick %d: checkpoint skipped, index unhealthy", tick)
		}
		return
	}
	if !e.syncInflight.CompareAndSwap(false, true) {
		if e.log != nil {
			e.log.Printf("tick %d: checkpoint skipped, previous sync outstanding", tick)
		}
		return
	}

	cp := e.buildCheckpoint(tick)
	go func() {
		defer e.syncInflight.Store(false)
		path, saveErr := e.deps.Checkpoints.Save(cp)
		if saveErr != nil {
			if e.log != nil {
				e.log.Printf("checkpoint tick %d: %v", tick, saveErr)
			}
			return
		}
		if e.deps.Index != nil {
			e.deps.Index.RecordCheckpoint(tick, path, len(cp.Agents))
		}
		e.publishEvent(journal.PriorityHigh, tick, "checkpoint", map[string]string{"path": path})
	}()
}

// buildCheckpoint copies everything the snapshot needs while the
// orchestrator is the only writer, so the async save shares nothing
// with live state.
func (e *Engine) buildCheckpoint(tick uint64) checkpoint.CheckpointV1 {
	nodes, edges := e.model.Export()
	items := make([]agent.Agent, 0, len(e.agents))
	for _, id := range sortedIDs(e.agents) {
		items = append(items, e.agents[id])
	}
	return checkpoint.CheckpointV1{
		Header:      checkpoint.Header{SimID: e.cfg.SimID, Tick: tick},
		SimTimeUnix: e.simTimeMs / 1000,
		Nodes:       nodes,
		Edges:       edges,
		Agents:      items,
		Owners:      e.pool.Owners(),
	}
}

func (e *Engine) publishTick(tick uint64, started time.Time, dayPhase string, batches [][]agent.Agent, merged, failed, skipped int) {
	elapsed := time.Since(started)

	owners := e.pool.Owners()
	partsByWorker := make([]int, e.tune.Workers)
	for _, w := range owners {
		if w >= 0 && w < e.tune.Workers {
			partsByWorker[w]++
		}
	}

	summary := protocol.TickSummaryMsg{
		Type:            protocol.TypeTickSummary,
		ProtocolVersion: protocol.Version,
		Tick:            tick,
		SimTimeUnix:     e.simTimeMs / 1000,
		Phase:           dayPhase,
		DurationMs:      elapsed.Milliseconds(),
		TargetMs:        e.pacer.current().Milliseconds(),
		Merged:          merged,
		Failed:          failed,
		Skipped:         skipped,
		SnapshotVersion: e.snap.Version,
	}
	for w := 0; w < e.tune.Workers; w++ {
		summary.Load = append(summary.Load, protocol.PartitionLoad{
			Worker:     w,
			Partitions: partsByWorker[w],
			Items:      len(batches[w]),
		})
		for _, a := range batches[w] {
			summary.Items = append(summary.Items, protocol.ItemRef{ID: a.ID, Location: a.Location, Worker: w})
		}
	}

	if e.deps.Observers != nil {
		e.deps.Observers.PublishSummary(summary)
	}
	row := TickRow{
		Tick:            tick,
		SimTimeUnix:     summary.SimTimeUnix,
		DurationMs:      summary.DurationMs,
		TargetMs:        summary.TargetMs,
		Items:           len(summary.Items),
		Merged:          merged,
		Failed:          failed,
		Skipped:         skipped,
		SnapshotVersion: e.snap.Version,
	}
	if e.deps.Index != nil {
		e.deps.Index.WriteTick(row)
	}
	e.publishEvent(journal.PriorityHigh, tick, "tick", row)
}

// dayPhase derives the time-driven global state from the simulated
// clock: four equal quarters of the configured day.
func (e *Engine) dayPhase(tick uint64) string {
	if e.tune.DayTicks <= 0 {
		return ""
	}
	q := e.tune.DayTicks / 4
	if q == 0 {
		q = 1
	}
	switch (tick % uint64(e.tune.DayTicks)) / uint64(q) {
	case 0:
		return "dawn"
	case 1:
		return "day"
	case 2:
		return "dusk"
	default:
		return "night"
	}
}

func (e *Engine) recordIncident(inc Incident) {
	if e.deps.Index != nil {
		e.deps.Index.RecordIncident(inc)
	}
	e.publishEvent(journal.PriorityHigh, inc.Tick, "incident", inc)
}

func (e *Engine) publishEvent(p journal.Priority, tick uint64, kind string, payload any) {
	if e.deps.Events == nil {
		return
	}
	e.deps.Events.Publish(p, tick, kind, payload)
}

func sortedIDs(m map[string]agent.Agent) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func errDetail(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
