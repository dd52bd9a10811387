// Package agent defines the work item model the orchestrator moves
// around. What happens inside an update is domain business logic; the
// orchestrator only cares about identity, location and an opaque blob.
package agent

import (
	"encoding/json"

	"gridmind.ai/internal/sim/graph"
)

// Agent is one work item: a stable id, the location that currently
// owns it, and an opaque serializable state blob. Mutated only by the
// worker owning its location during that worker's batch.
type Agent struct {
	ID       string          `json:"id"`
	Location string          `json:"location"`
	Blob     json.RawMessage `json:"blob,omitempty"`
}

// Effect is a side effect returned by an update instead of a mutation.
// Effects are applied by the orchestrator during the merge phase.
type Effect struct {
	Kind    string          `json:"kind"`
	Source  string          `json:"source,omitempty"`
	Target  string          `json:"target,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Well-known effect kinds the merge phase applies itself. Anything
// else is forwarded to the event sink untouched.
const (
	EffectSpawn   = "spawn"
	EffectDespawn = "despawn"
)

// SpawnPayload is the payload of an EffectSpawn effect.
type SpawnPayload struct {
	ID       string          `json:"id"`
	Location string          `json:"location"`
	Blob     json.RawMessage `json:"blob,omitempty"`
}

// TickContext is what an update may read besides its own agent:
// the current tick, the simulated clock, and the immutable world
// snapshot. Updates must not retain the snapshot past the call.
type TickContext struct {
	Tick        uint64
	SimTimeUnix int64
	Phase       string
	Snapshot    *graph.Snapshot
	// Zones groups location ids by zone, sorted. Derived from the
	// snapshot by the executing worker and cached per snapshot
	// version; dropped when the version changes.
	Zones map[string][]string
}

// UpdateFunc advances one agent by one tick. It must be pure with
// respect to orchestrator state: it reads only the context and the
// agent it was given, and returns writes instead of mutating shared
// structures. An error fails only this agent, not the batch.
type UpdateFunc func(ctx TickContext, a Agent) (Agent, []Effect, error)
