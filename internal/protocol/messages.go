package protocol

import "encoding/json"

// UpdatedItem is one work item as returned by a worker: identity,
// the location it wants to occupy next tick, and the opaque state blob.
type UpdatedItem struct {
	ID       string          `json:"id"`
	Location string          `json:"location"`
	Blob     json.RawMessage `json:"blob,omitempty"`
}

// EffectMsg is a side effect emitted by an agent update. Effects from
// different workers carry no relative order within a tick; consumers
// key on (tick, source) when they need one.
type EffectMsg struct {
	Kind    string          `json:"kind"`
	Source  string          `json:"source,omitempty"`
	Target  string          `json:"target,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ResultEnvelope is the wire form of one worker's answer for one
// dispatch. Workers serialize it before handing it back so the
// orchestrator can validate structure before trusting any field.
type ResultEnvelope struct {
	Type       string        `json:"type"`
	DispatchID string        `json:"dispatch_id"`
	WorkerID   int           `json:"worker_id"`
	Tick       uint64        `json:"tick"`
	Updated    []UpdatedItem `json:"updated,omitempty"`
	Effects    []EffectMsg   `json:"effects,omitempty"`
	// Error is set when the worker failed wholesale (panic, poisoned
	// batch). A non-empty Error means Updated/Effects must be ignored.
	Error string `json:"error,omitempty"`
	// ItemErrors counts per-item update failures that were passed
	// through unchanged rather than failing the whole batch.
	ItemErrors int `json:"item_errors,omitempty"`
}

// SubscribeMsg is the observer handshake (client -> server).
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
}

// PartitionLoad reports per-worker load in a tick summary.
type PartitionLoad struct {
	Worker     int `json:"worker"`
	Partitions int `json:"partitions"`
	Items      int `json:"items"`
}

// ItemRef is the compact per-item entry of a tick summary.
type ItemRef struct {
	ID       string `json:"id"`
	Location string `json:"location"`
	Worker   int    `json:"worker"`
}

// TickSummaryMsg is published once per completed tick (server -> observer).
type TickSummaryMsg struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	Tick            uint64          `json:"tick"`
	SimTimeUnix     int64           `json:"sim_time_unix"`
	Phase           string          `json:"phase,omitempty"`
	DurationMs      int64           `json:"duration_ms"`
	TargetMs        int64           `json:"target_ms"`
	Items           []ItemRef       `json:"items"`
	Load            []PartitionLoad `json:"load"`
	Merged          int             `json:"merged"`
	Failed          int             `json:"failed"`
	Skipped         int             `json:"skipped"`
	SnapshotVersion uint64          `json:"snapshot_version"`
}

// BootstrapResponse answers the observer bootstrap GET before the
// websocket upgrade.
type BootstrapResponse struct {
	ProtocolVersion string `json:"protocol_version"`
	SimID           string `json:"sim_id"`
	Tick            uint64 `json:"tick"`
	TickRateHz      int    `json:"tick_rate_hz"`
	Workers         int    `json:"workers"`
	Agents          int    `json:"agents"`
}
