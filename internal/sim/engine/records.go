package engine

import (
	"gridmind.ai/internal/persistence/journal"
	"gridmind.ai/internal/protocol"
)

// TickRow is the per-tick record handed to the index.
type TickRow struct {
	Tick            uint64 `json:"tick"`
	SimTimeUnix     int64  `json:"sim_time_unix"`
	DurationMs      int64  `json:"duration_ms"`
	TargetMs        int64  `json:"target_ms"`
	Items           int    `json:"items"`
	Merged          int    `json:"merged"`
	Failed          int    `json:"failed"`
	Skipped         int    `json:"skipped"`
	SnapshotVersion uint64 `json:"snapshot_version"`
}

// Incident records one worker failure event.
type Incident struct {
	Tick   uint64 `json:"tick"`
	Worker int    `json:"worker"`
	Kind   string `json:"kind"`
	Detail string `json:"detail,omitempty"`
}

// Index is the persistence read-model the engine reports into. Its
// Healthy signal gates checkpoint syncs: an unhealthy backend means
// the sync is skipped, not queued.
type Index interface {
	WriteTick(row TickRow)
	RecordIncident(inc Incident)
	RecordCheckpoint(tick uint64, path string, agents int)
	Healthy() bool
}

// EventSink is the fire-and-forget journal surface.
type EventSink interface {
	Publish(p journal.Priority, tick uint64, kind string, payload any) bool
}

// SummaryPublisher receives the per-tick observability summary.
type SummaryPublisher interface {
	PublishSummary(protocol.TickSummaryMsg)
}
