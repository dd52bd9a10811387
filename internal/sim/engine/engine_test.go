package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"gridmind.ai/internal/persistence/checkpoint"
	"gridmind.ai/internal/persistence/journal"
	"gridmind.ai/internal/protocol"
	"gridmind.ai/internal/sim/agent"
	"gridmind.ai/internal/sim/graph"
	"gridmind.ai/internal/sim/pool"
	"gridmind.ai/internal/sim/tuning"
)

func testTuning(workers int) tuning.Tuning {
	t := tuning.Defaults()
	t.Workers = workers
	t.TickRateHz = 50
	t.DispatchTimeoutMs = 2000
	t.RebalanceEveryTicks = 1000
	t.CheckpointEveryTicks = 1000
	return t
}

func testModel(t *testing.T) *graph.Model {
	t.Helper()
	m := graph.NewModel()
	for _, n := range []graph.Node{
		{ID: "z0-a", Zone: "z0", Subzone: "a"},
		{ID: "z0-b", Zone: "z0", Subzone: "b"},
		{ID: "z1-a", Zone: "z1", Subzone: "a"},
		{ID: "z1-b", Zone: "z1", Subzone: "b"},
	} {
		if err := m.AddNode(n); err != nil {
			t.Fatalf("add node %s: %v", n.ID, err)
		}
	}
	return m
}

func testOwners() map[string]int {
	return map[string]int{"z0-a": 0, "z0-b": 0, "z1-a": 1, "z1-b": 1}
}

func seedPerLocation(t *testing.T, e *Engine, perLoc int) {
	t.Helper()
	var items []agent.Agent
	for _, loc := range []string{"z0-a", "z0-b", "z1-a", "z1-b"} {
		for i := 0; i < perLoc; i++ {
			items = append(items, agent.Agent{
				ID:       fmt.Sprintf("%s-agent-%d", loc, i),
				Location: loc,
				Blob:     json.RawMessage(`{"n":0}`),
			})
		}
	}
	if err := e.SeedAgents(items); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

// bumpUpdate increments a counter in the blob.
func bumpUpdate(_ agent.TickContext, a agent.Agent) (agent.Agent, []agent.Effect, error) {
	var s struct {
		N int `json:"n"`
	}
	_ = json.Unmarshal(a.Blob, &s)
	s.N++
	a.Blob, _ = json.Marshal(s)
	return a, nil, nil
}

func blobCounter(t *testing.T, a agent.Agent) int {
	t.Helper()
	var s struct {
		N int `json:"n"`
	}
	if err := json.Unmarshal(a.Blob, &s); err != nil {
		t.Fatalf("blob %q: %v", a.Blob, err)
	}
	return s.N
}

type captureObserver struct {
	mu        sync.Mutex
	summaries []protocol.TickSummaryMsg
}

func (c *captureObserver) PublishSummary(s protocol.TickSummaryMsg) {
	c.mu.Lock()
	c.summaries = append(c.summaries, s)
	c.mu.Unlock()
}

func (c *captureObserver) last(t *testing.T) protocol.TickSummaryMsg {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.summaries) == 0 {
		t.Fatalf("no tick summary published")
	}
	return c.summaries[len(c.summaries)-1]
}

type fakeIndex struct {
	mu          sync.Mutex
	healthy     bool
	rows        []TickRow
	incidents   []Incident
	checkpoints int
}

func (f *fakeIndex) WriteTick(row TickRow) {
	f.mu.Lock()
	f.rows = append(f.rows, row)
	f.mu.Unlock()
}

func (f *fakeIndex) RecordIncident(inc Incident) {
	f.mu.Lock()
	f.incidents = append(f.incidents, inc)
	f.mu.Unlock()
}

func (f *fakeIndex) RecordCheckpoint(uint64, string, int) {
	f.mu.Lock()
	f.checkpoints++
	f.mu.Unlock()
}

func (f *fakeIndex) Healthy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy
}

type captureEvents struct {
	mu    sync.Mutex
	kinds []string
}

func (c *captureEvents) Publish(_ journal.Priority, _ uint64, kind string, _ any) bool {
	c.mu.Lock()
	c.kinds = append(c.kinds, kind)
	c.mu.Unlock()
	return true
}

func (c *captureEvents) has(kind string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range c.kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func newTestEngine(t *testing.T, tune tuning.Tuning, update agent.UpdateFunc, deps Deps) *Engine {
	t.Helper()
	e, err := New(nil, Config{SimID: "test", Tune: tune}, testModel(t), update, deps)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	e.SetOwners(testOwners())
	if err := e.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { e.Close(2 * time.Second) })
	return e
}

func awaitHealthy(t *testing.T, e *Engine, id int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.Pool().HealthOf(id) == pool.HealthHealthy {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("worker %d never became healthy, is %s", id, e.Pool().HealthOf(id))
}

func TestTickMergesAllWorkers(t *testing.T) {
	obs := &captureObserver{}
	ev := &captureEvents{}
	e := newTestEngine(t, testTuning(2), bumpUpdate, Deps{Observers: obs, Events: ev})
	seedPerLocation(t, e, 3)

	if err := e.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got := e.CurrentTick(); got != 1 {
		t.Fatalf("tick counter = %d, want 1", got)
	}
	for id, a := range e.agents {
		if n := blobCounter(t, a); n != 1 {
			t.Fatalf("agent %s counter = %d, want 1", id, n)
		}
	}

	sum := obs.last(t)
	if sum.Merged != 12 || sum.Failed != 0 || sum.Skipped != 0 {
		t.Fatalf("summary merged/failed/skipped = %d/%d/%d, want 12/0/0", sum.Merged, sum.Failed, sum.Skipped)
	}
	if len(sum.Items) != 12 {
		t.Fatalf("summary items = %d, want 12", len(sum.Items))
	}
	if !ev.has("tick") {
		t.Fatalf("no tick event published")
	}
}

func TestTickInFlightIsNoOp(t *testing.T) {
	e := newTestEngine(t, testTuning(2), bumpUpdate, Deps{})
	seedPerLocation(t, e, 1)

	e.phase.Store(phaseAwaiting)
	if err := e.Tick(context.Background()); err != nil {
		t.Fatalf("re-entrant tick: %v", err)
	}
	if got := e.CurrentTick(); got != 0 {
		t.Fatalf("re-entrant tick advanced counter to %d", got)
	}
	e.phase.Store(phaseIdle)
}

func TestInvalidWorkerPayloadIsolated(t *testing.T) {
	// Worker 1's results carry empty ids, which fail structural
	// validation. Worker 0's merge must land untouched and worker 1's
	// agents must keep their pre-tick state.
	update := func(tctx agent.TickContext, a agent.Agent) (agent.Agent, []agent.Effect, error) {
		a, _, _ = bumpUpdate(tctx, a)
		if strings.HasPrefix(a.Location, "z1") {
			a.ID = ""
		}
		return a, nil, nil
	}
	idx := &fakeIndex{healthy: true}
	obs := &captureObserver{}
	e := newTestEngine(t, testTuning(2), update, Deps{Index: idx, Observers: obs})
	seedPerLocation(t, e, 3)

	if err := e.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	for id, a := range e.agents {
		want := 0
		if strings.HasPrefix(a.Location, "z0") {
			want = 1
		}
		if n := blobCounter(t, a); n != want {
			t.Fatalf("agent %s counter = %d, want %d", id, n, want)
		}
	}
	if len(e.agents) != 12 {
		t.Fatalf("agent count = %d, want 12", len(e.agents))
	}

	sum := obs.last(t)
	if sum.Merged != 6 || sum.Failed != 1 {
		t.Fatalf("summary merged/failed = %d/%d, want 6/1", sum.Merged, sum.Failed)
	}
	idx.mu.Lock()
	incidents := len(idx.incidents)
	idx.mu.Unlock()
	if incidents == 0 {
		t.Fatalf("invalid payload produced no incident")
	}

	// The failed worker gets redistributed and respawned in the same
	// settlement, so the next tick runs at full strength.
	awaitHealthy(t, e, 1)
}

func TestWorkerTimeoutRecoversAfterTick(t *testing.T) {
	tune := testTuning(2)
	tune.DispatchTimeoutMs = 30
	update := func(tctx agent.TickContext, a agent.Agent) (agent.Agent, []agent.Effect, error) {
		if strings.HasPrefix(a.Location, "z1") {
			time.Sleep(400 * time.Millisecond)
		}
		return bumpUpdate(tctx, a)
	}
	obs := &captureObserver{}
	e := newTestEngine(t, tune, update, Deps{Observers: obs})
	seedPerLocation(t, e, 2)

	if err := e.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	sum := obs.last(t)
	if sum.Merged != 4 || sum.Failed != 1 {
		t.Fatalf("summary merged/failed = %d/%d, want 4/1", sum.Merged, sum.Failed)
	}
	for id, a := range e.agents {
		want := 0
		if strings.HasPrefix(a.Location, "z0") {
			want = 1
		}
		if n := blobCounter(t, a); n != want {
			t.Fatalf("agent %s counter = %d, want %d", id, n, want)
		}
	}
	awaitHealthy(t, e, 1)
}

func TestTotalCollapseIsFatal(t *testing.T) {
	tune := testTuning(1)
	update := func(agent.TickContext, agent.Agent) (agent.Agent, []agent.Effect, error) {
		panic("boom")
	}
	e, err := New(nil, Config{SimID: "test", Tune: tune}, testModel(t), update, Deps{})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	e.SetOwners(map[string]int{"z0-a": 0, "z0-b": 0, "z1-a": 0, "z1-b": 0})
	if err := e.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { e.Close(time.Second) })
	seedPerLocation(t, e, 1)

	err = e.Tick(context.Background())
	if err == nil {
		t.Fatalf("tick survived the sole worker's loss")
	}
	if !errors.Is(err, pool.ErrTotalCollapse) {
		t.Fatalf("error = %v, want %v", err, pool.ErrTotalCollapse)
	}
}

func TestGroupingFallsBackToHash(t *testing.T) {
	e := newTestEngine(t, testTuning(2), bumpUpdate, Deps{})
	if err := e.SeedAgents([]agent.Agent{
		{ID: "lost-1", Location: "nowhere", Blob: json.RawMessage(`{}`)},
		{ID: "lost-2", Location: "nowhere", Blob: json.RawMessage(`{}`)},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	batches := e.groupByWorker()
	w := fallbackOwner("nowhere", 2)
	if got := len(batches[w]); got != 2 {
		t.Fatalf("fallback worker %d got %d items, want 2", w, got)
	}
	if got := len(batches[1-w]); got != 0 {
		t.Fatalf("worker %d got %d items, want 0", 1-w, got)
	}
	if fallbackOwner("nowhere", 2) != w {
		t.Fatalf("fallback owner not deterministic")
	}
}

func TestLocationChangeMigratesOwnership(t *testing.T) {
	// The update moves every z0 agent to z1-a. The merge records the
	// new location, so the next grouping hands those agents to the
	// partition's owner without any explicit migration message.
	update := func(tctx agent.TickContext, a agent.Agent) (agent.Agent, []agent.Effect, error) {
		if strings.HasPrefix(a.Location, "z0") {
			a.Location = "z1-a"
		}
		return a, nil, nil
	}
	e := newTestEngine(t, testTuning(2), update, Deps{})
	seedPerLocation(t, e, 1)

	if err := e.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	batches := e.groupByWorker()
	if got := len(batches[1]); got != 4 {
		t.Fatalf("worker 1 batch = %d items after migration, want 4", got)
	}
	if got := len(batches[0]); got != 0 {
		t.Fatalf("worker 0 batch = %d items after migration, want 0", got)
	}
}

func TestSpawnAndDespawnEffects(t *testing.T) {
	spawned := false
	var mu sync.Mutex
	update := func(tctx agent.TickContext, a agent.Agent) (agent.Agent, []agent.Effect, error) {
		mu.Lock()
		defer mu.Unlock()
		if a.ID == "z0-a-agent-0" && !spawned {
			spawned = true
			payload, _ := json.Marshal(agent.SpawnPayload{ID: "child", Location: "z0-b", Blob: json.RawMessage(`{"n":0}`)})
			return a, []agent.Effect{{Kind: agent.EffectSpawn, Source: a.ID, Payload: payload}}, nil
		}
		if a.ID == "z0-b-agent-0" {
			return a, []agent.Effect{{Kind: agent.EffectDespawn, Source: a.ID, Target: a.ID}}, nil
		}
		return a, nil, nil
	}
	e := newTestEngine(t, testTuning(2), update, Deps{})
	seedPerLocation(t, e, 1)

	if err := e.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	child, ok := e.agents["child"]
	if !ok {
		t.Fatalf("spawn effect did not create the child")
	}
	if child.Location != "z0-b" {
		t.Fatalf("child location = %s, want z0-b", child.Location)
	}
	if _, ok := e.agents["z0-b-agent-0"]; ok {
		t.Fatalf("despawn effect did not remove the agent")
	}
}

func TestCheckpointSkippedWhileIndexUnhealthy(t *testing.T) {
	dir := t.TempDir()
	tune := testTuning(2)
	tune.CheckpointEveryTicks = 1
	idx := &fakeIndex{healthy: false}
	e := newTestEngine(t, tune, bumpUpdate, Deps{
		Checkpoints: checkpoint.NewStore(dir, 3),
		Index:       idx,
	})
	seedPerLocation(t, e, 1)

	if err := e.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := countCheckpoints(t, dir); n != 0 {
		t.Fatalf("unhealthy index still produced %d checkpoints", n)
	}

	idx.mu.Lock()
	idx.healthy = true
	idx.mu.Unlock()
	if err := e.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if countCheckpoints(t, dir) > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("healthy index produced no checkpoint")
}

func countCheckpoints(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read %s: %v", dir, err)
	}
	n := 0
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".zst" {
			n++
		}
	}
	return n
}

func TestDayPhaseQuarters(t *testing.T) {
	tune := testTuning(2)
	tune.DayTicks = 100
	e, err := New(nil, Config{SimID: "test", Tune: tune}, testModel(t), bumpUpdate, Deps{})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	cases := []struct {
		tick uint64
		want string
	}{
		{0, "dawn"},
		{24, "dawn"},
		{25, "day"},
		{50, "dusk"},
		{75, "night"},
		{99, "night"},
		{100, "dawn"},
		{175, "night"},
	}
	for _, tc := range cases {
		if got := e.dayPhase(tc.tick); got != tc.want {
			t.Fatalf("dayPhase(%d) = %s, want %s", tc.tick, got, tc.want)
		}
	}
}
