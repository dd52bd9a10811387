// Package pool owns worker lifecycle: spawning, health tracking,
// per-worker circuit breaking, timeout detection, and redistribution
// of a dead worker's partitions. Workers never talk to each other;
// every exchange goes through the manager.
package pool

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"gridmind.ai/internal/protocol"
	"gridmind.ai/internal/sim/agent"
	"gridmind.ai/internal/sim/graph"
	"gridmind.ai/internal/sim/partition"
)

var (
	// ErrTotalCollapse: zero healthy workers remain. Fatal; the
	// orchestrator must propagate it, never swallow it.
	ErrTotalCollapse = errors.New("pool: no healthy worker remains")

	// ErrNotHealthy: dispatch or spawn refused because of the
	// worker's current health state.
	ErrNotHealthy = errors.New("pool: worker not healthy")

	errUnknownWorker = errors.New("pool: unknown worker")
)

type Config struct {
	Workers         int
	DispatchTimeout time.Duration
	SpawnTimeout    time.Duration
	BreakerWindow   time.Duration
	BreakerMax      int

	// Now is the clock used by the circuit breaker; nil means
	// time.Now. Tests inject a fake.
	Now func() time.Time
}

func (c *Config) normalize() {
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 1500 * time.Millisecond
	}
	if c.SpawnTimeout <= 0 {
		c.SpawnTimeout = 2 * time.Second
	}
	if c.BreakerWindow <= 0 {
		c.BreakerWindow = time.Minute
	}
	if c.BreakerMax < 1 {
		c.BreakerMax = 3
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

type Manager struct {
	log    *log.Logger
	cfg    Config
	update agent.UpdateFunc

	mu       sync.Mutex
	workers  map[int]*worker
	health   map[int]Health
	owners   map[string]int
	breakers map[int]*failureWindow
	snap     *graph.Snapshot

	// inflight marks a tick between BeginTick and EndTick. A worker
	// exiting while it is set is only recorded; recovery is deferred
	// to the await path so a respawn never races a pending dispatch.
	inflight bool
	deferred map[int]bool
}

func NewManager(logger *log.Logger, cfg Config, update agent.UpdateFunc) *Manager {
	cfg.normalize()
	m := &Manager{
		log:      logger,
		cfg:      cfg,
		update:   update,
		workers:  map[int]*worker{},
		health:   map[int]Health{},
		breakers: map[int]*failureWindow{},
		owners:   map[string]int{},
		deferred: map[int]bool{},
	}
	for i := 0; i < cfg.Workers; i++ {
		m.health[i] = HealthDead
		m.breakers[i] = &failureWindow{window: cfg.BreakerWindow, max: cfg.BreakerMax}
	}
	return m
}

func (m *Manager) Workers() int { return m.cfg.Workers }

// SetSnapshot swaps the snapshot used to validate future spawns.
// Workers pick the new version up with their next batch and drop
// caches keyed by the old one.
func (m *Manager) SetSnapshot(snap *graph.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = snap
}

// SetOwners replaces the full partition ownership map.
func (m *Manager) SetOwners(owners map[string]int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.owners = make(map[string]int, len(owners))
	for loc, w := range owners {
		m.owners[loc] = w
	}
}

// ApplyMoves applies incremental rebalance reassignments.
func (m *Manager) ApplyMoves(moves []partition.Move) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mv := range moves {
		if cur, ok := m.owners[mv.Location]; ok && cur == mv.From {
			m.owners[mv.Location] = mv.To
		}
	}
}

func (m *Manager) OwnerOf(location string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.owners[location]
	return w, ok
}

// Owners returns a copy of the ownership map.
func (m *Manager) Owners() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.owners))
	for loc, w := range m.owners {
		out[loc] = w
	}
	return out
}

func (m *Manager) HealthOf(id int) Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.health[id]
}

// HealthyWorkers returns the ids currently able to take a batch,
// sorted for deterministic iteration.
func (m *Manager) HealthyWorkers() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int
	for id, h := range m.health {
		if h == HealthHealthy {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids
}

// ownedBy returns the partitions owned by a worker. Caller holds mu.
func (m *Manager) ownedBy(id int) []string {
	var locs []string
	for loc, w := range m.owners {
		if w == id {
			locs = append(locs, loc)
		}
	}
	sort.Strings(locs)
	return locs
}

// Spawn starts the execution context for a worker id. The assigned
// partitions are validated against the current snapshot first: a
// partition the snapshot does not know means the worker would run
// with a partial view, so the spawn fails fast instead.
func (m *Manager) Spawn(id int) error {
	m.mu.Lock()
	if id < 0 || id >= m.cfg.Workers {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d", errUnknownWorker, id)
	}
	if h := m.health[id]; h == HealthHealthy || h == HealthInitializing {
		m.mu.Unlock()
		return fmt.Errorf("pool: worker %d already %s", id, h)
	}
	snap := m.snap
	assigned := m.ownedBy(id)
	for _, loc := range assigned {
		if snap == nil || !snap.HasLocation(loc) {
			m.mu.Unlock()
			return fmt.Errorf("pool: worker %d assigned partition %s missing from snapshot", id, loc)
		}
	}
	m.health[id] = HealthInitializing
	ackCh := make(chan error, 1)
	w := startWorker(id, m.update, assigned, snap, ackCh)
	m.workers[id] = w
	m.mu.Unlock()

	select {
	case err := <-ackCh:
		m.mu.Lock()
		if err != nil {
			m.health[id] = HealthDead
			delete(m.workers, id)
			m.mu.Unlock()
			w.cancel()
			return fmt.Errorf("pool: spawn worker %d: %w", id, err)
		}
		m.health[id] = HealthHealthy
		m.mu.Unlock()
	case <-time.After(m.cfg.SpawnTimeout):
		m.mu.Lock()
		m.health[id] = HealthDead
		delete(m.workers, id)
		m.mu.Unlock()
		w.cancel()
		return fmt.Errorf("pool: spawn worker %d: ack timeout", id)
	}

	go m.watch(id, w)
	if m.log != nil {
		m.log.Printf("worker %d healthy (%d partitions)", id, len(assigned))
	}
	return nil
}

// watch turns a context exit into a health transition. If a tick is in
// flight the recovery is deferred: the await path must redistribute
// first, then respawn, so a fresh context never races a still-pending
// dispatch.
func (m *Manager) watch(id int, w *worker) {
	<-w.exited

	m.mu.Lock()
	if m.workers[id] != w {
		// A newer context already replaced this one.
		m.mu.Unlock()
		return
	}
	delete(m.workers, id)
	switch m.health[id] {
	case HealthHanging, HealthHealthy, HealthInitializing:
		m.health[id] = HealthDead
	}
	if m.inflight {
		m.deferred[id] = true
		m.mu.Unlock()
		if m.log != nil {
			m.log.Printf("worker %d exited mid-tick (%v); recovery deferred to tick settlement", id, w.exitErr)
		}
		return
	}
	m.mu.Unlock()

	if m.log != nil {
		m.log.Printf("worker %d exited between ticks (%v); recovering", id, w.exitErr)
	}
	if err := m.Recover(id); err != nil && m.log != nil {
		m.log.Printf("recover worker %d: %v", id, err)
	}
}

// BeginTick marks a tick in flight, suppressing spontaneous respawns.
func (m *Manager) BeginTick() {
	m.mu.Lock()
	m.inflight = true
	m.mu.Unlock()
}

// EndTick clears the in-flight mark and recovers workers whose exits
// were deferred and not already handled by the await path.
func (m *Manager) EndTick() error {
	m.mu.Lock()
	m.inflight = false
	var pending []int
	for id := range m.deferred {
		if m.health[id] == HealthDead {
			pending = append(pending, id)
		}
		delete(m.deferred, id)
	}
	m.mu.Unlock()

	sort.Ints(pending)
	for _, id := range pending {
		if err := m.Recover(id); err != nil {
			return err
		}
	}
	return nil
}

// Dispatch sends a batch to a healthy worker and returns a handle that
// resolves exactly once: with the validated result, or with the
// classified failure. A timeout abandons the handle's dispatch, marks
// the worker hanging, and force-terminates its context.
func (m *Manager) Dispatch(id int, items []agent.Agent, tctx agent.TickContext, deadline time.Duration) (*Handle, error) {
	if deadline <= 0 {
		deadline = m.cfg.DispatchTimeout
	}

	m.mu.Lock()
	if m.health[id] != HealthHealthy {
		h := m.health[id]
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: worker %d is %s", ErrNotHealthy, id, h)
	}
	w := m.workers[id]
	m.mu.Unlock()
	if w == nil {
		return nil, fmt.Errorf("%w: worker %d has no context", ErrNotHealthy, id)
	}

	h := &Handle{
		Worker:     id,
		DispatchID: uuid.NewString(),
		ch:         make(chan Outcome, 1),
	}
	go m.dispatch(h, w, items, tctx, deadline)
	return h, nil
}

func (m *Manager) dispatch(h *Handle, w *worker, items []agent.Agent, tctx agent.TickContext, deadline time.Duration) {
	reply := make(chan []byte, 1)
	msg := batchMsg{dispatchID: h.DispatchID, tctx: tctx, items: items, reply: reply}

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case w.inbox <- msg:
	case <-w.exited:
		h.resolve(Outcome{Kind: OutcomeFailure, Worker: h.Worker, Err: exitError(w)})
		return
	case <-timer.C:
		m.timeout(h, w)
		return
	}

	select {
	case raw := <-reply:
		h.resolve(m.classify(h, raw))
	case <-w.exited:
		h.resolve(Outcome{Kind: OutcomeFailure, Worker: h.Worker, Err: exitError(w)})
	case <-timer.C:
		m.timeout(h, w)
	}
}

// timeout abandons the dispatch and force-terminates the context. The
// termination raises the exit signal, which watch() turns into dead.
func (m *Manager) timeout(h *Handle, w *worker) {
	m.mu.Lock()
	if m.health[h.Worker] == HealthHealthy {
		m.health[h.Worker] = HealthHanging
	}
	m.mu.Unlock()
	if m.log != nil {
		m.log.Printf("worker %d dispatch %s timed out; terminating context", h.Worker, h.DispatchID)
	}
	w.cancel()
	h.resolve(Outcome{Kind: OutcomeTimedOut, Worker: h.Worker,
		Err: fmt.Errorf("pool: worker %d dispatch timed out", h.Worker)})
}

// classify validates a raw reply. Structural failure or a stale
// dispatch id is OutcomeInvalid; an envelope-level error from the
// worker is OutcomeFailure.
func (m *Manager) classify(h *Handle, raw []byte) Outcome {
	env, err := m.ValidateResult(h.Worker, raw)
	if err != nil {
		return Outcome{Kind: OutcomeInvalid, Worker: h.Worker, Err: err}
	}
	if env.DispatchID != h.DispatchID {
		return Outcome{Kind: OutcomeInvalid, Worker: h.Worker,
			Err: fmt.Errorf("pool: worker %d answered stale dispatch %s", h.Worker, env.DispatchID)}
	}
	if env.Error != "" {
		return Outcome{Kind: OutcomeFailure, Worker: h.Worker,
			Err: fmt.Errorf("pool: worker %d failed: %s", h.Worker, env.Error)}
	}
	return Outcome{Kind: OutcomeSuccess, Worker: h.Worker, Result: env}
}

// ValidateResult checks a raw result envelope structurally: it must be
// a record, any updated-items field a sequence of records with valid
// ids, any effects field a sequence. A result failing here is
// discarded wholesale, never partially merged.
func (m *Manager) ValidateResult(id int, raw []byte) (protocol.ResultEnvelope, error) {
	env, err := protocol.DecodeResult(raw)
	if err != nil {
		return env, fmt.Errorf("worker %d: %w", id, err)
	}
	if env.WorkerID != id {
		return env, fmt.Errorf("worker %d: envelope claims worker %d", id, env.WorkerID)
	}
	return env, nil
}

// RecordFailure appends a failure to the worker's sliding window and
// reports whether a respawn is still allowed.
func (m *Manager) RecordFailure(id int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.breakers[id]
	if b == nil {
		return false
	}
	return b.record(m.cfg.Now())
}

// ResetCircuit clears a quarantined worker's failure window. The
// worker stays dead_processed until something spawns it again.
func (m *Manager) ResetCircuit(id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.health[id] != HealthCircuitOpen {
		return fmt.Errorf("pool: worker %d is %s, not circuit_open", id, m.health[id])
	}
	m.breakers[id].reset()
	m.health[id] = HealthDeadProcessed
	if m.log != nil {
		m.log.Printf("worker %d circuit reset", id)
	}
	return nil
}

// HandlePermanentLoss reassigns everything a dead worker owned to a
// currently-healthy worker. Idempotent: a worker already processed is
// a no-op. Zero healthy workers anywhere is total collapse and comes
// back as ErrTotalCollapse; callers must propagate it.
func (m *Manager) HandlePermanentLoss(id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.health[id] == HealthDeadProcessed {
		return nil
	}

	target := -1
	for wid, h := range m.health {
		if wid != id && h == HealthHealthy {
			if target == -1 || wid < target {
				target = wid
			}
		}
	}
	if target == -1 {
		return ErrTotalCollapse
	}

	moved := 0
	for loc, w := range m.owners {
		if w == id {
			m.owners[loc] = target
			moved++
		}
	}

	if w := m.workers[id]; w != nil {
		delete(m.workers, id)
		w.cancel()
	}
	if m.health[id] != HealthCircuitOpen {
		m.health[id] = HealthDeadProcessed
	}
	if m.log != nil {
		m.log.Printf("worker %d loss processed: %d partitions -> worker %d", id, moved, target)
	}
	return nil
}

// Recover runs the standard loss path: redistribute, then a
// circuit-breaker-gated respawn. A tripped breaker quarantines the
// worker instead of retrying forever.
func (m *Manager) Recover(id int) error {
	if err := m.HandlePermanentLoss(id); err != nil {
		return err
	}
	if !m.RecordFailure(id) {
		m.mu.Lock()
		m.health[id] = HealthCircuitOpen
		m.mu.Unlock()
		if m.log != nil {
			m.log.Printf("ERROR worker %d circuit open: %d failures within window, quarantined", id, m.cfg.BreakerMax)
		}
		return nil
	}
	if err := m.Spawn(id); err != nil {
		if m.log != nil {
			m.log.Printf("respawn worker %d: %v", id, err)
		}
	}
	return nil
}

// Shutdown force-terminates every context and waits for exits, bounded
// by the deadline.
func (m *Manager) Shutdown(deadline time.Duration) {
	m.mu.Lock()
	var ws []*worker
	for id, w := range m.workers {
		ws = append(ws, w)
		m.health[id] = HealthDead
	}
	m.workers = map[int]*worker{}
	m.mu.Unlock()

	for _, w := range ws {
		w.cancel()
	}
	timer := time.NewTimer(deadline)
	defer timer.Stop()
	for _, w := range ws {
		select {
		case <-w.exited:
		case <-timer.C:
			if m.log != nil {
				m.log.Printf("shutdown: worker %d did not exit before deadline", w.id)
			}
			return
		}
	}
}

func exitError(w *worker) error {
	if w.exitErr != nil {
		return fmt.Errorf("pool: worker %d exited: %w", w.id, w.exitErr)
	}
	return fmt.Errorf("pool: worker %d exited", w.id)
}
