// Package engine drives the tick loop: snapshot the world, fan
// per-worker batches out, await the cohort, merge deterministically,
// recover failures, pace the loop. One orchestrator goroutine owns all
// authoritative state; workers only ever see immutable snapshots and
// their own batches.
package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"gridmind.ai/internal/persistence/checkpoint"
	"gridmind.ai/internal/sim/agent"
	"gridmind.ai/internal/sim/graph"
	"gridmind.ai/internal/sim/partition"
	"gridmind.ai/internal/sim/pool"
	"gridmind.ai/internal/sim/tuning"
)

// Tick phases. Only one tick is ever non-idle; re-entrant Tick calls
// while in flight are no-ops.
const (
	phaseIdle int32 = iota
	phaseDispatching
	phaseAwaiting
	phaseMerging
)

type Config struct {
	SimID string
	Tune  tuning.Tuning

	// StartTick/StartSimTimeUnix resume a recovered run; zero means a
	// fresh one.
	StartTick        uint64
	StartSimTimeUnix int64
}

// Deps are the external collaborators. Every one of them is optional;
// a nil dependency disables that surface.
type Deps struct {
	Checkpoints *checkpoint.Store
	Index       Index
	Events      EventSink
	Observers   SummaryPublisher
}

type Engine struct {
	log  *log.Logger
	cfg  Config
	tune tuning.Tuning
	deps Deps

	model   *graph.Model
	builder *graph.Builder
	snap    *graph.Snapshot
	part    *partition.Partitioner
	pool    *pool.Manager

	// agents is the authoritative item store, mutated only by the
	// merge phase. agentCount mirrors its size for concurrent readers.
	agents     map[string]agent.Agent
	agentCount atomic.Int64

	tick      atomic.Uint64
	simTimeMs int64

	phase atomic.Int32
	pacer *pacer

	syncInflight atomic.Bool

	runStarted atomic.Bool
	stop       chan struct{}
	stopOnce   sync.Once
	done       chan struct{}
}

func New(logger *log.Logger, cfg Config, model *graph.Model, update agent.UpdateFunc, deps Deps) (*Engine, error) {
	if err := cfg.Tune.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	if model == nil || model.Len() == 0 {
		return nil, fmt.Errorf("engine: empty world model")
	}
	if update == nil {
		return nil, fmt.Errorf("engine: nil update function")
	}

	builder := graph.NewBuilder()
	snap, err := builder.Build(model)
	if err != nil {
		return nil, fmt.Errorf("engine: initial snapshot: %w", err)
	}

	part := partition.New(logger)
	nodes, _ := model.Export()
	owners := part.Assign(nodes, cfg.Tune.Workers)

	pm := pool.NewManager(logger, pool.Config{
		Workers:         cfg.Tune.Workers,
		DispatchTimeout: time.Duration(cfg.Tune.DispatchTimeoutMs) * time.Millisecond,
		BreakerWindow:   time.Duration(cfg.Tune.Breaker.WindowSeconds) * time.Second,
		BreakerMax:      cfg.Tune.Breaker.MaxFailures,
	}, update)
	pm.SetSnapshot(snap)
	pm.SetOwners(owners)

	nominal := time.Second / time.Duration(cfg.Tune.TickRateHz)
	e := &Engine{
		log:       logger,
		cfg:       cfg,
		tune:      cfg.Tune,
		deps:      deps,
		model:     model,
		builder:   builder,
		snap:      snap,
		part:      part,
		pool:      pm,
		agents:    map[string]agent.Agent{},
		simTimeMs: cfg.StartSimTimeUnix * 1000,
		pacer: newPacer(
			nominal,
			time.Duration(cfg.Tune.Pacing.StepMs)*time.Millisecond,
			nominal*time.Duration(cfg.Tune.Pacing.MaxFactor),
			cfg.Tune.Pacing.LagThreshold,
			cfg.Tune.Pacing.RecoveryThreshold,
		),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	e.tick.Store(cfg.StartTick)
	return e, nil
}

// SeedAgents loads work items into the authoritative store. Valid only
// between ticks.
func (e *Engine) SeedAgents(items []agent.Agent) error {
	if e.phase.Load() != phaseIdle {
		return fmt.Errorf("engine: seed while tick in flight")
	}
	for _, a := range items {
		if a.ID == "" {
			return fmt.Errorf("engine: seed item without id")
		}
		e.agents[a.ID] = a
	}
	e.agentCount.Store(int64(len(e.agents)))
	return nil
}

// SetOwners overrides the partition ownership map. Valid only between
// ticks; normal callers let the initial Assign and Rebalance manage it.
func (e *Engine) SetOwners(owners map[string]int) {
	e.pool.SetOwners(owners)
}

// SetObservers attaches the summary publisher. The observer server
// needs the engine to answer bootstraps, so it cannot exist before New
// returns; call this before Start.
func (e *Engine) SetObservers(p SummaryPublisher) {
	e.deps.Observers = p
}

func (e *Engine) CurrentTick() uint64 { return e.tick.Load() }
func (e *Engine) SimID() string       { return e.cfg.SimID }
func (e *Engine) Workers() int        { return e.tune.Workers }
func (e *Engine) TickRateHz() int     { return e.tune.TickRateHz }
func (e *Engine) AgentCount() int     { return int(e.agentCount.Load()) }
func (e *Engine) Pool() *pool.Manager { return e.pool }

// Start spawns the worker pool. Boot fails only when not a single
// worker comes up; partial pools run with reduced coverage.
func (e *Engine) Start() error {
	healthy := 0
	for w := 0; w < e.tune.Workers; w++ {
		if err := e.pool.Spawn(w); err != nil {
			if e.log != nil {
				e.log.Printf("spawn worker %d: %v", w, err)
			}
			continue
		}
		healthy++
	}
	if healthy == 0 {
		return fmt.Errorf("engine: %w", pool.ErrTotalCollapse)
	}
	if e.log != nil {
		e.log.Printf("pool up: %d/%d workers healthy", healthy, e.tune.Workers)
	}
	return nil
}

// Run drives ticks at the adaptive target rate until Stop or context
// cancellation. A fatal error (total collapse) aborts the loop and
// propagates; everything milder is contained inside Tick.
func (e *Engine) Run(ctx context.Context) error {
	e.runStarted.Store(true)
	defer close(e.done)
	for {
		select {
		case <-e.stop:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		started := time.Now()
		if err := e.Tick(ctx); err != nil {
			if e.log != nil {
				e.log.Printf("FATAL tick %d: %v", e.tick.Load(), err)
			}
			return err
		}
		elapsed := time.Since(started)
		target := e.pacer.observe(elapsed)

		if wait := target - elapsed; wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-e.stop:
				timer.Stop()
				return nil
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}
	}
}

// Stop asks the loop to drain: the in-flight tick completes, then Run
// returns.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
}

// Close shuts the engine down: stop the loop, wait for the in-flight
// tick bounded by the hard ceiling, flush a final checkpoint, and
// terminate every worker. It never hangs past the ceiling.
func (e *Engine) Close(ceiling time.Duration) {
	e.Stop()
	deadline := time.Now().Add(ceiling)

	if e.runStarted.Load() {
		select {
		case <-e.done:
		case <-time.After(ceiling):
			if e.log != nil {
				e.log.Printf("shutdown ceiling hit with tick still in flight; forcing termination")
			}
		}
	}

	if e.deps.Checkpoints != nil && e.phase.Load() == phaseIdle {
		if path, err := e.deps.Checkpoints.Save(e.buildCheckpoint(e.tick.Load())); err != nil {
			if e.log != nil {
				e.log.Printf("final checkpoint: %v", err)
			}
		} else if e.deps.Index != nil {
			e.deps.Index.RecordCheckpoint(e.tick.Load(), path, len(e.agents))
		}
	}

	remaining := time.Until(deadline)
	if remaining < 100*time.Millisecond {
		remaining = 100 * time.Millisecond
	}
	e.pool.Shutdown(remaining)
}
