package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"gridmind.ai/internal/sim/engine"
)

// SQLiteIndex is a secondary read-model of the run: tick rows, worker
// incidents and checkpoint records, written by a single goroutine off
// the tick path. Writes are dropped when the indexer falls behind; the
// journal remains the source of truth.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed  atomic.Bool
	healthy atomic.Bool
	dropped atomic.Uint64
}

type reqKind int

const (
	reqTick reqKind = iota + 1
	reqIncident
	reqCheckpoint
	reqMeta
)

type req struct {
	kind reqKind

	tick       engine.TickRow
	incident   engine.Incident
	checkpoint checkpointRow
	meta       [2]string
}

type checkpointRow struct {
	Tick       uint64
	Path       string
	Agents     int
	RecordedAt string
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		// High buffer: a burst of incidents during a bad tick must not
		// stall the orchestrator.
		ch: make(chan req, 65536),
	}
	s.healthy.Store(true)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL is much faster for append-style workloads.
	// NORMAL is a decent durability/perf tradeoff for a secondary index.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS ticks (
			tick INTEGER PRIMARY KEY,
			sim_time_unix INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			target_ms INTEGER NOT NULL,
			items INTEGER NOT NULL,
			merged INTEGER NOT NULL,
			failed INTEGER NOT NULL,
			skipped INTEGER NOT NULL,
			snapshot_version INTEGER NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS incidents (
			tick INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			worker INTEGER NOT NULL,
			kind TEXT NOT NULL,
			detail TEXT,
			PRIMARY KEY (tick, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_worker_tick ON incidents(worker, tick);`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_kind_tick ON incidents(kind, tick);`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			tick INTEGER PRIMARY KEY,
			path TEXT NOT NULL,
			agents INTEGER NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// Healthy reports whether the last write round-trip succeeded. The
// orchestrator skips checkpoint syncs while this is false.
func (s *SQLiteIndex) Healthy() bool {
	if s == nil || s.closed.Load() {
		return false
	}
	return s.healthy.Load()
}

// Dropped reports how many writes were shed because the writer fell
// behind.
func (s *SQLiteIndex) Dropped() uint64 { return s.dropped.Load() }

func (s *SQLiteIndex) WriteTick(row engine.TickRow) {
	if s == nil || s.closed.Load() {
		return
	}
	s.enqueue(req{kind: reqTick, tick: row})
}

func (s *SQLiteIndex) RecordIncident(inc engine.Incident) {
	if s == nil || s.closed.Load() {
		return
	}
	s.enqueue(req{kind: reqIncident, incident: inc})
}

func (s *SQLiteIndex) RecordCheckpoint(tick uint64, path string, agents int) {
	if s == nil || s.closed.Load() {
		return
	}
	s.enqueue(req{kind: reqCheckpoint, checkpoint: checkpointRow{
		Tick:       tick,
		Path:       path,
		Agents:     agents,
		RecordedAt: time.Now().UTC().Format(time.RFC3339),
	}})
}

// SetMeta records a run-scoped key such as sim_id or protocol_version.
func (s *SQLiteIndex) SetMeta(key, value string) {
	if s == nil || s.closed.Load() {
		return
	}
	s.enqueue(req{kind: reqMeta, meta: [2]string{key, value}})
}

func (s *SQLiteIndex) enqueue(r req) {
	select {
	case s.ch <- r:
	default:
		s.dropped.Add(1)
	}
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertTick, _ := s.db.Prepare(`INSERT OR REPLACE INTO ticks(tick,sim_time_unix,duration_ms,target_ms,items,merged,failed,skipped,snapshot_version,raw_json) VALUES(?,?,?,?,?,?,?,?,?,?)`)
	insertIncident, _ := s.db.Prepare(`INSERT OR REPLACE INTO incidents(tick,seq,worker,kind,detail) VALUES(?,?,?,?,?)`)
	insertCheckpoint, _ := s.db.Prepare(`INSERT OR REPLACE INTO checkpoints(tick,path,agents,recorded_at) VALUES(?,?,?,?)`)
	insertMeta, _ := s.db.Prepare(`INSERT OR REPLACE INTO meta(key,value) VALUES(?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertTick, insertIncident, insertCheckpoint, insertMeta} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
		commitMaxWait = 2 * time.Second

		lastIncidentTick uint64
		incidentSeq      int
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			s.healthy.Store(false)
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.healthy.Store(false)
		} else {
			s.healthy.Store(true)
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		s.healthy.Store(false)
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqTick:
			raw, _ := json.Marshal(r.tick)
			if insertTick != nil {
				if _, err := tx.Stmt(insertTick).Exec(
					int64(r.tick.Tick),
					r.tick.SimTimeUnix,
					r.tick.DurationMs,
					r.tick.TargetMs,
					r.tick.Items,
					r.tick.Merged,
					r.tick.Failed,
					r.tick.Skipped,
					int64(r.tick.SnapshotVersion),
					string(raw),
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}
			// A tick row is the natural unit of visibility; committing
			// here keeps readers at most one tick behind.
			commit()

		case reqIncident:
			inc := r.incident
			if inc.Tick != lastIncidentTick {
				lastIncidentTick = inc.Tick
				incidentSeq = 0
			}
			seq := incidentSeq
			incidentSeq++
			if insertIncident != nil {
				if _, err := tx.Stmt(insertIncident).Exec(
					int64(inc.Tick), seq, inc.Worker, inc.Kind, inc.Detail,
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}

		case reqCheckpoint:
			cp := r.checkpoint
			if insertCheckpoint != nil {
				if _, err := tx.Stmt(insertCheckpoint).Exec(
					int64(cp.Tick), cp.Path, cp.Agents, cp.RecordedAt,
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}
			commit()

		case reqMeta:
			if insertMeta != nil {
				if _, err := tx.Stmt(insertMeta).Exec(r.meta[0], r.meta[1]); err != nil {
					rollback()
					continue
				}
				opCount++
			}
		}
		flushIfNeeded()
	}
	commit()
}

// LatestTick reads back the newest indexed tick row, or false when the
// index is empty. Reads run on the same single connection and should
// stay off the hot path.
func (s *SQLiteIndex) LatestTick() (engine.TickRow, bool, error) {
	var raw string
	err := s.db.QueryRow(`SELECT raw_json FROM ticks ORDER BY tick DESC LIMIT 1`).Scan(&raw)
	if err == sql.ErrNoRows {
		return engine.TickRow{}, false, nil
	}
	if err != nil {
		return engine.TickRow{}, false, err
	}
	var row engine.TickRow
	if err := json.Unmarshal([]byte(raw), &row); err != nil {
		return engine.TickRow{}, false, err
	}
	return row, true, nil
}

// IncidentsSince lists incidents at or after the given tick, oldest
// first.
func (s *SQLiteIndex) IncidentsSince(tick uint64) ([]engine.Incident, error) {
	rows, err := s.db.Query(`SELECT tick, worker, kind, COALESCE(detail,'') FROM incidents WHERE tick >= ? ORDER BY tick, seq`, int64(tick))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []engine.Incident
	for rows.Next() {
		var inc engine.Incident
		var t int64
		if err := rows.Scan(&t, &inc.Worker, &inc.Kind, &inc.Detail); err != nil {
			return nil, err
		}
		inc.Tick = uint64(t)
		out = append(out, inc)
	}
	return out, rows.Err()
}
