package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"hash/fnv"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gridmind.ai/internal/persistence/checkpoint"
	"gridmind.ai/internal/persistence/indexdb"
	"gridmind.ai/internal/persistence/journal"
	"gridmind.ai/internal/protocol"
	"gridmind.ai/internal/sim/agent"
	"gridmind.ai/internal/sim/engine"
	"gridmind.ai/internal/sim/graph"
	"gridmind.ai/internal/sim/tuning"
	"gridmind.ai/internal/transport/observer"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		simID      = flag.String("sim", "sim_1", "simulation id")
		seed       = flag.Int64("seed", 1337, "world seed (used only when starting a fresh run)")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "./configs/tuning.yaml", "path to tuning.yaml")
		zones      = flag.Int("zones", 8, "zone count for a fresh world")
		subzones   = flag.Int("subzones", 8, "subzones per zone for a fresh world")
		agents     = flag.Int("agents", 200, "agent count for a fresh run")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite read-model index")
		loadLatest = flag.Bool("load_latest_checkpoint", true, "resume from the newest readable checkpoint if present")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	tune, err := tuning.Load(*tuningPath)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Printf("tuning not found (%s); using defaults", *tuningPath)
			tune = tuning.Defaults()
		} else {
			logger.Fatalf("load tuning: %v", err)
		}
	}
	if tune.ProtocolVersion != protocol.Version {
		logger.Fatalf("protocol version mismatch: tuning=%s server=%s", tune.ProtocolVersion, protocol.Version)
	}

	simDir := filepath.Join(*dataDir, "sims", *simID)
	_ = os.MkdirAll(simDir, 0o755)

	// Read-model index (does not affect sim determinism).
	var idx *indexdb.SQLiteIndex
	if !*disableDB {
		idx, err = indexdb.OpenSQLite(filepath.Join(simDir, "index.db"))
		if err != nil {
			logger.Fatalf("open index backend: %v", err)
		}
		defer idx.Close()
		idx.SetMeta("sim_id", *simID)
		idx.SetMeta("protocol_version", protocol.Version)
	}

	events := journal.NewWriter(filepath.Join(simDir, "journal"), "events")
	defer events.Close()

	checkpoints := checkpoint.NewStore(filepath.Join(simDir, "checkpoints"), tune.CheckpointKeep)

	cfg := engine.Config{SimID: *simID, Tune: tune}
	var model *graph.Model
	var seedItems []agent.Agent
	var owners map[string]int

	if *loadLatest {
		cp, path, loadErr := checkpoints.LoadLatest()
		switch {
		case loadErr == nil:
			if cp.Header.SimID != "" && cp.Header.SimID != *simID {
				logger.Fatalf("checkpoint sim id mismatch: flag=%s checkpoint=%s", *simID, cp.Header.SimID)
			}
			model, err = graph.FromParts(cp.Nodes, cp.Edges)
			if err != nil {
				logger.Fatalf("restore world: %v", err)
			}
			seedItems = cp.Agents
			owners = cp.Owners
			cfg.StartTick = cp.Header.Tick
			cfg.StartSimTimeUnix = cp.SimTimeUnix
			logger.Printf("resumed from checkpoint=%s tick=%d agents=%d", filepath.Base(path), cp.Header.Tick, len(cp.Agents))
		case os.IsNotExist(loadErr):
			// Fresh run.
		default:
			logger.Fatalf("load checkpoint: %v", loadErr)
		}
	}
	if model == nil {
		model = generateWorld(*seed, *zones, *subzones)
		seedItems = seedAgents(*seed, model, *agents)
		logger.Printf("fresh world seed=%d zones=%d locations=%d agents=%d", *seed, *zones, model.Len(), len(seedItems))
	}

	deps := engine.Deps{
		Checkpoints: checkpoints,
		Events:      events,
	}
	if idx != nil {
		deps.Index = idx
	}

	eng, err := engine.New(logger, cfg, model, wanderUpdate, deps)
	if err != nil {
		logger.Fatalf("engine: %v", err)
	}
	obsSrv := observer.NewServer(eng, logger)
	eng.SetObservers(obsSrv)
	if err := eng.SeedAgents(seedItems); err != nil {
		logger.Fatalf("seed agents: %v", err)
	}
	if owners != nil {
		eng.SetOwners(owners)
	}

	if err := eng.Start(); err != nil {
		logger.Fatalf("start pool: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	go func() {
		if err := eng.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("engine stopped: %v", err)
			cancel()
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

		fmt.Fprintf(rw, "# HELP gridmind_sim_tick Current simulation tick.\n")
		fmt.Fprintf(rw, "# TYPE gridmind_sim_tick gauge\n")
		fmt.Fprintf(rw, "gridmind_sim_tick{sim=%q} %d\n", *simID, eng.CurrentTick())

		fmt.Fprintf(rw, "# HELP gridmind_sim_agents Current number of work items.\n")
		fmt.Fprintf(rw, "# TYPE gridmind_sim_agents gauge\n")
		fmt.Fprintf(rw, "gridmind_sim_agents{sim=%q} %d\n", *simID, eng.AgentCount())

		fmt.Fprintf(rw, "# HELP gridmind_sim_workers_healthy Healthy worker count.\n")
		fmt.Fprintf(rw, "# TYPE gridmind_sim_workers_healthy gauge\n")
		fmt.Fprintf(rw, "gridmind_sim_workers_healthy{sim=%q} %d\n", *simID, len(eng.Pool().HealthyWorkers()))

		if idx != nil {
			fmt.Fprintf(rw, "# HELP gridmind_index_dropped_total Index writes shed under backlog.\n")
			fmt.Fprintf(rw, "# TYPE gridmind_index_dropped_total counter\n")
			fmt.Fprintf(rw, "gridmind_index_dropped_total{sim=%q} %d\n", *simID, idx.Dropped())
		}
	})

	mux.HandleFunc("/v1/observer/bootstrap", obsSrv.BootstrapHandler())
	mux.HandleFunc("/v1/observer/ws", obsSrv.WSHandler())

	if envBool("GM_ENABLE_ADMIN_HTTP", true) {
		// Local-only: a quarantined worker comes back only through an
		// operator's explicit reset.
		mux.HandleFunc("/admin/v1/circuit/reset", func(rw http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				rw.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			worker, err := strconv.Atoi(r.URL.Query().Get("worker"))
			if err != nil {
				http.Error(rw, "bad worker id", http.StatusBadRequest)
				return
			}
			rw.Header().Set("Content-Type", "application/json")
			if err := eng.Pool().ResetCircuit(worker); err != nil {
				rw.WriteHeader(http.StatusConflict)
				_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "error": err.Error()})
				return
			}
			spawnErr := eng.Pool().Spawn(worker)
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": spawnErr == nil, "worker": worker})
		})
	} else {
		logger.Printf("admin endpoints disabled (GM_ENABLE_ADMIN_HTTP=false)")
	}

	if envBool("GM_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		logger.Printf("pprof endpoints disabled (GM_ENABLE_PPROF_HTTP=false)")
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Printf("ListenAndServe: %v", err)
	}

	eng.Close(10 * time.Second)
	logger.Printf("shutdown complete at tick %d", eng.CurrentTick())
}

// generateWorld lays out a zone/subzone grid with deterministic
// per-location richness.
func generateWorld(seed int64, zones, subzones int) *graph.Model {
	m := graph.NewModel()
	for z := 0; z < zones; z++ {
		zone := fmt.Sprintf("z%02d", z)
		for s := 0; s < subzones; s++ {
			sub := fmt.Sprintf("s%02d", s)
			id := zone + "-" + sub
			_ = m.AddNode(graph.Node{
				ID:      id,
				Zone:    zone,
				Subzone: sub,
				Attrs: map[string]float64{
					"richness": 0.25 + float64(mix(seed, id)%150)/100.0,
				},
			})
		}
	}
	// Ring edges between adjacent subzones keep the graph connected
	// inside each zone.
	for z := 0; z < zones; z++ {
		zone := fmt.Sprintf("z%02d", z)
		for s := 0; s < subzones; s++ {
			from := fmt.Sprintf("%s-s%02d", zone, s)
			to := fmt.Sprintf("%s-s%02d", zone, (s+1)%subzones)
			_ = m.AddEdge(graph.Edge{From: from, To: to})
		}
	}
	return m
}

type wanderBlob struct {
	Energy float64 `json:"energy"`
	Steps  uint64  `json:"steps"`
}

func seedAgents(seed int64, m *graph.Model, count int) []agent.Agent {
	locs := m.NodeIDs()
	items := make([]agent.Agent, 0, count)
	for i := 0; i < count; i++ {
		id := fmt.Sprintf("agent-%04d", i)
		loc := locs[int(mix(seed, id)%uint64(len(locs)))]
		blob, _ := json.Marshal(wanderBlob{Energy: 100})
		items = append(items, agent.Agent{ID: id, Location: loc, Blob: blob})
	}
	return items
}

// wanderUpdate is the built-in demo behavior: agents drift along their
// zone's locations, burn energy faster at night, recover it from the
// location's richness during the day, and expire at zero.
func wanderUpdate(tctx agent.TickContext, a agent.Agent) (agent.Agent, []agent.Effect, error) {
	var b wanderBlob
	if err := json.Unmarshal(a.Blob, &b); err != nil {
		return a, nil, fmt.Errorf("agent %s: bad blob: %w", a.ID, err)
	}
	b.Steps++

	node, ok := tctx.Snapshot.Node(a.Location)
	if !ok {
		// Location vanished from the world; hold position and let the
		// grouping hash place the agent next tick.
		a.Blob, _ = json.Marshal(b)
		return a, nil, nil
	}

	switch tctx.Phase {
	case "night":
		b.Energy -= 1.5
	case "day":
		b.Energy += node.Attrs["richness"] - 1
	default:
		b.Energy -= 1
	}

	if b.Energy <= 0 {
		return a, []agent.Effect{{Kind: agent.EffectDespawn, Source: a.ID, Target: a.ID}}, nil
	}

	// A deterministic walk over the zone's location list, one hop
	// every few ticks.
	if zone := tctx.Zones[node.Zone]; len(zone) > 1 && tctx.Tick%5 == mix(0, a.ID)%5 {
		a.Location = zone[int(mix(int64(tctx.Tick), a.ID)%uint64(len(zone)))]
	}

	a.Blob, _ = json.Marshal(b)
	return a, nil, nil
}

func mix(seed int64, id string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(seed >> (8 * i))
	}
	_, _ = h.Write(buf[:])
	return h.Sum64()
}

func envBool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
