package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"chunkfield.dev/internal/assets"
	"chunkfield.dev/internal/persistence/artifacts"
	persistlog "chunkfield.dev/internal/persistence/log"
	"chunkfield.dev/internal/protocol"
	"chunkfield.dev/internal/sim/jobs"
	"chunkfield.dev/internal/sim/tuning"
	"chunkfield.dev/internal/sim/worldgen"
	"chunkfield.dev/internal/sim/worldgen/stream"
	"chunkfield.dev/internal/sim/worldgen/terrain"
	"chunkfield.dev/internal/transport/ws"
)

func main() {
	var (
		addr         = flag.String("addr", ":8080", "http listen address")
		configDir    = flag.String("configs", "./configs", "config directory")
		assetsDir    = flag.String("assets", "./assets", "asset root (blueprints, materials)")
		dataDir      = flag.String("data", "./data", "runtime data directory")
		tuningPath   = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		artifactsDir = flag.String("artifacts", "", "persist generated artifacts under this directory (default: in memory)")
		disableDB    = flag.Bool("disable_db", false, "disable the sqlite index of ticks, sessions and generations")
		blueprint    = flag.String("blueprint", "", "create this world at startup (asset path, e.g. worlds/default.world.yaml)")
		seedHex      = flag.String("seed", "", "seed for -blueprint as 32 hex chars (default: random)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", tp)
		tune = tuning.Defaults()
	}

	idx, err := openRuntimeIndex(*dataDir, *disableDB)
	if err != nil {
		logger.Fatalf("open index backend: %v", err)
	}
	if idx != nil {
		defer idx.Close()
	}

	assetSrv := assets.NewServer(assets.Options{
		Logger:      log.New(os.Stdout, "[assets] ", log.LstdFlags|log.Lmicroseconds),
		Concurrency: tune.Assets.LoadConcurrency,
	})
	reg, err := buildRegistry(tune.WorldGen)
	if err != nil {
		logger.Fatalf("layers: %v", err)
	}
	for _, l := range []assets.Loader{worldgen.BlueprintLoader{}, terrain.MaterialLoader{}} {
		if err := assetSrv.Register(l); err != nil {
			logger.Fatalf("register loader: %v", err)
		}
	}
	if err := reg.RegisterLoaders(assetSrv); err != nil {
		logger.Fatalf("register layer loaders: %v", err)
	}

	var store interface {
		artifacts.Store
		assets.Source
	} = artifacts.NewMemStore()
	if d := strings.TrimSpace(*artifactsDir); d != "" {
		store = artifacts.DirStore{Root: d}
	}
	assetSrv.Mount("", assets.DirSource{Root: *assetsDir})
	assetSrv.Mount(worldgen.GeneratedPrefix, store)

	pool := jobs.NewPool(tune.Workers.Count, tune.Workers.QueueSize)
	defer pool.Close()

	var limiter *rate.Limiter
	if tune.Dispatch.PerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(tune.Dispatch.PerSecond), tune.Dispatch.Burst)
	}

	settings := worldgen.Settings{
		GenerateLODThreshold:   tune.Stream.GenerateLODThreshold,
		VisibilityLODThreshold: tune.Stream.VisibilityLODThreshold,
		VisibilityLODOverlap:   tune.Stream.VisibilityLODOverlap,
	}
	st, err := stream.New(stream.Config{
		Registry:   reg,
		Assets:     assetSrv,
		Store:      store,
		Pool:       pool,
		Settings:   settings,
		TickRateHz: tune.TickRateHz,
		Limiter:    limiter,
		Logger:     log.New(os.Stdout, "[stream] ", log.LstdFlags|log.Lmicroseconds),
	})
	if err != nil {
		logger.Fatalf("stream: %v", err)
	}

	tickLog := persistlog.NewTickLogger(*dataDir)
	genLog := persistlog.NewGenerationLogger(*dataDir)
	sessLog := persistlog.NewSessionLogger(*dataDir)
	defer tickLog.Close()
	defer genLog.Close()
	defer sessLog.Close()
	if idx != nil {
		st.SetTickLogger(multiTickLogger{a: tickLog, b: idx})
		st.SetGenerationLogger(multiGenerationLogger{a: genLog, b: idx})
		st.SetSessionLogger(multiSessionLogger{a: sessLog, b: idx})
	} else {
		st.SetTickLogger(tickLog)
		st.SetGenerationLogger(genLog)
		st.SetSessionLogger(sessLog)
	}

	ctx, cancel := signalContext()
	defer cancel()

	go assetSrv.Watch(ctx, tune.WatchInterval())
	streamDone := runStreamer(ctx, st, logger)

	if bp := strings.TrimSpace(*blueprint); bp != "" {
		if err := createAtStartup(st, bp, *seedHex); err != nil {
			logger.Fatalf("create world: %v", err)
		}
		logger.Printf("creating world from %s", bp)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		var is *indexStats
		if idx != nil {
			s := idx.Stats()
			is = &indexStats{depth: s.QueueDepth, capacity: s.QueueCapacity, dropped: s.DropTickTotal + s.DropGenerationTotal + s.DropSessionTotal}
		}
		writeMetrics(rw, st.Metrics(), assetSrv.Len(), is)
	})
	mux.HandleFunc("/v1/state", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(st.Metrics())
	})

	if envBool("CF_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		logger.Printf("pprof endpoints disabled (CF_ENABLE_PPROF_HTTP=false)")
	}

	kinds := make([]string, 0)
	for _, k := range reg.Kinds() {
		kinds = append(kinds, string(k))
	}
	wsSrv := ws.NewServer(st, ws.Options{
		Params: protocol.ServerParams{
			TickRateHz:             tune.TickRateHz,
			GenerateLODThreshold:   settings.GenerateLODThreshold,
			VisibilityLODThreshold: settings.VisibilityLODThreshold,
			VisibilityLODOverlap:   settings.VisibilityLODOverlap,
			Layers:                 kinds,
		},
		StateInterval: tune.TickInterval(),
		Logger:        log.New(os.Stdout, "[ws] ", log.LstdFlags|log.Lmicroseconds),
	})
	mux.HandleFunc("/v1/ws", wsSrv.Handler())

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

	logger.Printf("listening on %s (tick_rate=%dHz workers=%d layers=%v)", *addr, tune.TickRateHz, tune.Workers.Count, kinds)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
	// The tick loop writes to the loggers and the index closed by the defers.
	<-streamDone
	logger.Printf("stream stopped")
}

type runner interface {
	Run(ctx context.Context) error
}

// runStreamer runs st until ctx ends. The returned channel is closed once Run
// has returned.
func runStreamer(ctx context.Context, st runner, logger *log.Logger) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := st.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("stream stopped: %v", err)
		}
	}()
	return done
}

func buildRegistry(wg tuning.WorldGen) (*worldgen.Registry, error) {
	p := terrain.Params{
		Resolution:      wg.Resolution,
		BiomeRegionSize: wg.BiomeRegionSize,
		MaterialDir:     wg.MaterialDir,
	}
	decor := terrain.NewDecorLayer(p)
	decor.OrePermille = wg.OreClusterProbScalePermille
	decor.DensityPermille = wg.PropDensityScalePermille
	return worldgen.NewRegistry(terrain.NewLayer(p), decor)
}

// createAtStartup queues CreateWorld without waiting for the first tick.
func createAtStartup(st *stream.Streamer, path, seedHex string) error {
	seed := worldgen.NewSeed()
	if s := strings.TrimSpace(seedHex); s != "" {
		var err error
		if seed, err = worldgen.ParseSeed(s); err != nil {
			return err
		}
	}
	if !st.Submit(worldgen.CreateWorld{Blueprint: path, Seed: seed}) {
		return fmt.Errorf("command queue full")
	}
	return nil
}

type indexStats struct {
	depth    int
	capacity int
	dropped  uint64
}

func writeMetrics(w io.Writer, m stream.Metrics, assetsLen int, idx *indexStats) {
	fmt.Fprintf(w, "# HELP chunkfield_stream_tick Current stream tick.\n")
	fmt.Fprintf(w, "# TYPE chunkfield_stream_tick gauge\n")
	fmt.Fprintf(w, "chunkfield_stream_tick %d\n", m.Tick)

	fmt.Fprintf(w, "# HELP chunkfield_world_state World state (1 for the active state).\n")
	fmt.Fprintf(w, "# TYPE chunkfield_world_state gauge\n")
	for _, s := range []string{"disabled", "loading", "in_world"} {
		v := 0
		if m.State == s {
			v = 1
		}
		fmt.Fprintf(w, "chunkfield_world_state{state=%q} %d\n", s, v)
	}

	fmt.Fprintf(w, "# HELP chunkfield_stream_chunks Chunk counts by stage.\n")
	fmt.Fprintf(w, "# TYPE chunkfield_stream_chunks gauge\n")
	fmt.Fprintf(w, "chunkfield_stream_chunks{stage=%q} %d\n", "pending", m.Pending)
	fmt.Fprintf(w, "chunkfield_stream_chunks{stage=%q} %d\n", "loaded", m.Loaded)
	fmt.Fprintf(w, "chunkfield_stream_chunks{stage=%q} %d\n", "cached", m.Cached)

	fmt.Fprintf(w, "# HELP chunkfield_stream_markers Current number of load markers.\n")
	fmt.Fprintf(w, "# TYPE chunkfield_stream_markers gauge\n")
	fmt.Fprintf(w, "chunkfield_stream_markers %d\n", m.Markers)

	fmt.Fprintf(w, "# HELP chunkfield_stream_entities Live entities in the arena.\n")
	fmt.Fprintf(w, "# TYPE chunkfield_stream_entities gauge\n")
	fmt.Fprintf(w, "chunkfield_stream_entities %d\n", m.Entities)

	fmt.Fprintf(w, "# HELP chunkfield_generation_total Generation jobs by outcome.\n")
	fmt.Fprintf(w, "# TYPE chunkfield_generation_total counter\n")
	fmt.Fprintf(w, "chunkfield_generation_total{outcome=%q} %d\n", "dispatched", m.Dispatched)
	fmt.Fprintf(w, "chunkfield_generation_total{outcome=%q} %d\n", "completed", m.Completed)
	fmt.Fprintf(w, "chunkfield_generation_total{outcome=%q} %d\n", "failed", m.Failed)

	fmt.Fprintf(w, "# HELP chunkfield_dispatch_throttled_total Ticks whose dispatch stopped early.\n")
	fmt.Fprintf(w, "# TYPE chunkfield_dispatch_throttled_total counter\n")
	fmt.Fprintf(w, "chunkfield_dispatch_throttled_total %d\n", m.Throttled)

	fmt.Fprintf(w, "# HELP chunkfield_worker_queue_depth Queued and running generation jobs.\n")
	fmt.Fprintf(w, "# TYPE chunkfield_worker_queue_depth gauge\n")
	fmt.Fprintf(w, "chunkfield_worker_queue_depth{queue=%q} %d\n", "queued", m.QueueDepth)
	fmt.Fprintf(w, "chunkfield_worker_queue_depth{queue=%q} %d\n", "running", m.Running)

	fmt.Fprintf(w, "# HELP chunkfield_assets Known asset handles.\n")
	fmt.Fprintf(w, "# TYPE chunkfield_assets gauge\n")
	fmt.Fprintf(w, "chunkfield_assets %d\n", assetsLen)

	if idx == nil {
		return
	}
	fmt.Fprintf(w, "# HELP chunkfield_index_queue_depth Index writer backlog.\n")
	fmt.Fprintf(w, "# TYPE chunkfield_index_queue_depth gauge\n")
	fmt.Fprintf(w, "chunkfield_index_queue_depth %d\n", idx.depth)
	fmt.Fprintf(w, "# HELP chunkfield_index_queue_capacity Index writer queue capacity.\n")
	fmt.Fprintf(w, "# TYPE chunkfield_index_queue_capacity gauge\n")
	fmt.Fprintf(w, "chunkfield_index_queue_capacity %d\n", idx.capacity)
	fmt.Fprintf(w, "# HELP chunkfield_index_dropped_total Index rows dropped because the writer fell behind.\n")
	fmt.Fprintf(w, "# TYPE chunkfield_index_dropped_total counter\n")
	fmt.Fprintf(w, "chunkfield_index_dropped_total %d\n", idx.dropped)
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

func envBool(name string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
