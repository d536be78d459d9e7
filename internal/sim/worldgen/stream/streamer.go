// Package stream drives chunk streaming once per tick: it applies host
// commands and asset events, schedules layer generation on the worker pool,
// and spawns or despawns chunk entities around load markers. All state is
// owned by the goroutine calling Run or StepOnce.
package stream

import (
	"context"
	"errors"
	"io"
	"log"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"chunkfield.dev/internal/assets"
	"chunkfield.dev/internal/persistence/artifacts"
	"chunkfield.dev/internal/sim/ecs"
	"chunkfield.dev/internal/sim/jobs"
	"chunkfield.dev/internal/sim/worldgen"
	"chunkfield.dev/internal/sim/worldgen/cache"
	"chunkfield.dev/internal/sim/worldgen/layout"
	"chunkfield.dev/internal/sim/worldgen/manager"
)

type Config struct {
	Registry *worldgen.Registry
	Assets   *assets.Server
	// Store receives generated artifacts. It must be mounted in Assets at
	// worldgen.GeneratedPrefix.
	Store    artifacts.Store
	Pool     *jobs.Pool
	Settings worldgen.Settings

	TickRateHz int
	// Limiter bounds generation dispatch; nil means unlimited.
	Limiter *rate.Limiter
	// NewCache builds the generation cache of each world session.
	NewCache func() cache.Cache
	Logger   *log.Logger
}

// session is the world being streamed, available once its blueprint has
// loaded.
type session struct {
	world     manager.World
	blueprint *worldgen.Blueprint
	layout    layout.DefaultLayout
	layers    []worldgen.Layer
}

type totals struct {
	dispatched uint64
	completed  uint64
	failed     uint64
	throttled  uint64
}

type retry struct {
	fails   int
	notTill uint64
}

type Streamer struct {
	cfg Config
	log *log.Logger

	world    *ecs.World
	chunks   *ecs.Store[Chunk]
	layers   *ecs.Store[LayerChild]
	markers  *ecs.Store[Marker]
	tasks    *ecs.Store[genTask]
	attached *ecs.Store[attachment]

	markerByName map[string]ecs.Entity

	mgr     *manager.Manager
	cache   cache.Cache
	sess    *session
	state   worldgen.WorldState
	retries map[cache.Key]retry

	tick   uint64
	totals totals

	tickLogger    TickLogger
	genLogger     GenerationLogger
	sessionLogger SessionLogger

	commands   chan worldgen.Command
	markerIn   chan MarkerUpdate
	stop       chan struct{}
	metrics    atomic.Pointer[Metrics]
	warnedPool bool
}

func New(cfg Config) (*Streamer, error) {
	if cfg.Registry == nil || cfg.Assets == nil || cfg.Store == nil || cfg.Pool == nil {
		return nil, errors.New("stream: registry, assets, store and pool are required")
	}
	if cfg.Settings.GenerateLODThreshold < cfg.Settings.VisibilityLODThreshold {
		return nil, errors.New("stream: generate threshold must cover the visibility threshold")
	}
	if cfg.TickRateHz <= 0 {
		cfg.TickRateHz = 20
	}
	if cfg.NewCache == nil {
		cfg.NewCache = func() cache.Cache { return cache.NewMem() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	w := ecs.NewWorld()
	s := &Streamer{
		cfg:          cfg,
		log:          logger,
		world:        w,
		chunks:       ecs.NewStore(w, chunkType),
		layers:       ecs.NewStore(w, layerChildType),
		markers:      ecs.NewStore(w, markerType),
		tasks:        ecs.NewStore(w, genTaskType),
		attached:     ecs.NewStore(w, attachmentType),
		markerByName: map[string]ecs.Entity{},
		mgr:          manager.New(),
		retries:      map[cache.Key]retry{},
		commands:     make(chan worldgen.Command, 64),
		markerIn:     make(chan MarkerUpdate, 256),
		stop:         make(chan struct{}),
	}
	s.publishMetrics()
	return s, nil
}

func (s *Streamer) SetTickLogger(l TickLogger)             { s.tickLogger = l }
func (s *Streamer) SetGenerationLogger(l GenerationLogger) { s.genLogger = l }
func (s *Streamer) SetSessionLogger(l SessionLogger)       { s.sessionLogger = l }

// Submit queues a command for the next tick. It returns false when the
// queue is full.
func (s *Streamer) Submit(c worldgen.Command) bool {
	select {
	case s.commands <- c:
		return true
	default:
		return false
	}
}

// UpdateMarker queues a marker change for the next tick. It returns false
// when the queue is full.
func (s *Streamer) UpdateMarker(u MarkerUpdate) bool {
	select {
	case s.markerIn <- u:
		return true
	default:
		return false
	}
}

func (s *Streamer) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second / time.Duration(s.cfg.TickRateHz))
	defer ticker.Stop()

	var pendingCommands []worldgen.Command
	var pendingMarkers []MarkerUpdate

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stop:
			return nil
		case c := <-s.commands:
			pendingCommands = append(pendingCommands, c)
		case u := <-s.markerIn:
			pendingMarkers = append(pendingMarkers, u)
		case <-ticker.C:
			s.step(pendingCommands, pendingMarkers)
			pendingCommands = pendingCommands[:0]
			pendingMarkers = pendingMarkers[:0]
		}
	}
}

func (s *Streamer) Stop() { close(s.stop) }

// StepOnce advances one tick with the given inputs plus anything already
// queued through Submit or UpdateMarker. It is intended for tools and tests.
func (s *Streamer) StepOnce(cmds []worldgen.Command, markers []MarkerUpdate) TickLogEntry {
	for {
		select {
		case c := <-s.commands:
			cmds = append(cmds, c)
			continue
		case u := <-s.markerIn:
			markers = append(markers, u)
			continue
		default:
		}
		break
	}
	return s.step(cmds, markers)
}

func (s *Streamer) State() worldgen.WorldState { return s.state }

func (s *Streamer) step(cmds []worldgen.Command, markers []MarkerUpdate) TickLogEntry {
	start := time.Now()
	s.tick++
	entry := TickLogEntry{Tick: s.tick}

	s.applyMarkers(markers)
	for _, c := range cmds {
		entry.Commands = append(entry.Commands, worldgen.CommandName(c))
		s.handleCommand(c)
	}
	entry.Events = s.handleAssetEvents()
	entry.Completed, entry.Failed = s.pollTasks()
	entry.Dispatched, entry.Throttled = s.dispatchGeneration()
	entry.Spawned = s.spawnChunks()
	entry.Despawned = s.despawnOutOfRange()
	s.pruneRetries()
	entry.LayersSpawned = s.spawnChunkLayers()
	entry.LayersReady = s.attachReadyLayers()

	s.totals.dispatched += uint64(entry.Dispatched)
	s.totals.completed += uint64(entry.Completed)
	s.totals.failed += uint64(entry.Failed)
	if entry.Throttled {
		s.totals.throttled++
	}

	entry.State = s.state.String()
	entry.Markers = len(s.markerByName)
	entry.Pending = s.mgr.PendingLen()
	entry.Loaded = s.mgr.LoadedLen()
	if s.cache != nil {
		entry.Cached = s.cache.Len()
	}
	if w, ok := s.mgr.Current(); ok {
		entry.Session = w.Session.String()
	}
	entry.DurationUs = time.Since(start).Microseconds()

	s.publishMetrics()
	if s.tickLogger != nil {
		if err := s.tickLogger.WriteTick(entry); err != nil {
			s.log.Printf("warn: tick log: %v", err)
		}
	}
	return entry
}

func (s *Streamer) applyMarkers(us []MarkerUpdate) {
	for _, u := range us {
		e, ok := s.markerByName[u.Name]
		switch {
		case u.Remove:
			if ok {
				s.world.Despawn(e)
				delete(s.markerByName, u.Name)
			}
		case ok:
			s.markers.Ptr(e).Pos = u.Pos
		default:
			e = s.world.Spawn()
			s.markers.Set(e, Marker{Name: u.Name, Pos: u.Pos})
			s.markerByName[u.Name] = e
		}
	}
}

// markerList returns markers in a stable order.
func (s *Streamer) markerList() []Marker {
	out := make([]Marker, 0, s.markers.Len())
	s.markers.Each(func(_ ecs.Entity, m *Marker) { out = append(out, *m) })
	sortMarkers(out)
	return out
}
