package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/uuid"

	"chunkfield.dev/internal/persistence/artifacts"
	"chunkfield.dev/internal/persistence/indexdb"
	"chunkfield.dev/internal/sim/jobs"
	"chunkfield.dev/internal/sim/tuning"
	"chunkfield.dev/internal/sim/worldgen"
	"chunkfield.dev/internal/sim/worldgen/layout"
	"chunkfield.dev/internal/sim/worldgen/stream"
	"chunkfield.dev/internal/sim/worldgen/terrain"
)

type config struct {
	AssetsDir string
	Blueprint string
	Seed      worldgen.WorldSeed
	Center    mgl32.Vec3
	Rings     uint16
	OutDir    string
	IndexPath string
	Tuning    tuning.Tuning
	Logger    *log.Logger
}

type summary struct {
	Session   string
	Chunks    int
	Artifacts int
	Failed    int
	Elapsed   time.Duration
}

func main() {
	var (
		assetsDir  = flag.String("assets", "./assets", "asset root")
		blueprint  = flag.String("blueprint", "worlds/default.world.yaml", "blueprint asset path")
		seedHex    = flag.String("seed", "", "seed as 32 hex chars (default: random)")
		rings      = flag.Int("rings", 8, "generate every chunk within this many rings of the center")
		cx         = flag.Float64("x", 0, "center x in world units")
		cz         = flag.Float64("z", 0, "center z in world units")
		outDir     = flag.String("out", "./data/artifacts", "artifact output directory")
		indexPath  = flag.String("index", "", "sqlite index path (default: <out>/index.sqlite; \"none\" disables)")
		tuningPath = flag.String("tuning", "./configs/tuning.yaml", "path to tuning.yaml")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[pregen] ", log.LstdFlags|log.Lmicroseconds)

	tune, err := tuning.Load(*tuningPath)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		tune = tuning.Defaults()
	}
	seed := worldgen.NewSeed()
	if s := strings.TrimSpace(*seedHex); s != "" {
		if seed, err = worldgen.ParseSeed(s); err != nil {
			logger.Fatalf("%v", err)
		}
	}
	if *rings < 0 || *rings > 256 {
		logger.Fatalf("rings must be in 0..256")
	}
	idx := strings.TrimSpace(*indexPath)
	switch idx {
	case "":
		idx = filepath.Join(*outDir, "index.sqlite")
	case "none":
		idx = ""
	}

	sum, err := run(context.Background(), config{
		AssetsDir: *assetsDir,
		Blueprint: *blueprint,
		Seed:      seed,
		Center:    mgl32.Vec3{float32(*cx), 0, float32(*cz)},
		Rings:     uint16(*rings),
		OutDir:    *outDir,
		IndexPath: idx,
		Tuning:    tune,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatalf("pregen: %v", err)
	}
	logger.Printf("seed=%s chunks=%d artifacts=%d failed=%d in %s", seed, sum.Chunks, sum.Artifacts, sum.Failed, sum.Elapsed.Round(time.Millisecond))
	if sum.Failed > 0 {
		os.Exit(1)
	}
}

type job struct {
	id    layout.ChunkID
	kind  worldgen.LayerKind
	start time.Time
	task  *jobs.Task[string]
}

func run(ctx context.Context, cfg config) (summary, error) {
	began := time.Now()
	sum := summary{Session: uuid.NewString()}

	raw, err := os.ReadFile(filepath.Join(cfg.AssetsDir, filepath.FromSlash(cfg.Blueprint)))
	if err != nil {
		return sum, err
	}
	bp, err := worldgen.ParseBlueprint(raw)
	if err != nil {
		return sum, err
	}
	reg, err := newRegistry(cfg.Tuning.WorldGen)
	if err != nil {
		return sum, err
	}
	layers, err := reg.Select(bp.Layers)
	if err != nil {
		return sum, err
	}

	var idx *indexdb.SQLiteIndex
	if cfg.IndexPath != "" {
		if idx, err = indexdb.OpenSQLite(cfg.IndexPath); err != nil {
			return sum, err
		}
		defer idx.Close()
		entry := stream.SessionEntry{
			Session: sum.Session,
			Path:    cfg.Blueprint,
			Name:    bp.Name,
			Seed:    cfg.Seed.String(),
			Layout:  bp.Layout.String(),
		}
		for _, l := range layers {
			entry.Layers = append(entry.Layers, string(l.Kind()))
		}
		_ = idx.WriteSession(entry)
	}

	ids := chunksAround(bp.Layout, cfg.Center, cfg.Rings)
	sum.Chunks = len(ids)

	store := artifacts.DirStore{Root: cfg.OutDir}
	pool := jobs.NewPool(cfg.Tuning.Workers.Count, cfg.Tuning.Workers.QueueSize)
	defer pool.Close()

	// Submit in ring order; when the queue is full, drain the oldest job
	// before retrying.
	var inflight []job
	finish := func(j job) {
		ref, err := j.task.Wait()
		entry := stream.GenerationEntry{
			Session:    sum.Session,
			Seed:       cfg.Seed.String(),
			Kind:       string(j.kind),
			X:          j.id.X,
			Y:          j.id.Y,
			Ref:        ref,
			DurationMs: float64(time.Since(j.start).Microseconds()) / 1000,
		}
		if err != nil {
			entry.Err = err.Error()
			sum.Failed++
			if cfg.Logger != nil {
				cfg.Logger.Printf("warn: %s %v: %v", j.kind, j.id, err)
			}
		} else {
			sum.Artifacts++
		}
		_ = idx.WriteGeneration(entry)
	}
	for _, id := range ids {
		for _, l := range layers {
			if err := ctx.Err(); err != nil {
				return sum, err
			}
			fn := generate(store, cfg.Seed, l, id)
			for {
				t, err := jobs.Submit(pool, fn)
				if err == nil {
					inflight = append(inflight, job{id: id, kind: l.Kind(), start: time.Now(), task: t})
					break
				}
				if len(inflight) == 0 {
					return sum, fmt.Errorf("submit %s %v: %w", l.Kind(), id, err)
				}
				finish(inflight[0])
				inflight = inflight[1:]
			}
		}
	}
	for _, j := range inflight {
		finish(j)
	}
	sum.Elapsed = time.Since(began)
	return sum, nil
}

func generate(store artifacts.Store, seed worldgen.WorldSeed, l worldgen.Layer, id layout.ChunkID) func() (string, error) {
	path := worldgen.ArtifactPath(seed, l, id)
	return func() (string, error) {
		raw, err := l.Generate(seed, id)
		if err != nil {
			return "", err
		}
		if err := store.Put(path, raw); err != nil {
			return "", err
		}
		return path, nil
	}
}

// chunksAround lists the chunks within rings of center, inner ring first.
// On wrapping layouts ids are folded into the base period and deduplicated.
func chunksAround(l layout.DefaultLayout, center mgl32.Vec3, rings uint16) []layout.ChunkID {
	ids := l.ByLOD(center, 0, rings)
	if !l.Wrap {
		return ids
	}
	seen := make(map[layout.ChunkID]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		w := l.ToChunkSpace(l.ToWorldSpace(layout.ChunkSpace{Chunk: id}), nil).Chunk
		if seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}

func newRegistry(wg tuning.WorldGen) (*worldgen.Registry, error) {
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
