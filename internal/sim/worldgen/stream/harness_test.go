package stream

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"golang.org/x/time/rate"

	"chunkfield.dev/internal/assets"
	"chunkfield.dev/internal/persistence/artifacts"
	"chunkfield.dev/internal/sim/ecs"
	"chunkfield.dev/internal/sim/jobs"
	"chunkfield.dev/internal/sim/worldgen"
	"chunkfield.dev/internal/sim/worldgen/layout"
)

const blueprintPath = "worlds/test.world.yaml"

const testBlueprint = `
name: test
layout:
  radius: 2
  height: 2
  chunk_size: 10
  lod_size: 1
`

// countingLayer records every Generate call per chunk.
type countingLayer struct {
	kind worldgen.LayerKind

	mu         sync.Mutex
	calls      map[layout.ChunkID]int
	failFirst  bool
	failAlways bool
	gate       chan struct{}
}

func newCountingLayer(kind worldgen.LayerKind) *countingLayer {
	return &countingLayer{kind: kind, calls: map[layout.ChunkID]int{}}
}

func (l *countingLayer) Kind() worldgen.LayerKind { return l.kind }
func (l *countingLayer) Extension() string        { return string(l.kind) }

func (l *countingLayer) Generate(seed worldgen.WorldSeed, id layout.ChunkID) ([]byte, error) {
	if l.gate != nil {
		<-l.gate
	}
	l.mu.Lock()
	l.calls[id]++
	n := l.calls[id]
	l.mu.Unlock()
	if l.failAlways || (l.failFirst && n == 1) {
		return nil, errors.New("flaky generator")
	}
	return []byte(fmt.Sprintf("%s:%d:%d", l.kind, id.X, id.Y)), nil
}

func (l *countingLayer) Load(_ *assets.LoadContext, raw []byte) (any, error) {
	return string(raw), nil
}

func (l *countingLayer) Attach(asset any) (any, error) {
	return len(asset.(string)), nil
}

func (l *countingLayer) total() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.calls {
		n += c
	}
	return n
}

func (l *countingLayer) maxPerChunk() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	m := 0
	for _, c := range l.calls {
		if c > m {
			m = c
		}
	}
	return m
}

type harness struct {
	t      *testing.T
	s      *Streamer
	assets *assets.Server
	store  *artifacts.MemStore
	pool   *jobs.Pool
	layers []*countingLayer
}

type harnessOpt func(*Config)

func withLimiter(l *rate.Limiter) harnessOpt { return func(c *Config) { c.Limiter = l } }

func newHarness(t *testing.T, settings worldgen.Settings, layers []*countingLayer, opts ...harnessOpt) *harness {
	t.Helper()
	store := artifacts.NewMemStore()
	if err := store.Put(blueprintPath, []byte(testBlueprint)); err != nil {
		t.Fatal(err)
	}
	srv := assets.NewServer(assets.Options{})
	if err := srv.Register(worldgen.BlueprintLoader{}); err != nil {
		t.Fatal(err)
	}
	ls := make([]worldgen.Layer, 0, len(layers))
	for _, l := range layers {
		ls = append(ls, l)
	}
	reg, err := worldgen.NewRegistry(ls...)
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.RegisterLoaders(srv); err != nil {
		t.Fatal(err)
	}
	srv.Mount("", store)

	pool := jobs.NewPool(4, 1024)
	t.Cleanup(func() {
		for _, l := range layers {
			if l.gate != nil {
				select {
				case <-l.gate:
				default:
					close(l.gate)
				}
			}
		}
		pool.Close()
	})

	cfg := Config{
		Registry:   reg,
		Assets:     srv,
		Store:      store,
		Pool:       pool,
		Settings:   settings,
		TickRateHz: 50,
	}
	for _, o := range opts {
		o(&cfg)
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return &harness{t: t, s: s, assets: srv, store: store, pool: pool, layers: layers}
}

func testSeed() worldgen.WorldSeed {
	var s worldgen.WorldSeed
	copy(s[:], "chunkfield-test!")
	return s
}

// create loads the blueprint, then issues CreateWorld plus a marker at the
// origin. The blueprint is ready, so the returned tick is the first one in
// world.
func (h *harness) create() TickLogEntry {
	h.t.Helper()
	h.assets.Load(blueprintPath)
	h.assets.Wait()
	res := make(chan error, 1)
	e := h.s.StepOnce(
		[]worldgen.Command{worldgen.CreateWorld{Blueprint: blueprintPath, Seed: testSeed(), Result: res}},
		[]MarkerUpdate{{Name: "player", Pos: mgl32.Vec3{0, 0, 0}}},
	)
	if err := <-res; err != nil {
		h.t.Fatalf("create world: %v", err)
	}
	if h.s.State() != worldgen.InWorld {
		h.t.Fatalf("state=%v after create", h.s.State())
	}
	return e
}

// settle steps until no generation is pending and every layer child is
// ready.
func (h *harness) settle() {
	h.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		h.assets.Wait()
		h.s.StepOnce(nil, nil)
		if h.s.PendingLen() == 0 && len(h.s.retries) == 0 && h.allReady() {
			return
		}
		if time.Now().After(deadline) {
			h.t.Fatalf("streamer did not settle: pending=%d", h.s.PendingLen())
		}
		time.Sleep(time.Millisecond)
	}
}

func (h *harness) allReady() bool {
	ready := true
	h.s.layers.Each(func(_ ecs.Entity, lc *LayerChild) {
		if !lc.Ready {
			ready = false
		}
	})
	if h.s.sess == nil {
		return ready
	}
	for _, id := range h.s.LoadedChunks() {
		if _, children, _ := h.s.ChunkLayers(id); len(children) != len(h.s.sess.layers) {
			ready = false
		}
	}
	return ready
}

func ring(center layout.ChunkID, r int) map[layout.ChunkID]bool {
	out := map[layout.ChunkID]bool{}
	for dx := -r; dx <= r; dx++ {
		for dy := -r; dy <= r; dy++ {
			out[center.Add(layout.ChunkID{X: dx, Y: dy})] = true
		}
	}
	return out
}
