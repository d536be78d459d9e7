package stream

import (
	"errors"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"golang.org/x/time/rate"

	"chunkfield.dev/internal/sim/worldgen"
	"chunkfield.dev/internal/sim/worldgen/layout"
)

var p7Settings = worldgen.Settings{
	GenerateLODThreshold:   2,
	VisibilityLODThreshold: 1,
	VisibilityLODOverlap:   1,
}

func TestEndToEnd(t *testing.T) {
	terrain := newCountingLayer("test.terrain")
	decor := newCountingLayer("test.decor")
	h := newHarness(t, p7Settings, []*countingLayer{terrain, decor})

	first := h.create()
	if first.Dispatched != 2*25 {
		t.Fatalf("first tick dispatched %d, want %d", first.Dispatched, 2*25)
	}
	if first.Pending != 50 {
		t.Fatalf("pending=%d", first.Pending)
	}

	h.settle()

	genBand := ring(layout.ChunkID{}, 2)
	for id := range genBand {
		for _, kind := range []worldgen.LayerKind{"test.terrain", "test.decor"} {
			if _, ok := h.s.Cache().Get(kind, id); !ok {
				t.Fatalf("%s %v not cached", kind, id)
			}
		}
	}

	visBand := ring(layout.ChunkID{}, 1)
	loaded := h.s.LoadedChunks()
	if len(loaded) != len(visBand) {
		t.Fatalf("loaded %d chunks, want %d", len(loaded), len(visBand))
	}
	for _, id := range loaded {
		if !visBand[id] {
			t.Fatalf("chunk %v outside visibility band loaded", id)
		}
		_, children, ok := h.s.ChunkLayers(id)
		if !ok || len(children) != 2 {
			t.Fatalf("chunk %v children=%d", id, len(children))
		}
		for _, lc := range children {
			ref, _ := h.s.Cache().Get(lc.Kind, id)
			if got := h.assets.Path(lc.Asset); got != ref {
				t.Fatalf("child %s of %v references %q, cache has %q", lc.Kind, id, got, ref)
			}
			if !lc.Ready {
				t.Fatalf("child %s of %v not ready", lc.Kind, id)
			}
		}
		if v, ok := h.s.Attached(id, "test.terrain"); !ok || v.(int) == 0 {
			t.Fatalf("attach hook did not run for %v", id)
		}
	}
	if terrain.maxPerChunk() != 1 || terrain.total() != 25 {
		t.Fatalf("terrain generated %d times (max per chunk %d)", terrain.total(), terrain.maxPerChunk())
	}
	if m := h.s.Metrics(); m.Loaded != 9 || m.Cached != 50 || m.State != "in_world" {
		t.Fatalf("metrics=%+v", m)
	}
}

func TestModifyRespawnsFromCache(t *testing.T) {
	terrain := newCountingLayer("test.terrain")
	h := newHarness(t, p7Settings, []*countingLayer{terrain})
	h.create()
	h.settle()
	before := h.s.LoadedChunks()
	gens := terrain.total()

	if err := h.assets.Reload(blueprintPath); err != nil {
		t.Fatal(err)
	}
	h.assets.Wait()
	e := h.s.StepOnce(nil, nil)
	if len(e.Events) != 1 || e.Events[0] != "blueprint_modified" {
		t.Fatalf("events=%v", e.Events)
	}
	if e.Dispatched != 0 {
		t.Fatalf("modify re-dispatched %d jobs", e.Dispatched)
	}
	if e.Spawned != len(before) || e.LayersSpawned != len(before) {
		t.Fatalf("respawned %d chunks and %d layers, want %d", e.Spawned, e.LayersSpawned, len(before))
	}
	after := h.s.LoadedChunks()
	if len(after) != len(before) {
		t.Fatalf("loaded %v, want %v", after, before)
	}
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("loaded %v, want %v", after, before)
		}
	}
	h.settle()
	if terrain.total() != gens {
		t.Fatalf("generation ran again: %d -> %d", gens, terrain.total())
	}
	// markers plus 9 chunks with one layer child each
	if got := h.s.Entities(); got != 1+9*2 {
		t.Fatalf("entities=%d", got)
	}
}

func TestAtMostOneInFlightGeneration(t *testing.T) {
	slow := newCountingLayer("test.slow")
	slow.gate = make(chan struct{})
	h := newHarness(t, p7Settings, []*countingLayer{slow})
	first := h.create()
	if first.Dispatched != 25 {
		t.Fatalf("dispatched=%d", first.Dispatched)
	}
	// While jobs are blocked, further ticks must not dispatch again.
	for i := 0; i < 20; i++ {
		e := h.s.StepOnce(nil, []MarkerUpdate{{Name: "player", Pos: mgl32.Vec3{float32(i % 3), 0, 0}}})
		if e.Dispatched != 0 {
			t.Fatalf("tick %d dispatched %d while generating", e.Tick, e.Dispatched)
		}
		if e.Pending != 25 {
			t.Fatalf("pending=%d", e.Pending)
		}
	}
	close(slow.gate)
	h.settle()
	if slow.maxPerChunk() != 1 {
		t.Fatalf("a chunk was generated %d times", slow.maxPerChunk())
	}
}

func TestMarkerMovementSpawnsAndDespawns(t *testing.T) {
	terrain := newCountingLayer("test.terrain")
	h := newHarness(t, p7Settings, []*countingLayer{terrain})
	h.create()
	h.settle()

	// Walk east one chunk at a time; no chunk may ever be loaded twice.
	for step := 1; step <= 6; step++ {
		pos := mgl32.Vec3{float32(step * 20), 0, 0}
		h.s.StepOnce(nil, []MarkerUpdate{{Name: "player", Pos: pos}})
		h.settle()
		center := layout.ChunkID{X: step}
		for _, id := range h.s.LoadedChunks() {
			if id.Chebyshev(center) > 2 {
				t.Fatalf("step %d: %v beyond visibility+overlap", step, id)
			}
		}
		for id := range ring(center, 1) {
			_, children, ok := h.s.ChunkLayers(id)
			if !ok || len(children) != 1 {
				t.Fatalf("step %d: %v not fully spawned", step, id)
			}
		}
	}
	if terrain.maxPerChunk() != 1 {
		t.Fatalf("regenerated a cached chunk")
	}

	// A second marker keeps its own neighbourhood alive.
	h.s.StepOnce(nil, []MarkerUpdate{{Name: "scout", Pos: mgl32.Vec3{-200, 0, -200}}})
	h.settle()
	if !h.s.mgr.IsLoaded(layout.ChunkID{X: -10, Y: -10}) || !h.s.mgr.IsLoaded(layout.ChunkID{X: 6}) {
		t.Fatalf("both markers should keep chunks loaded")
	}

	h.s.StepOnce(nil, []MarkerUpdate{{Name: "player", Remove: true}, {Name: "scout", Remove: true}})
	if n := len(h.s.LoadedChunks()); n != 0 {
		t.Fatalf("chunks left without markers: %d", n)
	}
}

func TestCommands(t *testing.T) {
	h := newHarness(t, p7Settings, []*countingLayer{newCountingLayer("test.terrain")})
	h.create()

	res := make(chan error, 4)
	h.s.StepOnce([]worldgen.Command{
		worldgen.CreateWorld{Blueprint: blueprintPath, Result: res},
		worldgen.LoadWorld{Blueprint: blueprintPath, Result: res},
		worldgen.GoToRoom{Room: "hall", Result: res},
		worldgen.LeaveRoom{Result: res},
	}, nil)
	if err := <-res; !errors.Is(err, worldgen.ErrWorldActive) {
		t.Fatalf("second create: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := <-res; !errors.Is(err, worldgen.ErrUnsupported) {
			t.Fatalf("expected ErrUnsupported, got %v", err)
		}
	}
	if h.s.State() != worldgen.InWorld {
		t.Fatalf("rejected commands changed state: %v", h.s.State())
	}
}

func TestUnloadAndRecreate(t *testing.T) {
	terrain := newCountingLayer("test.terrain")
	h := newHarness(t, p7Settings, []*countingLayer{terrain})
	h.create()
	h.settle()
	session := h.s.Metrics().Session

	res := make(chan error, 1)
	h.s.StepOnce([]worldgen.Command{worldgen.Unload{Result: res}}, nil)
	if err := <-res; err != nil {
		t.Fatalf("unload: %v", err)
	}
	if h.s.State() != worldgen.Disabled || h.s.Cache() != nil || len(h.s.LoadedChunks()) != 0 {
		t.Fatalf("unload left state behind")
	}
	if got := h.s.Entities(); got != 1 {
		t.Fatalf("only the marker should survive, entities=%d", got)
	}
	h.s.StepOnce([]worldgen.Command{worldgen.Unload{Result: res}}, nil)
	if err := <-res; !errors.Is(err, worldgen.ErrNoWorld) {
		t.Fatalf("second unload: %v", err)
	}

	// The blueprint is already loaded, so the new world is ready at once.
	h.s.StepOnce([]worldgen.Command{worldgen.CreateWorld{Blueprint: blueprintPath, Seed: testSeed(), Result: res}}, nil)
	if err := <-res; err != nil {
		t.Fatalf("recreate: %v", err)
	}
	if h.s.State() != worldgen.InWorld {
		t.Fatalf("state=%v", h.s.State())
	}
	h.settle()
	if h.s.Metrics().Session == session {
		t.Fatalf("session id reused")
	}
	if terrain.maxPerChunk() != 2 {
		t.Fatalf("new session should regenerate into its own cache")
	}
}

func TestUnloadDropsInFlightResults(t *testing.T) {
	slow := newCountingLayer("test.slow")
	slow.gate = make(chan struct{})
	h := newHarness(t, p7Settings, []*countingLayer{slow})
	h.create()
	h.s.StepOnce([]worldgen.Command{worldgen.Unload{}}, nil)
	close(slow.gate)
	for slow.total() < 25 {
		time.Sleep(time.Millisecond)
	}
	for i := 0; i < 5; i++ {
		e := h.s.StepOnce(nil, nil)
		if e.Completed != 0 || e.Pending != 0 {
			t.Fatalf("stale results observed: %+v", e)
		}
	}
}

func TestMissingBlueprintDisablesWorld(t *testing.T) {
	h := newHarness(t, p7Settings, []*countingLayer{newCountingLayer("test.terrain")})
	res := make(chan error, 1)
	h.s.StepOnce([]worldgen.Command{worldgen.CreateWorld{Blueprint: "worlds/none.world.yaml", Result: res}}, nil)
	if err := <-res; err != nil {
		t.Fatalf("create is accepted while the blueprint loads: %v", err)
	}
	h.assets.Wait()
	h.s.StepOnce(nil, nil)
	if h.s.State() != worldgen.Disabled {
		t.Fatalf("state=%v", h.s.State())
	}
	if _, ok := h.s.mgr.Current(); ok {
		t.Fatalf("failed world still current")
	}
}

func TestFailedGenerationIsRetried(t *testing.T) {
	flaky := newCountingLayer("test.flaky")
	flaky.failFirst = true
	h := newHarness(t, p7Settings, []*countingLayer{flaky})
	h.create()
	h.settle()
	if flaky.total() != 50 {
		t.Fatalf("each chunk should fail once then succeed: %d calls", flaky.total())
	}
	if m := h.s.Metrics(); m.Failed != 25 || m.Completed != 25 || m.Cached != 25 {
		t.Fatalf("metrics=%+v", m)
	}
}

func TestRetriesPrunedOutsideGenerateBand(t *testing.T) {
	broken := newCountingLayer("test.broken")
	broken.failAlways = true
	h := newHarness(t, p7Settings, []*countingLayer{broken})
	h.create()

	deadline := time.Now().Add(5 * time.Second)
	for len(h.s.retries) < 25 {
		if time.Now().After(deadline) {
			t.Fatalf("failures not recorded: %d", len(h.s.retries))
		}
		h.s.StepOnce(nil, nil)
		time.Sleep(time.Millisecond)
	}

	far := mgl32.Vec3{1000, 0, 1000}
	center := h.s.sess.layout.ToChunkSpace(far, nil).Chunk
	th := int(p7Settings.GenerateLODThreshold)
	h.s.StepOnce(nil, []MarkerUpdate{{Name: "player", Pos: far}})
	for i := 0; i < 20; i++ {
		for key := range h.s.retries {
			if key.Chunk.Chebyshev(center) > th {
				t.Fatalf("step %d: retry kept for %s outside the band", i, key.Chunk)
			}
		}
		h.s.StepOnce(nil, nil)
		time.Sleep(time.Millisecond)
	}

	h.s.StepOnce(nil, []MarkerUpdate{{Name: "player", Remove: true}})
	deadline = time.Now().Add(5 * time.Second)
	for h.s.PendingLen() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("tasks still pending: %d", h.s.PendingLen())
		}
		h.s.StepOnce(nil, nil)
		time.Sleep(time.Millisecond)
	}
	if len(h.s.retries) != 0 {
		t.Fatalf("retries kept without markers: %d", len(h.s.retries))
	}
}

func TestDispatchLimiter(t *testing.T) {
	terrain := newCountingLayer("test.terrain")
	h := newHarness(t, p7Settings, []*countingLayer{terrain}, withLimiter(rate.NewLimiter(rate.Every(time.Hour), 5)))
	first := h.create()
	if first.Dispatched != 5 || !first.Throttled {
		t.Fatalf("dispatched=%d throttled=%v", first.Dispatched, first.Throttled)
	}
	e := h.s.StepOnce(nil, nil)
	if e.Dispatched != 0 || !e.Throttled {
		t.Fatalf("limiter should hold dispatch: %+v", e)
	}
}

func TestRetryBackoff(t *testing.T) {
	want := []uint64{1, 2, 4, 8, 16, 32, 64, 64, 64}
	for i, w := range want {
		if got := retryBackoff(i + 1); got != w {
			t.Fatalf("retryBackoff(%d)=%d want %d", i+1, got, w)
		}
	}
}

type sessionRecorder struct{ entries []SessionEntry }

func (r *sessionRecorder) WriteSession(e SessionEntry) error {
	r.entries = append(r.entries, e)
	return nil
}

func TestSessionLoggedOnActivate(t *testing.T) {
	h := newHarness(t, p7Settings, []*countingLayer{newCountingLayer("test.terrain")})
	rec := &sessionRecorder{}
	h.s.SetSessionLogger(rec)

	h.create()
	if len(rec.entries) != 1 {
		t.Fatalf("sessions=%d, want 1", len(rec.entries))
	}
	e := rec.entries[0]
	if e.Path != blueprintPath || e.Seed != testSeed().String() {
		t.Fatalf("entry=%+v", e)
	}
	if len(e.Layers) != 1 || e.Layers[0] != "test.terrain" {
		t.Fatalf("layers=%v", e.Layers)
	}
	if m := h.s.Metrics(); m.Session != e.Session {
		t.Fatalf("metrics session %q, logged %q", m.Session, e.Session)
	}
}
