package stream

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"chunkfield.dev/internal/assets"
	"chunkfield.dev/internal/sim/ecs"
	"chunkfield.dev/internal/sim/jobs"
	"chunkfield.dev/internal/sim/worldgen"
	"chunkfield.dev/internal/sim/worldgen/cache"
	"chunkfield.dev/internal/sim/worldgen/layout"
	"chunkfield.dev/internal/sim/worldgen/manager"
)

const maxRetryBackoffTicks = 64

func (s *Streamer) handleCommand(c worldgen.Command) {
	switch c := c.(type) {
	case worldgen.CreateWorld:
		worldgen.Reply(c, s.createWorld(c))
	case worldgen.Unload:
		worldgen.Reply(c, s.unload())
	default:
		s.log.Printf("warn: %s: %v", worldgen.CommandName(c), worldgen.ErrUnsupported)
		worldgen.Reply(c, worldgen.ErrUnsupported)
	}
}

func (s *Streamer) createWorld(c worldgen.CreateWorld) error {
	if cur, ok := s.mgr.Current(); ok {
		s.log.Printf("warn: create world %s: %v (active: %s)", c.Blueprint, worldgen.ErrWorldActive, cur.Path)
		return worldgen.ErrWorldActive
	}
	if c.Blueprint == "" {
		return errors.New("create world: blueprint path required")
	}
	h := s.cfg.Assets.Load(c.Blueprint)
	if s.cfg.Assets.State(h) == assets.Failed {
		_ = s.cfg.Assets.Reload(c.Blueprint)
	}
	w, err := s.mgr.Create(c.Blueprint, h, c.Seed)
	if err != nil {
		return err
	}
	s.cache = s.cfg.NewCache()
	s.state = worldgen.Loading
	s.log.Printf("world created: session=%s blueprint=%s seed=%s", w.Session, w.Path, w.Seed)
	return nil
}

func (s *Streamer) unload() error {
	w, ok := s.mgr.Current()
	if !ok {
		return worldgen.ErrNoWorld
	}
	n := s.resetSession()
	s.log.Printf("world unloaded: session=%s despawned=%d", w.Session, n)
	return nil
}

// resetSession despawns every chunk and in-flight task entity and drops the
// session. Jobs still running finish into the artifact store but are never
// polled.
func (s *Streamer) resetSession() int {
	n := 0
	for _, e := range s.mgr.DrainLoaded() {
		n += s.world.DespawnRecursive(e)
	}
	for _, e := range s.tasks.Entities() {
		s.world.Despawn(e)
	}
	s.mgr.Reset()
	s.cache = nil
	s.sess = nil
	clear(s.retries)
	s.state = worldgen.Disabled
	return n
}

func (s *Streamer) handleAssetEvents() []string {
	events := s.cfg.Assets.Update()
	w, active := s.mgr.Current()
	var out []string
	for _, ev := range events {
		if !active || ev.Handle != w.Blueprint {
			continue
		}
		out = append(out, "blueprint_"+ev.Kind.String())
		switch ev.Kind {
		case assets.EventModified:
			if s.state == worldgen.InWorld {
				s.onBlueprintModified(w)
			}
		case assets.EventFailed:
			if s.state == worldgen.InWorld {
				s.log.Printf("warn: blueprint %s reload failed, keeping previous: %v", w.Path, ev.Err)
			}
		}
	}
	if active && s.state == worldgen.Loading {
		s.checkBlueprintReady(w)
	}
	return out
}

func (s *Streamer) checkBlueprintReady(w manager.World) {
	switch s.cfg.Assets.State(w.Blueprint) {
	case assets.Loaded:
		if err := s.activate(w); err != nil {
			s.log.Printf("warn: world %s: %v", w.Path, err)
			s.resetSession()
		}
	case assets.Failed:
		s.log.Printf("warn: blueprint %s failed to load: %v", w.Path, s.cfg.Assets.Err(w.Blueprint))
		s.resetSession()
	}
}

func (s *Streamer) blueprintSession(w manager.World) (*session, error) {
	bp, ok := assets.GetAs[*worldgen.Blueprint](s.cfg.Assets, w.Blueprint)
	if !ok {
		return nil, fmt.Errorf("%s is not a world blueprint", w.Path)
	}
	layers, err := s.cfg.Registry.Select(bp.Layers)
	if err != nil {
		return nil, err
	}
	return &session{world: w, blueprint: bp, layout: bp.Layout, layers: layers}, nil
}

func (s *Streamer) activate(w manager.World) error {
	sess, err := s.blueprintSession(w)
	if err != nil {
		return err
	}
	s.sess = sess
	s.state = worldgen.InWorld
	s.log.Printf("world ready: %s %q %s", w.Path, sess.blueprint.Name, sess.layout)
	if s.sessionLogger != nil {
		entry := SessionEntry{
			Tick:    s.tick,
			Session: w.Session.String(),
			Path:    w.Path,
			Name:    sess.blueprint.Name,
			Seed:    w.Seed.String(),
			Layout:  sess.layout.String(),
		}
		for _, l := range sess.layers {
			entry.Layers = append(entry.Layers, string(l.Kind()))
		}
		if err := s.sessionLogger.WriteSession(entry); err != nil {
			s.log.Printf("warn: session log: %v", err)
		}
	}
	return nil
}

// onBlueprintModified despawns every loaded chunk so the next passes respawn
// them from the new blueprint. The generation cache is kept.
func (s *Streamer) onBlueprintModified(w manager.World) {
	if sess, err := s.blueprintSession(w); err != nil {
		s.log.Printf("warn: blueprint %s modified but unusable, keeping previous: %v", w.Path, err)
	} else {
		s.sess = sess
	}
	n := 0
	for _, e := range s.mgr.DrainLoaded() {
		n += s.world.DespawnRecursive(e)
	}
	s.log.Printf("blueprint %s modified: despawned %d entities", w.Path, n)
}

func (s *Streamer) pollTasks() (completed, failed int) {
	w, _ := s.mgr.Current()
	for _, e := range s.tasks.Entities() {
		t, ok := s.tasks.Get(e)
		if !ok {
			continue
		}
		ref, done, err := t.Task.Poll()
		if !done {
			continue
		}
		key := cache.Key{Kind: t.Kind, Chunk: t.Chunk}
		entry := GenerationEntry{
			Tick:       s.tick,
			Session:    t.Session.String(),
			Seed:       w.Seed.String(),
			Kind:       string(t.Kind),
			X:          t.Chunk.X,
			Y:          t.Chunk.Y,
			DurationMs: float64(time.Since(t.Started).Microseconds()) / 1000,
		}
		if err != nil {
			s.mgr.MarkLayerGenerated(t.Chunk, t.Kind)
			r := s.retries[key]
			r.fails++
			r.notTill = s.tick + retryBackoff(r.fails)
			s.retries[key] = r
			s.log.Printf("warn: generate %s %s failed (attempt %d): %v", t.Kind, t.Chunk, r.fails, err)
			entry.Err = err.Error()
			failed++
		} else {
			s.mgr.CompleteLayer(s.cache, t.Chunk, t.Kind, ref)
			delete(s.retries, key)
			entry.Ref = ref
			completed++
		}
		s.world.Despawn(e)
		if s.genLogger != nil {
			if err := s.genLogger.WriteGeneration(entry); err != nil {
				s.log.Printf("warn: generation log: %v", err)
			}
		}
	}
	return completed, failed
}

func retryBackoff(fails int) uint64 {
	b := uint64(1)
	for i := 1; i < fails && b < maxRetryBackoffTicks; i++ {
		b *= 2
	}
	if b > maxRetryBackoffTicks {
		b = maxRetryBackoffTicks
	}
	return b
}

// dispatchGeneration submits one job per missing (chunk, layer) in the
// generate band of each marker. It stops for this tick when the limiter or
// the pool refuses.
func (s *Streamer) dispatchGeneration() (n int, throttled bool) {
	if s.state != worldgen.InWorld {
		return 0, false
	}
	th := s.cfg.Settings.GenerateLODThreshold
	for _, m := range s.markerList() {
		wanted := s.sess.layout.ByLOD(m.Pos, 0, th)
		for _, l := range s.sess.layers {
			kind := l.Kind()
			for _, id := range wanted {
				if _, ok := s.cache.Get(kind, id); ok {
					continue
				}
				if s.mgr.IsGenerating(id, kind) {
					continue
				}
				if r, ok := s.retries[cache.Key{Kind: kind, Chunk: id}]; ok && s.tick < r.notTill {
					continue
				}
				if s.cfg.Limiter != nil && !s.cfg.Limiter.Allow() {
					return n, true
				}
				task, err := jobs.Submit(s.cfg.Pool, s.generateFn(l, id))
				if err != nil {
					if errors.Is(err, jobs.ErrClosed) && !s.warnedPool {
						s.log.Printf("warn: worker pool closed, generation stopped")
						s.warnedPool = true
					}
					return n, true
				}
				e := s.world.Spawn()
				s.tasks.Set(e, genTask{Chunk: id, Kind: kind, Session: s.sess.world.Session, Started: time.Now(), Task: task})
				s.mgr.MarkLayerGenerating(id, kind, e)
				n++
			}
		}
	}
	return n, false
}

// generateFn runs on a worker: it only touches its captured values and the
// concurrency-safe artifact store.
func (s *Streamer) generateFn(l worldgen.Layer, id layout.ChunkID) func() (string, error) {
	seed := s.sess.world.Seed
	store := s.cfg.Store
	path := worldgen.ArtifactPath(seed, l, id)
	return func() (string, error) {
		raw, err := l.Generate(seed, id)
		if err != nil {
			return "", err
		}
		if err := store.Put(path, raw); err != nil {
			return "", fmt.Errorf("persist %s: %w", path, err)
		}
		return path, nil
	}
}

func (s *Streamer) spawnChunks() int {
	if s.state != worldgen.InWorld {
		return 0
	}
	n := 0
	th := s.cfg.Settings.VisibilityLODThreshold
	for _, m := range s.markerList() {
		for _, id := range s.sess.layout.ByLOD(m.Pos, 0, th) {
			if s.mgr.IsLoaded(id) {
				continue
			}
			e := s.world.Spawn()
			s.chunks.Set(e, Chunk{ID: id, LOD: s.sess.layout.LODFromPoint(m.Pos, id)})
			s.mgr.MarkChunkLoaded(id, e)
			n++
		}
	}
	return n
}

// despawnOutOfRange drops chunks farther than visibility+overlap rings from
// every marker.
func (s *Streamer) despawnOutOfRange() int {
	if s.state != worldgen.InWorld {
		return 0
	}
	limit := int(s.cfg.Settings.VisibilityLODThreshold) + int(s.cfg.Settings.VisibilityLODOverlap)
	ms := s.markerList()
	centers := make([]layout.ChunkID, 0, len(ms))
	for _, m := range ms {
		centers = append(centers, s.sess.layout.ToChunkSpace(m.Pos, nil).Chunk)
	}
	n := 0
	for _, id := range s.mgr.LoadedChunks() {
		keep := false
		for _, c := range centers {
			if id.Chebyshev(c) <= limit {
				keep = true
				break
			}
		}
		if keep {
			continue
		}
		if e, ok := s.mgr.MarkChunkUnloaded(id); ok {
			s.world.DespawnRecursive(e)
			n++
		}
	}
	return n
}

// pruneRetries forgets failed keys that left the generate band of every
// marker, so the backoff table only tracks chunks still wanted.
func (s *Streamer) pruneRetries() {
	if len(s.retries) == 0 {
		return
	}
	if s.state != worldgen.InWorld {
		clear(s.retries)
		return
	}
	th := int(s.cfg.Settings.GenerateLODThreshold)
	ms := s.markerList()
	centers := make([]layout.ChunkID, 0, len(ms))
	for _, m := range ms {
		centers = append(centers, s.sess.layout.ToChunkSpace(m.Pos, nil).Chunk)
	}
	for key := range s.retries {
		wanted := false
		for _, c := range centers {
			if key.Chunk.Chebyshev(c) <= th {
				wanted = true
				break
			}
		}
		if !wanted {
			delete(s.retries, key)
		}
	}
}

// spawnChunkLayers gives every loaded chunk a child per layer whose artifact
// is cached.
func (s *Streamer) spawnChunkLayers() int {
	if s.state != worldgen.InWorld {
		return 0
	}
	n := 0
	for _, e := range s.chunks.Entities() {
		c, ok := s.chunks.Get(e)
		if !ok {
			continue
		}
		have := s.childKinds(e)
		for _, l := range s.sess.layers {
			kind := l.Kind()
			if have[kind] {
				continue
			}
			ref, ok := s.cache.Get(kind, c.ID)
			if !ok {
				continue
			}
			child := s.world.SpawnChild(e)
			s.layers.Set(child, LayerChild{Kind: kind, Asset: s.cfg.Assets.Load(ref)})
			n++
		}
	}
	return n
}

func (s *Streamer) childKinds(e ecs.Entity) map[worldgen.LayerKind]bool {
	out := map[worldgen.LayerKind]bool{}
	for _, c := range s.world.Children(e) {
		if lc, ok := s.layers.Get(c); ok {
			out[lc.Kind] = true
		}
	}
	return out
}

// attachReadyLayers marks layer children whose asset finished loading and
// runs the layer's Attach hook. Unloaded assets are retried next tick.
func (s *Streamer) attachReadyLayers() int {
	n := 0
	for _, e := range s.layers.Entities() {
		lc := s.layers.Ptr(e)
		if lc == nil || lc.Ready {
			continue
		}
		switch s.cfg.Assets.State(lc.Asset) {
		case assets.Loaded:
			lc.Ready = true
			n++
			l, ok := s.cfg.Registry.Get(lc.Kind)
			if !ok {
				continue
			}
			at, ok := l.(worldgen.Attacher)
			if !ok {
				continue
			}
			v, _ := s.cfg.Assets.Get(lc.Asset)
			out, err := at.Attach(v)
			if err != nil {
				s.log.Printf("warn: attach %s: %v", lc.Kind, err)
				continue
			}
			s.attached.Set(e, attachment{Value: out})
		case assets.Failed:
			if !lc.warned {
				lc.warned = true
				s.log.Printf("warn: %s asset %s not found: %v", lc.Kind, s.cfg.Assets.Path(lc.Asset), s.cfg.Assets.Err(lc.Asset))
			}
		}
	}
	return n
}

func sortMarkers(ms []Marker) {
	sort.Slice(ms, func(i, j int) bool { return ms[i].Name < ms[j].Name })
}
