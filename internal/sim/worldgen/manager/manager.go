// Package manager tracks the runtime state of one world session: the active
// blueprint and seed, layers being generated and chunks currently spawned.
//
// Invariant violations (a second in-flight generation for one key, a
// second spawn of one chunk) are programming errors and panic.
package manager

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"chunkfield.dev/internal/assets"
	"chunkfield.dev/internal/sim/ecs"
	"chunkfield.dev/internal/sim/worldgen"
	"chunkfield.dev/internal/sim/worldgen/cache"
	"chunkfield.dev/internal/sim/worldgen/layout"
)

// World is the active world of a session.
type World struct {
	Session   uuid.UUID
	Path      string
	Blueprint assets.Handle
	Seed      worldgen.WorldSeed
}

type Manager struct {
	current *World
	pending map[cache.Key]ecs.Entity
	loaded  map[layout.ChunkID]ecs.Entity
}

func New() *Manager {
	return &Manager{
		pending: map[cache.Key]ecs.Entity{},
		loaded:  map[layout.ChunkID]ecs.Entity{},
	}
}

// Create makes a world active. It fails with ErrWorldActive and changes
// nothing when one already is.
func (m *Manager) Create(path string, blueprint assets.Handle, seed worldgen.WorldSeed) (World, error) {
	if m.current != nil {
		return *m.current, worldgen.ErrWorldActive
	}
	w := World{Session: uuid.New(), Path: path, Blueprint: blueprint, Seed: seed}
	m.current = &w
	return w, nil
}

func (m *Manager) Current() (World, bool) {
	if m.current == nil {
		return World{}, false
	}
	return *m.current, true
}

func (m *Manager) MarkLayerGenerating(id layout.ChunkID, kind worldgen.LayerKind, task ecs.Entity) {
	k := cache.Key{Kind: kind, Chunk: id}
	if prev, ok := m.pending[k]; ok {
		panic(fmt.Sprintf("manager: layer %s of chunk %s already generating (task %v)", kind, id, prev))
	}
	m.pending[k] = task
}

func (m *Manager) MarkLayerGenerated(id layout.ChunkID, kind worldgen.LayerKind) {
	delete(m.pending, cache.Key{Kind: kind, Chunk: id})
}

// CompleteLayer records a finished generation: the cache entry is written
// before the pending entry is cleared.
func (m *Manager) CompleteLayer(c cache.Cache, id layout.ChunkID, kind worldgen.LayerKind, ref string) {
	c.Set(kind, id, ref)
	m.MarkLayerGenerated(id, kind)
}

func (m *Manager) IsGenerating(id layout.ChunkID, kind worldgen.LayerKind) bool {
	_, ok := m.pending[cache.Key{Kind: kind, Chunk: id}]
	return ok
}

func (m *Manager) PendingLen() int { return len(m.pending) }

func (m *Manager) MarkChunkLoaded(id layout.ChunkID, e ecs.Entity) {
	if prev, ok := m.loaded[id]; ok {
		panic(fmt.Sprintf("manager: chunk %s already loaded as %v", id, prev))
	}
	m.loaded[id] = e
}

// MarkChunkUnloaded forgets a chunk and returns the entity it was loaded as.
func (m *Manager) MarkChunkUnloaded(id layout.ChunkID) (ecs.Entity, bool) {
	e, ok := m.loaded[id]
	if ok {
		delete(m.loaded, id)
	}
	return e, ok
}

func (m *Manager) IsLoaded(id layout.ChunkID) bool {
	_, ok := m.loaded[id]
	return ok
}

func (m *Manager) Loaded(id layout.ChunkID) (ecs.Entity, bool) {
	e, ok := m.loaded[id]
	return e, ok
}

func (m *Manager) LoadedLen() int { return len(m.loaded) }

// LoadedChunks returns loaded chunk ids in row-major order.
func (m *Manager) LoadedChunks() []layout.ChunkID {
	out := make([]layout.ChunkID, 0, len(m.loaded))
	for id := range m.loaded {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// DrainLoaded clears the loaded set and returns the entities it held, in
// chunk order.
func (m *Manager) DrainLoaded() []ecs.Entity {
	ids := m.LoadedChunks()
	out := make([]ecs.Entity, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.loaded[id])
	}
	clear(m.loaded)
	return out
}

// Reset discards the active world and all session state.
func (m *Manager) Reset() {
	m.current = nil
	clear(m.pending)
	clear(m.loaded)
}
