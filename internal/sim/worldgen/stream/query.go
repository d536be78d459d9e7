package stream

import (
	"chunkfield.dev/internal/sim/worldgen"
	"chunkfield.dev/internal/sim/worldgen/cache"
	"chunkfield.dev/internal/sim/worldgen/layout"
)

// The accessors below read tick-owned state; call them only from the
// goroutine driving the streamer.

func (s *Streamer) Tick() uint64 { return s.tick }

func (s *Streamer) LoadedChunks() []layout.ChunkID { return s.mgr.LoadedChunks() }

func (s *Streamer) PendingLen() int { return s.mgr.PendingLen() }

// Cache returns the generation cache of the current session, or nil.
func (s *Streamer) Cache() cache.Cache { return s.cache }

// ChunkLayers returns the chunk component and its layer children.
func (s *Streamer) ChunkLayers(id layout.ChunkID) (Chunk, []LayerChild, bool) {
	e, ok := s.mgr.Loaded(id)
	if !ok {
		return Chunk{}, nil, false
	}
	c, _ := s.chunks.Get(e)
	var out []LayerChild
	for _, child := range s.world.Children(e) {
		if lc, ok := s.layers.Get(child); ok {
			out = append(out, lc)
		}
	}
	return c, out, true
}

// Attached returns what a layer's Attach hook produced for one chunk.
func (s *Streamer) Attached(id layout.ChunkID, kind worldgen.LayerKind) (any, bool) {
	e, ok := s.mgr.Loaded(id)
	if !ok {
		return nil, false
	}
	for _, child := range s.world.Children(e) {
		if lc, ok := s.layers.Get(child); ok && lc.Kind == kind {
			a, ok := s.attached.Get(child)
			return a.Value, ok
		}
	}
	return nil, false
}

// Entities reports the number of live entities, markers and tasks included.
func (s *Streamer) Entities() int { return s.world.Len() }
