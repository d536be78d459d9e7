// Package cache maps generated chunk layers to their artifact paths.
package cache

import (
	"sort"

	"chunkfield.dev/internal/sim/worldgen"
	"chunkfield.dev/internal/sim/worldgen/layout"
)

type Key struct {
	Kind  worldgen.LayerKind
	Chunk layout.ChunkID
}

// Cache is owned by the tick goroutine. Set persists and indexes an
// artifact reference; Get looks it up. Entries are never evicted.
type Cache interface {
	Set(kind worldgen.LayerKind, id layout.ChunkID, ref string)
	Get(kind worldgen.LayerKind, id layout.ChunkID) (string, bool)
	Len() int
}

// Mem keeps the index in memory for the lifetime of a world session.
type Mem struct {
	m map[Key]string
}

var _ Cache = (*Mem)(nil)

func NewMem() *Mem {
	return &Mem{m: map[Key]string{}}
}

// Set overwrites any previous reference for the key.
func (c *Mem) Set(kind worldgen.LayerKind, id layout.ChunkID, ref string) {
	c.m[Key{Kind: kind, Chunk: id}] = ref
}

func (c *Mem) Get(kind worldgen.LayerKind, id layout.ChunkID) (string, bool) {
	ref, ok := c.m[Key{Kind: kind, Chunk: id}]
	return ref, ok
}

func (c *Mem) Len() int { return len(c.m) }

// Keys returns every key, sorted by kind then chunk.
func (c *Mem) Keys() []Key {
	out := make([]Key, 0, len(c.m))
	for k := range c.m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Chunk.Less(out[j].Chunk)
	})
	return out
}
