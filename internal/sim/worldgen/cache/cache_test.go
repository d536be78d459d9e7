package cache

import (
	"testing"

	"chunkfield.dev/internal/sim/worldgen/layout"
)

func TestMemSetGetOverwrite(t *testing.T) {
	c := NewMem()
	id := layout.ChunkID{X: 1, Y: -1}
	if _, ok := c.Get("terrain.chunk", id); ok {
		t.Fatalf("empty cache hit")
	}
	c.Set("terrain.chunk", id, "a")
	c.Set("decor.chunk", id, "b")
	if ref, ok := c.Get("terrain.chunk", id); !ok || ref != "a" {
		t.Fatalf("get=%q %v", ref, ok)
	}
	c.Set("terrain.chunk", id, "a2")
	if ref, _ := c.Get("terrain.chunk", id); ref != "a2" {
		t.Fatalf("last write should win, got %q", ref)
	}
	if c.Len() != 2 {
		t.Fatalf("len=%d", c.Len())
	}
	keys := c.Keys()
	if keys[0].Kind != "decor.chunk" || keys[1].Kind != "terrain.chunk" {
		t.Fatalf("keys=%v", keys)
	}
}
