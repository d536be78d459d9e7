package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-gl/mathgl/mgl32"

	"chunkfield.dev/internal/persistence/artifacts"
	"chunkfield.dev/internal/persistence/indexdb"
	"chunkfield.dev/internal/sim/tuning"
	"chunkfield.dev/internal/sim/worldgen"
	"chunkfield.dev/internal/sim/worldgen/layout"
	"chunkfield.dev/internal/sim/worldgen/terrain"
)

const testBlueprint = `
name: pregen-test
layout:
  radius: 4
  height: 4
  chunk_size: 8
  lod_size: 1
`

func writeBlueprint(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "worlds", "t.world.yaml")
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestRunWritesArtifactsAndIndex(t *testing.T) {
	assetsDir := writeBlueprint(t, testBlueprint)
	out := t.TempDir()
	idxPath := filepath.Join(out, "index.sqlite")
	var seed worldgen.WorldSeed
	copy(seed[:], "pregen-test-seed")

	sum, err := run(context.Background(), config{
		AssetsDir: assetsDir,
		Blueprint: "worlds/t.world.yaml",
		Seed:      seed,
		Rings:     1,
		OutDir:    out,
		IndexPath: idxPath,
		Tuning:    tuning.Defaults(),
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Chunks != 9 || sum.Artifacts != 18 || sum.Failed != 0 {
		t.Fatalf("summary=%+v", sum)
	}

	reg, err := newRegistry(tuning.Defaults().WorldGen)
	if err != nil {
		t.Fatal(err)
	}
	l, _ := reg.Get(terrain.TerrainKind)
	id := layout.ChunkID{X: -1, Y: 1}
	raw, err := os.ReadFile(filepath.Join(out, filepath.FromSlash(worldgen.ArtifactPath(seed, l, id))))
	if err != nil {
		t.Fatalf("artifact missing: %v", err)
	}
	h, err := artifacts.DecodeHeader(raw)
	if err != nil {
		t.Fatalf("decode header: %v", err)
	}
	if h.X != id.X || h.Y != id.Y || h.Kind != string(terrain.TerrainKind) {
		t.Fatalf("header=%+v", h)
	}

	idx, err := indexdb.OpenSQLite(idxPath)
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()
	n, err := idx.GenerationCount(context.Background(), "")
	if err != nil || n != 18 {
		t.Fatalf("indexed generations=%d,%v", n, err)
	}
}

func TestRunRejectsInvalidBlueprint(t *testing.T) {
	assetsDir := writeBlueprint(t, "name: x\n")
	_, err := run(context.Background(), config{
		AssetsDir: assetsDir,
		Blueprint: "worlds/t.world.yaml",
		OutDir:    t.TempDir(),
		Tuning:    tuning.Defaults(),
	})
	if err == nil {
		t.Fatalf("blueprint without layout accepted")
	}
}

func TestChunksAroundWraps(t *testing.T) {
	l := layout.DefaultLayout{Radius: 1, Height: 1, ChunkSize: 4, LODSize: 1, Wrap: true}
	ids := chunksAround(l, mgl32.Vec3{}, 3)
	if len(ids) != 9 {
		t.Fatalf("wrapped ids=%d, want 9: %v", len(ids), ids)
	}
	seen := map[layout.ChunkID]bool{}
	for _, id := range ids {
		if id.X < 0 || id.X > 2 || id.Y < 0 || id.Y > 2 || seen[id] {
			t.Fatalf("bad id %v in %v", id, ids)
		}
		seen[id] = true
	}

	l.Wrap = false
	if got := len(chunksAround(l, mgl32.Vec3{}, 3)); got != 49 {
		t.Fatalf("unwrapped ids=%d, want 49", got)
	}
}
