package terrain

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"chunkfield.dev/internal/assets"
	"chunkfield.dev/internal/persistence/artifacts"
	"chunkfield.dev/internal/sim/worldgen"
	"chunkfield.dev/internal/sim/worldgen/layout"
)

func seedOf(b byte) worldgen.WorldSeed {
	var s worldgen.WorldSeed
	for i := range s {
		s[i] = b + byte(i)
	}
	return s
}

func TestGenerateDeterministic(t *testing.T) {
	l := NewLayer(DefaultParams())
	id := layout.ChunkID{X: -3, Y: 5}
	a, err := l.Generate(seedOf(1), id)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := l.Generate(seedOf(1), id)
	var ga, gb Grid
	if _, err := artifacts.Decode(a, &ga); err != nil {
		t.Fatal(err)
	}
	if _, err := artifacts.Decode(b, &gb); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(ga, gb) {
		t.Fatalf("same seed and chunk produced different grids")
	}
	if len(ga.Heights) != 16*16 || ga.Biome == "" {
		t.Fatalf("grid=%+v", ga)
	}
	other := l.GenerateGrid(seedOf(9), id)
	if reflect.DeepEqual(ga.Heights, other.Heights) {
		t.Fatalf("different seeds produced identical heights")
	}
}

func TestHeightsContinuousAcrossChunks(t *testing.T) {
	l := NewLayer(DefaultParams())
	seed := seedOf(3)
	left := l.GenerateGrid(seed, layout.ChunkID{X: 0, Y: 0})
	right := l.GenerateGrid(seed, layout.ChunkID{X: 1, Y: 0})
	if left.Biome != right.Biome {
		t.Skip("biome boundary between the sampled chunks")
	}
	for z := 0; z < left.Res; z++ {
		d := int(left.At(left.Res-1, z)) - int(right.At(0, z))
		if d < -4 || d > 4 {
			t.Fatalf("seam jump %d at row %d", d, z)
		}
	}
}

func TestDecorDeterministic(t *testing.T) {
	l := NewDecorLayer(DefaultParams())
	id := layout.ChunkID{X: 7, Y: -2}
	a := l.Scatter(seedOf(4), id)
	b := l.Scatter(seedOf(4), id)
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("scatter not deterministic")
	}
	for _, p := range a.Props {
		if int(p.X) >= 16 || int(p.Z) >= 16 || p.Scale < 0.75 || p.Scale > 1.25 {
			t.Fatalf("bad prop %+v", p)
		}
	}
	total := 0
	for _, n := range a.Counts() {
		total += n
	}
	if total != len(a.Props) {
		t.Fatalf("counts mismatch")
	}
}

func TestInClusterDisabled(t *testing.T) {
	if InCluster(1, 0, 0, 0, 3, 500) || InCluster(1, 0, 0, 16, 3, 0) {
		t.Fatalf("degenerate cluster params must never match")
	}
	if ScalePermille(600, 2000) != 1000 || ScalePermille(450, 0) != 450 {
		t.Fatalf("ScalePermille clamp")
	}
}

func TestLoadThroughAssetServer(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "materials"), 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"plains", "forest", "desert"} {
		body := "name: " + name + "\ncolor: \"#336633\"\nroughness: 0.8\n"
		if err := os.WriteFile(filepath.Join(dir, "materials", name+".material.yaml"), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	store := artifacts.NewMemStore()
	tl := NewLayer(DefaultParams())
	dl := NewDecorLayer(DefaultParams())
	reg, err := worldgen.NewRegistry(tl, dl)
	if err != nil {
		t.Fatal(err)
	}
	srv := assets.NewServer(assets.Options{})
	if err := reg.RegisterLoaders(srv); err != nil {
		t.Fatal(err)
	}
	if err := srv.Register(MaterialLoader{}); err != nil {
		t.Fatal(err)
	}
	srv.Mount("", assets.DirSource{Root: dir})
	srv.Mount(worldgen.GeneratedPrefix, store)

	seed := seedOf(5)
	id := layout.ChunkID{X: 1, Y: 2}
	for _, l := range reg.Layers() {
		raw, err := l.Generate(seed, id)
		if err != nil {
			t.Fatal(err)
		}
		if err := store.Put(worldgen.ArtifactPath(seed, l, id), raw); err != nil {
			t.Fatal(err)
		}
	}

	ht := srv.Load(worldgen.ArtifactPath(seed, tl, id))
	hd := srv.Load(worldgen.ArtifactPath(seed, dl, id))
	srv.Wait()
	srv.Update()

	c, ok := assets.GetAs[*Chunk](srv, ht)
	if !ok || c.ID != id {
		t.Fatalf("terrain asset: %+v %v (err %v)", c, ok, srv.Err(ht))
	}
	m, ok := assets.GetAs[*Material](srv, c.Material)
	if !ok || m.Roughness != 0.8 {
		t.Fatalf("nested material: %+v %v (err %v)", m, ok, srv.Err(c.Material))
	}
	surf, err := tl.Attach(c)
	if err != nil {
		t.Fatal(err)
	}
	s := surf.(Surface)
	if s.Min > s.Max || s.Biome != c.Grid.Biome {
		t.Fatalf("surface=%+v", s)
	}
	if d, ok := assets.GetAs[*Decor](srv, hd); !ok || d.ID != id {
		t.Fatalf("decor asset: %+v %v", d, ok)
	}
	if _, err := tl.Attach("nope"); err == nil {
		t.Fatalf("attach accepted wrong type")
	}
}

func TestMaterialValidation(t *testing.T) {
	srv := assets.NewServer(assets.Options{})
	_ = srv.Register(MaterialLoader{})
	dir := t.TempDir()
	_ = os.WriteFile(filepath.Join(dir, "bad.material.yaml"), []byte("name: x\ncolor: red\n"), 0o644)
	srv.Mount("", assets.DirSource{Root: dir})
	h := srv.Load("bad.material.yaml")
	srv.Wait()
	srv.Update()
	if srv.State(h) != assets.Failed {
		t.Fatalf("bad color accepted")
	}
}
