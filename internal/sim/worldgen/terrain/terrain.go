// Package terrain provides the built-in chunk layers: a height field with
// biomes ("terrain.chunk") and scattered props ("decor.chunk"). Both are
// pure functions of the world seed and the chunk id.
package terrain

import (
	"errors"
	"fmt"

	"chunkfield.dev/internal/assets"
	"chunkfield.dev/internal/persistence/artifacts"
	"chunkfield.dev/internal/sim/worldgen"
	"chunkfield.dev/internal/sim/worldgen/layout"
)

const TerrainKind worldgen.LayerKind = "terrain.chunk"

type Params struct {
	// Resolution is the number of height samples along one chunk edge.
	Resolution      int
	BiomeRegionSize int
	// MaterialDir holds <biome>.material.yaml descriptors.
	MaterialDir string
}

func DefaultParams() Params {
	return Params{Resolution: 16, BiomeRegionSize: 64, MaterialDir: "materials"}
}

// Grid is the persisted body of a terrain artifact.
type Grid struct {
	Biome    string
	Res      int
	Heights  []int16
	Material string
}

func (g Grid) At(x, z int) int16 { return g.Heights[x+z*g.Res] }

// Chunk is the loaded terrain asset.
type Chunk struct {
	ID       layout.ChunkID
	Grid     Grid
	Material assets.Handle
}

// Surface summarizes a loaded terrain chunk.
type Surface struct {
	Biome string
	Min   int16
	Max   int16
	Mean  float32
}

type Layer struct {
	p Params
}

var (
	_ worldgen.Layer    = (*Layer)(nil)
	_ worldgen.Attacher = (*Layer)(nil)
)

func NewLayer(p Params) *Layer {
	if p.Resolution <= 0 {
		p.Resolution = DefaultParams().Resolution
	}
	if p.Resolution > 256 {
		p.Resolution = 256
	}
	if p.BiomeRegionSize <= 0 {
		p.BiomeRegionSize = DefaultParams().BiomeRegionSize
	}
	return &Layer{p: p}
}

func (l *Layer) Kind() worldgen.LayerKind { return TerrainKind }
func (l *Layer) Extension() string        { return string(TerrainKind) }

func (l *Layer) materialPath(biome string) string {
	name := map[string]string{Plains: "plains", Forest: "forest", Desert: "desert"}[biome]
	if l.p.MaterialDir == "" {
		return name + "." + MaterialExtension
	}
	return l.p.MaterialDir + "/" + name + "." + MaterialExtension
}

// GenerateGrid builds the height field of one chunk.
func (l *Layer) GenerateGrid(seed worldgen.WorldSeed, id layout.ChunkID) Grid {
	s := seed.Int64()
	res := l.p.Resolution
	ox, oz := id.X*res, id.Y*res
	biome := BiomeAt(s, ox+res/2, oz+res/2, l.p.BiomeRegionSize)
	g := Grid{Biome: biome, Res: res, Heights: make([]int16, res*res), Material: l.materialPath(biome)}
	for z := 0; z < res; z++ {
		for x := 0; x < res; x++ {
			g.Heights[x+z*res] = HeightAt(s, ox+x, oz+z, biome)
		}
	}
	return g
}

func (l *Layer) Generate(seed worldgen.WorldSeed, id layout.ChunkID) ([]byte, error) {
	g := l.GenerateGrid(seed, id)
	return artifacts.Encode(artifacts.Header{Kind: string(TerrainKind), Seed: seed.String(), X: id.X, Y: id.Y}, g)
}

// Load decodes a terrain artifact and requests its material.
func (l *Layer) Load(lc *assets.LoadContext, raw []byte) (any, error) {
	var g Grid
	h, err := artifacts.Decode(raw, &g)
	if err != nil {
		return nil, err
	}
	if h.Kind != string(TerrainKind) {
		return nil, fmt.Errorf("terrain: artifact kind %q", h.Kind)
	}
	if g.Res <= 0 || len(g.Heights) != g.Res*g.Res {
		return nil, fmt.Errorf("terrain: bad grid %dx%d with %d samples", g.Res, g.Res, len(g.Heights))
	}
	c := &Chunk{ID: layout.ChunkID{X: h.X, Y: h.Y}, Grid: g}
	if g.Material != "" {
		c.Material = lc.Load(g.Material)
	}
	return c, nil
}

func (l *Layer) Attach(asset any) (any, error) {
	c, ok := asset.(*Chunk)
	if !ok {
		return nil, errors.New("terrain: not a terrain chunk")
	}
	return Summarize(c.Grid), nil
}

func Summarize(g Grid) Surface {
	s := Surface{Biome: g.Biome}
	if len(g.Heights) == 0 {
		return s
	}
	s.Min, s.Max = g.Heights[0], g.Heights[0]
	var sum int64
	for _, h := range g.Heights {
		if h < s.Min {
			s.Min = h
		}
		if h > s.Max {
			s.Max = h
		}
		sum += int64(h)
	}
	s.Mean = float32(sum) / float32(len(g.Heights))
	return s
}
