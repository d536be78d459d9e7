package terrain

import (
	"fmt"

	"chunkfield.dev/internal/assets"
	"chunkfield.dev/internal/persistence/artifacts"
	"chunkfield.dev/internal/sim/mathx"
	"chunkfield.dev/internal/sim/worldgen"
	"chunkfield.dev/internal/sim/worldgen/layout"
)

const DecorKind worldgen.LayerKind = "decor.chunk"

// Prop kinds.
const (
	Tree       = "TREE"
	Rock       = "ROCK"
	Cactus     = "CACTUS"
	CoalOre    = "COAL_ORE"
	IronOre    = "IRON_ORE"
	CopperOre  = "COPPER_ORE"
	CrystalOre = "CRYSTAL_ORE"
)

type Prop struct {
	Kind string
	// X and Z are sample cells within the chunk.
	X, Z  uint8
	Scale float32
}

// Decor is both the persisted body and the loaded asset of a decor chunk.
type Decor struct {
	ID    layout.ChunkID
	Biome string
	Props []Prop
}

// DecorLayer scatters props over the same lattice as the terrain layer so
// biomes line up.
type DecorLayer struct {
	p Params
	// OrePermille scales ore cluster probability; 1000 keeps the defaults.
	OrePermille int
	// DensityPermille scales biome prop probability.
	DensityPermille int
}

var _ worldgen.Layer = (*DecorLayer)(nil)

func NewDecorLayer(p Params) *DecorLayer {
	t := NewLayer(p)
	return &DecorLayer{p: t.p, OrePermille: 1000, DensityPermille: 1000}
}

func (l *DecorLayer) Kind() worldgen.LayerKind { return DecorKind }
func (l *DecorLayer) Extension() string        { return string(DecorKind) }

func (l *DecorLayer) propAt(s int64, wx, wz int, biome string) (string, bool) {
	ore := l.OrePermille
	switch {
	case InCluster(s+101, wx, wz, 192, 2, ScalePermille(200, ore)):
		return CrystalOre, true
	case InCluster(s+102, wx, wz, 128, 3, ScalePermille(450, ore)):
		return IronOre, true
	case InCluster(s+103, wx, wz, 128, 3, ScalePermille(450, ore)):
		return CopperOre, true
	case InCluster(s+104, wx, wz, 64, 4, ScalePermille(650, ore)):
		return CoalOre, true
	}

	// Biome props are sparse: one roll per cell.
	roll := mathx.Hash2(s+999, wx, wz) % 1000
	d := l.DensityPermille
	switch biome {
	case Forest:
		if InCluster(s+201, wx, wz, 48, 4, ScalePermille(450, d)) && roll < 300 {
			return Tree, true
		}
		if roll < 8 {
			return Rock, true
		}
	case Desert:
		if InCluster(s+301, wx, wz, 48, 3, ScalePermille(550, d)) && roll < 40 {
			return Cactus, true
		}
		if roll < 12 {
			return Rock, true
		}
	default:
		if roll < 10 {
			return Tree, true
		}
		if roll < 16 {
			return Rock, true
		}
	}
	return "", false
}

func (l *DecorLayer) Scatter(seed worldgen.WorldSeed, id layout.ChunkID) Decor {
	s := seed.Int64()
	res := l.p.Resolution
	ox, oz := id.X*res, id.Y*res
	d := Decor{ID: id, Biome: BiomeAt(s, ox+res/2, oz+res/2, l.p.BiomeRegionSize)}
	for z := 0; z < res; z++ {
		for x := 0; x < res; x++ {
			kind, ok := l.propAt(s, ox+x, oz+z, d.Biome)
			if !ok {
				continue
			}
			scale := 0.75 + 0.5*float32(mathx.Unit(mathx.Hash3(s, ox+x, 1, oz+z)))
			d.Props = append(d.Props, Prop{Kind: kind, X: uint8(x), Z: uint8(z), Scale: scale})
		}
	}
	return d
}

func (l *DecorLayer) Generate(seed worldgen.WorldSeed, id layout.ChunkID) ([]byte, error) {
	d := l.Scatter(seed, id)
	return artifacts.Encode(artifacts.Header{Kind: string(DecorKind), Seed: seed.String(), X: id.X, Y: id.Y}, d)
}

func (l *DecorLayer) Load(_ *assets.LoadContext, raw []byte) (any, error) {
	var d Decor
	h, err := artifacts.Decode(raw, &d)
	if err != nil {
		return nil, err
	}
	if h.Kind != string(DecorKind) {
		return nil, fmt.Errorf("decor: artifact kind %q", h.Kind)
	}
	return &d, nil
}

// Counts tallies props by kind.
func (d Decor) Counts() map[string]int {
	out := map[string]int{}
	for _, p := range d.Props {
		out[p.Kind]++
	}
	return out
}
