package terrain

import (
	"math"

	"chunkfield.dev/internal/sim/mathx"
)

// Biomes.
const (
	Plains = "PLAINS"
	Forest = "FOREST"
	Desert = "DESERT"
)

func BiomeFrom(noise uint64) string {
	switch noise % 3 {
	case 0:
		return Plains
	case 1:
		return Forest
	default:
		return Desert
	}
}

// BiomeAt picks the biome of the square region containing (x, z).
func BiomeAt(seed int64, x, z, regionSize int) string {
	if regionSize <= 0 {
		regionSize = 1
	}
	return BiomeFrom(mathx.Hash2(seed, mathx.FloorDiv(x, regionSize), mathx.FloorDiv(z, regionSize)))
}

func ScalePermille(base uint64, scalePermille int) uint64 {
	if scalePermille <= 0 {
		scalePermille = 1000
	}
	scaled := (base*uint64(scalePermille) + 500) / 1000
	if scaled > 1000 {
		return 1000
	}
	return scaled
}

// InCluster reports whether (x, z) falls inside a seeded circular cluster.
// The plane is split into grid cells; each cell holds at most one cluster
// center with probability probPermille/1000.
func InCluster(seed int64, x, z, grid, radius int, probPermille uint64) bool {
	if grid <= 0 || radius <= 0 || probPermille == 0 {
		return false
	}
	gx := mathx.FloorDiv(x, grid)
	gz := mathx.FloorDiv(z, grid)
	r2 := radius * radius

	for dz := -1; dz <= 1; dz++ {
		for dx := -1; dx <= 1; dx++ {
			cgx := gx + dx
			cgz := gz + dz
			h := mathx.Hash2(seed, cgx, cgz)
			if h%1000 >= probPermille {
				continue
			}
			cx := cgx*grid + int((h>>10)%uint64(grid))
			cz := cgz*grid + int((h>>20)%uint64(grid))
			ddx := x - cx
			ddz := z - cz
			if ddx*ddx+ddz*ddz <= r2 {
				return true
			}
		}
	}
	return false
}

// valueNoise is bilinear interpolation of hashed lattice values, in [0, 1).
func valueNoise(seed int64, x, z, spacing int) float64 {
	gx := mathx.FloorDiv(x, spacing)
	gz := mathx.FloorDiv(z, spacing)
	fx := float64(x-gx*spacing) / float64(spacing)
	fz := float64(z-gz*spacing) / float64(spacing)
	fx = fx * fx * (3 - 2*fx)
	fz = fz * fz * (3 - 2*fz)

	v00 := mathx.Unit(mathx.Hash2(seed, gx, gz))
	v10 := mathx.Unit(mathx.Hash2(seed, gx+1, gz))
	v01 := mathx.Unit(mathx.Hash2(seed, gx, gz+1))
	v11 := mathx.Unit(mathx.Hash2(seed, gx+1, gz+1))
	a := v00 + (v10-v00)*fx
	b := v01 + (v11-v01)*fx
	return a + (b-a)*fz
}

type octave struct {
	spacing int
	amp     float64
}

var heightOctaves = []octave{{64, 1}, {16, 0.35}, {4, 0.1}}

// HeightAt samples terrain height at lattice point (x, z).
func HeightAt(seed int64, x, z int, biome string) int16 {
	var n, norm float64
	for i, o := range heightOctaves {
		n += valueNoise(seed+int64(i)*7919, x, z, o.spacing) * o.amp
		norm += o.amp
	}
	n /= norm

	base, relief := 8.0, 10.0
	switch biome {
	case Forest:
		base, relief = 12, 16
	case Desert:
		base, relief = 4, 6
	}
	return int16(math.Round(base + (n-0.5)*2*relief))
}
