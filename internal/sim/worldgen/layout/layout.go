package layout

import (
	"errors"
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl32"

	"chunkfield.dev/internal/sim/mathx"
)

// ChunkSpace is a position expressed relative to a chunk center. Local.X and
// Local.Z are the planar offset; Local.Y carries world height unchanged.
type ChunkSpace struct {
	Chunk ChunkID
	Local mgl32.Vec3
}

type Layout interface {
	ToChunkSpace(world mgl32.Vec3, origin *ChunkID) ChunkSpace
	ToWorldSpace(cs ChunkSpace) mgl32.Vec3
	LODFromPoint(point mgl32.Vec3, id ChunkID) uint16
	ByLOD(point mgl32.Vec3, min, max uint16) []ChunkID
}

// DefaultLayout is a grid of square chunks with half-extent ChunkSize. With
// Wrap set the plane repeats every (2*Radius+1) chunks on X and
// (2*Height+1) chunks on Z.
type DefaultLayout struct {
	Radius    uint16 `json:"radius" yaml:"radius"`
	Height    uint16 `json:"height" yaml:"height"`
	ChunkSize uint16 `json:"chunk_size" yaml:"chunk_size"`
	LODSize   uint16 `json:"lod_size" yaml:"lod_size"`
	Wrap      bool   `json:"wrap,omitempty" yaml:"wrap,omitempty"`
}

var _ Layout = DefaultLayout{}

func (l DefaultLayout) Validate() error {
	if l.ChunkSize == 0 {
		return errors.New("chunk_size must be > 0")
	}
	if l.LODSize == 0 {
		return errors.New("lod_size must be > 0")
	}
	return nil
}

// ChunkWidth is the full edge length of one chunk.
func (l DefaultLayout) ChunkWidth() float32 { return 2 * float32(l.ChunkSize) }

// Counts returns the number of chunks per period on X and Z.
func (l DefaultLayout) Counts() (x, z int) {
	return 2*int(l.Radius) + 1, 2*int(l.Height) + 1
}

// Extents returns the world-space period on X and Z.
func (l DefaultLayout) Extents() (x, z float32) {
	cx, cz := l.Counts()
	w := l.ChunkWidth()
	return float32(cx) * w, float32(cz) * w
}

func (l DefaultLayout) String() string {
	return fmt.Sprintf("layout(r=%d h=%d cs=%d lod=%d wrap=%v)", l.Radius, l.Height, l.ChunkSize, l.LODSize, l.Wrap)
}

// split divides one axis into a chunk index and a local offset in
// [-ChunkSize, ChunkSize).
func (l DefaultLayout) split(v float32, count int, period float32) (int, float32) {
	half := float32(l.ChunkSize)
	full := l.ChunkWidth()
	centered := v + half
	if l.Wrap {
		centered = mathx.RemEuclid(centered, period)
	}
	idx := int(mathx.DivEuclid(centered, full))
	local := centered - float32(idx)*full - half
	if l.Wrap {
		idx = mathx.Mod(idx, count)
	}
	return idx, local
}

func (l DefaultLayout) ToChunkSpace(world mgl32.Vec3, origin *ChunkID) ChunkSpace {
	cx, cz := l.Counts()
	px, pz := l.Extents()
	ix, lx := l.split(world.X(), cx, px)
	iz, lz := l.split(world.Z(), cz, pz)

	out := ChunkSpace{
		Chunk: ChunkID{X: ix, Y: iz},
		Local: mgl32.Vec3{lx, world.Y(), lz},
	}
	if origin != nil {
		out = l.translate(out, *origin)
	}
	return out
}

// translate re-expresses a chunk-space position in the frame of another
// chunk.
func (l DefaultLayout) translate(cs ChunkSpace, to ChunkID) ChunkSpace {
	d := cs.Chunk.Sub(to)
	full := l.ChunkWidth()
	cs.Local[0] += float32(d.X) * full
	cs.Local[2] += float32(d.Y) * full
	cs.Chunk = to
	return cs
}

func (l DefaultLayout) ToWorldSpace(cs ChunkSpace) mgl32.Vec3 {
	full := l.ChunkWidth()
	return mgl32.Vec3{
		float32(cs.Chunk.X)*full + cs.Local.X(),
		cs.Local.Y(),
		float32(cs.Chunk.Y)*full + cs.Local.Z(),
	}
}

// LODFromPoint buckets the planar Chebyshev distance between point and the
// center of chunk id by 2*ChunkSize*LODSize.
func (l DefaultLayout) LODFromPoint(point mgl32.Vec3, id ChunkID) uint16 {
	cs := l.ToChunkSpace(point, &id)
	m := math.Max(math.Abs(float64(cs.Local.X())), math.Abs(float64(cs.Local.Z())))
	bucket := 2 * int(l.ChunkSize) * int(l.LODSize)
	if bucket == 0 {
		return 0
	}
	lod := int(math.Floor(m)) / bucket
	if lod > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(lod)
}

// ByLOD lists the chunks whose Chebyshev offset from the chunk containing
// point lies in [min, max], inner ring first. Ids are not wrapped.
func (l DefaultLayout) ByLOD(point mgl32.Vec3, min, max uint16) []ChunkID {
	if min > max {
		return nil
	}
	center := l.ToChunkSpace(point, nil).Chunk
	outer := int(max)
	n := (2*outer + 1) * (2*outer + 1)
	if min > 0 {
		inner := 2*int(min) - 1
		n -= inner * inner
	}
	out := make([]ChunkID, 0, n)
	for r := int(min); r <= outer; r++ {
		out = appendRing(out, center, r)
	}
	return out
}

func appendRing(out []ChunkID, c ChunkID, r int) []ChunkID {
	if r == 0 {
		return append(out, c)
	}
	for dx := -r; dx <= r; dx++ {
		out = append(out, ChunkID{X: c.X + dx, Y: c.Y - r})
	}
	for dy := -r + 1; dy <= r-1; dy++ {
		out = append(out, ChunkID{X: c.X - r, Y: c.Y + dy}, ChunkID{X: c.X + r, Y: c.Y + dy})
	}
	for dx := -r; dx <= r; dx++ {
		out = append(out, ChunkID{X: c.X + dx, Y: c.Y + r})
	}
	return out
}
