package layout

import (
	"fmt"

	"chunkfield.dev/internal/sim/mathx"
)

// ChunkID addresses one chunk on the world grid. Y is the grid row, which
// runs along world Z. The zero value is the origin chunk.
type ChunkID struct {
	X int `json:"x" yaml:"x"`
	Y int `json:"y" yaml:"y"`
}

func (c ChunkID) String() string { return fmt.Sprintf("%d_%d", c.X, c.Y) }

func (c ChunkID) Add(o ChunkID) ChunkID { return ChunkID{X: c.X + o.X, Y: c.Y + o.Y} }

func (c ChunkID) Sub(o ChunkID) ChunkID { return ChunkID{X: c.X - o.X, Y: c.Y - o.Y} }

// Chebyshev returns max(|dx|, |dy|) between two chunk ids.
func (c ChunkID) Chebyshev(o ChunkID) int {
	d := c.Sub(o)
	return mathx.MaxInt(mathx.AbsInt(d.X), mathx.AbsInt(d.Y))
}

// Less orders ids row-major, used for stable listings.
func (c ChunkID) Less(o ChunkID) bool {
	if c.Y != o.Y {
		return c.Y < o.Y
	}
	return c.X < o.X
}
