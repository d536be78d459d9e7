package mathx

import "math"

func FloorDiv(a, b int) int {
	// b > 0
	q := a / b
	r := a % b
	if r < 0 {
		q--
	}
	return q
}

func Mod(a, b int) int {
	// b > 0
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

func AbsInt(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

func MaxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// RemEuclid returns the least non-negative remainder of a / b (b > 0).
// Unlike math.Mod the result is never negative, so negative world positions
// land in [0, b).
func RemEuclid(a, b float32) float32 {
	r := float32(math.Mod(float64(a), float64(b)))
	if r < 0 {
		r += b
	}
	// a tiny negative a can round r up to exactly b.
	if r >= b {
		r = 0
	}
	return r
}

// DivEuclid is the quotient matching RemEuclid: a == DivEuclid(a,b)*b + RemEuclid(a,b).
func DivEuclid(a, b float32) float32 {
	return float32(math.Floor(float64(a) / float64(b)))
}

func AbsF32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

func mix64(z uint64) uint64 {
	z += 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

func Hash2(seed int64, x, z int) uint64 {
	ux := uint64(uint32(int32(x)))
	uz := uint64(uint32(int32(z)))
	v := uint64(seed) ^ (ux * 0x9e3779b97f4a7c15) ^ (uz * 0xbf58476d1ce4e5b9)
	return mix64(v)
}

func Hash3(seed int64, x, y, z int) uint64 {
	ux := uint64(uint32(int32(x)))
	uy := uint64(uint32(int32(y)))
	uz := uint64(uint32(int32(z)))
	v := uint64(seed) ^ (ux * 0x9e3779b97f4a7c15) ^ (uy * 0xc2b2ae3d27d4eb4f) ^ (uz * 0xbf58476d1ce4e5b9)
	return mix64(v)
}

// Unit maps a hash onto [0, 1).
func Unit(h uint64) float64 {
	return float64(h>>11) / float64(1<<53)
}
