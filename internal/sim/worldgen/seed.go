package worldgen

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// WorldSeed keys every generator of one world.
type WorldSeed [16]byte

// NewSeed returns a random seed.
func NewSeed() WorldSeed {
	return WorldSeed(uuid.New())
}

func ParseSeed(s string) (WorldSeed, error) {
	var seed WorldSeed
	b, err := hex.DecodeString(s)
	if err != nil {
		return seed, fmt.Errorf("%w: %v", ErrBadSeed, err)
	}
	if len(b) != len(seed) {
		return seed, fmt.Errorf("%w: want %d bytes, got %d", ErrBadSeed, len(seed), len(b))
	}
	copy(seed[:], b)
	return seed, nil
}

func (s WorldSeed) String() string { return hex.EncodeToString(s[:]) }

// Int64 folds the seed into one value for the integer hash functions.
func (s WorldSeed) Int64() int64 {
	hi := binary.LittleEndian.Uint64(s[:8])
	lo := binary.LittleEndian.Uint64(s[8:])
	return int64(hi ^ (lo*0x9e3779b97f4a7c15 + 0x632be59bd9b4e019))
}

func (s WorldSeed) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *WorldSeed) UnmarshalText(b []byte) error {
	v, err := ParseSeed(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
