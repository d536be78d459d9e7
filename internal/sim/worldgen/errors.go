package worldgen

import "errors"

var (
	ErrWorldActive    = errors.New("worldgen: a world is already active")
	ErrNoWorld        = errors.New("worldgen: no active world")
	ErrUnsupported    = errors.New("worldgen: command not supported")
	ErrUnknownLayer   = errors.New("worldgen: unknown layer kind")
	ErrDuplicateLayer = errors.New("worldgen: layer kind already registered")
	ErrBadSeed        = errors.New("worldgen: invalid seed")
)
