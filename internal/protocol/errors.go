package protocol

import (
	"errors"

	"chunkfield.dev/internal/sim/worldgen"
)

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrProtoVersion    = "E_PROTO_VERSION"

	// World commands.
	ErrWorldActive = "E_WORLD_ACTIVE"
	ErrNoWorld     = "E_NO_WORLD"
	ErrUnsupported = "E_UNSUPPORTED"
	ErrBadRequest  = "E_BAD_REQUEST"
	ErrBusy        = "E_BUSY"
	ErrInternal    = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrProtoVersion:    {},
	ErrWorldActive:     {},
	ErrNoWorld:         {},
	ErrUnsupported:     {},
	ErrBadRequest:      {},
	ErrBusy:            {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// CodeFor maps a command result to its wire code. nil maps to "".
func CodeFor(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, worldgen.ErrWorldActive):
		return ErrWorldActive
	case errors.Is(err, worldgen.ErrNoWorld):
		return ErrNoWorld
	case errors.Is(err, worldgen.ErrUnsupported):
		return ErrUnsupported
	case errors.Is(err, worldgen.ErrBadSeed):
		return ErrBadRequest
	default:
		return ErrInternal
	}
}
