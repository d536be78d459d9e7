package stream

import (
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/uuid"
	"github.com/yohamta/donburi"

	"chunkfield.dev/internal/assets"
	"chunkfield.dev/internal/sim/jobs"
	"chunkfield.dev/internal/sim/worldgen"
	"chunkfield.dev/internal/sim/worldgen/layout"
)

// Chunk is carried by every spawned chunk entity.
type Chunk struct {
	ID  layout.ChunkID
	LOD uint16
}

// LayerChild is carried by the child entity holding one layer of a chunk.
type LayerChild struct {
	Kind  worldgen.LayerKind
	Asset assets.Handle
	// Ready is set once the asset was observed loaded and attached.
	Ready  bool
	warned bool
}

// Marker is an observer position chunks are streamed around.
type Marker struct {
	Name string
	Pos  mgl32.Vec3
}

// MarkerUpdate moves, creates or removes a named marker.
type MarkerUpdate struct {
	Name   string
	Pos    mgl32.Vec3
	Remove bool
}

type genTask struct {
	Chunk   layout.ChunkID
	Kind    worldgen.LayerKind
	Session uuid.UUID
	Started time.Time
	Task    *jobs.Task[string]
}

// attachment holds what a layer's Attach hook produced.
type attachment struct {
	Value any
}

var (
	chunkType      = donburi.NewComponentType[Chunk]()
	layerChildType = donburi.NewComponentType[LayerChild]()
	markerType     = donburi.NewComponentType[Marker]()
	genTaskType    = donburi.NewComponentType[genTask]()
	attachmentType = donburi.NewComponentType[attachment]()
)

type TickLogger interface {
	WriteTick(entry TickLogEntry) error
}

type GenerationLogger interface {
	WriteGeneration(entry GenerationEntry) error
}

type SessionLogger interface {
	WriteSession(entry SessionEntry) error
}

// SessionEntry is emitted once when a world becomes active.
type SessionEntry struct {
	Tick    uint64   `json:"tick"`
	Session string   `json:"session"`
	Path    string   `json:"path"`
	Name    string   `json:"name"`
	Seed    string   `json:"seed"`
	Layout  string   `json:"layout"`
	Layers  []string `json:"layers"`
}

type TickLogEntry struct {
	Tick          uint64   `json:"tick"`
	Session       string   `json:"session,omitempty"`
	State         string   `json:"state"`
	Commands      []string `json:"commands,omitempty"`
	Events        []string `json:"events,omitempty"`
	Markers       int      `json:"markers"`
	Dispatched    int      `json:"dispatched"`
	Completed     int      `json:"completed"`
	Failed        int      `json:"failed"`
	Spawned       int      `json:"spawned"`
	Despawned     int      `json:"despawned"`
	LayersSpawned int      `json:"layers_spawned"`
	LayersReady   int      `json:"layers_ready"`
	Pending       int      `json:"pending"`
	Loaded        int      `json:"loaded"`
	Cached        int      `json:"cached"`
	Throttled     bool     `json:"throttled,omitempty"`
	DurationUs    int64    `json:"duration_us"`
}

type GenerationEntry struct {
	Tick       uint64  `json:"tick"`
	Session    string  `json:"session"`
	Seed       string  `json:"seed"`
	Kind       string  `json:"kind"`
	X          int     `json:"x"`
	Y          int     `json:"y"`
	Ref        string  `json:"ref,omitempty"`
	Err        string  `json:"err,omitempty"`
	DurationMs float64 `json:"duration_ms"`
}
