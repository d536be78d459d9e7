package protocol

// HELLO (client -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ClientName      string `json:"client_name"`
	// StateEveryTicks throttles STATE pushes; 0 uses the server default.
	StateEveryTicks int `json:"state_every_ticks,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string       `json:"type"`
	ProtocolVersion string       `json:"protocol_version"`
	ConnID          string       `json:"conn_id"`
	ServerParams    ServerParams `json:"server_params"`
	State           string       `json:"state"`
}

type ServerParams struct {
	TickRateHz             int      `json:"tick_rate_hz"`
	GenerateLODThreshold   uint16   `json:"generate_lod_threshold"`
	VisibilityLODThreshold uint16   `json:"visibility_lod_threshold"`
	VisibilityLODOverlap   uint16   `json:"visibility_lod_overlap"`
	Layers                 []string `json:"layers"`
}

// CommandMsg carries every world command. Unused fields stay empty.
type CommandMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ReqID           string `json:"req_id"`
	Blueprint       string `json:"blueprint,omitempty"`
	// Seed is 32 hex characters; empty asks the server for a fresh seed.
	Seed  string `json:"seed,omitempty"`
	State string `json:"state,omitempty"`
	Room  string `json:"room,omitempty"`
}

// MARKER (client -> server): upsert or remove a named load marker.
type MarkerMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	Name            string     `json:"name"`
	Pos             [3]float32 `json:"pos"`
	Remove          bool       `json:"remove,omitempty"`
}

// STATE (server -> client)
type StateMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	Tick            uint64   `json:"tick"`
	State           string   `json:"state"`
	Session         string   `json:"session,omitempty"`
	Blueprint       string   `json:"blueprint,omitempty"`
	Seed            string   `json:"seed,omitempty"`
	Markers         int      `json:"markers"`
	Pending         int      `json:"pending"`
	Loaded          int      `json:"loaded"`
	Cached          int      `json:"cached"`
	Entities        int      `json:"entities"`
	Dispatched      uint64   `json:"dispatched"`
	Completed       uint64   `json:"completed"`
	Failed          uint64   `json:"failed"`
	Throttled       uint64   `json:"throttled"`
	QueueDepth      int      `json:"queue_depth"`
	Chunks          [][2]int `json:"chunks,omitempty"`
}

type AckMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	AckFor          string `json:"ack_for"`
	Accepted        bool   `json:"accepted"`
	Code            string `json:"code,omitempty"`
	Message         string `json:"message,omitempty"`
	ServerTick      uint64 `json:"server_tick,omitempty"`
}

// ERROR (server -> client) for messages that could not be routed.
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}
