package stream

import "chunkfield.dev/internal/sim/worldgen/layout"

// Metrics is a point-in-time view of the streamer, safe to read from any
// goroutine.
type Metrics struct {
	Tick      uint64 `json:"tick"`
	State     string `json:"state"`
	Session   string `json:"session,omitempty"`
	Blueprint string `json:"blueprint,omitempty"`
	Seed      string `json:"seed,omitempty"`
	Markers   int    `json:"markers"`
	Pending   int    `json:"pending"`
	Loaded    int    `json:"loaded"`
	Cached    int    `json:"cached"`
	Entities  int    `json:"entities"`

	Dispatched uint64 `json:"dispatched_total"`
	Completed  uint64 `json:"completed_total"`
	Failed     uint64 `json:"failed_total"`
	Throttled  uint64 `json:"throttled_ticks_total"`

	QueueDepth int   `json:"queue_depth"`
	Running    int64 `json:"running"`

	Chunks []layout.ChunkID `json:"chunks,omitempty"`
}

func (s *Streamer) publishMetrics() {
	m := Metrics{
		Tick:       s.tick,
		State:      s.state.String(),
		Markers:    len(s.markerByName),
		Pending:    s.mgr.PendingLen(),
		Loaded:     s.mgr.LoadedLen(),
		Entities:   s.world.Len(),
		Dispatched: s.totals.dispatched,
		Completed:  s.totals.completed,
		Failed:     s.totals.failed,
		Throttled:  s.totals.throttled,
		Chunks:     s.mgr.LoadedChunks(),
	}
	if s.cache != nil {
		m.Cached = s.cache.Len()
	}
	if w, ok := s.mgr.Current(); ok {
		m.Session = w.Session.String()
		m.Blueprint = w.Path
		m.Seed = w.Seed.String()
	}
	ps := s.cfg.Pool.Stats()
	m.QueueDepth = ps.Queued
	m.Running = ps.Running
	s.metrics.Store(&m)
}

// Metrics returns the view published at the end of the last tick.
func (s *Streamer) Metrics() Metrics {
	if m := s.metrics.Load(); m != nil {
		return *m
	}
	return Metrics{State: "disabled"}
}
