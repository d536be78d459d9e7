package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"chunkfield.dev/internal/persistence/indexdb"
	"chunkfield.dev/internal/sim/worldgen/stream"
)

type runtimeIndex interface {
	stream.TickLogger
	stream.GenerationLogger
	stream.SessionLogger
	Close() error
	Stats() indexdb.Stats
}

func openRuntimeIndex(dataDir string, disableDB bool) (runtimeIndex, error) {
	if disableDB {
		return nil, nil
	}

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("CF_INDEX_BACKEND")))
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "none", "off", "disabled":
		return nil, nil
	case "sqlite":
		return indexdb.OpenSQLite(filepath.Join(dataDir, "index", "stream.sqlite"))
	default:
		return nil, fmt.Errorf("unsupported CF_INDEX_BACKEND: %s", backend)
	}
}

// The multi loggers fan one entry out to the JSONL log and the index. The
// index is optional and never fails a tick.

type multiTickLogger struct {
	a stream.TickLogger
	b stream.TickLogger
}

func (m multiTickLogger) WriteTick(entry stream.TickLogEntry) error {
	if m.a != nil {
		_ = m.a.WriteTick(entry)
	}
	if m.b != nil {
		_ = m.b.WriteTick(entry)
	}
	return nil
}

type multiGenerationLogger struct {
	a stream.GenerationLogger
	b stream.GenerationLogger
}

func (m multiGenerationLogger) WriteGeneration(entry stream.GenerationEntry) error {
	if m.a != nil {
		_ = m.a.WriteGeneration(entry)
	}
	if m.b != nil {
		_ = m.b.WriteGeneration(entry)
	}
	return nil
}

type multiSessionLogger struct {
	a stream.SessionLogger
	b stream.SessionLogger
}

func (m multiSessionLogger) WriteSession(entry stream.SessionEntry) error {
	if m.a != nil {
		_ = m.a.WriteSession(entry)
	}
	if m.b != nil {
		_ = m.b.WriteSession(entry)
	}
	return nil
}
