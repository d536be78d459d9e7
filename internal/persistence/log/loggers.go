package log

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"chunkfield.dev/internal/sim/worldgen/stream"
)

// JSONLZstdWriter appends JSON lines to hourly-rotated zstd files named
// <prefix>-YYYY-MM-DD-HH.jsonl.zst under baseDir.
type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	now     func() time.Time

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
	lines   uint64
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		now:     time.Now,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

// Lines returns how many records were written since creation.
func (w *JSONLZstdWriter) Lines() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lines
}

func (w *JSONLZstdWriter) Write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	w.lines++
	return w.w.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	path := w.pathForHour(hour)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 64*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err error
	if w.w != nil {
		err = w.w.Flush()
	}
	if w.enc != nil {
		err = errors.Join(err, w.enc.Close())
		w.enc = nil
	}
	if w.f != nil {
		err = errors.Join(err, w.f.Close())
		w.f = nil
	}
	w.w = nil
	w.curHour = ""
	return err
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// ReadJSONL decodes every line of a closed .jsonl.zst file into fn.
func ReadJSONL(path string, fn func(line json.RawMessage) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	br := bufio.NewReader(dec)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 1 {
			if ferr := fn(json.RawMessage(line[:len(line)-1])); ferr != nil {
				return ferr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// TickLogger writes one JSONL entry per streamer tick.
type TickLogger struct{ w *JSONLZstdWriter }

func NewTickLogger(dataDir string) *TickLogger {
	return &TickLogger{w: NewJSONLZstdWriter(filepath.Join(dataDir, "ticks"), "ticks")}
}

func (l *TickLogger) WriteTick(v stream.TickLogEntry) error { return l.w.Write(v) }
func (l *TickLogger) Close() error                          { return l.w.Close() }

// GenerationLogger records every finished or failed layer generation.
type GenerationLogger struct{ w *JSONLZstdWriter }

func NewGenerationLogger(dataDir string) *GenerationLogger {
	return &GenerationLogger{w: NewJSONLZstdWriter(filepath.Join(dataDir, "generations"), "generations")}
}

func (l *GenerationLogger) WriteGeneration(v stream.GenerationEntry) error { return l.w.Write(v) }
func (l *GenerationLogger) Close() error                                   { return l.w.Close() }

// SessionLogger writes stream.SessionEntry to <dataDir>/sessions.
type SessionLogger struct{ w *JSONLZstdWriter }

func NewSessionLogger(dataDir string) *SessionLogger {
	return &SessionLogger{w: NewJSONLZstdWriter(filepath.Join(dataDir, "sessions"), "sessions")}
}

func (l *SessionLogger) WriteSession(v stream.SessionEntry) error { return l.w.Write(v) }
func (l *SessionLogger) Close() error                             { return l.w.Close() }
