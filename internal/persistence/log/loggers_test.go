package log

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestJSONLZstdWriterRotatesHourly(t *testing.T) {
	dir := t.TempDir()
	w := NewJSONLZstdWriter(dir, "ticks")
	clock := time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC)
	w.now = func() time.Time { return clock }

	if err := w.Write(map[string]int{"tick": 1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	clock = clock.Add(2 * time.Minute)
	if err := w.Write(map[string]int{"tick": 2}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Write(map[string]int{"tick": 3}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if w.Lines() != 3 {
		t.Fatalf("lines=%d", w.Lines())
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 hourly files, got %d", len(entries))
	}

	var ticks []int
	for _, name := range []string{"ticks-2026-03-01-10.jsonl.zst", "ticks-2026-03-01-11.jsonl.zst"} {
		err := ReadJSONL(filepath.Join(dir, name), func(line json.RawMessage) error {
			var v struct{ Tick int }
			if err := json.Unmarshal(line, &v); err != nil {
				return err
			}
			ticks = append(ticks, v.Tick)
			return nil
		})
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
	}
	if len(ticks) != 3 || ticks[0] != 1 || ticks[2] != 3 {
		t.Fatalf("ticks=%v", ticks)
	}
}
