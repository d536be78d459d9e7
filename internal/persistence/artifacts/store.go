package artifacts

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Store persists artifacts by path. Implementations are safe for concurrent
// use: generation jobs write while the asset server reads.
type Store interface {
	Put(path string, data []byte) error
	Read(path string) ([]byte, error)
	ModTime(path string) (time.Time, error)
}

type memEntry struct {
	data []byte
	mod  time.Time
}

type MemStore struct {
	mu      sync.RWMutex
	entries map[string]memEntry
	now     func() time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{entries: map[string]memEntry{}, now: time.Now}
}

func (s *MemStore) Put(path string, data []byte) error {
	cp := append([]byte(nil), data...)
	s.mu.Lock()
	s.entries[path] = memEntry{data: cp, mod: s.now()}
	s.mu.Unlock()
	return nil
}

func (s *MemStore) Read(path string) ([]byte, error) {
	s.mu.RLock()
	e, ok := s.entries[path]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	return e.data, nil
}

func (s *MemStore) ModTime(path string) (time.Time, error) {
	s.mu.RLock()
	e, ok := s.entries[path]
	s.mu.RUnlock()
	if !ok {
		return time.Time{}, fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	return e.mod, nil
}

func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Paths lists stored paths with the given prefix, sorted.
func (s *MemStore) Paths(prefix string) []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.entries))
	for p := range s.entries {
		if strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

// DirStore keeps artifacts as files under a root directory.
type DirStore struct {
	Root string
}

func (d DirStore) full(path string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(path))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("artifact path escapes root: %q", path)
	}
	return filepath.Join(d.Root, clean), nil
}

func (d DirStore) Put(path string, data []byte) error {
	p, err := d.full(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(p), filepath.Base(p)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Chmod(0o644); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (d DirStore) Read(path string) ([]byte, error) {
	p, err := d.full(path)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	return b, err
}

func (d DirStore) ModTime(path string) (time.Time, error) {
	p, err := d.full(path)
	if err != nil {
		return time.Time{}, err
	}
	fi, err := os.Stat(p)
	if os.IsNotExist(err) {
		return time.Time{}, fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	if err != nil {
		return time.Time{}, err
	}
	return fi.ModTime(), nil
}
