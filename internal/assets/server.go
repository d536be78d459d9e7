// Package assets loads typed assets from pluggable sources. Loaders are
// picked by file extension, loads run in the background, and results are
// published as events when the owner calls Update.
package assets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Handle identifies one asset path for the lifetime of a Server. The zero
// Handle is invalid.
type Handle uint64

type LoadState int

const (
	NotLoaded LoadState = iota
	Loading
	Loaded
	Failed
)

func (s LoadState) String() string {
	switch s {
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	case Failed:
		return "failed"
	default:
		return "not_loaded"
	}
}

type EventKind int

const (
	EventAdded EventKind = iota + 1
	EventModified
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventAdded:
		return "added"
	case EventModified:
		return "modified"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind   EventKind
	Handle Handle
	Path   string
	Err    error
}

// Loader turns raw bytes into an asset value.
type Loader interface {
	Extensions() []string
	Load(lc *LoadContext, raw []byte) (any, error)
}

// LoadContext is handed to a Loader for one load. Nested asset paths found
// in the document are resolved into handles through it.
type LoadContext struct {
	s    *Server
	path string
	deps []Handle
}

func (lc *LoadContext) Path() string { return lc.path }

// Load requests a nested asset and records it as a dependency.
func (lc *LoadContext) Load(path string) Handle {
	h := lc.s.Load(path)
	lc.deps = append(lc.deps, h)
	return h
}

var (
	ErrNoLoader   = errors.New("assets: no loader for extension")
	ErrNoSource   = errors.New("assets: no source mounted for path")
	ErrUnknown    = errors.New("assets: unknown asset")
	ErrDuplicated = errors.New("assets: extension already registered")
)

type Options struct {
	Logger *log.Logger
	// Concurrency bounds parallel source reads and decodes. Default 4.
	Concurrency int
}

type slot struct {
	path       string
	state      LoadState
	value      any
	err        error
	mod        time.Time
	gen        uint64
	everLoaded bool
	deps       []Handle
}

type result struct {
	h     Handle
	gen   uint64
	value any
	err   error
	mod   time.Time
	deps  []Handle
}

type Server struct {
	log *log.Logger
	sem *semaphore.Weighted
	wg  sync.WaitGroup

	mu      sync.Mutex
	loaders map[string]Loader
	mounts  []mount
	byPath  map[string]Handle
	slots   []slot
	done    []result
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	n := opts.Concurrency
	if n <= 0 {
		n = 4
	}
	return &Server{
		log:     logger,
		sem:     semaphore.NewWeighted(int64(n)),
		loaders: map[string]Loader{},
		byPath:  map[string]Handle{},
	}
}

// Register routes every extension of l to it. Extensions are given without
// the leading dot and may be compound ("world.yaml").
func (s *Server) Register(l Loader) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exts := l.Extensions()
	for _, ext := range exts {
		ext = strings.TrimPrefix(ext, ".")
		if _, ok := s.loaders[ext]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicated, ext)
		}
	}
	for _, ext := range exts {
		s.loaders[strings.TrimPrefix(ext, ".")] = l
	}
	return nil
}

// Mount serves paths starting with prefix from src. An empty prefix is the
// fallback for everything.
func (s *Server) Mount(prefix string, src Source) {
	s.mu.Lock()
	s.mounts = append(s.mounts, mount{prefix: prefix, src: src})
	s.mu.Unlock()
}

func (s *Server) loaderFor(path string) (Loader, bool) {
	var best string
	for ext := range s.loaders {
		if strings.HasSuffix(path, "."+ext) && len(ext) > len(best) {
			best = ext
		}
	}
	if best == "" {
		return nil, false
	}
	return s.loaders[best], true
}

// Load returns the handle for path, starting a background load the first
// time the path is seen.
func (s *Server) Load(path string) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.byPath[path]; ok {
		return h
	}
	s.slots = append(s.slots, slot{path: path, state: Loading})
	h := Handle(len(s.slots))
	s.byPath[path] = h
	s.startLocked(h)
	return h
}

// Reload reads path again; a successful reload is reported as EventModified.
func (s *Server) Reload(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.byPath[path]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknown, path)
	}
	s.startLocked(h)
	return nil
}

func (s *Server) startLocked(h Handle) {
	sl := &s.slots[h-1]
	sl.gen++
	if !sl.everLoaded {
		sl.state = Loading
	}
	gen := sl.gen
	path := sl.path
	loader, lok := s.loaderFor(path)
	src, sok := pickMount(s.mounts, path)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		r := result{h: h, gen: gen}
		switch {
		case !lok:
			r.err = fmt.Errorf("%w: %s", ErrNoLoader, path)
		case !sok:
			r.err = fmt.Errorf("%w: %s", ErrNoSource, path)
		default:
			r.value, r.mod, r.deps, r.err = s.run(loader, src, path)
		}
		s.mu.Lock()
		s.done = append(s.done, r)
		s.mu.Unlock()
	}()
}

func (s *Server) run(l Loader, src Source, path string) (v any, mod time.Time, deps []Handle, err error) {
	_ = s.sem.Acquire(context.Background(), 1)
	defer s.sem.Release(1)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("assets: loader panic on %s: %v", path, r)
		}
	}()

	mod, err = src.ModTime(path)
	if err != nil {
		return nil, mod, nil, err
	}
	raw, err := src.Read(path)
	if err != nil {
		return nil, mod, nil, err
	}
	lc := &LoadContext{s: s, path: path}
	v, err = l.Load(lc, raw)
	if err != nil {
		return nil, mod, nil, fmt.Errorf("load %s: %w", path, err)
	}
	return v, mod, lc.deps, nil
}

// Update applies finished loads and returns their events in completion
// order. It never waits for pending loads.
func (s *Server) Update() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.done) == 0 {
		return nil
	}
	done := s.done
	s.done = nil
	events := make([]Event, 0, len(done))
	for _, r := range done {
		sl := &s.slots[r.h-1]
		if r.gen != sl.gen {
			continue
		}
		if r.err != nil {
			// A failed reload keeps the last good value.
			if !sl.everLoaded {
				sl.state = Failed
			}
			sl.err = r.err
			s.log.Printf("warn: asset %s: %v", sl.path, r.err)
			events = append(events, Event{Kind: EventFailed, Handle: r.h, Path: sl.path, Err: r.err})
			continue
		}
		kind := EventAdded
		if sl.everLoaded {
			kind = EventModified
		}
		sl.state = Loaded
		sl.value = r.value
		sl.err = nil
		sl.mod = r.mod
		sl.deps = r.deps
		sl.everLoaded = true
		events = append(events, Event{Kind: kind, Handle: r.h, Path: sl.path})
	}
	return events
}

func (s *Server) State(h Handle) LoadState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h == 0 || int(h) > len(s.slots) {
		return NotLoaded
	}
	return s.slots[h-1].state
}

// Get returns the current value of a loaded asset.
func (s *Server) Get(h Handle) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h == 0 || int(h) > len(s.slots) {
		return nil, false
	}
	sl := &s.slots[h-1]
	if sl.state != Loaded {
		return nil, false
	}
	return sl.value, true
}

// GetAs is Get with a type assertion.
func GetAs[T any](s *Server, h Handle) (T, bool) {
	v, ok := s.Get(h)
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

func (s *Server) Err(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h == 0 || int(h) > len(s.slots) {
		return ErrUnknown
	}
	return s.slots[h-1].err
}

func (s *Server) Path(h Handle) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h == 0 || int(h) > len(s.slots) {
		return ""
	}
	return s.slots[h-1].path
}

// Dependencies lists the nested handles requested by the last successful
// load of h.
func (s *Server) Dependencies(h Handle) []Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h == 0 || int(h) > len(s.slots) {
		return nil
	}
	return append([]Handle(nil), s.slots[h-1].deps...)
}

func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}

// CheckModified reloads every loaded asset whose source reports a newer
// modification time and returns the reloaded paths.
func (s *Server) CheckModified() []string {
	type probe struct {
		path string
		src  Source
		mod  time.Time
	}
	s.mu.Lock()
	probes := make([]probe, 0, len(s.slots))
	for _, sl := range s.slots {
		if sl.state != Loaded {
			continue
		}
		if src, ok := pickMount(s.mounts, sl.path); ok {
			probes = append(probes, probe{path: sl.path, src: src, mod: sl.mod})
		}
	}
	s.mu.Unlock()

	var changed []string
	for _, p := range probes {
		mt, err := p.src.ModTime(p.path)
		if err != nil || !mt.After(p.mod) {
			continue
		}
		if err := s.Reload(p.path); err == nil {
			changed = append(changed, p.path)
		}
	}
	sort.Strings(changed)
	return changed
}

// Watch polls for modified sources every interval until ctx is done.
func (s *Server) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, p := range s.CheckModified() {
				s.log.Printf("asset changed: %s", p)
			}
		}
	}
}

// Wait blocks until all in-flight loads have finished. Tools and tests use
// it; the tick loop only calls Update.
func (s *Server) Wait() {
	s.wg.Wait()
}
