package worldgen

import (
	"fmt"
	"strings"

	"chunkfield.dev/internal/assets"
	"chunkfield.dev/internal/sim/worldgen/layout"
)

// LayerKind names one kind of generated chunk content, e.g. "terrain.chunk".
type LayerKind string

// Layer generates one kind of chunk data. Generate must be a pure function
// of its inputs; it runs on background workers.
type Layer interface {
	Kind() LayerKind
	// Extension is the file extension of generated artifacts, without the
	// leading dot.
	Extension() string
	Generate(seed WorldSeed, id layout.ChunkID) ([]byte, error)
	// Load decodes an artifact produced by Generate.
	Load(lc *assets.LoadContext, raw []byte) (any, error)
}

// Attacher is implemented by layers that derive per-entity data once the
// layer asset has finished loading.
type Attacher interface {
	Attach(asset any) (any, error)
}

// ArtifactPath is where the artifact for one chunk layer is stored.
func ArtifactPath(seed WorldSeed, l Layer, id layout.ChunkID) string {
	return fmt.Sprintf("%s%s/%s/%d_%d.%s", GeneratedPrefix, seed, l.Kind(), id.X, id.Y, l.Extension())
}

// GeneratedPrefix is the asset path prefix of generated artifacts.
const GeneratedPrefix = "gen/"

type Registry struct {
	order  []LayerKind
	layers map[LayerKind]Layer
}

func NewRegistry(layers ...Layer) (*Registry, error) {
	r := &Registry{layers: map[LayerKind]Layer{}}
	for _, l := range layers {
		if err := r.Register(l); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(l Layer) error {
	k := l.Kind()
	if k == "" || strings.ContainsAny(string(k), "/\\ ") {
		return fmt.Errorf("worldgen: invalid layer kind %q", k)
	}
	if _, ok := r.layers[k]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateLayer, k)
	}
	r.layers[k] = l
	r.order = append(r.order, k)
	return nil
}

func (r *Registry) Get(k LayerKind) (Layer, bool) {
	l, ok := r.layers[k]
	return l, ok
}

// Layers returns layers in registration order.
func (r *Registry) Layers() []Layer {
	out := make([]Layer, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, r.layers[k])
	}
	return out
}

func (r *Registry) Kinds() []LayerKind {
	return append([]LayerKind(nil), r.order...)
}

// Select returns the layers named by kinds, or every layer when kinds is
// empty.
func (r *Registry) Select(kinds []LayerKind) ([]Layer, error) {
	if len(kinds) == 0 {
		return r.Layers(), nil
	}
	out := make([]Layer, 0, len(kinds))
	for _, k := range kinds {
		l, ok := r.layers[k]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownLayer, k)
		}
		out = append(out, l)
	}
	return out, nil
}

// RegisterLoaders makes every layer's artifacts loadable through srv.
func (r *Registry) RegisterLoaders(srv *assets.Server) error {
	for _, l := range r.Layers() {
		if err := srv.Register(layerLoader{l}); err != nil {
			return err
		}
	}
	return nil
}

type layerLoader struct{ l Layer }

func (a layerLoader) Extensions() []string { return []string{a.l.Extension()} }

func (a layerLoader) Load(lc *assets.LoadContext, raw []byte) (any, error) {
	return a.l.Load(lc, raw)
}
