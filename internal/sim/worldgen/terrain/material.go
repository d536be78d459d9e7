package terrain

import (
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"

	"chunkfield.dev/internal/assets"
)

const MaterialExtension = "material.yaml"

// Material is a hand-authored surface descriptor referenced by terrain
// chunks.
type Material struct {
	Name      string  `yaml:"name"`
	Color     string  `yaml:"color"`
	Roughness float32 `yaml:"roughness"`
	// Texture is an optional nested asset path.
	Texture string `yaml:"texture,omitempty"`

	TextureHandle assets.Handle `yaml:"-"`
}

var colorRe = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

type MaterialLoader struct{}

func (MaterialLoader) Extensions() []string { return []string{MaterialExtension} }

func (MaterialLoader) Load(lc *assets.LoadContext, raw []byte) (any, error) {
	var m Material
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("material: %w", err)
	}
	if m.Name == "" {
		return nil, fmt.Errorf("material %s: name required", lc.Path())
	}
	if m.Color != "" && !colorRe.MatchString(m.Color) {
		return nil, fmt.Errorf("material %s: bad color %q", lc.Path(), m.Color)
	}
	if m.Roughness < 0 || m.Roughness > 1 {
		return nil, fmt.Errorf("material %s: roughness %v outside [0,1]", lc.Path(), m.Roughness)
	}
	if m.Texture != "" {
		m.TextureHandle = lc.Load(m.Texture)
	}
	return &m, nil
}
