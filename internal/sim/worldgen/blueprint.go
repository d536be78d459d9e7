package worldgen

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"chunkfield.dev/internal/assets"
	"chunkfield.dev/internal/sim/worldgen/layout"
)

// BlueprintExtension is the file extension of world blueprints.
const BlueprintExtension = "world.yaml"

// Blueprint is the seed-independent description of a world.
type Blueprint struct {
	Name   string               `yaml:"name" json:"name"`
	Layout layout.DefaultLayout `yaml:"layout" json:"layout"`
	// Layers restricts generation to these kinds; empty means all registered.
	Layers []LayerKind `yaml:"layers,omitempty" json:"layers,omitempty"`
}

//go:embed blueprint.schema.json
var blueprintSchemaJSON string

var (
	blueprintSchemaOnce sync.Once
	blueprintSchema     *jsonschema.Schema
	blueprintSchemaErr  error
)

func compiledBlueprintSchema() (*jsonschema.Schema, error) {
	blueprintSchemaOnce.Do(func() {
		blueprintSchema, blueprintSchemaErr = jsonschema.CompileString("blueprint.schema.json", blueprintSchemaJSON)
	})
	return blueprintSchema, blueprintSchemaErr
}

// ParseBlueprint validates raw YAML against the blueprint schema and decodes
// it.
func ParseBlueprint(raw []byte) (Blueprint, error) {
	var bp Blueprint

	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return bp, fmt.Errorf("blueprint yaml: %w", err)
	}
	js, err := json.Marshal(doc)
	if err != nil {
		return bp, fmt.Errorf("blueprint yaml: %w", err)
	}
	var inst any
	if err := json.Unmarshal(js, &inst); err != nil {
		return bp, fmt.Errorf("blueprint json: %w", err)
	}
	sch, err := compiledBlueprintSchema()
	if err != nil {
		return bp, fmt.Errorf("blueprint schema: %w", err)
	}
	if err := sch.Validate(inst); err != nil {
		return bp, fmt.Errorf("blueprint invalid: %w", err)
	}

	if err := yaml.Unmarshal(raw, &bp); err != nil {
		return bp, fmt.Errorf("blueprint yaml: %w", err)
	}
	if err := bp.Layout.Validate(); err != nil {
		return bp, fmt.Errorf("blueprint layout: %w", err)
	}
	return bp, nil
}

// BlueprintLoader reads *.world.yaml assets into *Blueprint values.
type BlueprintLoader struct{}

func (BlueprintLoader) Extensions() []string { return []string{BlueprintExtension} }

func (BlueprintLoader) Load(_ *assets.LoadContext, raw []byte) (any, error) {
	bp, err := ParseBlueprint(raw)
	if err != nil {
		return nil, err
	}
	return &bp, nil
}
