package tuning

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	TickRateHz int `yaml:"tick_rate_hz"`

	Stream   Stream   `yaml:"stream"`
	Workers  Workers  `yaml:"workers"`
	Dispatch Dispatch `yaml:"dispatch"`
	Assets   Assets   `yaml:"assets"`
	WorldGen WorldGen `yaml:"worldgen"`
}

// Stream holds the LOD bands around each load marker, in chunk rings.
type Stream struct {
	GenerateLODThreshold   uint16 `yaml:"generate_lod_threshold"`
	VisibilityLODThreshold uint16 `yaml:"visibility_lod_threshold"`
	VisibilityLODOverlap   uint16 `yaml:"visibility_lod_overlap"`
}

type Workers struct {
	Count     int `yaml:"count"`
	QueueSize int `yaml:"queue_size"`
}

// Dispatch limits how many generation jobs are submitted per second.
// Zero PerSecond means unlimited.
type Dispatch struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

type Assets struct {
	WatchIntervalMs int `yaml:"watch_interval_ms"`
	LoadConcurrency int `yaml:"load_concurrency"`
}

// WorldGen parameterizes the built-in terrain and decoration layers.
type WorldGen struct {
	Resolution      int `yaml:"resolution"`
	BiomeRegionSize int `yaml:"biome_region_size"`

	// Permille knobs scale cluster probabilities; 1000 keeps the defaults.
	OreClusterProbScalePermille int    `yaml:"ore_cluster_prob_scale_permille"`
	PropDensityScalePermille    int    `yaml:"prop_density_scale_permille"`
	MaterialDir                 string `yaml:"material_dir"`
}

func Defaults() Tuning {
	return Tuning{
		ProtocolVersion: "1.0",
		TickRateHz:      20,
		Stream: Stream{
			GenerateLODThreshold:   3,
			VisibilityLODThreshold: 2,
			VisibilityLODOverlap:   1,
		},
		Workers:  Workers{Count: 4, QueueSize: 256},
		Dispatch: Dispatch{PerSecond: 0, Burst: 64},
		Assets:   Assets{WatchIntervalMs: 1000, LoadConcurrency: 4},
		WorldGen: WorldGen{
			Resolution:                  16,
			BiomeRegionSize:             64,
			OreClusterProbScalePermille: 1000,
			PropDensityScalePermille:    1000,
			MaterialDir:                 "materials",
		},
	}
}

// Load reads path on top of Defaults and validates the result.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	if t.TickRateHz <= 0 {
		return errors.New("tick_rate_hz must be > 0")
	}
	if t.Stream.GenerateLODThreshold < t.Stream.VisibilityLODThreshold {
		return fmt.Errorf("stream.generate_lod_threshold (%d) must be >= visibility_lod_threshold (%d)",
			t.Stream.GenerateLODThreshold, t.Stream.VisibilityLODThreshold)
	}
	if t.Workers.Count <= 0 {
		return errors.New("workers.count must be > 0")
	}
	if t.Workers.QueueSize <= 0 {
		return errors.New("workers.queue_size must be > 0")
	}
	if t.Dispatch.PerSecond < 0 {
		return errors.New("dispatch.per_second must be >= 0")
	}
	if t.Dispatch.PerSecond > 0 && t.Dispatch.Burst <= 0 {
		return errors.New("dispatch.burst must be > 0 when per_second is set")
	}
	if t.Assets.WatchIntervalMs < 0 {
		return errors.New("assets.watch_interval_ms must be >= 0")
	}
	if t.WorldGen.Resolution <= 0 || t.WorldGen.Resolution > 256 {
		return errors.New("worldgen.resolution must be in 1..256")
	}
	if t.WorldGen.BiomeRegionSize <= 0 {
		return errors.New("worldgen.biome_region_size must be > 0")
	}
	if t.WorldGen.OreClusterProbScalePermille < 0 || t.WorldGen.PropDensityScalePermille < 0 {
		return errors.New("worldgen permille scales must be >= 0")
	}
	return nil
}

func (t Tuning) TickInterval() time.Duration {
	return time.Second / time.Duration(t.TickRateHz)
}

func (t Tuning) WatchInterval() time.Duration {
	return time.Duration(t.Assets.WatchIntervalMs) * time.Millisecond
}
