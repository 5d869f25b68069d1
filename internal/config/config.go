// Package config holds the engine's tunable configuration: the pacing
// controller's gains and clamps, identity-tracker limits, and the
// fence-worker's resource pool sizes, loadable from YAML or environment
// variables and hot-reloadable via fsnotify.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EngineConfig is the full set of tunables for one engine instance.
// NumStages is fixed at construction (the aggregator allocates exactly
// this many Stage records); everything else may be hot-reloaded.
type EngineConfig struct {
	NumStages int `yaml:"num_stages"`

	DelayGain      float64       `yaml:"delay_gain"`
	DurationGain   float64       `yaml:"duration_gain"`
	TargetDelay    time.Duration `yaml:"target_delay"`
	ClampDelay     time.Duration `yaml:"clamp_delay"`
	ClampFrameTime time.Duration `yaml:"clamp_frame_time"`

	// LeakWarnThreshold bounds the number of frames begun but not yet
	// finished before the engine logs a backlog warning.
	LeakWarnThreshold int `yaml:"leak_warn_threshold"`
	// TrackerQueueLimit records the Frame-Identity Tracker's unbound-queue
	// overflow threshold. It is loaded but not passed to the tracker, which
	// always uses its built-in threshold of 8.
	TrackerQueueLimit int `yaml:"tracker_queue_limit"`
}

// Default returns the engine's documented default tunables for a pipeline
// with numStages stages.
func Default(numStages int) EngineConfig {
	return EngineConfig{
		NumStages:         numStages,
		DelayGain:         0.15,
		DurationGain:      0.30,
		TargetDelay:       2 * time.Millisecond,
		ClampDelay:        50 * time.Millisecond,
		ClampFrameTime:    50 * time.Millisecond,
		LeakWarnThreshold: 16,
		TrackerQueueLimit: 8,
	}
}

// FromEnv overlays environment-variable overrides onto base, using the
// FRAMEPACER_ prefix.
func FromEnv(base EngineConfig) EngineConfig {
	base.DelayGain = ParseFloat("FRAMEPACER_DELAY_GAIN", base.DelayGain)
	base.DurationGain = ParseFloat("FRAMEPACER_DURATION_GAIN", base.DurationGain)
	base.TargetDelay = ParseDuration("FRAMEPACER_TARGET_DELAY", base.TargetDelay)
	base.ClampDelay = ParseDuration("FRAMEPACER_CLAMP_DELAY", base.ClampDelay)
	base.ClampFrameTime = ParseDuration("FRAMEPACER_CLAMP_FRAME_TIME", base.ClampFrameTime)
	base.LeakWarnThreshold = ParseInt("FRAMEPACER_LEAK_WARN_THRESHOLD", base.LeakWarnThreshold)
	base.TrackerQueueLimit = ParseInt("FRAMEPACER_TRACKER_QUEUE_LIMIT", base.TrackerQueueLimit)
	return base
}

// LoadFile reads an EngineConfig from a YAML file, starting from
// Default(numStages) so a partial file only overrides what it names.
func LoadFile(path string, numStages int) (EngineConfig, error) {
	cfg := Default(numStages)

	data, err := os.ReadFile(path)
	if err != nil {
		return EngineConfig{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return EngineConfig{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.NumStages = numStages // immutable regardless of the file's content
	if err := cfg.Validate(); err != nil {
		return EngineConfig{}, err
	}
	return cfg, nil
}

// Validate rejects tunables that would make the pacing controller or
// aggregator misbehave.
func (c EngineConfig) Validate() error {
	if c.NumStages <= 0 {
		return fmt.Errorf("config: num_stages must be positive, got %d", c.NumStages)
	}
	if c.DelayGain <= 0 {
		return fmt.Errorf("config: delay_gain must be positive, got %v", c.DelayGain)
	}
	if c.DurationGain <= 0 {
		return fmt.Errorf("config: duration_gain must be positive, got %v", c.DurationGain)
	}
	if c.TargetDelay < 0 {
		return fmt.Errorf("config: target_delay must be non-negative, got %v", c.TargetDelay)
	}
	if c.ClampDelay <= 0 {
		return fmt.Errorf("config: clamp_delay must be positive, got %v", c.ClampDelay)
	}
	if c.ClampFrameTime <= 0 {
		return fmt.Errorf("config: clamp_frame_time must be positive, got %v", c.ClampFrameTime)
	}
	return nil
}
