// Package config loads the simulator's YAML configuration files (spec
// §6.3): one per memory tier, plus a mapping file selecting which
// placement policy to run and its parameters.
//
// Grounded on the inference-sim-inference-sim manifest's yaml.v3
// dependency (other_examples/manifests) — the one genuine "simulator
// CLI" shape in the retrieval pack that reaches for a YAML library for
// exactly this kind of config-file loading, and on
// original_source/inc/ideal_single_mempod.h / cameo.h / variable_granularity.h
// for which constants are actually configurable per policy.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Tier describes one memory tier's capacity and relative clock.
type Tier struct {
	Name             string `yaml:"name"`
	CapacityBytes    uint64 `yaml:"capacity_bytes"`
	ClockNumerator   uint64 `yaml:"clock_numerator"`
	ClockDenominator uint64 `yaml:"clock_denominator"`
	QueueCapacity    int    `yaml:"queue_capacity"`
}

// Mapping selects a placement policy and its tunables. Only the fields
// relevant to the selected Policy need be set; the rest are ignored.
type Mapping struct {
	Policy        string `yaml:"policy"` // "cameo", "mempod", or "vg"
	Threshold     uint8  `yaml:"threshold,omitempty"`
	EpochTicks    uint64 `yaml:"epoch_ticks,omitempty"`
	DecayInterval uint64 `yaml:"decay_interval,omitempty"`
	QueueCapacity int    `yaml:"queue_capacity,omitempty"`
}

// LoadTier reads and parses a tier configuration file.
func LoadTier(path string) (Tier, error) {
	var t Tier
	data, err := os.ReadFile(path)
	if err != nil {
		return t, fmt.Errorf("config: read tier file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &t); err != nil {
		return t, fmt.Errorf("config: parse tier file %s: %w", path, err)
	}
	if t.CapacityBytes == 0 {
		return t, fmt.Errorf("config: tier file %s: capacity_bytes must be positive", path)
	}
	return t, nil
}

// LoadMapping reads and parses a policy mapping file.
func LoadMapping(path string) (Mapping, error) {
	var m Mapping
	data, err := os.ReadFile(path)
	if err != nil {
		return m, fmt.Errorf("config: read mapping file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("config: parse mapping file %s: %w", path, err)
	}
	switch m.Policy {
	case "cameo", "mempod", "vg":
	default:
		return m, fmt.Errorf("config: mapping file %s: unknown policy %q", path, m.Policy)
	}
	return m, nil
}
