package sim

import (
	"bytes"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/traffic-sim/traffic-sim/sim/trace"
)

// CrossingLogicConfig groups the right-of-way rule flags applied at every node.
type CrossingLogicConfig struct {
	DrivingOnTheRight            bool `yaml:"driving_on_the_right"`
	EdgePriorityEnabled          bool `yaml:"edge_priority_enabled"`
	PriorityToTheRightEnabled    bool `yaml:"priority_to_the_right_enabled"`
	FriendlyStandingInJamEnabled bool `yaml:"friendly_standing_in_jam_enabled"`
	OnlyOneVehicleEnabled        bool `yaml:"only_one_vehicle_enabled"`
}

// SpawnConfig selects how spawn delays (in ticks) are assigned to vehicles.
type SpawnConfig struct {
	Distribution string  `yaml:"distribution"` // "none" (default), "uniform", "poisson"
	MaxDelay     int64   `yaml:"max_delay"`    // upper bound for "uniform"
	Rate         float64 `yaml:"rate"`         // vehicles per tick for "poisson"
}

// SimulationConfig is the configuration of one scenario run.
// It is treated as immutable while a run is active; swap it only while paused.
type SimulationConfig struct {
	Seed                  int64               `yaml:"seed"`
	MaxVehicleCount       int                 `yaml:"max_vehicle_count"` // 0 = no cap
	Speedup               float64             `yaml:"speedup"`           // 0 = unthrottled
	NThreads              int                 `yaml:"n_threads"`         // worker pool size
	MetersPerCell         float64             `yaml:"meters_per_cell"`
	GlobalMaxVelocity     float64             `yaml:"global_max_velocity"` // cells per tick
	FastestWayProbability float64             `yaml:"fastest_way_probability"`
	DawdleProbability     float64             `yaml:"dawdle_probability"`
	CrossingLogic         CrossingLogicConfig `yaml:"crossing_logic"`
	Spawn                 SpawnConfig         `yaml:"spawn"`
	TraceLevel            string              `yaml:"trace_level"`
}

// DefaultSimulationConfig returns the configuration used when no file is given.
// 7.5m cells and 5 cells/tick correspond to the classic Nagel-Schreckenberg setup (135 km/h).
func DefaultSimulationConfig() SimulationConfig {
	return SimulationConfig{
		Seed:                  42,
		MaxVehicleCount:       1000,
		Speedup:               5,
		NThreads:              8,
		MetersPerCell:         7.5,
		GlobalMaxVelocity:     5,
		FastestWayProbability: 1.0,
		DawdleProbability:     0.2,
		CrossingLogic: CrossingLogicConfig{
			DrivingOnTheRight:            true,
			EdgePriorityEnabled:          true,
			PriorityToTheRightEnabled:    true,
			FriendlyStandingInJamEnabled: true,
			OnlyOneVehicleEnabled:        false,
		},
		Spawn:      SpawnConfig{Distribution: "none"},
		TraceLevel: "none",
	}
}

// MaxVelocityCells returns the global velocity cap in whole cells per tick.
func (c SimulationConfig) MaxVelocityCells() int {
	return int(math.Floor(c.GlobalMaxVelocity))
}

var validSpawnDistributions = map[string]bool{"": true, "none": true, "uniform": true, "poisson": true}

// Validate checks that all fields hold usable values.
func (c SimulationConfig) Validate() error {
	if c.MaxVehicleCount < 0 {
		return fmt.Errorf("max_vehicle_count must be non-negative, got %d", c.MaxVehicleCount)
	}
	if math.IsNaN(c.Speedup) || math.IsInf(c.Speedup, 0) || c.Speedup < 0 {
		return fmt.Errorf("speedup must be a finite non-negative number, got %f", c.Speedup)
	}
	if c.NThreads < 1 {
		return fmt.Errorf("n_threads must be >= 1, got %d", c.NThreads)
	}
	if err := validateFinitePositive("meters_per_cell", c.MetersPerCell); err != nil {
		return err
	}
	if err := validateFinitePositive("global_max_velocity", c.GlobalMaxVelocity); err != nil {
		return err
	}
	if c.MaxVelocityCells() < 1 {
		return fmt.Errorf("global_max_velocity must allow at least one cell per tick, got %f", c.GlobalMaxVelocity)
	}
	if err := validateProbability("fastest_way_probability", c.FastestWayProbability); err != nil {
		return err
	}
	if err := validateProbability("dawdle_probability", c.DawdleProbability); err != nil {
		return err
	}
	if !validSpawnDistributions[c.Spawn.Distribution] {
		return fmt.Errorf("unknown spawn distribution %q; valid: none, uniform, poisson", c.Spawn.Distribution)
	}
	if c.Spawn.MaxDelay < 0 {
		return fmt.Errorf("spawn.max_delay must be non-negative, got %d", c.Spawn.MaxDelay)
	}
	if c.Spawn.Distribution == "poisson" {
		if err := validateFinitePositive("spawn.rate", c.Spawn.Rate); err != nil {
			return err
		}
	}
	if !trace.IsValidTraceLevel(c.TraceLevel) {
		return fmt.Errorf("unknown trace_level %q; valid: none, decisions", c.TraceLevel)
	}
	return nil
}

// LoadSimulationConfig reads a YAML configuration file on top of DefaultSimulationConfig.
// Uses strict parsing: unrecognized keys (typos) are rejected.
func LoadSimulationConfig(path string) (SimulationConfig, error) {
	cfg := DefaultSimulationConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading simulation config: %w", err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parsing simulation config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid simulation config %s: %w", path, err)
	}
	return cfg, nil
}

func validateFinitePositive(name string, val float64) error {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return fmt.Errorf("%s must be a finite number, got %f", name, val)
	}
	if val <= 0 {
		return fmt.Errorf("%s must be positive, got %f", name, val)
	}
	return nil
}

func validateProbability(name string, val float64) error {
	if math.IsNaN(val) || val < 0 || val > 1 {
		return fmt.Errorf("%s must be in [0, 1], got %f", name, val)
	}
	return nil
}
