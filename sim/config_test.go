package sim

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSimulationConfig_IsValid(t *testing.T) {
	cfg := DefaultSimulationConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5, cfg.MaxVelocityCells())
	assert.True(t, cfg.CrossingLogic.DrivingOnTheRight)
	assert.False(t, cfg.CrossingLogic.OnlyOneVehicleEnabled)
}

func TestSimulationConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*SimulationConfig)
		errMsg string
	}{
		{"negative vehicle cap", func(c *SimulationConfig) { c.MaxVehicleCount = -1 }, "max_vehicle_count"},
		{"negative speedup", func(c *SimulationConfig) { c.Speedup = -1 }, "speedup"},
		{"infinite speedup", func(c *SimulationConfig) { c.Speedup = math.Inf(1) }, "speedup"},
		{"zero threads", func(c *SimulationConfig) { c.NThreads = 0 }, "n_threads"},
		{"zero cell length", func(c *SimulationConfig) { c.MetersPerCell = 0 }, "meters_per_cell"},
		{"NaN cell length", func(c *SimulationConfig) { c.MetersPerCell = math.NaN() }, "meters_per_cell"},
		{"sub-cell velocity", func(c *SimulationConfig) { c.GlobalMaxVelocity = 0.5 }, "global_max_velocity"},
		{"probability above one", func(c *SimulationConfig) { c.FastestWayProbability = 1.5 }, "fastest_way_probability"},
		{"negative dawdle", func(c *SimulationConfig) { c.DawdleProbability = -0.1 }, "dawdle_probability"},
		{"unknown distribution", func(c *SimulationConfig) { c.Spawn.Distribution = "gaussian" }, "spawn distribution"},
		{"negative max delay", func(c *SimulationConfig) { c.Spawn.MaxDelay = -3 }, "max_delay"},
		{"poisson without rate", func(c *SimulationConfig) { c.Spawn.Distribution = "poisson" }, "spawn.rate"},
		{"unknown trace level", func(c *SimulationConfig) { c.TraceLevel = "verbose" }, "trace_level"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultSimulationConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errMsg)
		})
	}
}

func TestSimulationConfig_Validate_AcceptsEdgeValues(t *testing.T) {
	cfg := DefaultSimulationConfig()
	cfg.MaxVehicleCount = 0
	cfg.Speedup = 0
	cfg.FastestWayProbability = 0
	cfg.DawdleProbability = 1
	cfg.Spawn = SpawnConfig{Distribution: "poisson", Rate: 0.25}
	cfg.TraceLevel = "decisions"
	assert.NoError(t, cfg.Validate())
}

func TestMaxVelocityCells_Floors(t *testing.T) {
	cfg := DefaultSimulationConfig()
	cfg.GlobalMaxVelocity = 3.9
	assert.Equal(t, 3, cfg.MaxVelocityCells())
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sim.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadSimulationConfig_PartialOverride_KeepsDefaults(t *testing.T) {
	// GIVEN a file that sets only a few fields
	path := writeConfig(t, `
seed: 9
meters_per_cell: 5
crossing_logic:
  only_one_vehicle_enabled: true
spawn:
  distribution: uniform
  max_delay: 30
`)

	// WHEN loaded
	cfg, err := LoadSimulationConfig(path)

	// THEN those fields change and everything else keeps its default
	require.NoError(t, err)
	assert.Equal(t, int64(9), cfg.Seed)
	assert.Equal(t, 5.0, cfg.MetersPerCell)
	assert.True(t, cfg.CrossingLogic.OnlyOneVehicleEnabled)
	assert.True(t, cfg.CrossingLogic.PriorityToTheRightEnabled)
	assert.Equal(t, SpawnConfig{Distribution: "uniform", MaxDelay: 30}, cfg.Spawn)
	assert.Equal(t, 8, cfg.NThreads)
}

func TestLoadSimulationConfig_UnknownKey_Rejected(t *testing.T) {
	// GIVEN a typo in a nested key
	path := writeConfig(t, `
crossing_logic:
  only_one_vehicle: true
`)

	// WHEN loaded
	_, err := LoadSimulationConfig(path)

	// THEN strict parsing fails
	assert.Error(t, err)
}

func TestLoadSimulationConfig_InvalidValue_Rejected(t *testing.T) {
	path := writeConfig(t, "n_threads: 0\n")
	_, err := LoadSimulationConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "n_threads")
}

func TestLoadSimulationConfig_MissingFile(t *testing.T) {
	_, err := LoadSimulationConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestCancelledError_UnwrapsCause(t *testing.T) {
	err := error(&CancelledError{Stage: "scenario build", Progress: 40, Cause: context.Canceled})
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, "scenario build cancelled at 40%: context canceled", err.Error())

	var cancelled *CancelledError
	require.True(t, errors.As(err, &cancelled))
	assert.Equal(t, 40, cancelled.Progress)
}

func TestInvariantViolation_Message(t *testing.T) {
	err := &InvariantViolation{Tick: 12, Detail: "lane 3 holds 2 vehicles in cell 4"}
	assert.Equal(t, "invariant violated at tick 12: lane 3 holds 2 vehicles in cell 4", err.Error())
}
