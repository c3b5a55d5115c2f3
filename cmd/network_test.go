package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traffic-sim/traffic-sim/sim"
	"github.com/traffic-sim/traffic-sim/sim/graph"
	"github.com/traffic-sim/traffic-sim/sim/scenario"
)

const triangleNetwork = `
nodes:
  - {id: 1, lat: 48.000, lon: 11.000}
  - {id: 2, lat: 48.000, lon: 11.002}
  - {id: 3, lat: 48.001, lon: 11.001}
segments:
  - {id: 1, from: 1, to: 2, lanes: 2, speed_limit: 70, priority: 3}
  - {id: 2, from: 2, to: 3}
  - {id: 3, from: 3, to: 1, length: 180}
demand:
  source: od-matrix
  od:
    - {origin: 1, destination: 3, count: 4}
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadNetworkFile_ValidYAML_BuildsGraphAndDemand(t *testing.T) {
	// GIVEN a network file with a demand section
	path := writeFile(t, "net.yaml", triangleNetwork)

	// WHEN loaded
	raw, demand, err := loadNetwork(path, "")

	// THEN segments keep their attributes and the demand is an OD matrix
	require.NoError(t, err)
	require.Len(t, raw.Segments, 3)
	assert.Equal(t, 2, raw.Segments[0].Lanes)
	assert.Equal(t, 70.0, raw.Segments[0].SpeedLimit)
	assert.Equal(t, 180.0, raw.Segments[2].Length)

	g, err := buildGraph(raw, sim.DefaultSimulationConfig())
	require.NoError(t, err)
	assert.Len(t, g.Lanes(), 4)

	source, err := buildSource(demand)
	require.NoError(t, err)
	od, ok := source.(scenario.ODMatrixSource)
	require.True(t, ok)
	assert.Equal(t, 4, od.Matrix.Get(1, 3))
}

func TestLoadNetworkFile_UnknownField_Rejected(t *testing.T) {
	// GIVEN a segment with a typo in a field name
	path := writeFile(t, "net.yaml", `
nodes: [{id: 1, lat: 48, lon: 11}]
segments: [{id: 1, from: 1, to: 1, speedlimit: 30}]
`)

	// WHEN loaded
	_, err := loadNetworkFile(path)

	// THEN strict parsing fails
	assert.Error(t, err)
}

func TestLoadNetwork_SourceSelection(t *testing.T) {
	_, _, err := loadNetwork("", "")
	assert.Error(t, err, "no network")

	_, _, err = loadNetwork("a.yaml", "b.osm")
	assert.Error(t, err, "both network kinds")

	_, _, err = loadNetwork(filepath.Join(t.TempDir(), "missing.yaml"), "")
	assert.Error(t, err, "missing file")
}

func TestBuildSource(t *testing.T) {
	square := [][2]float64{{10.9, 47.9}, {11.1, 47.9}, {11.1, 48.1}, {10.9, 48.1}}
	tests := []struct {
		name    string
		demand  *DemandConfig
		want    string
		wantErr bool
	}{
		{"nil is random", nil, "random", false},
		{"random", &DemandConfig{Source: "random"}, "random", false},
		{"od without entries", &DemandConfig{Source: "od-matrix"}, "", true},
		{"od negative count", &DemandConfig{OD: []ODEntry{{Origin: 1, Destination: 2, Count: -1}}}, "", true},
		{"route list", &DemandConfig{Source: "route-list", Routes: [][]int64{{1, 2, 3}}}, "route-list", false},
		{"area", &DemandConfig{Source: "area", OriginArea: square, DestinationArea: square}, "area", false},
		{"area too small", &DemandConfig{Source: "area", OriginArea: square[:2], DestinationArea: square}, "", true},
		{"border", &DemandConfig{Source: "end-of-the-world", BorderFraction: 0.2}, "end-of-the-world", false},
		{"border too wide", &DemandConfig{Source: "end-of-the-world", BorderFraction: 0.5}, "", true},
		{"unknown", &DemandConfig{Source: "gravity"}, "", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			source, err := buildSource(tc.demand)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, source.Name())
		})
	}
}

func TestBuildSource_RouteList_ConvertsIDs(t *testing.T) {
	source, err := buildSource(&DemandConfig{Source: "route-list", Routes: [][]int64{{1, 2}, {2, 3, 1}}})
	require.NoError(t, err)
	assert.Equal(t, [][]graph.NodeID{{1, 2}, {2, 3, 1}}, source.(scenario.RouteListSource).Routes)
}

func TestPolygon_ClosesRing(t *testing.T) {
	p, err := polygon("area", [][2]float64{{0, 0}, {1, 0}, {1, 1}})
	require.NoError(t, err)
	require.Len(t, p, 1)
	assert.Len(t, p[0], 4)
	assert.True(t, p[0].Closed())
}

// newRunFlags returns a command carrying the run flags, bound to the package variables.
func newRunFlags() *cobra.Command {
	cmd := &cobra.Command{Use: "run"}
	cmd.Flags().Int64Var(&seed, "seed", 42, "")
	cmd.Flags().IntVar(&nThreads, "threads", 8, "")
	cmd.Flags().IntVar(&maxVehicles, "vehicles", 1000, "")
	cmd.Flags().Float64Var(&speedup, "speedup", 0, "")
	cmd.Flags().StringVar(&traceLevel, "trace", "none", "")
	cmd.Flags().Float64Var(&dawdle, "dawdle", 0.2, "")
	cmd.Flags().Float64Var(&fastestShare, "fastest-way-probability", 1.0, "")
	return cmd
}

func TestApplyFlagOverrides_OnlyChangedFlagsWin(t *testing.T) {
	// GIVEN a config file value for seed and threads
	cfg := sim.DefaultSimulationConfig()
	cfg.Seed = 7
	cfg.NThreads = 2
	cfg.Speedup = 3

	// WHEN only --seed is passed on the command line
	cmd := newRunFlags()
	require.NoError(t, cmd.Flags().Parse([]string{"--seed", "99"}))
	applyFlagOverrides(cmd, &cfg)

	// THEN the seed is overridden and the other file values survive the flag defaults
	assert.Equal(t, int64(99), cfg.Seed)
	assert.Equal(t, 2, cfg.NThreads)
	assert.Equal(t, 3.0, cfg.Speedup)
}

func TestLoadConfig_FileAndFlags(t *testing.T) {
	// GIVEN a config file
	configPath = writeFile(t, "sim.yaml", `
seed: 5
n_threads: 3
crossing_logic:
  only_one_vehicle_enabled: true
`)
	t.Cleanup(func() { configPath = "" })

	// WHEN loaded with --vehicles set
	cmd := newRunFlags()
	require.NoError(t, cmd.Flags().Parse([]string{"--vehicles", "12"}))
	cfg, err := loadConfig(cmd)

	// THEN file values and the flag are merged over the defaults
	require.NoError(t, err)
	assert.Equal(t, int64(5), cfg.Seed)
	assert.Equal(t, 3, cfg.NThreads)
	assert.Equal(t, 12, cfg.MaxVehicleCount)
	assert.True(t, cfg.CrossingLogic.OnlyOneVehicleEnabled)
	assert.True(t, cfg.CrossingLogic.DrivingOnTheRight)
}

func TestLoadConfig_InvalidFlag_Rejected(t *testing.T) {
	cmd := newRunFlags()
	require.NoError(t, cmd.Flags().Parse([]string{"--threads", "0"}))
	_, err := loadConfig(cmd)
	assert.Error(t, err)
}

func TestLoadConfig_UnknownTraceLevel_RejectedByValidate(t *testing.T) {
	// GIVEN an unknown --trace value
	cmd := newRunFlags()
	require.NoError(t, cmd.Flags().Parse([]string{"--trace", "verbose"}))

	// WHEN loaded
	_, err := loadConfig(cmd)

	// THEN the config validation names the field
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trace_level")
}

func TestAlgorithmFor(t *testing.T) {
	cfg := sim.DefaultSimulationConfig()
	fastest, err := algorithmFor("fastest", cfg)
	require.NoError(t, err)
	assert.Equal(t, "fastest-way", fastest.Name())
	linear, err := algorithmFor("linear", cfg)
	require.NoError(t, err)
	assert.Equal(t, "linear-distance", linear.Name())
	_, err = algorithmFor("scenic", cfg)
	assert.Error(t, err)
}
