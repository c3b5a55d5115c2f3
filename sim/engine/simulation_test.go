package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traffic-sim/traffic-sim/sim"
	"github.com/traffic-sim/traffic-sim/sim/graph"
	"github.com/traffic-sim/traffic-sim/sim/internal/testutil"
	"github.com/traffic-sim/traffic-sim/sim/scenario"
	"github.com/traffic-sim/traffic-sim/sim/vehicle"
)

func testConfig() sim.SimulationConfig {
	cfg := sim.DefaultSimulationConfig()
	cfg.MaxVehicleCount = 0
	cfg.Speedup = 0
	cfg.NThreads = 1
	return cfg
}

// prepared builds raw and prepares a scenario for source.
func prepared(t *testing.T, raw graph.RawNetwork, cfg sim.SimulationConfig, source scenario.ItinerarySource) *scenario.Scenario {
	t.Helper()
	g := testutil.MustBuild(t, raw, cfg.MetersPerCell, cfg.MaxVelocityCells())
	s := scenario.New(g, cfg, source)
	require.NoError(t, scenario.NewBuilder(cfg, nil).Prepare(context.Background(), s, nil))
	return s
}

func newSimulation(t *testing.T, s *scenario.Scenario) *Simulation {
	t.Helper()
	sm, err := New(s)
	require.NoError(t, err)
	t.Cleanup(sm.Close)
	return sm
}

// assertOccupancy checks that lanes and vehicles agree and no cell holds two vehicles.
func assertOccupancy(t *testing.T, s *scenario.Scenario) {
	t.Helper()
	g := s.Graph()
	seen := make(map[graph.VehicleID]bool)
	for _, lane := range g.Lanes() {
		occ := lane.Occupants()
		for k, o := range occ {
			require.False(t, seen[o.Vehicle], "vehicle %d on two lanes", o.Vehicle)
			seen[o.Vehicle] = true
			require.Equal(t, o.Vehicle, lane.At(o.Cell))
			if k > 0 {
				require.Less(t, o.Cell, occ[k-1].Cell, "lane %d/%d out of order", lane.Edge(), lane.Number())
			}
			v, ok := s.Container().Get(o.Vehicle)
			require.True(t, ok)
			require.Equal(t, vehicle.Driving, v.State)
			require.Equal(t, lane.Index(), v.Lane)
			require.Equal(t, o.Cell, v.Cell)
			require.Equal(t, lane.Edge(), v.Edge)
		}
	}
	assert.Equal(t, s.Container().LiveCount(), len(seen))
}

func TestNew_UnpreparedScenario_Fails(t *testing.T) {
	cfg := testConfig()
	g := testutil.MustBuild(t, testutil.Grid(2, 2, 100), cfg.MetersPerCell, cfg.MaxVelocityCells())
	_, err := New(scenario.New(g, cfg, scenario.RandomRouteSource{}))
	assert.Error(t, err)
}

func TestRunOneStep_SingleVehicle_TravelsAtEdgeLimit(t *testing.T) {
	// GIVEN one vehicle on n1 -> n2 -> n3, 14-cell edges limited to 1 cell/tick, no dawdling
	cfg := testConfig()
	cfg.DawdleProbability = 0
	s := prepared(t, testutil.Grid(1, 3, 100), cfg, scenario.RouteListSource{Routes: [][]graph.NodeID{{1, 2, 3}}})
	sm := newSimulation(t, s)
	v, _ := s.Container().Get(1)

	// WHEN the first tick runs
	report, err := sm.RunOneStep()

	// THEN the vehicle spawns at the entry cell
	require.NoError(t, err)
	assert.Equal(t, 1, report.Spawned)
	assert.Equal(t, vehicle.Driving, v.State)
	assert.Equal(t, 0, v.Cell)

	// WHEN it drives to the end of the first edge
	for sm.Tick() < 14 {
		_, err = sm.RunOneStep()
		require.NoError(t, err)
	}
	assert.Equal(t, 13, v.Cell)
	assert.Equal(t, graph.EdgeID(1), v.Edge)

	// THEN the next tick crosses n2 into cell 0 of the second edge
	report, err = sm.RunOneStep()
	require.NoError(t, err)
	assert.Equal(t, 1, report.Admitted)
	assert.Equal(t, graph.EdgeID(3), v.Edge)
	assert.Equal(t, 0, v.Cell)

	// AND it arrives 14 ticks later, 28 ticks after spawning
	for !s.Container().Done() {
		_, err = sm.RunOneStep()
		require.NoError(t, err)
	}
	assert.Equal(t, int64(28), v.TravelTime())
	assert.Equal(t, 1, sm.Metrics().Arrived)
	assert.Equal(t, int64(28), sm.Metrics().TravelTimes[1])
	assert.Equal(t, 0, s.Graph().VehicleCount())
}

func TestRunOneStep_MutualExclusion_HoldsEveryTick(t *testing.T) {
	// GIVEN heavy random traffic on a 4x4 grid with four workers
	cfg := testConfig()
	cfg.NThreads = 4
	cfg.MaxVehicleCount = 120
	cfg.DawdleProbability = 0.3
	s := prepared(t, testutil.Grid(4, 4, 60), cfg, scenario.RandomRouteSource{})
	sm := newSimulation(t, s)

	// WHEN 300 ticks run
	// THEN after every tick each cell holds at most one vehicle and lanes match vehicles
	for i := 0; i < 300; i++ {
		report, err := sm.RunOneStep()
		require.NoError(t, err)
		assertOccupancy(t, s)
		for _, lane := range s.Graph().Lanes() {
			assert.LessOrEqual(t, len(lane.Occupants()), lane.Len())
		}
		assert.Equal(t, s.Container().Len(), report.Live+report.Pending+s.Container().ArrivedCount())
	}
	assert.Greater(t, sm.Metrics().Arrived, 0)
}

func TestRunOneStep_OnlyOneVehicle_AdmitsAtMostOnePerNode(t *testing.T) {
	// GIVEN straight traffic from all four arms of a crossroads with one crossing per tick
	cfg := testConfig()
	cfg.CrossingLogic.OnlyOneVehicleEnabled = true
	routes := [][]graph.NodeID{}
	for k := 0; k < 5; k++ {
		routes = append(routes,
			[]graph.NodeID{testutil.North, testutil.Center, testutil.South},
			[]graph.NodeID{testutil.East, testutil.Center, testutil.West},
			[]graph.NodeID{testutil.South, testutil.Center, testutil.North},
			[]graph.NodeID{testutil.West, testutil.Center, testutil.East})
	}
	s := prepared(t, testutil.Crossroads(60, nil), cfg, scenario.RouteListSource{Routes: routes})
	sm := newSimulation(t, s)

	// WHEN run to completion
	// THEN the only node with crossing traffic never admits more than one vehicle per tick
	for i := 0; i < 500 && !s.Container().Done(); i++ {
		report, err := sm.RunOneStep()
		require.NoError(t, err)
		assert.LessOrEqual(t, report.Admitted, 1)
	}
	assert.True(t, s.Container().Done())
}

func snapshots(t *testing.T, threads int, ticks int) [][]vehicle.Snapshot {
	t.Helper()
	cfg := testConfig()
	cfg.NThreads = threads
	cfg.MaxVehicleCount = 80
	cfg.DawdleProbability = 0.25
	cfg.FastestWayProbability = 0.5
	cfg.Spawn = sim.SpawnConfig{Distribution: "poisson", Rate: 0.5}
	s := prepared(t, testutil.Grid(5, 5, 80), cfg, scenario.RandomRouteSource{})
	sm := newSimulation(t, s)
	out := make([][]vehicle.Snapshot, 0, ticks)
	for i := 0; i < ticks; i++ {
		_, err := sm.RunOneStep()
		require.NoError(t, err)
		snap, tick := s.Container().Snapshot()
		require.Equal(t, int64(i), tick)
		out = append(out, snap)
	}
	return out
}

func TestRunOneStep_Determinism_IndependentOfWorkerCount(t *testing.T) {
	// GIVEN the same seed, graph and config
	// WHEN run with one worker and with four workers
	single := snapshots(t, 1, 250)
	parallel := snapshots(t, 4, 250)

	// THEN every tick's vehicle states are identical
	require.Len(t, parallel, len(single))
	for i := range single {
		require.Equal(t, single[i], parallel[i], "tick %d diverged", i)
	}
}

func TestRunOneStep_EventsDrainedOncePerTick(t *testing.T) {
	// GIVEN two vehicles starting on the same edge at tick 0
	cfg := testConfig()
	cfg.DawdleProbability = 0
	s := prepared(t, testutil.Grid(1, 3, 100), cfg,
		scenario.RouteListSource{Routes: [][]graph.NodeID{{1, 2}, {1, 2, 3}}})
	sm := newSimulation(t, s)

	// WHEN the first tick runs
	_, err := sm.RunOneStep()
	require.NoError(t, err)

	// THEN only the lower id spawns; one entry cell per edge and tick
	events := s.Container().DrainEvents()
	require.Len(t, events, 1)
	assert.Equal(t, vehicle.Event{Kind: vehicle.Spawned, Vehicle: 1, Tick: 0}, events[0])
	assert.Empty(t, s.Container().DrainEvents())

	// AND the second spawns only once the committed occupancy frees cell 0,
	// which the first vehicle leaves during tick 1
	_, err = sm.RunOneStep()
	require.NoError(t, err)
	assert.Empty(t, s.Container().DrainEvents())
	_, err = sm.RunOneStep()
	require.NoError(t, err)
	events = s.Container().DrainEvents()
	require.Len(t, events, 1)
	assert.Equal(t, graph.VehicleID(2), events[0].Vehicle)
}

func TestRunOneStep_BrokenOccupancy_HaltsWithInvariantViolation(t *testing.T) {
	// GIVEN a lane holding a vehicle the container does not consider driving
	cfg := testConfig()
	s := prepared(t, testutil.Grid(3, 3, 100), cfg, scenario.RouteListSource{Routes: [][]graph.NodeID{{1, 4, 7}}})
	sm := newSimulation(t, s)
	e, ok := s.Graph().EdgeBetween(9, 8)
	require.True(t, ok)
	require.NoError(t, e.Lane(0).Place(1, 3))

	// WHEN a tick runs
	_, err := sm.RunOneStep()

	// THEN it fails with an invariant violation
	var violation *sim.InvariantViolation
	require.True(t, errors.As(err, &violation))
	assert.Equal(t, int64(0), violation.Tick)

	// AND the run stays halted
	_, err = sm.RunOneStep()
	assert.True(t, errors.As(err, &violation))
}

func TestRun_UntilAllArrived(t *testing.T) {
	// GIVEN a small scenario
	cfg := testConfig()
	cfg.MaxVehicleCount = 20
	s := prepared(t, testutil.Grid(3, 3, 60), cfg, scenario.RandomRouteSource{})
	sm := newSimulation(t, s)

	// WHEN run unthrottled
	err := sm.Run(context.Background())

	// THEN it returns once every vehicle arrived
	require.NoError(t, err)
	assert.True(t, s.Container().Done())
	assert.Equal(t, 20, sm.Metrics().Arrived)
	assert.True(t, sm.IsPaused())
}

func TestRun_Horizon_StopsAtTick(t *testing.T) {
	cfg := testConfig()
	s := prepared(t, testutil.Grid(3, 3, 100), cfg, scenario.RouteListSource{Routes: [][]graph.NodeID{{1, 2, 3, 6, 9}}})
	sm := newSimulation(t, s)
	sm.SetHorizon(10)

	require.NoError(t, sm.Run(context.Background()))
	assert.Equal(t, int64(10), sm.Tick())
}

// longRun returns a throttled simulation that takes far longer than any test wait.
func longRun(t *testing.T) *Simulation {
	t.Helper()
	cfg := testConfig()
	cfg.Speedup = 50
	s := prepared(t, testutil.Grid(3, 3, 300), cfg, scenario.RouteListSource{Routes: [][]graph.NodeID{{1, 2, 3, 6, 9, 8, 7}}})
	return newSimulation(t, s)
}

func TestRun_Cancel_StopsAfterTickAndResumes(t *testing.T) {
	// GIVEN a run-loop in progress
	sm := longRun(t)
	assert.True(t, sm.IsPaused())
	done := make(chan error, 1)
	go func() { done <- sm.Run(context.Background()) }()
	require.Eventually(t, func() bool { return !sm.IsPaused() }, time.Second, time.Millisecond)

	// WHEN cancelled
	sm.Cancel()

	// THEN Run returns without error and the simulation is paused
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after Cancel")
	}
	assert.True(t, sm.IsPaused())
	assertOccupancy(t, sm.Scenario())

	// AND stepping resumes from the last committed tick
	before := sm.Tick()
	_, err := sm.RunOneStep()
	require.NoError(t, err)
	assert.Equal(t, before+1, sm.Tick())
}

func TestRun_ContextCancelled_ReturnsCancelledError(t *testing.T) {
	// GIVEN a run-loop in progress
	sm := longRun(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sm.Run(ctx) }()
	require.Eventually(t, func() bool { return !sm.IsPaused() }, time.Second, time.Millisecond)

	// WHEN the context is cancelled
	cancel()

	// THEN Run reports a CancelledError wrapping context.Canceled
	var err error
	select {
	case err = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after context cancellation")
	}
	var cancelled *sim.CancelledError
	require.True(t, errors.As(err, &cancelled))
	assert.Equal(t, "run", cancelled.Stage)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestRun_WhileRunning_RejectsSecondRunAndConfigChange(t *testing.T) {
	sm := longRun(t)
	done := make(chan error, 1)
	go func() { done <- sm.Run(context.Background()) }()
	require.Eventually(t, func() bool { return !sm.IsPaused() }, time.Second, time.Millisecond)

	assert.ErrorIs(t, sm.Run(context.Background()), ErrRunning)
	_, err := sm.RunOneStep()
	assert.ErrorIs(t, err, ErrRunning)
	assert.ErrorIs(t, sm.SetConfig(testConfig()), ErrRunning)
	assert.ErrorIs(t, sm.Reset(), ErrRunning)

	sm.Cancel()
	require.NoError(t, <-done)
}

func TestReset_ReplaysIdenticalTrajectories(t *testing.T) {
	// GIVEN a run of 100 ticks
	cfg := testConfig()
	cfg.MaxVehicleCount = 30
	s := prepared(t, testutil.Grid(4, 4, 80), cfg, scenario.RandomRouteSource{})
	sm := newSimulation(t, s)
	record := func() [][]vehicle.Snapshot {
		var out [][]vehicle.Snapshot
		for i := 0; i < 100; i++ {
			_, err := sm.RunOneStep()
			require.NoError(t, err)
			snap, _ := s.Container().Snapshot()
			out = append(out, snap)
		}
		return out
	}
	first := record()

	// WHEN reset and run again
	require.NoError(t, sm.Reset())
	assert.Equal(t, int64(0), sm.Tick())
	second := record()

	// THEN the trajectories match
	assert.Equal(t, first, second)
}

func TestSetConfig_WhilePaused_ChangesWorkerCount(t *testing.T) {
	cfg := testConfig()
	s := prepared(t, testutil.Grid(2, 2, 100), cfg, scenario.RouteListSource{Routes: [][]graph.NodeID{{1, 2, 4}}})
	sm := newSimulation(t, s)

	cfg.NThreads = 3
	require.NoError(t, sm.SetConfig(cfg))
	assert.Equal(t, 3, sm.pool.size)
	assert.Equal(t, 3, s.Config().NThreads)

	cfg.NThreads = 0
	assert.Error(t, sm.SetConfig(cfg))
}

func TestTrace_Decisions_RecordsCrossingsAndArrivals(t *testing.T) {
	// GIVEN tracing enabled
	cfg := testConfig()
	cfg.TraceLevel = "decisions"
	cfg.DawdleProbability = 0
	s := prepared(t, testutil.Grid(1, 3, 100), cfg, scenario.RouteListSource{Routes: [][]graph.NodeID{{1, 2, 3}}})
	sm := newSimulation(t, s)

	// WHEN run to completion
	require.NoError(t, sm.Run(context.Background()))

	// THEN the crossing at n2 and the arrival are recorded
	tr := sm.Trace()
	require.Len(t, tr.Crossings, 1)
	assert.Equal(t, int64(2), tr.Crossings[0].Node)
	assert.True(t, tr.Crossings[0].Admitted)
	require.Len(t, tr.Arrivals, 1)
	assert.Equal(t, int64(28), tr.Arrivals[0].TravelTime)
}

func TestWorkerPool_ForEach_VisitsEveryIndexOnce(t *testing.T) {
	for _, size := range []int{1, 3, 8} {
		p := newWorkerPool(size)
		var hits [37]int32
		p.forEach(len(hits), func(i int) { atomic.AddInt32(&hits[i], 1) })
		for i, h := range hits {
			assert.Equal(t, int32(1), h, "size %d index %d", size, i)
		}
		p.close()
	}
}

func TestWorkerPool_ZeroSize_Panics(t *testing.T) {
	assert.Panics(t, func() { newWorkerPool(0) })
}

func TestWorkerPool_ManyPhases_ReuseFixedWorkers(t *testing.T) {
	// GIVEN a pool of 4 workers
	p := newWorkerPool(4)
	defer p.close()

	// WHEN many barrier phases run back to back
	var total int64
	for phase := 0; phase < 200; phase++ {
		p.forEach(100, func(i int) { atomic.AddInt64(&total, 1) })
	}

	// THEN every index ran in every phase and the pool never grew
	assert.Equal(t, int64(200*100), total)
	assert.Equal(t, 4, p.pool.Cap())
	assert.LessOrEqual(t, p.pool.Running(), 4)
}

func TestWorkerPool_PanicInPhase_ReachesCaller(t *testing.T) {
	// GIVEN a pool whose phase function fails on one index
	p := newWorkerPool(3)
	defer p.close()

	// WHEN the phase runs, THEN the panic surfaces on the caller instead of hanging the barrier
	assert.PanicsWithValue(t, "bad index 7", func() {
		p.forEach(20, func(i int) {
			if i == 7 {
				panic("bad index 7")
			}
		})
	})

	// AND the pool keeps working afterwards
	var n int32
	p.forEach(20, func(int) { atomic.AddInt32(&n, 1) })
	assert.Equal(t, int32(20), n)
}

func TestNewDistribution_Percentiles(t *testing.T) {
	d := NewDistribution([]float64{4, 1, 3, 2, 5})
	assert.Equal(t, 3.0, d.Mean)
	assert.Equal(t, 3.0, d.P50)
	assert.Equal(t, 1.0, d.Min)
	assert.Equal(t, 5.0, d.Max)
	assert.Equal(t, 5, d.Count)
	assert.Equal(t, Distribution{}, NewDistribution(nil))
}
