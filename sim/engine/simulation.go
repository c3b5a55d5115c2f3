// Package engine advances a prepared scenario tick by tick.
//
// A tick runs three parallel phases separated by barriers, followed by a short
// single-threaded merge:
//
//  1. intention, per lane: every vehicle plans its Nagel-Schreckenberg move
//     from the committed occupancy; nothing is written except the vehicle's own plan.
//  2. resolution, per node: crossing logic decides the vehicles at the head of
//     the node's incoming lanes, then due vehicles spawn onto the node's
//     outgoing lanes. Each incoming lane ends at exactly one node and each
//     outgoing lane starts at exactly one node, so no two workers share state.
//  3. commit, per lane: the lane's new occupancy is written in one step.
//  4. merge: lifecycle events, metrics and trace records are applied in
//     vehicle id order, so results do not depend on the number of workers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/traffic-sim/traffic-sim/sim"
	"github.com/traffic-sim/traffic-sim/sim/crossing"
	"github.com/traffic-sim/traffic-sim/sim/graph"
	"github.com/traffic-sim/traffic-sim/sim/scenario"
	"github.com/traffic-sim/traffic-sim/sim/trace"
	"github.com/traffic-sim/traffic-sim/sim/vehicle"
)

// TickReport summarises one committed tick.
type TickReport struct {
	Tick     int64
	Spawned  int
	Arrived  int
	Admitted int
	Denied   int
	Live     int
	Pending  int
}

// ErrRunning is returned by operations that require the simulation to be paused.
var ErrRunning = errors.New("simulation is running")

// entry is a vehicle entering a lane during commit.
type entry struct {
	v     *vehicle.Vehicle
	cell  int
	spawn bool
}

// nodeTally counts one node's decisions of the current tick.
type nodeTally struct {
	admitted, denied int
}

// Simulation runs a prepared scenario.
type Simulation struct {
	scenario  *scenario.Scenario
	graph     *graph.StreetGraph
	container *vehicle.Container
	cfg       sim.SimulationConfig
	log       *logrus.Entry

	pool    *workerPool
	logics  []*crossing.Logic // by node arena index
	horizon int64

	// per-tick scratch, indexed by lane or node arena index
	incoming  [][]entry
	nextOcc   [][]graph.Occupant
	arrivals  [][]*vehicle.Vehicle
	spawns    [][]*vehicle.Vehicle
	laneErrs  []error
	tallies   []nodeTally
	decisions [][]trace.CrossingRecord

	tick    int64
	halted  error
	metrics *Metrics
	trace   *trace.SimulationTrace

	mu      sync.Mutex
	busy    bool // a tick or run-loop is in progress
	running bool // a run-loop is active
	stop    chan struct{}
	stopped bool
}

// New creates a simulation for s, which must be prepared.
func New(s *scenario.Scenario) (*Simulation, error) {
	if !s.Prepared() {
		return nil, fmt.Errorf("scenario %s is not prepared", s.ID)
	}
	cfg := s.Config()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid simulation config: %w", err)
	}
	g := s.Graph()
	nLanes, nNodes := len(g.Lanes()), len(g.Nodes())
	sm := &Simulation{
		scenario:  s,
		graph:     g,
		container: s.Container(),
		log:       s.Logger(),
		incoming:  make([][]entry, nLanes),
		nextOcc:   make([][]graph.Occupant, nLanes),
		arrivals:  make([][]*vehicle.Vehicle, nLanes),
		spawns:    make([][]*vehicle.Vehicle, nLanes),
		laneErrs:  make([]error, nLanes),
		tallies:   make([]nodeTally, nNodes),
		decisions: make([][]trace.CrossingRecord, nNodes),
		metrics:   NewMetrics(),
	}
	sm.configure(cfg)
	return sm, nil
}

func (sm *Simulation) configure(cfg sim.SimulationConfig) {
	sm.cfg = cfg
	if sm.pool == nil || sm.pool.size != cfg.NThreads {
		if sm.pool != nil {
			sm.pool.close()
		}
		sm.pool = newWorkerPool(cfg.NThreads)
	}
	nodes := sm.graph.Nodes()
	sm.logics = make([]*crossing.Logic, len(nodes))
	for i, n := range nodes {
		sm.logics[i] = crossing.NewLogic(sm.graph, n, cfg.CrossingLogic)
	}
	level := trace.TraceLevel(cfg.TraceLevel)
	if sm.trace == nil || sm.trace.Config.Level != level {
		sm.trace = trace.NewSimulationTrace(trace.TraceConfig{Level: level})
	}
}

// Scenario returns the scenario being run.
func (sm *Simulation) Scenario() *scenario.Scenario { return sm.scenario }

// Tick returns the number of committed ticks.
func (sm *Simulation) Tick() int64 { return sm.tick }

// Metrics returns the run metrics. Read them only while paused.
func (sm *Simulation) Metrics() *Metrics { return sm.metrics }

// Trace returns the decision trace. It stays empty unless trace_level is "decisions".
func (sm *Simulation) Trace() *trace.SimulationTrace { return sm.trace }

// SetHorizon makes Run return once ticks ticks have been committed. 0 disables the limit.
func (sm *Simulation) SetHorizon(ticks int64) { sm.horizon = ticks }

// IsPaused reports whether no run-loop is active.
func (sm *Simulation) IsPaused() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return !sm.running
}

// SetConfig swaps the configuration between runs. Driver behaviour changes take
// effect after the next Reset.
func (sm *Simulation) SetConfig(cfg sim.SimulationConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid simulation config: %w", err)
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.busy {
		return ErrRunning
	}
	sm.scenario.SetConfig(cfg)
	sm.configure(cfg)
	return nil
}

// Reset replays the scenario from tick 0.
func (sm *Simulation) Reset() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.busy {
		return ErrRunning
	}
	if err := sm.scenario.Reset(); err != nil {
		return err
	}
	sm.tick = 0
	sm.halted = nil
	sm.metrics = NewMetrics()
	sm.trace.Reset()
	return nil
}

// Close stops the worker pool.
func (sm *Simulation) Close() {
	sm.pool.close()
}

// Cancel asks an active run-loop to stop after the tick in flight.
func (sm *Simulation) Cancel() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.running && !sm.stopped {
		sm.stopped = true
		close(sm.stop)
	}
}

// RunOneStep executes exactly one tick. It fails with ErrRunning while a run-loop
// is active, and with the *sim.InvariantViolation that halted the run, if any.
func (sm *Simulation) RunOneStep() (TickReport, error) {
	sm.mu.Lock()
	if sm.busy {
		sm.mu.Unlock()
		return TickReport{}, ErrRunning
	}
	sm.busy = true
	sm.mu.Unlock()
	defer sm.release()
	return sm.step()
}

// Run executes ticks until Cancel is called, ctx is done, every vehicle has
// arrived, or the horizon is reached. Ticks are spaced time.Second/speedup apart
// in wall-clock time; speedup 0 runs unthrottled. Cancel makes Run return nil;
// a done ctx yields a *sim.CancelledError. Either way the last committed tick
// stays intact and the run can be resumed.
func (sm *Simulation) Run(ctx context.Context) error {
	sm.mu.Lock()
	if sm.busy {
		sm.mu.Unlock()
		return ErrRunning
	}
	sm.busy, sm.running = true, true
	sm.stopped = false
	sm.stop = make(chan struct{})
	stop := sm.stop
	sm.mu.Unlock()
	defer sm.release()

	var interval time.Duration
	if sm.cfg.Speedup > 0 {
		interval = time.Duration(float64(time.Second) / sm.cfg.Speedup)
	}
	sm.log.Infof("[tick %07d] run started (%d workers, speedup %g)", sm.tick, sm.cfg.NThreads, sm.cfg.Speedup)

	for {
		select {
		case <-stop:
			sm.log.Infof("[tick %07d] run cancelled", sm.tick)
			return nil
		case <-ctx.Done():
			return sm.cancelled(ctx.Err())
		default:
		}
		if sm.container.Done() {
			sm.log.Infof("[tick %07d] all %d vehicles arrived", sm.tick, sm.container.Len())
			return nil
		}
		if sm.horizon > 0 && sm.tick >= sm.horizon {
			sm.log.Infof("[tick %07d] horizon reached", sm.tick)
			return nil
		}

		start := time.Now()
		if _, err := sm.step(); err != nil {
			return err
		}
		if interval > 0 {
			timer := time.NewTimer(interval - time.Since(start))
			select {
			case <-timer.C:
			case <-stop:
				timer.Stop()
			case <-ctx.Done():
				timer.Stop()
			}
		}
	}
}

func (sm *Simulation) release() {
	sm.mu.Lock()
	sm.busy, sm.running = false, false
	sm.mu.Unlock()
}

func (sm *Simulation) cancelled(cause error) error {
	progress := 100
	if n := sm.container.Len(); n > 0 {
		progress = sm.container.ArrivedCount() * 100 / n
	}
	sm.log.Infof("[tick %07d] run interrupted: %v", sm.tick, cause)
	return &sim.CancelledError{Stage: "run", Progress: progress, Cause: cause}
}

func (sm *Simulation) step() (TickReport, error) {
	if sm.halted != nil {
		return TickReport{}, sm.halted
	}
	tick := sm.tick
	sm.pool.forEach(len(sm.graph.Lanes()), sm.intend)
	sm.pool.forEach(len(sm.graph.Nodes()), func(i int) { sm.resolve(i, tick) })
	sm.pool.forEach(len(sm.graph.Lanes()), func(i int) { sm.commit(i, tick) })
	return sm.merge(tick)
}

func (sm *Simulation) vehicle(id graph.VehicleID) *vehicle.Vehicle {
	v, ok := sm.container.Get(id)
	if !ok {
		panic(fmt.Sprintf("engine: lane holds unknown vehicle %d", id))
	}
	return v
}

// intend plans the move of every vehicle on lane i.
func (sm *Simulation) intend(i int) {
	lane := sm.graph.Lanes()[i]
	occ := lane.Occupants()
	if len(occ) == 0 {
		return
	}
	edgeMax := sm.graph.MustEdge(lane.Edge()).MaxVelocity
	for k, o := range occ {
		v := sm.vehicle(o.Vehicle)
		if k == 0 {
			v.Plan = v.Intend(lane.Len()-1-o.Cell, true, edgeMax)
		} else {
			v.Plan = v.Intend(occ[k-1].Cell-o.Cell-1, false, edgeMax)
		}
	}
}

// resolve runs the crossing logic of node i and spawns its due vehicles.
func (sm *Simulation) resolve(i int, tick int64) {
	node := sm.graph.Nodes()[i]
	logic := sm.logics[i]
	logic.Reset()
	sm.tallies[i] = nodeTally{}
	sm.decisions[i] = sm.decisions[i][:0]

	var waiting []*vehicle.Vehicle
	for _, eid := range node.Incoming() {
		for _, lane := range sm.graph.MustEdge(eid).Lanes() {
			front, ok := lane.Front()
			if !ok {
				continue
			}
			v := sm.vehicle(front.Vehicle)
			if v.Plan.Action != vehicle.Cross {
				continue
			}
			next, _ := v.Route.Next()
			since := v.WaitingSince
			if since < 0 {
				since = tick
			}
			logic.Register(crossing.Request{
				Vehicle:      v.ID,
				From:         eid,
				To:           next,
				WaitingSince: since,
				Overshoot:    v.Plan.Overshoot,
			})
			waiting = append(waiting, v)
		}
	}

	if len(waiting) > 0 {
		requests := logic.Requests()
		for k, d := range logic.Resolve() {
			v := waiting[k]
			if d.Admitted {
				v.Plan.Admitted = true
				v.Plan.NextLane = d.Lane
				v.Plan.NextCell = d.Cell
				sm.incoming[d.Lane] = append(sm.incoming[d.Lane], entry{v: v, cell: d.Cell})
				sm.tallies[i].admitted++
			} else {
				if v.WaitingSince < 0 {
					v.WaitingSince = tick
				}
				sm.tallies[i].denied++
			}
			if sm.trace.Config.Enabled() {
				sm.decisions[i] = append(sm.decisions[i], trace.CrossingRecord{
					Tick:     tick,
					Node:     int64(node.ID),
					Vehicle:  int64(v.ID),
					FromEdge: int64(requests[k].From),
					ToEdge:   int64(requests[k].To),
					Rank:     d.Rank,
					Admitted: d.Admitted,
					Reason:   d.Reason,
				})
			}
		}
	}

	due := sm.container.DueAt(i, tick)
	if len(due) == 0 {
		return
	}
	spawned := make([]*vehicle.Vehicle, 0, len(due))
	for _, v := range due {
		lane, ok := logic.ClaimEntry(v.Route.Current())
		if !ok {
			continue
		}
		sm.incoming[lane] = append(sm.incoming[lane], entry{v: v, spawn: true})
		spawned = append(spawned, v)
	}
	sm.container.Dequeue(i, spawned)
}

// commit writes the new occupancy of lane i: vehicles that stay, front-to-back,
// then vehicles entering in admission order.
func (sm *Simulation) commit(i int, tick int64) {
	lane := sm.graph.Lanes()[i]
	next := sm.nextOcc[i][:0]
	for _, o := range lane.Occupants() {
		v := sm.vehicle(o.Vehicle)
		p := v.Plan
		switch {
		case p.Action == vehicle.Move:
			v.Cell, v.Velocity = p.Cell, p.Velocity
		case p.Action == vehicle.Cross && !p.Admitted:
			v.Cell, v.Velocity = p.Cell, p.FallbackVelocity()
		case p.Action == vehicle.Arrive:
			sm.arrivals[i] = append(sm.arrivals[i], v)
			continue
		default:
			// admitted, committed by the target lane
			continue
		}
		next = append(next, graph.Occupant{Vehicle: v.ID, Cell: v.Cell})
	}
	for _, in := range sm.incoming[i] {
		if in.spawn {
			in.v.Spawn(i, in.cell, tick)
			sm.spawns[i] = append(sm.spawns[i], in.v)
		} else {
			in.v.EnterNext(i, in.cell)
		}
		next = append(next, graph.Occupant{Vehicle: in.v.ID, Cell: in.cell})
	}
	sm.incoming[i] = sm.incoming[i][:0]
	sm.laneErrs[i] = lane.Replace(next)
	sm.nextOcc[i] = next
}

// merge applies the tick's lifecycle changes in vehicle id order.
func (sm *Simulation) merge(tick int64) (TickReport, error) {
	var spawned, arrived []*vehicle.Vehicle
	var failure error
	for i := range sm.laneErrs {
		if sm.laneErrs[i] != nil && failure == nil {
			failure = sm.laneErrs[i]
		}
		sm.laneErrs[i] = nil
		spawned = append(spawned, sm.spawns[i]...)
		arrived = append(arrived, sm.arrivals[i]...)
		sm.spawns[i] = sm.spawns[i][:0]
		sm.arrivals[i] = sm.arrivals[i][:0]
	}
	if failure != nil {
		return TickReport{}, sm.halt(tick, failure.Error())
	}
	sort.Slice(spawned, func(a, b int) bool { return spawned[a].ID < spawned[b].ID })
	sort.Slice(arrived, func(a, b int) bool { return arrived[a].ID < arrived[b].ID })

	report := TickReport{Tick: tick, Spawned: len(spawned), Arrived: len(arrived)}
	for _, v := range spawned {
		sm.container.MarkSpawned(v, tick)
	}
	for _, v := range arrived {
		v.Arrive(tick)
		sm.container.MarkArrived(v, tick)
		sm.metrics.TravelTimes[v.ID] = v.TravelTime()
		if sm.trace.Config.Enabled() {
			sm.trace.RecordArrival(trace.ArrivalRecord{
				Vehicle:    int64(v.ID),
				Tick:       tick,
				TravelTime: v.TravelTime(),
				Edges:      len(v.Route.Edges()),
			})
		}
	}
	for i, t := range sm.tallies {
		report.Admitted += t.admitted
		report.Denied += t.denied
		if sm.trace.Config.Enabled() {
			for _, rec := range sm.decisions[i] {
				sm.trace.RecordCrossing(rec)
			}
		}
	}

	live := sm.container.LiveCount()
	if onLanes := sm.graph.VehicleCount(); onLanes != live {
		return TickReport{}, sm.halt(tick, fmt.Sprintf("%d vehicles on lanes but %d driving", onLanes, live))
	}
	for _, v := range sm.container.All() {
		if v.State == vehicle.Driving {
			sm.metrics.VelocitySum += int64(v.Velocity)
			sm.metrics.VehicleTicks++
		}
	}
	sm.metrics.Ticks++
	sm.metrics.Spawned += report.Spawned
	sm.metrics.Arrived += report.Arrived
	sm.metrics.Admitted += report.Admitted
	sm.metrics.Denied += report.Denied
	sm.metrics.PeakLive = max(sm.metrics.PeakLive, live)

	sm.container.Publish(tick)
	sm.tick++
	report.Live = live
	report.Pending = sm.container.PendingCount()
	sm.log.Debugf("[tick %07d] live=%d spawned=%d arrived=%d admitted=%d denied=%d",
		tick, live, report.Spawned, report.Arrived, report.Admitted, report.Denied)
	return report, nil
}

func (sm *Simulation) halt(tick int64, detail string) error {
	sm.halted = &sim.InvariantViolation{Tick: tick, Detail: detail}
	sm.log.Errorf("run halted: %v", sm.halted)
	return sm.halted
}
