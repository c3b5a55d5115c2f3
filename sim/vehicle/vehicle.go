// Package vehicle defines vehicles, their drivers and routes, and the container
// that owns all vehicles of a scenario.
//
// Motion follows the Nagel-Schreckenberg cellular automaton: each tick a
// vehicle accelerates by one cell per tick, brakes to the free cells ahead,
// then randomly dawdles. Intend computes that step without mutating anything;
// the engine applies the result after crossing resolution.
package vehicle

import (
	"fmt"

	"github.com/traffic-sim/traffic-sim/sim/graph"
)

// State is the lifecycle stage of a vehicle.
type State int

const (
	NotSpawned State = iota
	Driving
	Arrived
)

func (s State) String() string {
	switch s {
	case NotSpawned:
		return "not-spawned"
	case Driving:
		return "driving"
	case Arrived:
		return "arrived"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Action is what a vehicle intends to do in the current tick.
type Action int

const (
	// Move keeps the vehicle on its lane.
	Move Action = iota
	// Cross wants to pass the lane end into the next edge of the route.
	Cross
	// Arrive leaves the network at the end of the last edge.
	Arrive
)

// Plan is the outcome of the intention phase, completed by crossing resolution.
type Plan struct {
	Action   Action
	Velocity int
	// Cell is the target cell on the current lane. For Cross it is the
	// fallback at the lane end, used when the crossing is denied.
	Cell int
	// Gap is the number of free cells between the vehicle and the lane end,
	// only set for Cross and Arrive.
	Gap int
	// Overshoot is the number of cells the vehicle would travel past the lane end.
	Overshoot int

	Admitted bool
	NextLane int // lane arena index
	NextCell int
}

// FallbackVelocity is the velocity of a vehicle whose crossing was denied:
// it stops at the last cell.
func (p Plan) FallbackVelocity() int { return p.Gap }

// Vehicle is one simulated car. Its mutable fields are written only by the
// worker that owns its lane (intention, commit) or the target node of that lane
// (resolution), never concurrently.
type Vehicle struct {
	ID          graph.VehicleID
	MaxVelocity int // cells per tick
	Driver      Driver
	Route       *Route
	SpawnDelay  int64 // ticks after start

	State    State
	Edge     graph.EdgeID
	Lane     int // arena index, -1 when not on a lane
	Cell     int
	Velocity int
	Plan     Plan

	// WaitingSince is the tick the vehicle first requested the crossing it is
	// still waiting for, or -1.
	WaitingSince int64
	SpawnedAt    int64
	ArrivedAt    int64
}

// New creates a vehicle that has not been spawned yet. The ID is assigned by
// Container.Register.
func New(maxVelocity int, driver Driver, route *Route, spawnDelay int64) *Vehicle {
	v := &Vehicle{
		MaxVelocity: maxVelocity,
		Driver:      driver,
		Route:       route,
		SpawnDelay:  spawnDelay,
	}
	v.reset()
	return v
}

func (v *Vehicle) reset() {
	v.State = NotSpawned
	v.Edge = 0
	v.Lane = -1
	v.Cell = 0
	v.Velocity = 0
	v.Plan = Plan{}
	v.WaitingSince = -1
	v.SpawnedAt = -1
	v.ArrivedAt = -1
	if v.Route != nil {
		v.Route.Rewind()
	}
}

// Intend computes this tick's plan. gap is the number of free cells before the
// next vehicle ahead or, when front is true, before the lane end. edgeMaxVelocity
// is the velocity limit of the current edge. Exactly one random draw is made.
func (v *Vehicle) Intend(gap int, front bool, edgeMaxVelocity int) Plan {
	vel := min(v.Velocity+1, v.MaxVelocity, edgeMaxVelocity)
	if !front {
		vel = min(vel, gap)
	}
	if v.Driver.Dawdle() && vel > 0 {
		vel--
	}

	if !front || vel <= gap {
		return Plan{Action: Move, Velocity: vel, Cell: v.Cell + vel}
	}
	if v.Route.IsLast() {
		return Plan{Action: Arrive, Velocity: vel, Gap: gap}
	}
	return Plan{
		Action:    Cross,
		Velocity:  vel,
		Cell:      v.Cell + gap,
		Gap:       gap,
		Overshoot: vel - gap,
	}
}

// Spawn places the vehicle on the first lane of its route.
func (v *Vehicle) Spawn(lane, cell int, tick int64) {
	v.State = Driving
	v.Edge = v.Route.Current()
	v.Lane = lane
	v.Cell = cell
	v.Velocity = 0
	v.SpawnedAt = tick
}

// EnterNext moves the vehicle onto the next edge of its route after an admitted crossing.
func (v *Vehicle) EnterNext(lane, cell int) {
	v.Route.Advance()
	v.Edge = v.Route.Current()
	v.Lane = lane
	v.Velocity = v.Plan.Gap + cell + 1
	v.Cell = cell
	v.WaitingSince = -1
}

// Arrive removes the vehicle from the network.
func (v *Vehicle) Arrive(tick int64) {
	v.State = Arrived
	v.Lane = -1
	v.Velocity = 0
	v.ArrivedAt = tick
}

// TravelTime returns the ticks between spawn and arrival, or -1 if the trip is unfinished.
func (v *Vehicle) TravelTime() int64 {
	if v.State != Arrived {
		return -1
	}
	return v.ArrivedAt - v.SpawnedAt
}
