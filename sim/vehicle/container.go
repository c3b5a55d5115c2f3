package vehicle

import (
	"fmt"
	"sort"
	"sync"

	"github.com/traffic-sim/traffic-sim/sim/graph"
)

// EventKind distinguishes lifecycle events.
type EventKind int

const (
	Spawned EventKind = iota
	Despawned
)

func (k EventKind) String() string {
	if k == Spawned {
		return "spawned"
	}
	return "despawned"
}

// Event is a lifecycle change published once per tick.
type Event struct {
	Kind    EventKind
	Vehicle graph.VehicleID
	Tick    int64
}

// Snapshot is the externally visible state of one live vehicle.
type Snapshot struct {
	ID       graph.VehicleID
	Edge     graph.EdgeID
	Lane     int // lane number within the edge
	Cell     int
	Velocity int
}

// Container owns every vehicle of a scenario.
//
// Vehicles waiting to spawn are queued at the arena index of their origin node,
// so the node's resolution worker is the only one touching its queue. Lifecycle
// bookkeeping (MarkSpawned, MarkArrived) happens single-threaded between ticks.
// Snapshot and DrainEvents may be called from other goroutines while a run is active.
type Container struct {
	graph    *graph.StreetGraph
	vehicles []*Vehicle   // index = ID - 1
	pending  [][]*Vehicle // by origin node arena index, sorted by (SpawnDelay, ID)
	live     map[graph.VehicleID]*Vehicle
	arrived  int

	mu       sync.RWMutex
	events   []Event
	snapshot []Snapshot
	tick     int64
}

// NewContainer creates an empty container for vehicles driving on g.
func NewContainer(g *graph.StreetGraph) *Container {
	return &Container{
		graph:   g,
		pending: make([][]*Vehicle, len(g.Nodes())),
		live:    make(map[graph.VehicleID]*Vehicle),
	}
}

// Register assigns the next vehicle id and queues v for spawning at its route origin.
func (c *Container) Register(v *Vehicle) (graph.VehicleID, error) {
	origin, ok := c.graph.Node(v.Route.Origin())
	if !ok {
		return graph.NoVehicle, fmt.Errorf("vehicle route starts at unknown node %d", v.Route.Origin())
	}
	v.ID = graph.VehicleID(len(c.vehicles) + 1)
	c.vehicles = append(c.vehicles, v)
	queue := c.pending[origin.Index()]
	i := sort.Search(len(queue), func(i int) bool {
		return queue[i].SpawnDelay > v.SpawnDelay
	})
	queue = append(queue, nil)
	copy(queue[i+1:], queue[i:])
	queue[i] = v
	c.pending[origin.Index()] = queue
	return v.ID, nil
}

// Get returns the vehicle with the given id.
func (c *Container) Get(id graph.VehicleID) (*Vehicle, bool) {
	if id < 1 || int(id) > len(c.vehicles) {
		return nil, false
	}
	return c.vehicles[id-1], true
}

// All returns every registered vehicle ordered by id.
func (c *Container) All() []*Vehicle { return c.vehicles }

// Len returns the number of registered vehicles.
func (c *Container) Len() int { return len(c.vehicles) }

// LiveCount returns the number of vehicles currently driving.
func (c *Container) LiveCount() int { return len(c.live) }

// ArrivedCount returns the number of vehicles that reached their destination.
func (c *Container) ArrivedCount() int { return c.arrived }

// PendingCount returns the number of vehicles not spawned yet.
func (c *Container) PendingCount() int {
	return len(c.vehicles) - len(c.live) - c.arrived
}

// Done reports whether every registered vehicle has arrived.
func (c *Container) Done() bool { return c.arrived == len(c.vehicles) }

// DueAt returns the vehicles queued at the node with the given arena index whose
// spawn delay has elapsed by tick, ordered by id.
func (c *Container) DueAt(nodeIndex int, tick int64) []*Vehicle {
	queue := c.pending[nodeIndex]
	n := sort.Search(len(queue), func(i int) bool { return queue[i].SpawnDelay > tick })
	if n == 0 {
		return nil
	}
	due := append([]*Vehicle(nil), queue[:n]...)
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	return due
}

// Dequeue removes spawned vehicles from the pending queue of the node with the given arena index.
func (c *Container) Dequeue(nodeIndex int, spawned []*Vehicle) {
	if len(spawned) == 0 {
		return
	}
	gone := make(map[graph.VehicleID]bool, len(spawned))
	for _, v := range spawned {
		gone[v.ID] = true
	}
	queue := c.pending[nodeIndex]
	kept := queue[:0]
	for _, v := range queue {
		if !gone[v.ID] {
			kept = append(kept, v)
		}
	}
	c.pending[nodeIndex] = kept
}

// MarkSpawned records that v entered the network.
func (c *Container) MarkSpawned(v *Vehicle, tick int64) {
	c.live[v.ID] = v
	c.pushEvent(Event{Kind: Spawned, Vehicle: v.ID, Tick: tick})
}

// MarkArrived records that v left the network.
func (c *Container) MarkArrived(v *Vehicle, tick int64) {
	delete(c.live, v.ID)
	c.arrived++
	c.pushEvent(Event{Kind: Despawned, Vehicle: v.ID, Tick: tick})
}

func (c *Container) pushEvent(e Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

// DrainEvents returns and clears the queued lifecycle events.
func (c *Container) DrainEvents() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.events
	c.events = nil
	return out
}

// Publish rebuilds the snapshot of live vehicles for tick.
func (c *Container) Publish(tick int64) {
	snap := make([]Snapshot, 0, len(c.live))
	for _, v := range c.vehicles {
		if v.State != Driving {
			continue
		}
		lane := c.graph.Lanes()[v.Lane]
		snap = append(snap, Snapshot{
			ID:       v.ID,
			Edge:     lane.Edge(),
			Lane:     lane.Number(),
			Cell:     v.Cell,
			Velocity: v.Velocity,
		})
	}
	c.mu.Lock()
	c.snapshot = snap
	c.tick = tick
	c.mu.Unlock()
}

// Snapshot returns the last published vehicle states and the tick they belong to.
func (c *Container) Snapshot() ([]Snapshot, int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Snapshot(nil), c.snapshot...), c.tick
}

// Clear removes all vehicles. Ids restart at 1.
func (c *Container) Clear() {
	c.vehicles = nil
	for i := range c.pending {
		c.pending[i] = nil
	}
	c.live = make(map[graph.VehicleID]*Vehicle)
	c.arrived = 0
	c.mu.Lock()
	c.events = nil
	c.snapshot = nil
	c.tick = 0
	c.mu.Unlock()
}
