// Package scenario turns travel demand into routed, ready-to-run vehicles.
//
// A Scenario couples a StreetGraph and a SimulationConfig with an ItinerarySource.
// Builder.Prepare samples the demand, routes every trip and registers the vehicles
// in the scenario's Container. Routes are kept as MetaRoutes so that Reset can
// replay the same scenario without routing again.
package scenario

import (
	"fmt"
	"math/rand"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/traffic-sim/traffic-sim/sim"
	"github.com/traffic-sim/traffic-sim/sim/graph"
	"github.com/traffic-sim/traffic-sim/sim/vehicle"
)

// MetaRoute is a planned path shared by the vehicles of one trip request.
// Each vehicle receives its own Route cursor via Clone.
type MetaRoute struct {
	Nodes      []graph.NodeID
	Edges      []graph.EdgeID
	SpawnDelay int64
	Algorithm  string // metric that produced the path, "explicit" for given routes
}

// Origin returns the first node.
func (m MetaRoute) Origin() graph.NodeID { return m.Nodes[0] }

// Destination returns the last node.
func (m MetaRoute) Destination() graph.NodeID { return m.Nodes[len(m.Nodes)-1] }

// Clone returns a fresh route cursor over the planned path.
func (m MetaRoute) Clone() *vehicle.Route {
	return vehicle.NewRoute(m.Nodes, m.Edges)
}

// VehicleFactory instantiates a vehicle with its driver for a planned route.
type VehicleFactory interface {
	NewVehicle(id graph.VehicleID, route *vehicle.Route, spawnDelay int64) *vehicle.Vehicle
}

// DefaultVehicleFactory creates vehicles with BasicDrivers. Each driver draws from
// its own generator seeded from the run seed and the vehicle id, so a vehicle's
// behaviour does not depend on which worker moves it.
type DefaultVehicleFactory struct {
	cfg sim.SimulationConfig
	rng *sim.PartitionedRNG
}

// NewDefaultVehicleFactory creates the factory for a run configuration.
func NewDefaultVehicleFactory(cfg sim.SimulationConfig) *DefaultVehicleFactory {
	return &DefaultVehicleFactory{cfg: cfg, rng: sim.NewPartitionedRNG(cfg.Seed)}
}

func (f *DefaultVehicleFactory) NewVehicle(id graph.VehicleID, route *vehicle.Route, spawnDelay int64) *vehicle.Vehicle {
	driverRNG := rand.New(rand.NewSource(f.rng.SeedFor(sim.SubsystemVehicle(int64(id)))))
	driver := vehicle.NewBasicDriver(f.cfg.DawdleProbability, driverRNG)
	return vehicle.New(f.cfg.MaxVelocityCells(), driver, route, spawnDelay)
}

// Scenario is the unit the engine runs: graph, configuration, demand and vehicles.
// Lifecycle: New, Builder.Prepare, run, Reset or discard.
type Scenario struct {
	ID uuid.UUID

	cfg        sim.SimulationConfig
	graph      *graph.StreetGraph
	source     ItinerarySource
	container  *vehicle.Container
	factory    VehicleFactory
	metaRoutes []MetaRoute
	prepared   bool
}

// New creates an unprepared scenario.
func New(g *graph.StreetGraph, cfg sim.SimulationConfig, source ItinerarySource) *Scenario {
	return &Scenario{
		ID:        uuid.New(),
		cfg:       cfg,
		graph:     g,
		source:    source,
		container: vehicle.NewContainer(g),
	}
}

// Graph returns the street graph.
func (s *Scenario) Graph() *graph.StreetGraph { return s.graph }

// Config returns the run configuration.
func (s *Scenario) Config() sim.SimulationConfig { return s.cfg }

// SetConfig replaces the run configuration. Callers must not change it while a
// run is active; MetaRoutes are kept, so a changed seed only affects drivers
// after the next Reset.
func (s *Scenario) SetConfig(cfg sim.SimulationConfig) { s.cfg = cfg }

// Source returns the itinerary source.
func (s *Scenario) Source() ItinerarySource { return s.source }

// Container returns the vehicles of the scenario.
func (s *Scenario) Container() *vehicle.Container { return s.container }

// MetaRoutes returns the planned routes, one per vehicle in id order.
func (s *Scenario) MetaRoutes() []MetaRoute { return s.metaRoutes }

// Prepared reports whether the scenario has been built and can run.
func (s *Scenario) Prepared() bool { return s.prepared }

// Logger returns a logger tagged with the scenario's run id.
func (s *Scenario) Logger() *logrus.Entry {
	return logrus.WithFields(logrus.Fields{"run": s.ID.String()})
}

// Reset clears lane occupancy and re-creates all vehicles from the MetaRoutes,
// so the next run replays the scenario from tick 0.
func (s *Scenario) Reset() error {
	if !s.prepared {
		return fmt.Errorf("scenario %s: reset before prepare", s.ID)
	}
	s.graph.Reset(s.cfg.Seed)
	if f, ok := s.factory.(*DefaultVehicleFactory); ok && f.rng.Seed() != s.cfg.Seed {
		s.factory = NewDefaultVehicleFactory(s.cfg)
	}
	return s.populate(s.metaRoutes)
}

// populate replaces the container content with one vehicle per MetaRoute.
func (s *Scenario) populate(routes []MetaRoute) error {
	s.container.Clear()
	for i, mr := range routes {
		v := s.factory.NewVehicle(graph.VehicleID(i+1), mr.Clone(), mr.SpawnDelay)
		if _, err := s.container.Register(v); err != nil {
			s.container.Clear()
			return fmt.Errorf("registering vehicle %d: %w", i+1, err)
		}
	}
	return nil
}
