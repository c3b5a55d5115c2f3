package scenario

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/traffic-sim/traffic-sim/sim"
	"github.com/traffic-sim/traffic-sim/sim/graph"
	"github.com/traffic-sim/traffic-sim/sim/routing"
)

// Builder prepares scenarios: it samples demand, routes every trip and
// instantiates the vehicles.
type Builder struct {
	fastest routing.ShortestPathAlgorithm
	linear  routing.ShortestPathAlgorithm
	factory VehicleFactory
}

// NewBuilder creates a builder with both routing metrics configured from cfg.
// A nil factory selects DefaultVehicleFactory.
func NewBuilder(cfg sim.SimulationConfig, factory VehicleFactory) *Builder {
	if factory == nil {
		factory = NewDefaultVehicleFactory(cfg)
	}
	return &Builder{
		fastest: routing.NewFastestWay(cfg.MetersPerCell, cfg.GlobalMaxVelocity),
		linear:  routing.NewLinearDistanceAStar(cfg.MetersPerCell),
		factory: factory,
	}
}

type routeKey struct {
	pair      ODPair
	algorithm string
}

type routeResult struct {
	path *routing.Path
	err  error
}

// trip is one vehicle's worth of demand, routed or explicit.
type trip struct {
	pair     ODPair
	explicit []graph.NodeID
}

// Prepare builds s. progress, if non-nil, receives the completed percentage
// whenever it changes. Cancelling ctx aborts between OD pairs and between route
// computations with a *sim.CancelledError; the scenario then stays unprepared
// and its container empty.
func (b *Builder) Prepare(ctx context.Context, s *Scenario, progress func(percent int)) error {
	log := s.Logger()
	cfg := s.Config()
	rng := sim.NewPartitionedRNG(cfg.Seed)
	s.prepared = false
	s.metaRoutes = nil
	s.container.Clear()

	demand, err := s.source.Demand(s.graph, rng.ForSubsystem(sim.SubsystemDemand), cfg.MaxVehicleCount)
	if err != nil {
		return fmt.Errorf("sampling demand from %s: %w", s.source.Name(), err)
	}
	trips := expandTrips(demand)
	if cfg.MaxVehicleCount > 0 && len(trips) > cfg.MaxVehicleCount {
		log.Warnf("demand of %d vehicles exceeds max_vehicle_count; keeping the first %d", len(trips), cfg.MaxVehicleCount)
		trips = trips[:cfg.MaxVehicleCount]
	}
	log.Infof("building scenario from %s: %d trips", s.source.Name(), len(trips))

	choice := rng.ForSubsystem(sim.SubsystemRouting)
	spawn := NewSpawnSampler(cfg.Spawn)
	spawnRNG := rng.ForSubsystem(sim.SubsystemSpawn)
	cache := make(map[routeKey]routeResult)
	skipped := make(map[ODPair]bool)
	staged := make([]MetaRoute, 0, len(trips))
	reported := -1
	report := func(done int) {
		pct := 100
		if len(trips) > 0 {
			pct = done * 100 / len(trips)
		}
		if progress != nil && pct != reported {
			reported = pct
			progress(pct)
		}
	}
	cancelled := func(done int) error {
		if err := ctx.Err(); err != nil {
			pct := 0
			if len(trips) > 0 {
				pct = done * 100 / len(trips)
			}
			log.Infof("scenario build cancelled after %d of %d trips", done, len(trips))
			s.container.Clear()
			return &sim.CancelledError{Stage: "scenario build", Progress: pct, Cause: err}
		}
		return nil
	}

	for i, t := range trips {
		if err := cancelled(i); err != nil {
			return err
		}
		var (
			path      *routing.Path
			algorithm string
		)
		if t.explicit != nil {
			path, err = pathAlong(s.graph, t.explicit)
			algorithm = "explicit"
		} else {
			alg := b.linear
			// one draw per routed trip keeps the choice sequence independent of caching
			if choice.Float64() < cfg.FastestWayProbability {
				alg = b.fastest
			}
			algorithm = alg.Name()
			key := routeKey{pair: t.pair, algorithm: algorithm}
			res, ok := cache[key]
			if !ok {
				res.path, res.err = alg.FindPath(ctx, s.graph, t.pair.Origin, t.pair.Destination)
				if errors.Is(res.err, context.Canceled) || errors.Is(res.err, context.DeadlineExceeded) {
					return cancelled(i)
				}
				cache[key] = res
			}
			path, err = res.path, res.err
		}

		if err != nil {
			var notFound *routing.RouteNotFoundError
			if !errors.As(err, &notFound) {
				return fmt.Errorf("routing trip %d: %w", i, err)
			}
			if !skipped[t.pair] || t.explicit != nil {
				log.Warnf("skipping trip: %v", err)
			}
			skipped[t.pair] = true
		} else if len(path.Edges) == 0 {
			log.Warnf("skipping trip from node %d to itself", path.Nodes[0])
		} else {
			staged = append(staged, MetaRoute{
				Nodes:      path.Nodes,
				Edges:      path.Edges,
				SpawnDelay: spawn.SampleDelay(spawnRNG),
				Algorithm:  algorithm,
			})
		}
		report(i + 1)
	}
	if err := cancelled(len(trips)); err != nil {
		return err
	}

	s.factory = b.factory
	if err := s.populate(staged); err != nil {
		return err
	}
	s.metaRoutes = staged
	s.prepared = true
	report(len(trips))
	log.WithFields(logrus.Fields{
		"vehicles": len(staged),
		"skipped":  len(trips) - len(staged),
		"routes":   len(cache),
	}).Info("scenario ready")
	return nil
}

// expandTrips lists one trip per requested vehicle: explicit routes first, then
// OD entries in (origin, destination) order.
func expandTrips(d Demand) []trip {
	trips := make([]trip, 0, d.Total())
	for _, r := range d.Routes {
		trips = append(trips, trip{
			pair:     ODPair{Origin: r[0], Destination: r[len(r)-1]},
			explicit: r,
		})
	}
	if d.Matrix != nil {
		for _, e := range d.Matrix.Entries() {
			for n := 0; n < e.Count; n++ {
				trips = append(trips, trip{pair: e.ODPair})
			}
		}
	}
	return trips
}

// pathAlong resolves a node sequence into edges, taking the lowest-id edge
// between consecutive nodes.
func pathAlong(g *graph.StreetGraph, nodes []graph.NodeID) (*routing.Path, error) {
	p := &routing.Path{Nodes: nodes}
	for i := 0; i+1 < len(nodes); i++ {
		e, ok := g.EdgeBetween(nodes[i], nodes[i+1])
		if !ok {
			return nil, &routing.RouteNotFoundError{
				Origin:      nodes[0],
				Destination: nodes[len(nodes)-1],
				Reason:      fmt.Sprintf("no segment from node %d to node %d", nodes[i], nodes[i+1]),
			}
		}
		p.Edges = append(p.Edges, e.ID)
		p.Cost += e.Length
	}
	return p, nil
}
