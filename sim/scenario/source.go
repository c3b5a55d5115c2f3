package scenario

import (
	"fmt"
	"math/rand"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/samber/lo"

	"github.com/traffic-sim/traffic-sim/sim/graph"
)

// Demand is the raw travel demand of a scenario: an OD matrix to be routed and
// explicit node sequences driven as given.
type Demand struct {
	Matrix *ODMatrix
	Routes [][]graph.NodeID
}

// Total returns the number of vehicles requested.
func (d Demand) Total() int {
	n := len(d.Routes)
	if d.Matrix != nil {
		n += d.Matrix.Total()
	}
	return n
}

// ItinerarySource produces the demand of a scenario. Sources that sample draw
// from rng only, so equal seeds give equal demand.
type ItinerarySource interface {
	Name() string
	// Demand returns the requested trips. count is the number of trips sampling
	// sources should generate; explicit sources ignore it.
	Demand(g *graph.StreetGraph, rng *rand.Rand, count int) (Demand, error)
}

// ODMatrixSource replays a fixed OD matrix.
type ODMatrixSource struct {
	Matrix *ODMatrix
}

func (s ODMatrixSource) Name() string { return "od-matrix" }

func (s ODMatrixSource) Demand(g *graph.StreetGraph, _ *rand.Rand, _ int) (Demand, error) {
	if err := s.Matrix.Validate(g); err != nil {
		return Demand{}, err
	}
	return Demand{Matrix: s.Matrix}, nil
}

// RouteListSource drives explicit node sequences, one vehicle each.
type RouteListSource struct {
	Routes [][]graph.NodeID
}

func (s RouteListSource) Name() string { return "route-list" }

func (s RouteListSource) Demand(g *graph.StreetGraph, _ *rand.Rand, _ int) (Demand, error) {
	for i, r := range s.Routes {
		if len(r) < 2 {
			return Demand{}, fmt.Errorf("route %d: needs at least two nodes, got %d", i, len(r))
		}
		for _, id := range r {
			if _, ok := g.Node(id); !ok {
				return Demand{}, fmt.Errorf("route %d: unknown node %d", i, id)
			}
		}
	}
	return Demand{Routes: s.Routes}, nil
}

// RandomRouteSource draws origin and destination uniformly from all nodes.
type RandomRouteSource struct{}

func (RandomRouteSource) Name() string { return "random" }

func (RandomRouteSource) Demand(g *graph.StreetGraph, rng *rand.Rand, count int) (Demand, error) {
	return sampleDemand(rng, count, g.Nodes(), g.Nodes())
}

// AreaSource draws origins from nodes inside one polygon and destinations from
// nodes inside another.
type AreaSource struct {
	Origin      orb.Polygon
	Destination orb.Polygon
}

func (AreaSource) Name() string { return "area" }

func (s AreaSource) Demand(g *graph.StreetGraph, rng *rand.Rand, count int) (Demand, error) {
	inside := func(poly orb.Polygon) []*graph.Node {
		return lo.Filter(g.Nodes(), func(n *graph.Node, _ int) bool {
			return planar.PolygonContains(poly, n.Coordinate)
		})
	}
	return sampleDemand(rng, count, inside(s.Origin), inside(s.Destination))
}

// EndOfTheWorldSource draws origins and destinations from the outer band of the
// network, modelling through traffic. Fraction is the band width relative to the
// bounding box, per side.
type EndOfTheWorldSource struct {
	Fraction float64
}

// DefaultBorderFraction is the band width used when Fraction is zero.
const DefaultBorderFraction = 0.1

func (EndOfTheWorldSource) Name() string { return "end-of-the-world" }

func (s EndOfTheWorldSource) Demand(g *graph.StreetGraph, rng *rand.Rand, count int) (Demand, error) {
	f := s.Fraction
	if f <= 0 {
		f = DefaultBorderFraction
	}
	b := g.Bounds()
	dx := (b.Max.Lon() - b.Min.Lon()) * f
	dy := (b.Max.Lat() - b.Min.Lat()) * f
	inner := orb.Bound{
		Min: orb.Point{b.Min.Lon() + dx, b.Min.Lat() + dy},
		Max: orb.Point{b.Max.Lon() - dx, b.Max.Lat() - dy},
	}
	border := lo.Filter(g.Nodes(), func(n *graph.Node, _ int) bool {
		return !inner.Contains(n.Coordinate)
	})
	return sampleDemand(rng, count, border, border)
}

// DefaultSampleCount is the number of trips sampled when no vehicle cap is set.
const DefaultSampleCount = 1000

// sampleDemand draws count trips from origins that can be left to destinations
// that can be reached, never with origin == destination.
func sampleDemand(rng *rand.Rand, count int, origins, destinations []*graph.Node) (Demand, error) {
	if count <= 0 {
		count = DefaultSampleCount
	}
	origins = lo.Filter(origins, func(n *graph.Node, _ int) bool { return len(n.Outgoing()) > 0 })
	destinations = lo.Filter(destinations, func(n *graph.Node, _ int) bool { return len(n.Incoming()) > 0 })
	if len(origins) == 0 || len(destinations) == 0 {
		return Demand{}, fmt.Errorf("no candidate %s nodes", lo.Ternary(len(origins) == 0, "origin", "destination"))
	}
	if len(origins) == 1 && len(destinations) == 1 && origins[0] == destinations[0] {
		return Demand{}, fmt.Errorf("origin and destination candidates are the same single node %d", origins[0].ID)
	}
	m := NewODMatrix()
	for i := 0; i < count; i++ {
		for {
			o := origins[rng.Intn(len(origins))]
			d := destinations[rng.Intn(len(destinations))]
			if o != d {
				m.Inc(o.ID, d.ID)
				break
			}
		}
	}
	return Demand{Matrix: m}, nil
}
