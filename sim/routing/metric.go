package routing

import (
	"math"
	"sync"

	"github.com/paulmach/orb/geo"

	"github.com/traffic-sim/traffic-sim/sim/graph"
)

// Metric defines the cost of traversing an edge and a distance-based lower bound
// between nodes. The bound is scaled per graph so that it never exceeds the cost
// of any edge, which keeps it consistent for A*.
type Metric interface {
	Name() string
	EdgeCost(e *graph.Edge) float64
	// Estimator returns the bound for g. The scale is resolved once, so the
	// returned function is cheap and takes no locks.
	Estimator(g *graph.StreetGraph) Estimator
}

// Estimator is a lower bound on the cost between two nodes of one graph.
type Estimator func(from, to *graph.Node) float64

func scaledDistance(k float64) Estimator {
	return func(from, to *graph.Node) float64 {
		return geo.Distance(from.Coordinate, to.Coordinate) * k
	}
}

// TravelTime measures edges in ticks: lane cells divided by the edge's velocity limit.
// Its estimate assumes a straight line at the global maximum velocity.
type TravelTime struct {
	scale *heuristicScale
}

// NewTravelTime creates the travel-time metric for the given cell size and
// global velocity cap (cells per tick).
func NewTravelTime(metersPerCell, globalMaxVelocity float64) *TravelTime {
	return &TravelTime{scale: newHeuristicScale(1 / (metersPerCell * globalMaxVelocity))}
}

func (m *TravelTime) Name() string { return "fastest-way" }

func (m *TravelTime) EdgeCost(e *graph.Edge) float64 {
	return float64(e.Cells) / float64(e.MaxVelocity)
}

func (m *TravelTime) Estimator(g *graph.StreetGraph) Estimator {
	return scaledDistance(m.scale.forGraph(g, m.EdgeCost))
}

// LinearDistance measures edges by their length in cells and estimates with the
// straight-line distance. Cheaper than TravelTime and blind to speed limits.
type LinearDistance struct {
	metersPerCell float64
	scale         *heuristicScale
}

// NewLinearDistance creates the linear-distance metric for the given cell size.
func NewLinearDistance(metersPerCell float64) *LinearDistance {
	return &LinearDistance{metersPerCell: metersPerCell, scale: newHeuristicScale(1 / metersPerCell)}
}

func (m *LinearDistance) Name() string { return "linear-distance" }

func (m *LinearDistance) EdgeCost(e *graph.Edge) float64 {
	return e.Length / m.metersPerCell
}

func (m *LinearDistance) Estimator(g *graph.StreetGraph) Estimator {
	return scaledDistance(m.scale.forGraph(g, m.EdgeCost))
}

// heuristicScale caches, per graph, the largest factor k <= base such that
// k * straightLine(e) <= cost(e) for every edge. Multiplying distances by k
// yields a consistent estimate even when segment lengths are shorter than
// their geometry.
type heuristicScale struct {
	base  float64
	mu    sync.Mutex
	cache map[*graph.StreetGraph]float64
}

func newHeuristicScale(base float64) *heuristicScale {
	return &heuristicScale{base: base, cache: make(map[*graph.StreetGraph]float64)}
}

func (h *heuristicScale) forGraph(g *graph.StreetGraph, cost func(*graph.Edge) float64) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if k, ok := h.cache[g]; ok {
		return k
	}
	k := h.base
	for _, e := range g.Edges() {
		from, _ := g.Node(e.From)
		to, _ := g.Node(e.To)
		d := geo.Distance(from.Coordinate, to.Coordinate)
		if d <= 0 {
			continue
		}
		k = math.Min(k, cost(e)/d)
	}
	h.cache[g] = k
	return k
}
