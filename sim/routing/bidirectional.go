package routing

import (
	"container/heap"
	"context"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/traffic-sim/traffic-sim/sim/graph"
)

// ShortestPathAlgorithm computes minimum-cost paths on a StreetGraph.
// Implementations must be safe for sequential reuse across graphs.
type ShortestPathAlgorithm interface {
	Name() string
	FindPath(ctx context.Context, g *graph.StreetGraph, origin, destination graph.NodeID) (*Path, error)
}

// Path is an ordered sequence of nodes from origin to destination together with
// the edges connecting them (len(Edges) == len(Nodes)-1).
type Path struct {
	Nodes []graph.NodeID
	Edges []graph.EdgeID
	Cost  float64
}

// Origin returns the first node of the path.
func (p *Path) Origin() graph.NodeID { return p.Nodes[0] }

// Destination returns the last node of the path.
func (p *Path) Destination() graph.NodeID { return p.Nodes[len(p.Nodes)-1] }

// RouteNotFoundError reports that no path connects origin and destination.
// It is recoverable: callers skip the pair or pick another one.
type RouteNotFoundError struct {
	Origin      graph.NodeID
	Destination graph.NodeID
	Reason      string
}

func (e *RouteNotFoundError) Error() string {
	return fmt.Sprintf("no route from node %d to node %d: %s", e.Origin, e.Destination, e.Reason)
}

// cancellationCheckInterval is the number of node expansions between context checks.
const cancellationCheckInterval = 256

// BidirectionalAStar runs a forward search from the origin and a backward search
// from the destination over reduced edge costs
//
//	c'(u,v) = c(u,v) - p(u) + p(v),  p(v) = (h(v,dest) - h(origin,v)) / 2
//
// which stay non-negative for a consistent estimate h, so the usual bidirectional
// Dijkstra stopping rule applies: stop once topForward + topBackward >= best meeting cost.
// Queue ties are broken by node id, keeping results deterministic.
type BidirectionalAStar struct {
	metric Metric
}

// NewBidirectionalAStar creates a search using the given metric.
func NewBidirectionalAStar(metric Metric) *BidirectionalAStar {
	return &BidirectionalAStar{metric: metric}
}

// NewFastestWay returns a bidirectional A* over travel time.
func NewFastestWay(metersPerCell, globalMaxVelocity float64) *BidirectionalAStar {
	return NewBidirectionalAStar(NewTravelTime(metersPerCell, globalMaxVelocity))
}

// NewLinearDistanceAStar returns a bidirectional A* over edge length.
func NewLinearDistanceAStar(metersPerCell float64) *BidirectionalAStar {
	return NewBidirectionalAStar(NewLinearDistance(metersPerCell))
}

func (a *BidirectionalAStar) Name() string { return a.metric.Name() }

// Metric returns the cost strategy of this search.
func (a *BidirectionalAStar) Metric() Metric { return a.metric }

// FindPath returns the minimum-cost path or a *RouteNotFoundError.
// A cancelled context aborts the search with the context's error.
func (a *BidirectionalAStar) FindPath(ctx context.Context, g *graph.StreetGraph, origin, destination graph.NodeID) (*Path, error) {
	src, ok := g.Node(origin)
	if !ok {
		return nil, &RouteNotFoundError{Origin: origin, Destination: destination, Reason: "unknown origin node"}
	}
	dst, ok := g.Node(destination)
	if !ok {
		return nil, &RouteNotFoundError{Origin: origin, Destination: destination, Reason: "unknown destination node"}
	}
	if origin == destination {
		return &Path{Nodes: []graph.NodeID{origin}}, nil
	}

	nodes := g.Nodes()
	estimate := a.metric.Estimator(g)
	// potentials are computed when a node is first reached, so a query only pays
	// for the part of the graph it explores
	potentials := make(map[int]float64)
	potential := func(i int) float64 {
		p, ok := potentials[i]
		if !ok {
			n := nodes[i]
			p = (estimate(n, dst) - estimate(src, n)) / 2
			potentials[i] = p
		}
		return p
	}
	reduced := func(e *graph.Edge, from, to int) float64 {
		return math.Max(0, a.metric.EdgeCost(e)-potential(from)+potential(to))
	}

	fwd := newFrontier(src.Index())
	bwd := newFrontier(dst.Index())
	best := math.Inf(1)
	meet := -1

	for expansions := 0; ; expansions++ {
		if expansions%cancellationCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		topF, okF := fwd.peek()
		topB, okB := bwd.peek()
		if !okF || !okB || topF+topB >= best {
			break
		}

		side, other, forward := fwd, bwd, true
		if topB < topF {
			side, other, forward = bwd, fwd, false
		}
		u := side.pop()
		n := nodes[u]
		edges := n.Outgoing()
		if !forward {
			edges = n.Incoming()
		}
		for _, id := range edges {
			e := g.MustEdge(id)
			next := e.To
			if !forward {
				next = e.From
			}
			nn, _ := g.Node(next)
			v := nn.Index()
			var cost float64
			if forward {
				cost = reduced(e, u, v)
			} else {
				cost = reduced(e, v, u)
			}
			side.relax(v, side.dist(u)+cost, e.Index())
			if od := other.dist(v); !math.IsInf(od, 1) {
				cand := side.dist(v) + od
				if cand < best || (cand == best && v < meet) {
					best = cand
					meet = v
				}
			}
		}
	}

	if meet < 0 {
		return nil, &RouteNotFoundError{Origin: origin, Destination: destination, Reason: "frontiers exhausted without meeting"}
	}
	path := a.assemble(g, fwd, bwd, meet)
	logrus.Debugf("routing: %s path %d -> %d over %d edges, cost %.3f",
		a.metric.Name(), origin, destination, len(path.Edges), path.Cost)
	return path, nil
}

func (a *BidirectionalAStar) assemble(g *graph.StreetGraph, fwd, bwd *frontier, meet int) *Path {
	nodes := g.Nodes()
	edges := g.Edges()

	var head []graph.EdgeID
	for v := meet; fwd.parent(v) >= 0; {
		e := edges[fwd.parent(v)]
		head = append(head, e.ID)
		from, _ := g.Node(e.From)
		v = from.Index()
	}
	for i, j := 0, len(head)-1; i < j; i, j = i+1, j-1 {
		head[i], head[j] = head[j], head[i]
	}
	for v := meet; bwd.parent(v) >= 0; {
		e := edges[bwd.parent(v)]
		head = append(head, e.ID)
		to, _ := g.Node(e.To)
		v = to.Index()
	}

	path := &Path{Edges: head}
	if len(head) == 0 {
		path.Nodes = []graph.NodeID{nodes[meet].ID}
		return path
	}
	path.Nodes = append(path.Nodes, g.MustEdge(head[0]).From)
	for _, id := range head {
		e := g.MustEdge(id)
		path.Nodes = append(path.Nodes, e.To)
		path.Cost += a.metric.EdgeCost(e)
	}
	return path
}

// frontier is one direction of the search: a label per reached node and the
// open queue. Nodes never reached have no label.
type frontier struct {
	labels map[int]*label
	open   openQueue
}

type label struct {
	dist    float64 // tentative reduced distance
	parent  int     // edge arena index, -1 for the root
	settled bool
}

func newFrontier(root int) *frontier {
	f := &frontier{labels: map[int]*label{root: {parent: -1}}}
	heap.Push(&f.open, openItem{node: root, key: 0})
	return f
}

func (f *frontier) dist(v int) float64 {
	if l, ok := f.labels[v]; ok {
		return l.dist
	}
	return math.Inf(1)
}

func (f *frontier) parent(v int) int {
	if l, ok := f.labels[v]; ok {
		return l.parent
	}
	return -1
}

// peek discards stale queue entries and returns the smallest live key.
func (f *frontier) peek() (float64, bool) {
	for f.open.Len() > 0 {
		top := f.open[0]
		if l := f.labels[top.node]; l.settled || top.key > l.dist {
			heap.Pop(&f.open)
			continue
		}
		return top.key, true
	}
	return 0, false
}

func (f *frontier) pop() int {
	it := heap.Pop(&f.open).(openItem)
	f.labels[it.node].settled = true
	return it.node
}

func (f *frontier) relax(v int, d float64, via int) {
	l, ok := f.labels[v]
	if !ok {
		f.labels[v] = &label{dist: d, parent: via}
	} else {
		if l.settled || d >= l.dist {
			return
		}
		l.dist, l.parent = d, via
	}
	heap.Push(&f.open, openItem{node: v, key: d})
}

type openItem struct {
	node int
	key  float64
}

// openQueue implements heap.Interface ordered by key, then node arena index
// (which follows node id order).
type openQueue []openItem

func (q openQueue) Len() int { return len(q) }
func (q openQueue) Less(i, j int) bool {
	if q[i].key != q[j].key {
		return q[i].key < q[j].key
	}
	return q[i].node < q[j].node
}
func (q openQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *openQueue) Push(x any) {
	*q = append(*q, x.(openItem))
}

func (q *openQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[0 : n-1]
	return item
}
