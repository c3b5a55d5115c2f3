// Package graph holds the street network: an arena of nodes and directed edges
// addressed by stable integer handles, each edge carrying cell-based lanes.
//
// Topology is immutable after Build. The only mutable state is lane occupancy,
// which the engine rewrites during the commit phase of a tick, one owning
// worker per lane.
package graph

import (
	"sort"

	"github.com/paulmach/orb"
)

// Identity handles. Vehicles are numbered from 1; NoVehicle marks an empty cell.
type (
	NodeID    int64
	EdgeID    int64
	VehicleID int64
)

const NoVehicle VehicleID = 0

// Node is an intersection (or dead end) of the street network.
//
// Incident directions are the distinct neighbouring nodes, ordered clockwise by
// the bearing from this node towards them. Crossing logic uses direction indices
// to decide turning geometry.
type Node struct {
	ID         NodeID
	Coordinate orb.Point // lon, lat

	index     int
	incoming  []EdgeID
	outgoing  []EdgeID
	neighbors []NodeID
	bearings  []float64
}

// Index returns the arena position of the node, usable as a dense slice index.
func (n *Node) Index() int { return n.index }

// Incoming returns the ids of edges ending at this node, ascending.
func (n *Node) Incoming() []EdgeID { return n.incoming }

// Outgoing returns the ids of edges starting at this node, ascending.
func (n *Node) Outgoing() []EdgeID { return n.outgoing }

// Directions returns the number of distinct incident directions.
func (n *Node) Directions() int { return len(n.bearings) }

// Bearing returns the bearing in degrees [0, 360) from this node towards direction dir.
func (n *Node) Bearing(dir int) float64 { return n.bearings[dir] }

// Neighbor returns the neighbouring node of direction dir.
func (n *Node) Neighbor(dir int) NodeID { return n.neighbors[dir] }

func (n *Node) directionOf(neighbor NodeID) int {
	for i, id := range n.neighbors {
		if id == neighbor {
			return i
		}
	}
	return -1
}

// Edge is a directed street segment from one node to another.
type Edge struct {
	ID         EdgeID
	From       NodeID
	To         NodeID
	Length     float64 // meters
	SpeedLimit float64 // km/h
	Priority   int     // street class, higher outranks lower at crossings
	Cells      int     // lane length in cells
	// MaxVelocity is the speed limit converted to cells per tick, capped by the global maximum.
	MaxVelocity int

	index  int
	outDir int
	inDir  int
	lanes  []*Lane
}

// Index returns the arena position of the edge.
func (e *Edge) Index() int { return e.index }

// Lanes returns the lanes of the edge; index 0 is the outermost lane on the driving side.
func (e *Edge) Lanes() []*Lane { return e.lanes }

// Lane returns lane i of the edge.
func (e *Edge) Lane(i int) *Lane { return e.lanes[i] }

// OutDirection returns the direction index of this edge at its source node.
func (e *Edge) OutDirection() int { return e.outDir }

// InDirection returns the direction index this edge arrives from at its target node.
func (e *Edge) InDirection() int { return e.inDir }

// StreetGraph is the arena of nodes, edges and lanes.
type StreetGraph struct {
	nodes     []*Node
	edges     []*Edge
	lanes     []*Lane
	nodeIndex map[NodeID]int
	edgeIndex map[EdgeID]int
	bounds    orb.Bound
	seed      int64

	metersPerCell     float64
	globalMaxVelocity int
}

// Nodes returns all nodes ordered by id.
func (g *StreetGraph) Nodes() []*Node { return g.nodes }

// Edges returns all edges ordered by id.
func (g *StreetGraph) Edges() []*Edge { return g.edges }

// Lanes returns every lane of every edge, edge-major. Lane.Index is the position in this slice.
func (g *StreetGraph) Lanes() []*Lane { return g.lanes }

// Node looks up a node by id.
func (g *StreetGraph) Node(id NodeID) (*Node, bool) {
	i, ok := g.nodeIndex[id]
	if !ok {
		return nil, false
	}
	return g.nodes[i], true
}

// Edge looks up an edge by id.
func (g *StreetGraph) Edge(id EdgeID) (*Edge, bool) {
	i, ok := g.edgeIndex[id]
	if !ok {
		return nil, false
	}
	return g.edges[i], true
}

// MustEdge is Edge for ids that are known to exist, e.g. taken from a computed route.
func (g *StreetGraph) MustEdge(id EdgeID) *Edge {
	e, ok := g.Edge(id)
	if !ok {
		panic("graph: unknown edge id")
	}
	return e
}

// EdgeBetween returns the lowest-id edge from one node to another.
func (g *StreetGraph) EdgeBetween(from, to NodeID) (*Edge, bool) {
	n, ok := g.Node(from)
	if !ok {
		return nil, false
	}
	for _, id := range n.outgoing {
		e := g.MustEdge(id)
		if e.To == to {
			return e, true
		}
	}
	return nil, false
}

// Bounds returns the geographic bounding box of all nodes.
func (g *StreetGraph) Bounds() orb.Bound { return g.bounds }

// MetersPerCell returns the cell size the lanes were built with.
func (g *StreetGraph) MetersPerCell() float64 { return g.metersPerCell }

// GlobalMaxVelocity returns the velocity cap in cells per tick the edges were built with.
func (g *StreetGraph) GlobalMaxVelocity() int { return g.globalMaxVelocity }

// Seed returns the seed of the last Reset.
func (g *StreetGraph) Seed() int64 { return g.seed }

// Reset clears all lane occupancy while preserving topology.
func (g *StreetGraph) Reset(seed int64) {
	for _, l := range g.lanes {
		l.clear()
	}
	g.seed = seed
}

// VehicleCount returns the number of vehicles currently placed on lanes.
func (g *StreetGraph) VehicleCount() int {
	n := 0
	for _, l := range g.lanes {
		n += len(l.occupants)
	}
	return n
}

func sortEdgeIDs(ids []EdgeID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
