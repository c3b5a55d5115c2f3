package vehicle

import "github.com/traffic-sim/traffic-sim/sim/graph"

// Route is a vehicle's itinerary: the edges to drive in order and a cursor on
// the edge currently driven.
type Route struct {
	nodes []graph.NodeID
	edges []graph.EdgeID
	pos   int
}

// NewRoute creates a route over edges, which must have len(nodes)-1 entries and at least one.
func NewRoute(nodes []graph.NodeID, edges []graph.EdgeID) *Route {
	if len(edges) == 0 || len(nodes) != len(edges)+1 {
		panic("vehicle: route needs at least one edge and one more node than edges")
	}
	return &Route{nodes: nodes, edges: edges}
}

// Origin returns the first node.
func (r *Route) Origin() graph.NodeID { return r.nodes[0] }

// Destination returns the last node.
func (r *Route) Destination() graph.NodeID { return r.nodes[len(r.nodes)-1] }

// Nodes returns all nodes of the route. The slice must not be modified.
func (r *Route) Nodes() []graph.NodeID { return r.nodes }

// Edges returns all edges of the route. The slice must not be modified.
func (r *Route) Edges() []graph.EdgeID { return r.edges }

// Current returns the edge being driven.
func (r *Route) Current() graph.EdgeID { return r.edges[r.pos] }

// Next returns the edge after the current one.
func (r *Route) Next() (graph.EdgeID, bool) {
	if r.pos+1 >= len(r.edges) {
		return 0, false
	}
	return r.edges[r.pos+1], true
}

// IsLast reports whether the current edge is the final one.
func (r *Route) IsLast() bool { return r.pos == len(r.edges)-1 }

// Advance moves the cursor to the next edge.
func (r *Route) Advance() {
	if r.IsLast() {
		panic("vehicle: advancing past the last route edge")
	}
	r.pos++
}

// Rewind moves the cursor back to the first edge.
func (r *Route) Rewind() { r.pos = 0 }
