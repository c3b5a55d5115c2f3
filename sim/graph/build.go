package graph

import (
	"fmt"
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/samber/lo"
)

// DefaultSpeedLimit applies to segments without a speed limit (km/h).
const DefaultSpeedLimit = 50.0

// RawNode is a node as delivered by a map parser or deserializer.
type RawNode struct {
	ID  NodeID  `yaml:"id"`
	Lat float64 `yaml:"lat"`
	Lon float64 `yaml:"lon"`
}

// RawSegment is a directed street segment as delivered by a map parser.
// Zero Length is derived from the node coordinates; zero Lanes means one lane;
// zero SpeedLimit means DefaultSpeedLimit.
type RawSegment struct {
	ID         EdgeID  `yaml:"id"`
	From       NodeID  `yaml:"from"`
	To         NodeID  `yaml:"to"`
	Length     float64 `yaml:"length,omitempty"`
	Lanes      int     `yaml:"lanes,omitempty"`
	SpeedLimit float64 `yaml:"speed_limit,omitempty"`
	Priority   int     `yaml:"priority,omitempty"`
}

// RawNetwork is the input of Build.
type RawNetwork struct {
	Nodes    []RawNode    `yaml:"nodes"`
	Segments []RawSegment `yaml:"segments"`
}

// BuildConfig carries the simulation parameters that shape lanes.
type BuildConfig struct {
	MetersPerCell     float64
	GlobalMaxVelocity int // cells per tick
}

// GraphIntegrityError reports malformed topology. It is fatal to graph construction.
type GraphIntegrityError struct {
	Element string // "node" or "segment"
	ID      int64
	Reason  string
}

func (e *GraphIntegrityError) Error() string {
	return fmt.Sprintf("graph integrity: %s %d: %s", e.Element, e.ID, e.Reason)
}

func segmentError(id EdgeID, format string, args ...any) error {
	return &GraphIntegrityError{Element: "segment", ID: int64(id), Reason: fmt.Sprintf(format, args...)}
}

// Build validates a raw network and assembles the StreetGraph arena.
func Build(raw RawNetwork, cfg BuildConfig) (*StreetGraph, error) {
	if cfg.MetersPerCell <= 0 || math.IsNaN(cfg.MetersPerCell) || math.IsInf(cfg.MetersPerCell, 0) {
		return nil, fmt.Errorf("graph build: meters per cell must be positive, got %f", cfg.MetersPerCell)
	}
	if cfg.GlobalMaxVelocity < 1 {
		return nil, fmt.Errorf("graph build: global max velocity must be >= 1, got %d", cfg.GlobalMaxVelocity)
	}

	g := &StreetGraph{
		nodeIndex:         make(map[NodeID]int, len(raw.Nodes)),
		edgeIndex:         make(map[EdgeID]int, len(raw.Segments)),
		metersPerCell:     cfg.MetersPerCell,
		globalMaxVelocity: cfg.GlobalMaxVelocity,
	}

	rawNodes := append([]RawNode(nil), raw.Nodes...)
	sort.Slice(rawNodes, func(i, j int) bool { return rawNodes[i].ID < rawNodes[j].ID })
	for i, rn := range rawNodes {
		if _, dup := g.nodeIndex[rn.ID]; dup {
			return nil, &GraphIntegrityError{Element: "node", ID: int64(rn.ID), Reason: "duplicate id"}
		}
		if math.IsNaN(rn.Lat) || math.IsNaN(rn.Lon) || math.Abs(rn.Lat) > 90 || math.Abs(rn.Lon) > 180 {
			return nil, &GraphIntegrityError{Element: "node", ID: int64(rn.ID),
				Reason: fmt.Sprintf("invalid coordinate (%f, %f)", rn.Lat, rn.Lon)}
		}
		p := orb.Point{rn.Lon, rn.Lat}
		g.nodes = append(g.nodes, &Node{ID: rn.ID, Coordinate: p, index: i})
		g.nodeIndex[rn.ID] = i
		if i == 0 {
			g.bounds = orb.Bound{Min: p, Max: p}
		} else {
			g.bounds = g.bounds.Extend(p)
		}
	}

	segments := append([]RawSegment(nil), raw.Segments...)
	sort.Slice(segments, func(i, j int) bool { return segments[i].ID < segments[j].ID })
	for i, seg := range segments {
		e, err := g.newEdge(i, seg)
		if err != nil {
			return nil, err
		}
		g.edges = append(g.edges, e)
		g.edgeIndex[e.ID] = i
	}

	for _, e := range g.edges {
		from := g.nodes[g.nodeIndex[e.From]]
		to := g.nodes[g.nodeIndex[e.To]]
		from.outgoing = append(from.outgoing, e.ID)
		to.incoming = append(to.incoming, e.ID)
	}
	for _, n := range g.nodes {
		sortEdgeIDs(n.incoming)
		sortEdgeIDs(n.outgoing)
		g.orderDirections(n)
	}
	for _, e := range g.edges {
		e.outDir = g.nodes[g.nodeIndex[e.From]].directionOf(e.To)
		e.inDir = g.nodes[g.nodeIndex[e.To]].directionOf(e.From)
		for k := range e.lanes {
			l := newLane(e.ID, k, len(g.lanes), e.Cells)
			e.lanes[k] = l
			g.lanes = append(g.lanes, l)
		}
	}
	return g, nil
}

func (g *StreetGraph) newEdge(index int, seg RawSegment) (*Edge, error) {
	if _, dup := g.edgeIndex[seg.ID]; dup {
		return nil, segmentError(seg.ID, "duplicate id")
	}
	fromIdx, ok := g.nodeIndex[seg.From]
	if !ok {
		return nil, segmentError(seg.ID, "references non-existent source node %d", seg.From)
	}
	toIdx, ok := g.nodeIndex[seg.To]
	if !ok {
		return nil, segmentError(seg.ID, "references non-existent target node %d", seg.To)
	}
	if seg.From == seg.To {
		return nil, segmentError(seg.ID, "source and target are both node %d", seg.From)
	}
	if seg.Lanes < 0 {
		return nil, segmentError(seg.ID, "negative lane count %d", seg.Lanes)
	}
	length := seg.Length
	if length == 0 {
		length = geo.Distance(g.nodes[fromIdx].Coordinate, g.nodes[toIdx].Coordinate)
	}
	if !(length > 0) || math.IsInf(length, 0) {
		return nil, segmentError(seg.ID, "non-positive lane length %f", length)
	}
	speed := seg.SpeedLimit
	if speed == 0 {
		speed = DefaultSpeedLimit
	}
	if !(speed > 0) || math.IsInf(speed, 0) {
		return nil, segmentError(seg.ID, "non-positive speed limit %f", speed)
	}
	lanes := max(seg.Lanes, 1)

	// Floor, not round: the posted limit is a ceiling, and 50 km/h rounded up to
	// 2 cells of 7.5m would be driven at 54 km/h. Limits below one cell per tick
	// still get 1 so that every edge can be traversed.
	cellsPerTick := int(math.Floor(speed / 3.6 / g.metersPerCell))
	return &Edge{
		ID:          seg.ID,
		From:        seg.From,
		To:          seg.To,
		Length:      length,
		SpeedLimit:  speed,
		Priority:    seg.Priority,
		Cells:       max(1, int(math.Ceil(length/g.metersPerCell))),
		MaxVelocity: lo.Clamp(cellsPerTick, 1, g.globalMaxVelocity),
		index:       index,
		lanes:       make([]*Lane, lanes),
	}, nil
}

// orderDirections collects the distinct neighbours of n and sorts them clockwise
// by bearing, ties by neighbour id.
func (g *StreetGraph) orderDirections(n *Node) {
	seen := make(map[NodeID]bool)
	var neighbors []NodeID
	for _, id := range n.outgoing {
		to := g.MustEdge(id).To
		if !seen[to] {
			seen[to] = true
			neighbors = append(neighbors, to)
		}
	}
	for _, id := range n.incoming {
		from := g.MustEdge(id).From
		if !seen[from] {
			seen[from] = true
			neighbors = append(neighbors, from)
		}
	}
	bearing := lo.SliceToMap(neighbors, func(id NodeID) (NodeID, float64) {
		other := g.nodes[g.nodeIndex[id]]
		return id, normalizeBearing(geo.Bearing(n.Coordinate, other.Coordinate))
	})
	sort.Slice(neighbors, func(i, j int) bool {
		bi, bj := bearing[neighbors[i]], bearing[neighbors[j]]
		if bi != bj {
			return bi < bj
		}
		return neighbors[i] < neighbors[j]
	})
	n.neighbors = neighbors
	n.bearings = make([]float64, len(neighbors))
	for i, id := range neighbors {
		n.bearings[i] = bearing[id]
	}
}

func normalizeBearing(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	return deg
}
