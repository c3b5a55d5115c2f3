// Package testutil provides shared network fixtures and assertion helpers used
// across the sim/ test packages.
package testutil

import (
	"math"
	"testing"

	"github.com/traffic-sim/traffic-sim/sim/graph"
)

const (
	metersPerDegree = 111195.0
	baseLat         = 48.0
	baseLon         = 11.0
)

// offset returns the coordinate dx meters east and dy meters north of the base point.
func offset(dx, dy float64) (lat, lon float64) {
	lat = baseLat + dy/metersPerDegree
	lon = baseLon + dx/(metersPerDegree*math.Cos(baseLat*math.Pi/180))
	return lat, lon
}

// GridNodeID returns the id of the node in row r, column c of a grid with cols columns.
// Rows run north to south, columns west to east, ids start at 1.
func GridNodeID(r, c, cols int) graph.NodeID {
	return graph.NodeID(r*cols + c + 1)
}

// Grid returns a rows x cols street grid with spacing meters between neighbours.
// Every pair of neighbours is joined by one single-lane segment in each direction;
// segment lengths are derived from the coordinates.
func Grid(rows, cols int, spacing float64) graph.RawNetwork {
	var raw graph.RawNetwork
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			lat, lon := offset(float64(c)*spacing, -float64(r)*spacing)
			raw.Nodes = append(raw.Nodes, graph.RawNode{ID: GridNodeID(r, c, cols), Lat: lat, Lon: lon})
		}
	}
	next := graph.EdgeID(1)
	link := func(a, b graph.NodeID) {
		raw.Segments = append(raw.Segments,
			graph.RawSegment{ID: next, From: a, To: b},
			graph.RawSegment{ID: next + 1, From: b, To: a})
		next += 2
	}
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			if c+1 < cols {
				link(GridNodeID(r, c, cols), GridNodeID(r, c+1, cols))
			}
			if r+1 < rows {
				link(GridNodeID(r, c, cols), GridNodeID(r+1, c, cols))
			}
		}
	}
	return raw
}

// Crossroads node and segment ids. Arm nodes sit armLength meters from the centre.
const (
	North  graph.NodeID = 1
	East   graph.NodeID = 2
	South  graph.NodeID = 3
	West   graph.NodeID = 4
	Center graph.NodeID = 5
)

// Inbound returns the id of the segment from arm to the centre.
func Inbound(arm graph.NodeID) graph.EdgeID { return graph.EdgeID(10 + arm) }

// Outbound returns the id of the segment from the centre to arm.
func Outbound(arm graph.NodeID) graph.EdgeID { return graph.EdgeID(20 + arm) }

// Crossroads returns a four-way intersection with single-lane arms in both directions.
// priority maps an arm to the priority of both its segments; missing arms get 0.
func Crossroads(armLength float64, priority map[graph.NodeID]int) graph.RawNetwork {
	lat, lon := offset(0, 0)
	raw := graph.RawNetwork{Nodes: []graph.RawNode{{ID: Center, Lat: lat, Lon: lon}}}
	arms := []struct {
		id     graph.NodeID
		dx, dy float64
	}{
		{North, 0, armLength},
		{East, armLength, 0},
		{South, 0, -armLength},
		{West, -armLength, 0},
	}
	for _, a := range arms {
		lat, lon := offset(a.dx, a.dy)
		raw.Nodes = append(raw.Nodes, graph.RawNode{ID: a.id, Lat: lat, Lon: lon})
		raw.Segments = append(raw.Segments,
			graph.RawSegment{ID: Inbound(a.id), From: a.id, To: Center, Length: armLength, Priority: priority[a.id]},
			graph.RawSegment{ID: Outbound(a.id), From: Center, To: a.id, Length: armLength, Priority: priority[a.id]})
	}
	return raw
}

// MustBuild builds raw with the given cell size and velocity cap, failing the test on error.
func MustBuild(t testing.TB, raw graph.RawNetwork, metersPerCell float64, maxVelocity int) *graph.StreetGraph {
	t.Helper()
	g, err := graph.Build(raw, graph.BuildConfig{MetersPerCell: metersPerCell, GlobalMaxVelocity: maxVelocity})
	if err != nil {
		t.Fatalf("building fixture network: %v", err)
	}
	return g
}

// AssertFloat64Equal compares two float64 values with relative tolerance.
func AssertFloat64Equal(t *testing.T, name string, want, got, relTol float64) {
	t.Helper()
	if want == 0 && got == 0 {
		return
	}
	diff := math.Abs(want - got)
	maxVal := math.Max(math.Abs(want), math.Abs(got))
	if diff/maxVal > relTol {
		t.Errorf("%s: got %v, want %v (diff=%v, relDiff=%v)", name, got, want, diff, diff/maxVal)
	}
}
