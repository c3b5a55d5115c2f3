package scenario

import (
	"fmt"
	"sort"

	"github.com/samber/lo"

	"github.com/traffic-sim/traffic-sim/sim/graph"
)

// ODPair is an origin-destination node pair.
type ODPair struct {
	Origin      graph.NodeID
	Destination graph.NodeID
}

// ODEntry is one non-zero cell of an OD matrix.
type ODEntry struct {
	ODPair
	Count int
}

// ODMatrix is a sparse mapping from node pairs to vehicle counts.
type ODMatrix struct {
	counts map[ODPair]int
}

// NewODMatrix creates an empty matrix.
func NewODMatrix() *ODMatrix {
	return &ODMatrix{counts: make(map[ODPair]int)}
}

// Set stores the count of a pair. Zero removes the pair.
func (m *ODMatrix) Set(origin, destination graph.NodeID, count int) error {
	if count < 0 {
		return fmt.Errorf("od matrix: negative count %d for (%d, %d)", count, origin, destination)
	}
	p := ODPair{Origin: origin, Destination: destination}
	if count == 0 {
		delete(m.counts, p)
		return nil
	}
	m.counts[p] = count
	return nil
}

// Inc adds one vehicle to a pair.
func (m *ODMatrix) Inc(origin, destination graph.NodeID) {
	m.counts[ODPair{Origin: origin, Destination: destination}]++
}

// Get returns the count of a pair.
func (m *ODMatrix) Get(origin, destination graph.NodeID) int {
	return m.counts[ODPair{Origin: origin, Destination: destination}]
}

// Entries returns all pairs ordered by origin, then destination.
func (m *ODMatrix) Entries() []ODEntry {
	entries := lo.MapToSlice(m.counts, func(p ODPair, n int) ODEntry {
		return ODEntry{ODPair: p, Count: n}
	})
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Origin != entries[j].Origin {
			return entries[i].Origin < entries[j].Origin
		}
		return entries[i].Destination < entries[j].Destination
	})
	return entries
}

// Total returns the sum of all counts.
func (m *ODMatrix) Total() int {
	return lo.Sum(lo.Values(m.counts))
}

// Validate checks that every referenced node exists in g.
func (m *ODMatrix) Validate(g *graph.StreetGraph) error {
	for _, e := range m.Entries() {
		if _, ok := g.Node(e.Origin); !ok {
			return fmt.Errorf("od matrix: unknown origin node %d", e.Origin)
		}
		if _, ok := g.Node(e.Destination); !ok {
			return fmt.Errorf("od matrix: unknown destination node %d", e.Destination)
		}
	}
	return nil
}
