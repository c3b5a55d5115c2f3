package crossing

import (
	"math"

	"github.com/traffic-sim/traffic-sim/sim/graph"
)

// movement is a path through a node from an approach direction to an exit direction.
type movement struct {
	in, out int
}

func (m movement) uTurn() bool { return m.in == m.out }

// geometry answers the turning questions of one node. Every direction i owns two
// points on a circle of 2n points ordered clockwise: where vehicles enter the node
// from i and where they leave towards i. Which of the two comes first depends on
// the driving side. A movement is the chord between its entry and exit point.
type geometry struct {
	node           *graph.Node
	drivingOnRight bool
}

func (g geometry) entryPoint(dir int) int {
	if g.drivingOnRight {
		return 2 * dir
	}
	return 2*dir + 1
}

func (g geometry) exitPoint(dir int) int {
	if g.drivingOnRight {
		return 2*dir + 1
	}
	return 2 * dir
}

// conflicts reports whether two movements cannot pass the node in the same tick.
// Movements sharing an exit merge and always conflict; movements from the same
// approach never do (they leave different lanes side by side). A U-turn sweeps
// the whole junction and conflicts with every other approach. Otherwise two
// movements conflict when their chords cross.
func (g geometry) conflicts(a, b movement) bool {
	if a.out == b.out {
		return true
	}
	if a.in == b.in {
		return false
	}
	if a.uTurn() || b.uTurn() {
		return true
	}
	a1, a2 := g.entryPoint(a.in), g.exitPoint(a.out)
	b1, b2 := g.entryPoint(b.in), g.exitPoint(b.out)
	n := 2 * g.node.Directions()
	return between(a1, b1, a2, n) != between(a1, b2, a2, n)
}

// between reports whether x lies strictly inside the clockwise arc from lo to hi on a circle of n points.
func between(lo, x, hi, n int) bool {
	dx := ((x-lo)%n + n) % n
	dh := ((hi-lo)%n + n) % n
	return dx > 0 && dx < dh
}

// sideTolerance is the angle in degrees around straight ahead and straight
// opposite within which an approach counts as on neither side.
const sideTolerance = 1.0

// rightOf reports whether an approach from direction b is on the right-hand side
// of a vehicle approaching from direction a. For left-hand traffic the sides swap.
func (g geometry) rightOf(b, a int) bool {
	if a == b {
		return false
	}
	diff := g.node.Bearing(a) - g.node.Bearing(b)
	if !g.drivingOnRight {
		diff = -diff
	}
	diff = math.Mod(diff, 360)
	if diff < 0 {
		diff += 360
	}
	return diff > sideTolerance && diff < 180-sideTolerance
}
