// Package crossing implements the per-node right-of-way state machine.
//
// Every tick a node collects the vehicles at the head of its incoming lanes that
// want to pass, ranks them, and walks the ranking admitting each vehicle whose
// movement is free of conflicts and whose target lane has room. A Logic is only
// ever used by the worker that owns its node, so it carries no locks.
package crossing

import (
	"fmt"
	"sort"

	"github.com/traffic-sim/traffic-sim/sim"
	"github.com/traffic-sim/traffic-sim/sim/graph"
)

// Reasons attached to decisions.
const (
	ReasonAdmitted      = "admitted"
	ReasonOnlyOne       = "only-one-vehicle"
	ReasonNoCapacity    = "no-capacity"
	ReasonHoldsJunction = "no-capacity-holding"
	ReasonConflict      = "conflict"
)

// Request is a vehicle at the head of an incoming lane asking to pass the node.
type Request struct {
	Vehicle      graph.VehicleID
	From         graph.EdgeID // incoming edge, ends at the node
	To           graph.EdgeID // next edge of the route, starts at the node
	WaitingSince int64        // tick of the first unsuccessful request, or the current tick
	Overshoot    int          // cells the vehicle would travel past the lane end, >= 1
}

// Decision is the outcome for one request.
type Decision struct {
	Admitted bool
	Lane     int // target lane arena index, valid when admitted
	Cell     int // entry cell on the target lane, valid when admitted
	Rank     int // position in the ranking, 0 is served first
	Reason   string
}

// Logic is the crossing state of one node.
type Logic struct {
	g        *graph.StreetGraph
	node     *graph.Node
	cfg      sim.CrossingLogicConfig
	geometry geometry

	requests []Request
	// ceiling holds, per outgoing edge, the highest free entry cell of each lane
	// for this tick; -1 means full.
	ceiling  map[graph.EdgeID][]int
	admitted []movement
	reserved []movement
}

// NewLogic creates the crossing state for node.
func NewLogic(g *graph.StreetGraph, node *graph.Node, cfg sim.CrossingLogicConfig) *Logic {
	return &Logic{
		g:        g,
		node:     node,
		cfg:      cfg,
		geometry: geometry{node: node, drivingOnRight: cfg.DrivingOnTheRight},
		ceiling:  make(map[graph.EdgeID][]int, len(node.Outgoing())),
	}
}

// Node returns the node this logic governs.
func (l *Logic) Node() *graph.Node { return l.node }

// Reset starts a new tick: requests and claims are dropped and lane capacities
// are read again from the current occupancy.
func (l *Logic) Reset() {
	l.requests = l.requests[:0]
	l.admitted = l.admitted[:0]
	l.reserved = l.reserved[:0]
	for _, id := range l.node.Outgoing() {
		lanes := l.g.MustEdge(id).Lanes()
		c := l.ceiling[id]
		if c == nil {
			c = make([]int, len(lanes))
			l.ceiling[id] = c
		}
		for i, lane := range lanes {
			c[i] = lane.FreeEntryCells() - 1
		}
	}
}

// Register adds a request for this tick.
func (l *Logic) Register(r Request) {
	from := l.g.MustEdge(r.From)
	to := l.g.MustEdge(r.To)
	if from.To != l.node.ID || to.From != l.node.ID {
		panic(fmt.Sprintf("crossing: request of vehicle %d from edge %d to edge %d does not pass node %d",
			r.Vehicle, r.From, r.To, l.node.ID))
	}
	if r.Overshoot < 1 {
		panic(fmt.Sprintf("crossing: request of vehicle %d has overshoot %d", r.Vehicle, r.Overshoot))
	}
	l.requests = append(l.requests, r)
}

// Requests returns the requests registered this tick.
func (l *Logic) Requests() []Request { return l.requests }

func (l *Logic) movementOf(r Request) movement {
	return movement{
		in:  l.g.MustEdge(r.From).InDirection(),
		out: l.g.MustEdge(r.To).OutDirection(),
	}
}

// Resolve ranks the registered requests and decides each of them.
// The returned decisions are aligned with Requests().
func (l *Logic) Resolve() []Decision {
	decisions := make([]Decision, len(l.requests))
	order := l.rank()
	admittedCount := 0
	for rank, i := range order {
		r := l.requests[i]
		d := &decisions[i]
		d.Rank = rank
		m := l.movementOf(r)

		if l.cfg.OnlyOneVehicleEnabled && admittedCount > 0 {
			d.Reason = ReasonOnlyOne
			continue
		}
		lane, top := l.bestLane(r.To)
		if top < 0 {
			if l.cfg.FriendlyStandingInJamEnabled {
				d.Reason = ReasonNoCapacity
			} else {
				d.Reason = ReasonHoldsJunction
				l.reserved = append(l.reserved, m)
			}
			continue
		}
		if l.conflictsWithClaims(m) {
			d.Reason = ReasonConflict
			continue
		}

		cell := min(r.Overshoot-1, top)
		l.ceiling[r.To][lane] = cell - 1
		l.admitted = append(l.admitted, m)
		admittedCount++
		d.Admitted = true
		d.Lane = l.g.MustEdge(r.To).Lane(lane).Index()
		d.Cell = cell
		d.Reason = ReasonAdmitted
	}
	return decisions
}

func (l *Logic) conflictsWithClaims(m movement) bool {
	for _, other := range l.admitted {
		if l.geometry.conflicts(m, other) {
			return true
		}
	}
	for _, other := range l.reserved {
		if l.geometry.conflicts(m, other) {
			return true
		}
	}
	return false
}

// bestLane returns the lane of edge with the highest free entry cell, lowest lane
// number on ties, and that cell.
func (l *Logic) bestLane(edge graph.EdgeID) (lane, top int) {
	c := l.ceiling[edge]
	lane, top = 0, c[0]
	for i := 1; i < len(c); i++ {
		if c[i] > top {
			lane, top = i, c[i]
		}
	}
	return lane, top
}

// ClaimEntry reserves cell 0 of the best lane of an outgoing edge for a spawning
// vehicle. It fails when no lane of the edge has cell 0 free this tick.
func (l *Logic) ClaimEntry(edge graph.EdgeID) (laneIndex int, ok bool) {
	if _, known := l.ceiling[edge]; !known {
		panic(fmt.Sprintf("crossing: edge %d does not leave node %d", edge, l.node.ID))
	}
	lane, top := l.bestLane(edge)
	if top < 0 {
		return 0, false
	}
	l.ceiling[edge][lane] = -1
	return l.g.MustEdge(edge).Lane(lane).Index(), true
}

// rank returns request indices in service order.
//
// With edge priority enabled, requests from higher-priority edges come first.
// Within a priority class, priority to the right orders a request B before A
// when B approaches from A's right and their movements conflict; that relation
// is resolved by repeatedly taking the longest-waiting request (lowest vehicle id
// on ties) among those with no pending predecessor. If every remaining request
// has a predecessor, the rule is deadlocked and the longest-waiting one goes first.
// Without the rule, requests are served by waiting time, then vehicle id.
func (l *Logic) rank() []int {
	idx := make([]int, len(l.requests))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return l.servedBefore(l.requests[idx[a]], l.requests[idx[b]])
	})
	if !l.cfg.EdgePriorityEnabled {
		if l.cfg.PriorityToTheRightEnabled {
			return l.rightOfWayOrder(idx)
		}
		return idx
	}

	priority := func(i int) int { return l.g.MustEdge(l.requests[i].From).Priority }
	sort.SliceStable(idx, func(a, b int) bool { return priority(idx[a]) > priority(idx[b]) })
	if !l.cfg.PriorityToTheRightEnabled {
		return idx
	}
	out := make([]int, 0, len(idx))
	for start := 0; start < len(idx); {
		end := start + 1
		for end < len(idx) && priority(idx[end]) == priority(idx[start]) {
			end++
		}
		out = append(out, l.rightOfWayOrder(idx[start:end])...)
		start = end
	}
	return out
}

func (l *Logic) servedBefore(a, b Request) bool {
	if a.WaitingSince != b.WaitingSince {
		return a.WaitingSince < b.WaitingSince
	}
	return a.Vehicle < b.Vehicle
}

// rightOfWayOrder orders a group already sorted by servedBefore.
func (l *Logic) rightOfWayOrder(group []int) []int {
	n := len(group)
	moves := make([]movement, n)
	for k, i := range group {
		moves[k] = l.movementOf(l.requests[i])
	}
	// yieldsTo[a][b]: a must wait for b
	yieldsTo := make([][]bool, n)
	for a := range yieldsTo {
		yieldsTo[a] = make([]bool, n)
		for b := 0; b < n; b++ {
			yieldsTo[a][b] = a != b &&
				l.geometry.rightOf(moves[b].in, moves[a].in) &&
				l.geometry.conflicts(moves[a], moves[b])
		}
	}

	done := make([]bool, n)
	out := make([]int, 0, n)
	for len(out) < n {
		pick := -1
		for a := 0; a < n && pick < 0; a++ {
			if done[a] {
				continue
			}
			blocked := false
			for b := 0; b < n; b++ {
				if !done[b] && yieldsTo[a][b] {
					blocked = true
					break
				}
			}
			if !blocked {
				pick = a
			}
		}
		if pick < 0 {
			for a := 0; a < n; a++ {
				if !done[a] {
					pick = a
					break
				}
			}
		}
		done[pick] = true
		out = append(out, group[pick])
	}
	return out
}
