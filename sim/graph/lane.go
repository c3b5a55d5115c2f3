package graph

import "fmt"

// Occupant is a vehicle standing on a lane cell.
type Occupant struct {
	Vehicle VehicleID
	Cell    int
}

// Lane is a row of cells; cell 0 is the entry, cell Len()-1 the exit next to the target node.
// Occupants are kept front-to-back, so the front (next to exit) and back (closest to the
// entry) are O(1).
type Lane struct {
	edge      EdgeID
	number    int // position within the edge
	index     int // position within StreetGraph.Lanes()
	cells     []VehicleID
	occupants []Occupant
}

func newLane(edge EdgeID, number, index, cells int) *Lane {
	return &Lane{
		edge:   edge,
		number: number,
		index:  index,
		cells:  make([]VehicleID, cells),
	}
}

// Edge returns the edge this lane belongs to.
func (l *Lane) Edge() EdgeID { return l.edge }

// Number returns the lane number within its edge.
func (l *Lane) Number() int { return l.number }

// Index returns the lane's arena position.
func (l *Lane) Index() int { return l.index }

// Len returns the number of cells.
func (l *Lane) Len() int { return len(l.cells) }

// At returns the vehicle in cell i, or NoVehicle.
func (l *Lane) At(i int) VehicleID { return l.cells[i] }

// Occupants returns the vehicles on the lane front-to-back. The slice must not be modified.
func (l *Lane) Occupants() []Occupant { return l.occupants }

// Front returns the vehicle closest to the exit.
func (l *Lane) Front() (Occupant, bool) {
	if len(l.occupants) == 0 {
		return Occupant{}, false
	}
	return l.occupants[0], true
}

// Back returns the vehicle closest to the entry.
func (l *Lane) Back() (Occupant, bool) {
	if len(l.occupants) == 0 {
		return Occupant{}, false
	}
	return l.occupants[len(l.occupants)-1], true
}

// FreeEntryCells returns the number of free cells between the entry and the back vehicle.
func (l *Lane) FreeEntryCells() int {
	back, ok := l.Back()
	if !ok {
		return len(l.cells)
	}
	return back.Cell
}

// Place puts a vehicle behind the current back vehicle. Used when seeding a lane outside a tick.
func (l *Lane) Place(v VehicleID, cell int) error {
	if cell < 0 || cell >= len(l.cells) {
		return fmt.Errorf("lane %d/%d: cell %d out of range [0, %d)", l.edge, l.number, cell, len(l.cells))
	}
	if cell >= l.FreeEntryCells() {
		return fmt.Errorf("lane %d/%d: cell %d is not behind the back vehicle", l.edge, l.number, cell)
	}
	l.cells[cell] = v
	l.occupants = append(l.occupants, Occupant{Vehicle: v, Cell: cell})
	return nil
}

// Replace swaps the whole occupancy for next, given front-to-back. Cells must be in
// range and strictly decreasing, which guarantees one vehicle per cell.
// On error the lane is left unchanged.
func (l *Lane) Replace(next []Occupant) error {
	for i, o := range next {
		if o.Cell < 0 || o.Cell >= len(l.cells) {
			return fmt.Errorf("lane %d/%d: vehicle %d at cell %d out of range [0, %d)",
				l.edge, l.number, o.Vehicle, o.Cell, len(l.cells))
		}
		if i > 0 && o.Cell >= next[i-1].Cell {
			return fmt.Errorf("lane %d/%d: vehicle %d at cell %d collides with or passes vehicle %d at cell %d",
				l.edge, l.number, o.Vehicle, o.Cell, next[i-1].Vehicle, next[i-1].Cell)
		}
	}
	for _, o := range l.occupants {
		l.cells[o.Cell] = NoVehicle
	}
	l.occupants = append(l.occupants[:0], next...)
	for _, o := range l.occupants {
		l.cells[o.Cell] = o.Vehicle
	}
	return nil
}

func (l *Lane) clear() {
	for i := range l.cells {
		l.cells[i] = NoVehicle
	}
	l.occupants = l.occupants[:0]
}
