// Package trace provides decision-trace recording for crossing and trip analysis.
// This package has no dependencies on sim/ or its sub-packages: it stores pure data types.
package trace

// CrossingRecord captures a single crossing-logic decision.
type CrossingRecord struct {
	Tick     int64
	Node     int64
	Vehicle  int64
	FromEdge int64
	ToEdge   int64
	Rank     int // position in the node's service order, 0 is first
	Admitted bool
	Reason   string
}

// ArrivalRecord captures a completed trip.
type ArrivalRecord struct {
	Vehicle    int64
	Tick       int64
	TravelTime int64 // ticks from spawn to arrival
	Edges      int   // route length in edges
}
