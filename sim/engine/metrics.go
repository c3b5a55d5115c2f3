// Tracks run-wide traffic metrics such as:
// spawned and arrived vehicles, travel times, crossing throughput and mean velocity.

package engine

import (
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/traffic-sim/traffic-sim/sim/graph"
)

// Distribution captures statistical summary of a metric.
type Distribution struct {
	Mean  float64
	P50   float64
	P95   float64
	P99   float64
	Min   float64
	Max   float64
	Count int
}

// NewDistribution computes a Distribution from raw values.
// Returns zero-value Distribution for empty input.
func NewDistribution(values []float64) Distribution {
	if len(values) == 0 {
		return Distribution{}
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	sum := 0.0
	for _, v := range sorted {
		sum += v
	}

	return Distribution{
		Mean:  sum / float64(len(sorted)),
		P50:   percentile(sorted, 50),
		P95:   percentile(sorted, 95),
		P99:   percentile(sorted, 99),
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Count: len(sorted),
	}
}

// percentile computes the p-th percentile using linear interpolation.
// Input must be sorted.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}
	frac := rank - float64(lower)
	return sorted[lower] + frac*(sorted[upper]-sorted[lower])
}

// Metrics aggregates statistics about a run for final reporting.
// Updated only in the single-threaded merge step of a tick.
type Metrics struct {
	Ticks    int64 // ticks simulated
	Spawned  int   // vehicles that entered the network
	Arrived  int   // vehicles that reached their destination
	Admitted int   // crossings granted
	Denied   int   // crossing requests refused
	PeakLive int   // max number of simultaneously driving vehicles

	VelocitySum  int64 // sum of live vehicle velocities over all ticks, cells per tick
	VehicleTicks int64 // number of (vehicle, tick) samples in VelocitySum

	TravelTimes map[graph.VehicleID]int64 // vehicle ID -> ticks from spawn to arrival
}

// NewMetrics returns empty metrics.
func NewMetrics() *Metrics {
	return &Metrics{TravelTimes: make(map[graph.VehicleID]int64)}
}

// MeanVelocity returns the mean velocity of driving vehicles in cells per tick.
func (m *Metrics) MeanVelocity() float64 {
	if m.VehicleTicks == 0 {
		return 0
	}
	return float64(m.VelocitySum) / float64(m.VehicleTicks)
}

// TravelTime returns the distribution of completed travel times in ticks.
func (m *Metrics) TravelTime() Distribution {
	values := make([]float64, 0, len(m.TravelTimes))
	for _, t := range m.TravelTimes {
		values = append(values, float64(t))
	}
	return NewDistribution(values)
}

// Print writes the aggregated metrics. metersPerCell converts velocities to km/h.
func (m *Metrics) Print(w io.Writer, metersPerCell float64) {
	fmt.Fprintln(w, "=== Simulation Metrics ===")
	fmt.Fprintf(w, "Ticks                : %d\n", m.Ticks)
	fmt.Fprintf(w, "Spawned Vehicles     : %d\n", m.Spawned)
	fmt.Fprintf(w, "Arrived Vehicles     : %d\n", m.Arrived)
	fmt.Fprintf(w, "Peak Live Vehicles   : %d\n", m.PeakLive)
	fmt.Fprintf(w, "Crossings Admitted   : %d\n", m.Admitted)
	fmt.Fprintf(w, "Crossings Denied     : %d\n", m.Denied)
	if m.VehicleTicks > 0 {
		v := m.MeanVelocity()
		fmt.Fprintf(w, "Mean Velocity        : %.2f cells/tick (%.1f km/h)\n", v, v*metersPerCell*3.6)
	}
	if m.Arrived > 0 {
		tt := m.TravelTime()
		fmt.Fprintf(w, "Mean Travel Time     : %.2f ticks\n", tt.Mean)
		fmt.Fprintf(w, "P95 Travel Time      : %.2f ticks\n", tt.P95)
		fmt.Fprintf(w, "Max Travel Time      : %.0f ticks\n", tt.Max)
	}
}
