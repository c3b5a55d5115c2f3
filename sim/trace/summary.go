package trace

// TraceSummary aggregates statistics from a SimulationTrace.
type TraceSummary struct {
	TotalDecisions   int
	AdmittedCount    int
	DeniedCount      int
	DenialReasons    map[string]int // reason → count of denied requests
	BusiestNode      int64          // node with the most admissions, lowest id on ties
	NodeDistribution map[int64]int  // node ID → count of admitted vehicles
	CompletedTrips   int
	MeanTravelTime   float64
	MaxTravelTime    int64
}

// Summarize computes aggregate statistics from a SimulationTrace.
// Safe for nil or empty traces (returns zero-value fields).
func Summarize(st *SimulationTrace) *TraceSummary {
	summary := &TraceSummary{
		DenialReasons:    make(map[string]int),
		NodeDistribution: make(map[int64]int),
	}
	if st == nil {
		return summary
	}

	summary.TotalDecisions = len(st.Crossings)
	for _, c := range st.Crossings {
		if c.Admitted {
			summary.AdmittedCount++
			summary.NodeDistribution[c.Node]++
		} else {
			summary.DeniedCount++
			summary.DenialReasons[c.Reason]++
		}
	}
	best := 0
	for node, n := range summary.NodeDistribution {
		if n > best || (n == best && node < summary.BusiestNode) {
			best = n
			summary.BusiestNode = node
		}
	}

	if len(st.Arrivals) > 0 {
		total := int64(0)
		for _, a := range st.Arrivals {
			total += a.TravelTime
			if a.TravelTime > summary.MaxTravelTime {
				summary.MaxTravelTime = a.TravelTime
			}
		}
		summary.CompletedTrips = len(st.Arrivals)
		summary.MeanTravelTime = float64(total) / float64(len(st.Arrivals))
	}

	return summary
}
