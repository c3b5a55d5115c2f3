package trace

import "testing"

func TestSummarize_NilTrace_ZeroValues(t *testing.T) {
	// GIVEN no trace at all
	// WHEN summarized
	summary := Summarize(nil)

	// THEN the summary is usable and empty
	if summary.TotalDecisions != 0 || summary.CompletedTrips != 0 {
		t.Error("expected zero counts")
	}
	if summary.DenialReasons == nil || summary.NodeDistribution == nil {
		t.Error("expected initialized maps")
	}
}

func TestSummarize_EmptyTrace_ZeroValues(t *testing.T) {
	// GIVEN an empty trace
	st := NewSimulationTrace(TraceConfig{Level: TraceLevelDecisions})

	// WHEN summarized
	summary := Summarize(st)

	// THEN all counts are zero
	if summary.TotalDecisions != 0 {
		t.Errorf("expected 0 total decisions, got %d", summary.TotalDecisions)
	}
	if summary.AdmittedCount != 0 || summary.DeniedCount != 0 {
		t.Error("expected 0 admitted and denied")
	}
	if summary.MeanTravelTime != 0 || summary.MaxTravelTime != 0 {
		t.Error("expected 0 travel time values")
	}
	if len(summary.NodeDistribution) != 0 {
		t.Error("expected empty node distribution")
	}
}

func TestSummarize_PopulatedTrace_CorrectCounts(t *testing.T) {
	// GIVEN a trace with mixed crossing decisions
	st := NewSimulationTrace(TraceConfig{Level: TraceLevelDecisions})
	st.RecordCrossing(CrossingRecord{Node: 5, Vehicle: 1, Admitted: true, Reason: "admitted"})
	st.RecordCrossing(CrossingRecord{Node: 5, Vehicle: 2, Admitted: false, Reason: "conflict"})
	st.RecordCrossing(CrossingRecord{Node: 5, Vehicle: 3, Admitted: false, Reason: "conflict"})
	st.RecordCrossing(CrossingRecord{Node: 2, Vehicle: 4, Admitted: true, Reason: "admitted"})
	st.RecordCrossing(CrossingRecord{Node: 2, Vehicle: 5, Admitted: false, Reason: "no-capacity"})

	// WHEN summarized
	summary := Summarize(st)

	// THEN counts match
	if summary.TotalDecisions != 5 {
		t.Errorf("expected 5 total decisions, got %d", summary.TotalDecisions)
	}
	if summary.AdmittedCount != 2 {
		t.Errorf("expected 2 admitted, got %d", summary.AdmittedCount)
	}
	if summary.DeniedCount != 3 {
		t.Errorf("expected 3 denied, got %d", summary.DeniedCount)
	}
	if summary.DenialReasons["conflict"] != 2 || summary.DenialReasons["no-capacity"] != 1 {
		t.Errorf("unexpected denial reasons %v", summary.DenialReasons)
	}
	// both nodes admitted one vehicle; the lower id wins the tie
	if summary.BusiestNode != 2 {
		t.Errorf("expected busiest node 2, got %d", summary.BusiestNode)
	}
}

func TestSummarize_TravelTimeStatistics_CorrectMeanAndMax(t *testing.T) {
	// GIVEN arrivals with known travel times
	st := NewSimulationTrace(TraceConfig{Level: TraceLevelDecisions})
	st.RecordArrival(ArrivalRecord{Vehicle: 1, TravelTime: 10})
	st.RecordArrival(ArrivalRecord{Vehicle: 2, TravelTime: 30})
	st.RecordArrival(ArrivalRecord{Vehicle: 3, TravelTime: 20})

	// WHEN summarized
	summary := Summarize(st)

	// THEN mean and max match
	if summary.CompletedTrips != 3 {
		t.Errorf("expected 3 trips, got %d", summary.CompletedTrips)
	}
	if summary.MeanTravelTime != 20 {
		t.Errorf("expected mean 20, got %f", summary.MeanTravelTime)
	}
	if summary.MaxTravelTime != 30 {
		t.Errorf("expected max 30, got %d", summary.MaxTravelTime)
	}
}
