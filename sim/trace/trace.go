package trace

// TraceLevel controls the verbosity of decision tracing.
type TraceLevel string

const (
	// TraceLevelNone disables tracing (zero overhead).
	TraceLevelNone TraceLevel = "none"
	// TraceLevelDecisions captures all crossing decisions and arrivals.
	TraceLevelDecisions TraceLevel = "decisions"
)

// validTraceLevels maps accepted trace level strings.
var validTraceLevels = map[TraceLevel]bool{
	TraceLevelNone:      true,
	TraceLevelDecisions: true,
	"":                  true, // empty defaults to none
}

// IsValidTraceLevel returns true if the given level string is a recognized trace level.
func IsValidTraceLevel(level string) bool {
	return validTraceLevels[TraceLevel(level)]
}

// TraceConfig controls trace collection behavior.
type TraceConfig struct {
	Level TraceLevel
}

// Enabled reports whether records should be collected.
func (c TraceConfig) Enabled() bool {
	return c.Level == TraceLevelDecisions
}

// SimulationTrace collects decision records during a run.
// Records are appended by the engine between ticks, never concurrently.
type SimulationTrace struct {
	Config    TraceConfig
	Crossings []CrossingRecord
	Arrivals  []ArrivalRecord
}

// NewSimulationTrace creates a SimulationTrace ready for recording.
func NewSimulationTrace(config TraceConfig) *SimulationTrace {
	return &SimulationTrace{
		Config:    config,
		Crossings: make([]CrossingRecord, 0),
		Arrivals:  make([]ArrivalRecord, 0),
	}
}

// RecordCrossing appends a crossing decision record.
func (st *SimulationTrace) RecordCrossing(record CrossingRecord) {
	st.Crossings = append(st.Crossings, record)
}

// RecordArrival appends an arrival record.
func (st *SimulationTrace) RecordArrival(record ArrivalRecord) {
	st.Arrivals = append(st.Arrivals, record)
}

// Reset drops all records, keeping the configuration.
func (st *SimulationTrace) Reset() {
	st.Crossings = st.Crossings[:0]
	st.Arrivals = st.Arrivals[:0]
}
