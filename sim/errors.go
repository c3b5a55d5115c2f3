package sim

import "fmt"

// CancelledError reports a cooperative interruption observed during scenario
// construction or a run-loop. It is not an application failure: the interrupted
// operation has unwound to its last consistent state.
type CancelledError struct {
	Stage    string // "scenario build", "run", ...
	Progress int    // percent completed when the interruption was observed
	Cause    error  // usually context.Canceled or context.DeadlineExceeded
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("%s cancelled at %d%%: %v", e.Stage, e.Progress, e.Cause)
}

func (e *CancelledError) Unwrap() error {
	return e.Cause
}

// InvariantViolation reports a broken partition or occupancy invariant inside the
// stepper. It indicates a programming defect; the affected run halts and must not
// be resumed.
type InvariantViolation struct {
	Tick   int64
	Detail string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violated at tick %d: %s", e.Tick, e.Detail)
}
