package types

import "time"

// CleaningStep records one cleaning operation applied to the joined table:
// which transform ran, how many rows it saw and kept, and why rows were
// removed. The pipeline prints the full log and stores it in the run archive
// so row-filtering side effects stay auditable.
type CleaningStep struct {
	Step      string    // name of the transform (e.g. "drop_missing_count")
	Detail    string    // human-readable reason for removals
	RowsIn    int       // rows entering the step
	RowsOut   int       // rows surviving the step
	AppliedAt time.Time // when the step ran
}

// Dropped returns the number of rows removed by this step.
func (s CleaningStep) Dropped() int {
	return s.RowsIn - s.RowsOut
}
