package trace

// RunTrace collects iteration records for one supervisor run.
// It is written by a single goroutine (the supervisor loop).
type RunTrace struct {
	RunID      string
	Engine     string
	Iterations []IterationRecord
}

// NewRunTrace creates a RunTrace ready for recording.
func NewRunTrace(runID, engine string) *RunTrace {
	return &RunTrace{
		RunID:      runID,
		Engine:     engine,
		Iterations: make([]IterationRecord, 0),
	}
}

// Record appends an iteration record, stamping the run id and engine when
// the record leaves them empty.
func (rt *RunTrace) Record(record IterationRecord) {
	if record.RunID == "" {
		record.RunID = rt.RunID
	}
	if record.Engine == "" {
		record.Engine = rt.Engine
	}
	rt.Iterations = append(rt.Iterations, record)
}

// Last returns the most recent record, if any.
func (rt *RunTrace) Last() (IterationRecord, bool) {
	if rt == nil || len(rt.Iterations) == 0 {
		return IterationRecord{}, false
	}
	return rt.Iterations[len(rt.Iterations)-1], true
}
