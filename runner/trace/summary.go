package trace

import "time"

// RunSummary aggregates statistics from a RunTrace.
type RunSummary struct {
	TotalIterations int
	CompletedCount  int
	FailedCount     int
	InboundLines    int
	OutboundLines   int
	SkippedLines    int
	TotalDuration   time.Duration
	MeanDuration    time.Duration
	MaxDuration     time.Duration
	StatusCounts    map[Status]int
}

// Summarize computes aggregate statistics from a RunTrace.
// Safe for nil or empty traces (returns zero-value fields).
func Summarize(rt *RunTrace) *RunSummary {
	summary := &RunSummary{
		StatusCounts: make(map[Status]int),
	}
	if rt == nil {
		return summary
	}

	summary.TotalIterations = len(rt.Iterations)
	for _, it := range rt.Iterations {
		summary.StatusCounts[it.Status]++
		if it.Status == StatusCompleted {
			summary.CompletedCount++
		} else {
			summary.FailedCount++
		}
		summary.InboundLines += it.InboundLines
		summary.OutboundLines += it.OutboundLines
		summary.SkippedLines += it.SkippedLines

		d := it.Duration()
		summary.TotalDuration += d
		if d > summary.MaxDuration {
			summary.MaxDuration = d
		}
	}
	if summary.TotalIterations > 0 {
		summary.MeanDuration = summary.TotalDuration / time.Duration(summary.TotalIterations)
	}

	return summary
}
