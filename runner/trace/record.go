// Package trace records what happened during a multi-battle run.
// It stores pure data types plus the diagnostics sinks; it has no
// dependency on the runner package.
package trace

import "time"

// Status is the outcome of one supervisor iteration.
type Status string

const (
	// StatusCompleted means both relays finished and END was written.
	StatusCompleted Status = "completed"
	// StatusStartFailed means the session could not be created or started.
	StatusStartFailed Status = "start_failed"
	// StatusRelayFailed means a relay stopped with an error; no END was written.
	StatusRelayFailed Status = "relay_failed"
)

// IterationRecord captures one session lifecycle.
type IterationRecord struct {
	RunID      string
	Index      int // 0-based position in the run
	Engine     string
	StartedAt  time.Time
	FinishedAt time.Time

	InboundLines  int // outside -> session lines delivered
	OutboundLines int // session -> outside lines delivered
	SkippedLines  int // lines drained after a sink closed

	InboundSentinel  bool // inbound relay stopped on the sentinel byte
	OutboundSentinel bool // outbound relay stopped on the sentinel byte

	Status Status
	Error  string
}

// Duration returns the wall time the iteration took.
func (r IterationRecord) Duration() time.Duration {
	if r.FinishedAt.Before(r.StartedAt) {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
