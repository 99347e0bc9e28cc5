package models

import "time"

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunStatusCreated    RunStatus = "created"
	RunStatusStreaming  RunStatus = "streaming"
	RunStatusCommitted  RunStatus = "committed"
	RunStatusFailed     RunStatus = "failed"
	RunStatusCancelled  RunStatus = "cancelled"
	RunStatusSuperseded RunStatus = "superseded"
)

// IsActive reports whether the run may still append events and be finalized.
func (s RunStatus) IsActive() bool {
	return s == RunStatusCreated || s == RunStatusStreaming
}

// IsTerminal reports whether the run has reached a final state.
func (s RunStatus) IsTerminal() bool {
	return !s.IsActive()
}

// RunStreamID returns the event stream identifier owned by a run.
func RunStreamID(runID string) string {
	return "run:" + runID
}

// RunRecord is the ledger's view of a single generation attempt.
// FinishedAt is nil exactly while the run is active. MessageCount is zero
// until the run commits.
type RunRecord struct {
	RunID             string     `json:"runId"`
	ThreadID          string     `json:"threadId"`
	StreamID          string     `json:"streamId"`
	ForkFromMessageID string     `json:"forkFromMessageId,omitempty"`
	Status            RunStatus  `json:"status"`
	CreatedAt         time.Time  `json:"createdAt"`
	FinishedAt        *time.Time `json:"finishedAt,omitempty"`
	MessageCount      int        `json:"messageCount"`
}

// StaleRunInfo describes an active run whose age exceeds a staleness
// threshold, as returned by the ledger's stale-run listing.
type StaleRunInfo struct {
	RunID     string        `json:"runId"`
	ThreadID  string        `json:"threadId"`
	Status    RunStatus     `json:"status"`
	CreatedAt time.Time     `json:"createdAt"`
	Age       time.Duration `json:"ageMs"`
}
