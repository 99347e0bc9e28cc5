// Package ledger persists run lifecycle and committed transcripts. A run
// moves created → streaming → committed/failed/cancelled; committing a fork
// supersedes sibling committed runs sharing the same fork point while
// retaining their messages, so every branch of the conversation stays
// reconstructable.
package ledger

import (
	"context"
	"errors"

	"github.com/chroniclehq/chronicle/pkg/models"
)

// Store failure sentinels. Implementations wrap them so callers can branch
// with errors.Is.
var (
	// ErrNotFound means the referenced run does not exist.
	ErrNotFound = errors.New("run not found")
	// ErrInvalidState means the run's current status forbids the requested
	// transition.
	ErrInvalidState = errors.New("invalid run state")
	// ErrInvalidInput means the request itself is malformed.
	ErrInvalidInput = errors.New("invalid input")
	// ErrLedger marks storage-level failures.
	ErrLedger = errors.New("ledger storage error")
)

// BeginRunRequest opens a new run in a thread.
type BeginRunRequest struct {
	ThreadID string
	// ForkFromMessageID anchors the run's first message; empty starts a new
	// root lineage.
	ForkFromMessageID string
}

// FinalizeRequest moves a run to a terminal status. Messages is consulted
// only when Status is committed.
type FinalizeRequest struct {
	RunID    string
	Status   models.RunStatus
	Messages []models.CanonicalMessage
}

// FinalizeResult reports the outcome of a finalize call. Committed is true
// when the run is in the requested status after the call, including the
// idempotent replay of an identical earlier finalize.
type FinalizeResult struct {
	Committed        bool     `json:"committed"`
	SupersededRunIDs []string `json:"supersededRunIds"`
}

// RecoverAction is what reconciliation does to an abandoned run.
type RecoverAction string

const (
	RecoverActionFail   RecoverAction = "fail"
	RecoverActionCancel RecoverAction = "cancel"
)

// RecoverRequest forces an active run into a terminal status.
type RecoverRequest struct {
	RunID  string
	Action RecoverAction
}

// RecoverResult reports the forced transition.
type RecoverResult struct {
	RunID     string           `json:"runId"`
	NewStatus models.RunStatus `json:"newStatus"`
}

// StaleRunQuery filters the stale-run listing.
type StaleRunQuery struct {
	// ThreadID restricts the listing to one thread; empty scans all.
	ThreadID string
	// OlderThan is the minimum age of a run to be reported.
	OlderThan int64 // milliseconds
}

// TranscriptQuery selects a thread's transcript along one branch.
type TranscriptQuery struct {
	ThreadID string
	Branch   models.Branch
}

// Store is the run/transcript ledger. All mutating operations on a single
// run serialize; FinalizeRun and DeleteThread are atomic.
type Store interface {
	BeginRun(ctx context.Context, req BeginRunRequest) (*models.RunRecord, error)
	ActivateRun(ctx context.Context, runID string) (*models.RunRecord, error)
	FinalizeRun(ctx context.Context, req FinalizeRequest) (*FinalizeResult, error)
	GetRun(ctx context.Context, runID string) (*models.RunRecord, error)
	ListRuns(ctx context.Context, threadID string) ([]*models.RunRecord, error)
	GetTranscript(ctx context.Context, q TranscriptQuery) ([]models.CanonicalMessage, error)
	GetThreadTree(ctx context.Context, threadID string) (*models.ThreadTree, error)
	ListStaleRuns(ctx context.Context, q StaleRunQuery) ([]models.StaleRunInfo, error)
	RecoverRun(ctx context.Context, req RecoverRequest) (*RecoverResult, error)
	DeleteThread(ctx context.Context, threadID string) error
}

// validFinalStatus reports whether s is a status finalize accepts.
func validFinalStatus(s models.RunStatus) bool {
	switch s {
	case models.RunStatusCommitted, models.RunStatusFailed, models.RunStatusCancelled:
		return true
	}
	return false
}

// recoverStatus maps a recover action onto the terminal status it forces.
func recoverStatus(a RecoverAction) (models.RunStatus, bool) {
	switch a {
	case RecoverActionFail:
		return models.RunStatusFailed, true
	case RecoverActionCancel:
		return models.RunStatusCancelled, true
	}
	return "", false
}
