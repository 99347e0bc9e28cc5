package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chroniclehq/chronicle/pkg/models"
)

// MemoryStore is the in-process Store used by unit tests and embedded
// deployments. A single mutex serializes all operations, which trivially
// satisfies the per-run serialization and atomicity contracts.
type MemoryStore struct {
	mu       sync.Mutex
	runs     map[string]*models.RunRecord
	messages map[string][]models.CanonicalMessage // threadID → ordinal order
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:     make(map[string]*models.RunRecord),
		messages: make(map[string][]models.CanonicalMessage),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// BeginRun implements Store.
func (s *MemoryStore) BeginRun(_ context.Context, req BeginRunRequest) (*models.RunRecord, error) {
	if req.ThreadID == "" {
		return nil, fmt.Errorf("%w: threadId required", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	runID := uuid.New().String()
	run := &models.RunRecord{
		RunID:             runID,
		ThreadID:          req.ThreadID,
		StreamID:          models.RunStreamID(runID),
		ForkFromMessageID: req.ForkFromMessageID,
		Status:            models.RunStatusCreated,
		CreatedAt:         s.now(),
	}
	s.runs[runID] = run
	return copyRun(run), nil
}

// ActivateRun implements Store.
func (s *MemoryStore) ActivateRun(_ context.Context, runID string) (*models.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if run.Status != models.RunStatusCreated {
		return nil, fmt.Errorf("%w: run %s is %s, want created", ErrInvalidState, runID, run.Status)
	}
	run.Status = models.RunStatusStreaming
	return copyRun(run), nil
}

// FinalizeRun implements Store. The idempotence rules run in order: unknown
// run, same-status replay, terminal mismatch, then the actual transition.
func (s *MemoryStore) FinalizeRun(_ context.Context, req FinalizeRequest) (*FinalizeResult, error) {
	if !validFinalStatus(req.Status) {
		return nil, fmt.Errorf("%w: status %q is not a finalize target", ErrInvalidInput, req.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[req.RunID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, req.RunID)
	}
	if run.Status == req.Status {
		return &FinalizeResult{Committed: true, SupersededRunIDs: []string{}}, nil
	}
	if run.Status.IsTerminal() {
		return &FinalizeResult{Committed: false, SupersededRunIDs: []string{}}, nil
	}

	now := s.now()
	result := &FinalizeResult{Committed: true, SupersededRunIDs: []string{}}

	if req.Status == models.RunStatusCommitted {
		// Committing a fork supersedes sibling committed runs at the same
		// fork point. Their messages stay: branches are preserved.
		if run.ForkFromMessageID != "" {
			for _, other := range s.runs {
				if other.RunID == run.RunID ||
					other.ThreadID != run.ThreadID ||
					other.Status != models.RunStatusCommitted ||
					other.ForkFromMessageID != run.ForkFromMessageID {
					continue
				}
				other.Status = models.RunStatusSuperseded
				t := now
				other.FinishedAt = &t
				result.SupersededRunIDs = append(result.SupersededRunIDs, other.RunID)
			}
			sort.Strings(result.SupersededRunIDs)
		}

		next := 0
		if existing := s.messages[run.ThreadID]; len(existing) > 0 {
			next = existing[len(existing)-1].Ordinal + 1
		}
		for _, msg := range req.Messages {
			msg.RunID = run.RunID
			msg.Ordinal = next
			next++
			s.messages[run.ThreadID] = append(s.messages[run.ThreadID], msg)
		}
		run.MessageCount = len(req.Messages)
	}

	run.Status = req.Status
	run.FinishedAt = &now
	return result, nil
}

// GetRun implements Store. Returns nil without error for unknown runs.
func (s *MemoryStore) GetRun(_ context.Context, runID string) (*models.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, nil
	}
	return copyRun(run), nil
}

// ListRuns implements Store, ordered by creation time ascending.
func (s *MemoryStore) ListRuns(_ context.Context, threadID string) ([]*models.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []*models.RunRecord{}
	for _, run := range s.runs {
		if run.ThreadID == threadID {
			out = append(out, copyRun(run))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].RunID < out[j].RunID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// GetTranscript implements Store.
func (s *MemoryStore) GetTranscript(_ context.Context, q TranscriptQuery) ([]models.CanonicalMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view(q.ThreadID).resolve(q.Branch), nil
}

// GetThreadTree implements Store.
func (s *MemoryStore) GetThreadTree(_ context.Context, threadID string) (*models.ThreadTree, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view(threadID).tree(), nil
}

// ListStaleRuns implements Store.
func (s *MemoryStore) ListStaleRuns(_ context.Context, q StaleRunQuery) ([]models.StaleRunInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-time.Duration(q.OlderThan) * time.Millisecond)
	out := []models.StaleRunInfo{}
	for _, run := range s.runs {
		if !run.Status.IsActive() {
			continue
		}
		if q.ThreadID != "" && run.ThreadID != q.ThreadID {
			continue
		}
		if !run.CreatedAt.Before(cutoff) {
			continue
		}
		out = append(out, models.StaleRunInfo{
			RunID:     run.RunID,
			ThreadID:  run.ThreadID,
			Status:    run.Status,
			CreatedAt: run.CreatedAt,
			Age:       s.now().Sub(run.CreatedAt),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// RecoverRun implements Store.
func (s *MemoryStore) RecoverRun(_ context.Context, req RecoverRequest) (*RecoverResult, error) {
	status, ok := recoverStatus(req.Action)
	if !ok {
		return nil, fmt.Errorf("%w: unknown recover action %q", ErrInvalidInput, req.Action)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	run, found := s.runs[req.RunID]
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, req.RunID)
	}
	if !run.Status.IsActive() {
		return nil, fmt.Errorf("%w: run %s is %s, recovery requires an active run", ErrInvalidState, req.RunID, run.Status)
	}

	now := s.now()
	run.Status = status
	run.FinishedAt = &now
	return &RecoverResult{RunID: req.RunID, NewStatus: status}, nil
}

// DeleteThread implements Store.
func (s *MemoryStore) DeleteThread(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, run := range s.runs {
		if run.ThreadID == threadID {
			delete(s.runs, id)
		}
	}
	delete(s.messages, threadID)
	return nil
}

// view builds the fork structure for a thread under the store lock.
func (s *MemoryStore) view(threadID string) *threadView {
	msgs := s.messages[threadID]
	rows := make([]treeRow, 0, len(msgs))
	for _, msg := range msgs {
		row := treeRow{msg: msg}
		if run, ok := s.runs[msg.RunID]; ok {
			row.runStatus = run.Status
		}
		rows = append(rows, row)
	}
	return newThreadView(rows)
}

func copyRun(run *models.RunRecord) *models.RunRecord {
	cp := *run
	if run.FinishedAt != nil {
		t := *run.FinishedAt
		cp.FinishedAt = &t
	}
	return &cp
}
