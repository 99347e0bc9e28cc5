package ledger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chroniclehq/chronicle/pkg/models"
)

func msg(id, parent string, role models.Role, text string) models.CanonicalMessage {
	return models.CanonicalMessage{
		ID:              id,
		ParentMessageID: parent,
		Role:            role,
		Parts:           []models.Part{models.TextPart(text)},
		CreatedAt:       time.Now().UTC(),
	}
}

// commitRun drives a run through begin→activate→commit with the given
// messages and returns the run record.
func commitRun(t *testing.T, s Store, threadID, forkFrom string, msgs ...models.CanonicalMessage) *models.RunRecord {
	t.Helper()
	ctx := context.Background()
	run, err := s.BeginRun(ctx, BeginRunRequest{ThreadID: threadID, ForkFromMessageID: forkFrom})
	require.NoError(t, err)
	_, err = s.ActivateRun(ctx, run.RunID)
	require.NoError(t, err)
	res, err := s.FinalizeRun(ctx, FinalizeRequest{RunID: run.RunID, Status: models.RunStatusCommitted, Messages: msgs})
	require.NoError(t, err)
	require.True(t, res.Committed)
	got, err := s.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	return got
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	run, err := s.BeginRun(ctx, BeginRunRequest{ThreadID: "t1", ForkFromMessageID: "m0"})
	require.NoError(t, err)
	assert.NotEmpty(t, run.RunID)
	assert.Equal(t, "t1", run.ThreadID)
	assert.Equal(t, models.RunStreamID(run.RunID), run.StreamID)
	assert.Equal(t, "m0", run.ForkFromMessageID)
	assert.Equal(t, models.RunStatusCreated, run.Status)
	assert.Nil(t, run.FinishedAt)

	activated, err := s.ActivateRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusStreaming, activated.Status)

	// A second activate is a state error.
	_, err = s.ActivateRun(ctx, run.RunID)
	assert.ErrorIs(t, err, ErrInvalidState)

	res, err := s.FinalizeRun(ctx, FinalizeRequest{RunID: run.RunID, Status: models.RunStatusCommitted})
	require.NoError(t, err)
	assert.True(t, res.Committed)

	final, err := s.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCommitted, final.Status)
	require.NotNil(t, final.FinishedAt)
}

func TestBeginRunRequiresThread(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.BeginRun(context.Background(), BeginRunRequest{})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestActivateUnknownRun(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.ActivateRun(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFinalizeRunIdempotence(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	run, err := s.BeginRun(ctx, BeginRunRequest{ThreadID: "t1"})
	require.NoError(t, err)
	_, err = s.ActivateRun(ctx, run.RunID)
	require.NoError(t, err)

	messages := []models.CanonicalMessage{msg("m1", "", models.RoleAssistant, "hi")}
	first, err := s.FinalizeRun(ctx, FinalizeRequest{RunID: run.RunID, Status: models.RunStatusCommitted, Messages: messages})
	require.NoError(t, err)
	assert.True(t, first.Committed)

	// Replay with the same status: acknowledged, no duplicate messages.
	replay, err := s.FinalizeRun(ctx, FinalizeRequest{RunID: run.RunID, Status: models.RunStatusCommitted, Messages: messages})
	require.NoError(t, err)
	assert.True(t, replay.Committed)

	transcript, err := s.GetTranscript(ctx, TranscriptQuery{ThreadID: "t1", Branch: models.Branch{Mode: models.BranchAll}})
	require.NoError(t, err)
	assert.Len(t, transcript, 1)

	// A different terminal status is reported, not applied.
	mismatch, err := s.FinalizeRun(ctx, FinalizeRequest{RunID: run.RunID, Status: models.RunStatusFailed})
	require.NoError(t, err)
	assert.False(t, mismatch.Committed)

	got, err := s.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCommitted, got.Status)
}

func TestFinalizeRunValidation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.FinalizeRun(ctx, FinalizeRequest{RunID: "x", Status: models.RunStatusStreaming})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = s.FinalizeRun(ctx, FinalizeRequest{RunID: "x", Status: models.RunStatusFailed})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFinalizeAssignsOrdinals(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	commitRun(t, s, "t1", "",
		msg("m1", "", models.RoleUser, "q"),
		msg("m2", "m1", models.RoleAssistant, "a"))
	commitRun(t, s, "t1", "m2",
		msg("m3", "m2", models.RoleAssistant, "followup"))

	transcript, err := s.GetTranscript(ctx, TranscriptQuery{ThreadID: "t1", Branch: models.Branch{Mode: models.BranchAll}})
	require.NoError(t, err)
	require.Len(t, transcript, 3)
	for i, m := range transcript {
		assert.Equal(t, i, m.Ordinal)
	}
	assert.NotEmpty(t, transcript[0].RunID)
}

func TestCommitSupersedesSiblingForks(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	commitRun(t, s, "t1", "", msg("m1", "", models.RoleUser, "q"))
	first := commitRun(t, s, "t1", "m1", msg("m2", "m1", models.RoleAssistant, "answer v1"))

	// Retry from the same fork point: the earlier committed sibling is
	// superseded, its messages retained.
	run, err := s.BeginRun(ctx, BeginRunRequest{ThreadID: "t1", ForkFromMessageID: "m1"})
	require.NoError(t, err)
	_, err = s.ActivateRun(ctx, run.RunID)
	require.NoError(t, err)
	res, err := s.FinalizeRun(ctx, FinalizeRequest{
		RunID:    run.RunID,
		Status:   models.RunStatusCommitted,
		Messages: []models.CanonicalMessage{msg("m3", "m1", models.RoleAssistant, "answer v2")},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{first.RunID}, res.SupersededRunIDs)

	superseded, err := s.GetRun(ctx, first.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSuperseded, superseded.Status)

	all, err := s.GetTranscript(ctx, TranscriptQuery{ThreadID: "t1", Branch: models.Branch{Mode: models.BranchAll}})
	require.NoError(t, err)
	assert.Len(t, all, 3) // superseded branch messages retained

	// The active branch follows the new committed child.
	active, err := s.GetTranscript(ctx, TranscriptQuery{ThreadID: "t1", Branch: models.ActiveBranch()})
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "m3", active[1].ID)
}

func TestSupersessionScopedToForkPoint(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	commitRun(t, s, "t1", "",
		msg("m1", "", models.RoleUser, "q1"),
		msg("m2", "m1", models.RoleAssistant, "a1"))
	other := commitRun(t, s, "t1", "m1", msg("m3", "m1", models.RoleAssistant, "alt"))

	// Committing at a different fork point touches nothing.
	commitRun(t, s, "t1", "m2", msg("m4", "m2", models.RoleAssistant, "next"))

	got, err := s.GetRun(ctx, other.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCommitted, got.Status)
}

func TestTranscriptSelections(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	commitRun(t, s, "t1", "", msg("m1", "", models.RoleUser, "q"))
	commitRun(t, s, "t1", "m1", msg("m2", "m1", models.RoleAssistant, "v1"))
	commitRun(t, s, "t1", "m1", msg("m3", "m1", models.RoleAssistant, "v2"))

	// Explicit pick of the superseded child.
	picked, err := s.GetTranscript(ctx, TranscriptQuery{ThreadID: "t1", Branch: models.Branch{
		Mode:       models.BranchSelections,
		Selections: map[string]string{"m1": "m2"},
	}})
	require.NoError(t, err)
	require.Len(t, picked, 2)
	assert.Equal(t, "m2", picked[1].ID)

	// Invalid pick falls back to the active rule.
	fallback, err := s.GetTranscript(ctx, TranscriptQuery{ThreadID: "t1", Branch: models.Branch{
		Mode:       models.BranchSelections,
		Selections: map[string]string{"m1": "does-not-exist"},
	}})
	require.NoError(t, err)
	require.Len(t, fallback, 2)
	assert.Equal(t, "m3", fallback[1].ID)
}

func TestTranscriptOrphanParentActsAsRoot(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	// ForkFromMessageID referencing a message outside the thread still yields
	// a walkable lineage.
	commitRun(t, s, "t1", "ghost", msg("m1", "ghost", models.RoleAssistant, "orphan root"))

	active, err := s.GetTranscript(ctx, TranscriptQuery{ThreadID: "t1", Branch: models.ActiveBranch()})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "m1", active[0].ID)
}

func TestTranscriptEmptyThread(t *testing.T) {
	s := NewMemoryStore()
	transcript, err := s.GetTranscript(context.Background(), TranscriptQuery{ThreadID: "none", Branch: models.ActiveBranch()})
	require.NoError(t, err)
	assert.Empty(t, transcript)
	assert.NotNil(t, transcript)
}

func TestGetThreadTree(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	commitRun(t, s, "t1", "", msg("m1", "", models.RoleUser, "q"))
	commitRun(t, s, "t1", "m1", msg("m2", "m1", models.RoleAssistant, "v1"))
	commitRun(t, s, "t1", "m1", msg("m3", "m1", models.RoleAssistant, "v2"))

	tree, err := s.GetThreadTree(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, tree.Nodes, 3)
	require.Len(t, tree.ForkPoints, 1)

	fp := tree.ForkPoints[0]
	assert.Equal(t, "m1", fp.ForkMessageID)
	assert.Equal(t, []string{"m2", "m3"}, fp.Children)
	assert.Equal(t, "m3", fp.ActiveChildID)

	// Node statuses reflect the producing runs: m2's run was superseded.
	statuses := map[string]models.RunStatus{}
	for _, n := range tree.Nodes {
		statuses[n.MessageID] = n.RunStatus
	}
	assert.Equal(t, models.RunStatusSuperseded, statuses["m2"])
	assert.Equal(t, models.RunStatusCommitted, statuses["m3"])
}

func TestListRuns(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	var ids []string
	for i := 0; i < 3; i++ {
		run, err := s.BeginRun(ctx, BeginRunRequest{ThreadID: "t1"})
		require.NoError(t, err)
		ids = append(ids, run.RunID)
	}
	_, err := s.BeginRun(ctx, BeginRunRequest{ThreadID: "other"})
	require.NoError(t, err)

	runs, err := s.ListRuns(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, runs, 3)
	for i, run := range runs {
		assert.Equal(t, ids[i], run.RunID, fmt.Sprintf("position %d", i))
	}
}

func TestListStaleRuns(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	s.now = func() time.Time { return now.Add(-10 * time.Minute) }
	old, err := s.BeginRun(ctx, BeginRunRequest{ThreadID: "t1"})
	require.NoError(t, err)

	s.now = func() time.Time { return now }
	fresh, err := s.BeginRun(ctx, BeginRunRequest{ThreadID: "t1"})
	require.NoError(t, err)
	_ = fresh

	stale, err := s.ListStaleRuns(ctx, StaleRunQuery{OlderThan: (5 * time.Minute).Milliseconds()})
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, old.RunID, stale[0].RunID)
	assert.Equal(t, 10*time.Minute, stale[0].Age)

	// Terminal runs are never stale.
	_, err = s.FinalizeRun(ctx, FinalizeRequest{RunID: old.RunID, Status: models.RunStatusFailed})
	require.NoError(t, err)
	stale, err = s.ListStaleRuns(ctx, StaleRunQuery{OlderThan: (5 * time.Minute).Milliseconds()})
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestListStaleRunsThreadFilter(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now.Add(-time.Hour) }

	_, err := s.BeginRun(ctx, BeginRunRequest{ThreadID: "t1"})
	require.NoError(t, err)
	_, err = s.BeginRun(ctx, BeginRunRequest{ThreadID: "t2"})
	require.NoError(t, err)

	s.now = func() time.Time { return now }
	stale, err := s.ListStaleRuns(ctx, StaleRunQuery{ThreadID: "t1", OlderThan: time.Minute.Milliseconds()})
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "t1", stale[0].ThreadID)
}

func TestRecoverRun(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	run, err := s.BeginRun(ctx, BeginRunRequest{ThreadID: "t1"})
	require.NoError(t, err)
	_, err = s.ActivateRun(ctx, run.RunID)
	require.NoError(t, err)

	res, err := s.RecoverRun(ctx, RecoverRequest{RunID: run.RunID, Action: RecoverActionCancel})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCancelled, res.NewStatus)

	// Recovery of a terminal run is rejected.
	_, err = s.RecoverRun(ctx, RecoverRequest{RunID: run.RunID, Action: RecoverActionFail})
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = s.RecoverRun(ctx, RecoverRequest{RunID: "missing", Action: RecoverActionFail})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.RecoverRun(ctx, RecoverRequest{RunID: run.RunID, Action: "explode"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestDeleteThread(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	run := commitRun(t, s, "t1", "", msg("m1", "", models.RoleUser, "q"))
	commitRun(t, s, "keep", "", msg("k1", "", models.RoleUser, "other"))

	require.NoError(t, s.DeleteThread(ctx, "t1"))

	got, err := s.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Nil(t, got)

	transcript, err := s.GetTranscript(ctx, TranscriptQuery{ThreadID: "t1", Branch: models.Branch{Mode: models.BranchAll}})
	require.NoError(t, err)
	assert.Empty(t, transcript)

	kept, err := s.GetTranscript(ctx, TranscriptQuery{ThreadID: "keep", Branch: models.Branch{Mode: models.BranchAll}})
	require.NoError(t, err)
	assert.Len(t, kept, 1)
}

func TestGetRunUnknownReturnsNil(t *testing.T) {
	s := NewMemoryStore()
	run, err := s.GetRun(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, run)
}
