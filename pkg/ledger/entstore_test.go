package ledger_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chroniclehq/chronicle/pkg/ledger"
	"github.com/chroniclehq/chronicle/pkg/models"
	"github.com/chroniclehq/chronicle/test/util"
)

func setupEntLedger(t *testing.T) ledger.Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping database test in short mode")
	}
	entClient, _ := util.SetupTestDatabase(t)
	return ledger.NewEntStore(entClient)
}

func entMsg(id, parent string, role models.Role, parts ...models.Part) models.CanonicalMessage {
	return models.CanonicalMessage{
		ID:              id,
		ParentMessageID: parent,
		Role:            role,
		Parts:           parts,
		CreatedAt:       time.Now().UTC().Truncate(time.Millisecond),
		Metadata:        map[string]any{"schemaVersion": models.SchemaVersion},
	}
}

func entCommit(t *testing.T, s ledger.Store, threadID, forkFrom string, msgs ...models.CanonicalMessage) *models.RunRecord {
	t.Helper()
	ctx := context.Background()
	run, err := s.BeginRun(ctx, ledger.BeginRunRequest{ThreadID: threadID, ForkFromMessageID: forkFrom})
	require.NoError(t, err)
	_, err = s.ActivateRun(ctx, run.RunID)
	require.NoError(t, err)
	res, err := s.FinalizeRun(ctx, ledger.FinalizeRequest{RunID: run.RunID, Status: models.RunStatusCommitted, Messages: msgs})
	require.NoError(t, err)
	require.True(t, res.Committed)
	got, err := s.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	return got
}

func TestEntLedgerRunLifecycle(t *testing.T) {
	s := setupEntLedger(t)
	ctx := context.Background()

	run, err := s.BeginRun(ctx, ledger.BeginRunRequest{ThreadID: "t1", ForkFromMessageID: "m0"})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCreated, run.Status)
	assert.Equal(t, "m0", run.ForkFromMessageID)
	assert.Equal(t, models.RunStreamID(run.RunID), run.StreamID)

	activated, err := s.ActivateRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusStreaming, activated.Status)

	_, err = s.ActivateRun(ctx, run.RunID)
	assert.ErrorIs(t, err, ledger.ErrInvalidState)

	_, err = s.ActivateRun(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	res, err := s.FinalizeRun(ctx, ledger.FinalizeRequest{RunID: run.RunID, Status: models.RunStatusCancelled})
	require.NoError(t, err)
	assert.True(t, res.Committed)

	got, err := s.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCancelled, got.Status)
	require.NotNil(t, got.FinishedAt)
}

func TestEntLedgerCommitRoundTrip(t *testing.T) {
	s := setupEntLedger(t)
	ctx := context.Background()

	run := entCommit(t, s, "t1", "",
		entMsg("m1", "", models.RoleUser, models.TextPart("question")),
		entMsg("m2", "m1", models.RoleAssistant,
			models.TextPart("answer"),
			models.ToolCallPart("tc1", "search", json.RawMessage(`{"q":"x"}`))))

	assert.Equal(t, 2, run.MessageCount)

	transcript, err := s.GetTranscript(ctx, ledger.TranscriptQuery{ThreadID: "t1", Branch: models.ActiveBranch()})
	require.NoError(t, err)
	require.Len(t, transcript, 2)

	// Full round trip: ordinals, parent links, parts in order, metadata.
	assert.Equal(t, 0, transcript[0].Ordinal)
	assert.Equal(t, 1, transcript[1].Ordinal)
	assert.Equal(t, "m1", transcript[1].ParentMessageID)
	assert.Equal(t, run.RunID, transcript[0].RunID)
	require.Len(t, transcript[1].Parts, 2)
	assert.Equal(t, models.PartTypeText, transcript[1].Parts[0].Type)
	assert.Equal(t, models.PartTypeToolCall, transcript[1].Parts[1].Type)
	assert.Equal(t, "tc1", transcript[1].Parts[1].ToolCallID)
	assert.JSONEq(t, `{"q":"x"}`, string(transcript[1].Parts[1].Input))
	assert.EqualValues(t, models.SchemaVersion, transcript[0].Metadata["schemaVersion"])
}

func TestEntLedgerFinalizeIdempotence(t *testing.T) {
	s := setupEntLedger(t)
	ctx := context.Background()

	run := entCommit(t, s, "t1", "", entMsg("m1", "", models.RoleAssistant, models.TextPart("once")))

	replay, err := s.FinalizeRun(ctx, ledger.FinalizeRequest{
		RunID:    run.RunID,
		Status:   models.RunStatusCommitted,
		Messages: []models.CanonicalMessage{entMsg("m1", "", models.RoleAssistant, models.TextPart("once"))},
	})
	require.NoError(t, err)
	assert.True(t, replay.Committed)

	mismatch, err := s.FinalizeRun(ctx, ledger.FinalizeRequest{RunID: run.RunID, Status: models.RunStatusFailed})
	require.NoError(t, err)
	assert.False(t, mismatch.Committed)

	transcript, err := s.GetTranscript(ctx, ledger.TranscriptQuery{ThreadID: "t1", Branch: models.Branch{Mode: models.BranchAll}})
	require.NoError(t, err)
	assert.Len(t, transcript, 1)
}

func TestEntLedgerSupersession(t *testing.T) {
	s := setupEntLedger(t)
	ctx := context.Background()

	entCommit(t, s, "t1", "", entMsg("m1", "", models.RoleUser, models.TextPart("q")))
	first := entCommit(t, s, "t1", "m1", entMsg("m2", "m1", models.RoleAssistant, models.TextPart("v1")))

	run, err := s.BeginRun(ctx, ledger.BeginRunRequest{ThreadID: "t1", ForkFromMessageID: "m1"})
	require.NoError(t, err)
	_, err = s.ActivateRun(ctx, run.RunID)
	require.NoError(t, err)
	res, err := s.FinalizeRun(ctx, ledger.FinalizeRequest{
		RunID:    run.RunID,
		Status:   models.RunStatusCommitted,
		Messages: []models.CanonicalMessage{entMsg("m3", "m1", models.RoleAssistant, models.TextPart("v2"))},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{first.RunID}, res.SupersededRunIDs)

	superseded, err := s.GetRun(ctx, first.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSuperseded, superseded.Status)

	tree, err := s.GetThreadTree(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, tree.ForkPoints, 1)
	assert.Equal(t, "m1", tree.ForkPoints[0].ForkMessageID)
	assert.Equal(t, []string{"m2", "m3"}, tree.ForkPoints[0].Children)
	assert.Equal(t, "m3", tree.ForkPoints[0].ActiveChildID)

	// Both branches stay readable via explicit selection.
	picked, err := s.GetTranscript(ctx, ledger.TranscriptQuery{ThreadID: "t1", Branch: models.Branch{
		Mode:       models.BranchSelections,
		Selections: map[string]string{"m1": "m2"},
	}})
	require.NoError(t, err)
	require.Len(t, picked, 2)
	assert.Equal(t, "m2", picked[1].ID)
}

func TestEntLedgerListRunsAndStale(t *testing.T) {
	s := setupEntLedger(t)
	ctx := context.Background()

	run, err := s.BeginRun(ctx, ledger.BeginRunRequest{ThreadID: "t1"})
	require.NoError(t, err)

	runs, err := s.ListRuns(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.RunID, runs[0].RunID)

	// Zero threshold: every active run qualifies immediately.
	time.Sleep(5 * time.Millisecond)
	stale, err := s.ListStaleRuns(ctx, ledger.StaleRunQuery{OlderThan: 1})
	require.NoError(t, err)
	require.Len(t, stale, 1)

	rec, err := s.RecoverRun(ctx, ledger.RecoverRequest{RunID: run.RunID, Action: ledger.RecoverActionFail})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, rec.NewStatus)

	stale, err = s.ListStaleRuns(ctx, ledger.StaleRunQuery{OlderThan: 1})
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestEntLedgerDeleteThread(t *testing.T) {
	s := setupEntLedger(t)
	ctx := context.Background()

	run := entCommit(t, s, "t1", "", entMsg("m1", "", models.RoleUser, models.TextPart("bye")))
	entCommit(t, s, "keep", "", entMsg("k1", "", models.RoleUser, models.TextPart("stay")))

	require.NoError(t, s.DeleteThread(ctx, "t1"))

	got, err := s.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Nil(t, got)

	transcript, err := s.GetTranscript(ctx, ledger.TranscriptQuery{ThreadID: "t1", Branch: models.Branch{Mode: models.BranchAll}})
	require.NoError(t, err)
	assert.Empty(t, transcript)

	kept, err := s.GetTranscript(ctx, ledger.TranscriptQuery{ThreadID: "keep", Branch: models.Branch{Mode: models.BranchAll}})
	require.NoError(t, err)
	assert.Len(t, kept, 1)
}
