package promptctx

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chroniclehq/chronicle/pkg/ledger"
	"github.com/chroniclehq/chronicle/pkg/models"
)

func boolPtr(b bool) *bool { return &b }

func sampleTranscript() []models.CanonicalMessage {
	return []models.CanonicalMessage{
		{ID: "m1", Role: models.RoleUser, Parts: []models.Part{
			models.TextPart("what's the weather?"),
		}},
		{ID: "m2", ParentMessageID: "m1", Role: models.RoleAssistant, Parts: []models.Part{
			models.ReasoningPart("need a lookup"),
			models.ToolCallPart("tc1", "weather", json.RawMessage(`{}`)),
		}},
		{ID: "m3", ParentMessageID: "m2", Role: models.RoleTool, Parts: []models.Part{
			models.ToolResultPart("tc1", "weather", json.RawMessage(`{"temp":21}`), false),
		}},
		{ID: "m4", ParentMessageID: "m3", Role: models.RoleAssistant, Parts: []models.Part{
			models.TextPart("21 degrees"),
		}},
	}
}

func TestFilterKeepsEverythingByDefault(t *testing.T) {
	out := Filter(sampleTranscript(), Options{})
	require.Len(t, out, 4)
	assert.Len(t, out[1].Parts, 2)
}

func TestFilterDropsReasoning(t *testing.T) {
	out := Filter(sampleTranscript(), Options{IncludeReasoning: boolPtr(false)})
	require.Len(t, out, 4)
	require.Len(t, out[1].Parts, 1)
	assert.Equal(t, models.PartTypeToolCall, out[1].Parts[0].Type)
}

func TestFilterDropsEmptiedMessages(t *testing.T) {
	// Excluding tool results empties the tool message entirely.
	out := Filter(sampleTranscript(), Options{IncludeToolResults: boolPtr(false)})
	require.Len(t, out, 3)
	for _, msg := range out {
		assert.NotEqual(t, "m3", msg.ID)
	}
}

func TestFilterWindowsAfterFiltering(t *testing.T) {
	out := Filter(sampleTranscript(), Options{
		IncludeToolResults: boolPtr(false),
		MaxMessages:        2,
	})
	require.Len(t, out, 2)
	assert.Equal(t, "m2", out[0].ID)
	assert.Equal(t, "m4", out[1].ID)
}

func TestFilterDoesNotMutateInput(t *testing.T) {
	transcript := sampleTranscript()
	_ = Filter(transcript, Options{IncludeReasoning: boolPtr(false)})
	assert.Len(t, transcript[1].Parts, 2)
}

func TestBuild(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()

	run, err := store.BeginRun(ctx, ledger.BeginRunRequest{ThreadID: "t1"})
	require.NoError(t, err)
	_, err = store.ActivateRun(ctx, run.RunID)
	require.NoError(t, err)
	_, err = store.FinalizeRun(ctx, ledger.FinalizeRequest{
		RunID:    run.RunID,
		Status:   models.RunStatusCommitted,
		Messages: sampleTranscript(),
	})
	require.NoError(t, err)

	built, err := Build(ctx, store, "t1", Options{MaxMessages: 3})
	require.NoError(t, err)
	require.Len(t, built.Messages, 3)
	assert.Equal(t, "t1", built.Provenance.ThreadID)
	assert.Equal(t, 3, built.Provenance.MessageCount)
	assert.Equal(t, "m2", built.Provenance.FirstMessageID)
	assert.Equal(t, "m4", built.Provenance.LastMessageID)
}

func TestBuildEmptyThread(t *testing.T) {
	built, err := Build(context.Background(), ledger.NewMemoryStore(), "none", Options{})
	require.NoError(t, err)
	assert.Empty(t, built.Messages)
	assert.Equal(t, 0, built.Provenance.MessageCount)
	assert.Empty(t, built.Provenance.FirstMessageID)
}

func TestFilterLargeWindow(t *testing.T) {
	var transcript []models.CanonicalMessage
	for i := 0; i < 10; i++ {
		transcript = append(transcript, models.CanonicalMessage{
			ID:    fmt.Sprintf("m%d", i),
			Role:  models.RoleAssistant,
			Parts: []models.Part{models.TextPart("x")},
		})
	}
	out := Filter(transcript, Options{MaxMessages: 100})
	assert.Len(t, out, 10)
}
