package runs

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chroniclehq/chronicle/pkg/accumulator"
	"github.com/chroniclehq/chronicle/pkg/eventstore"
	"github.com/chroniclehq/chronicle/pkg/ledger"
	"github.com/chroniclehq/chronicle/pkg/models"
)

type recordingBroadcaster struct {
	mu      sync.Mutex
	batches map[string][]eventstore.StoredEvent[models.AgentEvent]
}

func newRecordingBroadcaster() *recordingBroadcaster {
	return &recordingBroadcaster{batches: make(map[string][]eventstore.StoredEvent[models.AgentEvent])}
}

func (b *recordingBroadcaster) Broadcast(streamID string, stored []eventstore.StoredEvent[models.AgentEvent]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batches[streamID] = append(b.batches[streamID], stored...)
}

func newTestManager(opts ...Option) (*Manager, eventstore.Store[models.AgentEvent], ledger.Store) {
	events := eventstore.NewMemoryStore[models.AgentEvent]()
	led := ledger.NewMemoryStore()
	opts = append(opts, WithIDGenerator(accumulator.NewCounterGenerator("")))
	return NewManager(events, led, opts...), events, led
}

func TestBeginRunActivates(t *testing.T) {
	ctx := context.Background()
	mgr, _, _ := newTestManager()

	run, err := mgr.BeginRun(ctx, ledger.BeginRunRequest{ThreadID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusStreaming, run.Status)
	assert.Equal(t, models.RunStreamID(run.RunID), run.StreamID)
}

func TestAppendEventsStoresAndBroadcasts(t *testing.T) {
	ctx := context.Background()
	fanout := newRecordingBroadcaster()
	mgr, events, _ := newTestManager(WithBroadcaster(fanout))

	run, err := mgr.BeginRun(ctx, ledger.BeginRunRequest{ThreadID: "t1"})
	require.NoError(t, err)

	stored, err := mgr.AppendEvents(ctx, run.RunID, []models.AgentEvent{
		models.NewTextDelta("a"),
		models.NewTextDelta("b"),
	})
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, uint64(1), stored[0].Seq)

	// Durably stored and fanned out.
	replayed, err := events.Replay(ctx, run.StreamID, eventstore.ReplayOptions{})
	require.NoError(t, err)
	assert.Len(t, replayed, 2)
	assert.Len(t, fanout.batches[run.StreamID], 2)
}

func TestAppendEventsRejectsInactiveRun(t *testing.T) {
	ctx := context.Background()
	mgr, _, _ := newTestManager()

	run, err := mgr.BeginRun(ctx, ledger.BeginRunRequest{ThreadID: "t1"})
	require.NoError(t, err)
	_, err = mgr.FinalizeRun(ctx, run.RunID, models.RunStatusCancelled)
	require.NoError(t, err)

	_, err = mgr.AppendEvents(ctx, run.RunID, []models.AgentEvent{models.NewTextDelta("late")})
	assert.ErrorIs(t, err, ledger.ErrInvalidState)

	_, err = mgr.AppendEvents(ctx, "missing", []models.AgentEvent{models.NewTextDelta("x")})
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestFinalizeCommitProducesTranscript(t *testing.T) {
	ctx := context.Background()
	mgr, _, led := newTestManager()

	run, err := mgr.BeginRun(ctx, ledger.BeginRunRequest{ThreadID: "t1"})
	require.NoError(t, err)
	_, err = mgr.AppendEvents(ctx, run.RunID, []models.AgentEvent{
		models.NewTextDelta("Hello"),
		models.NewTextDelta(" world"),
	})
	require.NoError(t, err)

	result, err := mgr.FinalizeRun(ctx, run.RunID, models.RunStatusCommitted)
	require.NoError(t, err)
	assert.True(t, result.Committed)

	transcript, err := led.GetTranscript(ctx, ledger.TranscriptQuery{ThreadID: "t1", Branch: models.ActiveBranch()})
	require.NoError(t, err)
	require.Len(t, transcript, 1)
	assert.Equal(t, models.RoleAssistant, transcript[0].Role)
	assert.Equal(t, "Hello world", transcript[0].Parts[0].Text)
	assert.Equal(t, run.RunID, transcript[0].RunID)
}

func TestFinalizeCommitChainsFromForkPoint(t *testing.T) {
	ctx := context.Background()
	mgr, _, led := newTestManager()

	first, err := mgr.BeginRun(ctx, ledger.BeginRunRequest{ThreadID: "t1"})
	require.NoError(t, err)
	_, err = mgr.AppendEvents(ctx, first.RunID, []models.AgentEvent{models.NewTextDelta("root")})
	require.NoError(t, err)
	_, err = mgr.FinalizeRun(ctx, first.RunID, models.RunStatusCommitted)
	require.NoError(t, err)

	transcript, err := led.GetTranscript(ctx, ledger.TranscriptQuery{ThreadID: "t1", Branch: models.ActiveBranch()})
	require.NoError(t, err)
	require.Len(t, transcript, 1)
	rootID := transcript[0].ID

	second, err := mgr.BeginRun(ctx, ledger.BeginRunRequest{ThreadID: "t1", ForkFromMessageID: rootID})
	require.NoError(t, err)
	_, err = mgr.AppendEvents(ctx, second.RunID, []models.AgentEvent{models.NewTextDelta("child")})
	require.NoError(t, err)
	_, err = mgr.FinalizeRun(ctx, second.RunID, models.RunStatusCommitted)
	require.NoError(t, err)

	transcript, err = led.GetTranscript(ctx, ledger.TranscriptQuery{ThreadID: "t1", Branch: models.ActiveBranch()})
	require.NoError(t, err)
	require.Len(t, transcript, 2)
	assert.Equal(t, rootID, transcript[1].ParentMessageID)
}

func TestFinalizeErroredStreamFailsRun(t *testing.T) {
	ctx := context.Background()
	mgr, _, led := newTestManager()

	run, err := mgr.BeginRun(ctx, ledger.BeginRunRequest{ThreadID: "t1"})
	require.NoError(t, err)
	_, err = mgr.AppendEvents(ctx, run.RunID, []models.AgentEvent{
		models.NewTextDelta("partial"),
		models.NewError("provider died"),
	})
	require.NoError(t, err)

	_, err = mgr.FinalizeRun(ctx, run.RunID, models.RunStatusCommitted)
	require.ErrorIs(t, err, accumulator.ErrRunFailed)

	got, err := led.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, got.Status)

	// Nothing committed.
	transcript, err := led.GetTranscript(ctx, ledger.TranscriptQuery{ThreadID: "t1", Branch: models.Branch{Mode: models.BranchAll}})
	require.NoError(t, err)
	assert.Empty(t, transcript)
}

func TestFinalizeNonCommitSkipsAccumulation(t *testing.T) {
	ctx := context.Background()
	mgr, events, led := newTestManager()

	run, err := mgr.BeginRun(ctx, ledger.BeginRunRequest{ThreadID: "t1"})
	require.NoError(t, err)
	_, err = mgr.AppendEvents(ctx, run.RunID, []models.AgentEvent{models.NewTextDelta("ignored")})
	require.NoError(t, err)

	result, err := mgr.FinalizeRun(ctx, run.RunID, models.RunStatusFailed)
	require.NoError(t, err)
	assert.True(t, result.Committed)

	got, err := led.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, got.Status)

	// The stream stays for postmortems.
	replayed, err := events.Replay(ctx, run.StreamID, eventstore.ReplayOptions{})
	require.NoError(t, err)
	assert.Len(t, replayed, 1)
}

func TestFinalizeDeleteStreamOnCommit(t *testing.T) {
	ctx := context.Background()
	mgr, events, _ := newTestManager(WithDeleteStreamOnCommit())

	run, err := mgr.BeginRun(ctx, ledger.BeginRunRequest{ThreadID: "t1"})
	require.NoError(t, err)
	_, err = mgr.AppendEvents(ctx, run.RunID, []models.AgentEvent{models.NewTextDelta("x")})
	require.NoError(t, err)

	_, err = mgr.FinalizeRun(ctx, run.RunID, models.RunStatusCommitted)
	require.NoError(t, err)

	head, err := events.Head(ctx, run.StreamID)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), head)
}

func TestFinalizeCommitIdempotentReplay(t *testing.T) {
	ctx := context.Background()
	mgr, _, led := newTestManager()

	run, err := mgr.BeginRun(ctx, ledger.BeginRunRequest{ThreadID: "t1"})
	require.NoError(t, err)
	_, err = mgr.AppendEvents(ctx, run.RunID, []models.AgentEvent{models.NewTextDelta("once")})
	require.NoError(t, err)

	first, err := mgr.FinalizeRun(ctx, run.RunID, models.RunStatusCommitted)
	require.NoError(t, err)
	assert.True(t, first.Committed)

	second, err := mgr.FinalizeRun(ctx, run.RunID, models.RunStatusCommitted)
	require.NoError(t, err)
	assert.True(t, second.Committed)

	transcript, err := led.GetTranscript(ctx, ledger.TranscriptQuery{ThreadID: "t1", Branch: models.Branch{Mode: models.BranchAll}})
	require.NoError(t, err)
	assert.Len(t, transcript, 1)
}
