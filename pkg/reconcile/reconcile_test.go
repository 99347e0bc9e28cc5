package reconcile

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chroniclehq/chronicle/pkg/ledger"
	"github.com/chroniclehq/chronicle/pkg/models"
)

// staleLedger wraps the in-memory ledger so tests can seed runs that already
// look abandoned without waiting out a real threshold.
func seedStaleRun(t *testing.T, store ledger.Store, threadID string) *models.RunRecord {
	t.Helper()
	run, err := store.BeginRun(context.Background(), ledger.BeginRunRequest{ThreadID: threadID})
	require.NoError(t, err)
	return run
}

func TestListStaleRunsAppliesDefaultThreshold(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	seedStaleRun(t, store, "t1")

	// A just-created run is not stale under the default 5 minute threshold.
	stale, err := ListStaleRuns(ctx, store, Query{})
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestRecoverAllStaleRuns(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	run := seedStaleRun(t, store, "t1")

	time.Sleep(5 * time.Millisecond)
	result, err := RecoverAllStaleRuns(ctx, store, ledger.RecoverActionFail, Query{OlderThan: time.Millisecond})
	require.NoError(t, err)
	require.Len(t, result.Recovered, 1)
	assert.Empty(t, result.Failed)
	assert.Equal(t, run.RunID, result.Recovered[0].RunID)
	assert.Equal(t, models.RunStatusFailed, result.Recovered[0].NewStatus)

	got, err := store.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, got.Status)
}

func TestRecoverAllStaleRunsCancelAction(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	run := seedStaleRun(t, store, "t1")

	time.Sleep(5 * time.Millisecond)
	result, err := RecoverAllStaleRuns(ctx, store, ledger.RecoverActionCancel, Query{OlderThan: time.Millisecond})
	require.NoError(t, err)
	require.Len(t, result.Recovered, 1)
	assert.Equal(t, models.RunStatusCancelled, result.Recovered[0].NewStatus)

	got, err := store.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCancelled, got.Status)
}

// racingStore simulates a producer finalizing a run between the sweep's
// listing and its recovery call.
type racingStore struct {
	ledger.Store
	finalizeOnRecover map[string]bool
}

func (s *racingStore) RecoverRun(ctx context.Context, req ledger.RecoverRequest) (*ledger.RecoverResult, error) {
	if s.finalizeOnRecover[req.RunID] {
		return nil, fmt.Errorf("%w: run already finalized", ledger.ErrInvalidState)
	}
	return s.Store.RecoverRun(ctx, req)
}

func TestRecoverAllStaleRunsCollectsFailures(t *testing.T) {
	ctx := context.Background()
	mem := ledger.NewMemoryStore()
	lost := seedStaleRun(t, mem, "t1")
	ok := seedStaleRun(t, mem, "t1")

	store := &racingStore{Store: mem, finalizeOnRecover: map[string]bool{lost.RunID: true}}

	time.Sleep(5 * time.Millisecond)
	result, err := RecoverAllStaleRuns(ctx, store, ledger.RecoverActionFail, Query{OlderThan: time.Millisecond})
	require.NoError(t, err)

	// The failure is collected; the other run still recovers.
	require.Len(t, result.Failed, 1)
	assert.Equal(t, lost.RunID, result.Failed[0].RunID)
	assert.ErrorIs(t, result.Failed[0].Err, ledger.ErrInvalidState)
	require.Len(t, result.Recovered, 1)
	assert.Equal(t, ok.RunID, result.Recovered[0].RunID)
}

func TestServiceSweepNow(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	run := seedStaleRun(t, store, "t1")

	svc := NewService(store, ServiceConfig{StaleThreshold: time.Millisecond})
	time.Sleep(5 * time.Millisecond)

	result, err := svc.SweepNow(ctx)
	require.NoError(t, err)
	require.Len(t, result.Recovered, 1)
	assert.Equal(t, run.RunID, result.Recovered[0].RunID)
}

func TestServiceStartStop(t *testing.T) {
	store := ledger.NewMemoryStore()
	svc := NewService(store, ServiceConfig{
		Interval:       10 * time.Millisecond,
		StaleThreshold: time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc.Start(ctx)
	svc.Start(ctx) // second Start is a no-op

	run := seedStaleRun(t, store, "t1")
	require.Eventually(t, func() bool {
		got, err := store.GetRun(context.Background(), run.RunID)
		return err == nil && got.Status == models.RunStatusFailed
	}, time.Second, 5*time.Millisecond)

	svc.Stop()
	svc.Stop() // idempotent
}
