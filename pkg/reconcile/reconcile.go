// Package reconcile recovers runs abandoned by crashed or partitioned
// producers: active runs past a staleness threshold are forced to a terminal
// status so threads do not accumulate zombies.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chroniclehq/chronicle/pkg/ledger"
	"github.com/chroniclehq/chronicle/pkg/models"
)

// DefaultStaleThreshold is how old an active run must be before it is
// considered abandoned.
const DefaultStaleThreshold = 5 * time.Minute

// Query filters a stale-run sweep.
type Query struct {
	// ThreadID restricts the sweep to one thread; empty scans everything.
	ThreadID string
	// OlderThan is the staleness threshold; zero selects the default.
	OlderThan time.Duration
}

// Result reports one sweep: which runs were recovered and which recoveries
// failed. Failures do not abort the sweep.
type Result struct {
	Recovered []ledger.RecoverResult
	Failed    []RunFailure
}

// RunFailure pairs a run with its recovery error.
type RunFailure struct {
	RunID string
	Err   error
}

// ListStaleRuns returns active runs older than the threshold.
func ListStaleRuns(ctx context.Context, store ledger.Store, q Query) ([]models.StaleRunInfo, error) {
	olderThan := q.OlderThan
	if olderThan <= 0 {
		olderThan = DefaultStaleThreshold
	}
	stale, err := store.ListStaleRuns(ctx, ledger.StaleRunQuery{
		ThreadID:  q.ThreadID,
		OlderThan: olderThan.Milliseconds(),
	})
	if err != nil {
		return nil, fmt.Errorf("list stale runs: %w", err)
	}
	return stale, nil
}

// RecoverAllStaleRuns sweeps stale runs, applying action to each. Individual
// failures are logged, collected, and do not stop the sweep.
func RecoverAllStaleRuns(ctx context.Context, store ledger.Store, action ledger.RecoverAction, q Query) (*Result, error) {
	stale, err := ListStaleRuns(ctx, store, q)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Recovered: []ledger.RecoverResult{},
		Failed:    []RunFailure{},
	}
	for _, info := range stale {
		rec, err := store.RecoverRun(ctx, ledger.RecoverRequest{
			RunID:  info.RunID,
			Action: action,
		})
		if err != nil {
			// A run finalized between listing and recovery lands here;
			// that is a success for the system, not for the sweep.
			slog.Warn("Failed to recover stale run",
				"run_id", info.RunID, "thread_id", info.ThreadID, "error", err)
			result.Failed = append(result.Failed, RunFailure{RunID: info.RunID, Err: err})
			continue
		}
		slog.Info("Recovered stale run",
			"run_id", info.RunID, "thread_id", info.ThreadID,
			"new_status", rec.NewStatus, "age", info.Age)
		result.Recovered = append(result.Recovered, *rec)
	}
	return result, nil
}
