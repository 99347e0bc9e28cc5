// Package runs coordinates the event store and the ledger for the producer
// side: begin a run, append its events, finalize it into committed
// transcript messages.
package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/chroniclehq/chronicle/pkg/accumulator"
	"github.com/chroniclehq/chronicle/pkg/eventstore"
	"github.com/chroniclehq/chronicle/pkg/ledger"
	"github.com/chroniclehq/chronicle/pkg/models"
)

// Broadcaster receives freshly appended events for live fan-out. The stream
// server satisfies it.
type Broadcaster interface {
	Broadcast(streamID string, stored []eventstore.StoredEvent[models.AgentEvent])
}

// Option customizes a Manager.
type Option func(*Manager)

// WithBroadcaster wires live fan-out: every appended batch is pushed to b
// after it is durably stored.
func WithBroadcaster(b Broadcaster) Option {
	return func(m *Manager) { m.broadcaster = b }
}

// WithIDGenerator overrides the message ID generator used at finalize time.
func WithIDGenerator(ids accumulator.IDGenerator) Option {
	return func(m *Manager) { m.ids = ids }
}

// WithDeleteStreamOnCommit enables deleting the run's event stream after a
// successful commit. The transcript is the durable record from then on.
func WithDeleteStreamOnCommit() Option {
	return func(m *Manager) { m.deleteStreamOnCommit = true }
}

// Manager is a thin coordinator; all durable state lives in the two stores.
type Manager struct {
	events eventstore.Store[models.AgentEvent]
	ledger ledger.Store

	broadcaster          Broadcaster
	ids                  accumulator.IDGenerator
	deleteStreamOnCommit bool
}

// NewManager creates a run manager over the given stores.
func NewManager(events eventstore.Store[models.AgentEvent], led ledger.Store, opts ...Option) *Manager {
	m := &Manager{
		events: events,
		ledger: led,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// BeginRun opens and activates a run. If activation fails the freshly
// created record is recovered to failed so it does not linger as stale; the
// activation error is what the caller sees either way.
func (m *Manager) BeginRun(ctx context.Context, req ledger.BeginRunRequest) (*models.RunRecord, error) {
	run, err := m.ledger.BeginRun(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("begin run: %w", err)
	}

	activated, err := m.ledger.ActivateRun(ctx, run.RunID)
	if err != nil {
		if _, recErr := m.ledger.RecoverRun(ctx, ledger.RecoverRequest{
			RunID:  run.RunID,
			Action: ledger.RecoverActionFail,
		}); recErr != nil {
			// The reconciler will pick the orphan up later.
			slog.Warn("Failed to recover orphaned run",
				"run_id", run.RunID, "error", recErr)
		}
		return nil, fmt.Errorf("activate run %s: %w", run.RunID, err)
	}
	return activated, nil
}

// AppendEvents durably appends a batch to the run's stream and fans it out.
// Only active runs accept events.
func (m *Manager) AppendEvents(ctx context.Context, runID string, events []models.AgentEvent) ([]eventstore.StoredEvent[models.AgentEvent], error) {
	run, err := m.ledger.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("look up run %s: %w", runID, err)
	}
	if run == nil {
		return nil, fmt.Errorf("%w: %s", ledger.ErrNotFound, runID)
	}
	if !run.Status.IsActive() {
		return nil, fmt.Errorf("%w: run %s is %s, appends require an active run",
			ledger.ErrInvalidState, runID, run.Status)
	}

	stored, err := m.events.Append(ctx, run.StreamID, events)
	if err != nil {
		return nil, fmt.Errorf("append to stream %s: %w", run.StreamID, err)
	}
	if m.broadcaster != nil {
		m.broadcaster.Broadcast(run.StreamID, stored)
	}
	return stored, nil
}

// FinalizeRun drives a run to a terminal status. Committing replays the
// stream through the accumulator and hands the messages to the ledger, which
// applies them atomically with the status change. A stream that ends in an
// error event fails the run instead and surfaces the error.
func (m *Manager) FinalizeRun(ctx context.Context, runID string, status models.RunStatus) (*ledger.FinalizeResult, error) {
	if status != models.RunStatusCommitted {
		result, err := m.ledger.FinalizeRun(ctx, ledger.FinalizeRequest{RunID: runID, Status: status})
		if err != nil {
			return nil, fmt.Errorf("finalize run %s as %s: %w", runID, status, err)
		}
		return result, nil
	}

	run, err := m.ledger.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("look up run %s: %w", runID, err)
	}
	if run == nil {
		return nil, fmt.Errorf("%w: %s", ledger.ErrNotFound, runID)
	}

	events, err := m.events.Replay(ctx, run.StreamID, eventstore.ReplayOptions{})
	if err != nil {
		return nil, fmt.Errorf("replay stream %s: %w", run.StreamID, err)
	}

	messages, err := accumulator.Accumulate(events, accumulator.Options{
		RunID:             runID,
		ForkFromMessageID: run.ForkFromMessageID,
		IDs:               m.ids,
	})
	if err != nil {
		if errors.Is(err, accumulator.ErrRunFailed) {
			if _, finErr := m.ledger.FinalizeRun(ctx, ledger.FinalizeRequest{
				RunID:  runID,
				Status: models.RunStatusFailed,
			}); finErr != nil {
				slog.Warn("Failed to mark errored run as failed",
					"run_id", runID, "error", finErr)
			}
		}
		return nil, fmt.Errorf("accumulate run %s: %w", runID, err)
	}

	result, err := m.ledger.FinalizeRun(ctx, ledger.FinalizeRequest{
		RunID:    runID,
		Status:   models.RunStatusCommitted,
		Messages: messages,
	})
	if err != nil {
		return nil, fmt.Errorf("commit run %s: %w", runID, err)
	}

	if result.Committed && m.deleteStreamOnCommit {
		if err := m.events.Delete(ctx, run.StreamID); err != nil {
			// The transcript is already durable; a leaked stream only
			// costs storage.
			slog.Warn("Failed to delete committed run's stream",
				"run_id", runID, "stream_id", run.StreamID, "error", err)
		}
	}
	return result, nil
}
