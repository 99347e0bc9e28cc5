// Package eventstore provides append-only per-stream event storage with
// monotonically increasing sequence numbers, partial-range replay, and head
// queries. Stores are generic over the event payload type: the store assigns
// sequence numbers and timestamps but never interprets payloads.
package eventstore

import (
	"context"
	"errors"
	"time"
)

// ErrStore wraps failures of the backing medium. Implementations return
// errors matching this sentinel (via errors.Is) when the storage engine
// rejects an operation.
var ErrStore = errors.New("event store failure")

// StoredEvent is an event as persisted: the producer payload plus the
// store-assigned stream position and timestamp. Seq starts at 1 and is
// strictly monotonically increasing within a stream. Timestamps are assigned
// once per append batch, truncated to millisecond precision so the wire
// encoding is RFC 3339 with milliseconds.
type StoredEvent[T any] struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	StreamID  string    `json:"streamId"`
	Event     T         `json:"event"`
}

// ReplayOptions bounds a replay scan. AfterSeq selects events with seq
// strictly greater; Limit caps the result size when positive; UpperBoundSeq,
// when positive, excludes events with seq greater than it (used by the
// fan-out server to bound the replay slice at the head observed at subscribe
// time).
type ReplayOptions struct {
	AfterSeq      uint64
	Limit         int
	UpperBoundSeq uint64
}

// Store is the append-only event store contract. Implementations must
// serialize concurrent appends on the same stream; appends on distinct
// streams may proceed in parallel. All methods are safe for concurrent use.
type Store[T any] interface {
	// Append assigns seq = head+1..head+len(events) and writes the batch
	// atomically. All returned records share a single timestamp. An empty
	// batch returns an empty slice without side effects.
	Append(ctx context.Context, streamID string, events []T) ([]StoredEvent[T], error)

	// Replay returns events with seq > opts.AfterSeq in ascending seq order,
	// honoring opts.Limit and opts.UpperBoundSeq. Unknown streams yield an
	// empty slice, not an error.
	Replay(ctx context.Context, streamID string, opts ReplayOptions) ([]StoredEvent[T], error)

	// Head returns the largest assigned seq, or 0 for unknown streams.
	Head(ctx context.Context, streamID string) (uint64, error)

	// Delete removes all events for the stream. Idempotent.
	Delete(ctx context.Context, streamID string) error
}

// batchTimestamp returns the shared timestamp for an append batch.
func batchTimestamp() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
