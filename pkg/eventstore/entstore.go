package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/chroniclehq/chronicle/ent"
	"github.com/chroniclehq/chronicle/ent/event"
)

// replayPageSize bounds a single database read during replay. Large streams
// are scanned in pages; callers still observe one ordered result.
const replayPageSize = 500

// EntStore is the PostgreSQL-backed Store implementation. Appends run inside
// a transaction and are additionally serialized per stream by an in-process
// mutex, so a single writer holds the (head, head+N] seq range from read to
// commit. Multi-writer deployments must route appends for one stream to one
// process; runs own their streams, so the run manager gives this for free.
type EntStore[T any] struct {
	client *ent.Client

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEntStore creates an event store backed by the given ent client.
func NewEntStore[T any](client *ent.Client) *EntStore[T] {
	return &EntStore[T]{
		client: client,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (s *EntStore[T]) streamLock(streamID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[streamID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[streamID] = l
	}
	return l
}

// Append implements Store.
func (s *EntStore[T]) Append(ctx context.Context, streamID string, events []T) ([]StoredEvent[T], error) {
	if len(events) == 0 {
		return []StoredEvent[T]{}, nil
	}

	l := s.streamLock(streamID)
	l.Lock()
	defer l.Unlock()

	tx, err := s.client.Tx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin append transaction: %w: %w", ErrStore, err)
	}
	defer func() { _ = tx.Rollback() }()

	head, err := headSeq(ctx, tx.Event, streamID)
	if err != nil {
		return nil, fmt.Errorf("read stream head: %w: %w", ErrStore, err)
	}

	ts := batchTimestamp()
	stored := make([]StoredEvent[T], len(events))
	builders := make([]*ent.EventCreate, len(events))
	for i, evt := range events {
		payload, err := json.Marshal(evt)
		if err != nil {
			return nil, fmt.Errorf("marshal event payload: %w", err)
		}
		seq := head + uint64(i) + 1
		stored[i] = StoredEvent[T]{
			Seq:       seq,
			Timestamp: ts,
			StreamID:  streamID,
			Event:     evt,
		}
		builders[i] = tx.Event.Create().
			SetStreamID(streamID).
			SetSeq(seq).
			SetTimestamp(ts).
			SetPayload(payload)
	}

	if _, err := tx.Event.CreateBulk(builders...).Save(ctx); err != nil {
		return nil, fmt.Errorf("persist event batch: %w: %w", ErrStore, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit event batch: %w: %w", ErrStore, err)
	}

	return stored, nil
}

// Replay implements Store. Reads run in pages of replayPageSize to bound
// memory on large streams; results preserve ascending seq order.
func (s *EntStore[T]) Replay(ctx context.Context, streamID string, opts ReplayOptions) ([]StoredEvent[T], error) {
	var out []StoredEvent[T]
	after := opts.AfterSeq

	for {
		page := replayPageSize
		if opts.Limit > 0 {
			remaining := opts.Limit - len(out)
			if remaining <= 0 {
				break
			}
			if remaining < page {
				page = remaining
			}
		}

		q := s.client.Event.Query().
			Where(
				event.StreamIDEQ(streamID),
				event.SeqGT(after),
			)
		if opts.UpperBoundSeq > 0 {
			q = q.Where(event.SeqLTE(opts.UpperBoundSeq))
		}
		rows, err := q.
			Order(ent.Asc(event.FieldSeq)).
			Limit(page).
			All(ctx)
		if err != nil {
			return nil, fmt.Errorf("replay stream %s: %w: %w", streamID, ErrStore, err)
		}

		for _, row := range rows {
			var evt T
			if err := json.Unmarshal(row.Payload, &evt); err != nil {
				return nil, fmt.Errorf("decode event %s/%d: %w", streamID, row.Seq, err)
			}
			out = append(out, StoredEvent[T]{
				Seq:       row.Seq,
				Timestamp: row.Timestamp,
				StreamID:  row.StreamID,
				Event:     evt,
			})
		}

		if len(rows) < page {
			break
		}
		after = rows[len(rows)-1].Seq
	}

	if out == nil {
		out = []StoredEvent[T]{}
	}
	return out, nil
}

// Head implements Store.
func (s *EntStore[T]) Head(ctx context.Context, streamID string) (uint64, error) {
	head, err := headSeq(ctx, s.client.Event, streamID)
	if err != nil {
		return 0, fmt.Errorf("head of stream %s: %w: %w", streamID, ErrStore, err)
	}
	return head, nil
}

// Delete implements Store.
func (s *EntStore[T]) Delete(ctx context.Context, streamID string) error {
	if _, err := s.client.Event.Delete().
		Where(event.StreamIDEQ(streamID)).
		Exec(ctx); err != nil {
		return fmt.Errorf("delete stream %s: %w: %w", streamID, ErrStore, err)
	}

	s.mu.Lock()
	delete(s.locks, streamID)
	s.mu.Unlock()
	return nil
}

// headSeq reads the largest seq for a stream, 0 when the stream is unknown.
func headSeq(ctx context.Context, q *ent.EventClient, streamID string) (uint64, error) {
	last, err := q.Query().
		Where(event.StreamIDEQ(streamID)).
		Order(ent.Desc(event.FieldSeq)).
		First(ctx)
	if err != nil {
		if ent.IsNotFound(err) {
			return 0, nil
		}
		return 0, err
	}
	return last.Seq, nil
}
