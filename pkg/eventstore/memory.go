package eventstore

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store implementation. It backs unit tests and
// embeddings that do not need durability. A per-stream mutex serializes
// appends on the same stream while leaving distinct streams independent.
type MemoryStore[T any] struct {
	mu      sync.RWMutex
	streams map[string][]StoredEvent[T]
	locks   map[string]*sync.Mutex
}

// NewMemoryStore creates an empty in-memory event store.
func NewMemoryStore[T any]() *MemoryStore[T] {
	return &MemoryStore[T]{
		streams: make(map[string][]StoredEvent[T]),
		locks:   make(map[string]*sync.Mutex),
	}
}

// streamLock returns the mutex serializing appends for one stream.
func (s *MemoryStore[T]) streamLock(streamID string) *sync.Mutex {
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
func (s *MemoryStore[T]) Append(ctx context.Context, streamID string, events []T) ([]StoredEvent[T], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return []StoredEvent[T]{}, nil
	}

	l := s.streamLock(streamID)
	l.Lock()
	defer l.Unlock()

	s.mu.RLock()
	existing := s.streams[streamID]
	s.mu.RUnlock()

	head := uint64(0)
	if n := len(existing); n > 0 {
		head = existing[n-1].Seq
	}

	ts := batchTimestamp()
	stored := make([]StoredEvent[T], len(events))
	for i, evt := range events {
		stored[i] = StoredEvent[T]{
			Seq:       head + uint64(i) + 1,
			Timestamp: ts,
			StreamID:  streamID,
			Event:     evt,
		}
	}

	s.mu.Lock()
	s.streams[streamID] = append(s.streams[streamID], stored...)
	s.mu.Unlock()

	out := make([]StoredEvent[T], len(stored))
	copy(out, stored)
	return out, nil
}

// Replay implements Store.
func (s *MemoryStore[T]) Replay(ctx context.Context, streamID string, opts ReplayOptions) ([]StoredEvent[T], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.streams[streamID]
	out := make([]StoredEvent[T], 0, len(events))
	for _, evt := range events {
		if evt.Seq <= opts.AfterSeq {
			continue
		}
		if opts.UpperBoundSeq > 0 && evt.Seq > opts.UpperBoundSeq {
			break
		}
		out = append(out, evt)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

// Head implements Store.
func (s *MemoryStore[T]) Head(ctx context.Context, streamID string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.streams[streamID]
	if len(events) == 0 {
		return 0, nil
	}
	return events[len(events)-1].Seq, nil
}

// Delete implements Store.
func (s *MemoryStore[T]) Delete(ctx context.Context, streamID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.streams, streamID)
	delete(s.locks, streamID)
	return nil
}
