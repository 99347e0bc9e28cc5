// Package projector folds event streams into derived state. A projector is
// idempotent under replay: events at or below the last applied sequence are
// skipped, so feeding overlapping slices (or the same slice twice) converges
// to the same state.
package projector

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/chroniclehq/chronicle/pkg/eventstore"
)

// Reducer computes the next state from the current state and one stored
// event. Reducers must return a new value rather than mutating in place so
// that State remains safe to read concurrently with Apply.
type Reducer[S, E any] func(state S, evt eventstore.StoredEvent[E]) S

// CloneFunc deep-copies a state value. The default clone round-trips through
// JSON, which covers map/slice/struct states; supply WithClone for states
// that do not survive JSON encoding.
type CloneFunc[S any] func(S) S

// Option customizes a projector.
type Option[S, E any] func(*Projector[S, E])

// WithClone overrides the state cloning strategy.
func WithClone[S, E any](clone CloneFunc[S]) Option[S, E] {
	return func(p *Projector[S, E]) { p.clone = clone }
}

// Projector holds derived state plus the watermark of the last applied event.
// Apply is single-writer: callers must not interleave Apply/CatchUp/Reset
// with themselves. State may be read concurrently.
type Projector[S, E any] struct {
	mu      sync.RWMutex
	initial S
	state   S
	lastSeq uint64
	reducer Reducer[S, E]
	clone   CloneFunc[S]
}

// New creates a projector with the given initial state and reducer. The
// initial state is deep-copied immediately so later mutations of the caller's
// value cannot leak in.
func New[S, E any](initial S, reducer Reducer[S, E], opts ...Option[S, E]) *Projector[S, E] {
	p := &Projector[S, E]{
		reducer: reducer,
		clone:   jsonClone[S],
	}
	for _, opt := range opts {
		opt(p)
	}
	p.initial = p.clone(initial)
	p.state = p.clone(p.initial)
	return p
}

// Apply folds events into the state. Events with seq at or below the current
// watermark are skipped silently, making replays idempotent.
func (p *Projector[S, E]) Apply(events []eventstore.StoredEvent[E]) {
	for _, evt := range events {
		if evt.Seq <= p.lastSeq {
			continue
		}
		next := p.reducer(p.state, evt)
		p.mu.Lock()
		p.state = next
		p.lastSeq = evt.Seq
		p.mu.Unlock()
	}
}

// CatchUp replays the stream from the current watermark and applies the
// result, returning the number of events applied.
func (p *Projector[S, E]) CatchUp(ctx context.Context, store eventstore.Store[E], streamID string) (int, error) {
	events, err := store.Replay(ctx, streamID, eventstore.ReplayOptions{AfterSeq: p.lastSeq})
	if err != nil {
		return 0, fmt.Errorf("catch up on stream %s: %w", streamID, err)
	}
	p.Apply(events)
	return len(events), nil
}

// Reset restores the initial state and rewinds the watermark to zero.
func (p *Projector[S, E]) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = p.clone(p.initial)
	p.lastSeq = 0
}

// State returns the current derived state. The returned value is shared with
// the projector; reducers returning fresh values keep this safe.
func (p *Projector[S, E]) State() S {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// LastSeq returns the watermark of the last applied event.
func (p *Projector[S, E]) LastSeq() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastSeq
}

func jsonClone[S any](v S) S {
	data, err := json.Marshal(v)
	if err != nil {
		// States are plain data by contract; a marshal failure is a
		// programmer error surfaced at construction time.
		panic(fmt.Sprintf("projector: state not JSON-clonable: %v", err))
	}
	var out S
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("projector: state not JSON-clonable: %v", err))
	}
	return out
}
