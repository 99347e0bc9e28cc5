package projector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chroniclehq/chronicle/pkg/eventstore"
)

func stored(seq uint64, n int) eventstore.StoredEvent[int] {
	return eventstore.StoredEvent[int]{Seq: seq, StreamID: "s1", Event: n}
}

func sumReducer(state int, evt eventstore.StoredEvent[int]) int {
	return state + evt.Event
}

func TestProjectorApply(t *testing.T) {
	p := New[int, int](0, sumReducer)

	p.Apply([]eventstore.StoredEvent[int]{stored(1, 10), stored(2, 20)})
	assert.Equal(t, 30, p.State())
	assert.Equal(t, uint64(2), p.LastSeq())
}

func TestProjectorApplyIsIdempotent(t *testing.T) {
	p := New[int, int](0, sumReducer)
	batch := []eventstore.StoredEvent[int]{stored(1, 10), stored(2, 20)}

	p.Apply(batch)
	p.Apply(batch) // same slice twice
	assert.Equal(t, 30, p.State())

	// Overlapping slice: seq 2 is skipped, seq 3 applied.
	p.Apply([]eventstore.StoredEvent[int]{stored(2, 20), stored(3, 5)})
	assert.Equal(t, 35, p.State())
	assert.Equal(t, uint64(3), p.LastSeq())
}

func TestProjectorReset(t *testing.T) {
	p := New[int, int](100, sumReducer)
	p.Apply([]eventstore.StoredEvent[int]{stored(1, 1)})
	require.Equal(t, 101, p.State())

	p.Reset()
	assert.Equal(t, 100, p.State())
	assert.Equal(t, uint64(0), p.LastSeq())

	// Watermark rewound: seq 1 applies again.
	p.Apply([]eventstore.StoredEvent[int]{stored(1, 1)})
	assert.Equal(t, 101, p.State())
}

func TestProjectorInitialStateIsCopied(t *testing.T) {
	initial := map[string]int{"count": 0}
	p := New[map[string]int, int](initial, func(state map[string]int, evt eventstore.StoredEvent[int]) map[string]int {
		next := map[string]int{"count": state["count"] + evt.Event}
		return next
	})

	initial["count"] = 999
	assert.Equal(t, 0, p.State()["count"])

	p.Apply([]eventstore.StoredEvent[int]{stored(1, 1)})
	p.Reset()
	assert.Equal(t, 0, p.State()["count"])
}

func TestProjectorWithClone(t *testing.T) {
	cloned := 0
	p := New[int, int](7, sumReducer, WithClone[int, int](func(v int) int {
		cloned++
		return v
	}))
	assert.Equal(t, 7, p.State())
	assert.GreaterOrEqual(t, cloned, 2) // initial + working copy
}

func TestProjectorCatchUp(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewMemoryStore[int]()
	_, err := store.Append(ctx, "s1", []int{1, 2, 3})
	require.NoError(t, err)

	p := New[int, int](0, sumReducer)
	n, err := p.CatchUp(ctx, store, "s1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 6, p.State())

	// Nothing new: no events applied.
	n, err = p.CatchUp(ctx, store, "s1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// New events resume from the watermark.
	_, err = store.Append(ctx, "s1", []int{4})
	require.NoError(t, err)
	n, err = p.CatchUp(ctx, store, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 10, p.State())
}
