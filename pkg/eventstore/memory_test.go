package eventstore

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreAppendAssignsMonotonicSeq(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore[string]()

	first, err := store.Append(ctx, "s1", []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, uint64(1), first[0].Seq)
	assert.Equal(t, uint64(2), first[1].Seq)
	assert.Equal(t, "s1", first[0].StreamID)

	second, err := store.Append(ctx, "s1", []string{"c"})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), second[0].Seq)

	// Batches share one timestamp.
	assert.Equal(t, first[0].Timestamp, first[1].Timestamp)

	head, err := store.Head(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), head)
}

func TestMemoryStoreAppendEmptyBatch(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore[string]()

	stored, err := store.Append(ctx, "s1", nil)
	require.NoError(t, err)
	assert.Empty(t, stored)

	head, err := store.Head(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), head)
}

func TestMemoryStoreStreamsAreIndependent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore[string]()

	_, err := store.Append(ctx, "s1", []string{"a", "b"})
	require.NoError(t, err)
	stored, err := store.Append(ctx, "s2", []string{"x"})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), stored[0].Seq)
}

func TestMemoryStoreReplayOptions(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore[string]()
	_, err := store.Append(ctx, "s1", []string{"a", "b", "c", "d", "e"})
	require.NoError(t, err)

	tests := []struct {
		name string
		opts ReplayOptions
		want []uint64
	}{
		{"full replay", ReplayOptions{}, []uint64{1, 2, 3, 4, 5}},
		{"after seq", ReplayOptions{AfterSeq: 2}, []uint64{3, 4, 5}},
		{"upper bound", ReplayOptions{UpperBoundSeq: 3}, []uint64{1, 2, 3}},
		{"window", ReplayOptions{AfterSeq: 1, UpperBoundSeq: 4}, []uint64{2, 3, 4}},
		{"limit", ReplayOptions{Limit: 2}, []uint64{1, 2}},
		{"after beyond head", ReplayOptions{AfterSeq: 10}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := store.Replay(ctx, "s1", tt.opts)
			require.NoError(t, err)
			var seqs []uint64
			for _, evt := range events {
				seqs = append(seqs, evt.Seq)
			}
			assert.Equal(t, tt.want, seqs)
		})
	}
}

func TestMemoryStoreReplayUnknownStream(t *testing.T) {
	store := NewMemoryStore[string]()
	events, err := store.Replay(context.Background(), "nope", ReplayOptions{})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestMemoryStoreDelete(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore[string]()
	_, err := store.Append(ctx, "s1", []string{"a"})
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, "s1"))

	head, err := store.Head(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), head)

	// A deleted stream starts numbering from 1 again.
	stored, err := store.Append(ctx, "s1", []string{"b"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stored[0].Seq)
}

func TestMemoryStoreConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore[int]()

	const writers = 8
	const perWriter = 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := store.Append(ctx, "shared", []int{w*perWriter + i})
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	events, err := store.Replay(ctx, "shared", ReplayOptions{})
	require.NoError(t, err)
	require.Len(t, events, writers*perWriter)
	for i, evt := range events {
		assert.Equal(t, uint64(i+1), evt.Seq, fmt.Sprintf("gap at index %d", i))
	}
}
