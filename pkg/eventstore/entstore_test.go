package eventstore_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chroniclehq/chronicle/pkg/eventstore"
	"github.com/chroniclehq/chronicle/test/util"
)

func TestEntStoreAppendReplay(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping database test in short mode")
	}
	entClient, _ := util.SetupTestDatabase(t)
	ctx := context.Background()
	store := eventstore.NewEntStore[string](entClient)

	first, err := store.Append(ctx, "s1", []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, uint64(1), first[0].Seq)
	assert.Equal(t, uint64(2), first[1].Seq)
	assert.Equal(t, first[0].Timestamp, first[1].Timestamp)

	second, err := store.Append(ctx, "s1", []string{"c"})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), second[0].Seq)

	events, err := store.Replay(ctx, "s1", eventstore.ReplayOptions{})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "a", events[0].Event)
	assert.Equal(t, "c", events[2].Event)

	windowed, err := store.Replay(ctx, "s1", eventstore.ReplayOptions{AfterSeq: 1, UpperBoundSeq: 2})
	require.NoError(t, err)
	require.Len(t, windowed, 1)
	assert.Equal(t, uint64(2), windowed[0].Seq)

	head, err := store.Head(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), head)
}

func TestEntStorePagedReplay(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping database test in short mode")
	}
	entClient, _ := util.SetupTestDatabase(t)
	ctx := context.Background()
	store := eventstore.NewEntStore[int](entClient)

	// More events than one replay page so pagination kicks in.
	const total = 1250
	batch := make([]int, 250)
	for b := 0; b < total/len(batch); b++ {
		for i := range batch {
			batch[i] = b*len(batch) + i
		}
		_, err := store.Append(ctx, "big", batch)
		require.NoError(t, err)
	}

	events, err := store.Replay(ctx, "big", eventstore.ReplayOptions{})
	require.NoError(t, err)
	require.Len(t, events, total)
	for i, evt := range events {
		require.Equal(t, uint64(i+1), evt.Seq, fmt.Sprintf("gap at index %d", i))
		require.Equal(t, i, evt.Event)
	}

	limited, err := store.Replay(ctx, "big", eventstore.ReplayOptions{AfterSeq: 100, Limit: 700})
	require.NoError(t, err)
	require.Len(t, limited, 700)
	assert.Equal(t, uint64(101), limited[0].Seq)
	assert.Equal(t, uint64(800), limited[len(limited)-1].Seq)
}

func TestEntStoreDelete(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping database test in short mode")
	}
	entClient, _ := util.SetupTestDatabase(t)
	ctx := context.Background()
	store := eventstore.NewEntStore[string](entClient)

	_, err := store.Append(ctx, "s1", []string{"a"})
	require.NoError(t, err)
	_, err = store.Append(ctx, "other", []string{"kept"})
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, "s1"))

	head, err := store.Head(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), head)

	kept, err := store.Replay(ctx, "other", eventstore.ReplayOptions{})
	require.NoError(t, err)
	assert.Len(t, kept, 1)
}

func TestEntStoreStructPayload(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping database test in short mode")
	}
	entClient, _ := util.SetupTestDatabase(t)
	ctx := context.Background()

	type payload struct {
		Kind string `json:"kind"`
		N    int    `json:"n"`
	}
	store := eventstore.NewEntStore[payload](entClient)

	_, err := store.Append(ctx, "s1", []payload{{Kind: "text-delta", N: 7}})
	require.NoError(t, err)

	events, err := store.Replay(ctx, "s1", eventstore.ReplayOptions{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, payload{Kind: "text-delta", N: 7}, events[0].Event)
}
