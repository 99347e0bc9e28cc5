package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffBounds(t *testing.T) {
	c := NewClient[string]("ws://unused", ClientConfig{
		BackoffBase: time.Second,
		BackoffMax:  8 * time.Second,
	})

	tests := []struct {
		attempt int
		base    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 8 * time.Second}, // capped
		{50, 8 * time.Second},
	}
	for _, tt := range tests {
		for i := 0; i < 20; i++ {
			got := c.backoff(tt.attempt)
			assert.GreaterOrEqual(t, got, tt.base, "attempt %d", tt.attempt)
			// Jitter stays below 25% of the delay.
			assert.Less(t, got, tt.base+tt.base/4+time.Millisecond, "attempt %d", tt.attempt)
		}
	}
}

// newDetachedClient builds a client with its context started but no
// connection, for exercising frame handling directly.
func newDetachedClient(t *testing.T) *Client[string] {
	t.Helper()
	c := NewClient[string]("ws://unused", ClientConfig{SubscriptionBuffer: 16})
	c.ctx, c.cancel = context.WithCancel(context.Background())
	t.Cleanup(c.cancel)
	return c
}

func eventFrameMsg(streamID string, seq uint64) *ServerMessage {
	evt := WireEvent{Seq: seq, StreamID: streamID, Event: []byte(`"payload"`)}
	return &ServerMessage{Type: MsgEvent, StreamID: streamID, Event: &evt}
}

func replayEndMsg(streamID string, last uint64) *ServerMessage {
	return &ServerMessage{Type: MsgReplayEnd, StreamID: streamID, LastReplaySeq: &last}
}

func TestHandleEventDedup(t *testing.T) {
	c := newDetachedClient(t)
	sub := c.Subscribe("s1", 2)

	// At or below the confirmed watermark: dropped.
	c.handleEvent(eventFrameMsg("s1", 1))
	c.handleEvent(eventFrameMsg("s1", 2))
	assert.Empty(t, sub.updates)

	// Above it: delivered and the watermark advances.
	c.handleEvent(eventFrameMsg("s1", 3))
	require.Len(t, sub.updates, 1)
	assert.Equal(t, uint64(3), sub.LastConfirmedSeq())

	// Redelivery of the same seq: dropped.
	c.handleEvent(eventFrameMsg("s1", 3))
	assert.Len(t, sub.updates, 1)
}

func TestHandleEventDropsLiveBelowReplayWatermark(t *testing.T) {
	c := newDetachedClient(t)
	sub := c.Subscribe("s1", 0)

	c.handleReplayEnd(replayEndMsg("s1", 5))
	upd := <-sub.updates
	require.NotNil(t, upd.ReplayDone)
	assert.Equal(t, uint64(5), upd.ReplayDone.LastReplaySeq)
	assert.Equal(t, uint64(5), sub.LastConfirmedSeq())

	// A live frame the replay slice already covered is suppressed.
	c.handleEvent(eventFrameMsg("s1", 4))
	assert.Empty(t, sub.updates)

	c.handleEvent(eventFrameMsg("s1", 6))
	assert.Len(t, sub.updates, 1)
}

func TestHandleEventUnknownStreamIgnored(t *testing.T) {
	c := newDetachedClient(t)
	sub := c.Subscribe("s1", 0)

	c.handleEvent(eventFrameMsg("other", 1))
	assert.Empty(t, sub.updates)
}

func TestReplayFailedTerminatesOnlyThatSubscription(t *testing.T) {
	c := newDetachedClient(t)
	doomed := c.Subscribe("bad", 0)
	healthy := c.Subscribe("good", 0)

	err := c.handleFrame(nil, &ServerMessage{
		Type:     MsgError,
		StreamID: "bad",
		Code:     CodeReplayFailed,
		Message:  "replay failed",
	})
	require.NoError(t, err)

	<-doomed.Done()
	assert.ErrorIs(t, doomed.Err(), ErrReplayFailed)

	select {
	case <-healthy.Done():
		t.Fatal("healthy subscription terminated")
	default:
	}
}

func TestVersionMismatchFrameIsFatal(t *testing.T) {
	c := newDetachedClient(t)

	err := c.handleFrame(nil, &ServerMessage{
		Type:    MsgError,
		Code:    CodeVersionMismatch,
		Message: "server speaks protocol 2",
	})
	assert.ErrorIs(t, err, ErrVersionMismatch)
}

func TestSubscribeReplacesEarlierSubscription(t *testing.T) {
	c := newDetachedClient(t)
	first := c.Subscribe("s1", 0)
	second := c.Subscribe("s1", 0)

	<-first.Done()
	assert.ErrorIs(t, first.Err(), ErrSubscriptionClosed)

	c.handleEvent(eventFrameMsg("s1", 1))
	assert.Len(t, second.updates, 1)
}

func TestNextDrainsRacedDelivery(t *testing.T) {
	c := newDetachedClient(t)
	sub := c.Subscribe("s1", 0)

	c.handleEvent(eventFrameMsg("s1", 1))
	sub.terminate(ErrSubscriptionClosed)

	// The delivery that raced with termination is still readable once.
	ctx := context.Background()
	upd, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), upd.Event.Seq)

	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, ErrSubscriptionClosed)
}

func TestCloseFailsSubscriptions(t *testing.T) {
	c := NewClient[string]("ws://unused", ClientConfig{})
	sub := c.Subscribe("s1", 0)

	c.Close()
	<-sub.Done()
	assert.ErrorIs(t, sub.Err(), ErrSubscriptionClosed)
}

func TestConnectRespectsContext(t *testing.T) {
	// A server that never answers: Connect must give up with the caller's
	// context, not hang.
	c := NewClient[string]("ws://192.0.2.1:9", ClientConfig{
		DialTimeout: 50 * time.Millisecond,
		BackoffBase: 10 * time.Millisecond,
		BackoffMax:  20 * time.Millisecond,
	})
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := c.Connect(ctx)
	assert.Error(t, err)
}

func TestConnectExhaustsReconnectBudget(t *testing.T) {
	c := NewClient[string]("ws://192.0.2.1:9", ClientConfig{
		DialTimeout:          20 * time.Millisecond,
		BackoffBase:          time.Millisecond,
		BackoffMax:           2 * time.Millisecond,
		MaxReconnectAttempts: 2,
	})
	defer c.Close()
	sub := c.Subscribe("s1", 0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.Connect(ctx)
	require.ErrorIs(t, err, ErrReconnectExhausted)

	<-sub.Done()
	assert.ErrorIs(t, sub.Err(), ErrReconnectExhausted)
}
