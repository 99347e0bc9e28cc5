package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chroniclehq/chronicle/pkg/eventstore"
)

// startTestServer runs a fan-out server behind an httptest listener and
// returns it with its ws:// URL.
func startTestServer(t *testing.T, store eventstore.Store[string], cfg ServerConfig) (*Server[string], string) {
	t.Helper()
	srv := NewServer[string](store, cfg)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		srv.HandleConnection(r.Context(), sock)
	}))
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})

	return srv, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func startTestClient(t *testing.T, url string) *Client[string] {
	t.Helper()
	client := NewClient[string](url, ClientConfig{
		DialTimeout: 5 * time.Second,
		BackoffBase: 10 * time.Millisecond,
		BackoffMax:  100 * time.Millisecond,
	})
	t.Cleanup(client.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))
	return client
}

// nextEvent asserts the next update is an event and returns it.
func nextEvent(t *testing.T, sub *Subscription[string]) eventstore.StoredEvent[string] {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	upd, err := sub.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, upd.Event, "expected an event, got %+v", upd)
	return *upd.Event
}

// nextPromotion asserts the next update is the replay-end marker.
func nextPromotion(t *testing.T, sub *Subscription[string]) PromotionMarker {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	upd, err := sub.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, upd.ReplayDone, "expected replay-end, got %+v", upd)
	return *upd.ReplayDone
}

func TestReplayThenLive(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewMemoryStore[string]()
	_, err := store.Append(ctx, "s1", []string{"a", "b", "c"})
	require.NoError(t, err)

	srv, url := startTestServer(t, store, ServerConfig{})
	client := startTestClient(t, url)

	sub := client.Subscribe("s1", 0)

	for i, want := range []string{"a", "b", "c"} {
		evt := nextEvent(t, sub)
		assert.Equal(t, uint64(i+1), evt.Seq)
		assert.Equal(t, want, evt.Event)
	}
	marker := nextPromotion(t, sub)
	assert.Equal(t, "s1", marker.StreamID)
	assert.Equal(t, uint64(3), marker.LastReplaySeq)

	// Live delivery after promotion.
	stored, err := store.Append(ctx, "s1", []string{"d"})
	require.NoError(t, err)
	srv.Broadcast("s1", stored)

	evt := nextEvent(t, sub)
	assert.Equal(t, uint64(4), evt.Seq)
	assert.Equal(t, "d", evt.Event)
}

func TestSubscribeFromWatermark(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewMemoryStore[string]()
	_, err := store.Append(ctx, "s1", []string{"a", "b", "c"})
	require.NoError(t, err)

	_, url := startTestServer(t, store, ServerConfig{})
	client := startTestClient(t, url)

	// Resuming at the head yields no replay events, just the marker.
	sub := client.Subscribe("s1", 3)
	marker := nextPromotion(t, sub)
	assert.Equal(t, uint64(3), marker.LastReplaySeq)
}

func TestSubscribeUnknownStream(t *testing.T) {
	store := eventstore.NewMemoryStore[string]()
	srv, url := startTestServer(t, store, ServerConfig{})
	client := startTestClient(t, url)

	// A stream with no events is not an error: empty replay, marker at 0,
	// then live events as they arrive.
	sub := client.Subscribe("later", 0)
	marker := nextPromotion(t, sub)
	assert.Equal(t, uint64(0), marker.LastReplaySeq)

	stored, err := store.Append(context.Background(), "later", []string{"first"})
	require.NoError(t, err)
	srv.Broadcast("later", stored)

	evt := nextEvent(t, sub)
	assert.Equal(t, uint64(1), evt.Seq)
}

func TestMultiplexedSubscriptions(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewMemoryStore[string]()
	_, err := store.Append(ctx, "s1", []string{"one"})
	require.NoError(t, err)
	_, err = store.Append(ctx, "s2", []string{"two"})
	require.NoError(t, err)

	_, url := startTestServer(t, store, ServerConfig{})
	client := startTestClient(t, url)

	sub1 := client.Subscribe("s1", 0)
	sub2 := client.Subscribe("s2", 0)

	assert.Equal(t, "one", nextEvent(t, sub1).Event)
	assert.Equal(t, uint64(1), nextPromotion(t, sub1).LastReplaySeq)
	assert.Equal(t, "two", nextEvent(t, sub2).Event)
	assert.Equal(t, uint64(1), nextPromotion(t, sub2).LastReplaySeq)
}

func TestBroadcastDuringReplayNoGapsNoDuplicates(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewMemoryStore[string]()
	_, err := store.Append(ctx, "s1", []string{"a", "b", "c", "d", "e"})
	require.NoError(t, err)

	srv, url := startTestServer(t, store, ServerConfig{})
	client := startTestClient(t, url)

	sub := client.Subscribe("s1", 0)

	// Keep appending while the replay streams; the handover must neither
	// duplicate nor drop a seq.
	go func() {
		for i := 0; i < 20; i++ {
			stored, err := store.Append(ctx, "s1", []string{"live"})
			if err != nil {
				return
			}
			srv.Broadcast("s1", stored)
		}
	}()

	seen := make(map[uint64]bool)
	var last uint64
	deadline := time.After(10 * time.Second)
	for len(seen) < 25 {
		select {
		case <-deadline:
			t.Fatalf("timed out after %d events", len(seen))
		default:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		upd, err := sub.Next(ctx)
		cancel()
		require.NoError(t, err)
		if upd.Event == nil {
			continue // promotion marker
		}
		require.False(t, seen[upd.Event.Seq], "duplicate seq %d", upd.Event.Seq)
		require.Greater(t, upd.Event.Seq, last, "out of order: %d after %d", upd.Event.Seq, last)
		seen[upd.Event.Seq] = true
		last = upd.Event.Seq
	}
}

func TestClientReconnectResumes(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewMemoryStore[string]()
	_, err := store.Append(ctx, "s1", []string{"a", "b"})
	require.NoError(t, err)

	srv, url := startTestServer(t, store, ServerConfig{})
	client := startTestClient(t, url)

	sub := client.Subscribe("s1", 0)
	nextEvent(t, sub)
	nextEvent(t, sub)
	nextPromotion(t, sub)
	assert.Equal(t, uint64(2), sub.LastConfirmedSeq())

	// Kill every server-side connection; events appended while the client is
	// down are recovered by the reconnect replay.
	srv.Close()
	_, err = store.Append(ctx, "s1", []string{"c", "d"})
	require.NoError(t, err)

	evt := nextEvent(t, sub)
	assert.Equal(t, uint64(3), evt.Seq)
	evt = nextEvent(t, sub)
	assert.Equal(t, uint64(4), evt.Seq)
	marker := nextPromotion(t, sub)
	assert.Equal(t, uint64(4), marker.LastReplaySeq)
	assert.Equal(t, uint64(4), sub.LastConfirmedSeq())
}

func TestHandshakeVersionMismatch(t *testing.T) {
	store := eventstore.NewMemoryStore[string]()
	_, url := startTestServer(t, store, ServerConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sock, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer sock.Close(websocket.StatusNormalClosure, "")

	frame, err := Encode(ClientMessage{Type: MsgHello, Version: 99})
	require.NoError(t, err)
	require.NoError(t, sock.Write(ctx, websocket.MessageText, frame))

	_, data, err := sock.Read(ctx)
	require.NoError(t, err)
	msg := DecodeServer(data)
	require.NotNil(t, msg)
	assert.Equal(t, MsgError, msg.Type)
	assert.Equal(t, CodeVersionMismatch, msg.Code)
}

func TestHandshakeRequiresHelloFirst(t *testing.T) {
	store := eventstore.NewMemoryStore[string]()
	_, url := startTestServer(t, store, ServerConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sock, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer sock.Close(websocket.StatusNormalClosure, "")

	frame, err := Encode(ClientMessage{Type: MsgSubscribe, StreamID: "s1"})
	require.NoError(t, err)
	require.NoError(t, sock.Write(ctx, websocket.MessageText, frame))

	_, data, err := sock.Read(ctx)
	require.NoError(t, err)
	msg := DecodeServer(data)
	require.NotNil(t, msg)
	assert.Equal(t, CodeInvalidMessage, msg.Code)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	ctx := context.Background()
	store := eventstore.NewMemoryStore[string]()
	srv, url := startTestServer(t, store, ServerConfig{})
	client := startTestClient(t, url)

	sub := client.Subscribe("s1", 0)
	nextPromotion(t, sub)
	sub.Cancel()

	<-sub.Done()
	assert.ErrorIs(t, sub.Err(), ErrSubscriptionClosed)

	// Broadcasts after cancel never reach the subscription.
	stored, err := store.Append(ctx, "s1", []string{"x"})
	require.NoError(t, err)
	srv.Broadcast("s1", stored)

	nextCtx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err = sub.Next(nextCtx)
	assert.ErrorIs(t, err, ErrSubscriptionClosed)
}

func TestActiveConnections(t *testing.T) {
	store := eventstore.NewMemoryStore[string]()
	srv, url := startTestServer(t, store, ServerConfig{})

	assert.Equal(t, 0, srv.ActiveConnections())
	client := startTestClient(t, url)
	require.Eventually(t, func() bool {
		return srv.ActiveConnections() == 1
	}, 5*time.Second, 10*time.Millisecond)
	client.Close()
	require.Eventually(t, func() bool {
		return srv.ActiveConnections() == 0
	}, 5*time.Second, 10*time.Millisecond)
}
