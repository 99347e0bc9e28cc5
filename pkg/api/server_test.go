package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chroniclehq/chronicle/pkg/accumulator"
	"github.com/chroniclehq/chronicle/pkg/config"
	"github.com/chroniclehq/chronicle/pkg/eventstore"
	"github.com/chroniclehq/chronicle/pkg/ledger"
	"github.com/chroniclehq/chronicle/pkg/models"
	"github.com/chroniclehq/chronicle/pkg/runs"
	"github.com/chroniclehq/chronicle/pkg/stream"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type apiFixture struct {
	ts     *httptest.Server
	ledger ledger.Store
	events eventstore.Store[models.AgentEvent]
	fanout *stream.Server[models.AgentEvent]
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	events := eventstore.NewMemoryStore[models.AgentEvent]()
	led := ledger.NewMemoryStore()
	fanout := stream.NewServer[models.AgentEvent](events, stream.ServerConfig{})
	mgr := runs.NewManager(events, led,
		runs.WithBroadcaster(fanout),
		runs.WithIDGenerator(accumulator.NewCounterGenerator("")))

	srv := NewServer(nil, led, mgr, fanout, config.ServerConfig{
		AllowedWSOrigins: []string{"*"},
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		fanout.Close()
		ts.Close()
	})
	return &apiFixture{ts: ts, ledger: led, events: events, fanout: fanout}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, f.ts.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func (f *apiFixture) beginRun(t *testing.T, threadID string, forkFrom string) models.RunRecord {
	t.Helper()
	var body any
	if forkFrom != "" {
		body = BeginRunRequest{ForkFromMessageID: forkFrom}
	}
	resp, data := f.do(t, http.MethodPost, "/api/v1/threads/"+threadID+"/runs", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))

	var run models.RunRecord
	require.NoError(t, json.Unmarshal(data, &run))
	return run
}

func TestHealthEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	resp, data := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health map[string]any
	require.NoError(t, json.Unmarshal(data, &health))
	assert.Equal(t, "healthy", health["status"])
	assert.Contains(t, health["version"], "chronicle/")
}

func TestRunLifecycleOverHTTP(t *testing.T) {
	f := newAPIFixture(t)

	run := f.beginRun(t, "t1", "")
	assert.Equal(t, models.RunStatusStreaming, run.Status)
	assert.Equal(t, "t1", run.ThreadID)

	resp, data := f.do(t, http.MethodPost, "/api/v1/runs/"+run.RunID+"/events", AppendEventsRequest{
		Events: []models.AgentEvent{
			models.NewTextDelta("Hello"),
			models.NewTextDelta(" world"),
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))

	var appended struct {
		Events []eventstore.StoredEvent[models.AgentEvent] `json:"events"`
	}
	require.NoError(t, json.Unmarshal(data, &appended))
	require.Len(t, appended.Events, 2)
	assert.Equal(t, uint64(1), appended.Events[0].Seq)

	resp, data = f.do(t, http.MethodPost, "/api/v1/runs/"+run.RunID+"/finalize", FinalizeRunRequest{
		Status: models.RunStatusCommitted,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))

	var result ledger.FinalizeResult
	require.NoError(t, json.Unmarshal(data, &result))
	assert.True(t, result.Committed)

	resp, data = f.do(t, http.MethodGet, "/api/v1/threads/t1/transcript", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var transcript struct {
		Messages []models.CanonicalMessage `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(data, &transcript))
	require.Len(t, transcript.Messages, 1)
	assert.Equal(t, "Hello world", transcript.Messages[0].Parts[0].Text)

	resp, data = f.do(t, http.MethodGet, "/api/v1/runs/"+run.RunID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var fetched models.RunRecord
	require.NoError(t, json.Unmarshal(data, &fetched))
	assert.Equal(t, models.RunStatusCommitted, fetched.Status)
	assert.Equal(t, 1, fetched.MessageCount)
}

func TestTranscriptBranchParams(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	seed := func(id, parent, text string) {
		run, err := f.ledger.BeginRun(ctx, ledger.BeginRunRequest{ThreadID: "t1", ForkFromMessageID: parent})
		require.NoError(t, err)
		_, err = f.ledger.ActivateRun(ctx, run.RunID)
		require.NoError(t, err)
		_, err = f.ledger.FinalizeRun(ctx, ledger.FinalizeRequest{
			RunID:  run.RunID,
			Status: models.RunStatusCommitted,
			Messages: []models.CanonicalMessage{{
				ID:              id,
				ParentMessageID: parent,
				Role:            models.RoleAssistant,
				Parts:           []models.Part{models.TextPart(text)},
				CreatedAt:       time.Now().UTC(),
			}},
		})
		require.NoError(t, err)
	}
	seed("m1", "", "root")
	seed("m2", "m1", "v1")
	seed("m3", "m1", "v2")

	var transcript struct {
		Messages []models.CanonicalMessage `json:"messages"`
	}

	resp, data := f.do(t, http.MethodGet, "/api/v1/threads/t1/transcript?branch=all", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(data, &transcript))
	assert.Len(t, transcript.Messages, 3)

	resp, data = f.do(t, http.MethodGet, "/api/v1/threads/t1/transcript", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(data, &transcript))
	require.Len(t, transcript.Messages, 2)
	assert.Equal(t, "m3", transcript.Messages[1].ID)

	selections := `{"m1":"m2"}`
	resp, data = f.do(t, http.MethodGet, "/api/v1/threads/t1/transcript?selections="+selections, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(data, &transcript))
	require.Len(t, transcript.Messages, 2)
	assert.Equal(t, "m2", transcript.Messages[1].ID)

	resp, _ = f.do(t, http.MethodGet, "/api/v1/threads/t1/transcript?branch=sideways", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/v1/threads/t1/transcript?selections=not-json", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, data = f.do(t, http.MethodGet, "/api/v1/threads/t1/tree", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tree models.ThreadTree
	require.NoError(t, json.Unmarshal(data, &tree))
	assert.Len(t, tree.Nodes, 3)
	require.Len(t, tree.ForkPoints, 1)
	assert.Equal(t, "m3", tree.ForkPoints[0].ActiveChildID)
}

func TestErrorMapping(t *testing.T) {
	f := newAPIFixture(t)

	// Unknown run.
	resp, _ := f.do(t, http.MethodGet, "/api/v1/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/runs/missing/events", AppendEventsRequest{
		Events: []models.AgentEvent{models.NewTextDelta("x")},
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Append to a finished run conflicts.
	run := f.beginRun(t, "t1", "")
	resp, _ = f.do(t, http.MethodPost, "/api/v1/runs/"+run.RunID+"/finalize", FinalizeRunRequest{Status: models.RunStatusCancelled})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/api/v1/runs/"+run.RunID+"/events", AppendEventsRequest{
		Events: []models.AgentEvent{models.NewTextDelta("late")},
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Missing body fields.
	resp, _ = f.do(t, http.MethodPost, "/api/v1/runs/"+run.RunID+"/finalize", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Bad finalize status.
	other := f.beginRun(t, "t1", "")
	resp, _ = f.do(t, http.MethodPost, "/api/v1/runs/"+other.RunID+"/finalize", FinalizeRunRequest{Status: "streaming"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStaleRunsAndRecovery(t *testing.T) {
	f := newAPIFixture(t)

	run := f.beginRun(t, "t1", "")
	time.Sleep(5 * time.Millisecond)

	resp, data := f.do(t, http.MethodGet, "/api/v1/runs/stale?olderThanMs=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listing struct {
		StaleRuns []models.StaleRunInfo `json:"staleRuns"`
	}
	require.NoError(t, json.Unmarshal(data, &listing))
	require.Len(t, listing.StaleRuns, 1)
	assert.Equal(t, run.RunID, listing.StaleRuns[0].RunID)

	resp, _ = f.do(t, http.MethodGet, "/api/v1/runs/stale?olderThanMs=-3", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, data = f.do(t, http.MethodPost, "/api/v1/runs/"+run.RunID+"/recover", RecoverRunRequest{
		Action: ledger.RecoverActionCancel,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	var rec ledger.RecoverResult
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, models.RunStatusCancelled, rec.NewStatus)

	// Recovering twice conflicts.
	resp, _ = f.do(t, http.MethodPost, "/api/v1/runs/"+run.RunID+"/recover", RecoverRunRequest{
		Action: ledger.RecoverActionCancel,
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestDeleteThreadEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	run := f.beginRun(t, "t1", "")
	resp, _ := f.do(t, http.MethodDelete, "/api/v1/threads/t1", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/v1/runs/"+run.RunID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListRunsEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	for i := 0; i < 3; i++ {
		f.beginRun(t, "t1", "")
	}
	f.beginRun(t, "other", "")

	resp, data := f.do(t, http.MethodGet, "/api/v1/threads/t1/runs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listing struct {
		Runs []models.RunRecord `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(data, &listing))
	assert.Len(t, listing.Runs, 3)
}

// The full producer→subscriber path: append over REST, observe over /ws.
func TestWebSocketFanout(t *testing.T) {
	f := newAPIFixture(t)

	run := f.beginRun(t, "t1", "")

	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws"
	client := stream.NewClient[models.AgentEvent](wsURL, stream.ClientConfig{})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))

	sub := client.Subscribe(run.StreamID, 0)
	upd, err := sub.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, upd.ReplayDone)

	resp, _ := f.do(t, http.MethodPost, "/api/v1/runs/"+run.RunID+"/events", AppendEventsRequest{
		Events: []models.AgentEvent{models.NewTextDelta("live!")},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	upd, err = sub.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, upd.Event)
	assert.Equal(t, models.EventKindTextDelta, upd.Event.Event.Kind)

	var payload models.TextDeltaPayload
	require.NoError(t, json.Unmarshal(upd.Event.Event.Payload, &payload))
	assert.Equal(t, "live!", payload.Text)
}

func TestRouteNotFound(t *testing.T) {
	f := newAPIFixture(t)
	resp, _ := f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/bogus/%d", time.Now().Unix()), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
