package stream

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeClient(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		valid bool
	}{
		{"hello", `{"type":"hello","version":1}`, true},
		{"hello without version", `{"type":"hello"}`, false},
		{"subscribe", `{"type":"subscribe","streamId":"run:1","afterSeq":5}`, true},
		{"subscribe without stream", `{"type":"subscribe"}`, false},
		{"unsubscribe", `{"type":"unsubscribe","streamId":"run:1"}`, true},
		{"pong", `{"type":"pong"}`, true},
		{"unknown type", `{"type":"bogus"}`, false},
		{"missing type", `{"streamId":"run:1"}`, false},
		{"not json", `{{{`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := DecodeClient([]byte(tt.frame))
			if tt.valid {
				assert.NotNil(t, msg)
			} else {
				assert.Nil(t, msg)
			}
		})
	}
}

func TestDecodeClientSubscribeFields(t *testing.T) {
	msg := DecodeClient([]byte(`{"type":"subscribe","streamId":"run:abc","afterSeq":42}`))
	require.NotNil(t, msg)
	assert.Equal(t, MsgSubscribe, msg.Type)
	assert.Equal(t, "run:abc", msg.StreamID)
	assert.Equal(t, uint64(42), msg.AfterSeq)
}

func TestDecodeServer(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		valid bool
	}{
		{"server-hello", `{"type":"server-hello","version":1}`, true},
		{"server-hello without version", `{"type":"server-hello"}`, false},
		{"event", `{"type":"event","streamId":"run:1","event":{"seq":1,"timestamp":"2026-01-01T00:00:00Z","streamId":"run:1","event":{}}}`, true},
		{"event without payload", `{"type":"event","streamId":"run:1"}`, false},
		{"event without stream", `{"type":"event","event":{"seq":1}}`, false},
		{"replay-end", `{"type":"replay-end","streamId":"run:1","lastReplaySeq":7}`, true},
		{"replay-end without marker", `{"type":"replay-end","streamId":"run:1"}`, false},
		{"ping", `{"type":"ping"}`, true},
		{"error", `{"type":"error","code":"REPLAY_FAILED","message":"boom"}`, true},
		{"error without code", `{"type":"error","message":"boom"}`, false},
		{"unknown type", `{"type":"hello","version":1}`, false},
		{"not json", `no`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := DecodeServer([]byte(tt.frame))
			if tt.valid {
				assert.NotNil(t, msg)
			} else {
				assert.Nil(t, msg)
			}
		})
	}
}

// The empty-stream marker replay-end{lastReplaySeq: 0} must survive a
// round trip; omitempty on a plain uint64 would drop it.
func TestReplayEndZeroRoundTrip(t *testing.T) {
	frame := replayEndFrame("run:1", 0)
	assert.Contains(t, string(frame), `"lastReplaySeq":0`)

	msg := DecodeServer(frame)
	require.NotNil(t, msg)
	require.NotNil(t, msg.LastReplaySeq)
	assert.Equal(t, uint64(0), *msg.LastReplaySeq)
}

func TestEventFrameRoundTrip(t *testing.T) {
	evt := WireEvent{Seq: 3, StreamID: "run:1", Event: json.RawMessage(`{"kind":"text-delta"}`)}
	frame, err := Encode(ServerMessage{Type: MsgEvent, StreamID: "run:1", Event: &evt})
	require.NoError(t, err)

	msg := DecodeServer(frame)
	require.NotNil(t, msg)
	assert.Equal(t, uint64(3), msg.Event.Seq)
	assert.JSONEq(t, `{"kind":"text-delta"}`, string(msg.Event.Event))
}

func TestHandshakeFrames(t *testing.T) {
	client := DecodeClient(helloFrame())
	require.NotNil(t, client)
	assert.Equal(t, ProtocolVersion, client.Version)

	server := DecodeServer(serverHelloFrame())
	require.NotNil(t, server)
	assert.Equal(t, ProtocolVersion, server.Version)

	errMsg := DecodeServer(errorFrame(CodeInvalidMessage, "unparseable frame"))
	require.NotNil(t, errMsg)
	assert.Equal(t, CodeInvalidMessage, errMsg.Code)
}
