// Package stream implements Chronicle's real-time event transport: the JSON
// wire protocol, the fan-out server with replay→live promotion, and the
// resilient subscriber client.
//
// Every frame is a single UTF-8 JSON text message. A connection opens with a
// versioned handshake (hello / server-hello); subscriptions then multiplex
// over the connection. Each successful subscribe delivers a complete replay
// slice, exactly one replay-end marker, and then live events in strictly
// increasing seq order.
package stream

import (
	"encoding/json"

	"github.com/chroniclehq/chronicle/pkg/eventstore"
)

// ProtocolVersion is the wire protocol version. Handshakes require exact
// equality; mismatches produce error{VERSION_MISMATCH} and a close.
const ProtocolVersion = 1

// Client → server message types.
const (
	MsgHello       = "hello"
	MsgSubscribe   = "subscribe"
	MsgUnsubscribe = "unsubscribe"
	MsgPong        = "pong"
)

// Server → client message types.
const (
	MsgServerHello = "server-hello"
	MsgEvent       = "event"
	MsgReplayEnd   = "replay-end"
	MsgPing        = "ping"
	MsgError       = "error"
)

// Wire error codes.
const (
	CodeVersionMismatch = "VERSION_MISMATCH"
	CodeUnknownStream   = "UNKNOWN_STREAM"
	CodeReplayFailed    = "REPLAY_FAILED"
	CodeBufferOverflow  = "BUFFER_OVERFLOW"
	CodeInvalidMessage  = "INVALID_MESSAGE"
)

// WireEvent is a stored event as it crosses the wire: the payload stays raw
// so the transport never interprets it.
type WireEvent = eventstore.StoredEvent[json.RawMessage]

// ClientMessage is the union of client → server frames.
type ClientMessage struct {
	Type     string `json:"type"`
	Version  int    `json:"version,omitempty"`
	StreamID string `json:"streamId,omitempty"`
	AfterSeq uint64 `json:"afterSeq,omitempty"`
}

// ServerMessage is the union of server → client frames. LastReplaySeq is a
// pointer so that replay-end{lastReplaySeq: 0} survives encoding and its
// presence can be validated on decode.
type ServerMessage struct {
	Type          string     `json:"type"`
	Version       int        `json:"version,omitempty"`
	StreamID      string     `json:"streamId,omitempty"`
	Event         *WireEvent `json:"event,omitempty"`
	LastReplaySeq *uint64    `json:"lastReplaySeq,omitempty"`
	Code          string     `json:"code,omitempty"`
	Message       string     `json:"message,omitempty"`
}

// Encode serializes a message to its wire form.
func Encode(msg any) ([]byte, error) {
	return json.Marshal(msg)
}

// DecodeClient parses a client frame. Unknown types and frames missing
// required fields yield nil rather than an error: the caller answers with
// error{INVALID_MESSAGE} and carries on.
func DecodeClient(data []byte) *ClientMessage {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil
	}
	switch msg.Type {
	case MsgHello:
		if msg.Version == 0 {
			return nil
		}
	case MsgSubscribe, MsgUnsubscribe:
		if msg.StreamID == "" {
			return nil
		}
	case MsgPong:
	default:
		return nil
	}
	return &msg
}

// DecodeServer parses a server frame with the same strictness as
// DecodeClient.
func DecodeServer(data []byte) *ServerMessage {
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil
	}
	switch msg.Type {
	case MsgServerHello:
		if msg.Version == 0 {
			return nil
		}
	case MsgEvent:
		if msg.StreamID == "" || msg.Event == nil {
			return nil
		}
	case MsgReplayEnd:
		if msg.StreamID == "" || msg.LastReplaySeq == nil {
			return nil
		}
	case MsgError:
		if msg.Code == "" {
			return nil
		}
	case MsgPing:
	default:
		return nil
	}
	return &msg
}

// helloFrame builds the client handshake frame.
func helloFrame() []byte {
	data, _ := Encode(ClientMessage{Type: MsgHello, Version: ProtocolVersion})
	return data
}

// serverHelloFrame builds the server handshake reply.
func serverHelloFrame() []byte {
	data, _ := Encode(ServerMessage{Type: MsgServerHello, Version: ProtocolVersion})
	return data
}

// errorFrame builds an error frame.
func errorFrame(code, message string) []byte {
	data, _ := Encode(ServerMessage{Type: MsgError, Code: code, Message: message})
	return data
}

// replayEndFrame builds the promotion marker frame for a subscription.
func replayEndFrame(streamID string, lastReplaySeq uint64) []byte {
	data, _ := Encode(ServerMessage{Type: MsgReplayEnd, StreamID: streamID, LastReplaySeq: &lastReplaySeq})
	return data
}
