// Package models defines the domain types shared across Chronicle: the agent
// stream event union, canonical messages and parts, and run records.
package models

import "encoding/json"

// Agent stream event kinds. The transport layer never interprets these — only
// the accumulator does. Producers may emit additional kinds; unknown kinds are
// routed and persisted but ignored at accumulation time.
const (
	EventKindTextDelta  = "text-delta"
	EventKindReasoning  = "reasoning"
	EventKindToolCall   = "tool-call"
	EventKindToolResult = "tool-result"
	EventKindFile       = "file"
	EventKindStepStart  = "step-start"
	EventKindStepEnd    = "step-end"
	EventKindError      = "error"
)

// AgentEvent is the producer-defined event envelope appended to a run's
// stream. Payload is opaque to the event store and fan-out server.
type AgentEvent struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// TextDeltaPayload carries an incremental chunk of assistant text.
type TextDeltaPayload struct {
	Text string `json:"text"`
}

// ReasoningPayload carries a chunk of model reasoning text.
type ReasoningPayload struct {
	Text string `json:"text"`
}

// ToolCallPayload declares a tool invocation requested by the model.
type ToolCallPayload struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Input      json.RawMessage `json:"input,omitempty"`
}

// ToolResultPayload carries the outcome of a tool invocation, correlated to
// the originating call via ToolCallID.
type ToolResultPayload struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Output     json.RawMessage `json:"output,omitempty"`
	IsError    bool            `json:"isError,omitempty"`
}

// FilePayload references a file produced during the run.
type FilePayload struct {
	MimeType string `json:"mimeType"`
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
}

// ErrorPayload terminates a stream abnormally.
type ErrorPayload struct {
	Message string `json:"message"`
}

func mustEvent(kind string, payload any) AgentEvent {
	raw, err := json.Marshal(payload)
	if err != nil {
		// All payload structs above marshal without error; a failure here is a
		// programmer error.
		panic(err)
	}
	return AgentEvent{Kind: kind, Payload: raw}
}

// NewTextDelta builds a text-delta event.
func NewTextDelta(text string) AgentEvent {
	return mustEvent(EventKindTextDelta, TextDeltaPayload{Text: text})
}

// NewReasoning builds a reasoning event.
func NewReasoning(text string) AgentEvent {
	return mustEvent(EventKindReasoning, ReasoningPayload{Text: text})
}

// NewToolCall builds a tool-call event.
func NewToolCall(toolCallID, toolName string, input json.RawMessage) AgentEvent {
	return mustEvent(EventKindToolCall, ToolCallPayload{ToolCallID: toolCallID, ToolName: toolName, Input: input})
}

// NewToolResult builds a tool-result event.
func NewToolResult(toolCallID, toolName string, output json.RawMessage, isError bool) AgentEvent {
	return mustEvent(EventKindToolResult, ToolResultPayload{ToolCallID: toolCallID, ToolName: toolName, Output: output, IsError: isError})
}

// NewFile builds a file event.
func NewFile(mimeType, url, name string) AgentEvent {
	return mustEvent(EventKindFile, FilePayload{MimeType: mimeType, URL: url, Name: name})
}

// NewStepStart builds a step boundary event opening a step.
func NewStepStart() AgentEvent {
	return AgentEvent{Kind: EventKindStepStart}
}

// NewStepEnd builds a step boundary event closing a step.
func NewStepEnd() AgentEvent {
	return AgentEvent{Kind: EventKindStepEnd}
}

// NewError builds an error event.
func NewError(message string) AgentEvent {
	return mustEvent(EventKindError, ErrorPayload{Message: message})
}
