package models

import (
	"encoding/json"
	"time"
)

// SchemaVersion is stamped into every canonical message's metadata so stored
// transcripts can be migrated if the part shape evolves.
const SchemaVersion = 1

// Role identifies the author of a canonical message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// PartType discriminates the canonical part union.
type PartType string

const (
	PartTypeText       PartType = "text"
	PartTypeReasoning  PartType = "reasoning"
	PartTypeToolCall   PartType = "tool-call"
	PartTypeToolResult PartType = "tool-result"
	PartTypeFile       PartType = "file"
)

// Part is one content fragment of a canonical message. Exactly the fields for
// the variant named by Type are set; the rest stay zero.
type Part struct {
	Type PartType `json:"type"`

	// text / reasoning
	Text string `json:"text,omitempty"`

	// tool-call / tool-result
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	IsError    bool            `json:"isError,omitempty"`

	// file
	MimeType string `json:"mimeType,omitempty"`
	URL      string `json:"url,omitempty"`
	Name     string `json:"name,omitempty"`
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Type: PartTypeText, Text: text}
}

// ReasoningPart builds a reasoning part.
func ReasoningPart(text string) Part {
	return Part{Type: PartTypeReasoning, Text: text}
}

// ToolCallPart builds a tool-call part.
func ToolCallPart(toolCallID, toolName string, input json.RawMessage) Part {
	return Part{Type: PartTypeToolCall, ToolCallID: toolCallID, ToolName: toolName, Input: input}
}

// ToolResultPart builds a tool-result part.
func ToolResultPart(toolCallID, toolName string, output json.RawMessage, isError bool) Part {
	return Part{Type: PartTypeToolResult, ToolCallID: toolCallID, ToolName: toolName, Output: output, IsError: isError}
}

// FilePart builds a file part.
func FilePart(mimeType, url, name string) Part {
	return Part{Type: PartTypeFile, MimeType: mimeType, URL: url, Name: name}
}

// CanonicalMessage is an immutable committed message in a thread's transcript.
// ID is a ULID. ParentMessageID is empty for root messages. Ordinal is the
// thread-wide insertion order assigned at commit time; it is zero until the
// message has been committed through the ledger.
type CanonicalMessage struct {
	ID              string         `json:"id"`
	ParentMessageID string         `json:"parentMessageId,omitempty"`
	RunID           string         `json:"runId,omitempty"`
	Role            Role           `json:"role"`
	Parts           []Part         `json:"parts"`
	CreatedAt       time.Time      `json:"createdAt"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Ordinal         int            `json:"ordinal,omitempty"`
}
