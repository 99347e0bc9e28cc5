package accumulator

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chroniclehq/chronicle/pkg/eventstore"
	"github.com/chroniclehq/chronicle/pkg/models"
)

// sequence wraps bare events in stored envelopes with consecutive seqs and
// timestamps one second apart.
func sequence(events ...models.AgentEvent) []eventstore.StoredEvent[models.AgentEvent] {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	stored := make([]eventstore.StoredEvent[models.AgentEvent], len(events))
	for i, evt := range events {
		stored[i] = eventstore.StoredEvent[models.AgentEvent]{
			Seq:       uint64(i + 1),
			Timestamp: base.Add(time.Duration(i) * time.Second),
			StreamID:  "run:r1",
			Event:     evt,
		}
	}
	return stored
}

func testOpts() Options {
	return Options{RunID: "r1", IDs: NewCounterGenerator("")}
}

func TestAccumulateCoalescesTextDeltas(t *testing.T) {
	msgs, err := Accumulate(sequence(
		models.NewTextDelta("Hel"),
		models.NewTextDelta("lo, "),
		models.NewTextDelta("world"),
	), testOpts())
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	msg := msgs[0]
	assert.Equal(t, models.RoleAssistant, msg.Role)
	assert.Equal(t, "r1", msg.RunID)
	require.Len(t, msg.Parts, 1)
	assert.Equal(t, models.PartTypeText, msg.Parts[0].Type)
	assert.Equal(t, "Hello, world", msg.Parts[0].Text)

	// Message timestamp is the first contributing event's.
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), msg.CreatedAt)
	assert.Equal(t, models.SchemaVersion, msg.Metadata["schemaVersion"])
}

func TestAccumulateToolCycle(t *testing.T) {
	msgs, err := Accumulate(sequence(
		models.NewTextDelta("Let me check."),
		models.NewToolCall("tc1", "search", json.RawMessage(`{"q":"weather"}`)),
		models.NewToolResult("tc1", "", json.RawMessage(`{"temp":21}`), false),
		models.NewTextDelta("It's 21 degrees."),
	), testOpts())
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	// Assistant message closes with the tool call as its final part.
	first := msgs[0]
	assert.Equal(t, models.RoleAssistant, first.Role)
	require.Len(t, first.Parts, 2)
	assert.Equal(t, "Let me check.", first.Parts[0].Text)
	assert.Equal(t, models.PartTypeToolCall, first.Parts[1].Type)
	assert.Equal(t, "tc1", first.Parts[1].ToolCallID)
	assert.Equal(t, "search", first.Parts[1].ToolName)

	// The result becomes a tool-role message, tool name resolved from the call.
	second := msgs[1]
	assert.Equal(t, models.RoleTool, second.Role)
	require.Len(t, second.Parts, 1)
	assert.Equal(t, models.PartTypeToolResult, second.Parts[0].Type)
	assert.Equal(t, "search", second.Parts[0].ToolName)
	assert.JSONEq(t, `{"temp":21}`, string(second.Parts[0].Output))

	// Trailing text starts a fresh assistant message.
	third := msgs[2]
	assert.Equal(t, models.RoleAssistant, third.Role)
	assert.Equal(t, "It's 21 degrees.", third.Parts[0].Text)
}

func TestAccumulateParentChaining(t *testing.T) {
	opts := testOpts()
	opts.ForkFromMessageID = "fork-parent"
	msgs, err := Accumulate(sequence(
		models.NewTextDelta("a"),
		models.NewToolCall("tc1", "t", nil),
		models.NewToolResult("tc1", "t", nil, false),
	), opts)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	assert.Equal(t, "fork-parent", msgs[0].ParentMessageID)
	assert.Equal(t, msgs[0].ID, msgs[1].ParentMessageID)
}

func TestAccumulateReasoningAfterToolCallOpensNextMessage(t *testing.T) {
	msgs, err := Accumulate(sequence(
		models.NewToolCall("tc1", "t", nil),
		models.NewReasoning("thinking about the result"),
		models.NewTextDelta("done"),
	), testOpts())
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	// The tool call closed the first message, so the reasoning belongs to the
	// next one.
	assert.Equal(t, models.PartTypeToolCall, msgs[0].Parts[0].Type)
	require.Len(t, msgs[1].Parts, 2)
	assert.Equal(t, models.PartTypeReasoning, msgs[1].Parts[0].Type)
	assert.Equal(t, "done", msgs[1].Parts[1].Text)
}

func TestAccumulateTextResumesAfterReasoning(t *testing.T) {
	msgs, err := Accumulate(sequence(
		models.NewTextDelta("part one"),
		models.NewReasoning("aside"),
		models.NewTextDelta(" part two"),
	), testOpts())
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	// One coalesced text part even with reasoning interleaved.
	require.Len(t, msgs[0].Parts, 2)
	assert.Equal(t, "part one part two", msgs[0].Parts[0].Text)
	assert.Equal(t, models.PartTypeReasoning, msgs[0].Parts[1].Type)
}

func TestAccumulateStepBoundariesFlush(t *testing.T) {
	msgs, err := Accumulate(sequence(
		models.NewStepStart(),
		models.NewTextDelta("first step"),
		models.NewStepEnd(),
		models.NewStepStart(),
		models.NewTextDelta("second step"),
	), testOpts())
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first step", msgs[0].Parts[0].Text)
	assert.Equal(t, "second step", msgs[1].Parts[0].Text)
}

func TestAccumulateFileEvent(t *testing.T) {
	msgs, err := Accumulate(sequence(
		models.NewTextDelta("see attachment"),
		models.NewFile("image/png", "https://files.example/chart.png", "chart.png"),
	), testOpts())
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Len(t, msgs[0].Parts, 2)
	assert.Equal(t, models.PartTypeFile, msgs[0].Parts[1].Type)
	assert.Equal(t, "image/png", msgs[0].Parts[1].MimeType)
	assert.Equal(t, "chart.png", msgs[0].Parts[1].Name)
}

func TestAccumulateUnknownToolResultStillEmitted(t *testing.T) {
	msgs, err := Accumulate(sequence(
		models.NewToolResult("never-seen", "mystery", json.RawMessage(`"out"`), true),
	), testOpts())
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.RoleTool, msgs[0].Role)
	assert.Equal(t, "mystery", msgs[0].Parts[0].ToolName)
	assert.True(t, msgs[0].Parts[0].IsError)
}

func TestAccumulateUnknownKindIgnored(t *testing.T) {
	msgs, err := Accumulate(sequence(
		models.AgentEvent{Kind: "producer-custom", Payload: json.RawMessage(`{"x":1}`)},
		models.NewTextDelta("hi"),
	), testOpts())
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Parts[0].Text)
}

func TestAccumulateErrorEventReturnsFlushedMessages(t *testing.T) {
	msgs, err := Accumulate(sequence(
		models.NewTextDelta("complete thought"),
		models.NewToolCall("tc1", "t", nil),
		models.NewTextDelta("half a tho"),
		models.NewError("provider timeout"),
	), testOpts())
	require.ErrorIs(t, err, ErrRunFailed)
	assert.Contains(t, err.Error(), "provider timeout")

	// The flushed message survives; the partial one is discarded.
	require.Len(t, msgs, 1)
	assert.Equal(t, models.PartTypeToolCall, msgs[0].Parts[1].Type)
}

func TestAccumulateEmptyStream(t *testing.T) {
	msgs, err := Accumulate(nil, testOpts())
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.NotNil(t, msgs)
}

func TestAccumulateDeterministic(t *testing.T) {
	events := sequence(
		models.NewTextDelta("a"),
		models.NewToolCall("tc1", "t", json.RawMessage(`{}`)),
		models.NewToolResult("tc1", "t", json.RawMessage(`{}`), false),
		models.NewTextDelta("b"),
	)

	opts1 := Options{RunID: "r1", IDs: NewCounterGenerator("")}
	opts2 := Options{RunID: "r1", IDs: NewCounterGenerator("")}
	first, err := Accumulate(events, opts1)
	require.NoError(t, err)
	second, err := Accumulate(events, opts2)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestCounterGenerator(t *testing.T) {
	gen := NewCounterGenerator("")
	assert.Equal(t, "msg-000001", gen.NewID(time.Now()))
	assert.Equal(t, "msg-000002", gen.NewID(time.Now()))

	custom := NewCounterGenerator("fix")
	assert.Equal(t, "fix-000001", custom.NewID(time.Now()))
}

func TestULIDGeneratorOrdering(t *testing.T) {
	gen := NewULIDGenerator()
	ts := time.Now()
	first := gen.NewID(ts)
	second := gen.NewID(ts)
	assert.NotEqual(t, first, second)
	// Monotonic entropy: same timestamp still sorts in mint order.
	assert.Less(t, first, second)
}
