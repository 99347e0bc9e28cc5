// Package accumulator folds a replayed run stream into ordered canonical
// messages. The fold is deterministic: identical stored sequences produce
// identical message content and ordering, so re-running a finalize after a
// crash converges on the same transcript.
package accumulator

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chroniclehq/chronicle/pkg/eventstore"
	"github.com/chroniclehq/chronicle/pkg/models"
)

// ErrRunFailed is wrapped around the producer's error event message when a
// stream terminates abnormally. Messages emitted before the error remain
// valid and are returned alongside it.
var ErrRunFailed = errors.New("run stream reported an error")

// Options configures one accumulation pass.
type Options struct {
	// RunID is stamped into every emitted message.
	RunID string
	// ForkFromMessageID becomes the parentMessageId of the first emitted
	// message. Empty means the run starts a new root.
	ForkFromMessageID string
	// IDs generates message identifiers. Nil selects the ULID generator.
	IDs IDGenerator
}

// Accumulate folds a bounded stored-event sequence into canonical messages.
// On an error event it returns the messages flushed so far together with the
// error; callers decide whether a partial transcript is worth keeping.
func Accumulate(events []eventstore.StoredEvent[models.AgentEvent], opts Options) ([]models.CanonicalMessage, error) {
	acc := New(opts)
	for _, evt := range events {
		if err := acc.Feed(evt); err != nil {
			return acc.Messages(), err
		}
	}
	return acc.Finish(), nil
}

// Accumulator is the incremental form of Accumulate. Feed events in stream
// order, then call Finish to flush the trailing assistant message. Not safe
// for concurrent use.
type Accumulator struct {
	runID    string
	parentID string
	ids      IDGenerator

	messages []models.CanonicalMessage

	// current assistant message under construction. Text deltas coalesce
	// into the part at textIdx; other parts append in event order.
	parts     []models.Part
	textIdx   int
	openedAt  time.Time
	hasOpen   bool
	toolNames map[string]string
}

// New creates an accumulator for one run.
func New(opts Options) *Accumulator {
	ids := opts.IDs
	if ids == nil {
		ids = NewULIDGenerator()
	}
	return &Accumulator{
		runID:     opts.RunID,
		parentID:  opts.ForkFromMessageID,
		ids:       ids,
		textIdx:   -1,
		toolNames: make(map[string]string),
	}
}

// Feed folds one stored event. An error event (or a malformed payload)
// returns an error and discards the un-flushed partial message; previously
// emitted messages are preserved.
func (a *Accumulator) Feed(evt eventstore.StoredEvent[models.AgentEvent]) error {
	switch evt.Event.Kind {
	case models.EventKindTextDelta:
		var p models.TextDeltaPayload
		if err := decodePayload(evt, &p); err != nil {
			return err
		}
		a.open(evt.Timestamp)
		if a.textIdx < 0 {
			a.parts = append(a.parts, models.TextPart(""))
			a.textIdx = len(a.parts) - 1
		}
		a.parts[a.textIdx].Text += p.Text

	case models.EventKindReasoning:
		var p models.ReasoningPayload
		if err := decodePayload(evt, &p); err != nil {
			return err
		}
		a.open(evt.Timestamp)
		a.parts = append(a.parts, models.ReasoningPart(p.Text))

	case models.EventKindFile:
		var p models.FilePayload
		if err := decodePayload(evt, &p); err != nil {
			return err
		}
		a.open(evt.Timestamp)
		a.parts = append(a.parts, models.FilePart(p.MimeType, p.URL, p.Name))

	case models.EventKindToolCall:
		var p models.ToolCallPayload
		if err := decodePayload(evt, &p); err != nil {
			return err
		}
		// The call closes the assistant message with the tool-call as its
		// final part and registers the expectation for the paired result.
		a.open(evt.Timestamp)
		a.parts = append(a.parts, models.ToolCallPart(p.ToolCallID, p.ToolName, p.Input))
		a.toolNames[p.ToolCallID] = p.ToolName
		a.flushAssistant()

	case models.EventKindToolResult:
		var p models.ToolResultPayload
		if err := decodePayload(evt, &p); err != nil {
			return err
		}
		// A result without a known call is still emitted; the producer may
		// have started the stream mid-conversation.
		name := p.ToolName
		if known, ok := a.toolNames[p.ToolCallID]; ok && name == "" {
			name = known
		}
		a.emit(models.RoleTool, []models.Part{
			models.ToolResultPart(p.ToolCallID, name, p.Output, p.IsError),
		}, evt.Timestamp)

	case models.EventKindStepStart, models.EventKindStepEnd:
		a.flushAssistant()

	case models.EventKindError:
		var p models.ErrorPayload
		if err := decodePayload(evt, &p); err != nil {
			return err
		}
		a.discardOpen()
		return fmt.Errorf("%w: %s", ErrRunFailed, p.Message)

	default:
		// Producer-defined kinds pass through the transport but do not
		// contribute to the transcript.
	}
	return nil
}

// Finish flushes the trailing assistant message and returns the full ordered
// result.
func (a *Accumulator) Finish() []models.CanonicalMessage {
	a.flushAssistant()
	return a.Messages()
}

// Messages returns the messages emitted so far without flushing.
func (a *Accumulator) Messages() []models.CanonicalMessage {
	if a.messages == nil {
		return []models.CanonicalMessage{}
	}
	return a.messages
}

// open ensures an assistant message is under construction, stamping it with
// the timestamp of its first contributing event.
func (a *Accumulator) open(ts time.Time) {
	if !a.hasOpen {
		a.hasOpen = true
		a.openedAt = ts
		a.parts = nil
		a.textIdx = -1
	}
}

func (a *Accumulator) flushAssistant() {
	if !a.hasOpen || len(a.parts) == 0 {
		a.discardOpen()
		return
	}
	parts := a.parts
	ts := a.openedAt
	a.discardOpen()
	a.emit(models.RoleAssistant, parts, ts)
}

func (a *Accumulator) discardOpen() {
	a.hasOpen = false
	a.parts = nil
	a.textIdx = -1
}

// emit appends a finished message, chaining parentMessageId through the run.
func (a *Accumulator) emit(role models.Role, parts []models.Part, ts time.Time) {
	msg := models.CanonicalMessage{
		ID:              a.ids.NewID(ts),
		ParentMessageID: a.parentID,
		RunID:           a.runID,
		Role:            role,
		Parts:           parts,
		CreatedAt:       ts,
		Metadata:        map[string]any{"schemaVersion": models.SchemaVersion},
	}
	a.parentID = msg.ID
	a.messages = append(a.messages, msg)
}

func decodePayload(evt eventstore.StoredEvent[models.AgentEvent], out any) error {
	if err := json.Unmarshal(evt.Event.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload at seq %d: %w", evt.Event.Kind, evt.Seq, err)
	}
	return nil
}
