package schema

import (
	"encoding/json"
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// Event holds the schema definition for stored stream events. The payload is
// opaque JSON; ordering within a stream is given by (stream_id, seq).
type Event struct {
	ent.Schema
}

// Fields of the Event.
func (Event) Fields() []ent.Field {
	return []ent.Field{
		field.String("stream_id").
			Immutable(),
		field.Uint64("seq").
			Immutable().
			Comment("Per-stream position, starts at 1"),
		field.Time("timestamp").
			Immutable().
			Comment("Batch timestamp, millisecond precision"),
		field.JSON("payload", json.RawMessage{}).
			Immutable().
			Comment("Producer event envelope, not interpreted by the store"),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
	}
}

// Indexes of the Event.
func (Event) Indexes() []ent.Index {
	return []ent.Index{
		// Replay scans and head queries
		index.Fields("stream_id", "seq").
			Unique(),
	}
}
