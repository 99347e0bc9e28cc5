package schema

import (
	"encoding/json"

	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// Part holds the schema definition for canonical message parts. Parts are
// stored as (type, data) with a per-message local ordinal preserving input
// order.
type Part struct {
	ent.Schema
}

// Fields of the Part.
func (Part) Fields() []ent.Field {
	return []ent.Field{
		field.String("message_id").
			Immutable(),
		field.String("type").
			Immutable().
			Comment("text, reasoning, tool-call, tool-result, file"),
		field.JSON("data", json.RawMessage{}).
			Immutable().
			Comment("Serialized part variant fields"),
		field.Int("ordinal").
			Immutable().
			Comment("Position within the message"),
	}
}

// Edges of the Part.
func (Part) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("message", Message.Type).
			Ref("parts").
			Field("message_id").
			Unique().
			Required().
			Immutable(),
	}
}

// Indexes of the Part.
func (Part) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("message_id", "ordinal"),
	}
}
