package schema

import (
	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// Message holds the schema definition for canonical transcript messages.
// Messages are immutable once committed; the thread-wide ordinal is assigned
// inside the commit transaction.
type Message struct {
	ent.Schema
}

// Fields of the Message.
func (Message) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("message_id").
			Unique().
			Immutable().
			Comment("ULID"),
		field.String("run_id").
			Immutable(),
		field.String("thread_id").
			Immutable(),
		field.String("parent_message_id").
			Optional().
			Nillable().
			Immutable().
			Comment("Nil for root messages"),
		field.Enum("role").
			Values("system", "user", "assistant", "tool").
			Immutable(),
		field.Time("created_at").
			Immutable(),
		field.JSON("metadata", map[string]any{}).
			Optional(),
		field.Int("ordinal").
			Immutable().
			Comment("Thread-wide commit order"),
	}
}

// Edges of the Message.
func (Message) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("run", Run.Type).
			Ref("messages").
			Field("run_id").
			Unique().
			Required().
			Immutable(),
		edge.To("parts", Part.Type),
	}
}

// Indexes of the Message.
func (Message) Indexes() []ent.Index {
	return []ent.Index{
		// Ordered transcript scans
		index.Fields("thread_id", "ordinal"),
		// Tree building
		index.Fields("parent_message_id"),
		index.Fields("run_id"),
	}
}
