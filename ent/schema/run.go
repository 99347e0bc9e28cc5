package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// Run holds the schema definition for run lifecycle records.
type Run struct {
	ent.Schema
}

// Fields of the Run.
func (Run) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("run_id").
			Unique().
			Immutable(),
		field.String("thread_id").
			Immutable(),
		field.String("stream_id").
			Immutable().
			Comment("Event stream owned by this run (run:<run_id>)"),
		field.String("fork_from_message_id").
			Optional().
			Nillable().
			Immutable().
			Comment("Message this run forked from; nil for root runs"),
		field.Enum("status").
			Values("created", "streaming", "committed", "failed", "cancelled", "superseded").
			Default("created"),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
		field.Time("finished_at").
			Optional().
			Nillable().
			Comment("Nil exactly while status is created or streaming"),
		field.Int("message_count").
			Default(0).
			Comment("Set on commit, zero while active"),
	}
}

// Edges of the Run.
func (Run) Edges() []ent.Edge {
	return []ent.Edge{
		edge.To("messages", Message.Type),
	}
}

// Indexes of the Run.
func (Run) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("thread_id"),
		index.Fields("thread_id", "status"),
		// Stale-run scans
		index.Fields("status", "created_at"),
	}
}
