// Code generated by ent, DO NOT EDIT.

package migrate

import (
	"entgo.io/ent/dialect/sql/schema"
	"entgo.io/ent/schema/field"
)

var (
	// EventsColumns holds the columns for the "events" table.
	EventsColumns = []*schema.Column{
		{Name: "id", Type: field.TypeInt, Increment: true},
		{Name: "stream_id", Type: field.TypeString},
		{Name: "seq", Type: field.TypeUint64},
		{Name: "timestamp", Type: field.TypeTime},
		{Name: "payload", Type: field.TypeJSON},
		{Name: "created_at", Type: field.TypeTime},
	}
	// EventsTable holds the schema information for the "events" table.
	EventsTable = &schema.Table{
		Name:       "events",
		Columns:    EventsColumns,
		PrimaryKey: []*schema.Column{EventsColumns[0]},
		Indexes: []*schema.Index{
			{
				Name:    "event_stream_id_seq",
				Unique:  true,
				Columns: []*schema.Column{EventsColumns[1], EventsColumns[2]},
			},
		},
	}
	// MessagesColumns holds the columns for the "messages" table.
	MessagesColumns = []*schema.Column{
		{Name: "message_id", Type: field.TypeString, Unique: true},
		{Name: "thread_id", Type: field.TypeString},
		{Name: "parent_message_id", Type: field.TypeString, Nullable: true},
		{Name: "role", Type: field.TypeEnum, Enums: []string{"system", "user", "assistant", "tool"}},
		{Name: "created_at", Type: field.TypeTime},
		{Name: "metadata", Type: field.TypeJSON, Nullable: true},
		{Name: "ordinal", Type: field.TypeInt},
		{Name: "run_id", Type: field.TypeString},
	}
	// MessagesTable holds the schema information for the "messages" table.
	MessagesTable = &schema.Table{
		Name:       "messages",
		Columns:    MessagesColumns,
		PrimaryKey: []*schema.Column{MessagesColumns[0]},
		ForeignKeys: []*schema.ForeignKey{
			{
				Symbol:     "messages_runs_messages",
				Columns:    []*schema.Column{MessagesColumns[7]},
				RefColumns: []*schema.Column{RunsColumns[0]},
				OnDelete:   schema.NoAction,
			},
		},
		Indexes: []*schema.Index{
			{
				Name:    "message_thread_id_ordinal",
				Unique:  false,
				Columns: []*schema.Column{MessagesColumns[1], MessagesColumns[6]},
			},
			{
				Name:    "message_parent_message_id",
				Unique:  false,
				Columns: []*schema.Column{MessagesColumns[2]},
			},
			{
				Name:    "message_run_id",
				Unique:  false,
				Columns: []*schema.Column{MessagesColumns[7]},
			},
		},
	}
	// PartsColumns holds the columns for the "parts" table.
	PartsColumns = []*schema.Column{
		{Name: "id", Type: field.TypeInt, Increment: true},
		{Name: "type", Type: field.TypeString},
		{Name: "data", Type: field.TypeJSON},
		{Name: "ordinal", Type: field.TypeInt},
		{Name: "message_id", Type: field.TypeString},
	}
	// PartsTable holds the schema information for the "parts" table.
	PartsTable = &schema.Table{
		Name:       "parts",
		Columns:    PartsColumns,
		PrimaryKey: []*schema.Column{PartsColumns[0]},
		ForeignKeys: []*schema.ForeignKey{
			{
				Symbol:     "parts_messages_parts",
				Columns:    []*schema.Column{PartsColumns[4]},
				RefColumns: []*schema.Column{MessagesColumns[0]},
				OnDelete:   schema.NoAction,
			},
		},
		Indexes: []*schema.Index{
			{
				Name:    "part_message_id_ordinal",
				Unique:  false,
				Columns: []*schema.Column{PartsColumns[4], PartsColumns[3]},
			},
		},
	}
	// RunsColumns holds the columns for the "runs" table.
	RunsColumns = []*schema.Column{
		{Name: "run_id", Type: field.TypeString, Unique: true},
		{Name: "thread_id", Type: field.TypeString},
		{Name: "stream_id", Type: field.TypeString},
		{Name: "fork_from_message_id", Type: field.TypeString, Nullable: true},
		{Name: "status", Type: field.TypeEnum, Enums: []string{"created", "streaming", "committed", "failed", "cancelled", "superseded"}, Default: "created"},
		{Name: "created_at", Type: field.TypeTime},
		{Name: "finished_at", Type: field.TypeTime, Nullable: true},
		{Name: "message_count", Type: field.TypeInt, Default: 0},
	}
	// RunsTable holds the schema information for the "runs" table.
	RunsTable = &schema.Table{
		Name:       "runs",
		Columns:    RunsColumns,
		PrimaryKey: []*schema.Column{RunsColumns[0]},
		Indexes: []*schema.Index{
			{
				Name:    "run_thread_id",
				Unique:  false,
				Columns: []*schema.Column{RunsColumns[1]},
			},
			{
				Name:    "run_thread_id_status",
				Unique:  false,
				Columns: []*schema.Column{RunsColumns[1], RunsColumns[4]},
			},
			{
				Name:    "run_status_created_at",
				Unique:  false,
				Columns: []*schema.Column{RunsColumns[4], RunsColumns[5]},
			},
		},
	}
	// Tables holds all the tables in the schema.
	Tables = []*schema.Table{
		EventsTable,
		MessagesTable,
		PartsTable,
		RunsTable,
	}
)

func init() {
	MessagesTable.ForeignKeys[0].RefTable = RunsTable
	PartsTable.ForeignKeys[0].RefTable = MessagesTable
}
