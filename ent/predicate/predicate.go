// Code generated by ent, DO NOT EDIT.

package predicate

import (
	"entgo.io/ent/dialect/sql"
)

// Event is the predicate function for event builders.
type Event func(*sql.Selector)

// Message is the predicate function for message builders.
type Message func(*sql.Selector)

// Part is the predicate function for part builders.
type Part func(*sql.Selector)

// Run is the predicate function for run builders.
type Run func(*sql.Selector)
