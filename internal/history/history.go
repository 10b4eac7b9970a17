// Package history exports engine status transitions to analytics stores.
package history

import (
	"context"
	"time"
)

// EventType defines the kind of history event.
type EventType string

const (
	EventStatus EventType = "status"
)

// Event is one status transition of a supervised engine.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Engine     string    `json:"engine"`
	State      string    `json:"state"`
	Reason     string    `json:"reason,omitempty"`
	Message    string    `json:"message,omitempty"`
	Attempt    int       `json:"attempt"`
	PID        int       `json:"pid"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Table is the default table name used by the SQL sinks.
const Table = "engine_history"
