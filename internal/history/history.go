package history

import (
	"context"
	"time"
)

// EventType names the operation that caused a state transition.
type EventType string

const (
	EventStart EventType = "start"
	EventStop  EventType = "stop"
	EventInit  EventType = "init"
	EventForce EventType = "force"
)

// Record is the server snapshot attached to an event.
type Record struct {
	InstanceID string `json:"instance_id"`
	Address    string `json:"address"`
	From       string `json:"from"`
	To         string `json:"to"`
	Error      string `json:"error,omitempty"`
}

// Event represents a lifecycle transition exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
