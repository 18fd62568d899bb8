package types

import "context"

// EventType represents the type of event
type EventType string

const (
	// EventTypeChooserOpen asks the overlay chooser to show a paused batch.
	EventTypeChooserOpen   EventType = "cg-image-chooser-classic-open"
	// EventTypeChooserWidget asks the inline widget chooser to show a paused batch.
	EventTypeChooserWidget EventType = "cg-image-chooser-classic-widget-channel"

	EventTypeRunStarted     EventType = "run.started"
	EventTypeRunCancelled   EventType = "run.cancelled"
	EventTypeSelectionMade  EventType = "selection.made"
	EventTypeSystemStartup  EventType = "system.startup"
	EventTypeSystemShutdown EventType = "system.shutdown"
)

// Event represents a system event
type Event struct {
	ID        ID                     `json:"id"`
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"`
	Timestamp Timestamp              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Metadata  EventMetadata          `json:"metadata,omitempty"`
}

// EventMetadata contains additional information about an event
type EventMetadata struct {
	CorrelationID *ID               `json:"correlation_id,omitempty"`
	NodeID        string            `json:"node_id,omitempty"`
	Generation    uint64            `json:"generation,omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`
}

// EventHandler handles events
type EventHandler interface {
	// Handle processes an event
	Handle(ctx context.Context, event Event) error

	// CanHandle returns true if the handler can process the event type
	CanHandle(eventType EventType) bool
}

// EventFunc is a function adapter for EventHandler
type EventFunc func(ctx context.Context, event Event) error

// Handle implements EventHandler
func (f EventFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// CanHandle implements EventHandler (always returns true for EventFunc)
func (f EventFunc) CanHandle(eventType EventType) bool {
	return true
}

// EventFilter defines a filter for events
type EventFilter struct {
	Type   *EventType        `json:"type,omitempty"`
	Source *string           `json:"source,omitempty"`
	NodeID *string           `json:"node_id,omitempty"`
	Labels map[string]string `json:"labels,omitempty"`
}

// EventSubscription represents a subscription to events
type EventSubscription struct {
	ID        ID           `json:"id"`
	Filter    EventFilter  `json:"filter"`
	Handler   EventHandler `json:"-"`
	Active    bool         `json:"active"`
	CreatedAt Timestamp    `json:"created_at"`
}
