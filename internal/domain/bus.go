package domain

import "time"

// Event is one host-visible occurrence: an inbound signal message, a
// completed send, a listener state change.
type Event struct {
	Type      string         // e.g. "signal.received", "message.sent"
	Source    string         // originating gateway name
	Payload   map[string]any // event-specific data
	Timestamp time.Time      // when the event was created
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// Bus routes events between gateways and their consumers.
type Bus interface {
	// Emit publishes an event synchronously to all registered handlers.
	Emit(event Event)
	// EmitAsync publishes an event without blocking the caller.
	EmitAsync(event Event)
	// On registers a handler for the given event type ("*" for all).
	// Returns a handler ID for Off.
	On(eventType string, handler EventHandler) string
	// Off removes a handler by its ID.
	Off(eventType, handlerID string)
}
