// Package bus provides the in-process event bus for Conduit.
package bus

import (
	"time"

	"github.com/google/uuid"
)

// Event represents a message on the event bus.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	SessionID string         `json:"session_id"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp.
func NewEvent(eventType, sessionID string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Handler is a function that handles an event. Handlers are invoked
// synchronously in emission order; a panicking handler is recovered and does
// not prevent delivery to the remaining subscribers.
type Handler func(event *Event)

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe()
	IsValid() bool
}

// Mirror receives a copy of every emitted event, e.g. for publishing to an
// external broker. Mirror failures never affect local delivery.
type Mirror interface {
	Publish(event *Event) error
	Close()
}
