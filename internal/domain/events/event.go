// Package events provides domain event handling capabilities for communicating
// state changes across system boundaries in a decoupled way.
package events

import "time"

// EventType represents a domain event category, enabling type-safe event
// routing and handling.
type EventType string

// DomainEvent is the behavior every scan lifecycle event exposes so it can be
// routed and serialized without knowledge of its concrete type.
type DomainEvent interface {
	// EventType identifies the category of this event.
	EventType() EventType

	// OccurredAt records when this event was created.
	OccurredAt() time.Time
}
