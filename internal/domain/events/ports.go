package events

import "context"

// Broker enables publishing and subscribing to domain events by topic. It
// abstracts the messaging infrastructure (in-process fan-out, Kafka) so a
// multi-instance deployment can swap in a networked broker without touching
// callers. The broker is never authoritative: losing an event never corrupts
// state, which lives in the scan repositories.
type Broker interface {
	// Publish broadcasts a domain event to all current subscribers of the
	// topic. Delivery is best-effort; slow subscribers may miss events.
	// Options such as WithKey control routing on networked brokers and are
	// ignored by brokers that have no use for them.
	Publish(ctx context.Context, topic string, event DomainEvent, opts ...PublishOption) error

	// Subscribe registers interest in a topic. The returned channel receives
	// events in emission order until the cancel function is called or the
	// context is done.
	Subscribe(ctx context.Context, topic string) (<-chan DomainEvent, func(), error)

	// Close shuts down the broker and releases associated resources.
	Close() error
}

// PublishOption is a function type that modifies PublishParams.
type PublishOption func(*PublishParams)

// PublishParams contains configuration options for publishing domain events.
type PublishParams struct {
	// Key is used as a partition key to control event routing and ordering.
	Key string
	// Headers contain metadata key-value pairs attached to the event.
	Headers map[string]string
}

// WithKey returns a PublishOption that sets the partition key for event routing.
func WithKey(key string) PublishOption {
	return func(p *PublishParams) { p.Key = key }
}

// WithHeaders returns a PublishOption that attaches metadata headers to an event.
func WithHeaders(headers map[string]string) PublishOption {
	return func(p *PublishParams) { p.Headers = headers }
}
