// Package memory provides an in-memory implementation of the event broker.
// It fans events out to in-process subscribers and is the default broker for
// single-instance deployments, where the SSE stream is the only consumer.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/dbsweep/dbsweep/internal/domain/events"
)

// subscriberBuffer bounds each subscriber's channel. A subscriber that falls
// this far behind starts losing events; the broker is a live feed, not a
// durable log, and observers recover by re-reading authoritative state.
const subscriberBuffer = 64

type subscriber struct {
	ch     chan events.DomainEvent
	cancel context.CancelFunc
}

// Broker implements events.Broker with per-topic in-process fan-out.
type Broker struct {
	mu     sync.RWMutex
	topics map[string]map[int]*subscriber
	nextID int
	closed bool
}

var _ events.Broker = (*Broker)(nil)

// NewBroker creates an empty in-memory broker.
func NewBroker() *Broker {
	return &Broker{topics: make(map[string]map[int]*subscriber)}
}

// Publish delivers the event to every current subscriber of the topic.
// Delivery is non-blocking: a subscriber with a full buffer misses the event.
// Publish options only affect routing on networked brokers; in-process
// fan-out is already ordered per topic, so they are ignored here.
func (b *Broker) Publish(ctx context.Context, topic string, event events.DomainEvent, _ ...events.PublishOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errors.New("broker is closed")
	}

	for _, sub := range b.topics[topic] {
		select {
		case sub.ch <- event:
		default:
		}
	}
	return nil
}

// Subscribe registers a new subscriber for the topic. The returned cancel
// function is idempotent and releases the subscription; the channel is closed
// once no more events will be delivered.
func (b *Broker) Subscribe(ctx context.Context, topic string) (<-chan events.DomainEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, nil, errors.New("broker is closed")
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscriber{
		ch:     make(chan events.DomainEvent, subscriberBuffer),
		cancel: cancel,
	}

	id := b.nextID
	b.nextID++
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[int]*subscriber)
	}
	b.topics[topic][id] = sub

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			cancel()
			b.mu.Lock()
			defer b.mu.Unlock()
			if subs, ok := b.topics[topic]; ok {
				if _, ok := subs[id]; ok {
					delete(subs, id)
					close(sub.ch)
				}
				if len(subs) == 0 {
					delete(b.topics, topic)
				}
			}
		})
	}

	// Context cancellation tears the subscription down even if the caller
	// never invokes the cancel function.
	go func() {
		<-subCtx.Done()
		unsubscribe()
	}()

	return sub.ch, unsubscribe, nil
}

// Close shuts down the broker and closes every subscriber channel.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	for topic, subs := range b.topics {
		for id, sub := range subs {
			sub.cancel()
			close(sub.ch)
			delete(subs, id)
		}
		delete(b.topics, topic)
	}
	return nil
}
