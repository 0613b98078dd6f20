package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dbsweep/dbsweep/internal/domain/events"
	"github.com/dbsweep/dbsweep/internal/infra/eventbus/memory"
	"github.com/dbsweep/dbsweep/pkg/common/logger"
)

// Broker implements events.Broker on top of Kafka. Local subscribers are
// served by an embedded in-process broker; every publish is additionally
// mirrored to the shared topic, and a consumer group replays peer instances'
// events into the local fan-out. Events carry an origin id so an instance
// never re-delivers its own publishes.
type Broker struct {
	instanceID string
	topic      string

	producer sarama.SyncProducer
	group    sarama.ConsumerGroup
	local    *memory.Broker

	cancel context.CancelFunc
	done   chan struct{}

	logger *logger.Logger
	tracer trace.Tracer
}

var _ events.Broker = (*Broker)(nil)

// NewBroker creates a Kafka-backed broker and starts its replay consumer.
func NewBroker(
	cfg *Config,
	client sarama.Client,
	log *logger.Logger,
	tracer trace.Tracer,
) (*Broker, error) {
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}

	group, err := sarama.NewConsumerGroupFromClient(cfg.GroupID, client)
	if err != nil {
		producer.Close()
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		instanceID: cfg.ClientID,
		topic:      cfg.Topic,
		producer:   producer,
		group:      group,
		local:      memory.NewBroker(),
		cancel:     cancel,
		done:       make(chan struct{}),
		logger:     log.With("component", "kafka_broker"),
		tracer:     tracer,
	}

	go b.consumeLoop(ctx)
	return b, nil
}

// Publish fans the event out locally and mirrors it to the shared topic.
// The partition key comes from WithKey, falling back to the topic, so
// per-scan ordering survives partitioning either way.
func (b *Broker) Publish(ctx context.Context, topic string, event events.DomainEvent, opts ...events.PublishOption) error {
	params := events.PublishParams{Key: topic}
	for _, opt := range opts {
		opt(&params)
	}

	ctx, span := b.tracer.Start(ctx, "kafka_broker.publish",
		trace.WithAttributes(
			attribute.String("scan_id", topic),
			attribute.String("event_type", string(event.EventType())),
			attribute.String("partition_key", params.Key),
		))
	defer span.End()

	if err := b.local.Publish(ctx, topic, event); err != nil {
		span.RecordError(err)
		return err
	}

	payload, err := encodeEvent(event)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to encode event: %w", err)
	}
	data, err := json.Marshal(envelope{
		Origin:     b.instanceID,
		ScanID:     topic,
		EventType:  string(event.EventType()),
		OccurredAt: event.OccurredAt(),
		Payload:    payload,
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: b.topic,
		Key:   sarama.StringEncoder(params.Key),
		Value: sarama.ByteEncoder(data),
	}
	for k, v := range params.Headers {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{
			Key:   []byte(k),
			Value: []byte(v),
		})
	}
	_, _, err = b.producer.SendMessage(msg)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to mirror event to kafka: %w", err)
	}
	return nil
}

// Subscribe registers a local subscriber; peer instances' events arrive
// through the replay consumer.
func (b *Broker) Subscribe(ctx context.Context, topic string) (<-chan events.DomainEvent, func(), error) {
	return b.local.Subscribe(ctx, topic)
}

// Close stops the replay consumer and releases Kafka resources.
func (b *Broker) Close() error {
	b.cancel()
	select {
	case <-b.done:
	case <-time.After(5 * time.Second):
	}

	var firstErr error
	if err := b.producer.Close(); err != nil {
		firstErr = err
	}
	if err := b.group.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := b.local.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// consumeLoop keeps the consumer group session alive until Close.
func (b *Broker) consumeLoop(ctx context.Context) {
	defer close(b.done)

	handler := &replayHandler{broker: b}
	for {
		if err := b.group.Consume(ctx, []string{b.topic}, handler); err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Error(ctx, "consumer group session failed", "err", err)
			time.Sleep(time.Second)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// replayHandler re-publishes peer events into the local fan-out.
type replayHandler struct{ broker *Broker }

func (*replayHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (*replayHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *replayHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		h.broker.replay(session.Context(), msg)
		session.MarkMessage(msg, "")
	}
	return nil
}

func (b *Broker) replay(ctx context.Context, msg *sarama.ConsumerMessage) {
	var env envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		b.logger.Error(ctx, "failed to decode event envelope", "err", err)
		return
	}
	if env.Origin == b.instanceID {
		return
	}

	event, err := decodeEvent(env)
	if err != nil {
		b.logger.Error(ctx, "failed to decode peer event",
			"event_type", env.EventType, "err", err)
		return
	}
	if err := b.local.Publish(ctx, env.ScanID, event); err != nil {
		b.logger.Error(ctx, "failed to replay peer event",
			"scan_id", env.ScanID, "err", err)
	}
}
