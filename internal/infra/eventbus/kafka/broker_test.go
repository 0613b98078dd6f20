package kafka

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/google/uuid"

	"github.com/dbsweep/dbsweep/internal/domain/events"
	"github.com/dbsweep/dbsweep/internal/domain/scanning"
	"github.com/dbsweep/dbsweep/internal/infra/eventbus/memory"
	"github.com/dbsweep/dbsweep/pkg/common/logger"
)

func TestCodecRoundTrip(t *testing.T) {
	scanID := uuid.New()

	state := scanning.ReconstructCollectorState(
		scanID, "network_scanner", scanning.CollectorStatusRunning,
		3, 40, 2, "", time.Now(), time.Now(), time.Time{})

	progress := scanning.NewProgress(
		scanID, "network_scanner", 3, 40, 2, scanning.PhaseEnumeration, "sweeping", time.Now())

	tests := []struct {
		name  string
		event events.DomainEvent
		check func(t *testing.T, got events.DomainEvent)
	}{
		{
			name:  "progress",
			event: scanning.NewScanProgressedEvent(progress, 7),
			check: func(t *testing.T, got events.DomainEvent) {
				e, ok := got.(scanning.ScanProgressedEvent)
				require.True(t, ok)
				assert.Equal(t, scanID, e.ScanID)
				assert.Equal(t, int64(3), e.Sequence)
				assert.Equal(t, 40, e.Percent)
				assert.Equal(t, 7, e.TotalDiscoveries)
			},
		},
		{
			name:  "collector status",
			event: scanning.NewCollectorStatusChangedEvent(state),
			check: func(t *testing.T, got events.DomainEvent) {
				e, ok := got.(scanning.CollectorStatusChangedEvent)
				require.True(t, ok)
				assert.Equal(t, "network_scanner", e.Collector)
				assert.Equal(t, scanning.CollectorStatusRunning, e.Status)
				assert.Equal(t, 2, e.DiscoveryCount)
			},
		},
		{
			name: "scan status",
			event: scanning.NewScanStatusChangedEvent(
				scanID, scanning.ScanRunStatusScanning, scanning.NewPhaseStates()),
			check: func(t *testing.T, got events.DomainEvent) {
				e, ok := got.(scanning.ScanStatusChangedEvent)
				require.True(t, ok)
				assert.Equal(t, scanning.ScanRunStatusScanning, e.Status)
				assert.Len(t, e.Phases, 4)
			},
		},
		{
			name:  "scan completed",
			event: scanning.NewScanCompletedEvent(scanID, scanning.ScanRunStatusCompleted, 9),
			check: func(t *testing.T, got events.DomainEvent) {
				e, ok := got.(scanning.ScanCompletedEvent)
				require.True(t, ok)
				assert.Equal(t, 9, e.TotalDiscoveries)
			},
		},
		{
			name:  "scan failed",
			event: scanning.NewScanFailedEvent(scanID, "all collectors failed"),
			check: func(t *testing.T, got events.DomainEvent) {
				e, ok := got.(scanning.ScanFailedEvent)
				require.True(t, ok)
				assert.Equal(t, "all collectors failed", e.Reason)
			},
		},
		{
			name:  "inspection triggered",
			event: scanning.NewInspectionTriggeredEvent(scanID, 4),
			check: func(t *testing.T, got events.DomainEvent) {
				e, ok := got.(scanning.InspectionTriggeredEvent)
				require.True(t, ok)
				assert.Equal(t, 4, e.TargetCount)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := encodeEvent(tt.event)
			require.NoError(t, err)

			got, err := decodeEvent(envelope{
				Origin:     "peer",
				ScanID:     scanID.String(),
				EventType:  string(tt.event.EventType()),
				OccurredAt: tt.event.OccurredAt(),
				Payload:    payload,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.event.EventType(), got.EventType())
			tt.check(t, got)
		})
	}
}

func newReplayBroker(instanceID string) *Broker {
	return &Broker{
		instanceID: instanceID,
		local:      memory.NewBroker(),
		logger:     logger.Noop(),
		tracer:     noop.NewTracerProvider().Tracer("test"),
	}
}

func peerMessage(t *testing.T, origin string, scanID uuid.UUID, event events.DomainEvent) *sarama.ConsumerMessage {
	t.Helper()
	payload, err := encodeEvent(event)
	require.NoError(t, err)
	data, err := json.Marshal(envelope{
		Origin:     origin,
		ScanID:     scanID.String(),
		EventType:  string(event.EventType()),
		OccurredAt: event.OccurredAt(),
		Payload:    payload,
	})
	require.NoError(t, err)
	return &sarama.ConsumerMessage{Value: data}
}

func TestPublishPartitionKey(t *testing.T) {
	tests := []struct {
		name    string
		opts    []events.PublishOption
		wantKey func(scanID uuid.UUID) string
	}{
		{
			name:    "defaults to topic",
			opts:    nil,
			wantKey: func(scanID uuid.UUID) string { return scanID.String() },
		},
		{
			name:    "honors key option",
			opts:    []events.PublishOption{events.WithKey("tenant-7")},
			wantKey: func(uuid.UUID) string { return "tenant-7" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scanID := uuid.New()

			cfg := mocks.NewTestConfig()
			cfg.Producer.Return.Successes = true
			producer := mocks.NewSyncProducer(t, cfg)

			var gotKey string
			producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
				raw, err := msg.Key.Encode()
				if err != nil {
					return err
				}
				gotKey = string(raw)
				return nil
			})

			b := newReplayBroker("instance-a")
			b.topic = "scan-events"
			b.producer = producer
			defer b.local.Close()

			require.NoError(t, b.Publish(context.Background(), scanID.String(),
				scanning.NewScanFailedEvent(scanID, "collector unreachable"), tt.opts...))
			assert.Equal(t, tt.wantKey(scanID), gotKey)
			require.NoError(t, producer.Close())
		})
	}
}

func TestReplayDeliversPeerEvents(t *testing.T) {
	scanID := uuid.New()
	b := newReplayBroker("instance-a")
	defer b.local.Close()

	ch, cancel, err := b.Subscribe(context.Background(), scanID.String())
	require.NoError(t, err)
	defer cancel()

	b.replay(context.Background(),
		peerMessage(t, "instance-b", scanID, scanning.NewScanFailedEvent(scanID, "peer failure")))

	select {
	case got := <-ch:
		assert.Equal(t, scanning.EventTypeScanFailed, got.EventType())
	default:
		t.Fatal("peer event was not replayed")
	}
}

func TestReplayDropsOwnEcho(t *testing.T) {
	scanID := uuid.New()
	b := newReplayBroker("instance-a")
	defer b.local.Close()

	ch, cancel, err := b.Subscribe(context.Background(), scanID.String())
	require.NoError(t, err)
	defer cancel()

	b.replay(context.Background(),
		peerMessage(t, "instance-a", scanID, scanning.NewScanFailedEvent(scanID, "own echo")))

	select {
	case got := <-ch:
		t.Fatalf("own echo was replayed: %v", got.EventType())
	default:
	}
}

func TestReplayIgnoresMalformedEnvelope(t *testing.T) {
	b := newReplayBroker("instance-a")
	defer b.local.Close()

	b.replay(context.Background(), &sarama.ConsumerMessage{Value: []byte("not json")})
}
