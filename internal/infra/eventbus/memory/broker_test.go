package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/uuid"

	"github.com/dbsweep/dbsweep/internal/domain/scanning"
)

func TestBrokerDeliversToTopicSubscribers(t *testing.T) {
	b := NewBroker()
	defer b.Close()

	scanID := uuid.New()
	otherID := uuid.New()

	ch, cancel, err := b.Subscribe(context.Background(), scanID.String())
	require.NoError(t, err)
	defer cancel()

	otherCh, otherCancel, err := b.Subscribe(context.Background(), otherID.String())
	require.NoError(t, err)
	defer otherCancel()

	evt := scanning.NewScanFailedEvent(scanID, "collectors failed")
	require.NoError(t, b.Publish(context.Background(), scanID.String(), evt))

	select {
	case got := <-ch:
		assert.Equal(t, scanning.EventTypeScanFailed, got.EventType())
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}

	select {
	case got := <-otherCh:
		t.Fatalf("event leaked across topics: %v", got.EventType())
	default:
	}
}

func TestBrokerFanOut(t *testing.T) {
	b := NewBroker()
	defer b.Close()

	scanID := uuid.New()
	ch1, cancel1, err := b.Subscribe(context.Background(), scanID.String())
	require.NoError(t, err)
	defer cancel1()
	ch2, cancel2, err := b.Subscribe(context.Background(), scanID.String())
	require.NoError(t, err)
	defer cancel2()

	require.NoError(t, b.Publish(context.Background(), scanID.String(),
		scanning.NewScanCompletedEvent(scanID, scanning.ScanRunStatusCompleted, 3)))

	assert.Len(t, drain(ch1), 1)
	assert.Len(t, drain(ch2), 1)
}

func TestBrokerCancelStopsDelivery(t *testing.T) {
	b := NewBroker()
	defer b.Close()

	scanID := uuid.New()
	ch, cancel, err := b.Subscribe(context.Background(), scanID.String())
	require.NoError(t, err)

	cancel()
	// Channel closes once the subscription is released.
	_, open := <-ch
	assert.False(t, open)

	// Publishing after unsubscribe is a no-op, not an error.
	require.NoError(t, b.Publish(context.Background(), scanID.String(),
		scanning.NewScanFailedEvent(scanID, "late")))
}

func TestBrokerSlowSubscriberDropsEvents(t *testing.T) {
	b := NewBroker()
	defer b.Close()

	scanID := uuid.New()
	ch, cancel, err := b.Subscribe(context.Background(), scanID.String())
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < subscriberBuffer+10; i++ {
		require.NoError(t, b.Publish(context.Background(), scanID.String(),
			scanning.NewScanFailedEvent(scanID, "flood")))
	}

	assert.Len(t, drain(ch), subscriberBuffer)
}

func TestBrokerCloseRejectsFurtherUse(t *testing.T) {
	b := NewBroker()
	scanID := uuid.New()

	ch, _, err := b.Subscribe(context.Background(), scanID.String())
	require.NoError(t, err)

	require.NoError(t, b.Close())

	_, open := <-ch
	assert.False(t, open)

	require.Error(t, b.Publish(context.Background(), scanID.String(),
		scanning.NewScanFailedEvent(scanID, "late")))
	_, _, err = b.Subscribe(context.Background(), scanID.String())
	require.Error(t, err)
}

func drain[T any](ch <-chan T) []T {
	var out []T
	for {
		select {
		case v := <-ch:
			out = append(out, v)
		default:
			return out
		}
	}
}
