package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dbsweep/dbsweep/internal/domain/events"
	"github.com/dbsweep/dbsweep/internal/domain/scanning"
)

// envelope is the wire format for a mirrored scan event. Origin identifies
// the publishing instance so consumers can drop their own echoes.
type envelope struct {
	Origin     string          `json:"origin"`
	ScanID     string          `json:"scan_id"`
	EventType  string          `json:"event_type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

type collectorStatusPayload struct {
	ScanID         uuid.UUID                `json:"scan_id"`
	Collector      string                   `json:"collector"`
	Status         scanning.CollectorStatus `json:"status"`
	Progress       int                      `json:"progress"`
	DiscoveryCount int                      `json:"discovery_count"`
	ErrorMessage   string                   `json:"error_message,omitempty"`
}

type progressPayload struct {
	ScanID           uuid.UUID          `json:"scan_id"`
	Collector        string             `json:"collector"`
	Sequence         int64              `json:"sequence"`
	Percent          int                `json:"percent"`
	Phase            scanning.ScanPhase `json:"phase,omitempty"`
	Message          string             `json:"message,omitempty"`
	TotalDiscoveries int                `json:"total_discoveries"`
}

// encodeEvent serializes a scan event into an envelope payload.
func encodeEvent(event events.DomainEvent) (json.RawMessage, error) {
	switch e := event.(type) {
	case scanning.ScanProgressedEvent:
		return json.Marshal(progressPayload{
			ScanID:           e.ScanID,
			Collector:        e.Collector,
			Sequence:         e.Sequence,
			Percent:          e.Percent,
			Phase:            e.Phase,
			Message:          e.Message,
			TotalDiscoveries: e.TotalDiscoveries,
		})
	case scanning.CollectorStatusChangedEvent:
		return json.Marshal(collectorStatusPayload{
			ScanID:         e.ScanID,
			Collector:      e.Collector,
			Status:         e.Status,
			Progress:       e.Progress,
			DiscoveryCount: e.DiscoveryCount,
			ErrorMessage:   e.ErrorMessage,
		})
	case scanning.ScanStatusChangedEvent, scanning.ScanCompletedEvent,
		scanning.ScanFailedEvent, scanning.InspectionTriggeredEvent:
		return json.Marshal(event)
	default:
		return nil, fmt.Errorf("unsupported event type %s", event.EventType())
	}
}

// decodeEvent reconstructs a scan event from an envelope. The reconstructed
// event's OccurredAt reflects local replay time; the envelope carries the
// original timestamp for consumers that need it.
func decodeEvent(env envelope) (events.DomainEvent, error) {
	switch events.EventType(env.EventType) {
	case scanning.EventTypeScanProgressed:
		var p progressPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("failed to decode progress payload: %w", err)
		}
		progress := scanning.NewProgress(
			p.ScanID, p.Collector, p.Sequence, p.Percent, 0, p.Phase, p.Message, env.OccurredAt)
		return scanning.NewScanProgressedEvent(progress, p.TotalDiscoveries), nil

	case scanning.EventTypeCollectorStatusChanged:
		var p collectorStatusPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("failed to decode collector payload: %w", err)
		}
		state := scanning.ReconstructCollectorState(
			p.ScanID, p.Collector, p.Status, 0, p.Progress, p.DiscoveryCount,
			p.ErrorMessage, env.OccurredAt, time.Time{}, time.Time{})
		return scanning.NewCollectorStatusChangedEvent(state), nil

	case scanning.EventTypeScanStatusChanged:
		var p struct {
			ScanID uuid.UUID                                  `json:"ScanID"`
			Status scanning.ScanRunStatus                     `json:"Status"`
			Phases map[scanning.ScanPhase]scanning.PhaseState `json:"Phases"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("failed to decode status payload: %w", err)
		}
		return scanning.NewScanStatusChangedEvent(p.ScanID, p.Status, p.Phases), nil

	case scanning.EventTypeScanCompleted:
		var p struct {
			ScanID           uuid.UUID              `json:"ScanID"`
			Status           scanning.ScanRunStatus `json:"Status"`
			TotalDiscoveries int                    `json:"TotalDiscoveries"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("failed to decode completed payload: %w", err)
		}
		return scanning.NewScanCompletedEvent(p.ScanID, p.Status, p.TotalDiscoveries), nil

	case scanning.EventTypeScanFailed:
		var p struct {
			ScanID uuid.UUID `json:"ScanID"`
			Reason string    `json:"Reason"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("failed to decode failed payload: %w", err)
		}
		return scanning.NewScanFailedEvent(p.ScanID, p.Reason), nil

	case scanning.EventTypeInspectionTriggered:
		var p struct {
			ScanID      uuid.UUID `json:"ScanID"`
			TargetCount int       `json:"TargetCount"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("failed to decode inspection payload: %w", err)
		}
		return scanning.NewInspectionTriggeredEvent(p.ScanID, p.TargetCount), nil

	default:
		return nil, fmt.Errorf("unsupported event type %q", env.EventType)
	}
}
