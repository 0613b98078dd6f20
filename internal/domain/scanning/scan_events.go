package scanning

import (
	"time"

	"github.com/google/uuid"

	"github.com/dbsweep/dbsweep/internal/domain/events"
)

// Event types for the scan run lifecycle:
const (
	EventTypeScanStatusChanged      events.EventType = "ScanStatusChanged"
	EventTypeScanProgressed         events.EventType = "ScanProgressed"
	EventTypeCollectorStatusChanged events.EventType = "CollectorStatusChanged"
	EventTypeScanCompleted          events.EventType = "ScanCompleted"
	EventTypeScanFailed             events.EventType = "ScanFailed"
	EventTypeInspectionTriggered    events.EventType = "InspectionTriggered"
)

// ScanStatusChangedEvent signals a run-level status transition.
type ScanStatusChangedEvent struct {
	occurredAt time.Time
	ScanID     uuid.UUID
	Status     ScanRunStatus
	Phases     map[ScanPhase]PhaseState
}

// NewScanStatusChangedEvent creates a new scan status changed event.
func NewScanStatusChangedEvent(scanID uuid.UUID, status ScanRunStatus, phases map[ScanPhase]PhaseState) ScanStatusChangedEvent {
	return ScanStatusChangedEvent{
		occurredAt: time.Now(),
		ScanID:     scanID,
		Status:     status,
		Phases:     phases,
	}
}

func (e ScanStatusChangedEvent) EventType() events.EventType { return EventTypeScanStatusChanged }
func (e ScanStatusChangedEvent) OccurredAt() time.Time       { return e.occurredAt }

// ScanProgressedEvent signals an accepted progress update and the recomputed
// discovery aggregate.
type ScanProgressedEvent struct {
	occurredAt       time.Time
	ScanID           uuid.UUID
	Collector        string
	Sequence         int64
	Percent          int
	Phase            ScanPhase
	Message          string
	TotalDiscoveries int
}

// NewScanProgressedEvent creates a new scan progressed event.
func NewScanProgressedEvent(p Progress, totalDiscoveries int) ScanProgressedEvent {
	return ScanProgressedEvent{
		occurredAt:       time.Now(),
		ScanID:           p.ScanID(),
		Collector:        p.Collector(),
		Sequence:         p.Sequence(),
		Percent:          p.Percent(),
		Phase:            p.Phase(),
		Message:          p.Message(),
		TotalDiscoveries: totalDiscoveries,
	}
}

func (e ScanProgressedEvent) EventType() events.EventType { return EventTypeScanProgressed }
func (e ScanProgressedEvent) OccurredAt() time.Time       { return e.occurredAt }

// CollectorStatusChangedEvent signals a collector lifecycle change.
type CollectorStatusChangedEvent struct {
	occurredAt     time.Time
	ScanID         uuid.UUID
	Collector      string
	Status         CollectorStatus
	Progress       int
	DiscoveryCount int
	ErrorMessage   string
}

// NewCollectorStatusChangedEvent creates a new collector status changed event.
func NewCollectorStatusChangedEvent(state *CollectorState) CollectorStatusChangedEvent {
	return CollectorStatusChangedEvent{
		occurredAt:     time.Now(),
		ScanID:         state.ScanID(),
		Collector:      state.Collector(),
		Status:         state.Status(),
		Progress:       state.Progress(),
		DiscoveryCount: state.DiscoveryCount(),
		ErrorMessage:   state.ErrorMessage(),
	}
}

func (e CollectorStatusChangedEvent) EventType() events.EventType {
	return EventTypeCollectorStatusChanged
}
func (e CollectorStatusChangedEvent) OccurredAt() time.Time { return e.occurredAt }

// ScanCompletedEvent signals the run reached a terminal state by completing
// or being cancelled.
type ScanCompletedEvent struct {
	occurredAt       time.Time
	ScanID           uuid.UUID
	Status           ScanRunStatus
	TotalDiscoveries int
}

// NewScanCompletedEvent creates a new scan completed event.
func NewScanCompletedEvent(scanID uuid.UUID, status ScanRunStatus, totalDiscoveries int) ScanCompletedEvent {
	return ScanCompletedEvent{
		occurredAt:       time.Now(),
		ScanID:           scanID,
		Status:           status,
		TotalDiscoveries: totalDiscoveries,
	}
}

func (e ScanCompletedEvent) EventType() events.EventType { return EventTypeScanCompleted }
func (e ScanCompletedEvent) OccurredAt() time.Time       { return e.occurredAt }

// ScanFailedEvent signals the run reached the failed state.
type ScanFailedEvent struct {
	occurredAt time.Time
	ScanID     uuid.UUID
	Reason     string
}

// NewScanFailedEvent creates a new scan failed event.
func NewScanFailedEvent(scanID uuid.UUID, reason string) ScanFailedEvent {
	return ScanFailedEvent{
		occurredAt: time.Now(),
		ScanID:     scanID,
		Reason:     reason,
	}
}

func (e ScanFailedEvent) EventType() events.EventType { return EventTypeScanFailed }
func (e ScanFailedEvent) OccurredAt() time.Time       { return e.occurredAt }

// InspectionTriggeredEvent signals a human-selected inspection batch was
// dispatched. It carries only the batch size; targets hold credentials and
// never leave the dispatch path.
type InspectionTriggeredEvent struct {
	occurredAt  time.Time
	ScanID      uuid.UUID
	TargetCount int
}

// NewInspectionTriggeredEvent creates a new inspection triggered event.
func NewInspectionTriggeredEvent(scanID uuid.UUID, targetCount int) InspectionTriggeredEvent {
	return InspectionTriggeredEvent{
		occurredAt:  time.Now(),
		ScanID:      scanID,
		TargetCount: targetCount,
	}
}

func (e InspectionTriggeredEvent) EventType() events.EventType { return EventTypeInspectionTriggered }
func (e InspectionTriggeredEvent) OccurredAt() time.Time       { return e.occurredAt }
