package scanning

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OutOfOrderProgressError indicates a progress update whose sequence number
// does not advance past the last accepted one. Duplicate and reordered
// deliveries surface as this error; callers treat it as a benign no-op.
type OutOfOrderProgressError struct {
	scanID    uuid.UUID
	collector string
	seq       int64
	lastSeq   int64
}

// NewOutOfOrderProgressError creates a new OutOfOrderProgressError.
func NewOutOfOrderProgressError(scanID uuid.UUID, collector string, seq, lastSeq int64) *OutOfOrderProgressError {
	return &OutOfOrderProgressError{scanID: scanID, collector: collector, seq: seq, lastSeq: lastSeq}
}

func (e *OutOfOrderProgressError) Error() string {
	return fmt.Sprintf("out of order progress for collector %s in scan %s: sequence %d does not advance past %d",
		e.collector, e.scanID, e.seq, e.lastSeq)
}

// CollectorTerminalError indicates a callback arrived for a collector whose
// status is already frozen. Like out-of-order progress, this is a benign
// consequence of at-least-once delivery, not a failure.
type CollectorTerminalError struct {
	scanID    uuid.UUID
	collector string
	status    CollectorStatus
}

// NewCollectorTerminalError creates a new CollectorTerminalError.
func NewCollectorTerminalError(scanID uuid.UUID, collector string, status CollectorStatus) *CollectorTerminalError {
	return &CollectorTerminalError{scanID: scanID, collector: collector, status: status}
}

func (e *CollectorTerminalError) Error() string {
	return fmt.Sprintf("collector %s in scan %s is already terminal (%s)", e.collector, e.scanID, e.status)
}

// CollectorState tracks one collector's participation in a scan run. It is
// created when the run dispatches the collector, mutated exclusively through
// callback acceptance, and kept forever for audit.
type CollectorState struct {
	scanID    uuid.UUID
	collector string

	status         CollectorStatus
	lastSequence   int64
	progress       int
	discoveryCount int
	errorMessage   string

	lastHeartbeatAt time.Time
	timeline        *Timeline
}

// CollectorStateOption defines functional options for configuring a new CollectorState.
type CollectorStateOption func(*CollectorState)

// WithCollectorTimeProvider sets a custom time provider, used by tests to
// control timestamps.
func WithCollectorTimeProvider(tp TimeProvider) CollectorStateOption {
	return func(c *CollectorState) { c.timeline = NewTimeline(tp) }
}

// NewCollectorState creates the tracker row for a collector about to be
// dispatched for a run.
func NewCollectorState(scanID uuid.UUID, collector string, opts ...CollectorStateOption) *CollectorState {
	cs := &CollectorState{
		scanID:    scanID,
		collector: collector,
		status:    CollectorStatusPending,
		timeline:  NewTimeline(new(realTimeProvider)),
	}

	for _, opt := range opts {
		opt(cs)
	}

	return cs
}

// ReconstructCollectorState creates a CollectorState from persisted data.
// This should only be used by repositories when loading from storage.
func ReconstructCollectorState(
	scanID uuid.UUID,
	collector string,
	status CollectorStatus,
	lastSequence int64,
	progress int,
	discoveryCount int,
	errorMessage string,
	lastHeartbeatAt time.Time,
	startedAt time.Time,
	completedAt time.Time,
) *CollectorState {
	return &CollectorState{
		scanID:          scanID,
		collector:       collector,
		status:          status,
		lastSequence:    lastSequence,
		progress:        progress,
		discoveryCount:  discoveryCount,
		errorMessage:    errorMessage,
		lastHeartbeatAt: lastHeartbeatAt,
		timeline:        ReconstructTimeline(startedAt, completedAt, lastHeartbeatAt),
	}
}

// ScanID returns the run this collector participates in.
func (c *CollectorState) ScanID() uuid.UUID { return c.scanID }

// Collector returns the collector's name.
func (c *CollectorState) Collector() string { return c.collector }

// Status returns the collector's current lifecycle status.
func (c *CollectorState) Status() CollectorStatus { return c.status }

// LastSequence returns the highest accepted progress sequence number.
func (c *CollectorState) LastSequence() int64 { return c.lastSequence }

// Progress returns the last accepted completion percentage.
func (c *CollectorState) Progress() int { return c.progress }

// DiscoveryCount returns the collector's last reported discovery count.
func (c *CollectorState) DiscoveryCount() int { return c.discoveryCount }

// ErrorMessage returns the failure diagnostic, if any.
func (c *CollectorState) ErrorMessage() string { return c.errorMessage }

// LastHeartbeatAt returns the time of the most recent accepted callback.
func (c *CollectorState) LastHeartbeatAt() time.Time { return c.lastHeartbeatAt }

// StartedAt returns the time the collector acknowledged its dispatch.
func (c *CollectorState) StartedAt() time.Time { return c.timeline.StartedAt() }

// CompletedAt returns the time the collector reached a terminal status.
func (c *CollectorState) CompletedAt() time.Time { return c.timeline.CompletedAt() }

// IsTerminal reports whether the collector's status is frozen.
func (c *CollectorState) IsTerminal() bool { return c.status.IsTerminal() }

// MarkStarting records that the outbound dispatch call is in flight.
func (c *CollectorState) MarkStarting() error {
	if err := c.status.ValidateTransition(CollectorStatusStarting); err != nil {
		return err
	}
	c.status = CollectorStatusStarting
	c.timeline.UpdateLastUpdate()
	return nil
}

// MarkRunning records the collector's acknowledgement of its dispatch.
func (c *CollectorState) MarkRunning() error {
	if err := c.status.ValidateTransition(CollectorStatusRunning); err != nil {
		return err
	}
	c.status = CollectorStatusRunning
	c.timeline.MarkStarted()
	return nil
}

// MarkDispatchFailed records a failed outbound dispatch. The failure is
// terminal for this collector but never aborts the run.
func (c *CollectorState) MarkDispatchFailed(msg string) error {
	if c.status.IsTerminal() {
		return NewCollectorTerminalError(c.scanID, c.collector, c.status)
	}
	c.status = CollectorStatusFailed
	c.errorMessage = msg
	c.timeline.MarkCompleted()
	return nil
}

// ApplyProgress applies a progress update. It rejects updates for terminal
// collectors and updates whose sequence number does not advance, so duplicate
// and reordered deliveries change state at most once.
func (c *CollectorState) ApplyProgress(p Progress) error {
	if c.status.IsTerminal() {
		return NewCollectorTerminalError(c.scanID, c.collector, c.status)
	}

	if p.Sequence() <= c.lastSequence {
		return NewOutOfOrderProgressError(c.scanID, c.collector, p.Sequence(), c.lastSequence)
	}

	// A collector that reports progress is running, even if its dispatch
	// acknowledgement never landed.
	if c.status != CollectorStatusRunning {
		if err := c.status.ValidateTransition(CollectorStatusRunning); err != nil {
			return err
		}
		c.status = CollectorStatusRunning
		c.timeline.MarkStarted()
	}

	c.lastSequence = p.Sequence()
	c.progress = p.Percent()
	c.discoveryCount = p.DiscoveryCount()
	c.lastHeartbeatAt = p.Timestamp()
	c.timeline.UpdateLastUpdate()
	return nil
}

// Complete applies a completion report. First write wins: a second completion
// for an already-terminal collector is rejected with CollectorTerminalError
// and the stored outcome is whichever arrived first.
func (c *CollectorState) Complete(status CollectorStatus, discoveryCount int, errMsg string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("completion status %s is not terminal", status)
	}
	if c.status.IsTerminal() {
		return NewCollectorTerminalError(c.scanID, c.collector, c.status)
	}

	c.status = status
	c.discoveryCount = discoveryCount
	c.errorMessage = errMsg
	if status == CollectorStatusCompleted {
		c.progress = 100
	}
	c.timeline.MarkCompleted()
	c.lastHeartbeatAt = c.timeline.LastUpdate()
	return nil
}

// AllTerminal reports whether every collector in the slice has reached a
// frozen status. The completion aggregator waits until this holds.
func AllTerminal(states []*CollectorState) bool {
	for _, s := range states {
		if !s.IsTerminal() {
			return false
		}
	}
	return true
}

// AnyFaulted reports whether any collector failed or timed out.
func AnyFaulted(states []*CollectorState) bool {
	for _, s := range states {
		if s.Status() == CollectorStatusFailed || s.Status() == CollectorStatusTimeout {
			return true
		}
	}
	return false
}
