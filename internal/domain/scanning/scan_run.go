// Package scanning provides domain types and interfaces for coordinating
// multi-phase environment-discovery sweeps across independent collectors.
package scanning

import (
	"time"

	"github.com/google/uuid"
)

// ScanRun is the aggregate root for one discovery sweep. It owns the run's
// top-level status, the fixed four-phase map, and the immutable profile
// snapshot captured at creation time. The status is a monotonic function of
// the phase map plus one terminal override (cancellation); it never reverts
// to an earlier status except via an explicit cancel.
type ScanRun struct {
	id          uuid.UUID
	profile     ProfileSnapshot
	requestedBy string

	status ScanRunStatus
	phases map[ScanPhase]PhaseState

	totalDiscoveries int
	errorMessage     string

	timeline *Timeline
}

// ScanRunOption defines functional options for configuring a new ScanRun.
type ScanRunOption func(*ScanRun)

// WithTimeProvider sets a custom time provider for the run.
func WithTimeProvider(tp TimeProvider) ScanRunOption {
	return func(r *ScanRun) { r.timeline = NewTimeline(tp) }
}

// NewScanRun creates a run in pending status with all phases pending.
func NewScanRun(id uuid.UUID, profile ProfileSnapshot, requestedBy string, opts ...ScanRunOption) *ScanRun {
	run := &ScanRun{
		id:          id,
		profile:     profile,
		requestedBy: requestedBy,
		status:      ScanRunStatusPending,
		phases:      NewPhaseStates(),
		timeline:    NewTimeline(new(realTimeProvider)),
	}

	for _, opt := range opts {
		opt(run)
	}

	return run
}

// ReconstructScanRun creates a ScanRun from persisted data, bypassing
// creation invariants. This should only be used by repositories.
func ReconstructScanRun(
	id uuid.UUID,
	profile ProfileSnapshot,
	requestedBy string,
	status ScanRunStatus,
	phases map[ScanPhase]PhaseState,
	totalDiscoveries int,
	errorMessage string,
	startedAt time.Time,
	completedAt time.Time,
	lastUpdate time.Time,
) *ScanRun {
	if phases == nil {
		phases = NewPhaseStates()
	}
	return &ScanRun{
		id:               id,
		profile:          profile,
		requestedBy:      requestedBy,
		status:           status,
		phases:           phases,
		totalDiscoveries: totalDiscoveries,
		errorMessage:     errorMessage,
		timeline:         ReconstructTimeline(startedAt, completedAt, lastUpdate),
	}
}

// ID returns the unique identifier for this scan run.
func (r *ScanRun) ID() uuid.UUID { return r.id }

// Profile returns the immutable configuration snapshot the run was created with.
func (r *ScanRun) Profile() ProfileSnapshot { return r.profile }

// RequestedBy returns who asked for the sweep.
func (r *ScanRun) RequestedBy() string { return r.requestedBy }

// Status returns the run's current top-level status.
func (r *ScanRun) Status() ScanRunStatus { return r.status }

// Phases returns a copy of the phase map so callers cannot mutate the aggregate.
func (r *ScanRun) Phases() map[ScanPhase]PhaseState {
	phases := make(map[ScanPhase]PhaseState, len(r.phases))
	for k, v := range r.phases {
		phases[k] = v
	}
	return phases
}

// Phase returns the state of one phase.
func (r *ScanRun) Phase(p ScanPhase) PhaseState { return r.phases[p] }

// TotalDiscoveries returns the cached aggregate discovery count.
func (r *ScanRun) TotalDiscoveries() int { return r.totalDiscoveries }

// ErrorMessage returns the run-level failure diagnostic, if any.
func (r *ScanRun) ErrorMessage() string { return r.errorMessage }

// StartedAt returns when the sweep started, or the zero time before Start.
func (r *ScanRun) StartedAt() time.Time { return r.timeline.StartedAt() }

// CompletedAt returns when the run reached a terminal state.
func (r *ScanRun) CompletedAt() time.Time { return r.timeline.CompletedAt() }

// LastUpdate returns when the run's state last changed.
func (r *ScanRun) LastUpdate() time.Time { return r.timeline.LastUpdate() }

// IsTerminal reports whether the run can accept no further transitions.
func (r *ScanRun) IsTerminal() bool { return r.status.IsTerminal() }

// Start transitions the run from pending to scanning and marks the
// enumeration phase running.
func (r *ScanRun) Start() error {
	if err := r.transition(ScanRunStatusScanning); err != nil {
		return err
	}
	r.timeline.MarkStarted()
	r.setPhaseStatus(PhaseEnumeration, PhaseStatusRunning)
	return nil
}

// Cancel stops the run from any non-terminal state. Cancellation is final.
func (r *ScanRun) Cancel() error {
	if err := r.transition(ScanRunStatusCancelled); err != nil {
		return err
	}
	r.timeline.MarkCompleted()
	return nil
}

// MarkAwaitingInspection records that enumeration surfaced database
// candidates: the enumeration and identification phases complete and the run
// waits for human-selected inspection targets.
func (r *ScanRun) MarkAwaitingInspection() error {
	if err := r.transition(ScanRunStatusAwaitingInspection); err != nil {
		return err
	}
	r.completePhase(PhaseEnumeration)
	r.completePhase(PhaseIdentification)
	return nil
}

// BeginInspection transitions an awaiting run into the credentialed
// inspection phase.
func (r *ScanRun) BeginInspection() error {
	if err := r.transition(ScanRunStatusInspecting); err != nil {
		return err
	}
	r.setPhaseStatus(PhaseInspection, PhaseStatusRunning)
	return nil
}

// Complete marks the run successfully finished. Any phase still running is
// completed; correlation completes with the run since it has no independent
// collectors.
func (r *ScanRun) Complete() error {
	if err := r.transition(ScanRunStatusCompleted); err != nil {
		return err
	}
	for _, p := range AllPhases() {
		if st := r.phases[p]; st.Status == PhaseStatusRunning || st.Status == PhaseStatusPending {
			r.completePhase(p)
		}
	}
	r.timeline.MarkCompleted()
	return nil
}

// Fail marks the run failed with a human-readable diagnostic. The phase that
// was running is marked failed.
func (r *ScanRun) Fail(msg string) error {
	if err := r.transition(ScanRunStatusFailed); err != nil {
		return err
	}
	r.errorMessage = msg
	for _, p := range AllPhases() {
		if r.phases[p].Status == PhaseStatusRunning {
			r.setPhaseStatus(p, PhaseStatusFailed)
		}
	}
	r.timeline.MarkCompleted()
	return nil
}

// UpdatePhaseProgress records advisory progress for one phase. It never
// drives status transitions; those belong to the lifecycle methods above.
func (r *ScanRun) UpdatePhaseProgress(phase ScanPhase, progress, discoveryCount int) {
	st, ok := r.phases[phase]
	if !ok {
		return
	}
	st.Progress = progress
	st.DiscoveryCount = discoveryCount
	r.phases[phase] = st
	r.timeline.UpdateLastUpdate()
}

// SetTotalDiscoveries updates the cached aggregate. The value is always
// recomputed from the discovery store, never incremented in place.
func (r *ScanRun) SetTotalDiscoveries(n int) {
	r.totalDiscoveries = n
	r.timeline.UpdateLastUpdate()
}

func (r *ScanRun) transition(target ScanRunStatus) error {
	if err := r.status.ValidateTransition(target); err != nil {
		return err
	}
	r.status = target
	r.timeline.UpdateLastUpdate()
	return nil
}

func (r *ScanRun) setPhaseStatus(phase ScanPhase, status PhaseStatus) {
	st := r.phases[phase]
	st.Status = status
	r.phases[phase] = st
}

func (r *ScanRun) completePhase(phase ScanPhase) {
	st := r.phases[phase]
	st.Status = PhaseStatusCompleted
	st.Progress = 100
	r.phases[phase] = st
}
