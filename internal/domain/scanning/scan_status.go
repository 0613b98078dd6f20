package scanning

import "fmt"

// ScanRunStatus represents the current state of a scan run. It enables
// tracking of the run lifecycle from creation through completion, failure
// or cancellation.
type ScanRunStatus string

const (
	// ScanRunStatusPending indicates a run has been created but not yet started.
	ScanRunStatusPending ScanRunStatus = "pending"

	// ScanRunStatusScanning indicates collectors are actively sweeping the environment.
	ScanRunStatusScanning ScanRunStatus = "scanning"

	// ScanRunStatusAwaitingInspection indicates the sweep surfaced database
	// candidates and the run is waiting for a human to select inspection targets.
	ScanRunStatusAwaitingInspection ScanRunStatus = "awaiting_inspection"

	// ScanRunStatusInspecting indicates a credentialed inspection batch was dispatched.
	ScanRunStatusInspecting ScanRunStatus = "inspecting"

	// ScanRunStatusCompleted indicates the run finished successfully.
	ScanRunStatusCompleted ScanRunStatus = "completed"

	// ScanRunStatusFailed indicates the run encountered an unrecoverable error.
	ScanRunStatusFailed ScanRunStatus = "failed"

	// ScanRunStatusCancelled indicates the run was explicitly stopped by an operator.
	ScanRunStatusCancelled ScanRunStatus = "cancelled"
)

func (s ScanRunStatus) String() string { return string(s) }

// ParseScanRunStatus converts a string to a ScanRunStatus. An unknown value
// yields the empty (unspecified) status.
func ParseScanRunStatus(s string) ScanRunStatus {
	switch ScanRunStatus(s) {
	case ScanRunStatusPending, ScanRunStatusScanning, ScanRunStatusAwaitingInspection,
		ScanRunStatusInspecting, ScanRunStatusCompleted, ScanRunStatusFailed, ScanRunStatusCancelled:
		return ScanRunStatus(s)
	default:
		return ""
	}
}

// IsTerminal reports whether no further transitions are allowed from this status.
func (s ScanRunStatus) IsTerminal() bool {
	return s == ScanRunStatusCompleted || s == ScanRunStatusFailed || s == ScanRunStatusCancelled
}

// InvalidTransitionError indicates a caller requested a lifecycle change the
// run's current status forbids. The run's state is left untouched.
type InvalidTransitionError struct {
	From ScanRunStatus
	To   ScanRunStatus
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid scan run status transition from %s to %s", e.From, e.To)
}

// ValidateTransition checks if a status transition is valid and returns an
// InvalidTransitionError if not.
func (s ScanRunStatus) ValidateTransition(target ScanRunStatus) error {
	if !s.isValidTransition(target) {
		return InvalidTransitionError{From: s, To: target}
	}
	return nil
}

// isValidTransition encodes the run lifecycle graph:
// pending -> scanning -> {awaiting_inspection -> inspecting -> {completed|failed}} | completed | failed,
// with cancelled reachable from any non-terminal state.
func (s ScanRunStatus) isValidTransition(target ScanRunStatus) bool {
	if target == ScanRunStatusCancelled {
		return !s.IsTerminal()
	}

	switch s {
	case ScanRunStatusPending:
		return target == ScanRunStatusScanning
	case ScanRunStatusScanning:
		return target == ScanRunStatusAwaitingInspection ||
			target == ScanRunStatusCompleted ||
			target == ScanRunStatusFailed
	case ScanRunStatusAwaitingInspection:
		return target == ScanRunStatusInspecting || target == ScanRunStatusCompleted ||
			target == ScanRunStatusFailed
	case ScanRunStatusInspecting:
		return target == ScanRunStatusCompleted || target == ScanRunStatusFailed
	case ScanRunStatusCompleted, ScanRunStatusFailed, ScanRunStatusCancelled:
		// Terminal states - no further transitions allowed.
		return false
	default:
		return false
	}
}
