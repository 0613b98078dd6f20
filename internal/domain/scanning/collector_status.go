package scanning

import "fmt"

// CollectorStatus represents the lifecycle state of one collector's
// participation in a scan run.
type CollectorStatus string

const (
	// CollectorStatusPending indicates the tracker row exists but dispatch has not happened.
	CollectorStatusPending CollectorStatus = "pending"

	// CollectorStatusStarting indicates the outbound dispatch call is in flight.
	CollectorStatusStarting CollectorStatus = "starting"

	// CollectorStatusRunning indicates the collector acknowledged the dispatch.
	CollectorStatusRunning CollectorStatus = "running"

	// CollectorStatusCompleted indicates the collector reported successful completion.
	CollectorStatusCompleted CollectorStatus = "completed"

	// CollectorStatusFailed indicates the collector reported failure or dispatch failed.
	CollectorStatusFailed CollectorStatus = "failed"

	// CollectorStatusTimeout indicates the collector reported a timeout.
	CollectorStatusTimeout CollectorStatus = "timeout"
)

func (s CollectorStatus) String() string { return string(s) }

// ParseCollectorStatus converts a string to a CollectorStatus. An unknown
// value yields the empty (unspecified) status.
func ParseCollectorStatus(s string) CollectorStatus {
	switch CollectorStatus(s) {
	case CollectorStatusPending, CollectorStatusStarting, CollectorStatusRunning,
		CollectorStatusCompleted, CollectorStatusFailed, CollectorStatusTimeout:
		return CollectorStatus(s)
	default:
		return ""
	}
}

// IsTerminal reports whether the status is frozen. Once terminal, no callback
// may mutate the collector row again (idempotent-terminal rule).
func (s CollectorStatus) IsTerminal() bool {
	return s == CollectorStatusCompleted || s == CollectorStatusFailed || s == CollectorStatusTimeout
}

// TerminalCollectorStatuses returns the three frozen statuses. Storage guards
// use it to express the non-terminal predicate in one place.
func TerminalCollectorStatuses() []CollectorStatus {
	return []CollectorStatus{CollectorStatusCompleted, CollectorStatusFailed, CollectorStatusTimeout}
}

// ValidateTransition checks if a status transition is valid and returns an
// error if not.
func (s CollectorStatus) ValidateTransition(target CollectorStatus) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("invalid collector status transition from %s to %s", s, target)
	}
	return nil
}

func (s CollectorStatus) isValidTransition(target CollectorStatus) bool {
	switch s {
	case CollectorStatusPending:
		// Dispatch begins, or fails before the collector ever acknowledged.
		return target == CollectorStatusStarting || target == CollectorStatusFailed
	case CollectorStatusStarting:
		return target == CollectorStatusRunning || target.IsTerminal()
	case CollectorStatusRunning:
		return target.IsTerminal()
	case CollectorStatusCompleted, CollectorStatusFailed, CollectorStatusTimeout:
		// Terminal states are frozen.
		return false
	default:
		return false
	}
}
