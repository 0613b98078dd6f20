package scanning

// ScanPhase identifies one of the four fixed stages of a discovery sweep.
// The phase graph is fixed; this is not a user-definable workflow.
type ScanPhase string

const (
	// PhaseEnumeration covers the network sweep that surfaces listening services.
	PhaseEnumeration ScanPhase = "enumeration"

	// PhaseIdentification classifies surfaced services into database candidates.
	PhaseIdentification ScanPhase = "identification"

	// PhaseInspection covers credentialed inspection of human-selected candidates.
	PhaseInspection ScanPhase = "inspection"

	// PhaseCorrelation links inspected services with prior discovery records.
	PhaseCorrelation ScanPhase = "correlation"
)

// AllPhases lists the phases in execution order.
func AllPhases() []ScanPhase {
	return []ScanPhase{PhaseEnumeration, PhaseIdentification, PhaseInspection, PhaseCorrelation}
}

// ParseScanPhase converts a string to a ScanPhase. An unknown value yields
// the empty phase.
func ParseScanPhase(s string) ScanPhase {
	switch ScanPhase(s) {
	case PhaseEnumeration, PhaseIdentification, PhaseInspection, PhaseCorrelation:
		return ScanPhase(s)
	default:
		return ""
	}
}

// PhaseStatus represents the state of a single phase within a run.
type PhaseStatus string

const (
	PhaseStatusPending   PhaseStatus = "pending"
	PhaseStatusRunning   PhaseStatus = "running"
	PhaseStatusCompleted PhaseStatus = "completed"
	PhaseStatusFailed    PhaseStatus = "failed"
)

// PhaseState carries the externally visible progress of one phase.
type PhaseState struct {
	Status         PhaseStatus `json:"status"`
	Progress       int         `json:"progress"`
	DiscoveryCount int         `json:"discovery_count"`
}

// NewPhaseStates returns the initial phase map for a new run, every phase pending.
func NewPhaseStates() map[ScanPhase]PhaseState {
	phases := make(map[ScanPhase]PhaseState, 4)
	for _, p := range AllPhases() {
		phases[p] = PhaseState{Status: PhaseStatusPending}
	}
	return phases
}
