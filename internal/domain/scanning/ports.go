package scanning

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrScanNotFound indicates an operation referenced an unknown scan id.
var ErrScanNotFound = errors.New("scan run not found")

// ErrCollectorNotFound indicates a callback referenced a collector that was
// never dispatched for the scan.
var ErrCollectorNotFound = errors.New("collector state not found")

// ErrProfileNotFound indicates a run was requested for an unknown profile.
var ErrProfileNotFound = errors.New("scan profile not found")

// ScanRunRepository defines the persistence contract for scan runs. All
// mutation goes through guarded operations: conflicting writers serialize at
// the row level, never through a raw read-modify-write.
type ScanRunRepository interface {
	// CreateScanRun persists a new run's initial state.
	CreateScanRun(ctx context.Context, run *ScanRun) error

	// GetScanRun retrieves a run. Returns ErrScanNotFound for unknown ids.
	GetScanRun(ctx context.Context, id uuid.UUID) (*ScanRun, error)

	// ListScanRuns returns runs ordered by creation time, newest first.
	ListScanRuns(ctx context.Context, limit, offset int) ([]*ScanRun, error)

	// UpdateScanRunGuarded persists the run's current state only while the
	// stored status is one of expectFrom. It reports whether the guarded
	// write matched a row, making concurrent aggregator invocations
	// idempotent by construction.
	UpdateScanRunGuarded(ctx context.Context, run *ScanRun, expectFrom ...ScanRunStatus) (bool, error)

	// UpdateTotalDiscoveries refreshes the cached aggregate from the
	// discovery store's recomputed value.
	UpdateTotalDiscoveries(ctx context.Context, id uuid.UUID, total int) error
}

// CollectorStateRepository defines the persistence contract for per-(scan,
// collector) tracker rows. Rows are never deleted; they are kept for audit.
type CollectorStateRepository interface {
	// CreateCollectorStates persists the initial rows for a dispatch wave.
	CreateCollectorStates(ctx context.Context, states []*CollectorState) error

	// GetCollectorState retrieves one row. Returns ErrCollectorNotFound for
	// unknown (scan, collector) pairs.
	GetCollectorState(ctx context.Context, scanID uuid.UUID, collector string) (*CollectorState, error)

	// ListByScan returns every collector row for a run.
	ListByScan(ctx context.Context, scanID uuid.UUID) ([]*CollectorState, error)

	// SaveProgressCAS persists an accepted progress update only if the stored
	// sequence is still below the state's and the stored status is
	// non-terminal. It reports whether the compare-and-set matched, which is
	// how concurrent duplicate deliveries lose the race benignly.
	SaveProgressCAS(ctx context.Context, state *CollectorState) (bool, error)

	// SaveCompletionCAS persists a terminal status only if the stored status
	// is still non-terminal (first-write-wins).
	SaveCompletionCAS(ctx context.Context, state *CollectorState) (bool, error)

	// SaveLifecycleCAS persists dispatch lifecycle transitions (starting,
	// running, dispatch-failed) only while the stored status is non-terminal.
	SaveLifecycleCAS(ctx context.Context, state *CollectorState) (bool, error)
}

// ProfileStore supplies immutable configuration snapshots. It is read-only
// from the orchestrator's perspective; profile CRUD lives elsewhere.
type ProfileStore interface {
	// GetSnapshot returns a point-in-time copy of the profile's
	// configuration. Returns ErrProfileNotFound for unknown ids.
	GetSnapshot(ctx context.Context, profileID string) (ProfileSnapshot, error)
}

// DispatchRequest carries everything a collector needs to start sweeping.
type DispatchRequest struct {
	ScanID      uuid.UUID
	Collector   string
	Profile     ProfileSnapshot
	ProgressURL string
	CompleteURL string
}

// CollectorDispatcher issues outbound start/stop calls to one collector with
// a bounded timeout. It is stateless; failures are reported, never retried.
type CollectorDispatcher interface {
	// Start asks the collector to begin sweeping for the scan.
	Start(ctx context.Context, req DispatchRequest) error

	// Stop best-effort asks the collector to abandon the scan.
	Stop(ctx context.Context, collector string, scanID uuid.UUID) error
}

// InspectionDispatcher sends one credential-carrying target batch to the
// inspection collector. A failure here fails the whole run: there is no
// per-target collector to retry independently.
type InspectionDispatcher interface {
	Inspect(ctx context.Context, scanID uuid.UUID, targets []InspectionTarget, progressURL, completeURL string) error
}
