package scanning

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/google/uuid"

	domain "github.com/dbsweep/dbsweep/internal/domain/scanning"
	"github.com/dbsweep/dbsweep/pkg/common/logger"
)

type lifecycleFixture struct {
	scanRepo      *mockScanRunRepository
	collectorRepo *mockCollectorStateRepository
	profiles      *mockProfileStore
	discoveries   *mockDiscoveryStore
	dispatcher    *mockCollectorDispatcher
	inspector     *mockInspectionDispatcher
	broker        *permissiveBroker
	svc           *ScanLifecycleService
}

func newLifecycleFixture() *lifecycleFixture {
	f := &lifecycleFixture{
		scanRepo:      new(mockScanRunRepository),
		collectorRepo: new(mockCollectorStateRepository),
		profiles:      new(mockProfileStore),
		discoveries:   new(mockDiscoveryStore),
		dispatcher:    new(mockCollectorDispatcher),
		inspector:     new(mockInspectionDispatcher),
		broker:        new(permissiveBroker),
	}
	broadcaster := newTestBroadcaster(f.broker)
	aggregator := NewCompletionAggregator(
		f.scanRepo, f.collectorRepo, f.discoveries, broadcaster,
		logger.Noop(), noop.NewTracerProvider().Tracer("test"),
	)
	f.svc = NewScanLifecycleService(
		f.scanRepo, f.collectorRepo, f.profiles, f.dispatcher, f.inspector,
		aggregator, broadcaster, NewCallbackURLs("https://orchestrator.internal/"),
		logger.Noop(), NoopOrchestratorMetrics{}, noop.NewTracerProvider().Tracer("test"),
	)
	return f
}

func TestCallbackURLs(t *testing.T) {
	urls := NewCallbackURLs("https://orchestrator.internal/")
	scanID := uuid.MustParse("a2a45bff-6a4f-4a58-8f0b-3a1f4f0d8f5e")

	assert.Equal(t,
		"https://orchestrator.internal/v1/scans/a2a45bff-6a4f-4a58-8f0b-3a1f4f0d8f5e/callbacks/progress",
		urls.Progress(scanID))
	assert.Equal(t,
		"https://orchestrator.internal/v1/scans/a2a45bff-6a4f-4a58-8f0b-3a1f4f0d8f5e/callbacks/complete",
		urls.Complete(scanID))
}

func TestCreateScanSnapshotsProfile(t *testing.T) {
	f := newLifecycleFixture()
	profile := domain.ProfileSnapshot{
		ProfileID:         "prof-1",
		Name:              "lab sweep",
		Subnets:           []string{"10.20.0.0/16"},
		EnabledCollectors: []string{"network_scanner"},
	}

	f.profiles.On("GetSnapshot", mock.Anything, "prof-1").Return(profile, nil)
	f.scanRepo.On("CreateScanRun", mock.Anything,
		mock.MatchedBy(func(run *domain.ScanRun) bool {
			return run.Status() == domain.ScanRunStatusPending && run.Profile().ProfileID == "prof-1"
		}),
	).Return(nil)

	run, err := f.svc.CreateScan(context.Background(), "prof-1", "ops@example.com")
	require.NoError(t, err)
	assert.Equal(t, domain.ScanRunStatusPending, run.Status())
	assert.Equal(t, "ops@example.com", run.RequestedBy())

	f.scanRepo.AssertExpectations(t)
	assert.Contains(t, f.broker.published, domain.EventTypeScanStatusChanged)
}

func TestCreateScanRejectsProfileWithoutCollectors(t *testing.T) {
	f := newLifecycleFixture()
	f.profiles.On("GetSnapshot", mock.Anything, "prof-empty").
		Return(domain.ProfileSnapshot{ProfileID: "prof-empty"}, nil)

	_, err := f.svc.CreateScan(context.Background(), "prof-empty", "ops")
	require.Error(t, err)
	f.scanRepo.AssertNotCalled(t, "CreateScanRun", mock.Anything, mock.Anything)
}

func TestStartScanDispatchesEnabledCollectors(t *testing.T) {
	f := newLifecycleFixture()
	scanID := uuid.New()
	run := runInStatus(scanID, domain.ScanRunStatusPending)

	f.scanRepo.On("GetScanRun", mock.Anything, scanID).Return(run, nil)
	f.scanRepo.On("UpdateScanRunGuarded", mock.Anything,
		mock.MatchedBy(func(r *domain.ScanRun) bool {
			return r.Status() == domain.ScanRunStatusScanning &&
				r.Phase(domain.PhaseEnumeration).Status == domain.PhaseStatusRunning
		}),
		[]domain.ScanRunStatus{domain.ScanRunStatusPending},
	).Return(true, nil)
	f.collectorRepo.On("CreateCollectorStates", mock.Anything,
		mock.MatchedBy(func(states []*domain.CollectorState) bool { return len(states) == 2 }),
	).Return(nil)
	f.collectorRepo.On("SaveLifecycleCAS", mock.Anything, mock.Anything).Return(true, nil)
	f.dispatcher.On("Start", mock.Anything,
		mock.MatchedBy(func(req domain.DispatchRequest) bool {
			return req.ScanID == scanID && req.ProgressURL != "" && req.CompleteURL != ""
		}),
	).Return(nil).Twice()

	require.NoError(t, f.svc.StartScan(context.Background(), scanID))

	f.dispatcher.AssertExpectations(t)
	f.collectorRepo.AssertExpectations(t)
}

func TestStartScanIsIdempotentWhileScanning(t *testing.T) {
	f := newLifecycleFixture()
	scanID := uuid.New()

	f.scanRepo.On("GetScanRun", mock.Anything, scanID).
		Return(runInStatus(scanID, domain.ScanRunStatusScanning), nil)

	require.NoError(t, f.svc.StartScan(context.Background(), scanID))

	f.scanRepo.AssertNotCalled(t, "UpdateScanRunGuarded", mock.Anything, mock.Anything, mock.Anything)
	f.dispatcher.AssertNotCalled(t, "Start", mock.Anything, mock.Anything)
}

func TestStartScanRejectsTerminalRun(t *testing.T) {
	f := newLifecycleFixture()
	scanID := uuid.New()

	f.scanRepo.On("GetScanRun", mock.Anything, scanID).
		Return(runInStatus(scanID, domain.ScanRunStatusCompleted), nil)

	err := f.svc.StartScan(context.Background(), scanID)

	var transitionErr domain.InvalidTransitionError
	require.ErrorAs(t, err, &transitionErr)
	assert.Equal(t, domain.ScanRunStatusCompleted, transitionErr.From)
}

func TestStartScanFailsRunWhenCollectorRowsCannotBeCreated(t *testing.T) {
	f := newLifecycleFixture()
	scanID := uuid.New()
	run := runInStatus(scanID, domain.ScanRunStatusPending)

	f.scanRepo.On("GetScanRun", mock.Anything, scanID).Return(run, nil)
	f.scanRepo.On("UpdateScanRunGuarded", mock.Anything,
		mock.MatchedBy(func(r *domain.ScanRun) bool {
			return r.Status() == domain.ScanRunStatusScanning
		}),
		[]domain.ScanRunStatus{domain.ScanRunStatusPending},
	).Return(true, nil)
	f.collectorRepo.On("CreateCollectorStates", mock.Anything, mock.Anything).
		Return(errors.New("unique constraint violated"))
	f.scanRepo.On("UpdateScanRunGuarded", mock.Anything,
		mock.MatchedBy(func(r *domain.ScanRun) bool {
			return r.Status() == domain.ScanRunStatusFailed
		}),
		[]domain.ScanRunStatus{domain.ScanRunStatusScanning},
	).Return(true, nil)

	err := f.svc.StartScan(context.Background(), scanID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create collector rows")

	f.scanRepo.AssertExpectations(t)
	f.dispatcher.AssertNotCalled(t, "Start", mock.Anything, mock.Anything)
	assert.Contains(t, f.broker.published, domain.EventTypeScanFailed)
}

func TestStartScanIsolatesDispatchFailures(t *testing.T) {
	f := newLifecycleFixture()
	scanID := uuid.New()
	run := runInStatus(scanID, domain.ScanRunStatusPending)

	f.scanRepo.On("GetScanRun", mock.Anything, scanID).Return(run, nil)
	f.scanRepo.On("UpdateScanRunGuarded", mock.Anything, mock.Anything,
		[]domain.ScanRunStatus{domain.ScanRunStatusPending}).Return(true, nil)
	f.collectorRepo.On("CreateCollectorStates", mock.Anything, mock.Anything).Return(nil)
	f.collectorRepo.On("SaveLifecycleCAS", mock.Anything, mock.Anything).Return(true, nil)

	f.dispatcher.On("Start", mock.Anything,
		mock.MatchedBy(func(req domain.DispatchRequest) bool { return req.Collector == "network_scanner" }),
	).Return(nil)
	f.dispatcher.On("Start", mock.Anything,
		mock.MatchedBy(func(req domain.DispatchRequest) bool { return req.Collector == "code_analyzer" }),
	).Return(errors.New("connection refused"))

	f.collectorRepo.On("SaveCompletionCAS", mock.Anything,
		mock.MatchedBy(func(state *domain.CollectorState) bool {
			return state.Collector() == "code_analyzer" && state.Status() == domain.CollectorStatusFailed
		}),
	).Return(true, nil)

	// Post-dispatch aggregation runs because a dispatch failed; the healthy
	// collector is still out scanning, so it waits.
	f.collectorRepo.On("ListByScan", mock.Anything, scanID).
		Return([]*domain.CollectorState{
			runningCollector(scanID, "network_scanner"),
			terminalCollector(scanID, "code_analyzer", domain.CollectorStatusFailed, "connection refused"),
		}, nil)

	require.NoError(t, f.svc.StartScan(context.Background(), scanID))

	f.collectorRepo.AssertExpectations(t)
}

func TestStopScanCancelsAndNotifiesCollectors(t *testing.T) {
	f := newLifecycleFixture()
	scanID := uuid.New()

	f.scanRepo.On("GetScanRun", mock.Anything, scanID).
		Return(runInStatus(scanID, domain.ScanRunStatusScanning), nil)
	f.scanRepo.On("UpdateScanRunGuarded", mock.Anything,
		mock.MatchedBy(func(run *domain.ScanRun) bool {
			return run.Status() == domain.ScanRunStatusCancelled
		}),
		[]domain.ScanRunStatus{domain.ScanRunStatusScanning},
	).Return(true, nil)
	f.collectorRepo.On("ListByScan", mock.Anything, scanID).
		Return([]*domain.CollectorState{
			runningCollector(scanID, "network_scanner"),
			terminalCollector(scanID, "code_analyzer", domain.CollectorStatusFailed, "agent crashed"),
		}, nil)
	// Only the non-terminal collector is asked to stop; the request failing
	// does not fail the cancellation.
	f.dispatcher.On("Stop", mock.Anything, "network_scanner", scanID).
		Return(errors.New("unreachable")).Once()

	require.NoError(t, f.svc.StopScan(context.Background(), scanID))

	f.dispatcher.AssertExpectations(t)
	assert.Contains(t, f.broker.published, domain.EventTypeScanCompleted)
}

func TestStopScanRejectsTerminalRun(t *testing.T) {
	f := newLifecycleFixture()
	scanID := uuid.New()

	f.scanRepo.On("GetScanRun", mock.Anything, scanID).
		Return(runInStatus(scanID, domain.ScanRunStatusFailed), nil)

	err := f.svc.StopScan(context.Background(), scanID)

	var transitionErr domain.InvalidTransitionError
	require.ErrorAs(t, err, &transitionErr)
}

func TestTriggerInspectionEmptyTargetsCompletesRun(t *testing.T) {
	f := newLifecycleFixture()
	scanID := uuid.New()

	f.scanRepo.On("GetScanRun", mock.Anything, scanID).
		Return(runInStatus(scanID, domain.ScanRunStatusAwaitingInspection), nil)
	f.scanRepo.On("UpdateScanRunGuarded", mock.Anything,
		mock.MatchedBy(func(run *domain.ScanRun) bool {
			return run.Status() == domain.ScanRunStatusCompleted
		}),
		[]domain.ScanRunStatus{domain.ScanRunStatusAwaitingInspection},
	).Return(true, nil)

	require.NoError(t, f.svc.TriggerInspection(context.Background(), scanID, nil))

	f.inspector.AssertNotCalled(t, "Inspect", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.Contains(t, f.broker.published, domain.EventTypeScanCompleted)
}

func TestTriggerInspectionDispatchesTargets(t *testing.T) {
	f := newLifecycleFixture()
	scanID := uuid.New()
	targets := []domain.InspectionTarget{{
		Host:   "10.20.3.7",
		Port:   5432,
		Engine: "postgres",
		Credentials: domain.InspectionCredentials{
			Username: "auditor",
			Password: "s3cret",
		},
	}}

	f.scanRepo.On("GetScanRun", mock.Anything, scanID).
		Return(runInStatus(scanID, domain.ScanRunStatusAwaitingInspection), nil)
	f.collectorRepo.On("CreateCollectorStates", mock.Anything,
		mock.MatchedBy(func(states []*domain.CollectorState) bool {
			return len(states) == 1 && states[0].Collector() == InspectorCollectorName
		}),
	).Return(nil)
	f.scanRepo.On("UpdateScanRunGuarded", mock.Anything,
		mock.MatchedBy(func(run *domain.ScanRun) bool {
			return run.Status() == domain.ScanRunStatusInspecting &&
				run.Phase(domain.PhaseInspection).Status == domain.PhaseStatusRunning
		}),
		[]domain.ScanRunStatus{domain.ScanRunStatusAwaitingInspection},
	).Return(true, nil)
	f.collectorRepo.On("SaveLifecycleCAS", mock.Anything, mock.Anything).Return(true, nil)
	f.inspector.On("Inspect", mock.Anything, scanID, targets, mock.Anything, mock.Anything).Return(nil)

	require.NoError(t, f.svc.TriggerInspection(context.Background(), scanID, targets))

	f.inspector.AssertExpectations(t)
	assert.Contains(t, f.broker.published, domain.EventTypeInspectionTriggered)
}

func TestTriggerInspectionDispatchFailureFailsRun(t *testing.T) {
	f := newLifecycleFixture()
	scanID := uuid.New()
	targets := []domain.InspectionTarget{{
		Host:   "10.20.3.7",
		Port:   5432,
		Engine: "postgres",
		Credentials: domain.InspectionCredentials{
			Username: "auditor",
			Password: "s3cret",
		},
	}}

	f.scanRepo.On("GetScanRun", mock.Anything, scanID).
		Return(runInStatus(scanID, domain.ScanRunStatusAwaitingInspection), nil)
	f.collectorRepo.On("CreateCollectorStates", mock.Anything, mock.Anything).Return(nil)
	f.scanRepo.On("UpdateScanRunGuarded", mock.Anything,
		mock.MatchedBy(func(run *domain.ScanRun) bool {
			return run.Status() == domain.ScanRunStatusInspecting
		}),
		[]domain.ScanRunStatus{domain.ScanRunStatusAwaitingInspection},
	).Return(true, nil)
	f.collectorRepo.On("SaveLifecycleCAS", mock.Anything, mock.Anything).Return(true, nil)
	f.inspector.On("Inspect", mock.Anything, scanID, targets, mock.Anything, mock.Anything).
		Return(errors.New("inspector unreachable"))
	f.collectorRepo.On("SaveCompletionCAS", mock.Anything,
		mock.MatchedBy(func(state *domain.CollectorState) bool {
			return state.Collector() == InspectorCollectorName && state.Status() == domain.CollectorStatusFailed
		}),
	).Return(true, nil)
	f.scanRepo.On("UpdateScanRunGuarded", mock.Anything,
		mock.MatchedBy(func(run *domain.ScanRun) bool {
			return run.Status() == domain.ScanRunStatusFailed
		}),
		[]domain.ScanRunStatus{domain.ScanRunStatusInspecting},
	).Return(true, nil)

	err := f.svc.TriggerInspection(context.Background(), scanID, targets)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inspection dispatch failed")

	f.scanRepo.AssertExpectations(t)
	assert.Contains(t, f.broker.published, domain.EventTypeScanFailed)
}

func TestTriggerInspectionRejectsInvalidTarget(t *testing.T) {
	f := newLifecycleFixture()
	scanID := uuid.New()

	f.scanRepo.On("GetScanRun", mock.Anything, scanID).
		Return(runInStatus(scanID, domain.ScanRunStatusAwaitingInspection), nil)

	err := f.svc.TriggerInspection(context.Background(), scanID, []domain.InspectionTarget{{Port: 5432}})
	require.Error(t, err)

	f.collectorRepo.AssertNotCalled(t, "CreateCollectorStates", mock.Anything, mock.Anything)
	f.inspector.AssertNotCalled(t, "Inspect", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestTriggerInspectionRejectsWrongStatus(t *testing.T) {
	f := newLifecycleFixture()
	scanID := uuid.New()

	f.scanRepo.On("GetScanRun", mock.Anything, scanID).
		Return(runInStatus(scanID, domain.ScanRunStatusScanning), nil)

	err := f.svc.TriggerInspection(context.Background(), scanID, nil)

	var transitionErr domain.InvalidTransitionError
	require.ErrorAs(t, err, &transitionErr)
}

func TestTriggerInspectionWrongStatusLeavesNoInspectorRow(t *testing.T) {
	f := newLifecycleFixture()
	scanID := uuid.New()
	targets := []domain.InspectionTarget{{
		Host:   "10.20.3.7",
		Port:   5432,
		Engine: "postgres",
		Credentials: domain.InspectionCredentials{
			Username: "auditor",
			Password: "s3cret",
		},
	}}

	// Enumeration is still in flight; the trigger must be rejected without
	// leaving a pending inspector row that would wedge aggregation.
	f.scanRepo.On("GetScanRun", mock.Anything, scanID).
		Return(runInStatus(scanID, domain.ScanRunStatusScanning), nil)

	err := f.svc.TriggerInspection(context.Background(), scanID, targets)

	var transitionErr domain.InvalidTransitionError
	require.ErrorAs(t, err, &transitionErr)

	f.collectorRepo.AssertNotCalled(t, "CreateCollectorStates", mock.Anything, mock.Anything)
	f.scanRepo.AssertNotCalled(t, "UpdateScanRunGuarded", mock.Anything, mock.Anything, mock.Anything)
	f.inspector.AssertNotCalled(t, "Inspect", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestTriggerInspectionCompensatesFailedInspectorRow(t *testing.T) {
	f := newLifecycleFixture()
	scanID := uuid.New()
	targets := []domain.InspectionTarget{{
		Host:   "10.20.3.7",
		Port:   5432,
		Engine: "postgres",
		Credentials: domain.InspectionCredentials{
			Username: "auditor",
			Password: "s3cret",
		},
	}}

	f.scanRepo.On("GetScanRun", mock.Anything, scanID).
		Return(runInStatus(scanID, domain.ScanRunStatusAwaitingInspection), nil)
	f.scanRepo.On("UpdateScanRunGuarded", mock.Anything,
		mock.MatchedBy(func(run *domain.ScanRun) bool {
			return run.Status() == domain.ScanRunStatusInspecting
		}),
		[]domain.ScanRunStatus{domain.ScanRunStatusAwaitingInspection},
	).Return(true, nil)
	f.collectorRepo.On("CreateCollectorStates", mock.Anything, mock.Anything).
		Return(errors.New("connection reset"))
	// The run already flipped to inspecting, so the failed row insert must
	// fail the run rather than strand it.
	f.scanRepo.On("UpdateScanRunGuarded", mock.Anything,
		mock.MatchedBy(func(run *domain.ScanRun) bool {
			return run.Status() == domain.ScanRunStatusFailed
		}),
		[]domain.ScanRunStatus{domain.ScanRunStatusInspecting},
	).Return(true, nil)

	err := f.svc.TriggerInspection(context.Background(), scanID, targets)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create inspector state")

	f.scanRepo.AssertExpectations(t)
	f.inspector.AssertNotCalled(t, "Inspect", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.Contains(t, f.broker.published, domain.EventTypeScanFailed)
}
