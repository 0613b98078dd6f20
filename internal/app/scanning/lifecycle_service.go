package scanning

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/google/uuid"

	domain "github.com/dbsweep/dbsweep/internal/domain/scanning"
	"github.com/dbsweep/dbsweep/pkg/common/logger"
)

// CallbackURLs builds the per-scan callback addresses handed to collectors.
type CallbackURLs struct{ base string }

// NewCallbackURLs creates a builder rooted at the orchestrator's externally
// reachable base URL.
func NewCallbackURLs(baseURL string) CallbackURLs {
	return CallbackURLs{base: strings.TrimRight(baseURL, "/")}
}

// Progress returns the progress callback address for a scan.
func (c CallbackURLs) Progress(scanID uuid.UUID) string {
	return fmt.Sprintf("%s/v1/scans/%s/callbacks/progress", c.base, scanID)
}

// Complete returns the completion callback address for a scan.
func (c CallbackURLs) Complete(scanID uuid.UUID) string {
	return fmt.Sprintf("%s/v1/scans/%s/callbacks/complete", c.base, scanID)
}

// ScanLifecycleService drives the scan run state machine: creation, dispatch,
// cooperative cancellation, and the human-triggered inspection wave. All
// status writes go through guarded repository operations so concurrent
// control calls serialize at the row level.
type ScanLifecycleService struct {
	scanRepo      domain.ScanRunRepository
	collectorRepo domain.CollectorStateRepository
	profiles      domain.ProfileStore

	dispatcher  domain.CollectorDispatcher
	inspector   domain.InspectionDispatcher
	aggregator  *CompletionAggregator
	broadcaster *ProgressBroadcaster
	callbacks   CallbackURLs

	logger  *logger.Logger
	metrics DispatchMetrics
	tracer  trace.Tracer
}

// NewScanLifecycleService creates the lifecycle service.
func NewScanLifecycleService(
	scanRepo domain.ScanRunRepository,
	collectorRepo domain.CollectorStateRepository,
	profiles domain.ProfileStore,
	dispatcher domain.CollectorDispatcher,
	inspector domain.InspectionDispatcher,
	aggregator *CompletionAggregator,
	broadcaster *ProgressBroadcaster,
	callbacks CallbackURLs,
	log *logger.Logger,
	metrics DispatchMetrics,
	tracer trace.Tracer,
) *ScanLifecycleService {
	return &ScanLifecycleService{
		scanRepo:      scanRepo,
		collectorRepo: collectorRepo,
		profiles:      profiles,
		dispatcher:    dispatcher,
		inspector:     inspector,
		aggregator:    aggregator,
		broadcaster:   broadcaster,
		callbacks:     callbacks,
		logger:        log.With("component", "scan_lifecycle_service"),
		metrics:       metrics,
		tracer:        tracer,
	}
}

// CreateScan snapshots the profile and persists a new run in pending status.
func (s *ScanLifecycleService) CreateScan(ctx context.Context, profileID, requestedBy string) (*domain.ScanRun, error) {
	ctx, span := s.tracer.Start(ctx, "scan_lifecycle_service.create_scan",
		trace.WithAttributes(
			attribute.String("profile_id", profileID),
			attribute.String("requested_by", requestedBy),
		))
	defer span.End()

	snapshot, err := s.profiles.GetSnapshot(ctx, profileID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to snapshot profile")
		return nil, fmt.Errorf("failed to snapshot profile %s: %w", profileID, err)
	}

	if !snapshot.HasCollectors() {
		err := fmt.Errorf("profile %s has no enabled collectors", profileID)
		span.RecordError(err)
		span.SetStatus(codes.Error, "profile has no collectors")
		return nil, err
	}

	run := domain.NewScanRun(uuid.New(), snapshot, requestedBy)
	if err := s.scanRepo.CreateScanRun(ctx, run); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create scan run")
		return nil, fmt.Errorf("failed to create scan run: %w", err)
	}

	s.logger.Info(ctx, "scan run created",
		"scan_id", run.ID().String(), "profile_id", profileID, "requested_by", requestedBy)
	span.AddEvent("scan_run_created", trace.WithAttributes(
		attribute.String("scan_id", run.ID().String())))
	span.SetStatus(codes.Ok, "scan run created")

	s.broadcaster.EmitStatus(ctx, run)
	return run, nil
}

// StartScan transitions a pending run to scanning and dispatches every
// enabled collector concurrently. Starting an already-scanning run is a
// no-op. Per-collector dispatch failures are recorded on the collector row
// and never abort the run; if every dispatch fails the aggregator settles the
// run as failed.
func (s *ScanLifecycleService) StartScan(ctx context.Context, scanID uuid.UUID) error {
	ctx, span := s.tracer.Start(ctx, "scan_lifecycle_service.start_scan",
		trace.WithAttributes(attribute.String("scan_id", scanID.String())))
	defer span.End()

	run, err := s.scanRepo.GetScanRun(ctx, scanID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load scan run")
		return fmt.Errorf("failed to load scan run: %w", err)
	}

	if run.Status() == domain.ScanRunStatusScanning {
		span.AddEvent("scan_already_running")
		return nil
	}

	if err := run.Start(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid start transition")
		return err
	}

	applied, err := s.scanRepo.UpdateScanRunGuarded(ctx, run, domain.ScanRunStatusPending)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist start")
		return fmt.Errorf("failed to persist start: %w", err)
	}
	if !applied {
		// A concurrent start won the guarded write and owns the dispatch.
		span.AddEvent("start_lost_guarded_write")
		return nil
	}
	span.AddEvent("scan_started")
	s.broadcaster.EmitStatus(ctx, run)

	states := make([]*domain.CollectorState, 0, len(run.Profile().EnabledCollectors))
	for _, name := range run.Profile().EnabledCollectors {
		states = append(states, domain.NewCollectorState(scanID, name))
	}
	if err := s.collectorRepo.CreateCollectorStates(ctx, states); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create collector states")
		if failErr := s.failRun(ctx, run, fmt.Sprintf("failed to create collector rows: %v", err)); failErr != nil {
			s.logger.Error(ctx, "failed to fail run after collector row creation failure",
				"scan_id", scanID.String(), "err", failErr)
		}
		return fmt.Errorf("failed to create collector rows: %w", err)
	}

	anyFailed := s.dispatchWave(ctx, run, states)
	if anyFailed {
		if err := s.aggregator.Reevaluate(ctx, scanID); err != nil {
			s.logger.Error(ctx, "post-dispatch aggregation failed",
				"scan_id", scanID.String(), "err", err)
		}
	}

	span.SetStatus(codes.Ok, "scan started")
	return nil
}

// dispatchWave starts every collector concurrently and reports whether any
// dispatch failed. Each failure is isolated to its collector row.
func (s *ScanLifecycleService) dispatchWave(ctx context.Context, run *domain.ScanRun, states []*domain.CollectorState) bool {
	ctx, span := s.tracer.Start(ctx, "scan_lifecycle_service.dispatch_wave",
		trace.WithAttributes(
			attribute.String("scan_id", run.ID().String()),
			attribute.Int("collector_count", len(states)),
		))
	defer span.End()

	req := domain.DispatchRequest{
		ScanID:      run.ID(),
		Profile:     run.Profile(),
		ProgressURL: s.callbacks.Progress(run.ID()),
		CompleteURL: s.callbacks.Complete(run.ID()),
	}

	var anyFailed bool
	g, gctx := errgroup.WithContext(ctx)
	failures := make([]bool, len(states))
	for i, state := range states {
		g.Go(func() error {
			failures[i] = !s.dispatchOne(gctx, state, req)
			return nil
		})
	}
	_ = g.Wait()

	for _, failed := range failures {
		anyFailed = anyFailed || failed
	}
	span.SetAttributes(attribute.Bool("any_failed", anyFailed))
	return anyFailed
}

// dispatchOne drives a single collector through starting and into running or
// failed. It reports whether the dispatch succeeded.
func (s *ScanLifecycleService) dispatchOne(ctx context.Context, state *domain.CollectorState, req domain.DispatchRequest) bool {
	req.Collector = state.Collector()

	if err := state.MarkStarting(); err != nil {
		s.logger.Error(ctx, "collector not dispatchable",
			"scan_id", state.ScanID().String(), "collector", state.Collector(), "err", err)
		return false
	}
	if _, err := s.collectorRepo.SaveLifecycleCAS(ctx, state); err != nil {
		s.logger.Error(ctx, "failed to persist collector starting",
			"scan_id", state.ScanID().String(), "collector", state.Collector(), "err", err)
	}

	s.metrics.IncDispatches(ctx)
	if err := s.dispatcher.Start(ctx, req); err != nil {
		s.metrics.IncDispatchFailures(ctx)
		s.logger.Error(ctx, "collector dispatch failed",
			"scan_id", state.ScanID().String(), "collector", state.Collector(), "err", err)

		if markErr := state.MarkDispatchFailed(err.Error()); markErr == nil {
			if _, saveErr := s.collectorRepo.SaveCompletionCAS(ctx, state); saveErr != nil {
				s.logger.Error(ctx, "failed to persist collector dispatch failure",
					"scan_id", state.ScanID().String(), "collector", state.Collector(), "err", saveErr)
			}
		}
		s.broadcaster.EmitCollectorStatus(ctx, state)
		return false
	}

	if err := state.MarkRunning(); err == nil {
		if _, saveErr := s.collectorRepo.SaveLifecycleCAS(ctx, state); saveErr != nil {
			s.logger.Error(ctx, "failed to persist collector running",
				"scan_id", state.ScanID().String(), "collector", state.Collector(), "err", saveErr)
		}
	}
	s.broadcaster.EmitCollectorStatus(ctx, state)
	return true
}

// StopScan cancels a non-terminal run and best-effort asks its non-terminal
// collectors to stop. Cancellation is final.
func (s *ScanLifecycleService) StopScan(ctx context.Context, scanID uuid.UUID) error {
	ctx, span := s.tracer.Start(ctx, "scan_lifecycle_service.stop_scan",
		trace.WithAttributes(attribute.String("scan_id", scanID.String())))
	defer span.End()

	run, err := s.scanRepo.GetScanRun(ctx, scanID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load scan run")
		return fmt.Errorf("failed to load scan run: %w", err)
	}

	priorStatus := run.Status()
	if err := run.Cancel(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid stop transition")
		return err
	}

	applied, err := s.scanRepo.UpdateScanRunGuarded(ctx, run, priorStatus)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist cancellation")
		return fmt.Errorf("failed to persist cancellation: %w", err)
	}
	if !applied {
		// The run settled concurrently; there is nothing left to cancel.
		span.AddEvent("stop_lost_guarded_write")
		return nil
	}

	s.logger.Info(ctx, "scan run cancelled", "scan_id", scanID.String())
	span.AddEvent("scan_cancelled")

	states, err := s.collectorRepo.ListByScan(ctx, scanID)
	if err != nil {
		s.logger.Error(ctx, "failed to list collectors for stop",
			"scan_id", scanID.String(), "err", err)
	}
	for _, state := range states {
		if state.IsTerminal() {
			continue
		}
		if err := s.dispatcher.Stop(ctx, state.Collector(), scanID); err != nil {
			s.logger.Warn(ctx, "collector stop request failed",
				"scan_id", scanID.String(), "collector", state.Collector(), "err", err)
		}
	}

	s.broadcaster.EmitStatus(ctx, run)
	s.broadcaster.EmitComplete(ctx, run)
	span.SetStatus(codes.Ok, "scan cancelled")
	return nil
}

// TriggerInspection dispatches the human-selected target batch. An empty
// batch skips inspection and completes the run. A dispatch failure fails the
// whole run and is reported to the caller synchronously. Targets carry
// transient credentials and are never persisted or logged.
func (s *ScanLifecycleService) TriggerInspection(ctx context.Context, scanID uuid.UUID, targets []domain.InspectionTarget) error {
	ctx, span := s.tracer.Start(ctx, "scan_lifecycle_service.trigger_inspection",
		trace.WithAttributes(
			attribute.String("scan_id", scanID.String()),
			attribute.Int("target_count", len(targets)),
		))
	defer span.End()

	run, err := s.scanRepo.GetScanRun(ctx, scanID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load scan run")
		return fmt.Errorf("failed to load scan run: %w", err)
	}

	if len(targets) == 0 {
		return s.skipInspection(ctx, run)
	}

	for i, target := range targets {
		if err := target.Validate(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "invalid inspection target")
			return fmt.Errorf("invalid inspection target at index %d: %w", i, err)
		}
	}

	// The status must flip before any inspector row exists: a rejected
	// trigger leaves the run untouched, with no stray pending collector
	// for the aggregator to wait on.
	if err := run.BeginInspection(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid inspection transition")
		return err
	}
	applied, err := s.scanRepo.UpdateScanRunGuarded(ctx, run, domain.ScanRunStatusAwaitingInspection)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist inspection start")
		return fmt.Errorf("failed to persist inspection start: %w", err)
	}
	if !applied {
		span.AddEvent("inspection_lost_guarded_write")
		return domain.InvalidTransitionError{From: domain.ScanRunStatusAwaitingInspection, To: domain.ScanRunStatusInspecting}
	}
	s.broadcaster.EmitStatus(ctx, run)

	// Completion callbacks are only accepted once the inspector row exists,
	// so creating it after the flip is safe. If the insert fails the run is
	// failed rather than left wedged in inspecting.
	inspState := domain.NewCollectorState(scanID, InspectorCollectorName)
	if err := s.collectorRepo.CreateCollectorStates(ctx, []*domain.CollectorState{inspState}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create inspector state")
		if failErr := s.failRun(ctx, run, fmt.Sprintf("failed to create inspector state: %v", err)); failErr != nil {
			s.logger.Error(ctx, "failed to fail run after inspector state creation failure",
				"scan_id", scanID.String(), "err", failErr)
		}
		return fmt.Errorf("failed to create inspector state: %w", err)
	}

	if err := inspState.MarkStarting(); err == nil {
		if _, saveErr := s.collectorRepo.SaveLifecycleCAS(ctx, inspState); saveErr != nil {
			s.logger.Error(ctx, "failed to persist inspector starting",
				"scan_id", scanID.String(), "err", saveErr)
		}
	}

	s.metrics.IncDispatches(ctx)
	err = s.inspector.Inspect(ctx, scanID, targets, s.callbacks.Progress(scanID), s.callbacks.Complete(scanID))
	if err != nil {
		s.metrics.IncDispatchFailures(ctx)
		span.RecordError(err)
		span.SetStatus(codes.Error, "inspection dispatch failed")

		if markErr := inspState.MarkDispatchFailed(err.Error()); markErr == nil {
			if _, saveErr := s.collectorRepo.SaveCompletionCAS(ctx, inspState); saveErr != nil {
				s.logger.Error(ctx, "failed to persist inspector dispatch failure",
					"scan_id", scanID.String(), "err", saveErr)
			}
		}
		s.broadcaster.EmitCollectorStatus(ctx, inspState)

		if failErr := s.failRun(ctx, run, fmt.Sprintf("inspection dispatch failed: %v", err)); failErr != nil {
			s.logger.Error(ctx, "failed to fail run after inspection dispatch failure",
				"scan_id", scanID.String(), "err", failErr)
		}
		return fmt.Errorf("inspection dispatch failed: %w", err)
	}

	if err := inspState.MarkRunning(); err == nil {
		if _, saveErr := s.collectorRepo.SaveLifecycleCAS(ctx, inspState); saveErr != nil {
			s.logger.Error(ctx, "failed to persist inspector running",
				"scan_id", scanID.String(), "err", saveErr)
		}
	}
	s.broadcaster.EmitCollectorStatus(ctx, inspState)
	s.broadcaster.EmitInspectionTriggered(ctx, scanID, len(targets))

	s.logger.Info(ctx, "inspection dispatched",
		"scan_id", scanID.String(), "target_count", len(targets))
	span.SetStatus(codes.Ok, "inspection dispatched")
	return nil
}

// skipInspection completes a run whose reviewer selected no targets.
func (s *ScanLifecycleService) skipInspection(ctx context.Context, run *domain.ScanRun) error {
	ctx, span := s.tracer.Start(ctx, "scan_lifecycle_service.skip_inspection",
		trace.WithAttributes(attribute.String("scan_id", run.ID().String())))
	defer span.End()

	if run.Status() != domain.ScanRunStatusAwaitingInspection {
		err := domain.InvalidTransitionError{From: run.Status(), To: domain.ScanRunStatusCompleted}
		span.RecordError(err)
		return err
	}
	if err := run.Complete(); err != nil {
		span.RecordError(err)
		return err
	}

	applied, err := s.scanRepo.UpdateScanRunGuarded(ctx, run, domain.ScanRunStatusAwaitingInspection)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist completion")
		return fmt.Errorf("failed to persist completion: %w", err)
	}
	if !applied {
		span.AddEvent("skip_lost_guarded_write")
		return nil
	}

	s.logger.Info(ctx, "inspection skipped, scan completed", "scan_id", run.ID().String())
	s.broadcaster.EmitStatus(ctx, run)
	s.broadcaster.EmitComplete(ctx, run)
	span.SetStatus(codes.Ok, "inspection skipped")
	return nil
}

// GetScan returns a run and its collector rows.
func (s *ScanLifecycleService) GetScan(ctx context.Context, scanID uuid.UUID) (*domain.ScanRun, []*domain.CollectorState, error) {
	run, err := s.scanRepo.GetScanRun(ctx, scanID)
	if err != nil {
		return nil, nil, err
	}
	states, err := s.collectorRepo.ListByScan(ctx, scanID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list collector states: %w", err)
	}
	return run, states, nil
}

// ListScans returns runs ordered newest first.
func (s *ScanLifecycleService) ListScans(ctx context.Context, limit, offset int) ([]*domain.ScanRun, error) {
	return s.scanRepo.ListScanRuns(ctx, limit, offset)
}

// failRun marks the run failed behind a guard on its current status and
// broadcasts the failure. It returns an error only when the failure could
// not be recorded; callers decide how to report the failure itself.
func (s *ScanLifecycleService) failRun(ctx context.Context, run *domain.ScanRun, msg string) error {
	priorStatus := run.Status()
	if err := run.Fail(msg); err != nil {
		return err
	}
	applied, err := s.scanRepo.UpdateScanRunGuarded(ctx, run, priorStatus)
	if err != nil {
		return fmt.Errorf("failed to persist run failure: %w", err)
	}
	if applied {
		s.broadcaster.EmitStatus(ctx, run)
		s.broadcaster.EmitError(ctx, run.ID(), msg)
	}
	return nil
}
