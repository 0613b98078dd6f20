package scanning

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/google/uuid"

	"github.com/dbsweep/dbsweep/internal/domain/discovery"
	domain "github.com/dbsweep/dbsweep/internal/domain/scanning"
	"github.com/dbsweep/dbsweep/pkg/common/logger"
)

// CollectorTracker ingests collector callbacks. Acceptance is decided twice:
// once in memory against the loaded aggregate and once at the store through a
// compare-and-set write, so concurrent duplicate deliveries of the same
// callback change state at most once. A rejected callback is a benign
// "already processed" outcome, never an error.
type CollectorTracker struct {
	scanRepo      domain.ScanRunRepository
	collectorRepo domain.CollectorStateRepository
	discoveries   discovery.Store

	aggregator  *CompletionAggregator
	broadcaster *ProgressBroadcaster

	logger  *logger.Logger
	metrics TrackerMetrics
	tracer  trace.Tracer
}

// NewCollectorTracker creates a tracker over the given stores.
func NewCollectorTracker(
	scanRepo domain.ScanRunRepository,
	collectorRepo domain.CollectorStateRepository,
	discoveries discovery.Store,
	aggregator *CompletionAggregator,
	broadcaster *ProgressBroadcaster,
	log *logger.Logger,
	metrics TrackerMetrics,
	tracer trace.Tracer,
) *CollectorTracker {
	return &CollectorTracker{
		scanRepo:      scanRepo,
		collectorRepo: collectorRepo,
		discoveries:   discoveries,
		aggregator:    aggregator,
		broadcaster:   broadcaster,
		logger:        log.With("component", "collector_tracker"),
		metrics:       metrics,
		tracer:        tracer,
	}
}

// AcceptProgress ingests one progress callback. It reports whether the update
// advanced state; false means the callback was stale, duplicated, or arrived
// after the collector or run settled.
func (t *CollectorTracker) AcceptProgress(ctx context.Context, p domain.Progress) (bool, error) {
	ctx, span := t.tracer.Start(ctx, "collector_tracker.accept_progress",
		trace.WithAttributes(
			attribute.String("scan_id", p.ScanID().String()),
			attribute.String("collector", p.Collector()),
			attribute.Int64("sequence", p.Sequence()),
		))
	defer span.End()

	run, err := t.scanRepo.GetScanRun(ctx, p.ScanID())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load scan run")
		return false, fmt.Errorf("failed to load scan run: %w", err)
	}

	if !runAcceptsCallbacks(run) {
		t.rejected(ctx, span, "run_not_accepting_callbacks")
		return false, nil
	}

	state, err := t.collectorRepo.GetCollectorState(ctx, p.ScanID(), p.Collector())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load collector state")
		return false, fmt.Errorf("failed to load collector state: %w", err)
	}

	if err := state.ApplyProgress(p); err != nil {
		if isBenignRejection(err) {
			t.rejected(ctx, span, "stale_or_terminal")
			return false, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to apply progress")
		return false, fmt.Errorf("failed to apply progress: %w", err)
	}

	applied, err := t.collectorRepo.SaveProgressCAS(ctx, state)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist progress")
		return false, fmt.Errorf("failed to persist progress: %w", err)
	}
	if !applied {
		// A concurrent delivery of the same or a newer sequence won the
		// stored compare-and-set.
		t.rejected(ctx, span, "lost_sequence_cas")
		return false, nil
	}

	total := t.refreshTotalDiscoveries(ctx, run, p.Percent(), p.DiscoveryCount(), p.Phase())

	t.metrics.IncCallbacksAccepted(ctx)
	span.AddEvent("progress_accepted")
	span.SetStatus(codes.Ok, "progress accepted")

	t.broadcaster.EmitProgress(ctx, p, total)
	t.broadcaster.EmitCollectorStatus(ctx, state)
	return true, nil
}

// AcceptCompletion ingests one completion callback. First write wins: it
// reports false when the collector already holds a terminal status.
func (t *CollectorTracker) AcceptCompletion(
	ctx context.Context,
	scanID uuid.UUID,
	collector string,
	status domain.CollectorStatus,
	discoveryCount int,
	errorMessage string,
) (bool, error) {
	ctx, span := t.tracer.Start(ctx, "collector_tracker.accept_completion",
		trace.WithAttributes(
			attribute.String("scan_id", scanID.String()),
			attribute.String("collector", collector),
			attribute.String("status", string(status)),
		))
	defer span.End()

	run, err := t.scanRepo.GetScanRun(ctx, scanID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load scan run")
		return false, fmt.Errorf("failed to load scan run: %w", err)
	}

	if !runAcceptsCallbacks(run) {
		t.rejected(ctx, span, "run_not_accepting_callbacks")
		return false, nil
	}

	state, err := t.collectorRepo.GetCollectorState(ctx, scanID, collector)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load collector state")
		return false, fmt.Errorf("failed to load collector state: %w", err)
	}

	if err := state.Complete(status, discoveryCount, errorMessage); err != nil {
		var terminalErr *domain.CollectorTerminalError
		if errors.As(err, &terminalErr) {
			t.rejected(ctx, span, "already_terminal")
			return false, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to apply completion")
		return false, fmt.Errorf("failed to apply completion: %w", err)
	}

	applied, err := t.collectorRepo.SaveCompletionCAS(ctx, state)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist completion")
		return false, fmt.Errorf("failed to persist completion: %w", err)
	}
	if !applied {
		t.rejected(ctx, span, "lost_completion_cas")
		return false, nil
	}

	t.refreshTotalDiscoveries(ctx, run, 0, 0, "")

	t.metrics.IncCallbacksAccepted(ctx)
	span.AddEvent("completion_accepted")
	span.SetStatus(codes.Ok, "completion accepted")

	t.broadcaster.EmitCollectorStatus(ctx, state)

	if err := t.aggregator.Reevaluate(ctx, scanID); err != nil {
		// The completion itself landed; the next terminal callback or a
		// manual stop will re-trigger aggregation.
		t.logger.Error(ctx, "completion aggregation failed",
			"scan_id", scanID.String(), "collector", collector, "err", err)
	}

	return true, nil
}

// refreshTotalDiscoveries recomputes the run's discovery aggregate from the
// discovery store and persists it alongside advisory phase progress. Failures
// here are logged, not propagated: the callback itself was already accepted.
func (t *CollectorTracker) refreshTotalDiscoveries(
	ctx context.Context,
	run *domain.ScanRun,
	progress int,
	discoveryCount int,
	phase domain.ScanPhase,
) int {
	total, err := t.discoveries.CountByScan(ctx, run.ID())
	if err != nil {
		t.logger.Error(ctx, "failed to recompute discovery total",
			"scan_id", run.ID().String(), "err", err)
		return run.TotalDiscoveries()
	}

	if err := t.scanRepo.UpdateTotalDiscoveries(ctx, run.ID(), total); err != nil {
		t.logger.Error(ctx, "failed to persist discovery total",
			"scan_id", run.ID().String(), "err", err)
	}
	run.SetTotalDiscoveries(total)

	if phase != "" {
		run.UpdatePhaseProgress(phase, progress, discoveryCount)
		if _, err := t.scanRepo.UpdateScanRunGuarded(ctx, run, run.Status()); err != nil {
			t.logger.Error(ctx, "failed to persist phase progress",
				"scan_id", run.ID().String(), "phase", string(phase), "err", err)
		}
	}

	return total
}

func (t *CollectorTracker) rejected(ctx context.Context, span trace.Span, reason string) {
	t.metrics.IncCallbacksRejected(ctx)
	span.AddEvent("callback_rejected", trace.WithAttributes(attribute.String("reason", reason)))
}

// runAcceptsCallbacks reports whether the run is in a phase where collector
// callbacks may still change state.
func runAcceptsCallbacks(run *domain.ScanRun) bool {
	switch run.Status() {
	case domain.ScanRunStatusScanning, domain.ScanRunStatusInspecting:
		return true
	default:
		return false
	}
}

// isBenignRejection reports whether a domain rejection is an expected
// consequence of at-least-once delivery rather than a failure.
func isBenignRejection(err error) bool {
	var outOfOrder *domain.OutOfOrderProgressError
	var terminal *domain.CollectorTerminalError
	return errors.As(err, &outOfOrder) || errors.As(err, &terminal)
}
