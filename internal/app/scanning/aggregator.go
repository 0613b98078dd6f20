package scanning

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/google/uuid"

	"github.com/dbsweep/dbsweep/internal/domain/discovery"
	domain "github.com/dbsweep/dbsweep/internal/domain/scanning"
	"github.com/dbsweep/dbsweep/pkg/common/logger"
)

// InspectorCollectorName identifies the synthetic collector row created for
// the credentialed inspection dispatch. The inspection collector reports
// through the same callback ingress as the enumeration wave.
const InspectorCollectorName = "database_inspector"

// CompletionAggregator decides a run's next status once collector outcomes
// settle. It is invoked after every accepted completion and is safe to invoke
// concurrently and repeatedly: the decision is recomputed from stored rows
// and applied through a status-guarded write, so only one invocation's write
// lands and re-runs against a settled run are no-ops.
type CompletionAggregator struct {
	scanRepo      domain.ScanRunRepository
	collectorRepo domain.CollectorStateRepository
	discoveries   discovery.Store

	broadcaster *ProgressBroadcaster
	logger      *logger.Logger
	tracer      trace.Tracer
}

// NewCompletionAggregator creates an aggregator over the given stores.
func NewCompletionAggregator(
	scanRepo domain.ScanRunRepository,
	collectorRepo domain.CollectorStateRepository,
	discoveries discovery.Store,
	broadcaster *ProgressBroadcaster,
	log *logger.Logger,
	tracer trace.Tracer,
) *CompletionAggregator {
	return &CompletionAggregator{
		scanRepo:      scanRepo,
		collectorRepo: collectorRepo,
		discoveries:   discoveries,
		broadcaster:   broadcaster,
		logger:        log.With("component", "completion_aggregator"),
		tracer:        tracer,
	}
}

// Reevaluate recomputes the run's status from its collector rows. It does
// nothing while any collector is still non-terminal or the run already left
// the phase being aggregated.
func (a *CompletionAggregator) Reevaluate(ctx context.Context, scanID uuid.UUID) error {
	ctx, span := a.tracer.Start(ctx, "completion_aggregator.reevaluate",
		trace.WithAttributes(attribute.String("scan_id", scanID.String())))
	defer span.End()

	run, err := a.scanRepo.GetScanRun(ctx, scanID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load scan run")
		return fmt.Errorf("failed to load scan run: %w", err)
	}

	switch run.Status() {
	case domain.ScanRunStatusScanning:
		return a.settleEnumeration(ctx, run)
	case domain.ScanRunStatusInspecting:
		return a.settleInspection(ctx, run)
	default:
		// The run already settled (or was cancelled); a late completion
		// changes nothing.
		span.AddEvent("run_not_aggregatable", trace.WithAttributes(
			attribute.String("status", string(run.Status()))))
		return nil
	}
}

// settleEnumeration applies the enumeration-wave decision: wait for all
// collectors, then route on candidate count and collector outcomes.
func (a *CompletionAggregator) settleEnumeration(ctx context.Context, run *domain.ScanRun) error {
	ctx, span := a.tracer.Start(ctx, "completion_aggregator.settle_enumeration",
		trace.WithAttributes(attribute.String("scan_id", run.ID().String())))
	defer span.End()

	states, err := a.collectorRepo.ListByScan(ctx, run.ID())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list collector states")
		return fmt.Errorf("failed to list collector states: %w", err)
	}

	if !domain.AllTerminal(states) {
		span.AddEvent("collectors_still_running")
		return nil
	}

	candidates, err := a.discoveries.CountCandidatesByScan(ctx, run.ID())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to count candidates")
		return fmt.Errorf("failed to count database candidates: %w", err)
	}
	span.SetAttributes(attribute.Int("candidate_count", candidates))

	switch {
	case candidates > 0:
		if err := run.MarkAwaitingInspection(); err != nil {
			return fmt.Errorf("failed to mark run awaiting inspection: %w", err)
		}
	case domain.AnyFaulted(states):
		if err := run.Fail("all collectors finished with at least one failure and no database candidates"); err != nil {
			return fmt.Errorf("failed to fail run: %w", err)
		}
	default:
		if err := run.Complete(); err != nil {
			return fmt.Errorf("failed to complete run: %w", err)
		}
	}

	return a.applyDecision(ctx, run, domain.ScanRunStatusScanning)
}

// settleInspection applies the inspection-wave decision: the run follows the
// inspector collector's terminal outcome. Enumeration-wave failures were
// already tolerated by the awaiting_inspection decision and do not count
// against inspection.
func (a *CompletionAggregator) settleInspection(ctx context.Context, run *domain.ScanRun) error {
	ctx, span := a.tracer.Start(ctx, "completion_aggregator.settle_inspection",
		trace.WithAttributes(attribute.String("scan_id", run.ID().String())))
	defer span.End()

	inspector, err := a.collectorRepo.GetCollectorState(ctx, run.ID(), InspectorCollectorName)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load inspector state")
		return fmt.Errorf("failed to load inspector state: %w", err)
	}

	if !inspector.IsTerminal() {
		span.AddEvent("inspector_still_running")
		return nil
	}

	if inspector.Status() == domain.CollectorStatusCompleted {
		if err := run.Complete(); err != nil {
			return fmt.Errorf("failed to complete run: %w", err)
		}
	} else {
		msg := inspector.ErrorMessage()
		if msg == "" {
			msg = fmt.Sprintf("inspection finished with status %s", inspector.Status())
		}
		if err := run.Fail(msg); err != nil {
			return fmt.Errorf("failed to fail run: %w", err)
		}
	}

	return a.applyDecision(ctx, run, domain.ScanRunStatusInspecting)
}

// applyDecision persists the in-memory decision behind a status guard and
// broadcasts it only if this invocation's write landed.
func (a *CompletionAggregator) applyDecision(ctx context.Context, run *domain.ScanRun, expectFrom domain.ScanRunStatus) error {
	ctx, span := a.tracer.Start(ctx, "completion_aggregator.apply_decision",
		trace.WithAttributes(
			attribute.String("scan_id", run.ID().String()),
			attribute.String("decided_status", string(run.Status())),
		))
	defer span.End()

	applied, err := a.scanRepo.UpdateScanRunGuarded(ctx, run, expectFrom)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist aggregation decision")
		return fmt.Errorf("failed to persist aggregation decision: %w", err)
	}
	if !applied {
		// A concurrent invocation won the guarded write. Its decision was
		// computed from the same rows, so nothing is lost.
		span.AddEvent("decision_lost_guarded_write")
		return nil
	}

	a.logger.Info(ctx, "scan run status settled",
		"scan_id", run.ID().String(), "status", run.Status())
	span.AddEvent("decision_applied")

	a.broadcaster.EmitStatus(ctx, run)
	switch run.Status() {
	case domain.ScanRunStatusCompleted:
		a.broadcaster.EmitComplete(ctx, run)
	case domain.ScanRunStatusFailed:
		a.broadcaster.EmitError(ctx, run.ID(), run.ErrorMessage())
	}

	return nil
}
