// Package scanning wires the scan run domain model to persistence, outbound
// collector dispatch, and event broadcasting. Services here hold the
// orchestration logic; invariants live in the domain aggregates.
package scanning

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/google/uuid"

	domain "github.com/dbsweep/dbsweep/internal/domain/scanning"
	"github.com/dbsweep/dbsweep/internal/domain/events"
	"github.com/dbsweep/dbsweep/pkg/common/logger"
)

// ProgressBroadcaster publishes scan lifecycle events to an injected broker,
// one topic per scan. Broadcasting is observational: a publish failure is
// logged and counted but never fails the operation that triggered it, since
// authoritative state already landed in the repositories.
type ProgressBroadcaster struct {
	broker events.Broker

	logger  *logger.Logger
	metrics BroadcasterMetrics
	tracer  trace.Tracer
}

// NewProgressBroadcaster creates a broadcaster publishing through broker.
func NewProgressBroadcaster(
	broker events.Broker,
	log *logger.Logger,
	metrics BroadcasterMetrics,
	tracer trace.Tracer,
) *ProgressBroadcaster {
	return &ProgressBroadcaster{
		broker:  broker,
		logger:  log.With("component", "progress_broadcaster"),
		metrics: metrics,
		tracer:  tracer,
	}
}

// EmitStatus broadcasts a run-level status transition.
func (b *ProgressBroadcaster) EmitStatus(ctx context.Context, run *domain.ScanRun) {
	b.publish(ctx, run.ID(), domain.NewScanStatusChangedEvent(run.ID(), run.Status(), run.Phases()))
}

// EmitProgress broadcasts an accepted progress update together with the
// recomputed discovery aggregate.
func (b *ProgressBroadcaster) EmitProgress(ctx context.Context, p domain.Progress, totalDiscoveries int) {
	b.publish(ctx, p.ScanID(), domain.NewScanProgressedEvent(p, totalDiscoveries))
}

// EmitCollectorStatus broadcasts a collector lifecycle change.
func (b *ProgressBroadcaster) EmitCollectorStatus(ctx context.Context, state *domain.CollectorState) {
	b.publish(ctx, state.ScanID(), domain.NewCollectorStatusChangedEvent(state))
}

// EmitComplete broadcasts that the run reached a terminal status.
func (b *ProgressBroadcaster) EmitComplete(ctx context.Context, run *domain.ScanRun) {
	b.publish(ctx, run.ID(), domain.NewScanCompletedEvent(run.ID(), run.Status(), run.TotalDiscoveries()))
}

// EmitError broadcasts a run-level failure with its diagnostic.
func (b *ProgressBroadcaster) EmitError(ctx context.Context, scanID uuid.UUID, reason string) {
	b.publish(ctx, scanID, domain.NewScanFailedEvent(scanID, reason))
}

// EmitInspectionTriggered broadcasts that an inspection batch was dispatched.
// Only the batch size crosses the event boundary; targets carry credentials.
func (b *ProgressBroadcaster) EmitInspectionTriggered(ctx context.Context, scanID uuid.UUID, targetCount int) {
	b.publish(ctx, scanID, domain.NewInspectionTriggeredEvent(scanID, targetCount))
}

func (b *ProgressBroadcaster) publish(ctx context.Context, scanID uuid.UUID, evt events.DomainEvent) {
	ctx, span := b.tracer.Start(ctx, fmt.Sprintf("progress_broadcaster.publish_%s", evt.EventType()),
		trace.WithAttributes(
			attribute.String("scan_id", scanID.String()),
			attribute.String("event_type", string(evt.EventType())),
		))
	defer span.End()

	if err := b.broker.Publish(ctx, scanID.String(), evt, events.WithKey(scanID.String())); err != nil {
		span.RecordError(err)
		b.metrics.IncEventPublishErrors(ctx)
		b.logger.Error(ctx, "failed to publish scan event",
			"scan_id", scanID.String(), "event_type", evt.EventType(), "err", err)
		return
	}
	b.metrics.IncEventsPublished(ctx)
}
