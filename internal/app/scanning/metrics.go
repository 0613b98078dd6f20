package scanning

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// TrackerMetrics defines the counters recorded by callback ingestion.
type TrackerMetrics interface {
	IncCallbacksAccepted(ctx context.Context)
	IncCallbacksRejected(ctx context.Context)
}

// DispatchMetrics defines the counters recorded by outbound dispatch.
type DispatchMetrics interface {
	IncDispatches(ctx context.Context)
	IncDispatchFailures(ctx context.Context)
}

// BroadcasterMetrics defines the counters recorded by event publishing.
type BroadcasterMetrics interface {
	IncEventsPublished(ctx context.Context)
	IncEventPublishErrors(ctx context.Context)
}

// OrchestratorMetrics aggregates the metric surfaces of the orchestration
// services so main can wire a single implementation.
type OrchestratorMetrics interface {
	TrackerMetrics
	DispatchMetrics
	BroadcasterMetrics
}

// orchestratorMetrics implements OrchestratorMetrics.
type orchestratorMetrics struct {
	callbacksAccepted metric.Int64Counter
	callbacksRejected metric.Int64Counter

	dispatches       metric.Int64Counter
	dispatchFailures metric.Int64Counter

	eventsPublished    metric.Int64Counter
	eventPublishErrors metric.Int64Counter
}

const namespace = "orchestrator"

// NewOrchestratorMetrics creates an OrchestratorMetrics instance backed by
// the provided meter provider.
func NewOrchestratorMetrics(mp metric.MeterProvider) (*orchestratorMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(orchestratorMetrics)
	var err error

	if m.callbacksAccepted, err = meter.Int64Counter(
		"callbacks_accepted_total",
		metric.WithDescription("Total number of collector callbacks accepted"),
	); err != nil {
		return nil, err
	}

	if m.callbacksRejected, err = meter.Int64Counter(
		"callbacks_rejected_total",
		metric.WithDescription("Total number of collector callbacks rejected as stale or duplicate"),
	); err != nil {
		return nil, err
	}

	if m.dispatches, err = meter.Int64Counter(
		"collector_dispatches_total",
		metric.WithDescription("Total number of outbound collector dispatch calls"),
	); err != nil {
		return nil, err
	}

	if m.dispatchFailures, err = meter.Int64Counter(
		"collector_dispatch_failures_total",
		metric.WithDescription("Total number of failed outbound collector dispatch calls"),
	); err != nil {
		return nil, err
	}

	if m.eventsPublished, err = meter.Int64Counter(
		"scan_events_published_total",
		metric.WithDescription("Total number of scan events published to the broker"),
	); err != nil {
		return nil, err
	}

	if m.eventPublishErrors, err = meter.Int64Counter(
		"scan_event_publish_errors_total",
		metric.WithDescription("Total number of scan event publish failures"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *orchestratorMetrics) IncCallbacksAccepted(ctx context.Context) {
	m.callbacksAccepted.Add(ctx, 1)
}

func (m *orchestratorMetrics) IncCallbacksRejected(ctx context.Context) {
	m.callbacksRejected.Add(ctx, 1)
}

func (m *orchestratorMetrics) IncDispatches(ctx context.Context) { m.dispatches.Add(ctx, 1) }

func (m *orchestratorMetrics) IncDispatchFailures(ctx context.Context) {
	m.dispatchFailures.Add(ctx, 1)
}

func (m *orchestratorMetrics) IncEventsPublished(ctx context.Context) {
	m.eventsPublished.Add(ctx, 1)
}

func (m *orchestratorMetrics) IncEventPublishErrors(ctx context.Context) {
	m.eventPublishErrors.Add(ctx, 1)
}

// NoopOrchestratorMetrics is a no-op implementation used by tests.
type NoopOrchestratorMetrics struct{}

func (NoopOrchestratorMetrics) IncCallbacksAccepted(context.Context)  {}
func (NoopOrchestratorMetrics) IncCallbacksRejected(context.Context)  {}
func (NoopOrchestratorMetrics) IncDispatches(context.Context)         {}
func (NoopOrchestratorMetrics) IncDispatchFailures(context.Context)   {}
func (NoopOrchestratorMetrics) IncEventsPublished(context.Context)    {}
func (NoopOrchestratorMetrics) IncEventPublishErrors(context.Context) {}
