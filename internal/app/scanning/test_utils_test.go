package scanning

import (
	"context"

	"github.com/stretchr/testify/mock"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/google/uuid"

	"github.com/dbsweep/dbsweep/internal/domain/events"
	domain "github.com/dbsweep/dbsweep/internal/domain/scanning"
	"github.com/dbsweep/dbsweep/pkg/common/logger"
)

// mockScanRunRepository implements domain.ScanRunRepository for testing.
type mockScanRunRepository struct{ mock.Mock }

func (m *mockScanRunRepository) CreateScanRun(ctx context.Context, run *domain.ScanRun) error {
	return m.Called(ctx, run).Error(0)
}

func (m *mockScanRunRepository) GetScanRun(ctx context.Context, id uuid.UUID) (*domain.ScanRun, error) {
	args := m.Called(ctx, id)
	if run := args.Get(0); run != nil {
		return run.(*domain.ScanRun), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockScanRunRepository) ListScanRuns(ctx context.Context, limit, offset int) ([]*domain.ScanRun, error) {
	args := m.Called(ctx, limit, offset)
	if runs := args.Get(0); runs != nil {
		return runs.([]*domain.ScanRun), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockScanRunRepository) UpdateScanRunGuarded(ctx context.Context, run *domain.ScanRun, expectFrom ...domain.ScanRunStatus) (bool, error) {
	args := m.Called(ctx, run, expectFrom)
	return args.Bool(0), args.Error(1)
}

func (m *mockScanRunRepository) UpdateTotalDiscoveries(ctx context.Context, id uuid.UUID, total int) error {
	return m.Called(ctx, id, total).Error(0)
}

// mockCollectorStateRepository implements domain.CollectorStateRepository for testing.
type mockCollectorStateRepository struct{ mock.Mock }

func (m *mockCollectorStateRepository) CreateCollectorStates(ctx context.Context, states []*domain.CollectorState) error {
	return m.Called(ctx, states).Error(0)
}

func (m *mockCollectorStateRepository) GetCollectorState(ctx context.Context, scanID uuid.UUID, collector string) (*domain.CollectorState, error) {
	args := m.Called(ctx, scanID, collector)
	if state := args.Get(0); state != nil {
		return state.(*domain.CollectorState), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockCollectorStateRepository) ListByScan(ctx context.Context, scanID uuid.UUID) ([]*domain.CollectorState, error) {
	args := m.Called(ctx, scanID)
	if states := args.Get(0); states != nil {
		return states.([]*domain.CollectorState), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockCollectorStateRepository) SaveProgressCAS(ctx context.Context, state *domain.CollectorState) (bool, error) {
	args := m.Called(ctx, state)
	return args.Bool(0), args.Error(1)
}

func (m *mockCollectorStateRepository) SaveCompletionCAS(ctx context.Context, state *domain.CollectorState) (bool, error) {
	args := m.Called(ctx, state)
	return args.Bool(0), args.Error(1)
}

func (m *mockCollectorStateRepository) SaveLifecycleCAS(ctx context.Context, state *domain.CollectorState) (bool, error) {
	args := m.Called(ctx, state)
	return args.Bool(0), args.Error(1)
}

// mockProfileStore implements domain.ProfileStore for testing.
type mockProfileStore struct{ mock.Mock }

func (m *mockProfileStore) GetSnapshot(ctx context.Context, profileID string) (domain.ProfileSnapshot, error) {
	args := m.Called(ctx, profileID)
	return args.Get(0).(domain.ProfileSnapshot), args.Error(1)
}

// mockDiscoveryStore implements discovery.Store for testing.
type mockDiscoveryStore struct{ mock.Mock }

func (m *mockDiscoveryStore) CountByScan(ctx context.Context, scanID uuid.UUID) (int, error) {
	args := m.Called(ctx, scanID)
	return args.Int(0), args.Error(1)
}

func (m *mockDiscoveryStore) CountCandidatesByScan(ctx context.Context, scanID uuid.UUID) (int, error) {
	args := m.Called(ctx, scanID)
	return args.Int(0), args.Error(1)
}

// mockCollectorDispatcher implements domain.CollectorDispatcher for testing.
type mockCollectorDispatcher struct{ mock.Mock }

func (m *mockCollectorDispatcher) Start(ctx context.Context, req domain.DispatchRequest) error {
	return m.Called(ctx, req).Error(0)
}

func (m *mockCollectorDispatcher) Stop(ctx context.Context, collector string, scanID uuid.UUID) error {
	return m.Called(ctx, collector, scanID).Error(0)
}

// mockInspectionDispatcher implements domain.InspectionDispatcher for testing.
type mockInspectionDispatcher struct{ mock.Mock }

func (m *mockInspectionDispatcher) Inspect(ctx context.Context, scanID uuid.UUID, targets []domain.InspectionTarget, progressURL, completeURL string) error {
	return m.Called(ctx, scanID, targets, progressURL, completeURL).Error(0)
}

// mockBroker implements events.Broker for testing.
type mockBroker struct{ mock.Mock }

func (m *mockBroker) Publish(ctx context.Context, topic string, event events.DomainEvent, _ ...events.PublishOption) error {
	return m.Called(ctx, topic, event).Error(0)
}

func (m *mockBroker) Subscribe(ctx context.Context, topic string) (<-chan events.DomainEvent, func(), error) {
	args := m.Called(ctx, topic)
	if ch := args.Get(0); ch != nil {
		return ch.(<-chan events.DomainEvent), args.Get(1).(func()), args.Error(2)
	}
	return nil, nil, args.Error(2)
}

func (m *mockBroker) Close() error { return m.Called().Error(0) }

// permissiveBroker accepts every publish and records event types, for tests
// that assert service behavior rather than broadcasting.
type permissiveBroker struct{ published []events.EventType }

func (b *permissiveBroker) Publish(_ context.Context, _ string, event events.DomainEvent, _ ...events.PublishOption) error {
	b.published = append(b.published, event.EventType())
	return nil
}

func (b *permissiveBroker) Subscribe(context.Context, string) (<-chan events.DomainEvent, func(), error) {
	return nil, func() {}, nil
}

func (b *permissiveBroker) Close() error { return nil }

func newTestBroadcaster(broker events.Broker) *ProgressBroadcaster {
	return NewProgressBroadcaster(broker, logger.Noop(), NoopOrchestratorMetrics{}, noop.NewTracerProvider().Tracer("test"))
}

func newTestAggregator(
	scanRepo domain.ScanRunRepository,
	collectorRepo domain.CollectorStateRepository,
	discoveries *mockDiscoveryStore,
	broker events.Broker,
) *CompletionAggregator {
	return NewCompletionAggregator(
		scanRepo,
		collectorRepo,
		discoveries,
		newTestBroadcaster(broker),
		logger.Noop(),
		noop.NewTracerProvider().Tracer("test"),
	)
}
