package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/google/uuid"

	"github.com/dbsweep/dbsweep/internal/domain/scanning"
	"github.com/dbsweep/dbsweep/internal/infra/storage"
)

// collectorStateStore implements scanning.CollectorStateRepository using PostgreSQL.
type collectorStateStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

var _ scanning.CollectorStateRepository = (*collectorStateStore)(nil)

// NewCollectorStateStore creates a PostgreSQL-backed collector state repository.
func NewCollectorStateStore(pool *pgxpool.Pool, tracer trace.Tracer) *collectorStateStore {
	return &collectorStateStore{db: pool, tracer: tracer}
}

// terminalStatuses guard every compare-and-set: once a row is frozen, no
// further write path may touch it.
var terminalStatuses = func() []string {
	out := make([]string, 0, 3)
	for _, s := range scanning.TerminalCollectorStatuses() {
		out = append(out, string(s))
	}
	return out
}()

// CreateCollectorStates persists the initial rows for a dispatch wave.
func (r *collectorStateStore) CreateCollectorStates(ctx context.Context, states []*scanning.CollectorState) error {
	if len(states) == 0 {
		return nil
	}

	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("scan_id", states[0].ScanID().String()),
		attribute.Int("collector_count", len(states)),
	)

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.create_collector_states", dbAttrs, func(ctx context.Context) error {
		batch := &pgx.Batch{}
		for _, s := range states {
			batch.Queue(`
				INSERT INTO scan_collectors (
					scan_id, collector, status, last_sequence, progress,
					discovery_count, error_message, last_heartbeat_at, started_at, completed_at
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
				s.ScanID(), s.Collector(), string(s.Status()), s.LastSequence(), s.Progress(),
				s.DiscoveryCount(), s.ErrorMessage(),
				nullableTime(s.LastHeartbeatAt()), nullableTime(s.StartedAt()), nullableTime(s.CompletedAt()),
			)
		}

		results := r.db.SendBatch(ctx, batch)
		defer results.Close()

		for range states {
			if _, err := results.Exec(); err != nil {
				return fmt.Errorf("insert collector state error: %w", err)
			}
		}
		return nil
	})
}

// GetCollectorState retrieves one (scan, collector) row.
func (r *collectorStateStore) GetCollectorState(ctx context.Context, scanID uuid.UUID, collector string) (*scanning.CollectorState, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("scan_id", scanID.String()),
		attribute.String("collector", collector),
	)

	var state *scanning.CollectorState
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.get_collector_state", dbAttrs, func(ctx context.Context) error {
		row := r.db.QueryRow(ctx, `
			SELECT scan_id, collector, status, last_sequence, progress,
			       discovery_count, error_message, last_heartbeat_at, started_at, completed_at
			FROM scan_collectors WHERE scan_id = $1 AND collector = $2`,
			scanID, collector)

		var err error
		state, err = collectorStateFromRow(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// ListByScan returns every collector row for a run.
func (r *collectorStateStore) ListByScan(ctx context.Context, scanID uuid.UUID) ([]*scanning.CollectorState, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("scan_id", scanID.String()))

	var states []*scanning.CollectorState
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.list_collector_states", dbAttrs, func(ctx context.Context) error {
		rows, err := r.db.Query(ctx, `
			SELECT scan_id, collector, status, last_sequence, progress,
			       discovery_count, error_message, last_heartbeat_at, started_at, completed_at
			FROM scan_collectors WHERE scan_id = $1
			ORDER BY collector`, scanID)
		if err != nil {
			return fmt.Errorf("list collector states error: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			state, err := collectorStateFromRow(rows)
			if err != nil {
				return err
			}
			states = append(states, state)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return states, nil
}

// SaveProgressCAS persists an accepted progress update. The WHERE clause
// re-checks both idempotency rules under the row lock, so two deliveries of
// the same sequence number cannot both land.
func (r *collectorStateStore) SaveProgressCAS(ctx context.Context, state *scanning.CollectorState) (bool, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("scan_id", state.ScanID().String()),
		attribute.String("collector", state.Collector()),
		attribute.Int64("sequence", state.LastSequence()),
	)

	var applied bool
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.save_progress_cas", dbAttrs, func(ctx context.Context) error {
		var err error
		applied, err = storage.ConditionalExec(ctx, r.db, `
			UPDATE scan_collectors SET
				status = $3,
				last_sequence = $4,
				progress = $5,
				discovery_count = $6,
				last_heartbeat_at = $7,
				started_at = COALESCE(started_at, $8)
			WHERE scan_id = $1 AND collector = $2
			  AND last_sequence < $4
			  AND status <> ALL($9)`,
			state.ScanID(), state.Collector(), string(state.Status()),
			state.LastSequence(), state.Progress(), state.DiscoveryCount(),
			nullableTime(state.LastHeartbeatAt()), nullableTime(state.StartedAt()),
			terminalStatuses,
		)
		if err != nil {
			return fmt.Errorf("progress CAS error: %w", err)
		}
		return nil
	})
	return applied, err
}

// SaveCompletionCAS persists a terminal outcome, first write wins.
func (r *collectorStateStore) SaveCompletionCAS(ctx context.Context, state *scanning.CollectorState) (bool, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("scan_id", state.ScanID().String()),
		attribute.String("collector", state.Collector()),
		attribute.String("status", string(state.Status())),
	)

	var applied bool
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.save_completion_cas", dbAttrs, func(ctx context.Context) error {
		var err error
		applied, err = storage.ConditionalExec(ctx, r.db, `
			UPDATE scan_collectors SET
				status = $3,
				progress = $4,
				discovery_count = $5,
				error_message = $6,
				last_heartbeat_at = $7,
				completed_at = $8
			WHERE scan_id = $1 AND collector = $2
			  AND status <> ALL($9)`,
			state.ScanID(), state.Collector(), string(state.Status()),
			state.Progress(), state.DiscoveryCount(), state.ErrorMessage(),
			nullableTime(state.LastHeartbeatAt()), nullableTime(state.CompletedAt()),
			terminalStatuses,
		)
		if err != nil {
			return fmt.Errorf("completion CAS error: %w", err)
		}
		return nil
	})
	return applied, err
}

// SaveLifecycleCAS persists dispatch lifecycle transitions while the row is
// still non-terminal.
func (r *collectorStateStore) SaveLifecycleCAS(ctx context.Context, state *scanning.CollectorState) (bool, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("scan_id", state.ScanID().String()),
		attribute.String("collector", state.Collector()),
		attribute.String("status", string(state.Status())),
	)

	var applied bool
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.save_lifecycle_cas", dbAttrs, func(ctx context.Context) error {
		var err error
		applied, err = storage.ConditionalExec(ctx, r.db, `
			UPDATE scan_collectors SET
				status = $3,
				started_at = COALESCE(started_at, $4)
			WHERE scan_id = $1 AND collector = $2
			  AND status <> ALL($5)`,
			state.ScanID(), state.Collector(), string(state.Status()),
			nullableTime(state.StartedAt()), terminalStatuses,
		)
		if err != nil {
			return fmt.Errorf("lifecycle CAS error: %w", err)
		}
		return nil
	})
	return applied, err
}

func collectorStateFromRow(row rowScanner) (*scanning.CollectorState, error) {
	var (
		scanID                                  uuid.UUID
		collector, status, errorMessage         string
		lastSequence                            int64
		progress, discoveryCount                int
		lastHeartbeatAt, startedAt, completedAt *time.Time
	)

	if err := row.Scan(
		&scanID, &collector, &status, &lastSequence, &progress,
		&discoveryCount, &errorMessage, &lastHeartbeatAt, &startedAt, &completedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, scanning.ErrCollectorNotFound
		}
		return nil, fmt.Errorf("collector state row error: %w", err)
	}

	parsedStatus := scanning.ParseCollectorStatus(status)
	if parsedStatus == "" {
		return nil, fmt.Errorf("unknown collector status %q", status)
	}

	return scanning.ReconstructCollectorState(
		scanID, collector, parsedStatus,
		lastSequence, progress, discoveryCount, errorMessage,
		timeOrZero(lastHeartbeatAt), timeOrZero(startedAt), timeOrZero(completedAt),
	), nil
}
