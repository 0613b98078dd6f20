// Package postgres implements the scanning domain's persistence contracts on
// PostgreSQL. All concurrent mutation goes through guarded UPDATE statements
// whose WHERE clauses encode the domain's compare-and-set rules, so
// conflicting writers serialize at the row level.
package postgres

import (
	"context"
	"encoding/json"
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

// defaultDBAttributes defines standard OpenTelemetry attributes for database operations.
var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

// scanRunStore implements scanning.ScanRunRepository using PostgreSQL.
type scanRunStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

var _ scanning.ScanRunRepository = (*scanRunStore)(nil)

// NewScanRunStore creates a PostgreSQL-backed scan run repository.
func NewScanRunStore(pool *pgxpool.Pool, tracer trace.Tracer) *scanRunStore {
	return &scanRunStore{db: pool, tracer: tracer}
}

// CreateScanRun persists a new run's initial state.
func (r *scanRunStore) CreateScanRun(ctx context.Context, run *scanning.ScanRun) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("scan_id", run.ID().String()),
		attribute.String("status", string(run.Status())),
	)

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.create_scan_run", dbAttrs, func(ctx context.Context) error {
		profileJSON, err := json.Marshal(run.Profile())
		if err != nil {
			return fmt.Errorf("failed to encode profile: %w", err)
		}
		phasesJSON, err := json.Marshal(run.Phases())
		if err != nil {
			return fmt.Errorf("failed to encode phases: %w", err)
		}

		_, err = r.db.Exec(ctx, `
			INSERT INTO scan_runs (
				id, profile, requested_by, status, phases,
				total_discoveries, error_message, started_at, completed_at, last_update
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			run.ID(), profileJSON, run.RequestedBy(), string(run.Status()), phasesJSON,
			run.TotalDiscoveries(), run.ErrorMessage(),
			nullableTime(run.StartedAt()), nullableTime(run.CompletedAt()), run.LastUpdate(),
		)
		if err != nil {
			return fmt.Errorf("insert scan run error: %w", err)
		}
		return nil
	})
}

// GetScanRun retrieves a run by id.
func (r *scanRunStore) GetScanRun(ctx context.Context, id uuid.UUID) (*scanning.ScanRun, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("scan_id", id.String()))

	var run *scanning.ScanRun
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.get_scan_run", dbAttrs, func(ctx context.Context) error {
		row := r.db.QueryRow(ctx, `
			SELECT id, profile, requested_by, status, phases,
			       total_discoveries, error_message, started_at, completed_at, last_update
			FROM scan_runs WHERE id = $1`, id)

		var err error
		run, err = scanRunFromRow(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListScanRuns returns runs ordered by creation time, newest first.
func (r *scanRunStore) ListScanRuns(ctx context.Context, limit, offset int) ([]*scanning.ScanRun, error) {
	dbAttrs := append(defaultDBAttributes,
		attribute.Int("limit", limit),
		attribute.Int("offset", offset),
	)

	var runs []*scanning.ScanRun
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.list_scan_runs", dbAttrs, func(ctx context.Context) error {
		rows, err := r.db.Query(ctx, `
			SELECT id, profile, requested_by, status, phases,
			       total_discoveries, error_message, started_at, completed_at, last_update
			FROM scan_runs
			ORDER BY created_at DESC
			LIMIT $1 OFFSET $2`, limit, offset)
		if err != nil {
			return fmt.Errorf("list scan runs error: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			run, err := scanRunFromRow(rows)
			if err != nil {
				return err
			}
			runs = append(runs, run)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// UpdateScanRunGuarded persists the run's current state only while the stored
// status is one of expectFrom. The guard makes concurrent settlement attempts
// idempotent: exactly one writer's transition lands.
func (r *scanRunStore) UpdateScanRunGuarded(ctx context.Context, run *scanning.ScanRun, expectFrom ...scanning.ScanRunStatus) (bool, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("scan_id", run.ID().String()),
		attribute.String("target_status", string(run.Status())),
	)

	var applied bool
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.update_scan_run_guarded", dbAttrs, func(ctx context.Context) error {
		phasesJSON, err := json.Marshal(run.Phases())
		if err != nil {
			return fmt.Errorf("failed to encode phases: %w", err)
		}

		guard := make([]string, 0, len(expectFrom))
		for _, s := range expectFrom {
			guard = append(guard, string(s))
		}

		applied, err = storage.ConditionalExec(ctx, r.db, `
			UPDATE scan_runs SET
				status = $2,
				phases = $3,
				total_discoveries = $4,
				error_message = $5,
				started_at = COALESCE(started_at, $6),
				completed_at = COALESCE(completed_at, $7),
				last_update = $8
			WHERE id = $1 AND status = ANY($9)`,
			run.ID(), string(run.Status()), phasesJSON,
			run.TotalDiscoveries(), run.ErrorMessage(),
			nullableTime(run.StartedAt()), nullableTime(run.CompletedAt()), run.LastUpdate(),
			guard,
		)
		if err != nil {
			return fmt.Errorf("guarded scan run update error: %w", err)
		}
		return nil
	})
	return applied, err
}

// UpdateTotalDiscoveries refreshes the cached aggregate.
func (r *scanRunStore) UpdateTotalDiscoveries(ctx context.Context, id uuid.UUID, total int) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("scan_id", id.String()),
		attribute.Int("total", total),
	)

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.update_total_discoveries", dbAttrs, func(ctx context.Context) error {
		tag, err := r.db.Exec(ctx, `
			UPDATE scan_runs SET total_discoveries = $2, last_update = now()
			WHERE id = $1`, id, total)
		if err != nil {
			return fmt.Errorf("update total discoveries error: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return scanning.ErrScanNotFound
		}
		return nil
	})
}

// rowScanner abstracts pgx.Row and pgx.Rows for shared hydration.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRunFromRow(row rowScanner) (*scanning.ScanRun, error) {
	var (
		id                     uuid.UUID
		profileJSON            []byte
		requestedBy            string
		status                 string
		phasesJSON             []byte
		totalDiscoveries       int
		errorMessage           string
		startedAt, completedAt *time.Time
		lastUpdate             time.Time
	)

	if err := row.Scan(
		&id, &profileJSON, &requestedBy, &status, &phasesJSON,
		&totalDiscoveries, &errorMessage, &startedAt, &completedAt, &lastUpdate,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, scanning.ErrScanNotFound
		}
		return nil, fmt.Errorf("scan run row error: %w", err)
	}

	var profile scanning.ProfileSnapshot
	if err := json.Unmarshal(profileJSON, &profile); err != nil {
		return nil, fmt.Errorf("failed to decode profile: %w", err)
	}
	var phases map[scanning.ScanPhase]scanning.PhaseState
	if err := json.Unmarshal(phasesJSON, &phases); err != nil {
		return nil, fmt.Errorf("failed to decode phases: %w", err)
	}

	parsedStatus := scanning.ParseScanRunStatus(status)
	if parsedStatus == "" {
		return nil, fmt.Errorf("unknown scan run status %q", status)
	}

	return scanning.ReconstructScanRun(
		id, profile, requestedBy, parsedStatus, phases,
		totalDiscoveries, errorMessage,
		timeOrZero(startedAt), timeOrZero(completedAt), lastUpdate,
	), nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
