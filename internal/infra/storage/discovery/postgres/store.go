// Package postgres implements the discovery domain's read-only aggregate
// queries on PostgreSQL.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/google/uuid"

	"github.com/dbsweep/dbsweep/internal/domain/discovery"
	"github.com/dbsweep/dbsweep/internal/infra/storage"
)

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

// discoveryStore implements discovery.Store using PostgreSQL.
type discoveryStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

var _ discovery.Store = (*discoveryStore)(nil)

// NewStore creates a PostgreSQL-backed discovery count store.
func NewStore(pool *pgxpool.Pool, tracer trace.Tracer) *discoveryStore {
	return &discoveryStore{db: pool, tracer: tracer}
}

// CountByScan returns the total number of discoveries recorded for a scan.
func (r *discoveryStore) CountByScan(ctx context.Context, scanID uuid.UUID) (int, error) {
	return r.count(ctx, "postgres.count_discoveries", scanID, `
		SELECT COUNT(*) FROM discoveries WHERE scan_id = $1`)
}

// CountCandidatesByScan returns the number of discoveries tentatively
// classified as database services.
func (r *discoveryStore) CountCandidatesByScan(ctx context.Context, scanID uuid.UUID) (int, error) {
	return r.count(ctx, "postgres.count_candidate_discoveries", scanID, `
		SELECT COUNT(*) FROM discoveries WHERE scan_id = $1 AND is_database_candidate`)
}

func (r *discoveryStore) count(ctx context.Context, spanName string, scanID uuid.UUID, query string) (int, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("scan_id", scanID.String()))

	var n int
	err := storage.ExecuteAndTrace(ctx, r.tracer, spanName, dbAttrs, func(ctx context.Context) error {
		if err := r.db.QueryRow(ctx, query, scanID).Scan(&n); err != nil {
			return fmt.Errorf("discovery count error: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}
