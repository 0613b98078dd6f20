// Package postgres implements read access to scan profiles on PostgreSQL.
// Profile CRUD belongs to a separate administration surface; the orchestrator
// only takes point-in-time snapshots at run creation.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dbsweep/dbsweep/internal/domain/scanning"
	"github.com/dbsweep/dbsweep/internal/infra/storage"
)

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

// profileStore implements scanning.ProfileStore using PostgreSQL.
type profileStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

var _ scanning.ProfileStore = (*profileStore)(nil)

// NewStore creates a PostgreSQL-backed profile store.
func NewStore(pool *pgxpool.Pool, tracer trace.Tracer) *profileStore {
	return &profileStore{db: pool, tracer: tracer}
}

// GetSnapshot returns a point-in-time copy of the profile's configuration.
func (r *profileStore) GetSnapshot(ctx context.Context, profileID string) (scanning.ProfileSnapshot, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("profile_id", profileID))

	var snapshot scanning.ProfileSnapshot
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.get_profile_snapshot", dbAttrs, func(ctx context.Context) error {
		var (
			portRangesJSON []byte
			limitsJSON     []byte
		)
		err := r.db.QueryRow(ctx, `
			SELECT profile_id, name, subnets, port_ranges, enabled_collectors, limits
			FROM scan_profiles WHERE profile_id = $1`, profileID).Scan(
			&snapshot.ProfileID, &snapshot.Name, &snapshot.Subnets,
			&portRangesJSON, &snapshot.EnabledCollectors, &limitsJSON,
		)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return scanning.ErrProfileNotFound
			}
			return fmt.Errorf("get profile error: %w", err)
		}

		if err := json.Unmarshal(portRangesJSON, &snapshot.PortRanges); err != nil {
			return fmt.Errorf("failed to decode port ranges: %w", err)
		}
		if err := json.Unmarshal(limitsJSON, &snapshot.Limits); err != nil {
			return fmt.Errorf("failed to decode limits: %w", err)
		}
		return nil
	})
	if err != nil {
		return scanning.ProfileSnapshot{}, err
	}
	return snapshot, nil
}

// UpsertSnapshot writes or replaces a profile row. It exists for seeding and
// tests; the orchestrator's own code paths never call it.
func (r *profileStore) UpsertSnapshot(ctx context.Context, p scanning.ProfileSnapshot) error {
	dbAttrs := append(defaultDBAttributes, attribute.String("profile_id", p.ProfileID))

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.upsert_profile", dbAttrs, func(ctx context.Context) error {
		portRangesJSON, err := json.Marshal(p.PortRanges)
		if err != nil {
			return fmt.Errorf("failed to encode port ranges: %w", err)
		}
		limitsJSON, err := json.Marshal(p.Limits)
		if err != nil {
			return fmt.Errorf("failed to encode limits: %w", err)
		}

		_, err = r.db.Exec(ctx, `
			INSERT INTO scan_profiles (profile_id, name, subnets, port_ranges, enabled_collectors, limits)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (profile_id) DO UPDATE SET
				name = EXCLUDED.name,
				subnets = EXCLUDED.subnets,
				port_ranges = EXCLUDED.port_ranges,
				enabled_collectors = EXCLUDED.enabled_collectors,
				limits = EXCLUDED.limits,
				updated_at = now()`,
			p.ProfileID, p.Name, p.Subnets, portRangesJSON, p.EnabledCollectors, limitsJSON,
		)
		if err != nil {
			return fmt.Errorf("upsert profile error: %w", err)
		}
		return nil
	})
}
