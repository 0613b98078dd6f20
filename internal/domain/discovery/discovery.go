// Package discovery exposes the orchestrator's read-only view of the durable
// discovery store. Individual discovery records land there through a separate
// ingestion path; the orchestrator only reads aggregate counts.
package discovery

import (
	"context"

	"github.com/google/uuid"
)

// Store provides aggregate counts over discovery records tagged with a scan id.
type Store interface {
	// CountByScan returns the total number of discoveries recorded for a scan.
	CountByScan(ctx context.Context, scanID uuid.UUID) (int, error)

	// CountCandidatesByScan returns the number of discoveries tentatively
	// classified as database services, pending human-credentialed confirmation.
	CountCandidatesByScan(ctx context.Context, scanID uuid.UUID) (int, error)
}
