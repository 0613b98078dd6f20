package scanning

import (
	"time"

	"github.com/google/uuid"
)

// Progress represents a point-in-time status update from a collector. It is a
// pure value object: accepting or rejecting it is the CollectorState's job.
type Progress struct {
	scanID         uuid.UUID
	collector      string
	sequence       int64
	progress       int
	discoveryCount int
	phase          ScanPhase
	message        string
	timestamp      time.Time
}

// NewProgress creates a Progress update as received from a collector callback.
// phase and message are optional and may be zero values.
func NewProgress(
	scanID uuid.UUID,
	collector string,
	sequence int64,
	progress int,
	discoveryCount int,
	phase ScanPhase,
	message string,
	timestamp time.Time,
) Progress {
	return Progress{
		scanID:         scanID,
		collector:      collector,
		sequence:       sequence,
		progress:       progress,
		discoveryCount: discoveryCount,
		phase:          phase,
		message:        message,
		timestamp:      timestamp,
	}
}

// ScanID returns the run this update belongs to.
func (p Progress) ScanID() uuid.UUID { return p.scanID }

// Collector returns the reporting collector's name.
func (p Progress) Collector() string { return p.collector }

// Sequence returns the per-collector monotonic sequence number of this update.
func (p Progress) Sequence() int64 { return p.sequence }

// Percent returns the reported completion percentage (0-100).
func (p Progress) Percent() int { return p.progress }

// DiscoveryCount returns the number of discoveries the collector has reported so far.
func (p Progress) DiscoveryCount() int { return p.discoveryCount }

// Phase returns the advisory phase tag on the update, if any.
func (p Progress) Phase() ScanPhase { return p.phase }

func (p Progress) Message() string { return p.message }

func (p Progress) Timestamp() time.Time { return p.timestamp }
