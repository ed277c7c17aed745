package vitals

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrSnapshotNotFound is returned when a user has no live reading of a kind.
var ErrSnapshotNotFound = errors.New("vitals snapshot not found")

type MeasurementRepository interface {
	// Upsert persists a record keyed by (group_id, kind). It reports false
	// when the record already existed; duplicates are silently discarded.
	Upsert(ctx context.Context, rec *MeasurementRecord) (bool, error)
	ListByUser(ctx context.Context, userID uuid.UUID, kind *Kind, limit, offset int) ([]*MeasurementRecord, int, error)
}

type SnapshotRepository interface {
	// Apply upserts the snapshot only when its capture time is not older
	// than the stored one. Reports whether the write was applied.
	Apply(ctx context.Context, snap *Snapshot) (bool, error)
	Get(ctx context.Context, userID uuid.UUID, kind Kind) (*Snapshot, error)
}
