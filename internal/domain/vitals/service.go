package vitals

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

type Service struct {
	measurements MeasurementRepository
	snapshots    SnapshotRepository
}

func NewService(measurements MeasurementRepository, snapshots SnapshotRepository) *Service {
	return &Service{measurements: measurements, snapshots: snapshots}
}

// Ingest persists one normalized reading and folds it into the live cache.
// The returned bool reports whether the measurement was new; a replayed
// group is skipped but still offered to the cache, which itself discards
// anything older than what it holds.
func (s *Service) Ingest(ctx context.Context, rec *MeasurementRecord) (bool, error) {
	if rec.UserID == uuid.Nil {
		return false, fmt.Errorf("user_id is required")
	}
	if !validKinds[rec.Kind] {
		return false, fmt.Errorf("invalid kind: %s", rec.Kind)
	}
	if rec.CapturedAt.IsZero() {
		return false, fmt.Errorf("captured_at is required")
	}

	inserted, err := s.measurements.Upsert(ctx, rec)
	if err != nil {
		return false, fmt.Errorf("persist measurement %d/%s: %w", rec.GroupID, rec.Kind, err)
	}
	if _, err := s.snapshots.Apply(ctx, SnapshotFromRecord(rec)); err != nil {
		return inserted, fmt.Errorf("update live vitals %d/%s: %w", rec.GroupID, rec.Kind, err)
	}
	return inserted, nil
}

// Latest returns the live snapshot for one kind, or ErrSnapshotNotFound.
func (s *Service) Latest(ctx context.Context, userID uuid.UUID, kind Kind) (*Snapshot, error) {
	return s.snapshots.Get(ctx, userID, kind)
}

// History lists persisted measurements, newest capture first.
func (s *Service) History(ctx context.Context, userID uuid.UUID, kind *Kind, limit, offset int) ([]*MeasurementRecord, int, error) {
	return s.measurements.ListByUser(ctx, userID, kind, limit, offset)
}
