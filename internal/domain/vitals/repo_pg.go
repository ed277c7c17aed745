package vitals

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telecare/telecare/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type measurementRepoPG struct{ pool *pgxpool.Pool }

func NewMeasurementRepoPG(pool *pgxpool.Pool) MeasurementRepository {
	return &measurementRepoPG{pool: pool}
}

func (r *measurementRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const measurementCols = `id, user_id, group_id, kind, systolic, diastolic, pulse,
	value, captured_at, device_id, device_model, created_at`

func (r *measurementRepoPG) Upsert(ctx context.Context, rec *MeasurementRecord) (bool, error) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO measurement_record (id, user_id, group_id, kind, systolic, diastolic,
			pulse, value, captured_at, device_id, device_model)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (group_id, kind) DO NOTHING`,
		rec.ID, rec.UserID, rec.GroupID, rec.Kind, rec.Systolic, rec.Diastolic,
		rec.Pulse, rec.Value, rec.CapturedAt, rec.DeviceID, rec.DeviceModel)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *measurementRepoPG) ListByUser(ctx context.Context, userID uuid.UUID, kind *Kind, limit, offset int) ([]*MeasurementRecord, int, error) {
	query := `SELECT ` + measurementCols + ` FROM measurement_record WHERE user_id = $1`
	countQuery := `SELECT COUNT(*) FROM measurement_record WHERE user_id = $1`
	args := []interface{}{userID}
	idx := 2

	if kind != nil {
		query += fmt.Sprintf(` AND kind = $%d`, idx)
		countQuery += fmt.Sprintf(` AND kind = $%d`, idx)
		args = append(args, *kind)
		idx++
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query += fmt.Sprintf(` ORDER BY captured_at DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*MeasurementRecord
	for rows.Next() {
		var rec MeasurementRecord
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.GroupID, &rec.Kind,
			&rec.Systolic, &rec.Diastolic, &rec.Pulse, &rec.Value,
			&rec.CapturedAt, &rec.DeviceID, &rec.DeviceModel, &rec.CreatedAt); err != nil {
			return nil, 0, err
		}
		items = append(items, &rec)
	}
	return items, total, rows.Err()
}

type snapshotRepoPG struct{ pool *pgxpool.Pool }

func NewSnapshotRepoPG(pool *pgxpool.Pool) SnapshotRepository {
	return &snapshotRepoPG{pool: pool}
}

func (r *snapshotRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *snapshotRepoPG) Apply(ctx context.Context, snap *Snapshot) (bool, error) {
	// Last-write-wins by capture time: a stale reading arriving late is a
	// no-op, handled entirely by the conditional upsert.
	tag, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO live_vitals (user_id, kind, systolic, diastolic, pulse, value, captured_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,NOW())
		ON CONFLICT (user_id, kind) DO UPDATE SET
			systolic = EXCLUDED.systolic,
			diastolic = EXCLUDED.diastolic,
			pulse = EXCLUDED.pulse,
			value = EXCLUDED.value,
			captured_at = EXCLUDED.captured_at,
			updated_at = NOW()
		WHERE live_vitals.captured_at <= EXCLUDED.captured_at`,
		snap.UserID, snap.Kind, snap.Systolic, snap.Diastolic, snap.Pulse,
		snap.Value, snap.CapturedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *snapshotRepoPG) Get(ctx context.Context, userID uuid.UUID, kind Kind) (*Snapshot, error) {
	var s Snapshot
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT user_id, kind, systolic, diastolic, pulse, value, captured_at, updated_at
		FROM live_vitals WHERE user_id = $1 AND kind = $2`,
		userID, kind).Scan(&s.UserID, &s.Kind, &s.Systolic, &s.Diastolic,
		&s.Pulse, &s.Value, &s.CapturedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}
