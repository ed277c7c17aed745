package vitals

import (
	"time"

	"github.com/google/uuid"
)

// Kind enumerates the canonical reading kinds the platform tracks.
type Kind string

const (
	KindBloodPressure Kind = "blood_pressure"
	KindHeartRate     Kind = "heart_rate"
	KindTemperature   Kind = "temperature"
	KindSpO2          Kind = "spo2"
	KindWeight        Kind = "weight"
)

var validKinds = map[Kind]bool{
	KindBloodPressure: true,
	KindHeartRate:     true,
	KindTemperature:   true,
	KindSpO2:          true,
	KindWeight:        true,
}

// ParseKind validates a query-string kind value.
func ParseKind(s string) (Kind, bool) {
	k := Kind(s)
	return k, validKinds[k]
}

// MeasurementRecord maps to the measurement_record table. Identity is the
// provider-assigned group id plus the kind: observing the same group again,
// whether by webhook replay or polling overlap, must not create a second row.
type MeasurementRecord struct {
	ID          uuid.UUID `db:"id" json:"id"`
	UserID      uuid.UUID `db:"user_id" json:"user_id"`
	GroupID     int64     `db:"group_id" json:"group_id"`
	Kind        Kind      `db:"kind" json:"kind"`
	Systolic    *int      `db:"systolic" json:"systolic,omitempty"`
	Diastolic   *int      `db:"diastolic" json:"diastolic,omitempty"`
	Pulse       *int      `db:"pulse" json:"pulse,omitempty"`
	Value       *float64  `db:"value" json:"value,omitempty"`
	CapturedAt  time.Time `db:"captured_at" json:"captured_at"`
	DeviceID    *string   `db:"device_id" json:"device_id,omitempty"`
	DeviceModel *string   `db:"device_model" json:"device_model,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// Snapshot maps to the live_vitals table: one row per (user, kind) holding
// the most recently captured values. "Captured" means the device timestamp,
// not arrival order.
type Snapshot struct {
	UserID     uuid.UUID `db:"user_id" json:"user_id"`
	Kind       Kind      `db:"kind" json:"kind"`
	Systolic   *int      `db:"systolic" json:"systolic,omitempty"`
	Diastolic  *int      `db:"diastolic" json:"diastolic,omitempty"`
	Pulse      *int      `db:"pulse" json:"pulse,omitempty"`
	Value      *float64  `db:"value" json:"value,omitempty"`
	CapturedAt time.Time `db:"captured_at" json:"captured_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// SnapshotFromRecord projects a measurement onto its live-cache row.
func SnapshotFromRecord(rec *MeasurementRecord) *Snapshot {
	return &Snapshot{
		UserID:     rec.UserID,
		Kind:       rec.Kind,
		Systolic:   rec.Systolic,
		Diastolic:  rec.Diastolic,
		Pulse:      rec.Pulse,
		Value:      rec.Value,
		CapturedAt: rec.CapturedAt,
	}
}
