package withings

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/telecare/telecare/internal/domain/vitals"
)

// MeasureType is the canonical role of one provider measure code.
type MeasureType int

const (
	MeasureWeight MeasureType = iota
	MeasureDiastolic
	MeasureSystolic
	MeasurePulse
	MeasureTemperature
	MeasureSpO2
)

// DefaultMeasureTypes is the Withings measure-type table. Codes absent from
// the table are dropped during normalization, never errored.
func DefaultMeasureTypes() map[int]MeasureType {
	return map[int]MeasureType{
		1:  MeasureWeight,
		9:  MeasureDiastolic,
		10: MeasureSystolic,
		11: MeasurePulse,
		12: MeasureTemperature,
		54: MeasureSpO2,
		73: MeasureTemperature,
	}
}

// Normalizer converts provider measure groups into canonical readings. It
// is deterministic: the same group always yields the same record set.
type Normalizer struct {
	types map[int]MeasureType
}

func NewNormalizer(types map[int]MeasureType) *Normalizer {
	return &Normalizer{types: types}
}

// decode computes the true value of one measure: mantissa * 10^exponent.
func decode(m Measure) float64 {
	return float64(m.Value) * math.Pow(10, float64(m.Unit))
}

// roundHalf rounds half away from zero: 120.5 mmHg becomes 121, 120.4
// becomes 120.
func roundHalf(v float64) int {
	return int(math.Round(v))
}

func roundTo(v float64, decimals int) float64 {
	scale := math.Pow(10, float64(decimals))
	return math.Round(v*scale) / scale
}

// Normalize splits one provider group into one logical record per kind
// present. Systolic, diastolic and pulse measures fold into a single
// blood-pressure record; a pulse with no cuff values becomes a standalone
// heart-rate record. Every record carries the group id as its idempotency
// key and the group's capture timestamp.
func (n *Normalizer) Normalize(userID uuid.UUID, g MeasureGroup) []*vitals.MeasurementRecord {
	var (
		systolic, diastolic, pulse *int
		temperature, spo2, weight  *float64
	)
	for _, m := range g.Measures {
		role, ok := n.types[m.Type]
		if !ok {
			continue
		}
		switch role {
		case MeasureSystolic:
			v := roundHalf(decode(m))
			systolic = &v
		case MeasureDiastolic:
			v := roundHalf(decode(m))
			diastolic = &v
		case MeasurePulse:
			v := roundHalf(decode(m))
			pulse = &v
		case MeasureTemperature:
			v := roundTo(decode(m), 2)
			temperature = &v
		case MeasureSpO2:
			v := float64(roundHalf(decode(m)))
			spo2 = &v
		case MeasureWeight:
			v := roundTo(decode(m), 1)
			weight = &v
		}
	}

	base := vitals.MeasurementRecord{
		UserID:     userID,
		GroupID:    g.GroupID,
		CapturedAt: time.Unix(g.Date, 0).UTC(),
	}
	if g.DeviceID != "" {
		deviceID := g.DeviceID
		base.DeviceID = &deviceID
	}
	if g.Model != "" {
		model := g.Model
		base.DeviceModel = &model
	}

	var records []*vitals.MeasurementRecord
	if systolic != nil || diastolic != nil {
		rec := base
		rec.Kind = vitals.KindBloodPressure
		rec.Systolic = systolic
		rec.Diastolic = diastolic
		rec.Pulse = pulse
		records = append(records, &rec)
	} else if pulse != nil {
		rec := base
		rec.Kind = vitals.KindHeartRate
		v := float64(*pulse)
		rec.Value = &v
		records = append(records, &rec)
	}
	if temperature != nil {
		rec := base
		rec.Kind = vitals.KindTemperature
		rec.Value = temperature
		records = append(records, &rec)
	}
	if spo2 != nil {
		rec := base
		rec.Kind = vitals.KindSpO2
		rec.Value = spo2
		records = append(records, &rec)
	}
	if weight != nil {
		rec := base
		rec.Kind = vitals.KindWeight
		rec.Value = weight
		records = append(records, &rec)
	}
	return records
}
