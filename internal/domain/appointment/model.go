package appointment

import (
	"time"

	"github.com/google/uuid"
)

// Status is the appointment lifecycle state.
type Status string

const (
	StatusBooked    Status = "booked"
	StatusFulfilled Status = "fulfilled"
	StatusCancelled Status = "cancelled"
)

// transitions lists the legal status moves. Fulfilled and cancelled are
// terminal.
var transitions = map[Status][]Status{
	StatusBooked: {StatusFulfilled, StatusCancelled},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Appointment maps to the appointment table.
type Appointment struct {
	ID          uuid.UUID `db:"id" json:"id"`
	PatientID   uuid.UUID `db:"patient_id" json:"patient_id"`
	ClinicianID uuid.UUID `db:"clinician_id" json:"clinician_id"`
	Status      Status    `db:"status" json:"status"`
	Reason      *string   `db:"reason" json:"reason,omitempty"`
	StartTime   time.Time `db:"start_time" json:"start_time"`
	EndTime     time.Time `db:"end_time" json:"end_time"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}
