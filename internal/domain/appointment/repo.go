package appointment

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no appointment row matches.
var ErrNotFound = errors.New("appointment not found")

type Repository interface {
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	Update(ctx context.Context, a *Appointment) error
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, int, error)
	ListByClinician(ctx context.Context, clinicianID uuid.UUID, limit, offset int) ([]*Appointment, int, error)
}
