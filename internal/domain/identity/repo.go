package identity

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrPatientNotFound is returned when no patient row matches.
var ErrPatientNotFound = errors.New("patient not found")

type PatientRepository interface {
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetByEmail(ctx context.Context, email string) (*Patient, error)
	Update(ctx context.Context, p *Patient) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, limit, offset int) ([]*Patient, int, error)
}
