package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrPatientNotFound     = errors.New("patient not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
)

// Repository contains all DB interactions needed by the service.
type Repository interface {
	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)

	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	CreateAppointment(ctx context.Context, a *Appointment) error
	ListAppointments(ctx context.Context, f ListFilter) ([]Appointment, error)

	// UpdateStatus is the state-machine enforcement point: the row only
	// changes when its current status is one of `from`. Returns
	// ErrAppointmentNotFound when nothing matched.
	UpdateStatus(ctx context.Context, id uuid.UUID, from []Status, to Status) (*Appointment, error)

	// SoftDelete tombstones an appointment so confirmation and invitation
	// references stay resolvable.
	SoftDelete(ctx context.Context, id uuid.UUID, at time.Time) error
}
