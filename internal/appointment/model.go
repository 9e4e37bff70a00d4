package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusNoShow    Status = "no_show"
)

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

type Patient struct {
	ID        uuid.UUID
	ClinicID  uuid.UUID
	Name      string
	Email     *string
	Phone     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Appointment struct {
	ID          uuid.UUID
	ClinicID    uuid.UUID
	PatientID   uuid.UUID
	ServiceType string
	StartTime   time.Time
	Duration    time.Duration
	Status      Status
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeletedAt   *time.Time
}

// SlotFreed is emitted when a cancellation or no-show releases a slot.
// Past slots are reported for the audit trail only and never re-offered.
type SlotFreed struct {
	AppointmentID uuid.UUID
	ClinicID      uuid.UUID
	ServiceType   string
	StartTime     time.Time
	Duration      time.Duration
	Reason        string
	Past          bool
}

// SlotFreedHandler consumes freed slots; the slot-offer matcher
// implements it.
type SlotFreedHandler interface {
	HandleSlotFreed(ctx context.Context, ev SlotFreed) error
}

type ListFilter struct {
	ClinicID uuid.UUID // zero value: all clinics
	Status   Status    // empty: all statuses
	From     time.Time
	To       time.Time
	Limit    int
	Offset   int
}
