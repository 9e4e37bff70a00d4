package confirmation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrConfirmationNotFound = errors.New("confirmation not found")
	ErrAlreadyResponded     = errors.New("confirmation already responded")
)

// Repository contains all DB interactions needed by the tracker.
type Repository interface {
	// CreateForAppointment opens the tracking record; called on booking.
	CreateForAppointment(ctx context.Context, appointmentID uuid.UUID, at time.Time) error

	GetByAppointment(ctx context.Context, appointmentID uuid.UUID) (*Confirmation, error)

	// FindDue selects appointments inside the (finer, tier] band that
	// have not had this tier sent. finer = 0 for the innermost tier,
	// which also keeps past appointments out.
	FindDue(ctx context.Context, tierName string, tier, finer time.Duration, now time.Time, limit int) ([]DueReminder, error)

	// ClaimTier sets the tier's sent flag; it reports false when the
	// flag was already set. This is the exactly-once bookkeeping point.
	ClaimTier(ctx context.Context, appointmentID uuid.UUID, tierName string, at time.Time) (bool, error)

	ListSends(ctx context.Context, appointmentID uuid.UUID) ([]ReminderSend, error)

	// RecordResponse moves unconfirmed to the given terminal status; it
	// reports false when a response was already recorded.
	RecordResponse(ctx context.Context, appointmentID uuid.UUID, to Status, at time.Time) (bool, error)
}
