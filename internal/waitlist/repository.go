package waitlist

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrEntryNotFound = errors.New("waitlist entry not found")

type ListFilter struct {
	ClinicID uuid.UUID // zero value: all clinics
	Kind     Kind      // empty: both kinds
	Status   Status    // empty: all statuses
	Limit    int
	Offset   int
}

// Repository contains all DB interactions needed by the store.
type Repository interface {
	Add(ctx context.Context, e *Entry) error
	Get(ctx context.Context, id uuid.UUID) (*Entry, error)
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, f ListFilter) ([]Entry, error)

	// ListEligible snapshots every entry currently in an eligible
	// status for one clinic. Ranking happens in memory so both kinds
	// share one code path.
	ListEligible(ctx context.Context, clinicID uuid.UUID) ([]Entry, error)

	UpdatePriority(ctx context.Context, id uuid.UUID, priority int) error

	// UpdateStatus only moves the entry when its current status is one
	// of `from`; reports false otherwise. Guards the one-outstanding-
	// invitation rule on the invited state.
	UpdateStatus(ctx context.Context, id uuid.UUID, from []Status, to Status) (bool, error)

	// FlagNeedsReview parks a malformed entry with a note.
	FlagNeedsReview(ctx context.Context, id uuid.UUID, note string) error

	// SyncRecall derives recall entries from booked future appointments
	// and refreshes the current-appointment pointer on existing ones.
	// Returns entries inserted and entries refreshed.
	SyncRecall(ctx context.Context, now time.Time, minLead time.Duration, moveForwardDays int) (inserted, refreshed int, err error)
}
