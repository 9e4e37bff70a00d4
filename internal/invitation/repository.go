package invitation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvitationNotFound = errors.New("invitation not found")
	ErrSlotNotFound       = errors.New("freed slot not found")
)

// Repository contains all DB interactions needed by the lifecycle and
// the matcher.
type Repository interface {
	CreateSlot(ctx context.Context, s *FreedSlot) error
	GetSlot(ctx context.Context, id uuid.UUID) (*FreedSlot, error)

	// ClaimSlot is the at-most-one-acceptance CAS: it only succeeds
	// while claimed_by is still NULL.
	ClaimSlot(ctx context.Context, slotID, invitationID uuid.UUID) (bool, error)

	// ReleaseSlot undoes a claim, but only while the slot is still held
	// by the given invitation. Used when the accept that won the claim
	// turns out to have been resolved concurrently.
	ReleaseSlot(ctx context.Context, slotID, invitationID uuid.UUID) error

	// AdvanceRound bumps the slot's round counter and returns the new
	// value.
	AdvanceRound(ctx context.Context, slotID uuid.UUID) (int, error)

	CloseSlot(ctx context.Context, slotID uuid.UUID, at time.Time) error

	// SlotsAwaitingRound finds open future slots with no outstanding
	// invitations, ready for a cascade. That covers rounds that fully
	// resolved without an acceptance and slots whose first round never
	// issued at all.
	SlotsAwaitingRound(ctx context.Context, now time.Time) ([]FreedSlot, error)

	CreateInvitation(ctx context.Context, inv *Invitation) error
	GetInvitation(ctx context.Context, id uuid.UUID) (*Invitation, error)

	// UpdateStatus only moves the invitation when it is still in
	// `from`; reports false otherwise. Terminal states are absorbing.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status, reason string, at time.Time) (bool, error)

	// DeclineSiblings force-declines every still-sent invitation for
	// the slot except the winner, returning the affected entry IDs.
	DeclineSiblings(ctx context.Context, slotID, winnerID uuid.UUID, reason string, at time.Time) ([]uuid.UUID, error)

	FindExpired(ctx context.Context, now time.Time, limit int) ([]Invitation, error)

	// InvitedEntryIDs lists every entry ever offered this slot, across
	// all rounds.
	InvitedEntryIDs(ctx context.Context, slotID uuid.UUID) ([]uuid.UUID, error)

	List(ctx context.Context, f ListFilter) ([]Invitation, error)
}

type ListFilter struct {
	SlotID uuid.UUID // zero value: all slots
	Status Status    // empty: all statuses
	Limit  int
	Offset int
}
