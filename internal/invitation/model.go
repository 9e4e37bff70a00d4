package invitation

import (
	"time"

	"github.com/google/uuid"

	"github.com/clinicops/automation-engine/internal/waitlist"
)

type Status string

const (
	StatusSent     Status = "sent"
	StatusAccepted Status = "accepted"
	StatusDeclined Status = "declined"
	StatusExpired  Status = "expired"
)

// ReasonSlotTaken marks a sibling invitation force-declined because
// another candidate claimed the slot first.
const ReasonSlotTaken = "slot taken"

// FreedSlot is a cancelled appointment's slot while it is being
// re-offered. claimed_by is the compare-and-swap cell: the first
// invitation written there wins the slot.
type FreedSlot struct {
	ID            uuid.UUID
	AppointmentID uuid.UUID
	ClinicID      uuid.UUID
	ServiceType   string
	StartTime     time.Time
	Duration      time.Duration
	FreedAt       time.Time
	Round         int
	ClaimedBy     *uuid.UUID
	ClosedAt      *time.Time
}

// Query is the matching shape handed to the waitlist.
func (s *FreedSlot) Query() waitlist.Slot {
	return waitlist.Slot{
		ClinicID:    s.ClinicID,
		ServiceType: s.ServiceType,
		StartTime:   s.StartTime,
		Duration:    s.Duration,
	}
}

// Open reports whether the slot can still take another offer round.
func (s *FreedSlot) Open() bool {
	return s.ClaimedBy == nil && s.ClosedAt == nil
}

// Invitation is one time-boxed offer of a freed slot to one waitlist
// entry. Immutable once resolved.
type Invitation struct {
	ID          uuid.UUID
	SlotID      uuid.UUID
	EntryID     uuid.UUID
	Status      Status
	Reason      string
	SentAt      time.Time
	ExpiresAt   time.Time
	RespondedAt *time.Time
}
