package invitation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicops/automation-engine/internal/audit"
	"github.com/clinicops/automation-engine/internal/metrics"
	"github.com/clinicops/automation-engine/internal/notify"
	"github.com/clinicops/automation-engine/internal/waitlist"
)

const (
	EventInvitationSent     = "INVITATION_SENT"
	EventInvitationAccepted = "INVITATION_ACCEPTED"
	EventInvitationDeclined = "INVITATION_DECLINED"
	EventInvitationExpired  = "INVITATION_EXPIRED"
	EventSlotClaimed        = "SLOT_CLAIMED"
)

var (
	// ErrSlotTaken is returned to a candidate who accepted after a
	// sibling already claimed the slot. Logic error, never retried.
	ErrSlotTaken = errors.New("slot already taken")
	// ErrAlreadyResolved covers accept/decline on a resolved invitation.
	ErrAlreadyResolved = errors.New("invitation already resolved")
	// ErrInvitationExpired is returned for a response after the offer
	// TTL ran out.
	ErrInvitationExpired = errors.New("invitation expired")
)

// Service owns the offer lifecycle: issuing time-boxed invitations,
// resolving the acceptance race through the slot-claim CAS, and sweeping
// expired offers.
type Service struct {
	repo     Repository
	entries  waitlist.Repository
	sender   notify.Sender
	offerTTL time.Duration
	audit    audit.Recorder
	log      zerolog.Logger
	now      func() time.Time
}

func NewService(repo Repository, entries waitlist.Repository, sender notify.Sender, offerTTL time.Duration, auditor audit.Recorder, log zerolog.Logger) *Service {
	return &Service{
		repo:     repo,
		entries:  entries,
		sender:   sender,
		offerTTL: offerTTL,
		audit:    auditor,
		log:      log,
		now:      time.Now,
	}
}

// SetClock overrides the wall clock, for tests.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Issue creates one invitation per candidate for the slot's current
// round. A candidate whose entry was grabbed by a concurrent writer is
// skipped; a failed notification still leaves the invitation standing,
// to be expired by the sweep if the patient never sees it.
func (s *Service) Issue(ctx context.Context, slot *FreedSlot, candidates []waitlist.Entry) (metrics.Counts, error) {
	now := s.now()
	var counts metrics.Counts

	for i := range candidates {
		entry := &candidates[i]
		counts.Processed++

		moved, err := s.entries.UpdateStatus(ctx, entry.ID,
			[]waitlist.Status{waitlist.StatusWaiting, waitlist.StatusActive}, waitlist.StatusInvited)
		if err != nil {
			counts.Failed++
			s.log.Error().Err(err).Str("entry_id", entry.ID.String()).Msg("mark entry invited")
			continue
		}
		if !moved {
			// Entry left the eligible state since ranking; not an
			// error, the next round can pick someone else.
			continue
		}

		inv := &Invitation{
			ID:        uuid.New(),
			SlotID:    slot.ID,
			EntryID:   entry.ID,
			Status:    StatusSent,
			SentAt:    now,
			ExpiresAt: now.Add(s.offerTTL),
		}
		if err := s.repo.CreateInvitation(ctx, inv); err != nil {
			counts.Failed++
			s.revertEntry(ctx, entry.ID)
			s.log.Error().Err(err).Str("entry_id", entry.ID.String()).Msg("create invitation")
			continue
		}

		s.audit.Record(ctx, EventInvitationSent, inv.ID, map[string]any{
			"slot_id":    slot.ID.String(),
			"entry_id":   entry.ID.String(),
			"expires_at": inv.ExpiresAt,
		})

		if err := s.notifyOffer(ctx, slot, entry, inv); err != nil {
			counts.Failed++
			s.log.Warn().Err(err).Str("invitation_id", inv.ID.String()).Msg("offer notification failed")
			continue
		}

		counts.Succeeded++
	}

	return counts, nil
}

func (s *Service) notifyOffer(ctx context.Context, slot *FreedSlot, entry *waitlist.Entry, inv *Invitation) error {
	channel, recipient, ok := notify.PickChannel(entry.Email, entry.Phone)
	if !ok {
		return fmt.Errorf("entry %s has no contact address", entry.ID)
	}

	return s.sender.Send(ctx, channel, recipient, notify.TemplateSlotOffer, map[string]string{
		"name":          entry.Name,
		"slot_time":     slot.StartTime.Format(time.RFC3339),
		"service_type":  slot.ServiceType,
		"invitation_id": inv.ID.String(),
		"expires_at":    inv.ExpiresAt.Format(time.RFC3339),
	})
}

// Accept resolves the acceptance race. The slot-claim CAS decides the
// winner; everything after it is bookkeeping that concurrent losers
// cannot disturb.
func (s *Service) Accept(ctx context.Context, invitationID uuid.UUID) (*Invitation, error) {
	inv, err := s.repo.GetInvitation(ctx, invitationID)
	if err != nil {
		return nil, err
	}
	if inv.Status != StatusSent {
		return nil, ErrAlreadyResolved
	}

	now := s.now()
	if now.After(inv.ExpiresAt) {
		if moved, _ := s.repo.UpdateStatus(ctx, inv.ID, StatusSent, StatusExpired, "", now); moved {
			s.revertEntry(ctx, inv.EntryID)
		}
		return nil, ErrInvitationExpired
	}

	claimed, err := s.repo.ClaimSlot(ctx, inv.SlotID, inv.ID)
	if err != nil {
		return nil, fmt.Errorf("claim slot: %w", err)
	}
	if !claimed {
		// Lost the race. This invitation is declined with the slot-
		// taken reason and the entry stays eligible for future offers.
		if moved, _ := s.repo.UpdateStatus(ctx, inv.ID, StatusSent, StatusDeclined, ReasonSlotTaken, now); moved {
			s.revertEntryWithBump(ctx, inv.EntryID)
		}
		return nil, ErrSlotTaken
	}

	moved, err := s.repo.UpdateStatus(ctx, inv.ID, StatusSent, StatusAccepted, "", now)
	if err != nil || !moved {
		// The expiry sweep resolved this invitation between the status
		// check and the claim. Give the slot back or it stays claimed by
		// a never-accepted invitation and the cascade skips it forever.
		if relErr := s.repo.ReleaseSlot(ctx, inv.SlotID, inv.ID); relErr != nil {
			s.log.Error().Err(relErr).Str("slot_id", inv.SlotID.String()).Msg("release slot claim")
		}
		if err != nil {
			return nil, fmt.Errorf("mark invitation accepted: %w", err)
		}
		return nil, ErrAlreadyResolved
	}

	if _, err := s.entries.UpdateStatus(ctx, inv.EntryID,
		[]waitlist.Status{waitlist.StatusInvited}, waitlist.StatusAccepted); err != nil {
		s.log.Error().Err(err).Str("entry_id", inv.EntryID.String()).Msg("mark entry accepted")
	}

	// Invalidate every sibling in the same operation; their entries go
	// straight back to eligibility with a courtesy priority bump.
	siblings, err := s.repo.DeclineSiblings(ctx, inv.SlotID, inv.ID, ReasonSlotTaken, now)
	if err != nil {
		s.log.Error().Err(err).Str("slot_id", inv.SlotID.String()).Msg("decline sibling invitations")
	}
	for _, entryID := range siblings {
		s.revertEntryWithBump(ctx, entryID)
	}

	if err := s.repo.CloseSlot(ctx, inv.SlotID, now); err != nil {
		s.log.Error().Err(err).Str("slot_id", inv.SlotID.String()).Msg("close slot")
	}

	s.audit.Record(ctx, EventSlotClaimed, inv.SlotID, map[string]any{
		"invitation_id": inv.ID.String(),
		"entry_id":      inv.EntryID.String(),
		"siblings":      len(siblings),
	})
	s.audit.Record(ctx, EventInvitationAccepted, inv.ID, map[string]any{})

	accepted, err := s.repo.GetInvitation(ctx, inv.ID)
	if err != nil {
		return nil, err
	}
	return accepted, nil
}

// Decline resolves the invitation and returns the entry to its kind's
// eligible state.
func (s *Service) Decline(ctx context.Context, invitationID uuid.UUID) (*Invitation, error) {
	inv, err := s.repo.GetInvitation(ctx, invitationID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	moved, err := s.repo.UpdateStatus(ctx, inv.ID, StatusSent, StatusDeclined, "declined by patient", now)
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, ErrAlreadyResolved
	}

	s.revertEntry(ctx, inv.EntryID)
	s.audit.Record(ctx, EventInvitationDeclined, inv.ID, map[string]any{})

	return s.repo.GetInvitation(ctx, inv.ID)
}

// ExpireSweep transitions overdue offers to expired and frees their
// entries. It returns the slots whose round has fully resolved without a
// winner so the matcher can cascade to the next batch.
func (s *Service) ExpireSweep(ctx context.Context, now time.Time) (metrics.Counts, []FreedSlot, error) {
	if now.IsZero() {
		now = s.now()
	}

	var counts metrics.Counts

	expired, err := s.repo.FindExpired(ctx, now, 0)
	if err != nil {
		return counts, nil, fmt.Errorf("find expired invitations: %w", err)
	}

	for _, inv := range expired {
		counts.Processed++

		moved, err := s.repo.UpdateStatus(ctx, inv.ID, StatusSent, StatusExpired, "", now)
		if err != nil {
			counts.Failed++
			s.log.Error().Err(err).Str("invitation_id", inv.ID.String()).Msg("expire invitation")
			continue
		}
		if !moved {
			// Resolved between the scan and here; nothing to book.
			continue
		}

		s.revertEntry(ctx, inv.EntryID)
		s.audit.Record(ctx, EventInvitationExpired, inv.ID, map[string]any{
			"slot_id": inv.SlotID.String(),
		})
		counts.Succeeded++
	}

	slots, err := s.repo.SlotsAwaitingRound(ctx, now)
	if err != nil {
		return counts, nil, fmt.Errorf("find slots awaiting round: %w", err)
	}

	return counts, slots, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Invitation, error) {
	return s.repo.GetInvitation(ctx, id)
}

func (s *Service) List(ctx context.Context, f ListFilter) ([]Invitation, error) {
	invs, err := s.repo.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list invitations: %w", err)
	}
	return invs, nil
}

// revertEntry returns an invited entry to its kind's eligible state.
func (s *Service) revertEntry(ctx context.Context, entryID uuid.UUID) {
	entry, err := s.entries.Get(ctx, entryID)
	if err != nil {
		s.log.Error().Err(err).Str("entry_id", entryID.String()).Msg("load entry for revert")
		return
	}

	if _, err := s.entries.UpdateStatus(ctx, entryID,
		[]waitlist.Status{waitlist.StatusInvited}, entry.EligibleStatus()); err != nil {
		s.log.Error().Err(err).Str("entry_id", entryID.String()).Msg("revert entry status")
	}
}

// revertEntryWithBump additionally raises priority by one: losing a race
// through no fault of their own should not cost the patient their place.
func (s *Service) revertEntryWithBump(ctx context.Context, entryID uuid.UUID) {
	entry, err := s.entries.Get(ctx, entryID)
	if err != nil {
		s.log.Error().Err(err).Str("entry_id", entryID.String()).Msg("load entry for revert")
		return
	}

	if _, err := s.entries.UpdateStatus(ctx, entryID,
		[]waitlist.Status{waitlist.StatusInvited}, entry.EligibleStatus()); err != nil {
		s.log.Error().Err(err).Str("entry_id", entryID.String()).Msg("revert entry status")
		return
	}

	if err := s.entries.UpdatePriority(ctx, entryID, entry.Priority+1); err != nil {
		s.log.Error().Err(err).Str("entry_id", entryID.String()).Msg("bump entry priority")
	}
}
