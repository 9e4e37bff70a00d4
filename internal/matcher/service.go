// Package matcher turns freed appointment slots into ranked waitlist
// offers, one round at a time.
package matcher

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicops/automation-engine/internal/appointment"
	"github.com/clinicops/automation-engine/internal/audit"
	"github.com/clinicops/automation-engine/internal/invitation"
	"github.com/clinicops/automation-engine/internal/metrics"
	redisclient "github.com/clinicops/automation-engine/internal/redis"
	"github.com/clinicops/automation-engine/internal/waitlist"
)

const (
	EventSlotRecorded = "SLOT_RECORDED"
	EventRoundIssued  = "OFFER_ROUND_ISSUED"
	EventSlotUnfilled = "SLOT_UNFILLED"
)

// CandidateSource answers ranked-candidate queries; the waitlist service
// implements it.
type CandidateSource interface {
	Candidates(ctx context.Context, slot waitlist.Slot, n int, exclude map[uuid.UUID]bool) ([]waitlist.Entry, error)
}

// Offerer issues invitations for a round; the invitation service
// implements it.
type Offerer interface {
	Issue(ctx context.Context, slot *invitation.FreedSlot, candidates []waitlist.Entry) (metrics.Counts, error)
}

type Config struct {
	CandidatesPerRound int
	MaxOfferRounds     int
	LockTTL            time.Duration
}

type Service struct {
	slots      invitation.Repository
	candidates CandidateSource
	offers     Offerer
	locker     redisclient.Locker
	cfg        Config
	audit      audit.Recorder
	log        zerolog.Logger
	now        func() time.Time
}

func NewService(slots invitation.Repository, candidates CandidateSource, offers Offerer, locker redisclient.Locker, cfg Config, auditor audit.Recorder, log zerolog.Logger) *Service {
	if cfg.CandidatesPerRound < 1 {
		cfg.CandidatesPerRound = 1
	}
	if cfg.MaxOfferRounds < 1 {
		cfg.MaxOfferRounds = 1
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Second
	}
	return &Service{
		slots:      slots,
		candidates: candidates,
		offers:     offers,
		locker:     locker,
		cfg:        cfg,
		audit:      auditor,
		log:        log,
		now:        time.Now,
	}
}

// SetClock overrides the wall clock, for tests.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// HandleSlotFreed persists the freed slot and starts its first offer
// round. Past slots are recorded for metrics only.
func (s *Service) HandleSlotFreed(ctx context.Context, ev appointment.SlotFreed) error {
	slot := &invitation.FreedSlot{
		ID:            uuid.New(),
		AppointmentID: ev.AppointmentID,
		ClinicID:      ev.ClinicID,
		ServiceType:   ev.ServiceType,
		StartTime:     ev.StartTime,
		Duration:      ev.Duration,
		FreedAt:       s.now(),
	}

	if err := s.slots.CreateSlot(ctx, slot); err != nil {
		return fmt.Errorf("record freed slot: %w", err)
	}

	s.audit.Record(ctx, EventSlotRecorded, slot.ID, map[string]any{
		"appointment_id": ev.AppointmentID.String(),
		"reason":         ev.Reason,
		"past":           ev.Past,
	})

	if ev.Past {
		now := s.now()
		if err := s.slots.CloseSlot(ctx, slot.ID, now); err != nil {
			return fmt.Errorf("close past slot: %w", err)
		}
		return nil
	}

	_, err := s.OfferRound(ctx, slot.ID)
	return err
}

// OfferRound runs one offer round for the slot under its per-slot lock.
// Also the entry point for the dashboard's manual trigger.
func (s *Service) OfferRound(ctx context.Context, slotID uuid.UUID) (metrics.Counts, error) {
	var counts metrics.Counts

	err := s.locker.WithLock(ctx, redisclient.SlotKey(slotID), s.cfg.LockTTL, func(ctx context.Context) error {
		c, err := s.offerRoundLocked(ctx, slotID)
		counts = c
		return err
	})
	if err != nil {
		return counts, err
	}
	return counts, nil
}

func (s *Service) offerRoundLocked(ctx context.Context, slotID uuid.UUID) (metrics.Counts, error) {
	var counts metrics.Counts

	slot, err := s.slots.GetSlot(ctx, slotID)
	if err != nil {
		return counts, err
	}
	if !slot.Open() {
		return counts, nil
	}

	now := s.now()
	if !slot.StartTime.After(now) {
		// The slot start passed while offers were cascading.
		if err := s.slots.CloseSlot(ctx, slotID, now); err != nil {
			return counts, err
		}
		return counts, nil
	}

	if slot.Round >= s.cfg.MaxOfferRounds {
		return counts, s.leaveUnfilled(ctx, slot, "max offer rounds reached")
	}

	exclude, err := s.invitedSet(ctx, slotID)
	if err != nil {
		return counts, err
	}

	candidates, err := s.candidates.Candidates(ctx, slot.Query(), s.cfg.CandidatesPerRound, exclude)
	if err != nil {
		return counts, fmt.Errorf("rank candidates: %w", err)
	}
	if len(candidates) == 0 {
		return counts, s.leaveUnfilled(ctx, slot, "no matching candidates")
	}

	round, err := s.slots.AdvanceRound(ctx, slotID)
	if err != nil {
		return counts, err
	}

	counts, err = s.offers.Issue(ctx, slot, candidates)
	if err != nil {
		return counts, fmt.Errorf("issue invitations: %w", err)
	}

	s.audit.Record(ctx, EventRoundIssued, slotID, map[string]any{
		"round":      round,
		"candidates": len(candidates),
	})

	return counts, nil
}

// Cascade runs the next round for every slot whose previous round fully
// resolved without a winner. Called from the expiry sweep.
func (s *Service) Cascade(ctx context.Context, slots []invitation.FreedSlot) metrics.Counts {
	var counts metrics.Counts

	for i := range slots {
		c, err := s.OfferRound(ctx, slots[i].ID)
		counts.Add(c)
		if err != nil {
			// One stuck slot must not starve the rest.
			counts.Failed++
			counts.Processed++
			s.log.Error().Err(err).Str("slot_id", slots[i].ID.String()).Msg("cascade round failed")
		}
	}

	return counts
}

func (s *Service) invitedSet(ctx context.Context, slotID uuid.UUID) (map[uuid.UUID]bool, error) {
	ids, err := s.slots.InvitedEntryIDs(ctx, slotID)
	if err != nil {
		return nil, fmt.Errorf("list invited entries: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	set := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set, nil
}

// leaveUnfilled closes the slot without a winner. Expected outcome, not
// an error.
func (s *Service) leaveUnfilled(ctx context.Context, slot *invitation.FreedSlot, why string) error {
	if err := s.slots.CloseSlot(ctx, slot.ID, s.now()); err != nil {
		return err
	}

	s.audit.Record(ctx, EventSlotUnfilled, slot.ID, map[string]any{
		"round":  slot.Round,
		"reason": why,
	})

	s.log.Info().
		Str("slot_id", slot.ID.String()).
		Int("round", slot.Round).
		Str("reason", why).
		Msg("slot left unfilled")

	return nil
}
