package waitlist

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicops/automation-engine/internal/audit"
	"github.com/clinicops/automation-engine/internal/metrics"
)

const (
	EventEntryAdded   = "WAITLIST_ENTRY_ADDED"
	EventEntryRemoved = "WAITLIST_ENTRY_REMOVED"
	EventEntryFlagged = "WAITLIST_ENTRY_FLAGGED"
	EventRecallSynced = "RECALL_SYNCED"
)

// Defaults for derived recall entries; explicit adds can override both.
const (
	defaultRecallMinLead  = 7 * 24 * time.Hour
	defaultRecallMoveDays = 30
)

// Service is the waitlist store: it owns both entry kinds and answers
// ranked-candidate queries for freed slots.
type Service struct {
	repo  Repository
	audit audit.Recorder
	log   zerolog.Logger
	now   func() time.Time

	recallMinLead  time.Duration
	recallMoveDays int
}

func NewService(repo Repository, auditor audit.Recorder, log zerolog.Logger) *Service {
	return &Service{
		repo:           repo,
		audit:          auditor,
		log:            log,
		now:            time.Now,
		recallMinLead:  defaultRecallMinLead,
		recallMoveDays: defaultRecallMoveDays,
	}
}

// SetClock overrides the wall clock, for tests.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Rank orders candidates for a slot: priority descending, then added_at
// ascending (FIFO on ties). Entries that fail validation come back in
// malformed and must not be offered to. Pure; both kinds share it.
func Rank(entries []Entry, slot Slot, n int) (matched, malformed []Entry) {
	for _, e := range entries {
		if !e.Eligible() {
			continue
		}
		if err := e.Validate(); err != nil {
			e.ReviewNote = err.Error()
			malformed = append(malformed, e)
			continue
		}
		if !e.Matches(slot) {
			continue
		}
		matched = append(matched, e)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority > matched[j].Priority
		}
		return matched[i].AddedAt.Before(matched[j].AddedAt)
	})

	if n > 0 && len(matched) > n {
		matched = matched[:n]
	}
	return matched, malformed
}

// Candidates returns up to n ranked entries for the slot, skipping any in
// exclude (entries already offered this slot in an earlier round).
// Malformed entries found along the way are parked for review.
func (s *Service) Candidates(ctx context.Context, slot Slot, n int, exclude map[uuid.UUID]bool) ([]Entry, error) {
	eligible, err := s.repo.ListEligible(ctx, slot.ClinicID)
	if err != nil {
		return nil, fmt.Errorf("list eligible entries: %w", err)
	}

	if len(exclude) > 0 {
		filtered := eligible[:0]
		for _, e := range eligible {
			if !exclude[e.ID] {
				filtered = append(filtered, e)
			}
		}
		eligible = filtered
	}

	matched, malformed := Rank(eligible, slot, n)

	for _, e := range malformed {
		if err := s.repo.FlagNeedsReview(ctx, e.ID, e.ReviewNote); err != nil {
			s.log.Error().Err(err).Str("entry_id", e.ID.String()).Msg("flag entry for review")
			continue
		}
		s.audit.Record(ctx, EventEntryFlagged, e.ID, map[string]any{"note": e.ReviewNote})
	}

	return matched, nil
}

type AddRequest struct {
	ClinicID    uuid.UUID
	Kind        Kind
	Name        string
	Email       string
	Phone       string
	ServiceType *string
	Preferences Preferences
	Priority    int

	// Recall only.
	PatientID            *uuid.UUID
	CurrentAppointmentAt *time.Time
	MoveForwardDays      int
}

// Add creates an entry in its kind's eligible state. An entry that fails
// validation is stored anyway but parked for review.
func (s *Service) Add(ctx context.Context, req AddRequest) (*Entry, error) {
	if req.Kind != KindNewClient && req.Kind != KindRecall {
		return nil, fmt.Errorf("unknown waitlist kind %q", req.Kind)
	}

	now := s.now()
	e := &Entry{
		ID:                   uuid.New(),
		ClinicID:             req.ClinicID,
		Kind:                 req.Kind,
		Name:                 req.Name,
		Email:                req.Email,
		Phone:                req.Phone,
		ServiceType:          req.ServiceType,
		Preferences:          req.Preferences,
		Priority:             req.Priority,
		AddedAt:              now,
		UpdatedAt:            now,
		PatientID:            req.PatientID,
		CurrentAppointmentAt: req.CurrentAppointmentAt,
		MoveForwardDays:      req.MoveForwardDays,
	}
	e.Status = e.EligibleStatus()

	if err := e.Validate(); err != nil {
		e.Status = StatusNeedsReview
		e.ReviewNote = err.Error()
	}

	if err := s.repo.Add(ctx, e); err != nil {
		return nil, err
	}

	s.audit.Record(ctx, EventEntryAdded, e.ID, map[string]any{
		"kind":   string(e.Kind),
		"status": string(e.Status),
	})

	return e, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Entry, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, f ListFilter) ([]Entry, error) {
	entries, err := s.repo.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list waitlist entries: %w", err)
	}
	return entries, nil
}

func (s *Service) Remove(ctx context.Context, id uuid.UUID) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.audit.Record(ctx, EventEntryRemoved, id, map[string]any{})
	return nil
}

func (s *Service) Reprioritize(ctx context.Context, id uuid.UUID, priority int) error {
	return s.repo.UpdatePriority(ctx, id, priority)
}

// SyncRecall is the scheduled job deriving recall entries from booked
// future appointments.
func (s *Service) SyncRecall(ctx context.Context, now time.Time) (metrics.Counts, error) {
	if now.IsZero() {
		now = s.now()
	}

	inserted, refreshed, err := s.repo.SyncRecall(ctx, now, s.recallMinLead, s.recallMoveDays)
	if err != nil {
		return metrics.Counts{}, fmt.Errorf("sync recall entries: %w", err)
	}

	if inserted > 0 || refreshed > 0 {
		s.audit.Record(ctx, EventRecallSynced, uuid.Nil, map[string]any{
			"inserted":  inserted,
			"refreshed": refreshed,
		})
	}

	total := inserted + refreshed
	return metrics.Counts{Processed: total, Succeeded: total}, nil
}
