package confirmation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicops/automation-engine/internal/appointment"
	"github.com/clinicops/automation-engine/internal/audit"
	"github.com/clinicops/automation-engine/internal/config"
	"github.com/clinicops/automation-engine/internal/metrics"
	"github.com/clinicops/automation-engine/internal/notify"
)

const (
	EventReminderSent         = "REMINDER_SENT"
	EventConfirmationResponse = "CONFIRMATION_RESPONSE"
)

// AppointmentConfirmer drives the appointment state machine when a
// patient confirms through a reminder link.
type AppointmentConfirmer interface {
	Confirm(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
}

// Service is the reminder tracker: it sweeps due appointments per tier,
// sends at most one reminder per tier, and records patient responses.
type Service struct {
	repo         Repository
	appointments AppointmentConfirmer
	sender       notify.Sender
	tiers        []config.Tier
	audit        audit.Recorder
	log          zerolog.Logger
	now          func() time.Time
}

func NewService(repo Repository, appointments AppointmentConfirmer, sender notify.Sender, tiers []config.Tier, auditor audit.Recorder, log zerolog.Logger) *Service {
	return &Service{
		repo:         repo,
		appointments: appointments,
		sender:       sender,
		tiers:        tiers,
		audit:        auditor,
		log:          log,
		now:          time.Now,
	}
}

// SetClock overrides the wall clock, for tests.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Sweep runs one reminder pass over every tier. A send failure leaves the
// tier unclaimed so the next tick retries it; the claim flag makes the
// bookkeeping exactly-once even though transport is at-least-once.
func (s *Service) Sweep(ctx context.Context, now time.Time) (metrics.Counts, error) {
	if now.IsZero() {
		now = s.now()
	}

	var counts metrics.Counts
	for i, tier := range s.tiers {
		var finer time.Duration
		if i+1 < len(s.tiers) {
			finer = s.tiers[i+1].Before
		}

		due, err := s.repo.FindDue(ctx, tier.Name, tier.Before, finer, now, 0)
		if err != nil {
			return counts, fmt.Errorf("find due reminders for tier %s: %w", tier.Name, err)
		}

		for _, d := range due {
			counts.Processed++
			if err := s.remind(ctx, tier, d, now); err != nil {
				counts.Failed++
				s.log.Warn().Err(err).
					Str("appointment_id", d.AppointmentID.String()).
					Str("tier", tier.Name).
					Msg("reminder failed")
				continue
			}
			counts.Succeeded++
		}
	}

	return counts, nil
}

func (s *Service) remind(ctx context.Context, tier config.Tier, d DueReminder, now time.Time) error {
	channel, recipient, ok := notify.PickChannel(d.Email, d.Phone)
	if !ok {
		return fmt.Errorf("patient %s has no contact address", d.PatientID)
	}

	err := s.sender.Send(ctx, channel, recipient, notify.TemplateAppointmentReminder, map[string]string{
		"patient_name": d.PatientName,
		"start_time":   d.StartTime.Format(time.RFC3339),
		"tier":         tier.Name,
	})
	if err != nil {
		return err
	}

	claimed, err := s.repo.ClaimTier(ctx, d.AppointmentID, tier.Name, now)
	if err != nil {
		return err
	}
	if !claimed {
		// Someone claimed it between FindDue and here; the reminder
		// went out twice at the transport level but is booked once.
		s.log.Debug().
			Str("appointment_id", d.AppointmentID.String()).
			Str("tier", tier.Name).
			Msg("tier already claimed")
		return nil
	}

	s.audit.Record(ctx, EventReminderSent, d.AppointmentID, map[string]any{
		"tier":    tier.Name,
		"channel": string(channel),
	})

	return nil
}

// RecordResponse books a patient's confirm/decline from a reminder link.
// A confirm also advances the appointment state machine; an appointment
// already past pending is left alone.
func (s *Service) RecordResponse(ctx context.Context, appointmentID uuid.UUID, confirmed bool) error {
	to := StatusDeclined
	if confirmed {
		to = StatusConfirmed
	}

	moved, err := s.repo.RecordResponse(ctx, appointmentID, to, s.now())
	if err != nil {
		return err
	}
	if !moved {
		return ErrAlreadyResponded
	}

	s.audit.Record(ctx, EventConfirmationResponse, appointmentID, map[string]any{
		"response": string(to),
	})

	if confirmed {
		if _, err := s.appointments.Confirm(ctx, appointmentID); err != nil &&
			!errors.Is(err, appointment.ErrInvalidTransition) {
			return fmt.Errorf("confirm appointment: %w", err)
		}
	}

	return nil
}

func (s *Service) Get(ctx context.Context, appointmentID uuid.UUID) (*Confirmation, []ReminderSend, error) {
	c, err := s.repo.GetByAppointment(ctx, appointmentID)
	if err != nil {
		return nil, nil, err
	}

	sends, err := s.repo.ListSends(ctx, appointmentID)
	if err != nil {
		return nil, nil, fmt.Errorf("list reminder sends: %w", err)
	}

	return c, sends, nil
}
