package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicops/automation-engine/internal/audit"
)

const (
	EventAppointmentBooked    = "APPOINTMENT_BOOKED"
	EventAppointmentConfirmed = "APPOINTMENT_CONFIRMED"
	EventAppointmentCancelled = "APPOINTMENT_CANCELLED"
	EventAppointmentCompleted = "APPOINTMENT_COMPLETED"
	EventAppointmentNoShow    = "APPOINTMENT_NO_SHOW"
	EventAppointmentDeleted   = "APPOINTMENT_DELETED"
	EventSlotFreed            = "SLOT_FREED"
)

var (
	// ErrInvalidTransition is a logic error: the caller asked for a move
	// the state machine does not allow. Never retried.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrTooEarly guards complete/no-show before the scheduled time.
	ErrTooEarly = errors.New("appointment has not reached its scheduled time")
	// ErrStartInPast rejects bookings for slots that already began.
	ErrStartInPast = errors.New("appointment start time is in the past")
	// ErrAppointmentActive rejects deleting an appointment that has not
	// reached a terminal status; cancel it first.
	ErrAppointmentActive = errors.New("appointment is still active")
)

// ConfirmationCreator opens the reminder-tracking record alongside a
// booking. Implemented by the confirmation repository.
type ConfirmationCreator interface {
	CreateForAppointment(ctx context.Context, appointmentID uuid.UUID, at time.Time) error
}

// Service owns the appointment state machine. All status changes go
// through it; the conditional update in the repository makes each
// transition race-safe.
type Service struct {
	repo          Repository
	confirmations ConfirmationCreator
	slotFreed     SlotFreedHandler
	audit         audit.Recorder
	log           zerolog.Logger
	now           func() time.Time
}

func NewService(repo Repository, confirmations ConfirmationCreator, auditor audit.Recorder, log zerolog.Logger) *Service {
	return &Service{
		repo:          repo,
		confirmations: confirmations,
		audit:         auditor,
		log:           log,
		now:           time.Now,
	}
}

// SetSlotFreedHandler wires the matcher in after construction; the
// matcher itself depends on services built later in startup.
func (s *Service) SetSlotFreedHandler(h SlotFreedHandler) {
	s.slotFreed = h
}

// SetClock overrides the wall clock, for tests.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

type BookingRequest struct {
	ClinicID    uuid.UUID
	PatientID   uuid.UUID
	ServiceType string
	StartTime   time.Time
	Duration    time.Duration
}

// Book creates a pending appointment together with its confirmation
// record, so the reminder tracker picks it up on its next sweep.
func (s *Service) Book(ctx context.Context, req BookingRequest) (*Appointment, error) {
	if _, err := s.repo.GetPatientByID(ctx, req.PatientID); err != nil {
		if errors.Is(err, ErrPatientNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load patient: %w", err)
	}

	now := s.now()
	if !req.StartTime.After(now) {
		return nil, ErrStartInPast
	}
	if req.Duration <= 0 {
		req.Duration = 30 * time.Minute
	}

	appt := &Appointment{
		ID:          uuid.New(),
		ClinicID:    req.ClinicID,
		PatientID:   req.PatientID,
		ServiceType: req.ServiceType,
		StartTime:   req.StartTime,
		Duration:    req.Duration,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.repo.CreateAppointment(ctx, appt); err != nil {
		return nil, fmt.Errorf("create appointment: %w", err)
	}

	if err := s.confirmations.CreateForAppointment(ctx, appt.ID, now); err != nil {
		return nil, fmt.Errorf("create confirmation record: %w", err)
	}

	s.audit.Record(ctx, EventAppointmentBooked, appt.ID, map[string]any{
		"patient_id": appt.PatientID.String(),
		"start_time": appt.StartTime,
	})

	return appt, nil
}

// Confirm moves a pending appointment to confirmed.
func (s *Service) Confirm(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	updated, err := s.transition(ctx, id, []Status{StatusPending}, StatusConfirmed)
	if err != nil {
		return nil, err
	}

	s.audit.Record(ctx, EventAppointmentConfirmed, updated.ID, map[string]any{})
	return updated, nil
}

// Cancel moves a pending or confirmed appointment to cancelled and, when
// the slot is still in the future, hands it to the matcher for
// re-offering.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason string) (*Appointment, error) {
	updated, err := s.transition(ctx, id, []Status{StatusPending, StatusConfirmed}, StatusCancelled)
	if err != nil {
		return nil, err
	}

	s.audit.Record(ctx, EventAppointmentCancelled, updated.ID, map[string]any{
		"reason": reason,
	})

	s.emitSlotFreed(ctx, updated, reason)
	return updated, nil
}

// Complete moves a confirmed appointment to completed, valid only at or
// after the scheduled time.
func (s *Service) Complete(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	if s.now().Before(appt.StartTime) {
		return nil, ErrTooEarly
	}

	updated, err := s.transition(ctx, id, []Status{StatusConfirmed}, StatusCompleted)
	if err != nil {
		return nil, err
	}

	s.audit.Record(ctx, EventAppointmentCompleted, updated.ID, map[string]any{})
	return updated, nil
}

// MarkNoShow moves a confirmed appointment to no_show after its scheduled
// time. The slot freed here is in the past, so it feeds metrics only.
func (s *Service) MarkNoShow(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	if !s.now().After(appt.StartTime) {
		return nil, ErrTooEarly
	}

	updated, err := s.transition(ctx, id, []Status{StatusConfirmed}, StatusNoShow)
	if err != nil {
		return nil, err
	}

	s.audit.Record(ctx, EventAppointmentNoShow, updated.ID, map[string]any{})

	s.emitSlotFreed(ctx, updated, "no_show")
	return updated, nil
}

// Delete tombstones a terminal appointment. The row stays in place so
// confirmation and invitation references keep resolving; list queries
// skip it from here on.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return fmt.Errorf("load appointment: %w", err)
	}
	if !appt.Status.IsTerminal() {
		return ErrAppointmentActive
	}

	if err := s.repo.SoftDelete(ctx, id, s.now()); err != nil {
		return fmt.Errorf("delete appointment: %w", err)
	}

	s.audit.Record(ctx, EventAppointmentDeleted, id, map[string]any{
		"status": string(appt.Status),
	})
	return nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	return appt, nil
}

func (s *Service) List(ctx context.Context, f ListFilter) ([]Appointment, error) {
	appts, err := s.repo.ListAppointments(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	return appts, nil
}

// transition performs one conditional status move. A missing row after a
// successful load means the status did not match, which is a logic error,
// not a lookup failure.
func (s *Service) transition(ctx context.Context, id uuid.UUID, from []Status, to Status) (*Appointment, error) {
	updated, err := s.repo.UpdateStatus(ctx, id, from, to)
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, ErrAppointmentNotFound) {
		return nil, fmt.Errorf("update appointment status: %w", err)
	}

	if _, getErr := s.repo.GetAppointmentByID(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, ErrInvalidTransition
}

func (s *Service) emitSlotFreed(ctx context.Context, appt *Appointment, reason string) {
	ev := SlotFreed{
		AppointmentID: appt.ID,
		ClinicID:      appt.ClinicID,
		ServiceType:   appt.ServiceType,
		StartTime:     appt.StartTime,
		Duration:      appt.Duration,
		Reason:        reason,
		Past:          !appt.StartTime.After(s.now()),
	}

	s.audit.Record(ctx, EventSlotFreed, appt.ID, map[string]any{
		"reason": reason,
		"past":   ev.Past,
	})

	if s.slotFreed == nil {
		return
	}
	if err := s.slotFreed.HandleSlotFreed(ctx, ev); err != nil {
		// The cancellation itself stands; the expiry sweep picks the
		// slot up again if offering failed midway.
		s.log.Error().Err(err).
			Str("appointment_id", appt.ID.String()).
			Msg("slot freed handler failed")
	}
}
