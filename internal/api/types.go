package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/clinicops/automation-engine/internal/waitlist"
)

type BookAppointmentRequest struct {
	ClinicID     string `json:"clinic_id"`
	PatientID    string `json:"patient_id"`
	ServiceType  string `json:"service_type"`
	StartTime    string `json:"start_time"` // RFC 3339
	DurationMins int    `json:"duration_mins"`
}

type CancelAppointmentRequest struct {
	Reason string `json:"reason"`
}

type AppointmentResponse struct {
	ID          uuid.UUID `json:"id"`
	ClinicID    uuid.UUID `json:"clinic_id"`
	PatientID   uuid.UUID `json:"patient_id"`
	ServiceType string    `json:"service_type"`
	StartTime   time.Time `json:"start_time"`
	DurationMins int      `json:"duration_mins"`
	Status      string    `json:"status"`
}

type ConfirmationResponse struct {
	AppointmentID uuid.UUID          `json:"appointment_id"`
	Status        string             `json:"status"`
	RespondedAt   *time.Time         `json:"responded_at,omitempty"`
	Reminders     []ReminderSendItem `json:"reminders"`
}

type ReminderSendItem struct {
	Tier   string    `json:"tier"`
	SentAt time.Time `json:"sent_at"`
}

type RespondRequest struct {
	Confirmed bool `json:"confirmed"`
}

type AddWaitlistRequest struct {
	ClinicID             string               `json:"clinic_id"`
	Kind                 string               `json:"kind"`
	Name                 string               `json:"name"`
	Email                string               `json:"email,omitempty"`
	Phone                string               `json:"phone,omitempty"`
	ServiceType          *string              `json:"service_type,omitempty"`
	Preferences          waitlist.Preferences `json:"preferences"`
	Priority             int                  `json:"priority"`
	PatientID            *string              `json:"patient_id,omitempty"`
	CurrentAppointmentAt *time.Time           `json:"current_appointment_at,omitempty"`
	MoveForwardDays      int                  `json:"move_forward_days,omitempty"`
}

type ReprioritizeRequest struct {
	Priority int `json:"priority"`
}

type WaitlistEntryResponse struct {
	ID                   uuid.UUID            `json:"id"`
	ClinicID             uuid.UUID            `json:"clinic_id"`
	Kind                 string               `json:"kind"`
	Status               string               `json:"status"`
	Name                 string               `json:"name"`
	ServiceType          *string              `json:"service_type,omitempty"`
	Preferences          waitlist.Preferences `json:"preferences"`
	Priority             int                  `json:"priority"`
	AddedAt              time.Time            `json:"added_at"`
	PatientID            *uuid.UUID           `json:"patient_id,omitempty"`
	CurrentAppointmentAt *time.Time           `json:"current_appointment_at,omitempty"`
	MoveForwardDays      int                  `json:"move_forward_days,omitempty"`
	ReviewNote           string               `json:"review_note,omitempty"`
}

type InvitationResponse struct {
	ID          uuid.UUID  `json:"id"`
	SlotID      uuid.UUID  `json:"slot_id"`
	EntryID     uuid.UUID  `json:"entry_id"`
	Status      string     `json:"status"`
	Reason      string     `json:"reason,omitempty"`
	SentAt      time.Time  `json:"sent_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	RespondedAt *time.Time `json:"responded_at,omitempty"`
}

type JobRunResponse struct {
	ID             uuid.UUID  `json:"id"`
	JobName        string     `json:"job_name"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	ItemsProcessed int        `json:"items_processed"`
	ItemsSuccess   int        `json:"items_success"`
	ItemsFailed    int        `json:"items_failed"`
	Status         string     `json:"status"`
	Note           string     `json:"note,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
