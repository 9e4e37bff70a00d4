package confirmation

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusUnconfirmed Status = "unconfirmed"
	StatusConfirmed   Status = "confirmed"
	StatusDeclined    Status = "declined"
)

// Confirmation tracks one appointment's reminder and response state. The
// per-tier send flags live in their own table keyed (appointment, tier),
// so claiming a tier is a single conditional insert.
type Confirmation struct {
	AppointmentID uuid.UUID
	Status        Status
	RespondedAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type ReminderSend struct {
	AppointmentID uuid.UUID
	Tier          string
	SentAt        time.Time
}

// DueReminder is one appointment a sweep should remind for a given tier,
// with the contact details needed for the send.
type DueReminder struct {
	AppointmentID uuid.UUID
	PatientID     uuid.UUID
	PatientName   string
	Email         string
	Phone         string
	StartTime     time.Time
}
