package waitlist

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindNewClient Kind = "new_client"
	KindRecall    Kind = "recall"
)

type Status string

const (
	// StatusWaiting is the eligible state for new-client entries,
	// StatusActive the eligible state for recall entries.
	StatusWaiting     Status = "waiting"
	StatusActive      Status = "active"
	StatusInvited     Status = "invited"
	StatusAccepted    Status = "accepted"
	StatusDeclined    Status = "declined"
	StatusExpired     Status = "expired"
	StatusNeedsReview Status = "needs_review"
)

// TimeBand is a preferred window within a day, minutes since midnight.
type TimeBand struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Preferences holds the day/time constraints. Empty slices are
// wildcards: a patient with no stated preference matches any slot.
type Preferences struct {
	Days  []time.Weekday `json:"days,omitempty"`
	Bands []TimeBand     `json:"bands,omitempty"`
}

// Entry is one waitlist position. Both kinds share the shape; recall
// entries carry the extra patient reference and advance limit.
type Entry struct {
	ID          uuid.UUID
	ClinicID    uuid.UUID
	Kind        Kind
	Status      Status
	Name        string
	Email       string
	Phone       string
	ServiceType *string // nil: any service
	Preferences Preferences
	Priority    int
	AddedAt     time.Time
	UpdatedAt   time.Time
	ReviewNote  string

	// Recall only.
	PatientID            *uuid.UUID
	CurrentAppointmentAt *time.Time
	MoveForwardDays      int
}

// Slot is the query shape a candidate is matched against.
type Slot struct {
	ClinicID    uuid.UUID
	ServiceType string
	StartTime   time.Time
	Duration    time.Duration
}

// EligibleStatus is the state an entry returns to when an invitation is
// declined or expires.
func (e *Entry) EligibleStatus() Status {
	if e.Kind == KindRecall {
		return StatusActive
	}
	return StatusWaiting
}

// Eligible reports whether the entry can receive offers at all.
func (e *Entry) Eligible() bool {
	return e.Status == StatusWaiting || e.Status == StatusActive
}

// Validate checks the fields matching relies on. A failure here is a
// data error: the entry is parked for manual review, never matched.
func (e *Entry) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("entry %s: name is required", e.ID)
	}
	if e.Email == "" && e.Phone == "" {
		return fmt.Errorf("entry %s: no contact address", e.ID)
	}
	for _, d := range e.Preferences.Days {
		if d < time.Sunday || d > time.Saturday {
			return fmt.Errorf("entry %s: day %d out of range", e.ID, d)
		}
	}
	for _, b := range e.Preferences.Bands {
		if b.Start < 0 || b.End > 24*60 || b.Start >= b.End {
			return fmt.Errorf("entry %s: malformed time band %d-%d", e.ID, b.Start, b.End)
		}
	}
	if e.Kind == KindRecall {
		if e.PatientID == nil {
			return fmt.Errorf("entry %s: recall entry without patient", e.ID)
		}
		if e.MoveForwardDays < 0 {
			return fmt.Errorf("entry %s: negative move-forward window", e.ID)
		}
	}
	return nil
}

// Matches reports whether the entry's constraints intersect the slot.
// Status and validity are checked separately.
func (e *Entry) Matches(slot Slot) bool {
	if e.ClinicID != slot.ClinicID {
		return false
	}
	if e.ServiceType != nil && *e.ServiceType != slot.ServiceType {
		return false
	}

	if len(e.Preferences.Days) > 0 {
		day := slot.StartTime.Weekday()
		found := false
		for _, d := range e.Preferences.Days {
			if d == day {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(e.Preferences.Bands) > 0 {
		minutes := slot.StartTime.Hour()*60 + slot.StartTime.Minute()
		found := false
		for _, b := range e.Preferences.Bands {
			if minutes >= b.Start && minutes < b.End {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	// A recall entry only moves an existing visit earlier, and only by
	// as many days as the patient is willing to advance.
	if e.Kind == KindRecall && e.CurrentAppointmentAt != nil {
		advance := e.CurrentAppointmentAt.Sub(slot.StartTime)
		if advance <= 0 {
			return false
		}
		if advance > time.Duration(e.MoveForwardDays)*24*time.Hour {
			return false
		}
	}

	return true
}
