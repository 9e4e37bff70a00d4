package api

import (
	"errors"
	"net/http"

	"github.com/clinicops/automation-engine/internal/appointment"
	"github.com/clinicops/automation-engine/internal/confirmation"
	"github.com/clinicops/automation-engine/internal/invitation"
	redisclient "github.com/clinicops/automation-engine/internal/redis"
	"github.com/clinicops/automation-engine/internal/waitlist"
)

// handleDomainError maps the engine's typed errors onto HTTP statuses.
// Logic errors land on 4xx so callers know not to retry.
func handleDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, appointment.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, "patient_not_found", err.Error())
	case errors.Is(err, appointment.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, appointment.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_status_transition", err.Error())
	case errors.Is(err, appointment.ErrTooEarly):
		writeError(w, http.StatusConflict, "too_early", err.Error())
	case errors.Is(err, appointment.ErrAppointmentActive):
		writeError(w, http.StatusConflict, "appointment_active", err.Error())
	case errors.Is(err, appointment.ErrStartInPast):
		writeError(w, http.StatusBadRequest, "start_in_past", err.Error())
	case errors.Is(err, confirmation.ErrConfirmationNotFound):
		writeError(w, http.StatusNotFound, "confirmation_not_found", err.Error())
	case errors.Is(err, confirmation.ErrAlreadyResponded):
		writeError(w, http.StatusConflict, "already_responded", err.Error())
	case errors.Is(err, waitlist.ErrEntryNotFound):
		writeError(w, http.StatusNotFound, "waitlist_entry_not_found", err.Error())
	case errors.Is(err, invitation.ErrInvitationNotFound):
		writeError(w, http.StatusNotFound, "invitation_not_found", err.Error())
	case errors.Is(err, invitation.ErrSlotNotFound):
		writeError(w, http.StatusNotFound, "slot_not_found", err.Error())
	case errors.Is(err, invitation.ErrSlotTaken):
		writeError(w, http.StatusConflict, "slot_taken", err.Error())
	case errors.Is(err, invitation.ErrAlreadyResolved):
		writeError(w, http.StatusConflict, "invitation_already_resolved", err.Error())
	case errors.Is(err, invitation.ErrInvitationExpired):
		writeError(w, http.StatusGone, "invitation_expired", err.Error())
	case errors.Is(err, redisclient.ErrLockNotAcquired):
		writeError(w, http.StatusConflict, "resource_busy", "operation in progress, retry shortly")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
