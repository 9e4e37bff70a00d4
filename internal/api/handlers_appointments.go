package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/clinicops/automation-engine/internal/appointment"
	"github.com/clinicops/automation-engine/internal/confirmation"
)

func appointmentResponse(a *appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:           a.ID,
		ClinicID:     a.ClinicID,
		PatientID:    a.PatientID,
		ServiceType:  a.ServiceType,
		StartTime:    a.StartTime,
		DurationMins: int(a.Duration / time.Minute),
		Status:       string(a.Status),
	}
}

func bookAppointmentHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BookAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		clinicID, err := uuid.Parse(req.ClinicID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_clinic_id", "clinic_id must be a valid UUID")
			return
		}
		patientID, err := uuid.Parse(req.PatientID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
			return
		}
		startTime, err := time.Parse(time.RFC3339, req.StartTime)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_start_time", "start_time must be RFC 3339")
			return
		}

		appt, err := svc.Book(r.Context(), appointment.BookingRequest{
			ClinicID:    clinicID,
			PatientID:   patientID,
			ServiceType: req.ServiceType,
			StartTime:   startTime,
			Duration:    time.Duration(req.DurationMins) * time.Minute,
		})
		if err != nil {
			handleDomainError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, appointmentResponse(appt))
	}
}

func listAppointmentsHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var f appointment.ListFilter

		q := r.URL.Query()
		if v := q.Get("clinic_id"); v != "" {
			id, err := uuid.Parse(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_clinic_id", "clinic_id must be a valid UUID")
				return
			}
			f.ClinicID = id
		}
		f.Status = appointment.Status(q.Get("status"))
		if v := q.Get("from"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_from", "from must be RFC 3339")
				return
			}
			f.From = t
		}
		if v := q.Get("to"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_to", "to must be RFC 3339")
				return
			}
			f.To = t
		}
		f.Limit = queryInt(q.Get("limit"), 0)
		f.Offset = queryInt(q.Get("offset"), 0)

		appts, err := svc.List(r.Context(), f)
		if err != nil {
			handleDomainError(w, err)
			return
		}

		resp := make([]AppointmentResponse, 0, len(appts))
		for i := range appts {
			resp = append(resp, appointmentResponse(&appts[i]))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func getAppointmentHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}

		appt, err := svc.Get(r.Context(), id)
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, appointmentResponse(appt))
	}
}

// transitionHandler covers confirm/complete/no-show, which share a shape.
func transitionHandler(fn func(r *http.Request, id uuid.UUID) (*appointment.Appointment, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}

		appt, err := fn(r, id)
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, appointmentResponse(appt))
	}
}

func cancelAppointmentHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}

		var req CancelAppointmentRequest
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&req)
		}
		if req.Reason == "" {
			req.Reason = "cancelled"
		}

		appt, err := svc.Cancel(r.Context(), id, req.Reason)
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, appointmentResponse(appt))
	}
}

func deleteAppointmentHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}

		if err := svc.Delete(r.Context(), id); err != nil {
			handleDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func getConfirmationHandler(svc *confirmation.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}

		c, sends, err := svc.Get(r.Context(), id)
		if err != nil {
			handleDomainError(w, err)
			return
		}

		resp := ConfirmationResponse{
			AppointmentID: c.AppointmentID,
			Status:        string(c.Status),
			RespondedAt:   c.RespondedAt,
			Reminders:     make([]ReminderSendItem, 0, len(sends)),
		}
		for _, s := range sends {
			resp.Reminders = append(resp.Reminders, ReminderSendItem{Tier: s.Tier, SentAt: s.SentAt})
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func respondConfirmationHandler(svc *confirmation.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}

		var req RespondRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		if err := svc.RecordResponse(r.Context(), id, req.Confirmed); err != nil {
			handleDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func pathUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+param, param+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
