package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/clinicops/automation-engine/internal/waitlist"
)

func waitlistEntryResponse(e *waitlist.Entry) WaitlistEntryResponse {
	return WaitlistEntryResponse{
		ID:                   e.ID,
		ClinicID:             e.ClinicID,
		Kind:                 string(e.Kind),
		Status:               string(e.Status),
		Name:                 e.Name,
		ServiceType:          e.ServiceType,
		Preferences:          e.Preferences,
		Priority:             e.Priority,
		AddedAt:              e.AddedAt,
		PatientID:            e.PatientID,
		CurrentAppointmentAt: e.CurrentAppointmentAt,
		MoveForwardDays:      e.MoveForwardDays,
		ReviewNote:           e.ReviewNote,
	}
}

func addWaitlistHandler(svc *waitlist.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AddWaitlistRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		clinicID, err := uuid.Parse(req.ClinicID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_clinic_id", "clinic_id must be a valid UUID")
			return
		}

		var patientID *uuid.UUID
		if req.PatientID != nil {
			id, err := uuid.Parse(*req.PatientID)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
				return
			}
			patientID = &id
		}

		entry, err := svc.Add(r.Context(), waitlist.AddRequest{
			ClinicID:             clinicID,
			Kind:                 waitlist.Kind(req.Kind),
			Name:                 req.Name,
			Email:                req.Email,
			Phone:                req.Phone,
			ServiceType:          req.ServiceType,
			Preferences:          req.Preferences,
			Priority:             req.Priority,
			PatientID:            patientID,
			CurrentAppointmentAt: req.CurrentAppointmentAt,
			MoveForwardDays:      req.MoveForwardDays,
		})
		if err != nil {
			handleDomainError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, waitlistEntryResponse(entry))
	}
}

func listWaitlistHandler(svc *waitlist.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		f := waitlist.ListFilter{
			Kind:   waitlist.Kind(q.Get("kind")),
			Status: waitlist.Status(q.Get("status")),
			Limit:  queryInt(q.Get("limit"), 0),
			Offset: queryInt(q.Get("offset"), 0),
		}
		if v := q.Get("clinic_id"); v != "" {
			id, err := uuid.Parse(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_clinic_id", "clinic_id must be a valid UUID")
				return
			}
			f.ClinicID = id
		}

		entries, err := svc.List(r.Context(), f)
		if err != nil {
			handleDomainError(w, err)
			return
		}

		resp := make([]WaitlistEntryResponse, 0, len(entries))
		for i := range entries {
			resp = append(resp, waitlistEntryResponse(&entries[i]))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func removeWaitlistHandler(svc *waitlist.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}

		if err := svc.Remove(r.Context(), id); err != nil {
			handleDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func reprioritizeWaitlistHandler(svc *waitlist.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}

		var req ReprioritizeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		if err := svc.Reprioritize(r.Context(), id, req.Priority); err != nil {
			handleDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
