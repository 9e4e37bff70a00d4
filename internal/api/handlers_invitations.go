package api

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/clinicops/automation-engine/internal/invitation"
	"github.com/clinicops/automation-engine/internal/matcher"
)

func invitationResponse(inv *invitation.Invitation) InvitationResponse {
	return InvitationResponse{
		ID:          inv.ID,
		SlotID:      inv.SlotID,
		EntryID:     inv.EntryID,
		Status:      string(inv.Status),
		Reason:      inv.Reason,
		SentAt:      inv.SentAt,
		ExpiresAt:   inv.ExpiresAt,
		RespondedAt: inv.RespondedAt,
	}
}

func listInvitationsHandler(svc *invitation.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		f := invitation.ListFilter{
			Status: invitation.Status(q.Get("status")),
			Limit:  queryInt(q.Get("limit"), 0),
			Offset: queryInt(q.Get("offset"), 0),
		}
		if v := q.Get("slot_id"); v != "" {
			id, err := uuid.Parse(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_slot_id", "slot_id must be a valid UUID")
				return
			}
			f.SlotID = id
		}

		invs, err := svc.List(r.Context(), f)
		if err != nil {
			handleDomainError(w, err)
			return
		}

		resp := make([]InvitationResponse, 0, len(invs))
		for i := range invs {
			resp = append(resp, invitationResponse(&invs[i]))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func getInvitationHandler(svc *invitation.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}

		inv, err := svc.Get(r.Context(), id)
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, invitationResponse(inv))
	}
}

func acceptInvitationHandler(svc *invitation.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}

		inv, err := svc.Accept(r.Context(), id)
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, invitationResponse(inv))
	}
}

func declineInvitationHandler(svc *invitation.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}

		inv, err := svc.Decline(r.Context(), id)
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, invitationResponse(inv))
	}
}

// matchSlotHandler kicks an offer round for one slot on demand, outside
// the cascade driven by the expiry job. Useful for staff tooling.
func matchSlotHandler(svc *matcher.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}

		counts, err := svc.OfferRound(r.Context(), id)
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{
			"processed": counts.Processed,
			"succeeded": counts.Succeeded,
			"failed":    counts.Failed,
		})
	}
}
