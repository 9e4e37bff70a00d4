package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/clinicops/automation-engine/internal/appointment"
	"github.com/clinicops/automation-engine/internal/confirmation"
	"github.com/clinicops/automation-engine/internal/invitation"
	"github.com/clinicops/automation-engine/internal/matcher"
	"github.com/clinicops/automation-engine/internal/metrics"
	"github.com/clinicops/automation-engine/internal/waitlist"
)

type RouterConfig struct {
	Appointments  *appointment.Service
	Confirmations *confirmation.Service
	Waitlist      *waitlist.Service
	Invitations   *invitation.Service
	Matcher       *matcher.Service
	Metrics       *metrics.Service

	PgPool  *pgxpool.Pool
	Redis   *redis.Client
	Log     zerolog.Logger
	Env     string
	Version string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Log))

	// Health endpoints
	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	// Appointment lifecycle
	r.Post("/appointments", bookAppointmentHandler(cfg.Appointments))
	r.Get("/appointments", listAppointmentsHandler(cfg.Appointments))
	r.Get("/appointments/{id}", getAppointmentHandler(cfg.Appointments))
	r.Post("/appointments/{id}/confirm", transitionHandler(func(req *http.Request, id uuid.UUID) (*appointment.Appointment, error) {
		return cfg.Appointments.Confirm(req.Context(), id)
	}))
	r.Post("/appointments/{id}/complete", transitionHandler(func(req *http.Request, id uuid.UUID) (*appointment.Appointment, error) {
		return cfg.Appointments.Complete(req.Context(), id)
	}))
	r.Post("/appointments/{id}/no-show", transitionHandler(func(req *http.Request, id uuid.UUID) (*appointment.Appointment, error) {
		return cfg.Appointments.MarkNoShow(req.Context(), id)
	}))
	r.Post("/appointments/{id}/cancel", cancelAppointmentHandler(cfg.Appointments))
	r.Delete("/appointments/{id}", deleteAppointmentHandler(cfg.Appointments))

	// Confirmation tracker
	r.Get("/appointments/{id}/confirmation", getConfirmationHandler(cfg.Confirmations))
	r.Post("/appointments/{id}/confirmation/respond", respondConfirmationHandler(cfg.Confirmations))

	// Waitlist
	r.Post("/waitlist", addWaitlistHandler(cfg.Waitlist))
	r.Get("/waitlist", listWaitlistHandler(cfg.Waitlist))
	r.Delete("/waitlist/{id}", removeWaitlistHandler(cfg.Waitlist))
	r.Patch("/waitlist/{id}/priority", reprioritizeWaitlistHandler(cfg.Waitlist))

	// Invitations and slot offers
	r.Get("/invitations", listInvitationsHandler(cfg.Invitations))
	r.Get("/invitations/{id}", getInvitationHandler(cfg.Invitations))
	r.Post("/invitations/{id}/accept", acceptInvitationHandler(cfg.Invitations))
	r.Post("/invitations/{id}/decline", declineInvitationHandler(cfg.Invitations))
	r.Post("/slots/{id}/match", matchSlotHandler(cfg.Matcher))

	// Automation dashboard reads
	r.Get("/jobs/runs", listJobRunsHandler(cfg.Metrics))
	r.Get("/jobs/aggregates", jobAggregatesHandler(cfg.Metrics))

	return r
}
