package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-appointment-scheduling/internal/appointment"
)

type RouterConfig struct {
	Service  *appointment.Service
	Postgres Pinger
	Redis    Pinger
	Logger   zerolog.Logger
	Auth     AuthConfig // empty Secret disables bearer verification
	Env      string
	Version  string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(RecoveryMiddleware(cfg.Logger))

	// Health endpoints
	health := NewHealthHandler(cfg.Postgres, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	r.Group(func(r chi.Router) {
		if len(cfg.Auth.Secret) > 0 {
			r.Use(BearerAuth(cfg.Auth))
		}

		svc := cfg.Service

		r.Route("/doctors/{doctorID}", func(r chi.Router) {
			r.Get("/availability", availabilityHandler(svc))
			r.Get("/availability/check", checkSlotHandler(svc))
			r.Get("/booked-patients", bookedPatientsHandler(svc))
		})
		r.Get("/patients/{patientID}/schedule", patientScheduleHandler(svc))

		r.Route("/appointments", func(r chi.Router) {
			r.Post("/", createAppointmentHandler(svc))
			r.Get("/", listAppointmentsHandler(svc))
			r.Get("/stats", statsHandler(svc))
			r.Get("/{id}", getAppointmentHandler(svc))
			r.Put("/{id}", rescheduleAppointmentHandler(svc))
			r.Patch("/{id}/status", updateStatusHandler(svc))
		})

		r.Get("/agenda", agendaHandler(svc))
		r.Get("/appointment-statuses", listStatusesHandler(svc))
	})

	return r
}
