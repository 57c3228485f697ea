package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-token-queue/internal/queue"
)

type RouterConfig struct {
	Service  *queue.Service
	Sync     *queue.Synchronizer
	PgPool   *pgxpool.Pool  // nil with the memory store
	Redis    *redis.Client  // nil unless the redis feed is used
	Location *time.Location // clinic time zone for default dates
	Log      zerolog.Logger
	Env      string
	Version  string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Log))

	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	h := &handlers{
		svc:      cfg.Service,
		loc:      cfg.Location,
		validate: newRequestValidator(),
		log:      cfg.Log,
	}

	r.Post("/appointments", h.createAppointment)
	r.Get("/appointments/{id}", h.getAppointment)
	r.Post("/appointments/{id}/call", h.callPatient)
	r.Post("/appointments/{id}/complete", h.completeConsultation)
	r.Post("/appointments/{id}/cancel", h.cancelAppointment)

	r.Route("/providers/{providerID}/queue", func(r chi.Router) {
		r.Get("/", h.getQueue)
		r.Post("/tokens", h.issueToken)
		r.Post("/next", h.callNext)

		if cfg.Sync != nil {
			stream := NewStreamHandler(cfg.Sync, cfg.Location, cfg.Log)
			r.Get("/stream", stream.ServeHTTP)
		}
	})

	return r
}
