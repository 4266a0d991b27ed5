package rest

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/opsmailer/mailing-service/internal/metrics"
)

type RouterDeps struct {
	Handler *Handler
	Ready   ReadyCheck

	// Per-IP guard on the upload endpoint only; reads stay unthrottled.
	IntakeRateLimit  int
	IntakeRateWindow time.Duration
}

func NewRouter(d RouterDeps) http.Handler {
	if d.Handler == nil {
		panic("rest.NewRouter: nil handler")
	}
	if d.Ready == nil {
		panic("rest.NewRouter: nil ready check")
	}

	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(chimw.RealIP)
	r.Use(HTTPLogger)
	r.Use(chimw.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if d.IntakeRateLimit > 0 {
				r.Use(httprate.LimitByIP(d.IntakeRateLimit, d.IntakeRateWindow))
			}
			r.Post("/mailings", d.Handler.CreateMailing)
		})

		r.Get("/mailings/{id}", d.Handler.GetMailing)
		r.Get("/mailings/{id}/entries", d.Handler.ListEntries)

		r.Get("/settings/rate-limit", d.Handler.GetRateLimit)
		r.Patch("/settings/rate-limit", d.Handler.UpdateRateLimit)
	})

	r.Get("/health/live", Live)
	r.Get("/health/ready", Ready(d.Ready))
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	return r
}
