package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/invoices", h.ProcessInvoice)
		r.Route("/documents/{documentId}", func(r chi.Router) {
			r.Get("/state", h.DocumentState)
			r.Get("/history", h.DocumentHistory)
			r.Post("/cancel", h.CancelDocument)
			r.Post("/resubmit", h.ResubmitDocument)
			r.Post("/authority-decision", h.AuthorityDecision)
		})

		r.Get("/audit/events", h.AuditEvents)
		r.Get("/audit/export", h.AuditExport)
		r.Post("/audit/export/archive", h.ArchiveExport)

		r.Get("/queue/stats", h.QueueStats)
		r.Post("/queue/process", h.ProcessQueue)
		r.Post("/queue/retry-failed", h.RetryFailed)
		r.Post("/queue/{queueId}/dlq", h.MoveToDLQ)
		r.Get("/dlq", h.DeadLetters)

		r.Get("/breakers", h.Breakers)
		r.Post("/breakers/{service}/reset", h.ResetBreaker)
	})

	return r
}
