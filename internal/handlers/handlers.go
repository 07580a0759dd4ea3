package handlers

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/felo/eml-store/internal/config"
	"github.com/felo/eml-store/internal/db"
	"github.com/felo/eml-store/internal/metrics"
)

// Handlers holds all HTTP handlers and their dependencies
type Handlers struct {
	db      *db.DB
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	scan    *ScanProgress
}

// New creates a new Handlers instance
func New(database *db.DB, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Handlers {
	return &Handlers{
		db:      database,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		scan:    &ScanProgress{},
	}
}

// Routes builds the router with middleware and every endpoint
func (h *Handlers) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	r.Get("/stats", h.Stats)
	r.Post("/scan", h.Scan)
	r.Get("/scan", h.ScanStatus)
	r.Handle("/metrics", h.metrics.Handler(h.db, h.logger))

	r.Route("/mailboxes", func(r chi.Router) {
		r.Get("/", h.ListMailboxes)
		r.Post("/", h.CreateMailbox)

		r.Route("/{mailbox}/messages", func(r chi.Router) {
			r.Get("/", h.ListMessages)
			r.Post("/", h.ImportMessage)

			r.Route("/{uid}", func(r chi.Router) {
				r.Get("/", h.GetMessage)
				r.Delete("/", h.DeleteMessage)
				r.Get("/raw", h.RawMessage)
				r.Get("/body", h.MessageBody)
				r.Post("/copy", h.CopyMessage)
				r.Put("/flags", h.SetFlags)
			})
		})
	})

	return r
}
