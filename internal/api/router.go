// Package api exposes the control plane over HTTP.
package api

import (
	"log/slog"

	"github.com/go-chi/chi/v5"

	"github.com/pengelbrecht/ledgerloop/internal/control"
	"github.com/pengelbrecht/ledgerloop/internal/session"
)

// ControlPlane is the set of operations the HTTP service exposes.
type ControlPlane interface {
	Start(req control.StartRequest) control.Response
	Stop() control.Response
	Status() session.Snapshot
	Logs(lines int) control.LogsResponse
}

// NewRouter creates the chi router with all routes and middleware.
func NewRouter(cp ControlPlane, apiKey string, logger *slog.Logger) *chi.Mux {
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(Logger(logger))
	r.Use(Recovery(logger))

	h := &Handler{cp: cp}

	r.Get("/health", h.Health)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(apiKey))

		r.Get("/status", h.Status)
		r.Post("/start", h.Start)
		r.Post("/stop", h.Stop)
		r.Get("/logs", h.Logs)
	})

	return r
}
