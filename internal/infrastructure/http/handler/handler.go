// Package handler adapts HTTP requests to the application services:
// job submission and steering on one side, ledger reads and streaming
// on the other.
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gantrylab/gantry/internal/application/jobs"
	"github.com/gantrylab/gantry/internal/application/ledger"
)

// API translates between HTTP and the application layer. It owns no
// business rules; validation and lifecycle live in the services.
type API struct {
	jobs   *jobs.Service
	ledger *ledger.Ledger
}

// NewAPI creates the HTTP API handler set.
func NewAPI(jobService *jobs.Service, eventLedger *ledger.Ledger) *API {
	return &API{
		jobs:   jobService,
		ledger: eventLedger,
	}
}

// Router mounts all versioned API routes. The caller mounts the result
// under its path prefix and wraps it with the global middleware stack.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()

	r.Post("/jobs", a.CreateJob)
	r.Get("/jobs", a.ListJobs)
	r.Get("/jobs/{id}", a.GetJob)
	r.Post("/jobs/{id}/cancel", a.CancelJob)
	r.Post("/jobs/{id}/resume", a.ResumeJob)
	r.Get("/jobs/{id}/events", a.ListEvents)
	r.Get("/jobs/{id}/events/stream", a.StreamEvents)
	r.Post("/conversations", a.CreateConversation)

	return r
}
