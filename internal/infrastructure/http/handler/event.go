package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/gantrylab/gantry/internal/application/ledger"
	"github.com/gantrylab/gantry/internal/domain"
	"github.com/gantrylab/gantry/internal/infrastructure/http/response"
)

// ListEventsResponse wraps an event page. NextCursor is the seq of the
// last event returned; passing it back as ?after= continues the page
// walk without gaps or duplicates.
type ListEventsResponse struct {
	Events     []EventDTO `json:"events"`
	NextCursor int64      `json:"next_cursor"`
}

// parseAfterCursor reads the ?after= query parameter, defaulting to 0
// (the whole ledger).
func parseAfterCursor(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("after")
	if raw == "" {
		return 0, nil
	}
	after, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || after < 0 {
		return 0, fmt.Errorf("after must be a non-negative integer")
	}
	return after, nil
}

// ListEvents handles GET /v1/jobs/{id}/events. Events come back in seq
// order starting just past the ?after= cursor.
func (a *API) ListEvents(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	after, err := parseAfterCursor(r)
	if err != nil {
		response.ValidationError(w, "after", err.Error())
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			response.ValidationError(w, "limit", "must be a non-negative integer")
			return
		}
	}

	// The events table has no rows for unknown jobs, so look the job up
	// first to distinguish 404 from an empty ledger.
	if _, err := a.jobs.Get(r.Context(), jobID); err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	events, err := a.ledger.List(r.Context(), jobID, after, limit)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	next := after
	if len(events) > 0 {
		next = events[len(events)-1].Seq
	}

	response.OK(w, ListEventsResponse{
		Events:     MapEventsToDTO(events),
		NextCursor: next,
	})
}

// StreamEvents handles GET /v1/jobs/{id}/events/stream. It speaks
// Server-Sent Events: the durable backfill past ?after= first, then the
// live tail, one frame per event with the seq as the SSE id. The stream
// stays open until the client disconnects or the subscriber overflows;
// overflow is signalled with a terminal "overflow" frame so the client
// can reconnect from its last seen seq.
func (a *API) StreamEvents(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	after, err := parseAfterCursor(r)
	if err != nil {
		response.ValidationError(w, "after", err.Error())
		return
	}

	if _, err := a.jobs.Get(r.Context(), jobID); err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		response.Error(w, "STREAMING_UNSUPPORTED", "response writer does not support streaming", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	err = a.ledger.Follow(r.Context(), jobID, after, func(event *domain.Event) error {
		return writeSSEEvent(w, flusher, event)
	})

	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrSubscriberOverflow):
		// The client fell too far behind the live feed. End the stream
		// explicitly; it can re-attach with its last seq.
		writeSSEFrame(w, flusher, "overflow", `{"code":"SUBSCRIBER_OVERFLOW","message":"stream fell behind; reconnect with the last seen seq"}`)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Client went away; nothing left to tell it.
	default:
		slog.ErrorContext(r.Context(), "event stream failed",
			"job_id", jobID,
			"error", err)
		writeSSEFrame(w, flusher, "error", `{"code":"STREAM_ERROR","message":"event stream failed"}`)
	}
}

func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event *domain.Event) error {
	data, err := json.Marshal(MapEventToDTO(event))
	if err != nil {
		return fmt.Errorf("failed to encode event %s: %w", event.ID, err)
	}
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.Seq, event.Kind, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func writeSSEFrame(w http.ResponseWriter, flusher http.Flusher, name, data string) {
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return
	}
	flusher.Flush()
}
