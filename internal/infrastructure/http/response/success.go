package response

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// OK writes data as a 200 JSON reply.
func OK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, data)
}

// Created writes data as a 201 JSON reply.
func Created(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusCreated, data)
}

// writeJSON marshals before writing the status line so an encoding
// failure can still produce a well-formed 500 instead of a truncated
// success response.
func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		slog.Error("failed to encode response", "error", err)
		Error(w, "INTERNAL_ERROR", "failed to encode response", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, err := w.Write(body); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}
