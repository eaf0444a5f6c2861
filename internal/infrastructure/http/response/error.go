package response

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gantrylab/gantry/internal/domain"
)

// ErrorResponse is the envelope every error reply uses.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries a machine-readable code, a human-readable
// message, and optional per-field details.
type ErrorDetail struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []ErrorField `json:"details,omitempty"`
}

// ErrorField points at one offending request field.
type ErrorField struct {
	Field string `json:"field"`
	Issue string `json:"issue"`
}

// Error writes an error envelope with the given code and status.
func Error(w http.ResponseWriter, code, message string, statusCode int) {
	writeError(w, statusCode, ErrorDetail{Code: code, Message: message})
}

// BadRequest writes a 400 with code INVALID_REQUEST, used for requests
// that fail before field-level validation (unreadable JSON and such).
func BadRequest(w http.ResponseWriter, message string) {
	Error(w, "INVALID_REQUEST", message, http.StatusBadRequest)
}

// ValidationError writes a 400 with code VALIDATION_ERROR naming the
// offending field.
func ValidationError(w http.ResponseWriter, field, issue string) {
	writeError(w, http.StatusBadRequest, ErrorDetail{
		Code:    "VALIDATION_ERROR",
		Message: "validation failed",
		Details: []ErrorField{{Field: field, Issue: issue}},
	})
}

// NotFound writes a 404 naming the missing resource.
func NotFound(w http.ResponseWriter, resource string) {
	Error(w, "NOT_FOUND", resource+" not found", http.StatusNotFound)
}

// Conflict writes a 409 for lifecycle and uniqueness conflicts.
func Conflict(w http.ResponseWriter, message string) {
	Error(w, "CONFLICT", message, http.StatusConflict)
}

// InternalError writes a 500. The cause is logged server-side; the
// client sees only a generic message.
func InternalError(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		slog.ErrorContext(r.Context(), "internal server error", "error", err)
	}
	Error(w, "INTERNAL_ERROR", "an internal error occurred", http.StatusInternalServerError)
}

func writeError(w http.ResponseWriter, statusCode int, detail ErrorDetail) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{Error: detail})
}

// FromDomainError maps a domain sentinel to its HTTP reply. Anything
// unrecognized becomes a 500 so internal failures never leak detail.
func FromDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrGoalRequired):
		ValidationError(w, "goal", "required field missing")
	case errors.Is(err, domain.ErrRepoPathRequired):
		ValidationError(w, "repo_path", "required field missing")
	case errors.Is(err, domain.ErrAgentTypeRequired):
		ValidationError(w, "agent_type", "required field missing")
	case errors.Is(err, domain.ErrInvalidMode):
		ValidationError(w, "mode", "must be mechanic or genius")
	case errors.Is(err, domain.ErrInvalidStatus):
		ValidationError(w, "status", "invalid job status")
	case errors.Is(err, domain.ErrInvalidEventKind):
		ValidationError(w, "kind", "invalid event kind")
	case errors.Is(err, domain.ErrNegativeCap):
		ValidationError(w, "caps", "caps must not be negative")
	case errors.Is(err, domain.ErrInvalidID):
		ValidationError(w, "id", "invalid ID format")

	case errors.Is(err, domain.ErrJobNotFound):
		NotFound(w, "job")
	case errors.Is(err, domain.ErrConversationNotFound):
		NotFound(w, "conversation")
	case errors.Is(err, domain.ErrNotFound):
		NotFound(w, "resource")

	case errors.Is(err, domain.ErrDuplicateJob):
		Conflict(w, err.Error())
	case errors.Is(err, domain.ErrInvalidTransition):
		Conflict(w, err.Error())

	default:
		InternalError(w, r, err)
	}
}
