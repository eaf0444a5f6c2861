package response_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantrylab/gantry/internal/domain"
	"github.com/gantrylab/gantry/internal/infrastructure/http/response"
)

// unencodableType always fails JSON marshalling.
type unencodableType struct {
	BadField chan int `json:"bad_field"`
}

func (u unencodableType) MarshalJSON() ([]byte, error) {
	_, err := json.Marshal(u.BadField)
	return nil, err
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) response.ErrorResponse {
	t.Helper()
	var resp response.ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp), "response body must be valid JSON")
	return resp
}

func TestOK_EncodingFailureReturns500(t *testing.T) {
	w := httptest.NewRecorder()

	response.OK(w, unencodableType{})

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	resp := decodeError(t, w)
	assert.Equal(t, "INTERNAL_ERROR", resp.Error.Code)
	assert.Equal(t, "failed to encode response", resp.Error.Message)
}

func TestCreated_EncodingFailureReturns500(t *testing.T) {
	w := httptest.NewRecorder()

	response.Created(w, unencodableType{})

	assert.Equal(t, http.StatusInternalServerError, w.Code)

	resp := decodeError(t, w)
	assert.Equal(t, "INTERNAL_ERROR", resp.Error.Code)
}

func TestOK_Success(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]any{
		"id":    "123",
		"items": []string{"a", "b", "c"},
	}

	response.OK(w, data)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&decoded))
	assert.Equal(t, "123", decoded["id"])
}

func TestFromDomainError_StatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"goal required", domain.ErrGoalRequired, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"repo path required", domain.ErrRepoPathRequired, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"invalid mode", domain.ErrInvalidMode, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"negative cap", domain.ErrNegativeCap, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"job not found", domain.ErrJobNotFound, http.StatusNotFound, "NOT_FOUND"},
		{"conversation not found", domain.ErrConversationNotFound, http.StatusNotFound, "NOT_FOUND"},
		{"duplicate job", domain.ErrDuplicateJob, http.StatusConflict, "CONFLICT"},
		{"invalid transition", domain.ErrInvalidTransition, http.StatusConflict, "CONFLICT"},
		{"unknown error", errors.New("pool exhausted"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/v1/jobs/x", nil)

			response.FromDomainError(w, r, tt.err)

			assert.Equal(t, tt.wantStatus, w.Code)
			resp := decodeError(t, w)
			assert.Equal(t, tt.wantCode, resp.Error.Code)
		})
	}
}

func TestFromDomainError_WrappedSentinel(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/jobs", nil)

	err := errors.Join(errors.New("mark terminal"), domain.ErrInvalidTransition)
	response.FromDomainError(w, r, err)

	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestFromDomainError_InternalHidesDetail(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)

	response.FromDomainError(w, r, errors.New("dsn leak: password=hunter2"))

	resp := decodeError(t, w)
	assert.Equal(t, "an internal error occurred", resp.Error.Message)
	assert.NotContains(t, resp.Error.Message, "hunter2")
}
