package handler_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantrylab/gantry/internal/domain"
	"github.com/gantrylab/gantry/internal/infrastructure/http/handler"
)

func ledgerEvents(jobID string, n int) []*domain.Event {
	events := make([]*domain.Event, 0, n)
	for i := 1; i <= n; i++ {
		events = append(events, &domain.Event{
			ID:        fmt.Sprintf("%s-evt-%d", jobID, i),
			JobID:     jobID,
			Seq:       int64(i),
			Kind:      domain.EventInfo,
			Summary:   "step",
			CreatedAt: time.Date(2026, 2, 10, 9, 0, i, 0, time.UTC),
		})
	}
	return events
}

func findRepoReturning(job *domain.Job) *stubRepository {
	return &stubRepository{
		findJobByID: func(ctx context.Context, id string) (*domain.Job, error) {
			if job == nil || job.ID != id {
				return nil, domain.ErrJobNotFound
			}
			return job, nil
		},
	}
}

func TestListEvents_PageAndCursor(t *testing.T) {
	job := queuedJob(t, "paginate me")
	store := &stubEventStore{events: ledgerEvents(job.ID, 5)}
	router := newTestRouter(t, findRepoReturning(job), store)

	req := httptest.NewRequest(http.MethodGet, "/jobs/"+job.ID+"/events?after=2", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())

	var resp handler.ListEventsResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Len(t, resp.Events, 3)
	assert.Equal(t, int64(3), resp.Events[0].Seq)
	assert.Equal(t, int64(5), resp.NextCursor, "cursor advances to the last seq")
}

func TestListEvents_EmptyPageEchoesCursor(t *testing.T) {
	job := queuedJob(t, "quiet job")
	router := newTestRouter(t, findRepoReturning(job), &stubEventStore{})

	req := httptest.NewRequest(http.MethodGet, "/jobs/"+job.ID+"/events?after=7", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp handler.ListEventsResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Empty(t, resp.Events)
	assert.NotNil(t, resp.Events, "empty result must encode as [] not null")
	assert.Equal(t, int64(7), resp.NextCursor)
}

func TestListEvents_UnknownJob(t *testing.T) {
	router := newTestRouter(t, findRepoReturning(nil), &stubEventStore{})

	req := httptest.NewRequest(http.MethodGet, "/jobs/0194e001-0000-7000-8000-00000000dead/events", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListEvents_RejectsBadCursor(t *testing.T) {
	job := queuedJob(t, "bad cursor")
	router := newTestRouter(t, findRepoReturning(job), &stubEventStore{})

	req := httptest.NewRequest(http.MethodGet, "/jobs/"+job.ID+"/events?after=-3", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// StreamEvents with an already-cancelled request context delivers the
// durable backfill as SSE frames and then ends, which pins the frame
// format without needing a live producer.
func TestStreamEvents_BackfillFrames(t *testing.T) {
	job := queuedJob(t, "stream me")
	store := &stubEventStore{events: ledgerEvents(job.ID, 2)}
	router := newTestRouter(t, findRepoReturning(job), store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := httptest.NewRequest(http.MethodGet, "/jobs/"+job.ID+"/events/stream", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	body := w.Body.String()
	assert.Contains(t, body, "id: 1\n")
	assert.Contains(t, body, "id: 2\n")
	assert.Contains(t, body, "event: info\n")
	assert.Contains(t, body, `"seq":2`)
}

func TestStreamEvents_UnknownJobBeforeHeaders(t *testing.T) {
	router := newTestRouter(t, findRepoReturning(nil), &stubEventStore{})

	req := httptest.NewRequest(http.MethodGet, "/jobs/0194e001-0000-7000-8000-00000000dead/events/stream", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code, "missing jobs must 404 before the stream starts")
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
}
