package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantrylab/gantry/internal/infrastructure/http/handler"
	"github.com/gantrylab/gantry/internal/infrastructure/http/response"
)

func TestLoadCLIConfigPrecedence(t *testing.T) {
	t.Setenv("GANTRY_SERVER_URL", "")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: http://file:1234\ntimeout: 5s\n"), 0o600))

	cfg, err := loadCLIConfig("", "")
	require.NoError(t, err)
	assert.Equal(t, defaultServerURL, cfg.Server)
	assert.Equal(t, defaultRequestTimeout, cfg.Timeout)

	cfg, err = loadCLIConfig(path, "")
	require.NoError(t, err)
	assert.Equal(t, "http://file:1234", cfg.Server)
	assert.Equal(t, 5*time.Second, cfg.Timeout)

	t.Setenv("GANTRY_SERVER_URL", "http://env:5678")
	cfg, err = loadCLIConfig(path, "")
	require.NoError(t, err)
	assert.Equal(t, "http://env:5678", cfg.Server)

	cfg, err = loadCLIConfig(path, "http://flag:9999")
	require.NoError(t, err)
	assert.Equal(t, "http://flag:9999", cfg.Server)
}

func TestLoadCLIConfigRejectsBadTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("timeout: banana\n"), 0o600))

	_, err := loadCLIConfig(path, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid timeout")
}

func TestCreateJobPostsPayload(t *testing.T) {
	var seen handler.CreateJobRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/jobs", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&seen))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		require.NoError(t, json.NewEncoder(w).Encode(handler.JobResponse{
			Job: handler.JobDTO{ID: "job-1", Status: "queued", Mode: "mechanic"},
		}))
	}))
	defer srv.Close()

	client := newAPIClient(srv.URL, time.Second)
	job, err := client.createJob(context.Background(), handler.CreateJobRequest{
		Goal:     "fix the flaky parser test",
		RepoPath: "/srv/repos/parser",
		Mode:     "mechanic",
		Caps:     &handler.CapsDTO{StepCap: 5},
	})
	require.NoError(t, err)

	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, "queued", job.Status)
	assert.Equal(t, "fix the flaky parser test", seen.Goal)
	assert.Equal(t, "/srv/repos/parser", seen.RepoPath)
	require.NotNil(t, seen.Caps)
	assert.Equal(t, 5, seen.Caps.StepCap)
}

func TestAPIErrorUsesEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		response.Conflict(w, "job is already terminal")
	}))
	defer srv.Close()

	client := newAPIClient(srv.URL, time.Second)
	_, err := client.cancelJob(context.Background(), "job-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CONFLICT")
	assert.Contains(t, err.Error(), "job is already terminal")
}

func TestAPIErrorIncludesFieldDetails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		response.ValidationError(w, "after", "must be a non-negative integer")
	}))
	defer srv.Close()

	client := newAPIClient(srv.URL, time.Second)
	_, err := client.listEvents(context.Background(), "job-1", 0, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "VALIDATION_ERROR")
	assert.Contains(t, err.Error(), "(after: must be a non-negative integer)")
}

// writeTestEventFrame emits one ledger event as an SSE frame the way the
// server does: seq as the id line, kind as the event name.
func writeTestEventFrame(t *testing.T, w http.ResponseWriter, seq int64, kind, summary string) {
	t.Helper()
	data, err := json.Marshal(handler.EventDTO{
		ID:        fmt.Sprintf("evt-%d", seq),
		JobID:     "job-1",
		Seq:       seq,
		Kind:      kind,
		Summary:   summary,
		CreatedAt: time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", seq, kind, data)
	require.NoError(t, err)
	w.(http.Flusher).Flush()
}

func TestStreamEventsDeliversFrames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/jobs/job-1/events/stream", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		writeTestEventFrame(t, w, 1, "info", "agent loop started")
		writeTestEventFrame(t, w, 2, "tool_call", "read_file")
	}))
	defer srv.Close()

	client := newAPIClient(srv.URL, time.Second)

	var seqs []int64
	last, overflowed, err := client.streamEvents(context.Background(), "job-1", 0, func(event handler.EventDTO) {
		seqs = append(seqs, event.Seq)
	})
	require.NoError(t, err)
	assert.False(t, overflowed)
	assert.Equal(t, int64(2), last)
	assert.Equal(t, []int64{1, 2}, seqs)
}

func TestStreamEventsKeepsLedgerErrorEventsApartFromStreamErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		// A ledger event whose kind happens to be "error" carries an id
		// line and must be delivered like any other event.
		writeTestEventFrame(t, w, 1, "error", "tool exited nonzero")
		// A control frame has no id line and ends the stream.
		_, err := fmt.Fprintf(w, "event: error\ndata: %s\n\n", `{"code":"STREAM_ERROR","message":"event stream failed"}`)
		require.NoError(t, err)
		w.(http.Flusher).Flush()
	}))
	defer srv.Close()

	client := newAPIClient(srv.URL, time.Second)

	var kinds []string
	last, overflowed, err := client.streamEvents(context.Background(), "job-1", 0, func(event handler.EventDTO) {
		kinds = append(kinds, event.Kind)
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "event stream failed")
	assert.False(t, overflowed)
	assert.Equal(t, int64(1), last)
	assert.Equal(t, []string{"error"}, kinds)
}

func TestFollowEventsReconnectsAfterOverflow(t *testing.T) {
	var (
		mu     sync.Mutex
		afters []string
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		afters = append(afters, r.URL.Query().Get("after"))
		call := len(afters)
		mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)

		if call == 1 {
			writeTestEventFrame(t, w, 1, "info", "agent loop started")
			writeTestEventFrame(t, w, 2, "plan", "inspect failing test")
			_, err := fmt.Fprintf(w, "event: overflow\ndata: %s\n\n",
				`{"code":"SUBSCRIBER_OVERFLOW","message":"stream fell behind; reconnect with the last seen seq"}`)
			require.NoError(t, err)
			w.(http.Flusher).Flush()
			return
		}

		writeTestEventFrame(t, w, 3, "completion", "done")
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := newAPIClient(srv.URL, time.Second)

	var seqs []int64
	err := client.followEvents(ctx, "job-1", 0, func(event handler.EventDTO) {
		seqs = append(seqs, event.Seq)
		if event.Seq == 3 {
			cancel()
		}
	})
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 2, 3}, seqs)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, afters, 2)
	assert.Equal(t, "", afters[0])
	assert.Equal(t, "2", afters[1], "reconnect must resume from the last delivered seq")
}

func TestFollowEventsReportsServerClose(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		writeTestEventFrame(t, w, 1, "info", "agent loop started")
	}))
	defer srv.Close()

	client := newAPIClient(srv.URL, time.Second)
	err := client.followEvents(context.Background(), "job-1", 0, func(handler.EventDTO) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed by server")
}

func TestStreamEventsSurfacesHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		response.NotFound(w, "job")
	}))
	defer srv.Close()

	client := newAPIClient(srv.URL, time.Second)
	_, overflowed, err := client.streamEvents(context.Background(), "missing", 0, func(handler.EventDTO) {})
	require.Error(t, err)
	assert.False(t, overflowed)
	assert.Contains(t, err.Error(), "NOT_FOUND")
}
