package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantrylab/gantry/internal/application/jobs"
	"github.com/gantrylab/gantry/internal/application/ledger"
	"github.com/gantrylab/gantry/internal/config"
	"github.com/gantrylab/gantry/internal/domain"
	"github.com/gantrylab/gantry/internal/infrastructure/http/handler"
)

// stubRepository implements jobs.Repository with canned behavior per
// test. Unset functions panic so tests fail loudly on unexpected calls.
type stubRepository struct {
	createJob     func(ctx context.Context, job *domain.Job) (*domain.Job, error)
	findJobByID   func(ctx context.Context, id string) (*domain.Job, error)
	listJobs      func(ctx context.Context, params jobs.ListJobsParams) ([]*domain.Job, error)
	requestCancel func(ctx context.Context, id string) (*domain.Job, error)
	resumeJob     func(ctx context.Context, id string) (*domain.Job, error)
	createConv    func(ctx context.Context, conv *domain.Conversation) (*domain.Conversation, error)
}

func (s *stubRepository) CreateJob(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	if s.createJob == nil {
		panic("unexpected CreateJob")
	}
	return s.createJob(ctx, job)
}

func (s *stubRepository) FindJobByID(ctx context.Context, id string) (*domain.Job, error) {
	if s.findJobByID == nil {
		panic("unexpected FindJobByID")
	}
	return s.findJobByID(ctx, id)
}

func (s *stubRepository) ListJobs(ctx context.Context, params jobs.ListJobsParams) ([]*domain.Job, error) {
	if s.listJobs == nil {
		panic("unexpected ListJobs")
	}
	return s.listJobs(ctx, params)
}

func (s *stubRepository) RequestCancel(ctx context.Context, id string) (*domain.Job, error) {
	if s.requestCancel == nil {
		panic("unexpected RequestCancel")
	}
	return s.requestCancel(ctx, id)
}

func (s *stubRepository) ResumeJob(ctx context.Context, id string) (*domain.Job, error) {
	if s.resumeJob == nil {
		panic("unexpected ResumeJob")
	}
	return s.resumeJob(ctx, id)
}

func (s *stubRepository) CreateConversation(ctx context.Context, conv *domain.Conversation) (*domain.Conversation, error) {
	if s.createConv == nil {
		panic("unexpected CreateConversation")
	}
	return s.createConv(ctx, conv)
}

func (s *stubRepository) QueueDepth(ctx context.Context, mode domain.Mode) (int64, error) {
	panic("unexpected QueueDepth")
}

// stubEventStore implements ledger.Store over a fixed event slice.
type stubEventStore struct {
	events []*domain.Event
}

func (s *stubEventStore) AppendEvent(ctx context.Context, event *domain.Event) (*domain.Event, error) {
	panic("unexpected AppendEvent")
}

func (s *stubEventStore) AppendEventCharging(ctx context.Context, event *domain.Event, charge ledger.Charge, currentAction string) (*domain.Event, domain.Usage, error) {
	panic("unexpected AppendEventCharging")
}

func (s *stubEventStore) ListEvents(ctx context.Context, jobID string, afterSeq int64, limit int) ([]*domain.Event, error) {
	var page []*domain.Event
	for _, e := range s.events {
		if limit > 0 && len(page) >= limit {
			break
		}
		if e.JobID == jobID && e.Seq > afterSeq {
			page = append(page, e)
		}
	}
	return page, nil
}

func defaultBudgets(t *testing.T) *config.BudgetConfig {
	t.Helper()
	budgets := &config.BudgetConfig{}
	require.NoError(t, budgets.Validate())
	return budgets
}

func newTestRouter(t *testing.T, repo *stubRepository, store *stubEventStore) http.Handler {
	t.Helper()
	if store == nil {
		store = &stubEventStore{}
	}
	svc := jobs.NewService(repo, defaultBudgets(t))
	led := ledger.New(store, 8)
	return handler.NewAPI(svc, led).Router()
}

func queuedJob(t *testing.T, goal string) *domain.Job {
	t.Helper()
	job, err := domain.NewJob(domain.CreateJobParams{
		Goal:      goal,
		Mode:      domain.ModeMechanic,
		AgentType: "coordinator",
		RepoPath:  "/srv/repos/api",
		Caps:      domain.Caps{StepCap: 20, TokenCap: 50000, CostCapCents: 500},
	})
	require.NoError(t, err)
	job.CreatedAt = time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	return job
}

func decodeErrorBody(t *testing.T, w *httptest.ResponseRecorder) (code string, details []map[string]string) {
	t.Helper()
	var resp struct {
		Error struct {
			Code    string              `json:"code"`
			Details []map[string]string `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp.Error.Code, resp.Error.Details
}

// === Job submission ===

func TestCreateJob_Success(t *testing.T) {
	repo := &stubRepository{
		createJob: func(ctx context.Context, job *domain.Job) (*domain.Job, error) {
			stored := *job
			stored.CreatedAt = time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
			return &stored, nil
		},
	}
	router := newTestRouter(t, repo, nil)

	body := `{"goal":"fix the flaky auth test","repo_path":"/srv/repos/api"}`
	req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code, "body: %s", w.Body.String())

	var resp handler.JobResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.NotEmpty(t, resp.Job.ID)
	assert.Equal(t, "queued", resp.Job.Status)
	assert.Equal(t, "mechanic", resp.Job.Mode, "mode defaults to mechanic")
	assert.Equal(t, "coordinator", resp.Job.AgentType, "agent type defaults to coordinator")
	assert.Equal(t, config.DefaultMechanicStepCap, resp.Job.Caps.StepCap, "caps default per mode")
	assert.Zero(t, resp.Job.Usage.StepsUsed)
}

func TestCreateJob_CapsOverride(t *testing.T) {
	repo := &stubRepository{
		createJob: func(ctx context.Context, job *domain.Job) (*domain.Job, error) {
			return job, nil
		},
	}
	router := newTestRouter(t, repo, nil)

	body := `{"goal":"migrate the schema","mode":"genius","repo_path":"/srv/repos/api","caps":{"step_cap":3}}`
	req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)

	var resp handler.JobResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, 3, resp.Job.Caps.StepCap, "explicit cap wins")
	assert.Equal(t, config.DefaultGeniusTokenCap, resp.Job.Caps.TokenCap, "unset caps inherit mode defaults")
}

func TestCreateJob_InvalidJSON(t *testing.T) {
	router := newTestRouter(t, &stubRepository{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader([]byte(`{goal:`)))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	code, _ := decodeErrorBody(t, w)
	assert.Equal(t, "INVALID_REQUEST", code)
}

func TestCreateJob_MissingGoal(t *testing.T) {
	router := newTestRouter(t, &stubRepository{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(`{"repo_path":"/srv/repos/api"}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	code, details := decodeErrorBody(t, w)
	assert.Equal(t, "VALIDATION_ERROR", code)
	require.Len(t, details, 1)
	assert.Equal(t, "goal", details[0]["field"])
}

func TestCreateJob_DuplicateConflict(t *testing.T) {
	repo := &stubRepository{
		createJob: func(ctx context.Context, job *domain.Job) (*domain.Job, error) {
			return nil, domain.ErrDuplicateJob
		},
	}
	router := newTestRouter(t, repo, nil)

	body := `{"goal":"fix it","repo_path":"/srv/repos/api"}`
	req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
}

// === Job lookup and steering ===

func TestGetJob_NotFound(t *testing.T) {
	repo := &stubRepository{
		findJobByID: func(ctx context.Context, id string) (*domain.Job, error) {
			return nil, domain.ErrJobNotFound
		},
	}
	router := newTestRouter(t, repo, nil)

	req := httptest.NewRequest(http.MethodGet, "/jobs/0194e001-0000-7000-8000-000000000001", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	code, _ := decodeErrorBody(t, w)
	assert.Equal(t, "NOT_FOUND", code)
}

func TestGetJob_Success(t *testing.T) {
	job := queuedJob(t, "add request tracing")
	repo := &stubRepository{
		findJobByID: func(ctx context.Context, id string) (*domain.Job, error) {
			assert.Equal(t, job.ID, id)
			return job, nil
		},
	}
	router := newTestRouter(t, repo, nil)

	req := httptest.NewRequest(http.MethodGet, "/jobs/"+job.ID, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp handler.JobResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, job.ID, resp.Job.ID)
	assert.Equal(t, "add request tracing", resp.Job.Goal)
	assert.Nil(t, resp.Job.Claimant)
}

func TestListJobs_FiltersParsed(t *testing.T) {
	var got jobs.ListJobsParams
	repo := &stubRepository{
		listJobs: func(ctx context.Context, params jobs.ListJobsParams) ([]*domain.Job, error) {
			got = params
			return nil, nil
		},
	}
	router := newTestRouter(t, repo, nil)

	req := httptest.NewRequest(http.MethodGet, "/jobs?status=running&mode=genius&limit=5", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, domain.StatusRunning, got.Status)
	assert.Equal(t, domain.ModeGenius, got.Mode)
	assert.Equal(t, 5, got.Limit)

	var resp handler.ListJobsResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.NotNil(t, resp.Jobs, "empty result must encode as [] not null")
}

func TestListJobs_RejectsUnknownStatus(t *testing.T) {
	router := newTestRouter(t, &stubRepository{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/jobs?status=exploded", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelJob_TerminalConflict(t *testing.T) {
	repo := &stubRepository{
		requestCancel: func(ctx context.Context, id string) (*domain.Job, error) {
			return nil, domain.ErrInvalidTransition
		},
	}
	router := newTestRouter(t, repo, nil)

	req := httptest.NewRequest(http.MethodPost, "/jobs/0194e001-0000-7000-8000-000000000001/cancel", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestResumeJob_Success(t *testing.T) {
	job := queuedJob(t, "resume me")
	repo := &stubRepository{
		resumeJob: func(ctx context.Context, id string) (*domain.Job, error) {
			return job, nil
		},
	}
	router := newTestRouter(t, repo, nil)

	req := httptest.NewRequest(http.MethodPost, "/jobs/"+job.ID+"/resume", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

// === Conversations ===

func TestCreateConversation_Success(t *testing.T) {
	repo := &stubRepository{
		createConv: func(ctx context.Context, conv *domain.Conversation) (*domain.Conversation, error) {
			stored := *conv
			stored.CreatedAt = time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
			return &stored, nil
		},
	}
	router := newTestRouter(t, repo, nil)

	req := httptest.NewRequest(http.MethodPost, "/conversations", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)

	var resp handler.ConversationResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.NotEmpty(t, resp.Conversation.ID)
}
