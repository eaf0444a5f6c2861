package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/gantrylab/gantry/internal/application/jobs"
	"github.com/gantrylab/gantry/internal/domain"
	"github.com/gantrylab/gantry/internal/infrastructure/http/response"
)

// CreateJobRequest is the producer payload for a new job. Mode defaults
// to mechanic and agent_type to the coordinator when omitted; zero or
// missing caps inherit the mode defaults.
type CreateJobRequest struct {
	Goal           string   `json:"goal"`
	Mode           string   `json:"mode,omitempty"`
	AgentType      string   `json:"agent_type,omitempty"`
	RepoPath       string   `json:"repo_path"`
	ConversationID *string  `json:"conversation_id,omitempty"`
	ParentJobID    *string  `json:"parent_job_id,omitempty"`
	Caps           *CapsDTO `json:"caps,omitempty"`
}

// JobResponse wraps a single job.
type JobResponse struct {
	Job JobDTO `json:"job"`
}

// ListJobsResponse wraps a job page.
type ListJobsResponse struct {
	Jobs []JobDTO `json:"jobs"`
}

// CreateJob handles POST /v1/jobs.
func (a *API) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid JSON")
		return
	}

	params := jobs.SubmitParams{
		Goal:           req.Goal,
		Mode:           req.Mode,
		AgentType:      req.AgentType,
		RepoPath:       req.RepoPath,
		ConversationID: req.ConversationID,
		ParentJobID:    req.ParentJobID,
	}
	if req.Caps != nil {
		params.StepCap = req.Caps.StepCap
		params.TokenCap = req.Caps.TokenCap
		params.CostCapCents = req.Caps.CostCapCents
	}

	job, err := a.jobs.Submit(r.Context(), params)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	slog.InfoContext(r.Context(), "job submitted via HTTP",
		"job_id", job.ID,
		"mode", string(job.Mode),
		"agent_type", job.AgentType)

	response.Created(w, JobResponse{Job: MapJobToDTO(job)})
}

// GetJob handles GET /v1/jobs/{id}.
func (a *API) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	response.OK(w, JobResponse{Job: MapJobToDTO(job)})
}

// ListJobs handles GET /v1/jobs. Optional query filters: status, mode,
// conversation_id, limit.
func (a *API) ListJobs(w http.ResponseWriter, r *http.Request) {
	params := jobs.ListJobsParams{
		ConversationID: r.URL.Query().Get("conversation_id"),
	}

	if raw := r.URL.Query().Get("status"); raw != "" {
		status, err := domain.NewStatus(raw)
		if err != nil {
			response.FromDomainError(w, r, err)
			return
		}
		params.Status = status
	}
	if raw := r.URL.Query().Get("mode"); raw != "" {
		mode, err := domain.NewMode(raw)
		if err != nil {
			response.FromDomainError(w, r, err)
			return
		}
		params.Mode = mode
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			response.ValidationError(w, "limit", "must be a non-negative integer")
			return
		}
		params.Limit = limit
	}

	page, err := a.jobs.List(r.Context(), params)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	response.OK(w, ListJobsResponse{Jobs: MapJobsToDTO(page)})
}

// CancelJob handles POST /v1/jobs/{id}/cancel. Cancellation is
// cooperative: the response reflects the flip to cancelling (or
// straight to aborted for queued jobs); the final unwinding is the
// claimant's job.
func (a *API) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := a.jobs.Cancel(r.Context(), id)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	slog.InfoContext(r.Context(), "job cancellation requested via HTTP",
		"job_id", job.ID,
		"status", string(job.Status))

	response.OK(w, JobResponse{Job: MapJobToDTO(job)})
}

// ResumeJob handles POST /v1/jobs/{id}/resume. Only waiting_human jobs
// can resume; budget counters carry over.
func (a *API) ResumeJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := a.jobs.Resume(r.Context(), id)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	slog.InfoContext(r.Context(), "job resumed via HTTP", "job_id", job.ID)

	response.OK(w, JobResponse{Job: MapJobToDTO(job)})
}
