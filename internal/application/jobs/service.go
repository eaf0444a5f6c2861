// Package jobs is the producer-facing application service: submitting
// work, inspecting it, and steering its lifecycle from the outside
// (cancel, resume). Claiming and execution live in the worker package.
package jobs

import (
	"context"

	"github.com/gantrylab/gantry/internal/config"
	"github.com/gantrylab/gantry/internal/domain"
	"github.com/gantrylab/gantry/internal/metrics"
)

// Default list sizes.
const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// DefaultAgentType is assigned when a producer does not name one.
const DefaultAgentType = "coordinator"

// Service provides business logic for job submission and lifecycle
// steering.
type Service struct {
	repo    Repository
	budgets *config.BudgetConfig
}

// NewService creates a job service. budgets supplies per-mode default
// caps for jobs submitted without explicit caps.
func NewService(repo Repository, budgets *config.BudgetConfig) *Service {
	return &Service{repo: repo, budgets: budgets}
}

// SubmitParams carries producer input for a new job. Zero caps inherit
// the mode defaults; a zero Mode means mechanic.
type SubmitParams struct {
	Goal           string
	Mode           string
	AgentType      string
	RepoPath       string
	ConversationID *string
	ParentJobID    *string

	StepCap      int
	TokenCap     int
	CostCapCents int
}

// Submit validates producer input, resolves caps from the mode
// defaults, and persists the job in queued.
func (s *Service) Submit(ctx context.Context, params SubmitParams) (*domain.Job, error) {
	modeStr := params.Mode
	if modeStr == "" {
		modeStr = string(domain.ModeMechanic)
	}
	mode, err := domain.NewMode(modeStr)
	if err != nil {
		return nil, err
	}

	agentType := params.AgentType
	if agentType == "" {
		agentType = DefaultAgentType
	}

	caps := s.budgets.CapsFor(mode)
	if params.StepCap > 0 {
		caps.StepCap = params.StepCap
	}
	if params.TokenCap > 0 {
		caps.TokenCap = params.TokenCap
	}
	if params.CostCapCents > 0 {
		caps.CostCapCents = params.CostCapCents
	}

	job, err := domain.NewJob(domain.CreateJobParams{
		Goal:           params.Goal,
		Mode:           mode,
		AgentType:      agentType,
		RepoPath:       params.RepoPath,
		ConversationID: params.ConversationID,
		ParentJobID:    params.ParentJobID,
		Caps:           caps,
	})
	if err != nil {
		return nil, err
	}

	created, err := s.repo.CreateJob(ctx, job)
	if err != nil {
		return nil, err
	}

	metrics.IncJobsCreated(string(created.Mode))
	return created, nil
}

// Get retrieves a job by id.
func (s *Service) Get(ctx context.Context, id string) (*domain.Job, error) {
	return s.repo.FindJobByID(ctx, id)
}

// List retrieves jobs newest first, clamping the page size.
func (s *Service) List(ctx context.Context, params ListJobsParams) ([]*domain.Job, error) {
	if params.Limit <= 0 {
		params.Limit = DefaultListLimit
	}
	if params.Limit > MaxListLimit {
		params.Limit = MaxListLimit
	}
	return s.repo.ListJobs(ctx, params)
}

// Cancel requests cooperative cancellation. A queued job will be
// aborted before any worker runs it; a running job keeps its claimant
// until the worker observes the flag and unwinds.
func (s *Service) Cancel(ctx context.Context, id string) (*domain.Job, error) {
	return s.repo.RequestCancel(ctx, id)
}

// Resume returns an escalated job to the queue. Budget counters are
// preserved, so a job escalated at its cap will immediately exhaust
// again unless caps were raised.
func (s *Service) Resume(ctx context.Context, id string) (*domain.Job, error) {
	return s.repo.ResumeJob(ctx, id)
}

// CreateConversation starts a new conversation grouping for jobs.
func (s *Service) CreateConversation(ctx context.Context) (*domain.Conversation, error) {
	conv, err := domain.NewConversation()
	if err != nil {
		return nil, err
	}
	return s.repo.CreateConversation(ctx, conv)
}

// QueueDepth reports how many jobs are waiting for a mode.
func (s *Service) QueueDepth(ctx context.Context, mode domain.Mode) (int64, error) {
	return s.repo.QueueDepth(ctx, mode)
}
