package jobs

import (
	"context"

	"github.com/gantrylab/gantry/internal/domain"
)

// Repository defines the storage operations the producer-facing service
// needs. Worker-side claim and budget operations live on the worker
// package's Coordinator interface.
type Repository interface {
	// CreateJob persists a new queued job.
	// Returns domain.ErrDuplicateJob when the id already exists and
	// domain.ErrConversationNotFound when the referenced conversation
	// is missing.
	CreateJob(ctx context.Context, job *domain.Job) (*domain.Job, error)

	// FindJobByID retrieves a job.
	// Returns domain.ErrJobNotFound if it doesn't exist.
	FindJobByID(ctx context.Context, id string) (*domain.Job, error)

	// ListJobs retrieves jobs filtered and paged by params, newest
	// first.
	ListJobs(ctx context.Context, params ListJobsParams) ([]*domain.Job, error)

	// RequestCancel atomically flips a queued or running job to
	// cancelling and stamps cancel_requested_at. Cancelling a job
	// already in cancelling is a no-op returning the current row.
	// Returns domain.ErrJobNotFound or domain.ErrInvalidTransition
	// (terminal or waiting_human jobs cannot be cancelled).
	RequestCancel(ctx context.Context, id string) (*domain.Job, error)

	// ResumeJob atomically returns a waiting_human job to the queue
	// with budget counters preserved.
	// Returns domain.ErrJobNotFound or domain.ErrInvalidTransition.
	ResumeJob(ctx context.Context, id string) (*domain.Job, error)

	// CreateConversation persists a new conversation.
	CreateConversation(ctx context.Context, conv *domain.Conversation) (*domain.Conversation, error)

	// QueueDepth counts queued jobs for a mode.
	QueueDepth(ctx context.Context, mode domain.Mode) (int64, error)
}

// ListJobsParams filters ListJobs. Zero values mean no filter; Limit
// is clamped by the service.
type ListJobsParams struct {
	Status         domain.Status
	Mode           domain.Mode
	ConversationID string
	Limit          int
}
