package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/gantrylab/gantry/internal/application/jobs"
	"github.com/gantrylab/gantry/internal/domain"
	"github.com/gantrylab/gantry/internal/ptr"
)

// === Job Creation & Lookup ===

// CreateJob persists a new queued job. created_at is assigned by the
// database so FIFO order matches insertion order.
func (s *Store) CreateJob(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO jobs (id, goal, mode, agent_type, status, repo_path,
			conversation_id, parent_job_id, step_cap, token_cap, cost_cap_cents)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING `+jobColumns,
		job.ID, job.Goal, string(job.Mode), job.AgentType, string(job.Status),
		job.RepoPath, job.ConversationID, job.ParentJobID,
		job.Caps.StepCap, job.Caps.TokenCap, job.Caps.CostCapCents,
	)
	created, err := scanJob(row)
	if err != nil {
		switch {
		case isUniqueViolation(err):
			return nil, fmt.Errorf("%w: %s", domain.ErrDuplicateJob, job.ID)
		case isForeignKeyViolation(err, "conversation_id"):
			return nil, fmt.Errorf("%w: %s", domain.ErrConversationNotFound, ptr.Deref(job.ConversationID, ""))
		case isForeignKeyViolation(err, "parent_job_id"):
			return nil, fmt.Errorf("%w: parent job %s", domain.ErrJobNotFound, ptr.Deref(job.ParentJobID, ""))
		}
		return nil, classify("create job", err)
	}
	return created, nil
}

// FindJobByID retrieves a job by its ID.
func (s *Store) FindJobByID(ctx context.Context, id string) (*domain.Job, error) {
	return getJob(ctx, s.pool, id)
}

// ListJobs retrieves jobs newest first, filtered by the zero-skipping
// params.
func (s *Store) ListJobs(ctx context.Context, params jobs.ListJobsParams) ([]*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var (
		conds []string
		args  []any
	)
	if params.Status != "" {
		args = append(args, string(params.Status))
		conds = append(conds, "status = $"+strconv.Itoa(len(args)))
	}
	if params.Mode != "" {
		args = append(args, string(params.Mode))
		conds = append(conds, "mode = $"+strconv.Itoa(len(args)))
	}
	if params.ConversationID != "" {
		args = append(args, params.ConversationID)
		conds = append(conds, "conversation_id = $"+strconv.Itoa(len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, params.Limit)
	query += " ORDER BY created_at DESC, id DESC LIMIT $" + strconv.Itoa(len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify("list jobs", err)
	}
	defer rows.Close()

	var out []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, classify("scan job row", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list jobs", err)
	}
	return out, nil
}

// === Producer-Side Lifecycle ===

// RequestCancel flips a queued or running job to cancelling and pings
// the cancellation channel so claim holders find out without polling.
// Cancelling an already-cancelling job is a no-op returning the row.
func (s *Store) RequestCancel(ctx context.Context, id string) (*domain.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = 'cancelling', cancel_requested_at = now()
		WHERE id = $1 AND status IN ('queued', 'running')
		RETURNING `+jobColumns, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return s.explainCancelFailure(ctx, id)
		}
		return nil, classify("request cancel", err)
	}

	s.notifyCancellation(ctx, id)
	return job, nil
}

// explainCancelFailure distinguishes a repeat cancel request (legal
// no-op) from a cancel the state machine forbids.
func (s *Store) explainCancelFailure(ctx context.Context, id string) (*domain.Job, error) {
	job, err := getJob(ctx, s.pool, id)
	if err != nil {
		return nil, err
	}
	if job.Status == domain.StatusCancelling {
		return job, nil
	}
	return nil, fmt.Errorf("%w: cancel from %s", domain.ErrInvalidTransition, job.Status)
}

// ResumeJob returns a waiting_human job to the queue. Budget counters
// stay where the escalated run left them.
func (s *Store) ResumeJob(ctx context.Context, id string) (*domain.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = 'queued', claimant = NULL, started_at = NULL,
			last_heartbeat_at = NULL, current_action = ''
		WHERE id = $1 AND status = 'waiting_human'
		RETURNING `+jobColumns, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			current, gerr := getJob(ctx, s.pool, id)
			if gerr != nil {
				return nil, gerr
			}
			return nil, fmt.Errorf("%w: resume from %s", domain.ErrInvalidTransition, current.Status)
		}
		return nil, classify("resume job", err)
	}
	return job, nil
}

// === Conversations ===

// CreateConversation persists a new conversation thread.
func (s *Store) CreateConversation(ctx context.Context, conv *domain.Conversation) (*domain.Conversation, error) {
	var createdAt time.Time
	err := s.pool.QueryRow(ctx,
		`INSERT INTO conversations (id) VALUES ($1) RETURNING created_at`,
		conv.ID).Scan(&createdAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("conversation %s already exists", conv.ID)
		}
		return nil, classify("create conversation", err)
	}
	return &domain.Conversation{ID: conv.ID, CreatedAt: createdAt.UTC()}, nil
}

// === Queue Introspection ===

// QueueDepth counts queued jobs in the mode.
func (s *Store) QueueDepth(ctx context.Context, mode domain.Mode) (int64, error) {
	var depth int64
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM jobs WHERE status = 'queued' AND mode = $1`,
		string(mode)).Scan(&depth)
	if err != nil {
		return 0, classify("count queued jobs", err)
	}
	return depth, nil
}
