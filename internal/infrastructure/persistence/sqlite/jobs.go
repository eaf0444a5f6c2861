package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gantrylab/gantry/internal/application/jobs"
	"github.com/gantrylab/gantry/internal/domain"
)

// === Job Creation & Lookup ===

// CreateJob persists a new queued job. SQLite constraint errors do not
// name the violated column, so the referenced rows are checked inside
// the insert transaction instead.
func (s *Store) CreateJob(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	created := *job
	created.CreatedAt = time.Now().UTC()

	err := s.withTx(ctx, "create job", func(tx *sql.Tx) error {
		if job.ConversationID != nil {
			ok, err := rowExists(ctx, tx, `SELECT 1 FROM conversations WHERE id = ?`, *job.ConversationID)
			if err != nil {
				return classify("check conversation", err)
			}
			if !ok {
				return fmt.Errorf("%w: %s", domain.ErrConversationNotFound, *job.ConversationID)
			}
		}
		if job.ParentJobID != nil {
			ok, err := rowExists(ctx, tx, `SELECT 1 FROM jobs WHERE id = ?`, *job.ParentJobID)
			if err != nil {
				return classify("check parent job", err)
			}
			if !ok {
				return fmt.Errorf("%w: parent job %s", domain.ErrJobNotFound, *job.ParentJobID)
			}
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (id, goal, mode, agent_type, status, repo_path,
				conversation_id, parent_job_id, step_cap, token_cap, cost_cap_cents, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			job.ID, job.Goal, string(job.Mode), job.AgentType, string(job.Status),
			job.RepoPath, job.ConversationID, job.ParentJobID,
			job.Caps.StepCap, job.Caps.TokenCap, job.Caps.CostCapCents,
			toNanos(created.CreatedAt),
		)
		if err != nil {
			if isConstraint(err) {
				return fmt.Errorf("%w: %s", domain.ErrDuplicateJob, job.ID)
			}
			return classify("create job", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// FindJobByID retrieves a job by its ID.
func (s *Store) FindJobByID(ctx context.Context, id string) (*domain.Job, error) {
	return getJob(ctx, s.db, id)
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
		conds = append(conds, "status = ?")
		args = append(args, string(params.Status))
	}
	if params.Mode != "" {
		conds = append(conds, "mode = ?")
		args = append(args, string(params.Mode))
	}
	if params.ConversationID != "" {
		conds = append(conds, "conversation_id = ?")
		args = append(args, params.ConversationID)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, params.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
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

// RequestCancel flips a queued or running job to cancelling.
// Cancelling an already-cancelling job is a no-op returning the row;
// claim holders observe the flip through status polling.
func (s *Store) RequestCancel(ctx context.Context, id string) (*domain.Job, error) {
	var job *domain.Job
	err := s.withTx(ctx, "request cancel", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = 'cancelling', cancel_requested_at = ?
			WHERE id = ? AND status IN ('queued', 'running')`,
			toNanos(time.Now().UTC()), id)
		if err != nil {
			return classify("request cancel", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return classify("request cancel", err)
		}

		current, err := getJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if n == 0 && current.Status != domain.StatusCancelling {
			return fmt.Errorf("%w: cancel from %s", domain.ErrInvalidTransition, current.Status)
		}
		job = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ResumeJob returns a waiting_human job to the queue. Budget counters
// stay where the escalated run left them.
func (s *Store) ResumeJob(ctx context.Context, id string) (*domain.Job, error) {
	var job *domain.Job
	err := s.withTx(ctx, "resume job", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = 'queued', claimant = NULL, started_at = NULL,
				last_heartbeat_at = NULL, current_action = ''
			WHERE id = ? AND status = 'waiting_human'`, id)
		if err != nil {
			return classify("resume job", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return classify("resume job", err)
		}
		if n == 0 {
			current, gerr := getJob(ctx, tx, id)
			if gerr != nil {
				return gerr
			}
			return fmt.Errorf("%w: resume from %s", domain.ErrInvalidTransition, current.Status)
		}
		job, err = getJob(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// === Conversations ===

// CreateConversation persists a new conversation thread.
func (s *Store) CreateConversation(ctx context.Context, conv *domain.Conversation) (*domain.Conversation, error) {
	created := *conv
	created.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, created_at) VALUES (?, ?)`,
		conv.ID, toNanos(created.CreatedAt))
	if err != nil {
		if isConstraint(err) {
			return nil, fmt.Errorf("conversation %s already exists", conv.ID)
		}
		return nil, classify("create conversation", err)
	}
	return &created, nil
}

// === Queue Introspection ===

// QueueDepth counts queued jobs in the mode.
func (s *Store) QueueDepth(ctx context.Context, mode domain.Mode) (int64, error) {
	var depth int64
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM jobs WHERE status = 'queued' AND mode = ?`,
		string(mode)).Scan(&depth)
	if err != nil {
		return 0, classify("count queued jobs", err)
	}
	return depth, nil
}

// rowExists runs an existence probe returning false on no rows.
func rowExists(ctx context.Context, q querier, query string, args ...any) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
