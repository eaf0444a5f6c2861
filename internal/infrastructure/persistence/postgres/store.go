// Package postgres implements the job store on PostgreSQL with pgx.
// Claiming relies on FOR UPDATE SKIP LOCKED row reservation and
// cancellation is pushed to workers over LISTEN/NOTIFY, so the package
// serves multi-node deployments where several workers poll one queue.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gantrylab/gantry/internal/application/jobs"
	"github.com/gantrylab/gantry/internal/application/ledger"
	"github.com/gantrylab/gantry/internal/application/worker"
	"github.com/gantrylab/gantry/internal/domain"
)

// Store provides the PostgreSQL implementation of all store interfaces.
//
// This store implements:
// - application/jobs.Repository (producer-facing job and conversation operations)
// - application/ledger.Store (append-only event log with budget charging)
// - application/worker.Coordinator (claim protocol, liveness, recovery)
type Store struct {
	pool *pgxpool.Pool
}

// Compile-time verification that Store implements all store interfaces.
var (
	_ jobs.Repository    = (*Store)(nil)
	_ ledger.Store       = (*Store)(nil)
	_ worker.Coordinator = (*Store)(nil)
)

// NewStore creates a new PostgreSQL store with the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool returns the underlying connection pool.
// This is useful for health checks and raw queries in tests.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the database connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// withTx runs fn inside a transaction, rolling back on error and
// committing on success.
func (s *Store) withTx(ctx context.Context, op string, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classify("begin "+op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return classify("commit "+op, err)
	}
	return nil
}

// === Error Classification ===

// transientPgCode reports whether a SQLSTATE names a condition worth
// retrying: connection loss, serialization failures, deadlocks,
// resource exhaustion, server shutdown.
func transientPgCode(code string) bool {
	switch {
	case strings.HasPrefix(code, "08"): // connection_exception
		return true
	case code == "40001" || code == "40P01": // serialization_failure, deadlock_detected
		return true
	case strings.HasPrefix(code, "53"): // insufficient_resources
		return true
	case strings.HasPrefix(code, "57P"): // operator_intervention
		return true
	default:
		return false
	}
}

// classify wraps a driver error, marking transient conditions as
// retryable so callers can back off instead of failing the job.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("failed to %s: %w", op, err)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return wrapped
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if transientPgCode(pgErr.Code) {
			return worker.Transient(wrapped)
		}
		return wrapped
	}
	if pgconn.SafeToRetry(err) {
		return worker.Transient(wrapped)
	}
	return wrapped
}

// isUniqueViolation checks if an error is a PostgreSQL unique violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// isForeignKeyViolation checks if an error is a PostgreSQL FK violation
// on the given column.
func isForeignKeyViolation(err error, column string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 23503 is foreign_key_violation
		if pgErr.Code == "23503" {
			if column == "" {
				return true
			}
			// Check if the constraint name or message contains the column
			return strings.Contains(pgErr.ConstraintName, column) ||
				strings.Contains(pgErr.Message, column)
		}
	}
	return false
}

// === Row Scanning ===

// jobColumns is the canonical column list every job query selects, kept
// in one place so scanJob stays in lockstep with the schema.
const jobColumns = `id, goal, mode, agent_type, status, repo_path, conversation_id, parent_job_id,
	step_cap, token_cap, cost_cap_cents, steps_used, tokens_used, cost_used_cents,
	claimant, current_action, created_at, started_at, last_heartbeat_at, cancel_requested_at, finished_at`

// querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// scanJob converts one jobColumns row into a domain job.
func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		job    domain.Job
		mode   string
		status string
	)
	err := row.Scan(
		&job.ID, &job.Goal, &mode, &job.AgentType, &status, &job.RepoPath,
		&job.ConversationID, &job.ParentJobID,
		&job.Caps.StepCap, &job.Caps.TokenCap, &job.Caps.CostCapCents,
		&job.Usage.StepsUsed, &job.Usage.TokensUsed, &job.Usage.CostUsedCents,
		&job.Claimant, &job.CurrentAction,
		&job.CreatedAt, &job.StartedAt, &job.LastHeartbeatAt,
		&job.CancelRequestedAt, &job.FinishedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Mode = domain.Mode(mode)
	job.Status = domain.Status(status)
	job.CreatedAt = job.CreatedAt.UTC()
	normalizeTime(&job.StartedAt)
	normalizeTime(&job.LastHeartbeatAt)
	normalizeTime(&job.CancelRequestedAt)
	normalizeTime(&job.FinishedAt)
	return &job, nil
}

func normalizeTime(t **time.Time) {
	if *t != nil {
		utc := (*t).UTC()
		*t = &utc
	}
}

// getJob fetches a job through any querier. Returns
// domain.ErrJobNotFound when absent.
func getJob(ctx context.Context, q querier, id string) (*domain.Job, error) {
	row := q.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
		}
		return nil, classify("get job", err)
	}
	return job, nil
}

// resolveClaimFailure explains why a claimant-guarded update matched no
// rows: the job vanished, another actor holds it, or its status no
// longer admits the change.
func (s *Store) resolveClaimFailure(ctx context.Context, jobID, claimant string) error {
	job, err := getJob(ctx, s.pool, jobID)
	if err != nil {
		return err
	}
	if job.Claimant == nil || *job.Claimant != claimant {
		return fmt.Errorf("%w: job %s", domain.ErrJobOwnershipLost, jobID)
	}
	return fmt.Errorf("%w: job %s is %s", domain.ErrInvalidTransition, jobID, job.Status)
}
