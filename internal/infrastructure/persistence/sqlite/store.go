// Package sqlite implements the job store on SQLite through the
// pure-Go modernc.org driver. It serves single-node deployments,
// development and the store compliance suite. Transactions open with
// BEGIN IMMEDIATE, standing in for the Postgres store's SKIP LOCKED
// claim reservation; there is no push channel for cancellations, so
// workers rely on status polling.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	sqlite3 "modernc.org/sqlite"

	"github.com/gantrylab/gantry/internal/application/jobs"
	"github.com/gantrylab/gantry/internal/application/ledger"
	"github.com/gantrylab/gantry/internal/application/worker"
	"github.com/gantrylab/gantry/internal/domain"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// defaultBusyTimeout is how long a connection waits on a locked
// database before reporting SQLITE_BUSY.
const defaultBusyTimeout = 5 * time.Second

// Store provides the SQLite implementation of all store interfaces.
type Store struct {
	db *sql.DB
}

// Compile-time verification that Store implements all store interfaces.
var (
	_ jobs.Repository    = (*Store)(nil)
	_ ledger.Store       = (*Store)(nil)
	_ worker.Coordinator = (*Store)(nil)
)

// Open opens (or creates) the SQLite database at dsn, applies the
// connection pragmas, runs the embedded migrations and returns a ready
// store. dsn is a path, a file: URI, or file::memory: for an
// in-memory database.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", applyPragmas(dsn))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection keeps in-memory databases coherent and makes the
	// single-writer serialization explicit.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// applyPragmas decorates the DSN with the connection settings:
// immediate transactions, busy timeout, WAL journaling, foreign keys
// and NORMAL synchronous writes.
func applyPragmas(dsn string) string {
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + fmt.Sprintf(
		"_txlock=immediate&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)",
		defaultBusyTimeout.Milliseconds())
}

// runMigrations applies the embedded goose migrations.
func runMigrations(db *sql.DB) error {
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	goose.SetBaseFS(embedMigrations)
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying connection for health checks and raw
// queries in tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// withTx runs fn inside an immediate transaction, rolling back on
// error and committing on success.
func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin "+op, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify("commit "+op, err)
	}
	return nil
}

// === Error Classification ===

// sqliteCode extracts the extended result code from a driver error.
func sqliteCode(err error) (int, bool) {
	var se *sqlite3.Error
	if errors.As(err, &se) {
		return se.Code(), true
	}
	return 0, false
}

// isBusy reports lock contention worth retrying.
func isBusy(err error) bool {
	code, ok := sqliteCode(err)
	return ok && (code&0xff == 5 || code&0xff == 6) // SQLITE_BUSY, SQLITE_LOCKED
}

// isConstraint reports a constraint violation of any flavor. SQLite
// does not name the violated column, so callers that need to tell
// foreign keys apart check row existence before writing.
func isConstraint(err error) bool {
	code, ok := sqliteCode(err)
	return ok && code&0xff == 19 // SQLITE_CONSTRAINT
}

// classify wraps a driver error, marking lock contention as retryable
// so callers can back off instead of failing the job.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("failed to %s: %w", op, err)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return wrapped
	}
	if isBusy(err) {
		return worker.Transient(wrapped)
	}
	return wrapped
}

// === Row Scanning ===

// jobColumns is the canonical column list every job query selects, kept
// in one place so scanJob stays in lockstep with the schema.
const jobColumns = `id, goal, mode, agent_type, status, repo_path, conversation_id, parent_job_id,
	step_cap, token_cap, cost_cap_cents, steps_used, tokens_used, cost_used_cents,
	claimant, current_action, created_at, started_at, last_heartbeat_at, cancel_requested_at, finished_at`

// rowScanner is the subset of sql.Row and sql.Rows scanJob needs.
type rowScanner interface {
	Scan(dest ...any) error
}

// querier is the subset of sql.DB and sql.Tx shared by the lookup
// helpers.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// scanJob converts one jobColumns row into a domain job.
func scanJob(row rowScanner) (*domain.Job, error) {
	var (
		job             domain.Job
		mode            string
		status          string
		conversationID  sql.NullString
		parentJobID     sql.NullString
		claimant        sql.NullString
		createdAt       int64
		startedAt       sql.NullInt64
		lastHeartbeatAt sql.NullInt64
		cancelRequested sql.NullInt64
		finishedAt      sql.NullInt64
	)
	err := row.Scan(
		&job.ID, &job.Goal, &mode, &job.AgentType, &status, &job.RepoPath,
		&conversationID, &parentJobID,
		&job.Caps.StepCap, &job.Caps.TokenCap, &job.Caps.CostCapCents,
		&job.Usage.StepsUsed, &job.Usage.TokensUsed, &job.Usage.CostUsedCents,
		&claimant, &job.CurrentAction,
		&createdAt, &startedAt, &lastHeartbeatAt, &cancelRequested, &finishedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Mode = domain.Mode(mode)
	job.Status = domain.Status(status)
	job.ConversationID = nullableString(conversationID)
	job.ParentJobID = nullableString(parentJobID)
	job.Claimant = nullableString(claimant)
	job.CreatedAt = fromNanos(createdAt)
	job.StartedAt = nullableTime(startedAt)
	job.LastHeartbeatAt = nullableTime(lastHeartbeatAt)
	job.CancelRequestedAt = nullableTime(cancelRequested)
	job.FinishedAt = nullableTime(finishedAt)
	return &job, nil
}

// getJob fetches a job through any querier. Returns
// domain.ErrJobNotFound when absent.
func getJob(ctx context.Context, q querier, id string) (*domain.Job, error) {
	row := q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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
	job, err := getJob(ctx, s.db, jobID)
	if err != nil {
		return err
	}
	if job.Claimant == nil || *job.Claimant != claimant {
		return fmt.Errorf("%w: job %s", domain.ErrJobOwnershipLost, jobID)
	}
	return fmt.Errorf("%w: job %s is %s", domain.ErrInvalidTransition, jobID, job.Status)
}

// === Time Conversion ===

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullableTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func nullableString(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	v := n.String
	return &v
}
