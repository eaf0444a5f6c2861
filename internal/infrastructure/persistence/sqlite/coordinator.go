package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gantrylab/gantry/internal/domain"
)

// === Job Claiming & Liveness ===

// ClaimOne atomically claims the oldest eligible job in the mode, FIFO
// by created_at with id tie-break. The immediate transaction holds the
// database write lock, so two claimants cannot pick the same row. The
// scan also covers unclaimed cancelling rows: a job cancelled while
// still queued has no claimant to unwind it, so the scan finalizes it
// to aborted instead of handing it out.
func (s *Store) ClaimOne(ctx context.Context, mode domain.Mode, claimant string) (*domain.Job, error) {
	var claimed *domain.Job
	err := s.withTx(ctx, "claim job", func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT `+jobColumns+`
			FROM jobs
			WHERE mode = ?
				AND (status = 'queued' OR (status = 'cancelling' AND claimant IS NULL))
			ORDER BY created_at, id
			LIMIT 1`, string(mode))
		job, err := scanJob(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil // no jobs available
			}
			return classify("select claimable job", err)
		}

		now := time.Now().UTC()

		if job.Status == domain.StatusCancelling {
			_, err := tx.ExecContext(ctx, `
				UPDATE jobs
				SET status = 'aborted', finished_at = ?, current_action = ''
				WHERE id = ?`, toNanos(now), job.ID)
			if err != nil {
				return classify("abort cancelled job", err)
			}
			return nil // nothing handed out this poll
		}

		// The domain transition owns the timestamp side-effects; the
		// update just persists them.
		if err := job.Claim(claimant, now); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = ?, claimant = ?, started_at = ?, last_heartbeat_at = ?
			WHERE id = ?`,
			string(job.Status), claimant, toNanos(*job.StartedAt), toNanos(*job.LastHeartbeatAt), job.ID)
		if err != nil {
			return classify("mark job running", err)
		}
		claimed = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Heartbeat refreshes the claim lease. Heartbeats keep flowing while a
// cancel request is being unwound, so cancelling rows count as held.
func (s *Store) Heartbeat(ctx context.Context, jobID, claimant string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET last_heartbeat_at = ?
		WHERE id = ? AND claimant = ? AND status IN ('running', 'cancelling')`,
		toNanos(time.Now().UTC()), jobID, claimant)
	if err != nil {
		return classify("heartbeat", err)
	}
	return s.checkClaimed(ctx, res, jobID, claimant)
}

// GetJob fetches the current job state.
func (s *Store) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	return getJob(ctx, s.db, jobID)
}

// === Job Completion ===

// MarkTerminal finalizes a job the claimant owns. succeeded and failed
// close out a run, aborted closes out a cancel request; anything else
// is rejected before touching the database.
func (s *Store) MarkTerminal(ctx context.Context, jobID, claimant string, status domain.Status) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: %s is not terminal", domain.ErrInvalidTransition, status)
	}
	from := domain.StatusRunning
	if status == domain.StatusAborted {
		from = domain.StatusCancelling
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, finished_at = ?, claimant = NULL,
			last_heartbeat_at = NULL, current_action = ''
		WHERE id = ? AND claimant = ? AND status = ?`,
		string(status), toNanos(time.Now().UTC()), jobID, claimant, string(from))
	if err != nil {
		return classify("mark terminal", err)
	}
	return s.checkClaimed(ctx, res, jobID, claimant)
}

// Escalate parks a running job in waiting_human. The claim is released
// but started_at survives so the run stays attributable after resume.
func (s *Store) Escalate(ctx context.Context, jobID, claimant string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'waiting_human', claimant = NULL, last_heartbeat_at = NULL
		WHERE id = ? AND claimant = ? AND status = 'running'`,
		jobID, claimant)
	if err != nil {
		return classify("escalate job", err)
	}
	return s.checkClaimed(ctx, res, jobID, claimant)
}

// CancelOwned durably requests cancellation of a job the claimant still
// holds. A repeat request under the same claim is a no-op.
func (s *Store) CancelOwned(ctx context.Context, jobID, claimant string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'cancelling', cancel_requested_at = ?
		WHERE id = ? AND claimant = ? AND status = 'running'`,
		toNanos(time.Now().UTC()), jobID, claimant)
	if err != nil {
		return classify("cancel owned job", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify("cancel owned job", err)
	}
	if n > 0 {
		return nil
	}

	job, err := getJob(ctx, s.db, jobID)
	if err != nil {
		return err
	}
	if job.Claimant == nil || *job.Claimant != claimant {
		return fmt.Errorf("%w: job %s", domain.ErrJobOwnershipLost, jobID)
	}
	if job.Status == domain.StatusCancelling {
		return nil
	}
	return fmt.Errorf("%w: cancel from %s", domain.ErrInvalidTransition, job.Status)
}

// checkClaimed resolves the outcome of a claimant-guarded update.
func (s *Store) checkClaimed(ctx context.Context, res sql.Result, jobID, claimant string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return classify("read rows affected", err)
	}
	if n == 0 {
		return s.resolveClaimFailure(ctx, jobID, claimant)
	}
	return nil
}

// === Recovery ===

// RequeueStale rescues running jobs whose claimant stopped
// heartbeating. Budget counters survive; the claim fields reset so the
// next claim starts a fresh run.
func (s *Store) RequeueStale(ctx context.Context, staleAfter time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-staleAfter)
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'queued', claimant = NULL, started_at = NULL,
			last_heartbeat_at = NULL, current_action = ''
		WHERE status = 'running'
			AND (last_heartbeat_at IS NULL OR last_heartbeat_at < ?)`,
		toNanos(cutoff))
	if err != nil {
		return 0, classify("requeue stale jobs", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify("requeue stale jobs", err)
	}
	return int(n), nil
}

// === Cancellation Feed ===

// SubscribeToCancellations reports no push feed: SQLite has no
// LISTEN/NOTIFY equivalent, so claim holders observe cancellation
// through status polling alone.
func (s *Store) SubscribeToCancellations(ctx context.Context) (<-chan string, error) {
	return nil, nil
}
