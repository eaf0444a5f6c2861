package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/gantrylab/gantry/internal/domain"
)

// cancellationChannel is the NOTIFY channel carrying ids of jobs whose
// cancellation was requested.
const cancellationChannel = "gantry_job_cancellations"

// === Job Claiming & Liveness ===

// ClaimOne atomically claims the oldest eligible job in the mode, FIFO
// by created_at with id tie-break. The scan also covers unclaimed
// cancelling rows: a job cancelled while still queued has no claimant
// to unwind it, so the scan finalizes it to aborted instead of handing
// it out.
func (s *Store) ClaimOne(ctx context.Context, mode domain.Mode, claimant string) (*domain.Job, error) {
	var claimed *domain.Job
	err := s.withTx(ctx, "claim job", func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT `+jobColumns+`
			FROM jobs
			WHERE mode = $1
				AND (status = 'queued' OR (status = 'cancelling' AND claimant IS NULL))
			ORDER BY created_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED`, string(mode))
		job, err := scanJob(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil // no jobs available
			}
			return classify("select claimable job", err)
		}

		if job.Status == domain.StatusCancelling {
			_, err := tx.Exec(ctx, `
				UPDATE jobs
				SET status = 'aborted', finished_at = now(), current_action = ''
				WHERE id = $1`, job.ID)
			if err != nil {
				return classify("abort cancelled job", err)
			}
			return nil // nothing handed out this poll
		}

		row = tx.QueryRow(ctx, `
			UPDATE jobs
			SET status = 'running', claimant = $2,
				started_at = COALESCE(started_at, now()),
				last_heartbeat_at = now()
			WHERE id = $1
			RETURNING `+jobColumns, job.ID, claimant)
		claimed, err = scanJob(row)
		if err != nil {
			return classify("mark job running", err)
		}
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
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET last_heartbeat_at = now()
		WHERE id = $1 AND claimant = $2 AND status IN ('running', 'cancelling')`,
		jobID, claimant)
	if err != nil {
		return classify("heartbeat", err)
	}
	if tag.RowsAffected() == 0 {
		return s.resolveClaimFailure(ctx, jobID, claimant)
	}
	return nil
}

// GetJob fetches the current job state.
func (s *Store) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	return getJob(ctx, s.pool, jobID)
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

	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $3, finished_at = now(), claimant = NULL,
			last_heartbeat_at = NULL, current_action = ''
		WHERE id = $1 AND claimant = $2 AND status = $4`,
		jobID, claimant, string(status), string(from))
	if err != nil {
		return classify("mark terminal", err)
	}
	if tag.RowsAffected() == 0 {
		return s.resolveClaimFailure(ctx, jobID, claimant)
	}
	return nil
}

// Escalate parks a running job in waiting_human. The claim is released
// but started_at survives so the run stays attributable after resume.
func (s *Store) Escalate(ctx context.Context, jobID, claimant string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'waiting_human', claimant = NULL, last_heartbeat_at = NULL
		WHERE id = $1 AND claimant = $2 AND status = 'running'`,
		jobID, claimant)
	if err != nil {
		return classify("escalate job", err)
	}
	if tag.RowsAffected() == 0 {
		return s.resolveClaimFailure(ctx, jobID, claimant)
	}
	return nil
}

// CancelOwned durably requests cancellation of a job the claimant still
// holds. A repeat request under the same claim is a no-op.
func (s *Store) CancelOwned(ctx context.Context, jobID, claimant string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'cancelling', cancel_requested_at = now()
		WHERE id = $1 AND claimant = $2 AND status = 'running'`,
		jobID, claimant)
	if err != nil {
		return classify("cancel owned job", err)
	}
	if tag.RowsAffected() > 0 {
		s.notifyCancellation(ctx, jobID)
		return nil
	}

	job, err := getJob(ctx, s.pool, jobID)
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

// === Recovery ===

// RequeueStale rescues running jobs whose claimant stopped
// heartbeating. Budget counters survive; the claim fields reset so the
// next claim starts a fresh run.
func (s *Store) RequeueStale(ctx context.Context, staleAfter time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-staleAfter)
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'queued', claimant = NULL, started_at = NULL,
			last_heartbeat_at = NULL, current_action = ''
		WHERE status = 'running'
			AND (last_heartbeat_at IS NULL OR last_heartbeat_at < $1)`,
		cutoff)
	if err != nil {
		return 0, classify("requeue stale jobs", err)
	}
	return int(tag.RowsAffected()), nil
}

// === Cancellation Feed ===

// notifyCancellation pings listeners about a cancel request.
// Best-effort: the status row is already durable, so workers fall back
// to polling when the ping is lost.
func (s *Store) notifyCancellation(ctx context.Context, jobID string) {
	_, err := s.pool.Exec(ctx, "SELECT pg_notify('"+cancellationChannel+"', $1)", jobID)
	if err != nil {
		slog.WarnContext(ctx, "failed to send cancellation notification",
			"job_id", jobID,
			"error", err,
		)
	}
}

// SubscribeToCancellations delivers cancelled job ids over a dedicated
// LISTEN connection until ctx ends. The channel closes on any listen
// failure; the durable status remains the source of truth.
func (s *Store) SubscribeToCancellations(ctx context.Context) (<-chan string, error) {
	// Acquire a dedicated connection for LISTEN/NOTIFY
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, classify("acquire listen connection", err)
	}

	if _, err := conn.Exec(ctx, "LISTEN "+cancellationChannel); err != nil {
		conn.Release()
		return nil, classify("listen to cancellation channel", err)
	}

	ch := make(chan string, 10)

	go func() {
		defer close(ch)
		defer conn.Release()
		defer func() {
			_, _ = conn.Exec(context.Background(), "UNLISTEN "+cancellationChannel)
		}()

		for {
			notification, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				// Context done or connection gone; the closed channel
				// tells the worker to rely on status polling.
				return
			}
			select {
			case ch <- notification.Payload:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}
