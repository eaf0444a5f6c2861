package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/gantrylab/gantry/internal/application/ledger"
	"github.com/gantrylab/gantry/internal/domain"
)

// === Event Log ===

// AppendEvent persists one event, assigning the job's next seq under
// the job row lock so per-job order is dense and gap-free.
func (s *Store) AppendEvent(ctx context.Context, event *domain.Event) (*domain.Event, error) {
	stored := *event
	err := s.withTx(ctx, "append event", func(tx pgx.Tx) error {
		seq, err := nextEventSeq(ctx, tx, event.JobID)
		if err != nil {
			return err
		}
		stored.Seq = seq
		return insertEvent(ctx, tx, &stored)
	})
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

// AppendEventCharging persists one event and applies the budget charge
// to its job in the same transaction. Usage counters saturate at their
// caps; currentAction, when non-empty, replaces the job's current one.
func (s *Store) AppendEventCharging(ctx context.Context, event *domain.Event, charge ledger.Charge, currentAction string) (*domain.Event, domain.Usage, error) {
	if charge.Steps < 0 || charge.Tokens < 0 || charge.CostCents < 0 {
		return nil, domain.Usage{}, fmt.Errorf("%w: steps %d, tokens %d, cost %d",
			domain.ErrNegativeCharge, charge.Steps, charge.Tokens, charge.CostCents)
	}

	stored := *event
	var usage domain.Usage
	err := s.withTx(ctx, "append event charging", func(tx pgx.Tx) error {
		// One UPDATE takes the row lock, hands out the seq and applies
		// the charge, so the event and its budget effect commit together.
		row := tx.QueryRow(ctx, `
			UPDATE jobs
			SET next_event_seq = next_event_seq + 1,
				steps_used = LEAST(step_cap, steps_used + $2),
				tokens_used = LEAST(token_cap, tokens_used + $3),
				cost_used_cents = LEAST(cost_cap_cents, cost_used_cents + $4),
				current_action = CASE WHEN $5 <> '' THEN $5 ELSE current_action END
			WHERE id = $1
			RETURNING next_event_seq - 1, steps_used, tokens_used, cost_used_cents`,
			event.JobID, charge.Steps, charge.Tokens, charge.CostCents, currentAction)
		var seq int64
		if err := row.Scan(&seq, &usage.StepsUsed, &usage.TokensUsed, &usage.CostUsedCents); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: %s", domain.ErrJobNotFound, event.JobID)
			}
			return classify("charge budget", err)
		}
		stored.Seq = seq
		return insertEvent(ctx, tx, &stored)
	})
	if err != nil {
		return nil, domain.Usage{}, err
	}
	return &stored, usage, nil
}

// nextEventSeq hands out the job's next sequence number, locking the
// job row for the rest of the transaction.
func nextEventSeq(ctx context.Context, tx pgx.Tx, jobID string) (int64, error) {
	var seq int64
	err := tx.QueryRow(ctx, `
		UPDATE jobs SET next_event_seq = next_event_seq + 1
		WHERE id = $1
		RETURNING next_event_seq - 1`, jobID).Scan(&seq)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
		}
		return 0, classify("advance event seq", err)
	}
	return seq, nil
}

// insertEvent writes the row and backfills the store-assigned
// timestamp.
func insertEvent(ctx context.Context, tx pgx.Tx, event *domain.Event) error {
	var createdAt time.Time
	err := tx.QueryRow(ctx, `
		INSERT INTO events (id, job_id, seq, trace_id, kind, tool_name,
			params, result, summary, tokens_used, cost_cents)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at`,
		event.ID, event.JobID, event.Seq, event.TraceID, string(event.Kind),
		event.ToolName, event.Params, event.Result, event.Summary,
		event.TokensUsed, event.CostCents,
	).Scan(&createdAt)
	if err != nil {
		return classify("insert event", err)
	}
	event.CreatedAt = createdAt.UTC()
	return nil
}

// ListEvents returns up to limit events for the job with Seq >
// afterSeq, oldest first.
func (s *Store) ListEvents(ctx context.Context, jobID string, afterSeq int64, limit int) ([]*domain.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, seq, trace_id, kind, tool_name, params, result,
			summary, tokens_used, cost_cents, created_at
		FROM events
		WHERE job_id = $1 AND seq > $2
		ORDER BY seq
		LIMIT $3`, jobID, afterSeq, limit)
	if err != nil {
		return nil, classify("list events", err)
	}
	defer rows.Close()

	var out []*domain.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, classify("scan event row", err)
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list events", err)
	}
	return out, nil
}

// scanEvent converts one event row into a domain event.
func scanEvent(row pgx.Row) (*domain.Event, error) {
	var (
		event domain.Event
		kind  string
	)
	err := row.Scan(
		&event.ID, &event.JobID, &event.Seq, &event.TraceID, &kind,
		&event.ToolName, &event.Params, &event.Result, &event.Summary,
		&event.TokensUsed, &event.CostCents, &event.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	event.Kind = domain.EventKind(kind)
	event.CreatedAt = event.CreatedAt.UTC()
	return &event, nil
}
