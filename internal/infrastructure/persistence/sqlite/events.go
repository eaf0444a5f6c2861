package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gantrylab/gantry/internal/application/ledger"
	"github.com/gantrylab/gantry/internal/domain"
)

// === Event Log ===

// AppendEvent persists one event, assigning the job's next seq. The
// immediate transaction holds the write lock, so per-job order is
// dense and gap-free.
func (s *Store) AppendEvent(ctx context.Context, event *domain.Event) (*domain.Event, error) {
	stored := *event
	err := s.withTx(ctx, "append event", func(tx *sql.Tx) error {
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
	err := s.withTx(ctx, "append event charging", func(tx *sql.Tx) error {
		seq, err := nextEventSeq(ctx, tx, event.JobID)
		if err != nil {
			return err
		}
		stored.Seq = seq

		// MIN() is SQLite's scalar least(); the counters saturate at
		// their caps.
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs
			SET steps_used = MIN(step_cap, steps_used + ?),
				tokens_used = MIN(token_cap, tokens_used + ?),
				cost_used_cents = MIN(cost_cap_cents, cost_used_cents + ?),
				current_action = CASE WHEN ? <> '' THEN ? ELSE current_action END
			WHERE id = ?`,
			charge.Steps, charge.Tokens, charge.CostCents,
			currentAction, currentAction, event.JobID)
		if err != nil {
			return classify("charge budget", err)
		}

		err = tx.QueryRowContext(ctx,
			`SELECT steps_used, tokens_used, cost_used_cents FROM jobs WHERE id = ?`,
			event.JobID).Scan(&usage.StepsUsed, &usage.TokensUsed, &usage.CostUsedCents)
		if err != nil {
			return classify("read usage", err)
		}

		return insertEvent(ctx, tx, &stored)
	})
	if err != nil {
		return nil, domain.Usage{}, err
	}
	return &stored, usage, nil
}

// nextEventSeq hands out the job's next sequence number.
func nextEventSeq(ctx context.Context, tx *sql.Tx, jobID string) (int64, error) {
	var seq int64
	err := tx.QueryRowContext(ctx,
		`SELECT next_event_seq FROM jobs WHERE id = ?`, jobID).Scan(&seq)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
		}
		return 0, classify("read event seq", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET next_event_seq = next_event_seq + 1 WHERE id = ?`, jobID); err != nil {
		return 0, classify("advance event seq", err)
	}
	return seq, nil
}

// insertEvent writes the row and backfills the store-assigned
// timestamp.
func insertEvent(ctx context.Context, tx *sql.Tx, event *domain.Event) error {
	event.CreatedAt = time.Now().UTC()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO events (id, job_id, seq, trace_id, kind, tool_name,
			params, result, summary, tokens_used, cost_cents, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.JobID, event.Seq, event.TraceID, string(event.Kind),
		event.ToolName, []byte(event.Params), []byte(event.Result), event.Summary,
		event.TokensUsed, event.CostCents, toNanos(event.CreatedAt),
	)
	if err != nil {
		return classify("insert event", err)
	}
	return nil
}

// ListEvents returns up to limit events for the job with Seq >
// afterSeq, oldest first.
func (s *Store) ListEvents(ctx context.Context, jobID string, afterSeq int64, limit int) ([]*domain.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, seq, trace_id, kind, tool_name, params, result,
			summary, tokens_used, cost_cents, created_at
		FROM events
		WHERE job_id = ? AND seq > ?
		ORDER BY seq
		LIMIT ?`, jobID, afterSeq, limit)
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
func scanEvent(row rowScanner) (*domain.Event, error) {
	var (
		event      domain.Event
		kind       string
		params     []byte
		result     []byte
		tokensUsed sql.NullInt64
		costCents  sql.NullInt64
		createdAt  int64
	)
	err := row.Scan(
		&event.ID, &event.JobID, &event.Seq, &event.TraceID, &kind,
		&event.ToolName, &params, &result, &event.Summary,
		&tokensUsed, &costCents, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	event.Kind = domain.EventKind(kind)
	event.Params = params
	event.Result = result
	event.TokensUsed = nullableInt(tokensUsed)
	event.CostCents = nullableInt(costCents)
	event.CreatedAt = fromNanos(createdAt)
	return &event, nil
}

func nullableInt(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}
