// Package ledger owns the append-only event log: durable writes through
// the store, plus best-effort fan-out to in-process subscribers. Every
// subscriber observes a job's events in store order; a backfill joined
// with the live feed at a seq cursor yields a gapless stream.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gantrylab/gantry/internal/domain"
	"github.com/gantrylab/gantry/internal/metrics"
)

// DefaultSubscriberBuffer is the per-subscriber channel capacity when
// the caller does not configure one.
const DefaultSubscriberBuffer = 256

// List page bounds.
const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// followPageSize is the backfill page size used by Follow.
const followPageSize = 256

// followPollInterval paces the live-phase store poll. The hub only
// carries appends from this process; the poll picks up events written
// by workers running elsewhere.
const followPollInterval = time.Second

// ErrSubscriberOverflow is returned by Follow when the live feed
// dropped this subscriber for falling behind. The caller may re-attach
// with the last seq it observed.
var ErrSubscriberOverflow = errors.New("event subscriber overflowed")

// Charge carries monotone budget increments applied atomically with an
// event append.
type Charge struct {
	Steps     int
	Tokens    int
	CostCents int
}

// Store defines the persistence operations the ledger needs.
type Store interface {
	// AppendEvent persists an event, assigning Seq (per-job monotone)
	// and CreatedAt. Returns domain.ErrJobNotFound when the job does
	// not exist.
	AppendEvent(ctx context.Context, event *domain.Event) (*domain.Event, error)

	// AppendEventCharging persists an event and applies the budget
	// increments to its job in the same transaction. Usage counters
	// saturate at their caps. Returns the stored event and the job's
	// usage after the charge.
	AppendEventCharging(ctx context.Context, event *domain.Event, charge Charge, currentAction string) (*domain.Event, domain.Usage, error)

	// ListEvents returns up to limit events for the job with Seq >
	// afterSeq, in seq order.
	ListEvents(ctx context.Context, jobID string, afterSeq int64, limit int) ([]*domain.Event, error)
}

// AppendParams carries emitter input for a new event. Seq, CreatedAt
// and the event id are assigned on append.
type AppendParams struct {
	JobID    string
	TraceID  string
	Kind     domain.EventKind
	ToolName string
	Params   json.RawMessage
	Result   json.RawMessage
	Summary  string

	TokensUsed *int
	CostCents  *int
}

// Ledger binds the durable event log to the in-process fan-out hub.
type Ledger struct {
	store Store
	hub   *hub
}

// New creates a ledger. subscriberBuffer bounds each live feed; zero
// or negative uses DefaultSubscriberBuffer.
func New(store Store, subscriberBuffer int) *Ledger {
	return &Ledger{
		store: store,
		hub:   newHub(subscriberBuffer),
	}
}

func buildEvent(params AppendParams) (*domain.Event, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate event ID: %w", err)
	}
	event := &domain.Event{
		ID:         id.String(),
		JobID:      params.JobID,
		TraceID:    params.TraceID,
		Kind:       params.Kind,
		ToolName:   params.ToolName,
		Params:     params.Params,
		Result:     params.Result,
		Summary:    params.Summary,
		TokensUsed: params.TokensUsed,
		CostCents:  params.CostCents,
	}
	if err := event.Validate(); err != nil {
		return nil, err
	}
	return event, nil
}

// Append durably writes an event, then notifies subscribers. A slow
// subscriber never blocks the append.
func (l *Ledger) Append(ctx context.Context, params AppendParams) (*domain.Event, error) {
	event, err := buildEvent(params)
	if err != nil {
		return nil, err
	}

	stored, err := l.store.AppendEvent(ctx, event)
	if err != nil {
		return nil, err
	}

	l.hub.publish(stored)
	metrics.IncEventsAppended(string(stored.Kind))
	return stored, nil
}

// AppendCharging durably writes an event and applies the budget charge
// to its job in one transaction, then notifies subscribers. Returns the
// job's usage after the charge so the in-memory budget can reconcile.
func (l *Ledger) AppendCharging(ctx context.Context, params AppendParams, charge Charge, currentAction string) (*domain.Event, domain.Usage, error) {
	event, err := buildEvent(params)
	if err != nil {
		return nil, domain.Usage{}, err
	}

	stored, usage, err := l.store.AppendEventCharging(ctx, event, charge, currentAction)
	if err != nil {
		return nil, domain.Usage{}, err
	}

	l.hub.publish(stored)
	metrics.IncEventsAppended(string(stored.Kind))
	return stored, usage, nil
}

// List returns a page of historical events with Seq > afterSeq, oldest
// first, clamping the page size.
func (l *Ledger) List(ctx context.Context, jobID string, afterSeq int64, limit int) ([]*domain.Event, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	return l.store.ListEvents(ctx, jobID, afterSeq, limit)
}

// Subscribe attaches a live feed of future events for a job. The caller
// must Unsubscribe when done.
func (l *Ledger) Subscribe(jobID string) *Subscription {
	return l.hub.subscribe(jobID)
}

// Unsubscribe detaches a feed and closes its channel.
func (l *Ledger) Unsubscribe(s *Subscription) {
	l.hub.unsubscribe(s)
}

// Follow delivers every event with Seq > afterSeq in order: first the
// durable backfill, then the live tail, deduplicated at the join
// cursor. The tail merges hub pushes with a slow store poll, so events
// appended by other processes arrive too. It blocks until ctx is done
// (returning ctx.Err()), deliver returns an error, or the feed
// overflows (ErrSubscriberOverflow).
func (l *Ledger) Follow(ctx context.Context, jobID string, afterSeq int64, deliver func(*domain.Event) error) error {
	// Subscribing before the backfill read guarantees no gap: an event
	// committed after the last backfill page is published after this
	// point, so it shows up on the feed; duplicates are skipped by seq.
	sub := l.hub.subscribe(jobID)
	defer l.hub.unsubscribe(sub)

	last, err := l.replay(ctx, jobID, afterSeq, deliver)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(followPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item, ok := <-sub.C():
			if !ok {
				return nil
			}
			if item.Overflow {
				return ErrSubscriberOverflow
			}
			if item.Event.Seq <= last {
				continue
			}
			if err := deliver(item.Event); err != nil {
				return err
			}
			last = item.Event.Seq
		case <-ticker.C:
			last, err = l.replay(ctx, jobID, last, deliver)
			if err != nil {
				return err
			}
		}
	}
}

// replay delivers every stored event with Seq > afterSeq in order and
// returns the last seq delivered.
func (l *Ledger) replay(ctx context.Context, jobID string, afterSeq int64, deliver func(*domain.Event) error) (int64, error) {
	last := afterSeq
	for {
		page, err := l.store.ListEvents(ctx, jobID, last, followPageSize)
		if err != nil {
			return last, err
		}
		for _, e := range page {
			if err := deliver(e); err != nil {
				return last, err
			}
			last = e.Seq
		}
		if len(page) < followPageSize {
			return last, nil
		}
	}
}
