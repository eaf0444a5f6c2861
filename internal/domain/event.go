package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventKind classifies ledger records. The set is closed for writers;
// consumers encountering an unknown kind must pass it through, not reject.
type EventKind string

const (
	EventInfo       EventKind = "info"
	EventPlan       EventKind = "plan"
	EventDecision   EventKind = "decision"
	EventToolCall   EventKind = "tool_call"
	EventToolResult EventKind = "tool_result"
	EventError      EventKind = "error"
	EventEscalation EventKind = "escalation"
	EventEvaluation EventKind = "evaluation"
	EventCompletion EventKind = "completion"
)

// NewEventKind validates and creates an EventKind.
func NewEventKind(s string) (EventKind, error) {
	kind := EventKind(strings.ToLower(s))

	switch kind {
	case EventInfo, EventPlan, EventDecision, EventToolCall, EventToolResult,
		EventError, EventEscalation, EventEvaluation, EventCompletion:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrInvalidEventKind, s)
	}
}

// Event is an immutable ledger record. ID, Seq and CreatedAt are assigned by
// the store on append; everything else is supplied by the emitter. Seq is the
// per-job total order: dense, starting at 1, with no gaps.
type Event struct {
	ID      string
	JobID   string
	Seq     int64
	TraceID string

	Kind     EventKind
	ToolName string
	Params   json.RawMessage
	Result   json.RawMessage
	Summary  string

	TokensUsed *int
	CostCents  *int

	CreatedAt time.Time
}

// Validate checks the fields an emitter must supply before append.
func (e *Event) Validate() error {
	if e.JobID == "" {
		return fmt.Errorf("%w: event job_id", ErrInvalidID)
	}
	if _, err := NewEventKind(string(e.Kind)); err != nil {
		return err
	}
	return nil
}
