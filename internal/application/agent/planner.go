package agent

import (
	"context"
	"encoding/json"

	"github.com/gantrylab/gantry/internal/domain"
)

// ActionKind discriminates the planner's decision for one step.
type ActionKind string

const (
	// ActionCall invokes a tool.
	ActionCall ActionKind = "call"
	// ActionAnswer terminates the job with success.
	ActionAnswer ActionKind = "answer"
	// ActionEscalate terminates the job pending human input.
	ActionEscalate ActionKind = "escalate"
)

// Action is the planner's decision. Tool and Params are set for call,
// Answer for answer, Reason for escalate. TokensUsed and CostCents
// account for the planner invocation itself.
type Action struct {
	Kind ActionKind

	Tool   string
	Params json.RawMessage

	Answer string
	Reason string

	TokensUsed int
	CostCents  int
}

// PlanRequest is everything the planner sees for one step: the goal,
// the recent ledger history, and the tool catalog.
type PlanRequest struct {
	Goal      string
	AgentType string
	Mode      domain.Mode
	History   []*domain.Event
	Catalog   []Descriptor
}

// Planner is the external LLM adapter. The loop bounds every call with
// its planner timeout; implementations should honor ctx.
type Planner interface {
	Propose(ctx context.Context, req PlanRequest) (Action, error)
}
