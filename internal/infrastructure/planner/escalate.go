package planner

import (
	"context"

	"github.com/gantrylab/gantry/internal/application/agent"
)

// DefaultEscalateReason is used when no reason is configured.
const DefaultEscalateReason = "no planner configured for this worker"

// Escalate is the fallback planner: it proposes no work and parks every
// job for human review. Workers run it when GANTRY_PLANNER_URL is
// unset, so a misconfigured pool never burns budget or touches a repo.
type Escalate struct {
	reason string
}

var _ agent.Planner = (*Escalate)(nil)

// NewEscalate creates the fallback planner. reason may be empty.
func NewEscalate(reason string) *Escalate {
	if reason == "" {
		reason = DefaultEscalateReason
	}
	return &Escalate{reason: reason}
}

// Propose implements agent.Planner.
func (e *Escalate) Propose(_ context.Context, _ agent.PlanRequest) (agent.Action, error) {
	return agent.Action{Kind: agent.ActionEscalate, Reason: e.reason}, nil
}
