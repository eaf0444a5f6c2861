// Package planner provides agent.Planner implementations for the
// worker binary: an HTTP adapter that delegates each step to a remote
// planner service, and an escalating fallback for deployments that
// have no planner wired.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/gantrylab/gantry/internal/application/agent"
	"github.com/gantrylab/gantry/internal/domain"
)

// Client retry tuning. Retries are bounded by the caller's context, so
// a planner timeout cuts the whole sequence short.
const (
	retryCount       = 2
	retryWaitTime    = 500 * time.Millisecond
	retryMaxWaitTime = 5 * time.Second
)

// planPath is the planner service endpoint proposals are posted to.
const planPath = "/v1/plan"

// HTTP asks a remote planner service for the next action. One POST per
// step: the request carries the goal, recent history and tool catalog;
// the response carries exactly one action.
type HTTP struct {
	client *resty.Client
}

var _ agent.Planner = (*HTTP)(nil)

// NewHTTP creates a planner client for the service at baseURL. token,
// when non-empty, is sent as a bearer token. timeout bounds a single
// attempt; the per-step context bounds the call as a whole.
func NewHTTP(baseURL, token string, timeout time.Duration) *HTTP {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(retryCount).
		SetRetryWaitTime(retryWaitTime).
		SetRetryMaxWaitTime(retryMaxWaitTime)
	if token != "" {
		client.SetAuthToken(token)
	}
	return &HTTP{client: client}
}

// Propose implements agent.Planner.
func (p *HTTP) Propose(ctx context.Context, req agent.PlanRequest) (agent.Action, error) {
	var proposal proposalDTO

	resp, err := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(newStepRequest(req)).
		SetResult(&proposal).
		Post(planPath)
	if err != nil {
		return agent.Action{}, fmt.Errorf("planner request failed: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return agent.Action{}, fmt.Errorf("planner returned %d: %s", resp.StatusCode(), resp.String())
	}

	return proposal.toAction()
}

// stepRequestDTO is the request body for one planning step.
type stepRequestDTO struct {
	Goal      string             `json:"goal"`
	AgentType string             `json:"agent_type"`
	Mode      string             `json:"mode"`
	History   []historyEventDTO  `json:"history"`
	Catalog   []agent.Descriptor `json:"catalog"`
}

// historyEventDTO is the slice of a ledger event the planner sees.
type historyEventDTO struct {
	Seq      int64            `json:"seq"`
	Kind     domain.EventKind `json:"kind"`
	ToolName string           `json:"tool_name,omitempty"`
	Params   json.RawMessage  `json:"params,omitempty"`
	Result   json.RawMessage  `json:"result,omitempty"`
	Summary  string           `json:"summary,omitempty"`
}

// proposalDTO is the planner service's answer: exactly one action.
type proposalDTO struct {
	Action     string          `json:"action"`
	Tool       string          `json:"tool,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
	Answer     string          `json:"answer,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	TokensUsed int             `json:"tokens_used"`
	CostCents  int             `json:"cost_cents"`
}

func newStepRequest(req agent.PlanRequest) stepRequestDTO {
	history := make([]historyEventDTO, 0, len(req.History))
	for _, ev := range req.History {
		history = append(history, historyEventDTO{
			Seq:      ev.Seq,
			Kind:     ev.Kind,
			ToolName: ev.ToolName,
			Params:   ev.Params,
			Result:   ev.Result,
			Summary:  ev.Summary,
		})
	}
	catalog := req.Catalog
	if catalog == nil {
		catalog = []agent.Descriptor{}
	}
	return stepRequestDTO{
		Goal:      req.Goal,
		AgentType: req.AgentType,
		Mode:      string(req.Mode),
		History:   history,
		Catalog:   catalog,
	}
}

func (p proposalDTO) toAction() (agent.Action, error) {
	action := agent.Action{
		TokensUsed: p.TokensUsed,
		CostCents:  p.CostCents,
	}

	switch agent.ActionKind(p.Action) {
	case agent.ActionCall:
		if p.Tool == "" {
			return agent.Action{}, fmt.Errorf("planner proposed a call without a tool")
		}
		action.Kind = agent.ActionCall
		action.Tool = p.Tool
		action.Params = p.Params
	case agent.ActionAnswer:
		action.Kind = agent.ActionAnswer
		action.Answer = p.Answer
	case agent.ActionEscalate:
		action.Kind = agent.ActionEscalate
		action.Reason = p.Reason
	default:
		return agent.Action{}, fmt.Errorf("planner proposed unknown action %q", p.Action)
	}

	return action, nil
}
