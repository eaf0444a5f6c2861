// Package agent runs the bounded per-job loop: ask the planner for the
// next action, gate and execute tool calls, account for budget, and
// record every move on the ledger. The loop is single-threaded per job
// and cooperates with cancellation at iteration boundaries.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/gantrylab/gantry/internal/application/ledger"
	"github.com/gantrylab/gantry/internal/domain"
	"github.com/gantrylab/gantry/internal/metrics"
	"github.com/gantrylab/gantry/internal/policy"
	"github.com/gantrylab/gantry/internal/quality"
)

// OutcomeKind is the loop's terminal disposition.
type OutcomeKind string

const (
	OutcomeSucceeded OutcomeKind = "succeeded"
	OutcomeFailed    OutcomeKind = "failed"
	OutcomeCancelled OutcomeKind = "cancelled"
	OutcomeEscalated OutcomeKind = "escalated"
)

// Outcome is what the loop hands back to the worker. Reason details
// failures and escalations; Answer carries the final text on success;
// Evaluation is set when the quality gate ran.
type Outcome struct {
	Kind       OutcomeKind
	Reason     string
	Answer     string
	Evaluation *quality.Evaluation
}

// CancelChecker reports whether cancellation has been requested for the
// job. The worker backs it with the durable status, short-circuited by
// the store's cancellation feed.
type CancelChecker func(ctx context.Context) (bool, error)

// EventSink is the slice of the ledger the loop writes through.
type EventSink interface {
	Append(ctx context.Context, params ledger.AppendParams) (*domain.Event, error)
	AppendCharging(ctx context.Context, params ledger.AppendParams, charge ledger.Charge, currentAction string) (*domain.Event, domain.Usage, error)
	List(ctx context.Context, jobID string, afterSeq int64, limit int) ([]*domain.Event, error)
}

// Loop defaults.
const (
	DefaultPlannerTimeout = 2 * time.Minute
	DefaultToolTimeout    = 30 * time.Second
	DefaultHistoryLimit   = 50

	// maxVerifierRetries is how many consecutive verifier failures the
	// planner may retry before the loop escalates.
	maxVerifierRetries = 3

	backfillPageSize = 256
)

// Config bounds the loop's external calls. Zero values fall back to
// the package defaults; a zero WallClock disables the time axis.
type Config struct {
	PlannerTimeout time.Duration
	ToolTimeout    time.Duration
	HistoryLimit   int
	WallClock      time.Duration
}

func (c Config) withDefaults() Config {
	if c.PlannerTimeout <= 0 {
		c.PlannerTimeout = DefaultPlannerTimeout
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = DefaultToolTimeout
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	return c
}

// Loop executes one claimed job to a terminal outcome.
type Loop struct {
	job       *domain.Job
	planner   Planner
	registry  *Registry
	sink      EventSink
	cancelled CancelChecker
	gate      *policy.Gate
	budget    *domain.Budget
	logger    *slog.Logger
	cfg       Config

	history          []*domain.Event
	report           quality.RunReport
	verifierFailures int
	traceID          string
}

// NewLoop builds a loop for one claimed job. The budget snapshots the
// job's counters at claim time.
func NewLoop(job *domain.Job, planner Planner, registry *Registry, sink EventSink, cancelled CancelChecker, logger *slog.Logger, cfg Config) *Loop {
	cfg = cfg.withDefaults()
	return &Loop{
		job:       job,
		planner:   planner,
		registry:  registry,
		sink:      sink,
		cancelled: cancelled,
		gate:      policy.NewGate(),
		budget:    domain.NewBudget(job, cfg.WallClock),
		logger:    logger,
		cfg:       cfg,
	}
}

// Run drives the job to a terminal outcome. It returns rather than
// panics: tool panics are contained per call, and anything escaping is
// the worker's problem to translate.
func (l *Loop) Run(ctx context.Context) Outcome {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		l.traceID = sc.TraceID().String()
	}
	if err := l.backfillHistory(ctx); err != nil {
		l.logger.WarnContext(ctx, "event history backfill failed, planner starts cold",
			slog.String("job_id", l.job.ID),
			slog.String("error", err.Error()))
	}

	catalog := l.registry.Catalog()

	for iteration := 0; ; iteration++ {
		// The iteration cap backs the steps axis: rejected calls and
		// unknown tools are not charged, so the counter alone must
		// still bound the loop.
		if iteration >= l.job.Caps.StepCap {
			return l.budgetExhausted(ctx, domain.ExhaustSteps)
		}

		if ctx.Err() != nil {
			return Outcome{Kind: OutcomeCancelled}
		}
		cancelled, err := l.cancelled(ctx)
		if err != nil {
			l.logger.WarnContext(ctx, "cancellation check failed",
				slog.String("job_id", l.job.ID),
				slog.String("error", err.Error()))
		} else if cancelled {
			return Outcome{Kind: OutcomeCancelled}
		}

		if reason, spent := l.budget.Exhausted(); spent {
			return l.budgetExhausted(ctx, reason)
		}

		action, err := l.propose(ctx, catalog)
		if err != nil {
			if ctx.Err() != nil {
				return Outcome{Kind: OutcomeCancelled}
			}
			l.appendError(ctx, fmt.Sprintf("planner failed: %v", err))
			return Outcome{Kind: OutcomeFailed, Reason: "planner_error"}
		}

		switch action.Kind {
		case ActionAnswer:
			return l.finish(ctx, action)
		case ActionEscalate:
			l.appendEscalation(ctx, action.Reason, action)
			return Outcome{Kind: OutcomeEscalated, Reason: action.Reason}
		case ActionCall:
			if outcome, done := l.step(ctx, action); done {
				return outcome
			}
		default:
			l.appendError(ctx, fmt.Sprintf("planner returned unknown action %q", action.Kind))
			return Outcome{Kind: OutcomeFailed, Reason: "planner_error"}
		}
	}
}

// step runs one tool call. done is false when the loop should continue.
func (l *Loop) step(ctx context.Context, action Action) (Outcome, bool) {
	tool, ok := l.registry.Get(action.Tool)
	if !ok {
		l.rejectCall(ctx, action, fmt.Sprintf("unknown tool %q", action.Tool), nil)
		return Outcome{}, false
	}
	desc := tool.Descriptor()

	if desc.Category == CategoryMutating {
		if v := l.gate.Check(l.job.Mode, l.policyInput(tool, desc, action.Params)); v != nil {
			payload, err := json.Marshal(v)
			if err != nil {
				payload = nil
			}
			l.rejectCall(ctx, action, v.Error(), payload)
			return Outcome{}, false
		}
	}

	if _, err := l.appendRemember(ctx, ledger.AppendParams{
		JobID:    l.job.ID,
		TraceID:  l.traceID,
		Kind:     domain.EventToolCall,
		ToolName: desc.Name,
		Params:   action.Params,
		Summary:  "calling " + desc.Name,
	}); err != nil {
		return l.ledgerFailure(ctx, err), true
	}

	result, execErr := l.execute(ctx, tool, action.Params)

	tokens := action.TokensUsed + result.TokensUsed
	cost := action.CostCents + result.CostCents
	if err := l.budget.Charge(1, tokens, cost); err != nil {
		l.appendError(ctx, fmt.Sprintf("budget charge rejected: %v", err))
		return Outcome{Kind: OutcomeFailed, Reason: "budget_error"}, true
	}

	params := ledger.AppendParams{
		JobID:      l.job.ID,
		TraceID:    l.traceID,
		Kind:       domain.EventToolResult,
		ToolName:   desc.Name,
		TokensUsed: &tokens,
		CostCents:  &cost,
	}
	if execErr != nil {
		params.Summary = desc.Name + " failed: " + execErr.Error()
		params.Result = errorPayload(execErr)
	} else {
		params.Summary = desc.Name + " ok"
		if result.Failed {
			params.Summary = desc.Name + " reported failure"
		}
		params.Result = result.Payload
	}

	stored, _, err := l.sink.AppendCharging(ctx, params, ledger.Charge{Steps: 1, Tokens: tokens, CostCents: cost}, "ran "+desc.Name)
	if err != nil {
		return l.ledgerFailure(ctx, err), true
	}
	l.remember(stored)
	metrics.IncAgentSteps(string(l.job.Mode))

	l.observe(desc, result, execErr)

	if execErr != nil && !desc.Recoverable {
		return Outcome{Kind: OutcomeFailed, Reason: "tool_error: " + desc.Name}, true
	}
	if l.verifierFailures > maxVerifierRetries {
		l.appendEscalation(ctx, fmt.Sprintf("%s failed %d times in a row", desc.Name, l.verifierFailures), Action{})
		return Outcome{Kind: OutcomeEscalated, Reason: "verification_failures"}, true
	}
	return Outcome{}, false
}

// finish evaluates the quality gate and records the final event. A
// BLOCK verdict downgrades the answer to an escalation: the work stays
// but a human signs it off.
func (l *Loop) finish(ctx context.Context, action Action) Outcome {
	usage := l.budget.Usage()
	l.report.Budget = &quality.BudgetSnapshot{Caps: l.job.Caps, Usage: usage}
	eval := quality.GateFor(l.job.Mode).Evaluate(l.report)

	payload, err := json.Marshal(eval)
	if err != nil {
		payload = nil
	}
	if _, err := l.appendRemember(ctx, ledger.AppendParams{
		JobID:   l.job.ID,
		TraceID: l.traceID,
		Kind:    domain.EventEvaluation,
		Result:  payload,
		Summary: fmt.Sprintf("quality %s (score %d)", eval.Verdict, eval.Score),
	}); err != nil {
		return l.ledgerFailure(ctx, err)
	}

	if eval.Verdict == quality.VerdictBlock {
		l.appendEscalation(ctx, "quality gate blocked the answer: "+eval.Summary, action)
		return Outcome{Kind: OutcomeEscalated, Reason: "quality_block", Evaluation: &eval}
	}

	answer, err := json.Marshal(map[string]string{"answer": action.Answer})
	if err != nil {
		answer = nil
	}
	tokens := action.TokensUsed
	cost := action.CostCents
	_, _, err = l.sink.AppendCharging(ctx, ledger.AppendParams{
		JobID:      l.job.ID,
		TraceID:    l.traceID,
		Kind:       domain.EventCompletion,
		Result:     answer,
		Summary:    "done",
		TokensUsed: &tokens,
		CostCents:  &cost,
	}, ledger.Charge{Tokens: tokens, CostCents: cost}, "done")
	if err != nil {
		return l.ledgerFailure(ctx, err)
	}

	return Outcome{Kind: OutcomeSucceeded, Answer: action.Answer, Evaluation: &eval}
}

func (l *Loop) propose(ctx context.Context, catalog []Descriptor) (Action, error) {
	plannerCtx, cancel := context.WithTimeout(ctx, l.cfg.PlannerTimeout)
	defer cancel()
	return l.planner.Propose(plannerCtx, PlanRequest{
		Goal:      l.job.Goal,
		AgentType: l.job.AgentType,
		Mode:      l.job.Mode,
		History:   l.history,
		Catalog:   catalog,
	})
}

// execute bounds the tool call with the tool timeout and contains
// panics so one bad tool cannot take the worker down.
func (l *Loop) execute(ctx context.Context, tool Tool, params json.RawMessage) (result Result, err error) {
	toolCtx, cancel := context.WithTimeout(ctx, l.cfg.ToolTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()
	return tool.Execute(toolCtx, l.job.RepoPath, params)
}

// observe folds a tool result into the run report and the verifier
// failure streak.
func (l *Loop) observe(desc Descriptor, result Result, execErr error) {
	if result.Tests != nil {
		l.report.Tests = result.Tests
	}
	if result.Lint != nil {
		l.report.Lint = result.Lint
	}
	if result.Changes != nil {
		if l.report.Changes == nil {
			l.report.Changes = &quality.ChangeStats{}
		}
		l.report.Changes.FilesChanged += result.Changes.FilesChanged
		l.report.Changes.LinesAdded += result.Changes.LinesAdded
		l.report.Changes.LinesRemoved += result.Changes.LinesRemoved
	}
	if desc.Verifier {
		if execErr != nil || result.Failed {
			l.verifierFailures++
		} else {
			l.verifierFailures = 0
		}
	}
}

func (l *Loop) policyInput(tool Tool, desc Descriptor, params json.RawMessage) policy.Input {
	in := policy.Input{
		Tool:        desc.Name,
		Destructive: desc.RiskHint == RiskDestructive,
	}
	if desc.Footprint != nil {
		in.Files = desc.Footprint.Files
		in.Lines = desc.Footprint.Lines
	}
	if lister, ok := tool.(PathLister); ok {
		in.Paths = lister.TouchedPaths(params)
	}
	return in
}

func (l *Loop) budgetExhausted(ctx context.Context, reason domain.ExhaustReason) Outcome {
	metrics.IncBudgetExhausted(string(reason))
	l.appendError(ctx, "budget exhausted: "+string(reason))
	return Outcome{Kind: OutcomeFailed, Reason: "budget_" + string(reason)}
}

// rejectCall records a gate rejection or unknown tool as a failed
// tool_result; the loop continues and the planner sees it in history.
func (l *Loop) rejectCall(ctx context.Context, action Action, reason string, payload json.RawMessage) {
	if payload == nil {
		payload = errorPayload(fmt.Errorf("%s", reason))
	}
	if _, err := l.appendRemember(ctx, ledger.AppendParams{
		JobID:    l.job.ID,
		TraceID:  l.traceID,
		Kind:     domain.EventToolResult,
		ToolName: action.Tool,
		Params:   action.Params,
		Result:   payload,
		Summary:  "rejected: " + reason,
	}); err != nil {
		l.logger.ErrorContext(ctx, "failed to record tool rejection",
			slog.String("job_id", l.job.ID),
			slog.String("error", err.Error()))
	}
}

func (l *Loop) appendEscalation(ctx context.Context, reason string, action Action) {
	tokens := action.TokensUsed
	cost := action.CostCents
	_, _, err := l.sink.AppendCharging(ctx, ledger.AppendParams{
		JobID:      l.job.ID,
		TraceID:    l.traceID,
		Kind:       domain.EventEscalation,
		Summary:    reason,
		TokensUsed: &tokens,
		CostCents:  &cost,
	}, ledger.Charge{Tokens: tokens, CostCents: cost}, "waiting for a human")
	if err != nil {
		l.logger.ErrorContext(ctx, "failed to record escalation",
			slog.String("job_id", l.job.ID),
			slog.String("error", err.Error()))
	}
}

func (l *Loop) appendError(ctx context.Context, summary string) {
	if _, err := l.appendRemember(ctx, ledger.AppendParams{
		JobID:   l.job.ID,
		TraceID: l.traceID,
		Kind:    domain.EventError,
		Summary: summary,
	}); err != nil {
		l.logger.ErrorContext(ctx, "failed to record error event",
			slog.String("job_id", l.job.ID),
			slog.String("error", err.Error()))
	}
}

func (l *Loop) ledgerFailure(ctx context.Context, err error) Outcome {
	l.logger.ErrorContext(ctx, "ledger append failed",
		slog.String("job_id", l.job.ID),
		slog.String("error", err.Error()))
	return Outcome{Kind: OutcomeFailed, Reason: "ledger_error"}
}

func (l *Loop) appendRemember(ctx context.Context, params ledger.AppendParams) (*domain.Event, error) {
	stored, err := l.sink.Append(ctx, params)
	if err != nil {
		return nil, err
	}
	l.remember(stored)
	return stored, nil
}

func (l *Loop) remember(e *domain.Event) {
	l.history = append(l.history, e)
	if len(l.history) > l.cfg.HistoryLimit {
		l.history = l.history[len(l.history)-l.cfg.HistoryLimit:]
	}
}

// backfillHistory loads prior events so a requeued job's planner sees
// what already happened.
func (l *Loop) backfillHistory(ctx context.Context) error {
	var after int64
	for {
		page, err := l.sink.List(ctx, l.job.ID, after, backfillPageSize)
		if err != nil {
			return err
		}
		for _, e := range page {
			l.remember(e)
			after = e.Seq
		}
		if len(page) < backfillPageSize {
			return nil
		}
	}
}

func errorPayload(err error) json.RawMessage {
	payload, merr := json.Marshal(map[string]string{"error": err.Error()})
	if merr != nil {
		return nil
	}
	return payload
}
