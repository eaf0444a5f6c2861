// Package integration_test drives the full execution pipeline against
// a real store: jobs go in through the application service, live
// workers claim and run them, and assertions read the store and the
// ledger back out. Planners and tools are scripted so every scenario
// is deterministic.
package integration_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gantrylab/gantry/internal/application/agent"
	"github.com/gantrylab/gantry/internal/application/jobs"
	"github.com/gantrylab/gantry/internal/application/ledger"
	"github.com/gantrylab/gantry/internal/application/worker"
	"github.com/gantrylab/gantry/internal/config"
	"github.com/gantrylab/gantry/internal/domain"
	"github.com/gantrylab/gantry/internal/infrastructure/persistence/sqlite"
	"github.com/gantrylab/gantry/internal/quality"
)

const (
	statusWait = 5 * time.Second
	statusPoll = 5 * time.Millisecond
)

// testEnv wires a real store, ledger and job service for one test.
type testEnv struct {
	store  *sqlite.Store
	ledger *ledger.Ledger
	jobs   *jobs.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := sqlite.Open(context.Background(), "file::memory:")
	require.NoError(t, err, "failed to open store")
	t.Cleanup(func() { _ = store.Close() })

	budgets := &config.BudgetConfig{}
	require.NoError(t, budgets.Validate())

	return &testEnv{
		store:  store,
		ledger: ledger.New(store, 0),
		jobs:   jobs.NewService(store, budgets),
	}
}

// workerConfig returns timings tuned for tests: tight polling, a stale
// threshold no healthy claim will cross, and a reap cadence that keeps
// the sweeper quiet after its initial pass.
func workerConfig(mode domain.Mode, workerID string) worker.Config {
	return worker.Config{
		Mode:              mode,
		WorkerID:          workerID,
		PollInterval:      10 * time.Millisecond,
		HeartbeatInterval: 20 * time.Millisecond,
		StaleAfter:        30 * time.Second,
		ReapInterval:      time.Hour,
		PlannerTimeout:    5 * time.Second,
		ToolTimeout:       5 * time.Second,
	}
}

// startWorker runs a claim loop in the background and returns a stop
// function that blocks until the loop has exited.
func (e *testEnv) startWorker(t *testing.T, registry *agent.Registry, planner agent.Planner, cfg worker.Config) func() {
	t.Helper()

	w := worker.New(e.store, e.ledger, registry, planner, nil, discardLogger(), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Start(ctx)
	}()

	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(statusWait):
			t.Fatalf("worker %s did not stop", cfg.WorkerID)
		}
	}
}

func (e *testEnv) submit(t *testing.T, params jobs.SubmitParams) *domain.Job {
	t.Helper()
	if params.RepoPath == "" {
		params.RepoPath = "/srv/repos/demo"
	}
	job, err := e.jobs.Submit(context.Background(), params)
	require.NoError(t, err, "failed to submit job")
	return job
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitForStatus polls the store until the job reaches the wanted
// status or the deadline passes.
func waitForStatus(t *testing.T, store *sqlite.Store, jobID string, want domain.Status) *domain.Job {
	t.Helper()

	deadline := time.Now().Add(statusWait)
	var last domain.Status
	for time.Now().Before(deadline) {
		job, err := store.FindJobByID(context.Background(), jobID)
		require.NoError(t, err, "failed to fetch job %s", jobID)
		if job.Status == want {
			return job
		}
		last = job.Status
		time.Sleep(statusPoll)
	}
	t.Fatalf("job %s never reached %s, last status was %s", jobID, want, last)
	return nil
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(statusWait)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(statusPoll)
	}
	t.Fatal(msg)
}

func listEvents(t *testing.T, lg *ledger.Ledger, jobID string) []*domain.Event {
	t.Helper()
	events, err := lg.List(context.Background(), jobID, 0, ledger.MaxListLimit)
	require.NoError(t, err, "failed to list events")
	return events
}

func eventKinds(events []*domain.Event) []domain.EventKind {
	kinds := make([]domain.EventKind, 0, len(events))
	for _, e := range events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func newRegistry(t *testing.T, tools ...agent.Tool) *agent.Registry {
	t.Helper()
	registry := agent.NewRegistry()
	for _, tool := range tools {
		require.NoError(t, registry.Register(tool))
	}
	return registry
}

// scriptPlanner replays a fixed action sequence, repeating the last
// action once the script runs out. Every request is recorded so tests
// can assert on the history the loop handed over.
type scriptPlanner struct {
	mu       sync.Mutex
	actions  []agent.Action
	calls    int
	requests []agent.PlanRequest
}

func newScriptPlanner(actions ...agent.Action) *scriptPlanner {
	return &scriptPlanner{actions: actions}
}

func (p *scriptPlanner) Propose(_ context.Context, req agent.PlanRequest) (agent.Action, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.requests = append(p.requests, req)
	if len(p.actions) == 0 {
		return agent.Action{}, errors.New("planner script is empty")
	}
	idx := p.calls
	p.calls++
	if idx >= len(p.actions) {
		idx = len(p.actions) - 1
	}
	return p.actions[idx], nil
}

func (p *scriptPlanner) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *scriptPlanner) request(i int) agent.PlanRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

func callAction(tool, params string) agent.Action {
	return agent.Action{
		Kind:       agent.ActionCall,
		Tool:       tool,
		Params:     json.RawMessage(params),
		TokensUsed: 30,
		CostCents:  1,
	}
}

func answerAction(text string) agent.Action {
	return agent.Action{
		Kind:       agent.ActionAnswer,
		Answer:     text,
		TokensUsed: 25,
		CostCents:  1,
	}
}

func escalateAction(reason string) agent.Action {
	return agent.Action{
		Kind:       agent.ActionEscalate,
		Reason:     reason,
		TokensUsed: 30,
		CostCents:  2,
	}
}

// stubTool is a scriptable tool. When release is non-nil, Execute
// blocks until the channel is closed or the call context ends.
type stubTool struct {
	desc    agent.Descriptor
	result  agent.Result
	err     error
	release chan struct{}

	mu    sync.Mutex
	calls int
}

func (s *stubTool) Descriptor() agent.Descriptor { return s.desc }

func (s *stubTool) Execute(ctx context.Context, _ string, _ json.RawMessage) (agent.Result, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()

	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return agent.Result{}, ctx.Err()
		}
	}
	return s.result, s.err
}

func (s *stubTool) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// patchTool is a small mutating tool that stays inside every mechanic
// limit: one file, ten declared lines, reversible.
func patchTool() *stubTool {
	return &stubTool{
		desc: agent.Descriptor{
			Name:      "apply_patch",
			Category:  agent.CategoryMutating,
			CostHint:  agent.CostModerate,
			RiskHint:  agent.RiskReversible,
			Footprint: &agent.Footprint{Files: 1, Lines: 10},
		},
		result: agent.Result{
			Payload:    json.RawMessage(`{"applied":true}`),
			TokensUsed: 40,
			CostCents:  2,
			Changes:    &quality.ChangeStats{FilesChanged: 1, LinesAdded: 8, LinesRemoved: 2},
		},
	}
}

func testRunnerTool(passed, failed int) *stubTool {
	return &stubTool{
		desc: agent.Descriptor{
			Name:     "run_tests",
			Category: agent.CategoryReadOnly,
			CostHint: agent.CostExpensive,
			RiskHint: agent.RiskSafe,
			Verifier: true,
		},
		result: agent.Result{
			Payload:    json.RawMessage(`{"ran":true}`),
			TokensUsed: 40,
			CostCents:  2,
			Tests:      &quality.TestResults{Passed: passed, Failed: failed},
		},
	}
}

func searchTool() *stubTool {
	return &stubTool{
		desc: agent.Descriptor{
			Name:     "search_code",
			Category: agent.CategoryReadOnly,
			CostHint: agent.CostCheap,
			RiskHint: agent.RiskSafe,
		},
		result: agent.Result{
			Payload:    json.RawMessage(`{"matches":3}`),
			TokensUsed: 40,
			CostCents:  2,
		},
	}
}
