package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantrylab/gantry/internal/application/agent"
	"github.com/gantrylab/gantry/internal/application/ledger"
	"github.com/gantrylab/gantry/internal/domain"
)

// mockCoordinator implements Coordinator for testing.
type mockCoordinator struct {
	mu sync.Mutex

	claimOneFunc      func(ctx context.Context, mode domain.Mode, claimant string) (*domain.Job, error)
	heartbeatFunc     func(ctx context.Context, jobID, claimant string) error
	markTerminalFunc  func(ctx context.Context, jobID, claimant string, status domain.Status) error
	escalateFunc      func(ctx context.Context, jobID, claimant string) error
	cancelOwnedFunc   func(ctx context.Context, jobID, claimant string) error
	getJobFunc        func(ctx context.Context, jobID string) (*domain.Job, error)
	requeueStaleFunc  func(ctx context.Context, staleAfter time.Duration) (int, error)
	subscribeFunc     func(ctx context.Context) (<-chan string, error)
	queueDepthFunc    func(ctx context.Context, mode domain.Mode) (int64, error)

	terminals  []domain.Status
	escalated  []string
	cancelled  []string
	heartbeats int
}

func (m *mockCoordinator) ClaimOne(ctx context.Context, mode domain.Mode, claimant string) (*domain.Job, error) {
	if m.claimOneFunc != nil {
		return m.claimOneFunc(ctx, mode, claimant)
	}
	return nil, nil
}

func (m *mockCoordinator) Heartbeat(ctx context.Context, jobID, claimant string) error {
	m.mu.Lock()
	m.heartbeats++
	m.mu.Unlock()
	if m.heartbeatFunc != nil {
		return m.heartbeatFunc(ctx, jobID, claimant)
	}
	return nil
}

func (m *mockCoordinator) MarkTerminal(ctx context.Context, jobID, claimant string, status domain.Status) error {
	m.mu.Lock()
	m.terminals = append(m.terminals, status)
	m.mu.Unlock()
	if m.markTerminalFunc != nil {
		return m.markTerminalFunc(ctx, jobID, claimant, status)
	}
	return nil
}

func (m *mockCoordinator) Escalate(ctx context.Context, jobID, claimant string) error {
	m.mu.Lock()
	m.escalated = append(m.escalated, jobID)
	m.mu.Unlock()
	if m.escalateFunc != nil {
		return m.escalateFunc(ctx, jobID, claimant)
	}
	return nil
}

func (m *mockCoordinator) CancelOwned(ctx context.Context, jobID, claimant string) error {
	m.mu.Lock()
	m.cancelled = append(m.cancelled, jobID)
	m.mu.Unlock()
	if m.cancelOwnedFunc != nil {
		return m.cancelOwnedFunc(ctx, jobID, claimant)
	}
	return nil
}

func (m *mockCoordinator) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	if m.getJobFunc != nil {
		return m.getJobFunc(ctx, jobID)
	}
	return nil, domain.ErrJobNotFound
}

func (m *mockCoordinator) RequeueStale(ctx context.Context, staleAfter time.Duration) (int, error) {
	if m.requeueStaleFunc != nil {
		return m.requeueStaleFunc(ctx, staleAfter)
	}
	return 0, nil
}

func (m *mockCoordinator) SubscribeToCancellations(ctx context.Context) (<-chan string, error) {
	if m.subscribeFunc != nil {
		return m.subscribeFunc(ctx)
	}
	return nil, nil
}

func (m *mockCoordinator) QueueDepth(ctx context.Context, mode domain.Mode) (int64, error) {
	if m.queueDepthFunc != nil {
		return m.queueDepthFunc(ctx, mode)
	}
	return 0, nil
}

func (m *mockCoordinator) recordedTerminals() []domain.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Status(nil), m.terminals...)
}

// stubLedger is an in-memory event sink.
type stubLedger struct {
	mu     sync.Mutex
	events []*domain.Event
	seq    int64
}

func (s *stubLedger) Append(_ context.Context, params ledger.AppendParams) (*domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	e := &domain.Event{
		ID:      "evt",
		JobID:   params.JobID,
		Seq:     s.seq,
		Kind:    params.Kind,
		Summary: params.Summary,
	}
	s.events = append(s.events, e)
	return e, nil
}

func (s *stubLedger) AppendCharging(ctx context.Context, params ledger.AppendParams, _ ledger.Charge, _ string) (*domain.Event, domain.Usage, error) {
	e, err := s.Append(ctx, params)
	return e, domain.Usage{}, err
}

func (s *stubLedger) List(_ context.Context, jobID string, afterSeq int64, limit int) ([]*domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Event
	for _, e := range s.events {
		if e.JobID == jobID && e.Seq > afterSeq {
			out = append(out, e)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *stubLedger) kinds() []domain.EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.EventKind, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Kind)
	}
	return out
}

// answerPlanner always answers.
type answerPlanner struct{}

func (answerPlanner) Propose(context.Context, agent.PlanRequest) (agent.Action, error) {
	return agent.Action{Kind: agent.ActionAnswer, Answer: "done"}, nil
}

// fnPlanner delegates to a func.
type fnPlanner struct {
	fn func(ctx context.Context, req agent.PlanRequest) (agent.Action, error)
}

func (p fnPlanner) Propose(ctx context.Context, req agent.PlanRequest) (agent.Action, error) {
	return p.fn(ctx, req)
}

type mockArchiver struct {
	mu     sync.Mutex
	jobs   []*domain.Job
	counts []int
}

func (m *mockArchiver) SaveTranscript(_ context.Context, job *domain.Job, events []*domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = append(m.jobs, job)
	m.counts = append(m.counts, len(events))
	return nil
}

const testWorkerID = "worker-test-1"

func claimedJob(t *testing.T) *domain.Job {
	t.Helper()
	job, err := domain.NewJob(domain.CreateJobParams{
		Goal:      "fix the build",
		Mode:      domain.ModeMechanic,
		AgentType: "coordinator",
		RepoPath:  "/srv/repos/demo",
		Caps:      domain.Caps{StepCap: 50, TokenCap: 50000, CostCapCents: 500},
	})
	require.NoError(t, err)
	require.NoError(t, job.Claim(testWorkerID, time.Now().UTC()))
	return job
}

func testConfig() Config {
	cfg := DefaultConfig(domain.ModeMechanic, testWorkerID)
	cfg.PollInterval = 2 * time.Millisecond
	cfg.HeartbeatInterval = 2 * time.Millisecond
	cfg.ReapInterval = time.Hour
	return cfg
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// claimOnceThenDrain hands out the job on the first claim and drains
// the worker on the next, so Start returns after one job.
func claimOnceThenDrain(w **Worker, job *domain.Job) func(context.Context, domain.Mode, string) (*domain.Job, error) {
	var claims atomic.Int32
	return func(context.Context, domain.Mode, string) (*domain.Job, error) {
		if claims.Add(1) == 1 {
			return job, nil
		}
		(*w).Drain()
		return nil, nil
	}
}

func TestWorker_RunsJobToSuccess(t *testing.T) {
	job := claimedJob(t)
	coord := &mockCoordinator{}
	sink := &stubLedger{}

	var w *Worker
	coord.claimOneFunc = claimOnceThenDrain(&w, job)
	coord.getJobFunc = func(context.Context, string) (*domain.Job, error) { return job, nil }
	w = New(coord, sink, agent.NewRegistry(), answerPlanner{}, nil, testLogger(), testConfig())

	require.NoError(t, w.Start(context.Background()))

	require.Equal(t, []domain.Status{domain.StatusSucceeded}, coord.recordedTerminals())
	kinds := sink.kinds()
	assert.Contains(t, kinds, domain.EventEvaluation)
	assert.Contains(t, kinds, domain.EventCompletion)
}

func TestWorker_EscalationParksNotTerminal(t *testing.T) {
	job := claimedJob(t)
	coord := &mockCoordinator{}
	sink := &stubLedger{}
	planner := fnPlanner{fn: func(context.Context, agent.PlanRequest) (agent.Action, error) {
		return agent.Action{Kind: agent.ActionEscalate, Reason: "need credentials"}, nil
	}}

	var w *Worker
	coord.claimOneFunc = claimOnceThenDrain(&w, job)
	coord.getJobFunc = func(context.Context, string) (*domain.Job, error) { return job, nil }
	w = New(coord, sink, agent.NewRegistry(), planner, nil, testLogger(), testConfig())

	require.NoError(t, w.Start(context.Background()))

	assert.Equal(t, []string{job.ID}, coord.escalated)
	assert.Empty(t, coord.recordedTerminals())
}

func TestWorker_CancelWinsEscalationRace(t *testing.T) {
	job := claimedJob(t)
	coord := &mockCoordinator{}
	sink := &stubLedger{}
	planner := fnPlanner{fn: func(context.Context, agent.PlanRequest) (agent.Action, error) {
		return agent.Action{Kind: agent.ActionEscalate, Reason: "need credentials"}, nil
	}}

	cancellingCopy := *job
	require.NoError(t, cancellingCopy.RequestCancel(time.Now().UTC()))

	var w *Worker
	coord.claimOneFunc = claimOnceThenDrain(&w, job)
	// The cancel request lands between the loop's last check and the
	// escalation write, so Escalate is rejected and the job must still
	// unwind to aborted rather than stay wedged in cancelling.
	var polls atomic.Int32
	coord.getJobFunc = func(context.Context, string) (*domain.Job, error) {
		if polls.Add(1) == 1 {
			return job, nil
		}
		return &cancellingCopy, nil
	}
	coord.escalateFunc = func(context.Context, string, string) error {
		return domain.ErrInvalidTransition
	}
	w = New(coord, sink, agent.NewRegistry(), planner, nil, testLogger(), testConfig())

	require.NoError(t, w.Start(context.Background()))

	assert.Equal(t, []string{job.ID}, coord.escalated)
	terminals := coord.recordedTerminals()
	require.NotEmpty(t, terminals)
	assert.Equal(t, domain.StatusAborted, terminals[len(terminals)-1])
}

func TestWorker_CancellationAborts(t *testing.T) {
	job := claimedJob(t)
	coord := &mockCoordinator{}
	sink := &stubLedger{}

	cancellingCopy := *job
	require.NoError(t, cancellingCopy.RequestCancel(time.Now().UTC()))

	var w *Worker
	coord.claimOneFunc = claimOnceThenDrain(&w, job)
	coord.getJobFunc = func(context.Context, string) (*domain.Job, error) {
		return &cancellingCopy, nil
	}
	w = New(coord, sink, agent.NewRegistry(), answerPlanner{}, nil, testLogger(), testConfig())

	require.NoError(t, w.Start(context.Background()))

	require.Equal(t, []domain.Status{domain.StatusAborted}, coord.recordedTerminals())
}

func TestWorker_CancelWinsFinishRace(t *testing.T) {
	job := claimedJob(t)
	coord := &mockCoordinator{}
	sink := &stubLedger{}

	cancellingCopy := *job
	require.NoError(t, cancellingCopy.RequestCancel(time.Now().UTC()))

	var w *Worker
	coord.claimOneFunc = claimOnceThenDrain(&w, job)
	// The checker sees a running job right up to the answer; the cancel
	// request lands between the last check and the terminal write.
	var polls atomic.Int32
	coord.getJobFunc = func(context.Context, string) (*domain.Job, error) {
		if polls.Add(1) == 1 {
			return job, nil
		}
		return &cancellingCopy, nil
	}
	var succeededAttempts atomic.Int32
	coord.markTerminalFunc = func(_ context.Context, _, _ string, status domain.Status) error {
		if status == domain.StatusSucceeded {
			succeededAttempts.Add(1)
			return domain.ErrInvalidTransition
		}
		return nil
	}
	w = New(coord, sink, agent.NewRegistry(), answerPlanner{}, nil, testLogger(), testConfig())

	require.NoError(t, w.Start(context.Background()))

	assert.Equal(t, int32(1), succeededAttempts.Load())
	terminals := coord.recordedTerminals()
	require.NotEmpty(t, terminals)
	assert.Equal(t, domain.StatusAborted, terminals[len(terminals)-1])
}

func TestWorker_PanicFailsJobAndWorkerSurvives(t *testing.T) {
	job := claimedJob(t)
	coord := &mockCoordinator{}
	sink := &stubLedger{}
	planner := fnPlanner{fn: func(context.Context, agent.PlanRequest) (agent.Action, error) {
		panic("planner exploded")
	}}

	var w *Worker
	coord.claimOneFunc = claimOnceThenDrain(&w, job)
	coord.getJobFunc = func(context.Context, string) (*domain.Job, error) { return job, nil }
	w = New(coord, sink, agent.NewRegistry(), planner, nil, testLogger(), testConfig())

	require.NoError(t, w.Start(context.Background()))

	require.Equal(t, []domain.Status{domain.StatusFailed}, coord.recordedTerminals())
	kinds := sink.kinds()
	require.NotEmpty(t, kinds)
	assert.Contains(t, kinds, domain.EventError)
}

func TestWorker_OwnershipLostIsNotFatal(t *testing.T) {
	job := claimedJob(t)
	coord := &mockCoordinator{}
	sink := &stubLedger{}

	var w *Worker
	coord.claimOneFunc = claimOnceThenDrain(&w, job)
	coord.getJobFunc = func(context.Context, string) (*domain.Job, error) { return job, nil }
	coord.markTerminalFunc = func(context.Context, string, string, domain.Status) error {
		return domain.ErrJobOwnershipLost
	}
	w = New(coord, sink, agent.NewRegistry(), answerPlanner{}, nil, testLogger(), testConfig())

	require.NoError(t, w.Start(context.Background()))
}

func TestWorker_RetriesTransientTerminalWrites(t *testing.T) {
	job := claimedJob(t)
	coord := &mockCoordinator{}
	sink := &stubLedger{}

	var attempts atomic.Int32
	coord.markTerminalFunc = func(context.Context, string, string, domain.Status) error {
		if attempts.Add(1) < 3 {
			return Transient(errors.New("connection reset"))
		}
		return nil
	}
	var w *Worker
	coord.claimOneFunc = claimOnceThenDrain(&w, job)
	coord.getJobFunc = func(context.Context, string) (*domain.Job, error) { return job, nil }
	w = New(coord, sink, agent.NewRegistry(), answerPlanner{}, nil, testLogger(), testConfig())

	require.NoError(t, w.Start(context.Background()))

	assert.Equal(t, int32(3), attempts.Load())
}

func TestWorker_HeartbeatsWhileProcessing(t *testing.T) {
	job := claimedJob(t)
	coord := &mockCoordinator{}
	sink := &stubLedger{}
	planner := fnPlanner{fn: func(ctx context.Context, _ agent.PlanRequest) (agent.Action, error) {
		time.Sleep(30 * time.Millisecond)
		return agent.Action{Kind: agent.ActionAnswer, Answer: "done"}, nil
	}}

	var w *Worker
	coord.claimOneFunc = claimOnceThenDrain(&w, job)
	coord.getJobFunc = func(context.Context, string) (*domain.Job, error) { return job, nil }
	w = New(coord, sink, agent.NewRegistry(), planner, nil, testLogger(), testConfig())

	require.NoError(t, w.Start(context.Background()))

	coord.mu.Lock()
	beats := coord.heartbeats
	coord.mu.Unlock()
	assert.GreaterOrEqual(t, beats, 1)
}

func TestWorker_ShutdownCancelsCurrentJob(t *testing.T) {
	job := claimedJob(t)
	coord := &mockCoordinator{}
	sink := &stubLedger{}

	claimed := make(chan struct{})
	release := make(chan struct{})
	planner := fnPlanner{fn: func(ctx context.Context, _ agent.PlanRequest) (agent.Action, error) {
		close(claimed)
		<-release
		return agent.Action{Kind: agent.ActionCall, Tool: "noop"}, nil
	}}

	var cancelRequested atomic.Bool
	coord.claimOneFunc = func(context.Context, domain.Mode, string) (*domain.Job, error) {
		select {
		case <-claimed:
			return nil, nil
		default:
			return job, nil
		}
	}
	coord.cancelOwnedFunc = func(context.Context, string, string) error {
		cancelRequested.Store(true)
		return nil
	}
	cancellingCopy := *job
	require.NoError(t, cancellingCopy.RequestCancel(time.Now().UTC()))
	coord.getJobFunc = func(context.Context, string) (*domain.Job, error) {
		if cancelRequested.Load() {
			return &cancellingCopy, nil
		}
		return job, nil
	}

	w := New(coord, sink, agent.NewRegistry(), planner, nil, testLogger(), testConfig())

	done := make(chan error, 1)
	go func() { done <- w.Start(context.Background()) }()

	select {
	case <-claimed:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never claimed the job")
	}

	w.Shutdown(context.Background())
	close(release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after shutdown")
	}

	assert.Equal(t, []string{job.ID}, coord.cancelled)
	terminals := coord.recordedTerminals()
	require.NotEmpty(t, terminals)
	assert.Equal(t, domain.StatusAborted, terminals[len(terminals)-1])
}

func TestWorker_DrainExitsWhenIdle(t *testing.T) {
	coord := &mockCoordinator{}
	sink := &stubLedger{}
	w := New(coord, sink, agent.NewRegistry(), answerPlanner{}, nil, testLogger(), testConfig())
	w.Drain()

	done := make(chan error, 1)
	go func() { done <- w.Start(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("drained worker did not exit")
	}
}

func TestWorker_ArchivesTerminalTranscript(t *testing.T) {
	job := claimedJob(t)
	coord := &mockCoordinator{}
	sink := &stubLedger{}
	archiver := &mockArchiver{}

	var w *Worker
	coord.claimOneFunc = claimOnceThenDrain(&w, job)
	coord.getJobFunc = func(context.Context, string) (*domain.Job, error) { return job, nil }
	w = New(coord, sink, agent.NewRegistry(), answerPlanner{}, archiver, testLogger(), testConfig())

	require.NoError(t, w.Start(context.Background()))

	archiver.mu.Lock()
	defer archiver.mu.Unlock()
	require.Len(t, archiver.jobs, 1)
	assert.Equal(t, job.ID, archiver.jobs[0].ID)
	// evaluation + completion at minimum
	assert.GreaterOrEqual(t, archiver.counts[0], 2)
}

func TestWorker_EscalationSkipsArchive(t *testing.T) {
	job := claimedJob(t)
	coord := &mockCoordinator{}
	sink := &stubLedger{}
	archiver := &mockArchiver{}
	planner := fnPlanner{fn: func(context.Context, agent.PlanRequest) (agent.Action, error) {
		return agent.Action{Kind: agent.ActionEscalate, Reason: "stuck"}, nil
	}}

	var w *Worker
	coord.claimOneFunc = claimOnceThenDrain(&w, job)
	coord.getJobFunc = func(context.Context, string) (*domain.Job, error) { return job, nil }
	w = New(coord, sink, agent.NewRegistry(), planner, archiver, testLogger(), testConfig())

	require.NoError(t, w.Start(context.Background()))

	archiver.mu.Lock()
	defer archiver.mu.Unlock()
	assert.Empty(t, archiver.jobs)
}

func TestReaper_TickHonorsInterval(t *testing.T) {
	coord := &mockCoordinator{}
	var sweeps atomic.Int32
	coord.requeueStaleFunc = func(context.Context, time.Duration) (int, error) {
		sweeps.Add(1)
		return 2, nil
	}
	r := NewReaper(coord, testLogger(), time.Hour, 30*time.Second)

	r.Tick(context.Background())
	r.Tick(context.Background())
	assert.Equal(t, int32(1), sweeps.Load())

	r.Sweep(context.Background())
	assert.Equal(t, int32(2), sweeps.Load())
}

func TestReaper_SweepErrorIsLoggedNotFatal(t *testing.T) {
	coord := &mockCoordinator{}
	coord.requeueStaleFunc = func(context.Context, time.Duration) (int, error) {
		return 0, errors.New("db down")
	}
	r := NewReaper(coord, testLogger(), time.Hour, 30*time.Second)
	r.Sweep(context.Background())
}
