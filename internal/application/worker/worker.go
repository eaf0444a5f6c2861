// Package worker runs the claim loop: poll the queue, heartbeat the
// claim, hand the job to the agent loop, record the terminal status.
// Workers coordinate solely through the store, so any number of them
// can run across processes.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gantrylab/gantry/internal/application/agent"
	"github.com/gantrylab/gantry/internal/application/ledger"
	"github.com/gantrylab/gantry/internal/domain"
	"github.com/gantrylab/gantry/internal/metrics"
)

// Ledger is the slice of the event ledger the worker needs: boundary
// events, budget-charging appends for the loop, and transcript reads.
// *ledger.Ledger satisfies it.
type Ledger interface {
	Append(ctx context.Context, params ledger.AppendParams) (*domain.Event, error)
	AppendCharging(ctx context.Context, params ledger.AppendParams, charge ledger.Charge, currentAction string) (*domain.Event, domain.Usage, error)
	List(ctx context.Context, jobID string, afterSeq int64, limit int) ([]*domain.Event, error)
}

// Archiver exports finished jobs' transcripts. Failures are logged,
// never fatal. Implementations live in internal/archive.
type Archiver interface {
	SaveTranscript(ctx context.Context, job *domain.Job, events []*domain.Event) error
}

// Store-op retry bounds for transient failures.
const (
	terminalRetryAttempts = 3
	terminalRetryBase     = 100 * time.Millisecond

	transcriptPageSize = 256
)

// Worker claims jobs of one mode and runs them to a terminal status.
// Run one Worker per claim loop; concurrency comes from running more of
// them.
type Worker struct {
	coordinator Coordinator
	eventLog    Ledger
	registry    *agent.Registry
	planner     agent.Planner
	archiver    Archiver
	logger      *slog.Logger
	reaper      *Reaper
	cfg         Config

	draining atomic.Bool

	mu         sync.Mutex
	currentJob string
	cancelHint *atomic.Bool

	lastDepth time.Time
}

// New creates a worker. archiver may be nil to skip transcript export.
func New(coordinator Coordinator, eventLog Ledger, registry *agent.Registry, planner agent.Planner, archiver Archiver, logger *slog.Logger, cfg Config) *Worker {
	cfg = cfg.withDefaults()
	return &Worker{
		coordinator: coordinator,
		eventLog:    eventLog,
		registry:    registry,
		planner:     planner,
		archiver:    archiver,
		logger:      logger,
		reaper:      NewReaper(coordinator, logger, cfg.ReapInterval, cfg.StaleAfter),
		cfg:         cfg,
	}
}

// Start runs the claim loop until the context is cancelled or the
// worker is drained while idle. Jobs run sequentially; the in-flight
// job always reaches a durable disposition before the loop exits.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.InfoContext(ctx, "worker started",
		slog.String("worker_id", w.cfg.WorkerID),
		slog.String("mode", string(w.cfg.Mode)),
		slog.Duration("poll_interval", w.cfg.PollInterval))

	feed, err := w.coordinator.SubscribeToCancellations(ctx)
	if err != nil {
		w.logger.WarnContext(ctx, "cancellation feed unavailable, falling back to status polls",
			slog.String("error", err.Error()))
	} else if feed != nil {
		go w.watchCancellations(ctx, feed)
	}

	for {
		w.reaper.Tick(ctx)
		w.observeQueueDepth(ctx)

		if w.draining.Load() {
			w.logger.InfoContext(ctx, "worker drained", slog.String("worker_id", w.cfg.WorkerID))
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		job, err := w.coordinator.ClaimOne(ctx, w.cfg.Mode, w.cfg.WorkerID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.ErrorContext(ctx, "claim failed", slog.String("error", err.Error()))
			w.sleep(ctx, w.cfg.PollInterval)
			continue
		}
		if job == nil {
			w.sleep(ctx, w.cfg.PollInterval)
			continue
		}

		w.process(ctx, job)
	}
}

// Drain stops new claims; the current job, if any, finishes normally.
func (w *Worker) Drain() {
	w.draining.Store(true)
}

// Shutdown drains and durably requests cancellation of the current job
// so its loop unwinds at the next check.
func (w *Worker) Shutdown(ctx context.Context) {
	w.Drain()

	w.mu.Lock()
	jobID := w.currentJob
	w.mu.Unlock()
	if jobID == "" {
		return
	}

	if err := w.coordinator.CancelOwned(ctx, jobID, w.cfg.WorkerID); err != nil {
		w.logger.WarnContext(ctx, "shutdown cancel request failed",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()))
	}
}

// process runs one claimed job to a durable disposition.
func (w *Worker) process(ctx context.Context, job *domain.Job) {
	metrics.IncJobsClaimed(string(job.Mode))
	metrics.ObserveClaimWait(string(job.Mode), time.Since(job.CreatedAt))
	w.logger.InfoContext(ctx, "claimed job",
		slog.String("job_id", job.ID),
		slog.String("mode", string(job.Mode)),
		slog.String("worker_id", w.cfg.WorkerID))

	hint := &atomic.Bool{}
	w.setCurrent(job.ID, hint)
	defer w.clearCurrent()

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go w.runHeartbeat(heartbeatCtx, job.ID)

	loop := agent.NewLoop(job, w.planner, w.registry, w.eventLog, w.cancelChecker(job.ID, hint), w.logger, agent.Config{
		PlannerTimeout: w.cfg.PlannerTimeout,
		ToolTimeout:    w.cfg.ToolTimeout,
		HistoryLimit:   w.cfg.HistoryLimit,
		WallClock:      w.cfg.WallClock,
	})

	outcome := w.runLoop(ctx, job, loop)
	stopHeartbeat()

	w.conclude(ctx, job, outcome)
}

// runLoop contains panics at the worker boundary: the job fails with an
// error event, the worker keeps polling.
func (w *Worker) runLoop(ctx context.Context, job *domain.Job, loop *agent.Loop) (outcome agent.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			perr := PanicError{Value: r, StackTrace: string(debug.Stack())}
			w.logger.ErrorContext(ctx, "agent loop panicked",
				slog.String("job_id", job.ID),
				slog.Any("panic", perr.Value),
				slog.String("stack", perr.StackTrace))
			w.appendErrorEvent(ctx, job.ID, perr.Error())
			outcome = agent.Outcome{Kind: agent.OutcomeFailed, Reason: "panic"}
		}
	}()
	return loop.Run(ctx)
}

// conclude translates the loop outcome to a durable status: succeeded
// and failed terminate from running, cancelled aborts from cancelling,
// escalated parks in waiting_human.
func (w *Worker) conclude(ctx context.Context, job *domain.Job, outcome agent.Outcome) {
	var status domain.Status

	switch outcome.Kind {
	case agent.OutcomeSucceeded:
		status = w.finishTerminal(ctx, job, domain.StatusSucceeded)
	case agent.OutcomeFailed:
		status = w.finishTerminal(ctx, job, domain.StatusFailed)
	case agent.OutcomeCancelled:
		status = domain.StatusAborted
		w.finishAborted(ctx, job)
	case agent.OutcomeEscalated:
		status = w.park(ctx, job)
	default:
		w.logger.ErrorContext(ctx, "agent loop returned unknown outcome",
			slog.String("job_id", job.ID),
			slog.String("outcome", string(outcome.Kind)))
		status = w.finishTerminal(ctx, job, domain.StatusFailed)
	}

	w.logger.InfoContext(ctx, "job concluded",
		slog.String("job_id", job.ID),
		slog.String("status", string(status)),
		slog.String("reason", outcome.Reason))

	if status.Terminal() {
		metrics.IncJobsFinished(string(status))
		if job.StartedAt != nil {
			metrics.ObserveJobDuration(string(job.Mode), string(status), time.Since(*job.StartedAt))
		}
		w.archive(ctx, job.ID)
	}
}

// finishTerminal records succeeded or failed and returns the status
// actually written. Losing the race to a cancel request unwinds to
// aborted instead.
func (w *Worker) finishTerminal(ctx context.Context, job *domain.Job, status domain.Status) domain.Status {
	err := w.markTerminal(ctx, job.ID, status)
	if IsJobCancelled(err) {
		w.logger.InfoContext(ctx, "cancel request won the finish race, aborting",
			slog.String("job_id", job.ID),
			slog.String("intended", string(status)))
		w.finishAborted(ctx, job)
		return domain.StatusAborted
	}
	if err != nil {
		w.reportDispositionError(ctx, job.ID, string(status), err)
	}
	return status
}

// park records waiting_human and returns the status actually written.
// Losing the race to a cancel request unwinds to aborted instead: the
// state machine only lets a cancelling job finish as aborted, and no
// one else will unwind a claim we still hold.
func (w *Worker) park(ctx context.Context, job *domain.Job) domain.Status {
	err := w.withRetry(ctx, func(ctx context.Context) error {
		return w.coordinator.Escalate(ctx, job.ID, w.cfg.WorkerID)
	})
	if errors.Is(err, domain.ErrInvalidTransition) {
		if current, gerr := w.coordinator.GetJob(ctx, job.ID); gerr == nil && current.Status == domain.StatusCancelling {
			w.logger.InfoContext(ctx, "cancel request won the escalation race, aborting",
				slog.String("job_id", job.ID))
			w.finishAborted(ctx, job)
			return domain.StatusAborted
		}
	}
	if err != nil {
		w.reportDispositionError(ctx, job.ID, "escalate", err)
	}
	return domain.StatusWaitingHuman
}

// finishAborted finalizes a cancelled run. When the loop exited on its
// own context before any cancel request landed, the job is still
// running: request cancellation under our claim first, then abort.
func (w *Worker) finishAborted(ctx context.Context, job *domain.Job) {
	err := w.withRetry(ctx, func(ctx context.Context) error {
		return w.coordinator.MarkTerminal(ctx, job.ID, w.cfg.WorkerID, domain.StatusAborted)
	})
	if errors.Is(err, domain.ErrInvalidTransition) {
		if cerr := w.coordinator.CancelOwned(ctx, job.ID, w.cfg.WorkerID); cerr != nil {
			w.reportDispositionError(ctx, job.ID, "cancel", cerr)
			return
		}
		err = w.withRetry(ctx, func(ctx context.Context) error {
			return w.coordinator.MarkTerminal(ctx, job.ID, w.cfg.WorkerID, domain.StatusAborted)
		})
	}
	if err != nil {
		w.reportDispositionError(ctx, job.ID, "abort", err)
	}
}

// markTerminal writes the terminal status, translating a lost race
// against cancellation into JobCancelledError for the caller to unwind.
func (w *Worker) markTerminal(ctx context.Context, jobID string, status domain.Status) error {
	err := w.withRetry(ctx, func(ctx context.Context) error {
		return w.coordinator.MarkTerminal(ctx, jobID, w.cfg.WorkerID, status)
	})
	if errors.Is(err, domain.ErrInvalidTransition) {
		current, gerr := w.coordinator.GetJob(ctx, jobID)
		if gerr == nil && current.Status == domain.StatusCancelling {
			return JobCancelledError{Reason: fmt.Sprintf("cancel requested before %s could be recorded", status)}
		}
	}
	return err
}

// reportDispositionError logs a failed status write. Ownership loss is
// expected when the reaper rescued the job mid-run; anything else is a
// store problem the reaper will eventually paper over.
func (w *Worker) reportDispositionError(ctx context.Context, jobID, op string, err error) {
	if errors.Is(err, domain.ErrJobOwnershipLost) {
		w.logger.WarnContext(ctx, "job ownership lost, another worker took over",
			slog.String("job_id", jobID),
			slog.String("op", op))
		return
	}
	w.logger.ErrorContext(ctx, "failed to record job disposition",
		slog.String("job_id", jobID),
		slog.String("op", op),
		slog.String("error", err.Error()))
}

// runHeartbeat refreshes the claim lease until its context is
// cancelled. Failures are logged, never fatal: persistent silence is
// the reaper's cue.
func (w *Worker) runHeartbeat(ctx context.Context, jobID string) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.coordinator.Heartbeat(ctx, jobID, w.cfg.WorkerID); err != nil {
				metrics.IncHeartbeatFailure()
				w.logger.WarnContext(ctx, "heartbeat failed",
					slog.String("job_id", jobID),
					slog.String("error", err.Error()))
				continue
			}
			metrics.IncHeartbeat()
		}
	}
}

// cancelChecker reads the durable status, short-circuited by the
// cancellation feed hint.
func (w *Worker) cancelChecker(jobID string, hint *atomic.Bool) agent.CancelChecker {
	return func(ctx context.Context) (bool, error) {
		if hint.Load() {
			return true, nil
		}
		job, err := w.coordinator.GetJob(ctx, jobID)
		if err != nil {
			return false, err
		}
		return job.Status == domain.StatusCancelling, nil
	}
}

func (w *Worker) watchCancellations(ctx context.Context, feed <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-feed:
			if !ok {
				return
			}
			w.mu.Lock()
			if w.currentJob == id && w.cancelHint != nil {
				w.cancelHint.Store(true)
			}
			w.mu.Unlock()
		}
	}
}

// archive exports the transcript best-effort: the fresh job snapshot
// plus every ledger event.
func (w *Worker) archive(ctx context.Context, jobID string) {
	if w.archiver == nil {
		return
	}
	job, err := w.coordinator.GetJob(ctx, jobID)
	if err != nil {
		w.logger.WarnContext(ctx, "transcript export skipped, job fetch failed",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()))
		return
	}

	var events []*domain.Event
	var after int64
	for {
		page, err := w.eventLog.List(ctx, jobID, after, transcriptPageSize)
		if err != nil {
			w.logger.WarnContext(ctx, "transcript export skipped, event read failed",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()))
			return
		}
		events = append(events, page...)
		if len(page) < transcriptPageSize {
			break
		}
		after = page[len(page)-1].Seq
	}

	if err := w.archiver.SaveTranscript(ctx, job, events); err != nil {
		w.logger.WarnContext(ctx, "transcript export failed",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()))
	}
}

func (w *Worker) appendErrorEvent(ctx context.Context, jobID, summary string) {
	if _, err := w.eventLog.Append(ctx, ledger.AppendParams{
		JobID:   jobID,
		Kind:    domain.EventError,
		Summary: summary,
	}); err != nil {
		w.logger.ErrorContext(ctx, "failed to append error event",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()))
	}
}

// withRetry retries transient failures with full-jitter backoff.
func (w *Worker) withRetry(ctx context.Context, op func(context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = op(ctx)
		if err == nil || !IsRetryable(err) || attempt >= terminalRetryAttempts {
			return err
		}
		delay := rand.N(terminalRetryBase << attempt)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}

func (w *Worker) observeQueueDepth(ctx context.Context) {
	if time.Since(w.lastDepth) < w.cfg.ReapInterval {
		return
	}
	w.lastDepth = time.Now()
	depth, err := w.coordinator.QueueDepth(ctx, w.cfg.Mode)
	if err != nil {
		w.logger.DebugContext(ctx, "queue depth probe failed", slog.String("error", err.Error()))
		return
	}
	metrics.SetQueueDepth(string(w.cfg.Mode), depth)
}

func (w *Worker) setCurrent(jobID string, hint *atomic.Bool) {
	w.mu.Lock()
	w.currentJob = jobID
	w.cancelHint = hint
	w.mu.Unlock()
}

func (w *Worker) clearCurrent() {
	w.mu.Lock()
	w.currentJob = ""
	w.cancelHint = nil
	w.mu.Unlock()
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
