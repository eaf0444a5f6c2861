package worker

import (
	"context"
	"time"

	"github.com/gantrylab/gantry/internal/domain"
)

// Coordinator is the store surface the worker drives job execution
// through. All methods are safe for concurrent use by multiple workers
// across processes. Claiming is atomic: two workers never own the same
// job.
type Coordinator interface {
	// === Claiming & Liveness ===

	// ClaimOne atomically claims the oldest queued job in the mode,
	// FIFO by created_at with ties broken by id. Returns nil when no
	// job is eligible. A queued job whose cancellation was requested
	// before any worker picked it up is finalized to aborted during
	// the scan instead of being handed out.
	ClaimOne(ctx context.Context, mode domain.Mode, claimant string) (*domain.Job, error)

	// Heartbeat refreshes the claim lease on a job. Returns
	// domain.ErrJobOwnershipLost when the job is not held by claimant,
	// domain.ErrJobNotFound when it does not exist.
	Heartbeat(ctx context.Context, jobID, claimant string) error

	// === Completion ===

	// MarkTerminal finalizes a job the claimant owns: succeeded and
	// failed from running, aborted from cancelling. Sets finished_at
	// and releases the claim. Returns domain.ErrJobOwnershipLost when
	// claimant no longer holds the job, domain.ErrInvalidTransition
	// when the current status does not admit the target.
	MarkTerminal(ctx context.Context, jobID, claimant string, status domain.Status) error

	// Escalate parks a running job in waiting_human, releasing the
	// claim while preserving budget counters. Same error contract as
	// MarkTerminal.
	Escalate(ctx context.Context, jobID, claimant string) error

	// CancelOwned durably requests cancellation of a job the claimant
	// holds; a no-op when the job is already cancelling under the same
	// claim. Used at shutdown so the abort unwind stays legal.
	CancelOwned(ctx context.Context, jobID, claimant string) error

	// GetJob fetches the current job state. Returns
	// domain.ErrJobNotFound when absent.
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)

	// === Recovery ===

	// RequeueStale returns every running job whose heartbeat is older
	// than staleAfter (or missing) to the queue, preserving budget
	// counters. Returns the number of rescued jobs. Idempotent under
	// concurrent sweeps.
	RequeueStale(ctx context.Context, staleAfter time.Duration) (int, error)

	// === Cancellation Feed ===

	// SubscribeToCancellations returns a channel receiving the IDs of
	// jobs whose cancellation has been requested. Best-effort: the
	// durable status remains the source of truth. The channel is
	// closed when ctx is cancelled.
	SubscribeToCancellations(ctx context.Context) (<-chan string, error)

	// === Queue Introspection ===

	// QueueDepth counts queued jobs in the mode.
	QueueDepth(ctx context.Context, mode domain.Mode) (int64, error)
}

// Worker timing defaults.
const (
	DefaultPollInterval      = time.Second
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultStaleAfter        = 30 * time.Second
	DefaultReapInterval      = 10 * time.Second
)

// Config configures one worker claim loop.
type Config struct {
	// Mode selects which queue tier this worker claims from. Mode
	// isolation is absolute.
	Mode domain.Mode

	// WorkerID identifies this worker in claims, heartbeats and logs.
	WorkerID string

	PollInterval      time.Duration // sleep between empty polls
	HeartbeatInterval time.Duration // lease refresh cadence, < StaleAfter
	StaleAfter        time.Duration // reaper rescue threshold
	ReapInterval      time.Duration // reaper sweep cadence

	PlannerTimeout time.Duration // per planner call
	ToolTimeout    time.Duration // per tool call
	WallClock      time.Duration // job wall-clock limit for this mode
	HistoryLimit   int           // events handed to the planner
}

// DefaultConfig returns a config with the standard timings for the
// mode.
func DefaultConfig(mode domain.Mode, workerID string) Config {
	return Config{
		Mode:              mode,
		WorkerID:          workerID,
		PollInterval:      DefaultPollInterval,
		HeartbeatInterval: DefaultHeartbeatInterval,
		StaleAfter:        DefaultStaleAfter,
		ReapInterval:      DefaultReapInterval,
	}
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = DefaultReapInterval
	}
	return c
}
