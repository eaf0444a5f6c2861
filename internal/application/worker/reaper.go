package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/gantrylab/gantry/internal/metrics"
)

// Reaper rescues jobs whose workers died: every running job with a
// heartbeat older than staleAfter goes back to the queue with its
// budget intact. Every worker runs one; sweeps are idempotent under
// concurrency because the store locks per row.
type Reaper struct {
	coordinator Coordinator
	logger      *slog.Logger
	interval    time.Duration
	staleAfter  time.Duration

	lastSweep time.Time
}

// NewReaper creates a reaper sweeping at interval with the staleAfter
// threshold.
func NewReaper(coordinator Coordinator, logger *slog.Logger, interval, staleAfter time.Duration) *Reaper {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Reaper{
		coordinator: coordinator,
		logger:      logger,
		interval:    interval,
		staleAfter:  staleAfter,
	}
}

// Tick sweeps when the interval has elapsed since the last sweep; safe
// to call on every pass of the worker loop. Not safe for concurrent use
// within one worker.
func (r *Reaper) Tick(ctx context.Context) {
	if time.Since(r.lastSweep) < r.interval {
		return
	}
	r.lastSweep = time.Now()
	r.Sweep(ctx)
}

// Sweep requeues stale running jobs once, unconditionally.
func (r *Reaper) Sweep(ctx context.Context) {
	n, err := r.coordinator.RequeueStale(ctx, r.staleAfter)
	if err != nil {
		r.logger.WarnContext(ctx, "reaper sweep failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		metrics.AddReaperRequeued(n)
		r.logger.InfoContext(ctx, "reaper requeued stale jobs", slog.Int("count", n))
	}
}
