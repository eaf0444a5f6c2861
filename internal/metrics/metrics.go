// Package metrics exposes Prometheus instrumentation for the job
// backbone. Collectors live in a package-level registry so the server
// and worker binaries share one catalog, and tests can call Reset to
// start from a clean slate.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	jobsCreated       *prometheus.CounterVec
	jobsClaimed       *prometheus.CounterVec
	jobsFinished      *prometheus.CounterVec
	queueDepth        *prometheus.GaugeVec
	reaperRequeued    prometheus.Counter
	heartbeats        prometheus.Counter
	heartbeatFailures prometheus.Counter
	eventsAppended    *prometheus.CounterVec
	subscriberDrops   prometheus.Counter
	agentSteps        *prometheus.CounterVec
	budgetExhausted   *prometheus.CounterVec
	jobDuration       *prometheus.HistogramVec
	claimWait         *prometheus.HistogramVec
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all collectors. Used by tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler serving the registry in Prometheus
// exposition format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// IncJobsCreated records a job accepted into the queue.
func IncJobsCreated(mode string) {
	mu.RLock()
	defer mu.RUnlock()
	if jobsCreated != nil {
		jobsCreated.WithLabelValues(mode).Inc()
	}
}

// IncJobsClaimed records a successful claim by a worker.
func IncJobsClaimed(mode string) {
	mu.RLock()
	defer mu.RUnlock()
	if jobsClaimed != nil {
		jobsClaimed.WithLabelValues(mode).Inc()
	}
}

// IncJobsFinished records a job reaching a terminal status.
func IncJobsFinished(status string) {
	mu.RLock()
	defer mu.RUnlock()
	if jobsFinished != nil {
		jobsFinished.WithLabelValues(status).Inc()
	}
}

// SetQueueDepth records the current number of queued jobs for a mode.
func SetQueueDepth(mode string, depth int64) {
	mu.RLock()
	defer mu.RUnlock()
	if queueDepth != nil {
		queueDepth.WithLabelValues(mode).Set(float64(depth))
	}
}

// AddReaperRequeued records stale running jobs returned to the queue by
// one sweep.
func AddReaperRequeued(n int) {
	mu.RLock()
	defer mu.RUnlock()
	if reaperRequeued != nil && n > 0 {
		reaperRequeued.Add(float64(n))
	}
}

// IncHeartbeat records a successful worker heartbeat.
func IncHeartbeat() {
	mu.RLock()
	defer mu.RUnlock()
	if heartbeats != nil {
		heartbeats.Inc()
	}
}

// IncHeartbeatFailure records a heartbeat that did not reach the store
// or found the job no longer owned by the worker.
func IncHeartbeatFailure() {
	mu.RLock()
	defer mu.RUnlock()
	if heartbeatFailures != nil {
		heartbeatFailures.Inc()
	}
}

// IncEventsAppended records a ledger event durably written.
func IncEventsAppended(kind string) {
	mu.RLock()
	defer mu.RUnlock()
	if eventsAppended != nil {
		eventsAppended.WithLabelValues(kind).Inc()
	}
}

// IncSubscriberOverflow records a live subscriber dropped for falling
// behind the event stream.
func IncSubscriberOverflow() {
	mu.RLock()
	defer mu.RUnlock()
	if subscriberDrops != nil {
		subscriberDrops.Inc()
	}
}

// IncAgentSteps records one completed plan/execute iteration.
func IncAgentSteps(mode string) {
	mu.RLock()
	defer mu.RUnlock()
	if agentSteps != nil {
		agentSteps.WithLabelValues(mode).Inc()
	}
}

// IncBudgetExhausted records a job stopped by a budget axis.
func IncBudgetExhausted(reason string) {
	mu.RLock()
	defer mu.RUnlock()
	if budgetExhausted != nil {
		budgetExhausted.WithLabelValues(reason).Inc()
	}
}

// ObserveJobDuration records wall-clock time from claim to terminal
// status.
func ObserveJobDuration(mode, status string, d time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	if jobDuration != nil {
		jobDuration.WithLabelValues(mode, status).Observe(durationSeconds(d))
	}
}

// ObserveClaimWait records how long a job sat queued before a worker
// claimed it.
func ObserveClaimWait(mode string, d time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	if claimWait != nil {
		claimWait.WithLabelValues(mode).Observe(durationSeconds(d))
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	created := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gantry",
		Name:      "jobs_created_total",
		Help:      "Total jobs accepted into the queue, by mode.",
	}, []string{"mode"})

	claimed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gantry",
		Name:      "jobs_claimed_total",
		Help:      "Total jobs claimed by workers, by mode.",
	}, []string{"mode"})

	finished := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gantry",
		Name:      "jobs_finished_total",
		Help:      "Total jobs reaching a terminal status.",
	}, []string{"status"})

	depth := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gantry",
		Name:      "queue_depth",
		Help:      "Current number of queued jobs, by mode.",
	}, []string{"mode"})

	requeued := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gantry",
		Name:      "reaper_requeued_total",
		Help:      "Total stale running jobs requeued by the reaper.",
	})

	beats := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gantry",
		Name:      "worker_heartbeats_total",
		Help:      "Total successful worker heartbeats.",
	})

	beatFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gantry",
		Name:      "worker_heartbeat_failures_total",
		Help:      "Total failed or ownership-lost worker heartbeats.",
	})

	appended := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gantry",
		Name:      "events_appended_total",
		Help:      "Total ledger events appended, by kind.",
	}, []string{"kind"})

	drops := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gantry",
		Name:      "subscriber_overflow_total",
		Help:      "Total live event subscribers dropped for falling behind.",
	})

	steps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gantry",
		Name:      "agent_steps_total",
		Help:      "Total completed agent loop steps, by mode.",
	}, []string{"mode"})

	exhausted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gantry",
		Name:      "budget_exhausted_total",
		Help:      "Total jobs stopped by budget exhaustion, by axis.",
	}, []string{"reason"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gantry",
		Name:      "job_duration_seconds",
		Help:      "Wall-clock duration from claim to terminal status.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	}, []string{"mode", "status"})

	wait := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gantry",
		Name:      "claim_wait_seconds",
		Help:      "Time jobs spent queued before a worker claimed them.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
	}, []string{"mode"})

	registry.MustRegister(
		created, claimed, finished, depth, requeued,
		beats, beatFailures, appended, drops, steps,
		exhausted, duration, wait,
	)

	reg = registry
	jobsCreated = created
	jobsClaimed = claimed
	jobsFinished = finished
	queueDepth = depth
	reaperRequeued = requeued
	heartbeats = beats
	heartbeatFailures = beatFailures
	eventsAppended = appended
	subscriberDrops = drops
	agentSteps = steps
	budgetExhausted = exhausted
	jobDuration = duration
	claimWait = wait
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
