package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gantrylab/gantry/internal/application/agent"
	"github.com/gantrylab/gantry/internal/application/ledger"
	"github.com/gantrylab/gantry/internal/application/worker"
	archivefs "github.com/gantrylab/gantry/internal/archive/fs"
	archivegcs "github.com/gantrylab/gantry/internal/archive/gcs"
	"github.com/gantrylab/gantry/internal/config"
	"github.com/gantrylab/gantry/internal/domain"
	"github.com/gantrylab/gantry/internal/infrastructure/persistence/postgres"
	"github.com/gantrylab/gantry/internal/infrastructure/persistence/sqlite"
	"github.com/gantrylab/gantry/internal/infrastructure/planner"
	"github.com/gantrylab/gantry/internal/metrics"
	"github.com/gantrylab/gantry/pkg/observability"
)

const serviceName = "gantry-worker"

// providerShutdownTimeout bounds each telemetry flush at exit so an
// unreachable collector cannot hang the process.
const providerShutdownTimeout = 5 * time.Second

// store is the persistence surface the worker needs. Both backends
// satisfy it.
type store interface {
	worker.Coordinator
	ledger.Store
	Close() error
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadWorkerConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Signal context drives shutdown. Workers run on a separate root
	// context so an in-flight job can still record its disposition
	// after SIGTERM; it is cancelled only when the drain times out.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// The OTEL_* env vars configure the exporters.
	lp, logger, err := observability.InitLogger(ctx, serviceName, cfg.OTelEnabled)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer shutdownProvider("logger provider", lp.Shutdown)
	slog.SetDefault(logger)

	tp, err := observability.InitTracerProvider(ctx, serviceName, cfg.OTelEnabled)
	if err != nil {
		return fmt.Errorf("failed to init tracer provider: %w", err)
	}
	defer shutdownProvider("tracer provider", tp.Shutdown)

	mp, err := observability.InitMeterProvider(ctx, serviceName, cfg.OTelEnabled)
	if err != nil {
		return fmt.Errorf("failed to init meter provider: %w", err)
	}
	defer shutdownProvider("meter provider", mp.Shutdown)

	mode, err := domain.NewMode(cfg.Mode)
	if err != nil {
		return err
	}

	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = defaultWorkerID()
	}

	slog.InfoContext(ctx, "starting gantry worker pool",
		"worker_id", workerID,
		"mode", string(mode),
		"concurrency", cfg.Concurrency)

	st, err := openStore(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	slog.InfoContext(ctx, "store initialized",
		"driver", cfg.Database.Driver,
		"dsn", maskPassword(cfg.Database.DSN))

	eventLedger := ledger.New(st, config.DefaultSubscriberBuffer)
	registry := agent.NewRegistry()

	var step agent.Planner
	if cfg.PlannerURL != "" {
		step = planner.NewHTTP(cfg.PlannerURL, cfg.PlannerToken, cfg.PlannerTimeout)
		slog.InfoContext(ctx, "planner service configured", "url", cfg.PlannerURL)
	} else {
		step = planner.NewEscalate("")
		slog.WarnContext(ctx, "no planner configured, every claimed job will be parked for human review")
	}

	archiver, closeArchive, err := openArchive(ctx, cfg.Archive)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer closeArchive()
	if archiver != nil {
		slog.InfoContext(ctx, "transcript archive enabled", "backend", cfg.Archive.Backend)
	}

	runCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	errResult := make(chan error, cfg.Concurrency)
	var wg sync.WaitGroup
	workers := make([]*worker.Worker, 0, cfg.Concurrency)

	for i := 0; i < cfg.Concurrency; i++ {
		id := workerID
		if cfg.Concurrency > 1 {
			id = fmt.Sprintf("%s-%d", workerID, i)
		}
		w := worker.New(st, eventLedger, registry, step, archiver, slog.Default(), worker.Config{
			Mode:              mode,
			WorkerID:          id,
			PollInterval:      cfg.PollInterval,
			HeartbeatInterval: cfg.HeartbeatInterval,
			StaleAfter:        cfg.StaleAfter,
			ReapInterval:      cfg.ReapInterval,
			PlannerTimeout:    cfg.PlannerTimeout,
			ToolTimeout:       cfg.ToolTimeout,
			WallClock:         cfg.Budget.WallClockFor(mode),
		})
		workers = append(workers, w)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Start(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				errResult <- fmt.Errorf("claim loop exited: %w", err)
			}
		}()
	}

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()

	metricsServer := startMetricsServer(ctx, cfg.MetricsPort)

	// Hold here until a signal arrives or a claim loop dies.
	select {
	case <-ctx.Done():
		slog.InfoContext(ctx, "shutting down")

		shutdownCtx, cancel := newShutdownContext(cfg.ShutdownTimeout)
		defer cancel()

		for _, w := range workers {
			w.Shutdown(shutdownCtx)
		}

		select {
		case <-drained:
			slog.InfoContext(shutdownCtx, "worker pool drained")
		case <-shutdownCtx.Done():
			slog.WarnContext(shutdownCtx, "drain timed out, forcing stop; the reaper rescues whatever is left")
			stopWorkers()
			<-drained
		}

		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				slog.WarnContext(shutdownCtx, "metrics server shutdown failed", "error", err)
			}
		}
		return nil
	case err := <-errResult:
		return err
	}
}

// openStore connects the configured backend and runs its migrations.
func openStore(ctx context.Context, cfg config.DatabaseConfig) (store, error) {
	if cfg.Driver == config.DriverSQLite {
		return sqlite.Open(ctx, cfg.DSN)
	}
	return postgres.Open(ctx, postgres.PoolConfig{
		DSN:             cfg.DSN,
		MaxConns:        cfg.MaxOpenConns,
		MinConns:        cfg.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.ConnMaxLifetime) * time.Second,
		ConnMaxIdleTime: time.Duration(cfg.ConnMaxIdleTime) * time.Second,
	})
}

// openArchive builds the configured transcript store. A nil Archiver
// disables exporting.
func openArchive(ctx context.Context, cfg config.ArchiveConfig) (worker.Archiver, func(), error) {
	switch cfg.Backend {
	case config.ArchiveFS:
		st, err := archivefs.NewStore(cfg.FSDir)
		if err != nil {
			return nil, nil, err
		}
		return st, func() {}, nil
	case config.ArchiveGCS:
		st, err := archivegcs.NewStore(ctx, cfg.GCSBucket)
		if err != nil {
			return nil, nil, err
		}
		return st, func() {
			if err := st.Close(); err != nil {
				slog.Warn("failed to close archive client", "error", err)
			}
		}, nil
	default:
		return nil, func() {}, nil
	}
}

// startMetricsServer exposes /metrics for scraping. Returns nil when
// disabled.
func startMetricsServer(ctx context.Context, port string) *http.Server {
	if port == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	server := &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.InfoContext(ctx, "metrics server listening", "port", port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.ErrorContext(ctx, "metrics server failed", "error", err)
		}
	}()
	return server
}

// defaultWorkerID identifies this process when none is configured.
func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// newShutdownContext returns a deadline for shutdown work. It derives
// from Background() because the run context is already cancelled once
// shutdown begins.
func newShutdownContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

// shutdownProvider flushes one telemetry provider under its own
// deadline, for the same reason newShutdownContext starts fresh.
func shutdownProvider(name string, shutdown func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), providerShutdownTimeout)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "failed to shutdown "+name, "error", err)
	}
}

// maskPassword hides any credential embedded in a DSN before logging it.
func maskPassword(connStr string) string {
	u, err := url.Parse(connStr)
	if err != nil {
		// An unparseable DSN gets blanked wholesale rather than risk a leak.
		return "[REDACTED]"
	}
	if u.User != nil {
		if _, hasPassword := u.User.Password(); hasPassword {
			u.User = url.UserPassword(u.User.Username(), "xxxxxx")
		}
	}
	return u.String()
}
