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
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/gantrylab/gantry/internal/application/jobs"
	"github.com/gantrylab/gantry/internal/application/ledger"
	"github.com/gantrylab/gantry/internal/config"
	"github.com/gantrylab/gantry/internal/domain"
	gantryhttp "github.com/gantrylab/gantry/internal/infrastructure/http"
	"github.com/gantrylab/gantry/internal/infrastructure/http/handler"
	"github.com/gantrylab/gantry/internal/infrastructure/persistence/postgres"
	"github.com/gantrylab/gantry/internal/infrastructure/persistence/sqlite"
	"github.com/gantrylab/gantry/internal/metrics"
	"github.com/gantrylab/gantry/pkg/observability"
)

const serviceName = "gantry-server"

// queueDepthInterval is how often the API server refreshes the
// queue-depth gauges. Workers refresh their own mode too; the server
// covers deployments where a mode has no worker pool at all.
const queueDepthInterval = 10 * time.Second

// providerShutdownTimeout bounds each telemetry flush at exit so an
// unreachable collector cannot hang the process.
const providerShutdownTimeout = 5 * time.Second

// store is the persistence surface the server needs. Both backends
// satisfy it.
type store interface {
	jobs.Repository
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
	cfg, err := config.LoadServerConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Root context for all normal operations, cancelled on SIGTERM/SIGINT.
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

	slog.InfoContext(ctx, "starting gantry api server")

	st, err := openStore(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	slog.InfoContext(ctx, "store initialized",
		"driver", cfg.Database.Driver,
		"dsn", maskPassword(cfg.Database.DSN))

	jobService := jobs.NewService(st, &cfg.Budget)
	eventLedger := ledger.New(st, cfg.SubscriberBuffer)

	// Wrap only the API routes: health checks and metrics scrapes stay
	// out of the traces.
	api := handler.NewAPI(jobService, eventLedger)
	instrumented := otelhttp.NewHandler(api.Router(), serviceName)

	server := gantryhttp.NewAPIServer(instrumented, gantryhttp.ServerConfig{
		Host:              cfg.HTTP.Host,
		Port:              cfg.HTTP.Port,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		MaxBodyBytes:      cfg.HTTP.MaxBodyBytes,
	})

	errResult := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errResult <- fmt.Errorf("failed to serve http: %w", err)
		}
	}()

	go refreshQueueDepth(ctx, jobService)

	// Hold here until a signal arrives or the listener dies.
	select {
	case <-ctx.Done():
		slog.InfoContext(ctx, "shutting down")

		shutdownCtx, cancel := newShutdownContext(cfg.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.WarnContext(shutdownCtx, "http server shutdown timed out", "error", err)
		} else {
			slog.InfoContext(shutdownCtx, "http server shutdown complete")
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

// refreshQueueDepth keeps the queue-depth gauges current for both modes.
func refreshQueueDepth(ctx context.Context, svc *jobs.Service) {
	ticker := time.NewTicker(queueDepthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, mode := range []domain.Mode{domain.ModeMechanic, domain.ModeGenius} {
				depth, err := svc.QueueDepth(ctx, mode)
				if err != nil {
					slog.DebugContext(ctx, "queue depth probe failed",
						"mode", string(mode), "error", err.Error())
					continue
				}
				metrics.SetQueueDepth(string(mode), depth)
			}
		}
	}
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
