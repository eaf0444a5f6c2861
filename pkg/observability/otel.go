// Package observability initializes the OpenTelemetry providers for the
// gantry binaries: logs bridged into slog, traces, and metrics, all
// exported over OTLP/HTTP. Every Init function honors the standard OTEL
// environment variables (OTEL_EXPORTER_OTLP_ENDPOINT,
// OTEL_EXPORTER_OTLP_HEADERS, OTEL_RESOURCE_ATTRIBUTES) and returns a
// provider whose Shutdown must be deferred by the caller.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const serviceVersion = "0.1.0"

// Exporter timings shared by all three signals.
const (
	exportTimeout  = 10 * time.Second
	batchTimeout   = 5 * time.Second
	metricInterval = 15 * time.Second
)

// InitLogger sets up OTLP/HTTP log export and returns a slog.Logger
// bridged into it. With enabled false it returns a no-op provider and a
// plain JSON logger on stdout, which is what development and tests
// want.
func InitLogger(ctx context.Context, serviceName string, enabled bool) (*log.LoggerProvider, *slog.Logger, error) {
	if !enabled {
		return log.NewLoggerProvider(), slog.New(slog.NewJSONHandler(os.Stdout, nil)), nil
	}

	res, err := newResource(ctx, serviceName)
	if err != nil {
		return nil, nil, err
	}

	opts := []otlploghttp.Option{otlploghttp.WithTimeout(exportTimeout)}
	if h := otlpHeadersFromEnv(); len(h) > 0 {
		opts = append(opts, otlploghttp.WithHeaders(h))
	}

	// Exporters are built on context.Background(): tying them to the
	// run context makes shutdown hang once that context is cancelled.
	exporter, err := otlploghttp.New(context.Background(), opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create log exporter: %w", err)
	}

	provider := log.NewLoggerProvider(
		log.WithResource(res),
		log.WithProcessor(log.NewBatchProcessor(exporter,
			log.WithExportTimeout(batchTimeout),
		)),
	)
	logger := otelslog.NewLogger(serviceName, otelslog.WithLoggerProvider(provider))

	return provider, logger, nil
}

// InitTracerProvider sets up OTLP/HTTP trace export and installs the
// provider globally together with W3C trace context propagation. With
// enabled false it installs a no-op provider so instrumented code keeps
// working without an exporter.
func InitTracerProvider(ctx context.Context, serviceName string, enabled bool) (*sdktrace.TracerProvider, error) {
	if !enabled {
		provider := sdktrace.NewTracerProvider()
		otel.SetTracerProvider(provider)
		return provider, nil
	}

	res, err := newResource(ctx, serviceName)
	if err != nil {
		return nil, err
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithTimeout(exportTimeout)}
	if h := otlpHeadersFromEnv(); len(h) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(h))
	}

	exporter, err := otlptracehttp.New(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(batchTimeout)),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return provider, nil
}

// InitMeterProvider sets up OTLP/HTTP metric export with a periodic
// reader and installs the provider globally. With enabled false it
// installs a no-op provider.
func InitMeterProvider(ctx context.Context, serviceName string, enabled bool) (*sdkmetric.MeterProvider, error) {
	if !enabled {
		provider := sdkmetric.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	res, err := newResource(ctx, serviceName)
	if err != nil {
		return nil, err
	}

	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithTimeout(exportTimeout)}
	if h := otlpHeadersFromEnv(); len(h) > 0 {
		opts = append(opts, otlpmetrichttp.WithHeaders(h))
	}

	exporter, err := otlpmetrichttp.New(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(metricInterval),
		)),
	)
	otel.SetMeterProvider(provider)

	return provider, nil
}

// newResource merges the service identity with the SDK defaults.
// OTEL_RESOURCE_ATTRIBUTES and OTEL_SERVICE_NAME are honored through
// WithFromEnv. Partial-resource and schema conflicts are non-fatal; the
// merged resource stays usable.
func newResource(ctx context.Context, serviceName string) (*resource.Resource, error) {
	identity, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
		resource.WithSchemaURL(semconv.SchemaURL),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create service resource: %w", err)
	}

	merged, err := resource.Merge(resource.Default(), identity)
	if err != nil && !errors.Is(err, resource.ErrPartialResource) && !errors.Is(err, resource.ErrSchemaURLConflict) {
		return nil, fmt.Errorf("failed to merge resources: %w", err)
	}
	return merged, nil
}

// otlpHeadersFromEnv reads OTEL_EXPORTER_OTLP_HEADERS and URL-decodes
// the values. The OTLP spec requires header values to be URL encoded
// but the Go SDK passes them through verbatim, so hosted collectors
// that hand out encoded tokens break without this.
func otlpHeadersFromEnv() map[string]string {
	raw := os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")
	if raw == "" {
		return nil
	}

	headers := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		decoded, err := url.QueryUnescape(value)
		if err != nil {
			decoded = value
		}
		headers[strings.TrimSpace(key)] = decoded
	}
	return headers
}
