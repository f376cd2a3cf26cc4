// Package observability sets up process-wide logging and, for the otel format,
// metric export.
package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/processors/minsev"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const (
	// ServiceName identifies log records emitted through OpenTelemetry.
	ServiceName = "authsync"

	// otlpEndpointEnv enables OTLP export in addition to the local exporter.
	otlpEndpointEnv = "OTEL_EXPORTER_OTLP_ENDPOINT"
)

// ShutdownFunc flushes and releases logging and metric resources.
type ShutdownFunc func(context.Context) error

// Instrument installs the default slog logger for the given level and format
// ("text", "json" or "otel"). Logs go to stderr so command output on stdout stays
// clean. The otel format also installs the global MeterProvider, which exports
// the application's counters the same way logs are exported. The returned
// ShutdownFunc must run before exit to flush pending records.
func Instrument(level slog.Level, format string) (ShutdownFunc, error) {
	handler, shutdown, err := newHandler(context.Background(), os.Stderr, level, format, os.Getenv)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(slog.New(handler))
	return shutdown, nil
}

func newHandler(ctx context.Context, w io.Writer, level slog.Level, format string, getenv func(string) string) (slog.Handler, ShutdownFunc, error) {
	noop := func(context.Context) error { return nil }
	opts := &slog.HandlerOptions{Level: level}

	switch format {
	case "", "text":
		return slog.NewTextHandler(w, opts), noop, nil
	case "json":
		return slog.NewJSONHandler(w, opts), noop, nil
	case "otel":
		logs, err := newLoggerProvider(ctx, w, level, getenv)
		if err != nil {
			return nil, nil, err
		}
		metrics, err := newMeterProvider(ctx, w, getenv)
		if err != nil {
			return nil, nil, errors.Join(err, logs.Shutdown(ctx))
		}
		global.SetLoggerProvider(logs)
		otel.SetMeterProvider(metrics)

		shutdown := func(ctx context.Context) error {
			return errors.Join(metrics.Shutdown(ctx), logs.Shutdown(ctx))
		}
		return otelslog.NewHandler(ServiceName, otelslog.WithLoggerProvider(logs)), shutdown, nil
	default:
		return nil, nil, fmt.Errorf("unsupported log format: %s", format)
	}
}

// newLoggerProvider writes records to w and, when an OTLP endpoint is
// configured, exports them over OTLP/HTTP as well. Records below level are
// dropped before any exporter sees them.
func newLoggerProvider(ctx context.Context, w io.Writer, level slog.Level, getenv func(string) string) (*sdklog.LoggerProvider, error) {
	severity := severityFor(level)

	stdout, err := stdoutlog.New(stdoutlog.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("create stdout log exporter: %w", err)
	}
	opts := []sdklog.LoggerProviderOption{
		sdklog.WithProcessor(minsev.NewLogProcessor(sdklog.NewSimpleProcessor(stdout), severity)),
	}

	if strings.TrimSpace(getenv(otlpEndpointEnv)) != "" {
		otlp, err := otlploghttp.New(ctx)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("create otlp log exporter: %w", err), stdout.Shutdown(ctx))
		}
		opts = append(opts, sdklog.WithProcessor(minsev.NewLogProcessor(sdklog.NewBatchProcessor(otlp), severity)))
	}

	return sdklog.NewLoggerProvider(opts...), nil
}

// newMeterProvider mirrors newLoggerProvider: metrics are written to w on every
// collection and on shutdown, and pushed over OTLP/HTTP when an endpoint is
// configured.
func newMeterProvider(ctx context.Context, w io.Writer, getenv func(string) string) (*sdkmetric.MeterProvider, error) {
	stdout, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("create stdout metric exporter: %w", err)
	}
	opts := []sdkmetric.Option{
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(stdout)),
	}

	if strings.TrimSpace(getenv(otlpEndpointEnv)) != "" {
		otlp, err := otlpmetrichttp.New(ctx)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("create otlp metric exporter: %w", err), stdout.Shutdown(ctx))
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(otlp)))
	}

	return sdkmetric.NewMeterProvider(opts...), nil
}

func severityFor(level slog.Level) minsev.Severity {
	switch {
	case level <= slog.LevelDebug:
		return minsev.SeverityDebug
	case level <= slog.LevelInfo:
		return minsev.SeverityInfo
	case level <= slog.LevelWarn:
		return minsev.SeverityWarn
	default:
		return minsev.SeverityError
	}
}
