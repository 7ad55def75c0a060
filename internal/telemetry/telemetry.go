// Package telemetry provides OpenTelemetry metrics for the graph server.
//
// Telemetry is disabled by default (zero runtime overhead when off).
//
// # Configuration
//
//	GOODIES_OTEL_ENABLED=true   enable metrics (default: off)
//	GOODIES_OTEL_STDOUT=true    write metrics to stdout (dev mode)
//	OTEL_SERVICE_NAME=...       override service name
package telemetry

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/resource"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const instrumentationScope = "github.com/adrianco/the-goodies"

var (
	shutdownFns []func(context.Context) error

	syncPushed    metric.Int64Counter
	syncReturned  metric.Int64Counter
	syncConflicts metric.Int64Counter
	toolCalls     metric.Int64Counter
)

// Enabled reports whether telemetry is active (GOODIES_OTEL_ENABLED=true).
func Enabled() bool {
	return os.Getenv("GOODIES_OTEL_ENABLED") == "true"
}

// Init configures the meter provider. When GOODIES_OTEL_ENABLED is not
// "true" this installs a no-op provider and returns immediately.
func Init(ctx context.Context, serviceName, version string) error {
	if !Enabled() {
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		initInstruments()
		return nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(firstNonEmpty(os.Getenv("OTEL_SERVICE_NAME"), serviceName)),
			semconv.ServiceVersionKey.String(version),
		),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return fmt.Errorf("telemetry: resource: %w", err)
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if os.Getenv("GOODIES_OTEL_STDOUT") == "true" {
		exp, err := stdoutmetric.New()
		if err != nil {
			return fmt.Errorf("telemetry: stdout exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(30*time.Second))))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)
	shutdownFns = append(shutdownFns, mp.Shutdown)
	initInstruments()
	return nil
}

func initInstruments() {
	meter := otel.GetMeterProvider().Meter(instrumentationScope)
	syncPushed, _ = meter.Int64Counter("sync.changes.pushed",
		metric.WithDescription("Change records pushed by clients"))
	syncReturned, _ = meter.Int64Counter("sync.changes.returned",
		metric.WithDescription("Change records returned to clients"))
	syncConflicts, _ = meter.Int64Counter("sync.conflicts",
		metric.WithDescription("Conflicts resolved during sync"))
	toolCalls, _ = meter.Int64Counter("tools.calls",
		metric.WithDescription("Tool dispatches by name and outcome"))
}

// RecordSync counts one handled sync exchange.
func RecordSync(ctx context.Context, pushed, returned, conflicts int) {
	if syncPushed == nil {
		return
	}
	syncPushed.Add(ctx, int64(pushed))
	syncReturned.Add(ctx, int64(returned))
	syncConflicts.Add(ctx, int64(conflicts))
}

// RecordToolCall counts one tool dispatch.
func RecordToolCall(ctx context.Context, name string, success bool) {
	if toolCalls == nil {
		return
	}
	toolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", name),
			attribute.Bool("success", success),
		))
}

// Shutdown flushes exporters. Safe to call when telemetry is disabled.
func Shutdown(ctx context.Context) {
	for _, fn := range shutdownFns {
		_ = fn(ctx)
	}
	shutdownFns = nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
