// Package telemetry provides OpenTelemetry metrics for the sink. Disabled by
// default; when off, the no-op meter provider is installed and every recording
// is a zero-overhead call.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const instrumentationScope = "github.com/logsink/logsink"

// Config selects the exporter. Exporter "stdout" prints periodic snapshots;
// "otlp" pushes to an OTLP/HTTP endpoint.
type Config struct {
	Enabled  bool
	Exporter string
	Endpoint string
}

var shutdownFn func(context.Context) error

// Init installs the global meter provider. When disabled, the no-op provider
// is installed and Init returns immediately.
func Init(ctx context.Context, cfg Config, serviceName, version string) error {
	if !cfg.Enabled {
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		return nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return fmt.Errorf("telemetry: resource: %w", err)
	}

	var exporter sdkmetric.Exporter
	switch cfg.Exporter {
	case "otlp":
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithInsecure()}
		if cfg.Endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.Endpoint))
		}
		exporter, err = otlpmetrichttp.New(ctx, opts...)
	default:
		exporter, err = stdoutmetric.New()
	}
	if err != nil {
		return fmt.Errorf("telemetry: exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(30*time.Second)),
		),
	)
	otel.SetMeterProvider(mp)
	shutdownFn = mp.Shutdown
	return nil
}

// Shutdown flushes and stops the meter provider.
func Shutdown(ctx context.Context) error {
	if shutdownFn == nil {
		return nil
	}
	return shutdownFn(ctx)
}

// Meter returns a meter for the given instrumentation name.
func Meter(name string) metric.Meter {
	if name == "" {
		name = instrumentationScope
	}
	return otel.Meter(name)
}

// Metrics packages the sink's named instruments. A nil *Metrics is valid and
// records nothing, so components can hold one unconditionally.
type Metrics struct {
	admissions    metric.Int64Counter
	blocked       metric.Int64Counter
	merges        metric.Int64Counter
	promotions    metric.Int64Counter
	embedFailures metric.Int64Counter
	tickDuration  metric.Float64Histogram
	cleanupRuns   metric.Int64Counter
	cleanupDur    metric.Float64Histogram
}

// NewMetrics creates the instrument set on the global meter provider.
func NewMetrics() *Metrics {
	m := Meter(instrumentationScope)
	admissions, _ := m.Int64Counter("logsink.admissions",
		metric.WithDescription("Log admissions by action (created_new, reopened_existing)"))
	blocked, _ := m.Int64Counter("logsink.admissions.blocked",
		metric.WithDescription("Admissions rejected by the blacklist"))
	merges, _ := m.Int64Counter("logsink.embedding.merges",
		metric.WithDescription("Pending issues merged into similar neighbors"))
	promotions, _ := m.Int64Counter("logsink.embedding.promotions",
		metric.WithDescription("Pending issues promoted to open with an embedding"))
	embedFailures, _ := m.Int64Counter("logsink.embedding.failures",
		metric.WithDescription("Embedding computations that failed"))
	tickDuration, _ := m.Float64Histogram("logsink.embedding.tick.duration",
		metric.WithDescription("Embedding worker batch duration in milliseconds"),
		metric.WithUnit("ms"))
	cleanupRuns, _ := m.Int64Counter("logsink.cleanup.removed",
		metric.WithDescription("Entities removed by cleanup, by kind"))
	cleanupDur, _ := m.Float64Histogram("logsink.cleanup.run.duration",
		metric.WithDescription("Cleanup run duration in milliseconds"),
		metric.WithUnit("ms"))
	return &Metrics{
		admissions:    admissions,
		blocked:       blocked,
		merges:        merges,
		promotions:    promotions,
		embedFailures: embedFailures,
		tickDuration:  tickDuration,
		cleanupRuns:   cleanupRuns,
		cleanupDur:    cleanupDur,
	}
}

// Admission records one accepted admission with its action label.
func (m *Metrics) Admission(ctx context.Context, action string) {
	if m == nil {
		return
	}
	m.admissions.Add(ctx, 1, metric.WithAttributes(attrAction(action)))
}

// Blocked records one blacklist rejection.
func (m *Metrics) Blocked(ctx context.Context) {
	if m == nil {
		return
	}
	m.blocked.Add(ctx, 1)
}

// EmbeddingTick records the outcome of one worker batch.
func (m *Metrics) EmbeddingTick(ctx context.Context, d time.Duration, merged, promoted, failed int64) {
	if m == nil {
		return
	}
	m.merges.Add(ctx, merged)
	m.promotions.Add(ctx, promoted)
	m.embedFailures.Add(ctx, failed)
	m.tickDuration.Record(ctx, float64(d.Milliseconds()))
}

// CleanupRun records the removals and duration of one cleanup run.
func (m *Metrics) CleanupRun(ctx context.Context, d time.Duration, duplicates, oldLogs, orphans int64) {
	if m == nil {
		return
	}
	m.cleanupRuns.Add(ctx, duplicates, metric.WithAttributes(attrKind("duplicate")))
	m.cleanupRuns.Add(ctx, oldLogs, metric.WithAttributes(attrKind("old_log")))
	m.cleanupRuns.Add(ctx, orphans, metric.WithAttributes(attrKind("orphan_image")))
	m.cleanupDur.Record(ctx, float64(d.Milliseconds()))
}
