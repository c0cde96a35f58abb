// Package telemetry provides OpenTelemetry metrics for the cache engine,
// with optional OTLP and Prometheus export.
package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const meterName = "github.com/lessonforge/gencache"

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics handler.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	lookupsTotal       metric.Int64Counter
	generationsTotal   metric.Int64Counter
	generationDuration metric.Float64Histogram
	degradedTotal      metric.Int64Counter
	blobWriteSize      metric.Float64Histogram
	evictionsTotal     metric.Int64Counter
	viewIncrements     metric.Int64Counter

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system. Returns a
// shutdown function that should be called on application exit. Uses
// sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}
	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "gencache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// Without exporters, still collect via a no-op periodic reader.
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	meter := mp.Meter(meterName)

	lookupsTotal, err := meter.Int64Counter(
		"gencache_lookups_total",
		metric.WithDescription("Total durable-tier lookups by category and result"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return err
	}

	generationsTotal, err := meter.Int64Counter(
		"gencache_generations_total",
		metric.WithDescription("Total generator invocations by category and outcome"),
		metric.WithUnit("{generation}"),
	)
	if err != nil {
		return err
	}

	generationDuration, err := meter.Float64Histogram(
		"gencache_generation_duration_seconds",
		metric.WithDescription("Generator invocation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60, 120),
	)
	if err != nil {
		return err
	}

	degradedTotal, err := meter.Int64Counter(
		"gencache_degraded_total",
		metric.WithDescription("Total requests served uncached because binary persistence was unavailable"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	blobWriteSize, err := meter.Float64Histogram(
		"gencache_blob_write_size_bytes",
		metric.WithDescription("Size of generated blobs written to storage"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864, 268435456),
	)
	if err != nil {
		return err
	}

	evictionsTotal, err := meter.Int64Counter(
		"gencache_transient_evictions_total",
		metric.WithDescription("Total transient-tier entries removed by cleanup, by category and reason"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	viewIncrements, err := meter.Int64Counter(
		"gencache_view_increments_total",
		metric.WithDescription("Total durable-tier view counter increments"),
		metric.WithUnit("{increment}"),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		lookupsTotal:       lookupsTotal,
		generationsTotal:   generationsTotal,
		generationDuration: generationDuration,
		degradedTotal:      degradedTotal,
		blobWriteSize:      blobWriteSize,
		evictionsTotal:     evictionsTotal,
		viewIncrements:     viewIncrements,
		meterProvider:      mp,
		promHandler:        promHandler,
	}
	return nil
}

func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// PrometheusHandler returns the /metrics handler, or nil if Prometheus
// export is not enabled.
func PrometheusHandler() http.Handler {
	if globalMetrics == nil {
		return nil
	}
	return globalMetrics.promHandler
}

// RecordLookup records a durable-tier lookup and its result.
func RecordLookup(ctx context.Context, category string, hit bool) {
	if globalMetrics == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	globalMetrics.lookupsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("category", category),
		attribute.String("result", result),
	))
}

// RecordGeneration records a generator invocation.
func RecordGeneration(ctx context.Context, category, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("category", category),
		attribute.String("outcome", outcome),
	)
	globalMetrics.generationsTotal.Add(ctx, 1, attrs)
	globalMetrics.generationDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordDegraded records a request served uncached under the degradation
// policy.
func RecordDegraded(ctx context.Context, category string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.degradedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("category", category),
	))
}

// RecordBlobWrite records the size of a stored generated blob.
func RecordBlobWrite(ctx context.Context, category string, size int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.blobWriteSize.Record(ctx, float64(size), metric.WithAttributes(
		attribute.String("category", category),
	))
}

// RecordEvictions records entries removed by a transient cleanup pass.
func RecordEvictions(ctx context.Context, category string, expired, evicted int) {
	if globalMetrics == nil {
		return
	}
	if expired > 0 {
		globalMetrics.evictionsTotal.Add(ctx, int64(expired), metric.WithAttributes(
			attribute.String("category", category),
			attribute.String("reason", "ttl"),
		))
	}
	if evicted > 0 {
		globalMetrics.evictionsTotal.Add(ctx, int64(evicted), metric.WithAttributes(
			attribute.String("category", category),
			attribute.String("reason", "capacity"),
		))
	}
}

// RecordViewIncrement records a durable view counter increment.
func RecordViewIncrement(ctx context.Context, category string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.viewIncrements.Add(ctx, 1, metric.WithAttributes(
		attribute.String("category", category),
	))
}

// noopExporter is a no-op metrics exporter used when no exporters are
// configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(k sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return sdkmetric.DefaultAggregationSelector(k)
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
