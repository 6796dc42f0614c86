// Package telemetry provides OpenTelemetry metrics, request tagging, and
// transfer statistics for the file distribution shard.
package telemetry

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/syncshard/filecdn"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often the fallback reader collects metrics
	// when no exporter is configured (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal      metric.Int64Counter
	responseBytesTotal metric.Int64Counter
	requestDuration    metric.Float64Histogram

	originFetchDuration   metric.Float64Histogram
	originFetchTotal      metric.Int64Counter
	originFetchBytesTotal metric.Int64Counter

	queueSlotsBusy      metric.Int64Gauge
	queueDepth          metric.Int64Gauge
	queueRejectedTotal  metric.Int64Counter
	queueReclaimedTotal metric.Int64Counter

	uploadBytesTotal   metric.Int64Counter
	uploadRejectsTotal metric.Int64Counter

	sweepRunsTotal      metric.Int64Counter
	sweepDuration       metric.Float64Histogram
	sweepDeletedTotal   metric.Int64Counter
	sweepReclaimedBytes metric.Int64Counter
	sweepColdMovesTotal metric.Int64Counter
	sweepErrorsTotal    metric.Int64Counter

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(_ context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "filecdn"
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

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// With no exporter configured, still collect via a no-op reader so
	// instruments keep working.
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

	m := &Metrics{meterProvider: mp, promHandler: promHandler}

	if m.requestsTotal, err = meter.Int64Counter(
		"filecdn_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return err
	}

	if m.responseBytesTotal, err = meter.Int64Counter(
		"filecdn_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in HTTP responses"),
		metric.WithUnit("By"),
	); err != nil {
		return err
	}

	if m.requestDuration, err = meter.Float64Histogram(
		"filecdn_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return err
	}

	if m.originFetchDuration, err = meter.Float64Histogram(
		"filecdn_origin_fetch_duration_seconds",
		metric.WithDescription("Duration of origin fetch requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	); err != nil {
		return err
	}

	if m.originFetchTotal, err = meter.Int64Counter(
		"filecdn_origin_fetch_total",
		metric.WithDescription("Total number of origin fetch requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return err
	}

	if m.originFetchBytesTotal, err = meter.Int64Counter(
		"filecdn_origin_fetch_bytes_total",
		metric.WithDescription("Total bytes fetched from origin"),
		metric.WithUnit("By"),
	); err != nil {
		return err
	}

	if m.queueSlotsBusy, err = meter.Int64Gauge(
		"filecdn_queue_slots_busy",
		metric.WithDescription("Admission slots currently held by active downloads"),
		metric.WithUnit("{slot}"),
	); err != nil {
		return err
	}

	if m.queueDepth, err = meter.Int64Gauge(
		"filecdn_queue_depth",
		metric.WithDescription("Total requests currently tracked by the admission queue"),
		metric.WithUnit("{request}"),
	); err != nil {
		return err
	}

	if m.queueRejectedTotal, err = meter.Int64Counter(
		"filecdn_queue_rejected_total",
		metric.WithDescription("Activation attempts rejected because all slots were busy"),
		metric.WithUnit("{request}"),
	); err != nil {
		return err
	}

	if m.queueReclaimedTotal, err = meter.Int64Counter(
		"filecdn_queue_reclaimed_total",
		metric.WithDescription("Expired queue entries reclaimed by the sweep"),
		metric.WithUnit("{request}"),
	); err != nil {
		return err
	}

	if m.uploadBytesTotal, err = meter.Int64Counter(
		"filecdn_upload_bytes_total",
		metric.WithDescription("Total decompressed bytes accepted by the upload pipeline"),
		metric.WithUnit("By"),
	); err != nil {
		return err
	}

	if m.uploadRejectsTotal, err = meter.Int64Counter(
		"filecdn_upload_rejects_total",
		metric.WithDescription("Uploads rejected by the pipeline"),
		metric.WithUnit("{upload}"),
	); err != nil {
		return err
	}

	if m.sweepRunsTotal, err = meter.Int64Counter(
		"filecdn_retention_runs_total",
		metric.WithDescription("Total retention sweep runs"),
		metric.WithUnit("{run}"),
	); err != nil {
		return err
	}

	if m.sweepDuration, err = meter.Float64Histogram(
		"filecdn_retention_run_duration_seconds",
		metric.WithDescription("Retention sweep duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 10, 30, 60, 120, 300),
	); err != nil {
		return err
	}

	if m.sweepDeletedTotal, err = meter.Int64Counter(
		"filecdn_retention_files_deleted_total",
		metric.WithDescription("Files deleted by the retention sweep"),
		metric.WithUnit("{file}"),
	); err != nil {
		return err
	}

	if m.sweepReclaimedBytes, err = meter.Int64Counter(
		"filecdn_retention_bytes_reclaimed_total",
		metric.WithDescription("Bytes reclaimed by the retention sweep"),
		metric.WithUnit("By"),
	); err != nil {
		return err
	}

	if m.sweepColdMovesTotal, err = meter.Int64Counter(
		"filecdn_retention_cold_moves_total",
		metric.WithDescription("Files moved to the cold storage tier"),
		metric.WithUnit("{file}"),
	); err != nil {
		return err
	}

	if m.sweepErrorsTotal, err = meter.Int64Counter(
		"filecdn_retention_errors_total",
		metric.WithDescription("Per-file errors during retention sweeps"),
		metric.WithUnit("{error}"),
	); err != nil {
		return err
	}

	globalMetrics = m
	return nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordHTTP records HTTP request metrics. Call from the logging middleware
// after the request completes; endpoint and cache result come from the
// request tags set by handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	tags := GetTags(r)

	endpoint := "unknown"
	cacheResult := string(CacheNA)
	if tags != nil {
		if tags.Endpoint != "" {
			endpoint = tags.Endpoint
		}
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
	}

	attrs := []attribute.KeyValue{
		attribute.String("endpoint", endpoint),
		attribute.String("status_class", StatusClass(status)),
		attribute.String("cache_result", cacheResult),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(attrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordOriginFetch records an origin fetch attempt.
func RecordOriginFetch(ctx context.Context, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.originFetchTotal.Add(ctx, 1, attrs)
	globalMetrics.originFetchDuration.Record(ctx, duration.Seconds(), attrs)
	if bytesRead > 0 {
		globalMetrics.originFetchBytesTotal.Add(ctx, bytesRead, attrs)
	}
}

// RecordQueueState records the current slot usage and queue depth.
func RecordQueueState(ctx context.Context, slotsBusy, depth int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.queueSlotsBusy.Record(ctx, int64(slotsBusy))
	globalMetrics.queueDepth.Record(ctx, int64(depth))
}

// RecordQueueRejection records an activation attempt turned away because all
// slots were busy.
func RecordQueueRejection(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.queueRejectedTotal.Add(ctx, 1)
}

// RecordQueueReclaimed records expired entries removed by the queue sweep.
func RecordQueueReclaimed(ctx context.Context, count int) {
	if globalMetrics == nil || count == 0 {
		return
	}
	globalMetrics.queueReclaimedTotal.Add(ctx, int64(count))
}

// RecordUpload records an accepted upload's decompressed size.
func RecordUpload(ctx context.Context, size int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.uploadBytesTotal.Add(ctx, size)
}

// RecordUploadReject records a rejected upload with its reason.
func RecordUploadReject(ctx context.Context, reason string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.uploadRejectsTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordSweep records the outcome of one retention sweep.
func RecordSweep(ctx context.Context, duration time.Duration, deleted, coldMoves, errs int, bytesReclaimed int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.sweepRunsTotal.Add(ctx, 1)
	globalMetrics.sweepDuration.Record(ctx, duration.Seconds())
	globalMetrics.sweepDeletedTotal.Add(ctx, int64(deleted))
	globalMetrics.sweepColdMovesTotal.Add(ctx, int64(coldMoves))
	globalMetrics.sweepErrorsTotal.Add(ctx, int64(errs))
	globalMetrics.sweepReclaimedBytes.Add(ctx, bytesReclaimed)
}

// PrometheusHandler returns the Prometheus metrics handler, or a 404 handler
// if Prometheus export is not enabled.
func PrometheusHandler() http.Handler {
	if globalMetrics != nil && globalMetrics.promHandler != nil {
		return globalMetrics.promHandler
	}
	return http.NotFoundHandler()
}

// StatusClass converts an HTTP status code to its class string ("2xx").
func StatusClass(status int) string {
	return strconv.Itoa(status/100) + "xx"
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
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
