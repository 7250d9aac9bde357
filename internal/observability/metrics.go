package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics implementing the golden 4 signals:
// - Latency: How long requests/jobs take
// - Traffic: Request/job/upload throughput
// - Errors: Rate of failures
// - Saturation: Queue depth and running jobs against the concurrency cap
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Job metrics (Latency, Traffic, Errors, Saturation)
	JobsSubmitted    metric.Int64Counter
	JobsRejected     metric.Int64Counter
	JobQueueWait     metric.Float64Histogram
	JobDuration      metric.Float64Histogram
	JobsFinished     metric.Int64Counter
	JobsQueued       metric.Int64Gauge
	JobsRunning      metric.Int64Gauge
	QueueCapacity    metric.Int64Gauge
	UploadsTotal     metric.Int64Counter
	UploadBytesTotal metric.Int64Counter
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("boltz-service")
	m := &Metrics{meter: meter}

	// HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Job metrics
	m.JobsSubmitted, err = meter.Int64Counter(
		"jobs_submitted_total",
		metric.WithDescription("Total number of jobs accepted for execution"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsRejected, err = meter.Int64Counter(
		"jobs_rejected_total",
		metric.WithDescription("Total number of submissions rejected by validation"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobQueueWait, err = meter.Float64Histogram(
		"job_queue_wait_seconds",
		metric.WithDescription("Time between submission and engine start in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 1, 5, 30, 60, 300, 600, 1800, 3600, 7200),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobDuration, err = meter.Float64Histogram(
		"job_duration_seconds",
		metric.WithDescription("Engine run duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600, 900, 1800, 3600),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsFinished, err = meter.Int64Counter(
		"jobs_finished_total",
		metric.WithDescription("Total number of jobs that reached a terminal status"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsQueued, err = meter.Int64Gauge(
		"jobs_queued",
		metric.WithDescription("Number of jobs waiting for a slot (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsRunning, err = meter.Int64Gauge(
		"jobs_running",
		metric.WithDescription("Number of jobs currently running (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.QueueCapacity, err = meter.Int64Gauge(
		"jobs_concurrency_capacity",
		metric.WithDescription("Configured number of concurrent engine runs"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.UploadsTotal, err = meter.Int64Counter(
		"uploads_total",
		metric.WithDescription("Total number of stored uploads"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.UploadBytesTotal, err = meter.Int64Counter(
		"upload_bytes_total",
		metric.WithDescription("Total bytes of stored uploads"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobSubmitted records a job accepted into the queue.
func (m *Metrics) RecordJobSubmitted(ctx context.Context, hasAffinity bool) {
	m.JobsSubmitted.Add(ctx, 1, metric.WithAttributes(affinityAttr(hasAffinity)))
}

// RecordJobRejected records a submission refused before a job was created.
func (m *Metrics) RecordJobRejected(ctx context.Context, field string) {
	m.JobsRejected.Add(ctx, 1, metric.WithAttributes(fieldAttr(field)))
}

// RecordJobStarted records how long a job waited for an engine slot.
func (m *Metrics) RecordJobStarted(ctx context.Context, queueWaitSeconds float64) {
	m.JobQueueWait.Record(ctx, queueWaitSeconds)
}

// RecordJobFinished records a job reaching a terminal status.
func (m *Metrics) RecordJobFinished(ctx context.Context, status string, durationSeconds float64) {
	attrs := metric.WithAttributes(jobStatusAttr(status))
	m.JobDuration.Record(ctx, durationSeconds, attrs)
	m.JobsFinished.Add(ctx, 1, attrs)
}

// RecordQueue records queue saturation. It satisfies queue.MetricsRecorder.
func (m *Metrics) RecordQueue(ctx context.Context, queued, running, capacity int) {
	m.JobsQueued.Record(ctx, int64(queued))
	m.JobsRunning.Record(ctx, int64(running))
	m.QueueCapacity.Record(ctx, int64(capacity))
}

// RecordUpload records a stored upload of the given kind ("msa" or "template").
func (m *Metrics) RecordUpload(ctx context.Context, kind string, size int64) {
	attrs := metric.WithAttributes(uploadKindAttr(kind))
	m.UploadsTotal.Add(ctx, 1, attrs)
	m.UploadBytesTotal.Add(ctx, size, attrs)
}
