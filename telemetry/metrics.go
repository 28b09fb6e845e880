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
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

const (
	meterName = "github.com/wolfeidau/ucan-ledger"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal           metric.Int64Counter
	responseBytesTotal      metric.Int64Counter
	requestDuration         metric.Float64Histogram
	requestsByEndpointTotal metric.Int64Counter

	backendRequestDuration metric.Float64Histogram
	backendRequestsTotal   metric.Int64Counter
	backendBytesTotal      metric.Int64Counter

	ingestArchivesTotal    metric.Int64Counter
	ingestArchiveSize      metric.Float64Histogram
	ingestInvocationsTotal metric.Int64Counter
	ingestReceiptsTotal    metric.Int64Counter
	streamRecordsTotal     metric.Int64Counter

	revocationsRecordedTotal metric.Int64Counter
	revocationProofsTotal    metric.Int64Counter
	revocationEmbedsTotal    metric.Int64Counter

	registryOpsTotal       metric.Int64Counter
	spaceDiffsTotal        metric.Int64Counter
	usageMetricErrorsTotal metric.Int64Counter

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
		cfg.ServiceName = "ucan-ledger"
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

	// Keep collecting even with no exporter so instruments are never nil.
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

	m, err := newMetrics(mp)
	if err != nil {
		return err
	}
	m.promHandler = promHandler
	globalMetrics = m
	return nil
}

// newMetrics creates every instrument on the provider's meter.
func newMetrics(mp *sdkmetric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	m := &Metrics{meterProvider: mp}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&m.requestsTotal, "ucan_ledger_http_requests_total", "Total number of HTTP requests", "{request}"},
		{&m.responseBytesTotal, "ucan_ledger_http_response_bytes_total", "Total bytes sent in HTTP responses", "By"},
		{&m.requestsByEndpointTotal, "ucan_ledger_http_requests_by_endpoint_total", "Total number of HTTP requests by endpoint (detail metric)", "{request}"},
		{&m.backendRequestsTotal, "ucan_ledger_backend_requests_total", "Total number of object store operations", "{request}"},
		{&m.backendBytesTotal, "ucan_ledger_backend_bytes_total", "Total bytes written to the object store", "By"},
		{&m.ingestArchivesTotal, "ucan_ledger_ingest_archives_total", "Total agent message archives ingested", "{archive}"},
		{&m.ingestInvocationsTotal, "ucan_ledger_ingest_invocations_total", "Total invocations indexed", "{invocation}"},
		{&m.ingestReceiptsTotal, "ucan_ledger_ingest_receipts_total", "Total receipts indexed", "{receipt}"},
		{&m.streamRecordsTotal, "ucan_ledger_stream_records_total", "Total records emitted to the stream", "{record}"},
		{&m.revocationsRecordedTotal, "ucan_ledger_revocations_recorded_total", "Total revocation records written", "{revocation}"},
		{&m.revocationProofsTotal, "ucan_ledger_revocation_proofs_total", "Total revocation proof builds", "{proof}"},
		{&m.revocationEmbedsTotal, "ucan_ledger_revocation_proof_embeds_total", "Cause blocks considered for embedding in proofs", "{block}"},
		{&m.registryOpsTotal, "ucan_ledger_registry_operations_total", "Total blob registry operations", "{operation}"},
		{&m.spaceDiffsTotal, "ucan_ledger_space_diffs_total", "Total space diff rows written", "{diff}"},
		{&m.usageMetricErrorsTotal, "ucan_ledger_usage_metric_errors_total", "Best-effort usage metric updates that failed", "{error}"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, err
		}
	}

	m.requestDuration, err = meter.Float64Histogram(
		"ucan_ledger_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, err
	}

	m.backendRequestDuration, err = meter.Float64Histogram(
		"ucan_ledger_backend_request_duration_seconds",
		metric.WithDescription("Duration of object store operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return nil, err
	}

	m.ingestArchiveSize, err = meter.Float64Histogram(
		"ucan_ledger_ingest_archive_size_bytes",
		metric.WithDescription("Size of ingested agent message archives"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
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

// RecordHTTP records HTTP request metrics.
// Call this from the logging middleware after the request completes.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	surface := "unknown"
	result := string(ResultNone)
	endpoint := ""
	if tags := GetTags(r); tags != nil {
		if tags.Surface != "" {
			surface = tags.Surface
		}
		if tags.Result != "" {
			result = string(tags.Result)
		}
		endpoint = tags.Endpoint
	}

	statusClass := StatusClass(status)

	sharedAttrs := metric.WithAttributes(
		attribute.String("surface", surface),
		attribute.String("status_class", statusClass),
		attribute.String("result", result),
	)
	globalMetrics.requestsTotal.Add(ctx, 1, sharedAttrs)
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, sharedAttrs)
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), sharedAttrs)

	if endpoint != "" {
		globalMetrics.requestsByEndpointTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("surface", surface),
			attribute.String("endpoint", endpoint),
			attribute.String("status_class", statusClass),
			attribute.String("result", result),
		))
	}
}

// RecordBackendOp records object store operation metrics.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	)
	globalMetrics.backendRequestsTotal.Add(ctx, 1, attrs)
	globalMetrics.backendRequestDuration.Record(ctx, duration.Seconds(), attrs)
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, attrs)
	}
}

// RecordIngest records one archive ingestion. outcome is "success",
// "decode_error", "missing_invocation" or "error".
func RecordIngest(ctx context.Context, outcome string, size int64, invocations, receipts int) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.ingestArchivesTotal.Add(ctx, 1, attrs)
	globalMetrics.ingestArchiveSize.Record(ctx, float64(size), attrs)
	globalMetrics.ingestInvocationsTotal.Add(ctx, int64(invocations), attrs)
	globalMetrics.ingestReceiptsTotal.Add(ctx, int64(receipts), attrs)
}

// RecordStreamPut records records emitted to a stream.
func RecordStreamPut(ctx context.Context, stream, outcome string, records int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.streamRecordsTotal.Add(ctx, int64(records), metric.WithAttributes(
		attribute.String("stream", stream),
		attribute.String("outcome", outcome),
	))
}

// RecordRevocations records revocation records written.
func RecordRevocations(ctx context.Context, n int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.revocationsRecordedTotal.Add(ctx, int64(n))
}

// RecordProofBuild records a proof build. outcome is "revoked",
// "not_revoked" or "error".
func RecordProofBuild(ctx context.Context, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.revocationProofsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordProofEmbed records whether a cause block was embedded in a proof.
// result is "embedded", "missing" or "mismatch".
func RecordProofEmbed(ctx context.Context, result string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.revocationEmbedsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordRegistryOp records a blob registry operation and the space diff rows
// it wrote.
func RecordRegistryOp(ctx context.Context, op, outcome string, diffs int) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	)
	globalMetrics.registryOpsTotal.Add(ctx, 1, attrs)
	if diffs > 0 {
		globalMetrics.spaceDiffsTotal.Add(ctx, int64(diffs), attrs)
	}
}

// RecordUsageMetricError records a failed best-effort usage metric update.
func RecordUsageMetricError(ctx context.Context, source string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.usageMetricErrorsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// It responds 404 until Prometheus export is enabled.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
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
