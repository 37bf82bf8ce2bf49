// Package observability wires OpenTelemetry tracing and Prometheus
// metrics for the job executor: jobs claimed, their outcome and
// duration, retries spent, and how often the scheduler's maintenance
// procedures run.
package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config controls observability initialisation.
type Config struct {
	Enabled        bool
	ServiceName    string
	Environment    string
	OTLPEndpoint   string
	OTLPHeaders    map[string]string
	OTLPInsecure   bool
	MetricsAddress string
}

// Providers exposes configured telemetry providers.
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Propagator     propagation.TextMapPropagator
	MetricsHandler http.Handler
	Shutdown       func(ctx context.Context) error
	Config         Config
}

var (
	initOnce sync.Once

	jobTracer trace.Tracer

	jobClaimedCounter  metric.Int64Counter
	jobSuccessCounter  metric.Int64Counter
	jobFailureCounter  metric.Int64Counter
	jobTimeoutCounter  metric.Int64Counter
	jobDuration        metric.Float64Histogram
	jobRetryCounter    metric.Int64Counter
	maintenanceCounter metric.Int64Counter
)

// Init configures tracing and metrics exporters. When cfg.Enabled is false the function is a no-op.
func Init(ctx context.Context, cfg Config) (*Providers, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "ppe"
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	var spanExporter sdktrace.SpanExporter
	if cfg.OTLPEndpoint != "" {
		clientOpts := []otlptracehttp.Option{
			getOTLPEndpointOption(cfg.OTLPEndpoint),
		}
		if cfg.OTLPInsecure {
			clientOpts = append(clientOpts, otlptracehttp.WithInsecure())
		}
		if len(cfg.OTLPHeaders) > 0 {
			clientOpts = append(clientOpts, otlptracehttp.WithHeaders(cfg.OTLPHeaders))
		}

		exp, err := otlptracehttp.New(ctx, clientOpts...)
		if err != nil {
			fmt.Printf("WARN: Failed to create OTLP trace exporter (traces disabled): %v\n", err)
			fmt.Printf("WARN: Endpoint: %s\n", cfg.OTLPEndpoint)
		} else {
			spanExporter = exp
		}
	}

	traceOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
	}
	if spanExporter != nil {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(spanExporter))
	}

	tracerProvider := sdktrace.NewTracerProvider(traceOpts...)
	otel.SetTracerProvider(tracerProvider)

	prop := propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
	otel.SetTextMapPropagator(prop)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	promExporter, err := otelprom.New(
		otelprom.WithRegisterer(registry),
	)
	if err != nil {
		_ = tracerProvider.Shutdown(ctx)
		return nil, fmt.Errorf("create Prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	)
	otel.SetMeterProvider(meterProvider)

	initOnce.Do(func() {
		jobTracer = tracerProvider.Tracer("ppe/job")
		_ = initJobInstruments(meterProvider)
	})

	shutdown := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		var allErr error
		if err := meterProvider.Shutdown(ctx); err != nil {
			allErr = errors.Join(allErr, fmt.Errorf("metric provider shutdown: %w", err))
		}
		if err := tracerProvider.Shutdown(ctx); err != nil {
			allErr = errors.Join(allErr, fmt.Errorf("trace provider shutdown: %w", err))
		}
		return allErr
	}

	return &Providers{
		TracerProvider: tracerProvider,
		MeterProvider:  meterProvider,
		Propagator:     prop,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Shutdown:       shutdown,
		Config:         cfg,
	}, nil
}

func getOTLPEndpointOption(endpoint string) otlptracehttp.Option {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return otlptracehttp.WithEndpointURL(endpoint)
	}
	return otlptracehttp.WithEndpoint(endpoint)
}

// WrapHandler applies OpenTelemetry instrumentation to an http.Handler when the providers are active.
func WrapHandler(handler http.Handler, prov *Providers) http.Handler {
	if prov == nil || prov.TracerProvider == nil {
		return handler
	}

	options := []otelhttp.Option{
		otelhttp.WithTracerProvider(prov.TracerProvider),
		otelhttp.WithPropagators(prov.Propagator),
		otelhttp.WithMeterProvider(prov.MeterProvider),
		otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
			return fmt.Sprintf("%s %s", r.Method, r.URL.Path)
		}),
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/health"
		}),
	}

	return otelhttp.NewHandler(handler, "http.server", options...)
}

func initJobInstruments(meterProvider *sdkmetric.MeterProvider) error {
	if meterProvider == nil {
		return nil
	}

	meter := meterProvider.Meter("ppe/job")

	var err error
	jobClaimedCounter, err = meter.Int64Counter(
		"ppe.job.claimed_total",
		metric.WithDescription("Jobs claimed from the queue"),
	)
	if err != nil {
		return err
	}

	jobSuccessCounter, err = meter.Int64Counter(
		"ppe.job.success_total",
		metric.WithDescription("Jobs that completed successfully"),
	)
	if err != nil {
		return err
	}

	jobFailureCounter, err = meter.Int64Counter(
		"ppe.job.failure_total",
		metric.WithDescription("Jobs that failed with a non-zero return code or error"),
	)
	if err != nil {
		return err
	}

	jobTimeoutCounter, err = meter.Int64Counter(
		"ppe.job.timeout_total",
		metric.WithDescription("Jobs that were killed after exceeding their timeout"),
	)
	if err != nil {
		return err
	}

	jobDuration, err = meter.Float64Histogram(
		"ppe.job.duration_ms",
		metric.WithUnit("ms"),
		metric.WithDescription("Execution time of a single job attempt"),
	)
	if err != nil {
		return err
	}

	jobRetryCounter, err = meter.Int64Counter(
		"ppe.job.retries_total",
		metric.WithDescription("Retry attempts spent across all jobs"),
	)
	if err != nil {
		return err
	}

	maintenanceCounter, err = meter.Int64Counter(
		"ppe.scheduler.maintenance_calls_total",
		metric.WithDescription("Scheduler maintenance procedure invocations, by procedure"),
	)
	return err
}

// JobSpanInfo describes the attributes used when starting a job span.
type JobSpanInfo struct {
	JobID    int
	TaskName string
	BatchID  int
}

// StartJobSpan starts a span for one job attempt.
func StartJobSpan(ctx context.Context, info JobSpanInfo) (context.Context, trace.Span) {
	t := jobTracer
	if t == nil {
		t = otel.Tracer("ppe/job")
	}

	attrs := []attribute.KeyValue{
		attribute.Int("job.id", info.JobID),
		attribute.String("task.name", info.TaskName),
		attribute.Int("batch.id", info.BatchID),
	}

	return t.Start(ctx, "job.run", trace.WithAttributes(attrs...))
}

// RecordJobClaimed increments the claimed-job counter.
func RecordJobClaimed(ctx context.Context) {
	if jobClaimedCounter != nil {
		jobClaimedCounter.Add(ctx, 1)
	}
}

// RecordJobResult records the outcome and execution time of one job attempt.
func RecordJobResult(ctx context.Context, taskName string, success bool, timedOut bool, durationMillis int64) {
	attrs := metric.WithAttributes(attribute.String("task.name", taskName))

	if jobDuration != nil {
		jobDuration.Record(ctx, float64(durationMillis), attrs)
	}

	switch {
	case success:
		if jobSuccessCounter != nil {
			jobSuccessCounter.Add(ctx, 1, attrs)
		}
	case timedOut:
		if jobTimeoutCounter != nil {
			jobTimeoutCounter.Add(ctx, 1, attrs)
		}
	default:
		if jobFailureCounter != nil {
			jobFailureCounter.Add(ctx, 1, attrs)
		}
	}
}

// RecordJobRetry records one retry attempt spent on a task.
func RecordJobRetry(ctx context.Context, taskName string) {
	if jobRetryCounter != nil {
		jobRetryCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("task.name", taskName)))
	}
}

// RecordMaintenanceCall records one invocation of a scheduler maintenance procedure.
func RecordMaintenanceCall(ctx context.Context, procedure string) {
	if maintenanceCounter != nil {
		maintenanceCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("procedure", procedure)))
	}
}
