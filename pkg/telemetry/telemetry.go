// Package telemetry wires up Prometheus + OpenTelemetry exporters used by the
// proxy and its upstream clients.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"aufloes/pkg/config"
	"aufloes/pkg/logging"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// MeterName is the instrumentation scope of every proxy metric
const MeterName = "aufloes"

// Telemetry holds telemetry providers and exporters
type Telemetry struct {
	cfg              *config.TelemetryConfig
	meterProvider    metric.MeterProvider
	tracerProvider   trace.TracerProvider
	registry         *promclient.Registry
	prometheusServer *http.Server
	logger           *logging.Logger
}

// Metrics holds all application metrics
type Metrics struct {
	// Dispatch loop
	QueriesTotal   metric.Int64Counter
	QueryDuration  metric.Float64Histogram
	RepliesDropped metric.Int64Counter

	// Upstream clients
	UpstreamErrors      metric.Int64Counter
	UpstreamTimeouts    metric.Int64Counter
	UpstreamPending     metric.Int64UpDownCounter
	UpstreamUnsolicited metric.Int64Counter
}

// New creates a new telemetry instance
func New(ctx context.Context, cfg *config.TelemetryConfig, logger *logging.Logger) (*Telemetry, error) {
	if !cfg.Enabled {
		logger.Info("Telemetry disabled")
		return &Telemetry{
			cfg:            cfg,
			meterProvider:  noop.NewMeterProvider(),
			tracerProvider: tracenoop.NewTracerProvider(),
			logger:         logger,
		}, nil
	}

	t := &Telemetry{
		cfg:    cfg,
		logger: logger,
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := t.setupMetrics(res); err != nil {
		return nil, fmt.Errorf("failed to setup metrics: %w", err)
	}

	if cfg.TracingEnabled {
		t.setupTracing(res)
	} else {
		t.tracerProvider = tracenoop.NewTracerProvider()
	}

	logger.Info("Telemetry initialized",
		"service", cfg.ServiceName,
		"version", cfg.ServiceVersion,
		"prometheus", cfg.PrometheusEnabled,
		"tracing", cfg.TracingEnabled,
	)

	return t, nil
}

// setupMetrics initializes the metrics provider
func (t *Telemetry) setupMetrics(res *resource.Resource) error {
	if !t.cfg.PrometheusEnabled {
		t.meterProvider = noop.NewMeterProvider()
		return nil
	}

	// A private registry keeps repeated instances (tests, reloads) from colliding
	// in the default one.
	t.registry = promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(t.registry))
	if err != nil {
		return fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	t.meterProvider = provider
	otel.SetMeterProvider(provider)

	if t.cfg.PrometheusPort > 0 {
		if err := t.startPrometheusServer(); err != nil {
			return fmt.Errorf("failed to start prometheus server: %w", err)
		}
		t.logger.Info("Prometheus metrics enabled", "port", t.cfg.PrometheusPort)
	}

	return nil
}

// setupTracing installs an SDK tracer provider with no span processor. Spans
// are sampled and carry valid trace IDs for in-process use, such as log
// correlation or a processor registered by an embedding program, but nothing
// is exported.
func (t *Telemetry) setupTracing(res *resource.Resource) {
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	t.tracerProvider = provider
	otel.SetTracerProvider(provider)

	t.logger.Info("Tracing enabled")
}

// startPrometheusServer starts the Prometheus metrics HTTP server
func (t *Telemetry) startPrometheusServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", t.MetricsHandler())

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", t.cfg.PrometheusPort))
	if err != nil {
		return err
	}

	t.prometheusServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second, // Prevent Slowloris attacks
	}

	go func() {
		if err := t.prometheusServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("Prometheus server failed", "error", err)
		}
	}()

	return nil
}

// MetricsHandler returns the Prometheus scrape handler, or a 404 handler when
// Prometheus export is disabled
func (t *Telemetry) MetricsHandler() http.Handler {
	if t.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// InitMetrics initializes and returns all application metrics
func (t *Telemetry) InitMetrics() (*Metrics, error) {
	return NewMetrics(t.meterProvider.Meter(MeterName))
}

// NewMetrics creates every instrument on meter
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	queriesTotal, err := meter.Int64Counter(
		"dns.queries.total",
		metric.WithDescription("Total number of DNS queries received"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queries counter: %w", err)
	}

	queryDuration, err := meter.Float64Histogram(
		"dns.query.duration",
		metric.WithDescription("DNS query processing duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create query duration histogram: %w", err)
	}

	repliesDropped, err := meter.Int64Counter(
		"dns.replies.dropped",
		metric.WithDescription("Number of queries that received no reply"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dropped replies counter: %w", err)
	}

	upstreamErrors, err := meter.Int64Counter(
		"dns.upstream.errors",
		metric.WithDescription("Number of failed upstream exchanges"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream errors counter: %w", err)
	}

	upstreamTimeouts, err := meter.Int64Counter(
		"dns.upstream.timeouts",
		metric.WithDescription("Number of upstream exchanges that timed out"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream timeouts counter: %w", err)
	}

	upstreamPending, err := meter.Int64UpDownCounter(
		"dns.upstream.pending",
		metric.WithDescription("Number of upstream requests awaiting a response"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream pending gauge: %w", err)
	}

	upstreamUnsolicited, err := meter.Int64Counter(
		"dns.upstream.unsolicited",
		metric.WithDescription("Number of upstream datagrams matching no pending request"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create unsolicited responses counter: %w", err)
	}

	return &Metrics{
		QueriesTotal:        queriesTotal,
		QueryDuration:       queryDuration,
		RepliesDropped:      repliesDropped,
		UpstreamErrors:      upstreamErrors,
		UpstreamTimeouts:    upstreamTimeouts,
		UpstreamPending:     upstreamPending,
		UpstreamUnsolicited: upstreamUnsolicited,
	}, nil
}

// MeterProvider returns the meter provider
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	return t.meterProvider
}

// TracerProvider returns the tracer provider
func (t *Telemetry) TracerProvider() trace.TracerProvider {
	return t.tracerProvider
}

// The recording helpers below are safe on a nil *Metrics so components can
// run without telemetry.

// AddQuery counts one received query
func (m *Metrics) AddQuery(ctx context.Context) {
	if m != nil && m.QueriesTotal != nil {
		m.QueriesTotal.Add(ctx, 1)
	}
}

// RecordDuration records how long a query took end to end
func (m *Metrics) RecordDuration(ctx context.Context, d time.Duration, outcome string) {
	if m != nil && m.QueryDuration != nil {
		m.QueryDuration.Record(ctx, float64(d)/float64(time.Millisecond),
			metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

// AddDroppedReply counts a query that was answered with silence
func (m *Metrics) AddDroppedReply(ctx context.Context, reason string) {
	if m != nil && m.RepliesDropped != nil {
		m.RepliesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

// AddUpstreamError counts a failed upstream exchange
func (m *Metrics) AddUpstreamError(ctx context.Context, transport string) {
	if m != nil && m.UpstreamErrors != nil {
		m.UpstreamErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("transport", transport)))
	}
}

// AddUpstreamTimeout counts an upstream exchange that ran out of time
func (m *Metrics) AddUpstreamTimeout(ctx context.Context, transport string) {
	if m != nil && m.UpstreamTimeouts != nil {
		m.UpstreamTimeouts.Add(ctx, 1, metric.WithAttributes(attribute.String("transport", transport)))
	}
}

// AddPending adjusts the number of outstanding upstream requests
func (m *Metrics) AddPending(ctx context.Context, delta int64) {
	if m != nil && m.UpstreamPending != nil {
		m.UpstreamPending.Add(ctx, delta)
	}
}

// AddUnsolicited counts an upstream datagram nobody was waiting for
func (m *Metrics) AddUnsolicited(ctx context.Context) {
	if m != nil && m.UpstreamUnsolicited != nil {
		m.UpstreamUnsolicited.Add(ctx, 1)
	}
}

// Shutdown gracefully shuts down telemetry
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error

	if t.prometheusServer != nil {
		if err := t.prometheusServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("prometheus server shutdown: %w", err))
		}
	}

	if provider, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		if err := provider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}

	if provider, ok := t.tracerProvider.(*sdktrace.TracerProvider); ok {
		if err := provider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider shutdown: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("telemetry shutdown errors: %w", errors.Join(errs...))
	}

	t.logger.Info("Telemetry shut down")
	return nil
}
