package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

// Metrics holds all application metrics.
type Metrics struct {
	meter metric.Meter

	// Resolution metrics
	ResolveDuration metric.Float64Histogram
	ResolveTotal    metric.Int64Counter

	// Tier metrics
	TierHits   metric.Int64Counter
	TierMisses metric.Int64Counter

	// Shared-cache client metrics
	RemoteLookups metric.Int64Counter
	RemoteUpserts metric.Int64Counter

	// Dispatch queue metrics
	QueueDepth      metric.Int64Gauge
	QueueWait       metric.Float64Histogram
	UpstreamFetches metric.Int64Counter

	// Rate-limit window metrics
	RateLimitFreezes metric.Int64Counter
	RateLimited      metric.Int64Gauge

	// Persistence metrics
	StoreFlushes metric.Int64Counter

	// Cache server metrics
	ServerRequests metric.Int64Counter

	// Circuit breaker metrics
	CircuitBreakerState metric.Int64Gauge

	// Error metrics
	Errors metric.Int64Counter

	// Prometheus exporter for HTTP handler
	exporter *prometheus.Exporter
}

// NewMetrics creates a new Metrics instance. When disabled, all
// recording methods are no-ops on nil instruments.
func NewMetrics(serviceName string, enabled bool) (*Metrics, error) {
	if !enabled {
		return &Metrics{}, nil
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String("1.0.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	m := &Metrics{
		meter:    provider.Meter(serviceName),
		exporter: exporter,
	}

	if err := m.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return m, nil
}

func (m *Metrics) initMetrics() error {
	var err error

	m.ResolveDuration, err = m.meter.Float64Histogram(
		"wherefrom.resolve.duration",
		metric.WithDescription("End-to-end resolve duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}

	m.ResolveTotal, err = m.meter.Int64Counter(
		"wherefrom.resolve.total",
		metric.WithDescription("Total resolve calls by outcome and serving tier"),
	)
	if err != nil {
		return err
	}

	m.TierHits, err = m.meter.Int64Counter(
		"wherefrom.tier.hits",
		metric.WithDescription("Cache hits per tier"),
	)
	if err != nil {
		return err
	}

	m.TierMisses, err = m.meter.Int64Counter(
		"wherefrom.tier.misses",
		metric.WithDescription("Cache misses per tier"),
	)
	if err != nil {
		return err
	}

	m.RemoteLookups, err = m.meter.Int64Counter(
		"wherefrom.remote.lookups",
		metric.WithDescription("Shared-cache lookups by status"),
	)
	if err != nil {
		return err
	}

	m.RemoteUpserts, err = m.meter.Int64Counter(
		"wherefrom.remote.upserts",
		metric.WithDescription("Shared-cache upsert attempts by status"),
	)
	if err != nil {
		return err
	}

	m.QueueDepth, err = m.meter.Int64Gauge(
		"wherefrom.queue.depth",
		metric.WithDescription("Items waiting for upstream dispatch"),
	)
	if err != nil {
		return err
	}

	m.QueueWait, err = m.meter.Float64Histogram(
		"wherefrom.queue.wait",
		metric.WithDescription("Time from enqueue to dispatch start in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}

	m.UpstreamFetches, err = m.meter.Int64Counter(
		"wherefrom.upstream.fetches",
		metric.WithDescription("Upstream fetches by result"),
	)
	if err != nil {
		return err
	}

	m.RateLimitFreezes, err = m.meter.Int64Counter(
		"wherefrom.ratelimit.freezes",
		metric.WithDescription("Times the dispatch queue froze on a rate-limit window"),
	)
	if err != nil {
		return err
	}

	m.RateLimited, err = m.meter.Int64Gauge(
		"wherefrom.ratelimit.active",
		metric.WithDescription("1 while a rate-limit window is in effect"),
	)
	if err != nil {
		return err
	}

	m.StoreFlushes, err = m.meter.Int64Counter(
		"wherefrom.store.flushes",
		metric.WithDescription("Durable store flushes by status"),
	)
	if err != nil {
		return err
	}

	m.ServerRequests, err = m.meter.Int64Counter(
		"wherefrom.server.requests",
		metric.WithDescription("Cache server requests by route and status"),
	)
	if err != nil {
		return err
	}

	m.CircuitBreakerState, err = m.meter.Int64Gauge(
		"wherefrom.circuit_breaker.state",
		metric.WithDescription("Circuit breaker state (0=closed, 1=open, 2=half-open)"),
	)
	if err != nil {
		return err
	}

	m.Errors, err = m.meter.Int64Counter(
		"wherefrom.errors",
		metric.WithDescription("Errors by type"),
	)
	if err != nil {
		return err
	}

	return nil
}

// RecordResolve records a completed resolve call.
func (m *Metrics) RecordResolve(ctx context.Context, tier string, found bool, duration time.Duration) {
	if m.ResolveTotal == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("tier", tier),
		attribute.Bool("found", found),
	)
	m.ResolveTotal.Add(ctx, 1, attrs)
	m.ResolveDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
}

// RecordTierHit records a cache hit for a tier (local, remote, memo).
func (m *Metrics) RecordTierHit(ctx context.Context, tier string) {
	if m.TierHits == nil {
		return
	}
	m.TierHits.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", tier)))
}

// RecordTierMiss records a cache miss for a tier.
func (m *Metrics) RecordTierMiss(ctx context.Context, tier string) {
	if m.TierMisses == nil {
		return
	}
	m.TierMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", tier)))
}

// RecordRemoteLookup records a shared-cache read by status
// (hit, miss, network_error).
func (m *Metrics) RecordRemoteLookup(ctx context.Context, status string) {
	if m.RemoteLookups == nil {
		return
	}
	m.RemoteLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordRemoteUpsert records a shared-cache write-back attempt by status
// (success, failed, skipped, throttled).
func (m *Metrics) RecordRemoteUpsert(ctx context.Context, status string) {
	if m.RemoteUpserts == nil {
		return
	}
	m.RemoteUpserts.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// SetQueueDepth records the current dispatch queue depth.
func (m *Metrics) SetQueueDepth(ctx context.Context, depth int) {
	if m.QueueDepth == nil {
		return
	}
	m.QueueDepth.Record(ctx, int64(depth))
}

// RecordQueueWait records how long an item waited before dispatch.
func (m *Metrics) RecordQueueWait(ctx context.Context, wait time.Duration) {
	if m.QueueWait == nil {
		return
	}
	m.QueueWait.Record(ctx, float64(wait.Milliseconds()))
}

// RecordUpstreamFetch records an upstream fetch by result
// (found, absent, rate_limited, timed_out).
func (m *Metrics) RecordUpstreamFetch(ctx context.Context, result string) {
	if m.UpstreamFetches == nil {
		return
	}
	m.UpstreamFetches.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordRateLimitFreeze records entry into a rate-limit window.
func (m *Metrics) RecordRateLimitFreeze(ctx context.Context) {
	if m.RateLimitFreezes == nil {
		return
	}
	m.RateLimitFreezes.Add(ctx, 1)
}

// SetRateLimited flags whether a rate-limit window is in effect.
func (m *Metrics) SetRateLimited(ctx context.Context, limited bool) {
	if m.RateLimited == nil {
		return
	}
	var v int64
	if limited {
		v = 1
	}
	m.RateLimited.Record(ctx, v)
}

// RecordStoreFlush records a durable store flush attempt.
func (m *Metrics) RecordStoreFlush(ctx context.Context, success bool) {
	if m.StoreFlushes == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.StoreFlushes.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordServerRequest records a cache server request.
func (m *Metrics) RecordServerRequest(ctx context.Context, route string, status int) {
	if m.ServerRequests == nil {
		return
	}
	m.ServerRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("route", route),
		attribute.Int("status", status),
	))
}

// SetCircuitBreakerState records a circuit breaker state change.
func (m *Metrics) SetCircuitBreakerState(ctx context.Context, service string, state int64) {
	if m.CircuitBreakerState == nil {
		return
	}
	m.CircuitBreakerState.Record(ctx, state, metric.WithAttributes(attribute.String("service", service)))
}

// RecordError records an error by type.
func (m *Metrics) RecordError(ctx context.Context, errorType string) {
	if m.Errors == nil {
		return
	}
	m.Errors.Add(ctx, 1, metric.WithAttributes(attribute.String("type", errorType)))
}

// Handler returns the Prometheus scrape handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
