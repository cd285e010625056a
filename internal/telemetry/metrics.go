package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/wolfeidau/storefront"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Session refresh metrics
	RefreshAttemptsTotal  metric.Int64Counter
	RefreshFailuresTotal  metric.Int64Counter
	RefreshCoalescedTotal metric.Int64Counter
	ReplaysTotal          metric.Int64Counter

	// Session controller metrics
	AuthOperationsTotal metric.Int64Counter
	LogoutsTotal        metric.Int64Counter
	StaleResultsTotal   metric.Int64Counter

	// HTTP client metrics
	HTTPRequestDuration metric.Float64Histogram
	HTTPRetriesTotal    metric.Int64Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary.
// Instruments are bound to the global meter provider, a no-op until
// InitTelemetry installs an exporter.
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

// initMetrics creates and registers all metric instruments
func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}

	m.RefreshAttemptsTotal, _ = meter.Int64Counter(
		"storefront.session.refresh.attempts.total",
		metric.WithDescription("Total number of refresh-token calls made"),
		metric.WithUnit("{call}"),
	)

	m.RefreshFailuresTotal, _ = meter.Int64Counter(
		"storefront.session.refresh.failures.total",
		metric.WithDescription("Total number of failed refresh-token calls"),
		metric.WithUnit("{call}"),
	)

	m.RefreshCoalescedTotal, _ = meter.Int64Counter(
		"storefront.session.refresh.coalesced.total",
		metric.WithDescription("Requests that reused another request's refresh instead of starting one"),
		metric.WithUnit("{request}"),
	)

	m.ReplaysTotal, _ = meter.Int64Counter(
		"storefront.session.replays.total",
		metric.WithDescription("Requests replayed after a successful refresh"),
		metric.WithUnit("{request}"),
	)

	m.AuthOperationsTotal, _ = meter.Int64Counter(
		"storefront.session.operations.total",
		metric.WithDescription("Session controller operations by name and outcome"),
		metric.WithUnit("{operation}"),
	)

	m.LogoutsTotal, _ = meter.Int64Counter(
		"storefront.session.logouts.total",
		metric.WithDescription("Total number of logouts, including forced ones"),
		metric.WithUnit("{logout}"),
	)

	m.StaleResultsTotal, _ = meter.Int64Counter(
		"storefront.session.stale_results.total",
		metric.WithDescription("Results discarded because their attempt was superseded"),
		metric.WithUnit("{result}"),
	)

	m.HTTPRequestDuration, _ = meter.Float64Histogram(
		"storefront.http.request.duration",
		metric.WithDescription("Duration of outgoing API requests"),
		metric.WithUnit("ms"),
	)

	m.HTTPRetriesTotal, _ = meter.Int64Counter(
		"storefront.http.retries.total",
		metric.WithDescription("Total number of retried API requests"),
		metric.WithUnit("{retry}"),
	)

	return m
}
