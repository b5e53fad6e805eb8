// Package observe provides the library's observability primitives:
// OpenTelemetry metric instruments plus a Prometheus exporter bridge.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A package
// level default [Metrics] instance ([DefaultMetrics]) is provided for
// convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/magmastream/magmastream-go"

// Metrics holds all OpenTelemetry metric instruments for the library.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// NodeConnects counts successful node WebSocket connections. Use with
	// attribute.String("node", ...).
	NodeConnects metric.Int64Counter

	// NodeReconnects counts reconnection attempts after unsolicited
	// closes. Use with attribute.String("node", ...).
	NodeReconnects metric.Int64Counter

	// NodeFailures counts terminal node failures (retry budget exhausted
	// or REST 404 escalation). Use with attribute.String("node", ...).
	NodeFailures metric.Int64Counter

	// RESTRequestDuration tracks node REST call latency. Use with
	// attributes: attribute.String("route", ...), attribute.String("status", ...).
	RESTRequestDuration metric.Float64Histogram

	// ActivePlayers tracks the number of live players across all nodes.
	ActivePlayers metric.Int64UpDownCounter

	// TracksStarted counts tracks that began playback. Use with
	// attribute.String("source", ...).
	TracksStarted metric.Int64Counter

	// PlayerMigrations counts players moved between nodes.
	PlayerMigrations metric.Int64Counter

	// SnapshotWriteDuration tracks player snapshot persistence latency.
	SnapshotWriteDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) suited to
// REST round-trips and local file writes.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.NodeConnects, err = m.Int64Counter("magmastream.node.connects",
		metric.WithDescription("Successful node WebSocket connections by node identifier."),
	); err != nil {
		return nil, err
	}
	if met.NodeReconnects, err = m.Int64Counter("magmastream.node.reconnects",
		metric.WithDescription("Node reconnection attempts by node identifier."),
	); err != nil {
		return nil, err
	}
	if met.NodeFailures, err = m.Int64Counter("magmastream.node.failures",
		metric.WithDescription("Terminal node failures by node identifier."),
	); err != nil {
		return nil, err
	}
	if met.RESTRequestDuration, err = m.Float64Histogram("magmastream.rest.request.duration",
		metric.WithDescription("Node REST request latency by route and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActivePlayers, err = m.Int64UpDownCounter("magmastream.players.active",
		metric.WithDescription("Number of live players across all nodes."),
	); err != nil {
		return nil, err
	}
	if met.TracksStarted, err = m.Int64Counter("magmastream.tracks.started",
		metric.WithDescription("Tracks that began playback, by source."),
	); err != nil {
		return nil, err
	}
	if met.PlayerMigrations, err = m.Int64Counter("magmastream.player.migrations",
		metric.WithDescription("Players migrated between nodes."),
	); err != nil {
		return nil, err
	}
	if met.SnapshotWriteDuration, err = m.Float64Histogram("magmastream.snapshot.write.duration",
		metric.WithDescription("Player snapshot persistence latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call using [otel.GetMeterProvider]. Subsequent calls return the
// same pointer. Panics if instrument creation fails (should not happen with
// the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordRESTRequest records one node REST call.
func (m *Metrics) RecordRESTRequest(ctx context.Context, route, status string, seconds float64) {
	m.RESTRequestDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("route", route),
			attribute.String("status", status),
		),
	)
}

// RecordTrackStart records one started track.
func (m *Metrics) RecordTrackStart(ctx context.Context, source string) {
	m.TracksStarted.Add(ctx, 1,
		metric.WithAttributes(attribute.String("source", source)),
	)
}

// NodeAttr is the standard node identifier attribute.
func NodeAttr(identifier string) metric.AddOption {
	return metric.WithAttributes(attribute.String("node", identifier))
}
