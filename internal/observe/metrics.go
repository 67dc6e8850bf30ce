// Package observe provides application-wide observability primitives for
// fieldrec: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/fieldrec/pkg/bus"
)

// meterName is the instrumentation scope name used for all fieldrec metrics.
const meterName = "github.com/MrWong99/fieldrec"

// Metrics holds all OpenTelemetry metric instruments for the recorder.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Capture ---

	// CaptureFrames counts frames enqueued by the capture pipeline.
	CaptureFrames metric.Int64Counter

	// CaptureOverruns counts frames dropped because the consumer fell behind.
	CaptureOverruns metric.Int64Counter

	// --- Storage ---

	// StorageBytes counts bytes handed to the volume by physical writes.
	StorageBytes metric.Int64Counter

	// StorageFlushes counts flushes. Use with attribute:
	//   attribute.String("status", "ok"|"error")
	StorageFlushes metric.Int64Counter

	// StorageFlushDuration tracks flush latency.
	StorageFlushDuration metric.Float64Histogram

	// --- Buses ---

	// BusWait tracks how long callers waited for a bus. Use with attribute:
	//   attribute.String("bus", ...)
	BusWait metric.Float64Histogram

	// BusTimeouts counts failed acquisitions. Use with attribute:
	//   attribute.String("bus", ...)
	BusTimeouts metric.Int64Counter

	// --- Display ---

	// DisplayPushes counts push attempts. Use with attribute:
	//   attribute.String("status", "ok"|"error")
	DisplayPushes metric.Int64Counter

	// DisplayPushDuration tracks the SPI transfer time of a full frame.
	DisplayPushDuration metric.Float64Histogram

	// DisplayCoalesced counts frames replaced before they were pushed.
	DisplayCoalesced metric.Int64Counter

	// --- Coordinator ---

	// Faults counts faults seen by the coordinator. Use with attribute:
	//   attribute.String("kind", "io"|"sequence"|"bus_timeout"|"start")
	Faults metric.Int64Counter

	// Recoveries counts recovery passes. Use with attribute:
	//   attribute.String("result", "ok"|"failed")
	Recoveries metric.Int64Counter

	// StateTransitions counts coordinator state changes. Use with attribute:
	//   attribute.String("state", ...)
	StateTransitions metric.Int64Counter

	// ActiveSessions is 1 while a recording session is running.
	ActiveSessions metric.Int64UpDownCounter

	// --- Telemetry uplink ---

	// TelemetrySends counts uplink messages. Use with attribute:
	//   attribute.String("status", "ok"|"error")
	TelemetrySends metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for bus
// waits, flushes and SPI pushes.
var latencyBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Capture.
	if met.CaptureFrames, err = m.Int64Counter("fieldrec.capture.frames",
		metric.WithDescription("Total audio frames captured and enqueued."),
	); err != nil {
		return nil, err
	}
	if met.CaptureOverruns, err = m.Int64Counter("fieldrec.capture.overruns",
		metric.WithDescription("Total audio frames dropped by capture overruns."),
	); err != nil {
		return nil, err
	}

	// Storage.
	if met.StorageBytes, err = m.Int64Counter("fieldrec.storage.bytes",
		metric.WithDescription("Total bytes written to the SD volume."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.StorageFlushes, err = m.Int64Counter("fieldrec.storage.flushes",
		metric.WithDescription("Total storage flushes by status."),
	); err != nil {
		return nil, err
	}
	if met.StorageFlushDuration, err = m.Float64Histogram("fieldrec.storage.flush.duration",
		metric.WithDescription("Latency of storage flushes."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Buses.
	if met.BusWait, err = m.Float64Histogram("fieldrec.bus.wait",
		metric.WithDescription("Time spent waiting for a bus by bus."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BusTimeouts, err = m.Int64Counter("fieldrec.bus.timeouts",
		metric.WithDescription("Total bus acquisition timeouts by bus."),
	); err != nil {
		return nil, err
	}

	// Display.
	if met.DisplayPushes, err = m.Int64Counter("fieldrec.display.pushes",
		metric.WithDescription("Total display pushes by status."),
	); err != nil {
		return nil, err
	}
	if met.DisplayPushDuration, err = m.Float64Histogram("fieldrec.display.push.duration",
		metric.WithDescription("Latency of full-frame display pushes."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DisplayCoalesced, err = m.Int64Counter("fieldrec.display.coalesced",
		metric.WithDescription("Total display frames replaced before being pushed."),
	); err != nil {
		return nil, err
	}

	// Coordinator.
	if met.Faults, err = m.Int64Counter("fieldrec.coordinator.faults",
		metric.WithDescription("Total faults by kind."),
	); err != nil {
		return nil, err
	}
	if met.Recoveries, err = m.Int64Counter("fieldrec.coordinator.recoveries",
		metric.WithDescription("Total recovery passes by result."),
	); err != nil {
		return nil, err
	}
	if met.StateTransitions, err = m.Int64Counter("fieldrec.coordinator.transitions",
		metric.WithDescription("Total coordinator state transitions by target state."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("fieldrec.active_sessions",
		metric.WithDescription("Number of running recording sessions."),
	); err != nil {
		return nil, err
	}

	// Telemetry.
	if met.TelemetrySends, err = m.Int64Counter("fieldrec.telemetry.sends",
		metric.WithDescription("Total telemetry uplink messages by status."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("fieldrec.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
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

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

var _ bus.Observer = (*Metrics)(nil)

// BusAcquired implements [bus.Observer].
func (m *Metrics) BusAcquired(id bus.ID, wait time.Duration) {
	m.BusWait.Record(context.Background(), wait.Seconds(),
		metric.WithAttributes(attribute.String("bus", id.String())),
	)
}

// BusTimedOut implements [bus.Observer].
func (m *Metrics) BusTimedOut(id bus.ID) {
	m.BusTimeouts.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("bus", id.String())),
	)
}

// RecordFlush records one storage flush.
func (m *Metrics) RecordFlush(ctx context.Context, d time.Duration, err error) {
	m.StorageFlushes.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status(err))))
	m.StorageFlushDuration.Record(ctx, d.Seconds())
}

// RecordDisplayPush records one display push attempt.
func (m *Metrics) RecordDisplayPush(d time.Duration, err error) {
	ctx := context.Background()
	m.DisplayPushes.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status(err))))
	if err == nil {
		m.DisplayPushDuration.Record(ctx, d.Seconds())
	}
}

// RecordFault records one fault of the given kind.
func (m *Metrics) RecordFault(ctx context.Context, kind string) {
	m.Faults.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordRecovery records the outcome of a recovery pass.
func (m *Metrics) RecordRecovery(ctx context.Context, err error) {
	result := "ok"
	if err != nil {
		result = "failed"
	}
	m.Recoveries.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordTransition records a coordinator state change.
func (m *Metrics) RecordTransition(ctx context.Context, state string) {
	m.StateTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

// RecordTelemetrySend records one uplink message.
func (m *Metrics) RecordTelemetrySend(ctx context.Context, err error) {
	m.TelemetrySends.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status(err))))
}
