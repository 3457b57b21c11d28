// Package metrics provides Prometheus metrics for htcp-purger.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "htcp_purger"
)

// Error types recorded by RecordPurgeError.
const (
	ErrorTypeEncode = "encode"
	ErrorTypeSend   = "send"
	ErrorTypeRate   = "rate_limit"
	ErrorTypePanic  = "panic"
)

// Metrics contains all Prometheus metrics for the purger.
type Metrics struct {
	// Packet metrics
	PacketsSent *prometheus.CounterVec
	BytesSent   *prometheus.CounterVec

	// Purge outcome metrics
	URLsTotal   prometheus.Counter
	RouteMisses prometheus.Counter
	PurgeErrors *prometheus.CounterVec

	// Batch metrics
	BatchesTotal  prometheus.Counter
	BatchSize     prometheus.Histogram
	BatchDuration prometheus.Histogram
	InFlight      prometheus.Gauge
}

// NewMetricsWithRegistry creates a new Metrics instance registered with reg.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PacketsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_sent_total",
			Help:      "Total HTCP CLR packets sent by destination",
		}, []string{"destination"}),
		BytesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total HTCP bytes sent by destination",
		}, []string{"destination"}),

		URLsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "urls_total",
			Help:      "Total URLs submitted for purging",
		}),
		RouteMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_misses_total",
			Help:      "Total URLs skipped because no route matched",
		}),
		PurgeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purge_errors_total",
			Help:      "Total per-URL purge failures by type",
		}, []string{"error_type"}),

		BatchesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Total purge batches processed",
		}),
		BatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Histogram of URLs per purge batch",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		BatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Histogram of purge batch duration in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sends_in_flight",
			Help:      "Number of packet sends currently in progress",
		}),
	}
}

// RecordPacketSent records a packet written to dest.
func (m *Metrics) RecordPacketSent(dest string, bytes int) {
	m.PacketsSent.WithLabelValues(dest).Inc()
	m.BytesSent.WithLabelValues(dest).Add(float64(bytes))
}

// RecordRouteMiss records a URL that matched no route.
func (m *Metrics) RecordRouteMiss() {
	m.RouteMisses.Inc()
}

// RecordPurgeError records a per-URL failure.
func (m *Metrics) RecordPurgeError(errorType string) {
	m.PurgeErrors.WithLabelValues(errorType).Inc()
}

// RecordBatch records a completed batch of size urls.
func (m *Metrics) RecordBatch(size int, durationSeconds float64) {
	m.BatchesTotal.Inc()
	m.URLsTotal.Add(float64(size))
	m.BatchSize.Observe(float64(size))
	m.BatchDuration.Observe(durationSeconds)
}

// SendStarted marks a send as in flight.
func (m *Metrics) SendStarted() {
	m.InFlight.Inc()
}

// SendFinished marks a send as complete.
func (m *Metrics) SendFinished() {
	m.InFlight.Dec()
}
