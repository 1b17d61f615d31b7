package instrumentation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the feed.
type Metrics struct {
	// Publisher side
	TickLatencyMs     prometheus.Histogram
	TicksAborted      prometheus.Counter
	ClientFetchErrors *prometheus.CounterVec
	Publishes         *prometheus.CounterVec
	Untranslated      prometheus.Counter
	SkippedPoints     prometheus.Counter

	// Gateway side
	OpenConnections    prometheus.Gauge
	RelayedMessages    prometheus.Counter
	HistoricalRequests *prometheus.CounterVec

	ErrorsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers the metrics on reg. Tests pass a fresh registry.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TickLatencyMs: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mtmfeed_tick_latency_ms",
			Help:    "Time to assemble and publish one tick in milliseconds",
			Buckets: []float64{5, 10, 25, 50, 100, 200, 500, 1000},
		}),

		TicksAborted: factory.NewCounter(prometheus.CounterOpts{
			Name: "mtmfeed_ticks_aborted_total",
			Help: "Ticks abandoned before publishing",
		}),

		ClientFetchErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mtmfeed_client_fetch_errors_total",
			Help: "Snapshot read failures by part",
		}, []string{"part"}),

		Publishes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mtmfeed_publishes_total",
			Help: "Bus publishes by topic and outcome",
		}, []string{"topic", "outcome"}),

		Untranslated: factory.NewCounter(prometheus.CounterOpts{
			Name: "mtmfeed_untranslated_instruments_total",
			Help: "Instrument ids missing from the exchange-to-symbol map",
		}),

		SkippedPoints: factory.NewCounter(prometheus.CounterOpts{
			Name: "mtmfeed_series_points_skipped_total",
			Help: "Series entries dropped for a malformed timestamp or value",
		}),

		OpenConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mtmfeed_ws_connections",
			Help: "Currently open websocket connections",
		}),

		RelayedMessages: factory.NewCounter(prometheus.CounterOpts{
			Name: "mtmfeed_ws_relayed_messages_total",
			Help: "Bus messages written to websocket clients",
		}),

		HistoricalRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mtmfeed_historical_requests_total",
			Help: "Historical data requests by outcome",
		}, []string{"outcome"}),

		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mtmfeed_errors_total",
			Help: "Total number of errors by component and type",
		}, []string{"component", "error_type"}),
	}
}

// RecordTickLatency records the time to run one tick.
func (m *Metrics) RecordTickLatency(latencyMs float64) {
	m.TickLatencyMs.Observe(latencyMs)
}

// RecordTickAborted counts a tick that published nothing.
func (m *Metrics) RecordTickAborted() {
	m.TicksAborted.Inc()
}

// RecordClientFetchError counts a failed snapshot read.
func (m *Metrics) RecordClientFetchError(part string) {
	m.ClientFetchErrors.WithLabelValues(part).Inc()
}

// RecordPublish counts a publish attempt.
func (m *Metrics) RecordPublish(topic, outcome string) {
	m.Publishes.WithLabelValues(topic, outcome).Inc()
}

// RecordUntranslated counts an instrument id with no symbol.
func (m *Metrics) RecordUntranslated() {
	m.Untranslated.Inc()
}

// RecordSkippedPoint counts a dropped series entry.
func (m *Metrics) RecordSkippedPoint() {
	m.SkippedPoints.Inc()
}

// ConnectionOpened tracks a new websocket connection.
func (m *Metrics) ConnectionOpened() {
	m.OpenConnections.Inc()
}

// ConnectionClosed tracks a closed websocket connection.
func (m *Metrics) ConnectionClosed() {
	m.OpenConnections.Dec()
}

// RecordRelayed counts a relayed bus message.
func (m *Metrics) RecordRelayed() {
	m.RelayedMessages.Inc()
}

// RecordHistorical counts a historical request by outcome.
func (m *Metrics) RecordHistorical(outcome string) {
	m.HistoricalRequests.WithLabelValues(outcome).Inc()
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}
