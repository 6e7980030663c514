package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "void"

// Metrics holds the core pipeline metrics every stage reports into.
// Per-stage series are separated by the "stage" label.
type Metrics struct {
	// StageStatus is 1 while a stage goroutine is running, 0 once it has
	// stopped.
	StageStatus *prometheus.GaugeVec

	// RecordsIn counts records a stage received from its upstreams.
	RecordsIn *prometheus.CounterVec

	// RecordsOut counts records a stage handed to its downstreams.
	RecordsOut *prometheus.CounterVec

	// DecodeErrors counts per-message decode failures by kind
	// (type_mismatch, arity_mismatch, malformed).
	DecodeErrors *prometheus.CounterVec

	// RecordsDropped counts records discarded by a stage, by reason
	// (missing_timestamp, overflow, backlog_full, retry_exhausted).
	RecordsDropped *prometheus.CounterVec

	// SinkRetries counts delivery retry attempts by outbound stages.
	SinkRetries *prometheus.CounterVec

	// SinkFlushes counts successful flushes/pushes by outbound stages.
	SinkFlushes *prometheus.CounterVec

	// FlushDuration observes how long outbound flushes take.
	FlushDuration *prometheus.HistogramVec
}

// NewMetrics creates the core pipeline metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		StageStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stage_up",
			Help:      "Whether the stage goroutine is running (1) or stopped (0)",
		}, []string{"stage"}),

		RecordsIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_in_total",
			Help:      "Records received by the stage",
		}, []string{"stage"}),

		RecordsOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_out_total",
			Help:      "Records emitted by the stage",
		}, []string{"stage"}),

		DecodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Per-message decode failures by kind",
		}, []string{"stage", "kind"}),

		RecordsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_dropped_total",
			Help:      "Records discarded by the stage, by reason",
		}, []string{"stage", "reason"}),

		SinkRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_retries_total",
			Help:      "Delivery retry attempts by outbound stages",
		}, []string{"stage"}),

		SinkFlushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_flushes_total",
			Help:      "Successful flushes or pushes by outbound stages",
		}, []string{"stage"}),

		FlushDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sink_flush_duration_seconds",
			Help:      "Duration of outbound flushes",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.StageStatus,
		m.RecordsIn,
		m.RecordsOut,
		m.DecodeErrors,
		m.RecordsDropped,
		m.SinkRetries,
		m.SinkFlushes,
		m.FlushDuration,
	}
}
