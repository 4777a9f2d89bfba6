package projection

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics are registered per engine so tests can use private registries.
type metrics struct {
	// applied counts events written to the read model by type.
	applied *prometheus.CounterVec
	// skipped counts events that did not change the read model by reason.
	skipped *prometheus.CounterVec
	// failures counts permanent stream failures by cause.
	failures *prometheus.CounterVec
	retries  prometheus.Counter
	buffered prometheus.Gauge
	isolated prometheus.Gauge
	position prometheus.Gauge
	batch    prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &metrics{
		applied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cmsread_projection_events_applied_total",
			Help: "Events applied to the content read model by event type",
		}, []string{"type"}),
		skipped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cmsread_projection_events_skipped_total",
			Help: "Events that left the read model unchanged by reason",
		}, []string{"reason"}),
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cmsread_projection_stream_failures_total",
			Help: "Streams isolated after a permanent failure by cause",
		}, []string{"cause"}),
		retries: factory.NewCounter(prometheus.CounterOpts{
			Name: "cmsread_projection_transient_retries_total",
			Help: "Event applications retried after a transient storage failure",
		}),
		buffered: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cmsread_projection_buffered_events",
			Help: "Events waiting for a missing predecessor",
		}),
		isolated: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cmsread_projection_isolated_streams",
			Help: "Streams waiting for recovery",
		}),
		position: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cmsread_projection_consumer_position",
			Help: "Last committed event log position",
		}),
		batch: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cmsread_projection_batch_duration_seconds",
			Help:    "Time to project one event batch",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		}),
	}
}
