// Package metrics provides Prometheus metrics for the dispatcher.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fractal_dispatcher"

// Metrics holds all Prometheus metrics for the dispatcher. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	// Session metrics
	SessionsActive prometheus.Gauge
	SessionsTotal  prometheus.Counter
	SessionsClosed *prometheus.CounterVec

	// Fragment metrics
	FragmentsAssigned  prometheus.Counter
	FragmentsCompleted prometheus.Counter
	FragmentsReleased  *prometheus.CounterVec
	PixelsCompleted    prometheus.Counter

	// Timing metrics
	FragmentRoundTrip *prometheus.HistogramVec
	SinkDuration      prometheus.Histogram

	// Job metrics
	JobProgress prometheus.Gauge

	// Error metrics
	ProtocolErrors *prometheus.CounterVec

	// Cache
	CacheLookups *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New registers every metric on reg. Pass prometheus.NewRegistry() in
// tests so repeated construction does not collide.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of connected workers",
		}),
		SessionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of accepted worker connections",
		}),
		SessionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Worker sessions ended, by reason",
		}, []string{"reason"}),
		FragmentsAssigned: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fragments_assigned_total",
			Help:      "Total number of fragment tasks sent to workers",
		}),
		FragmentsCompleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fragments_completed_total",
			Help:      "Total number of fragment results written to the image",
		}),
		FragmentsReleased: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fragments_released_total",
			Help:      "Fragments returned to the queue, by reason",
		}, []string{"reason"}),
		PixelsCompleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pixels_completed_total",
			Help:      "Total number of pixels written to the image",
		}),
		FragmentRoundTrip: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fragment_round_trip_seconds",
			Help:      "Time from sending a task to accepting its result",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to ~30s
		}, []string{"size"}),
		SinkDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sink_duration_seconds",
			Help:      "Time to deliver a finished image to the sink",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		JobProgress: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "job_progress_ratio",
			Help:      "Fraction of pixels delivered for the current job",
		}),
		ProtocolErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Framing and protocol errors, by kind",
		}, []string{"kind"}),
		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Render cache lookups, by result",
		}, []string{"result"}),
		gatherer: reg,
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// SessionOpened records an accepted connection.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.SessionsTotal.Inc()
	m.SessionsActive.Inc()
}

// SessionClosed records the end of a connection.
func (m *Metrics) SessionClosed(reason string) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionsClosed.WithLabelValues(reason).Inc()
}

// IncFragmentsAssigned increments the assigned fragments counter.
func (m *Metrics) IncFragmentsAssigned() {
	if m == nil {
		return
	}
	m.FragmentsAssigned.Inc()
}

// FragmentCompleted records an accepted result of the given pixel count.
func (m *Metrics) FragmentCompleted(pixels uint32, seconds float64) {
	if m == nil {
		return
	}
	m.FragmentsCompleted.Inc()
	m.PixelsCompleted.Add(float64(pixels))
	m.FragmentRoundTrip.WithLabelValues(sizeClass(pixels)).Observe(seconds)
}

// IncFragmentsReleased increments the requeue counter.
func (m *Metrics) IncFragmentsReleased(reason string) {
	if m == nil {
		return
	}
	m.FragmentsReleased.WithLabelValues(reason).Inc()
}

// IncProtocolErrors increments the protocol error counter.
func (m *Metrics) IncProtocolErrors(kind string) {
	if m == nil {
		return
	}
	m.ProtocolErrors.WithLabelValues(kind).Inc()
}

// SetJobProgress sets the delivered pixel ratio.
func (m *Metrics) SetJobProgress(ratio float64) {
	if m == nil {
		return
	}
	m.JobProgress.Set(ratio)
}

// ObserveSinkDuration records an image delivery.
func (m *Metrics) ObserveSinkDuration(seconds float64) {
	if m == nil {
		return
	}
	m.SinkDuration.Observe(seconds)
}

// IncCacheLookups records a cache hit or miss.
func (m *Metrics) IncCacheLookups(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

func sizeClass(pixels uint32) string {
	switch {
	case pixels <= 1<<10:
		return "small"
	case pixels <= 1<<16:
		return "medium"
	default:
		return "large"
	}
}
