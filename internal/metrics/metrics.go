// Package metrics exposes the service's prometheus collectors. All
// recording methods are no-ops on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "railpulse"

// Submission outcomes.
const (
	OutcomeAccepted      = "accepted"
	OutcomeInvalid       = "invalid"
	OutcomeUnknownTrain  = "unknown_train"
	OutcomeNoCoordinates = "no_valid_coordinates"
	OutcomeError         = "error"
)

type Metrics struct {
	registry *prometheus.Registry

	submissions    *prometheus.CounterVec
	samplesStored  prometheus.Counter
	samplesDropped prometheus.Counter
	rateLimited    prometheus.Counter
	predictions    *prometheus.CounterVec
	trackedTrains  prometheus.Gauge
	wsClients      prometheus.Gauge
	submitLatency  prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Position batch submissions by outcome.",
		}, []string{"outcome"}),
		samplesStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_stored_total",
			Help:      "Samples accepted into rolling windows after deduplication.",
		}),
		samplesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_filtered_total",
			Help:      "Samples dropped by the coordinate, region or freshness filter.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the submit rate limiter.",
		}),
		predictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collision_predictions_total",
			Help:      "Collision predictions by risk level.",
		}, []string{"risk_level"}),
		trackedTrains: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_trains",
			Help:      "Trains with a rolling window.",
		}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_clients",
			Help:      "Connected live feed clients.",
		}),
		submitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "submit_duration_seconds",
			Help:      "Time spent processing a submission.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.submissions,
		m.samplesStored,
		m.samplesDropped,
		m.rateLimited,
		m.predictions,
		m.trackedTrains,
		m.wsClients,
		m.submitLatency,
	)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveSubmit(outcome string, stored, filtered int, took time.Duration) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(outcome).Inc()
	m.samplesStored.Add(float64(stored))
	m.samplesDropped.Add(float64(filtered))
	m.submitLatency.Observe(took.Seconds())
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *Metrics) ObservePrediction(riskLevel string) {
	if m == nil {
		return
	}
	m.predictions.WithLabelValues(riskLevel).Inc()
}

func (m *Metrics) SetTrackedTrains(n int) {
	if m == nil {
		return
	}
	m.trackedTrains.Set(float64(n))
}

func (m *Metrics) SetWSClients(n int) {
	if m == nil {
		return
	}
	m.wsClients.Set(float64(n))
}
