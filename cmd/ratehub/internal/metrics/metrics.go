package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "ratehub"
	subsystem = "coordinator"

	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeSkipped = "skipped"
)

// Metrics holds the hub's instruments. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	ticks              *prometheus.CounterVec
	recomputations     *prometheus.CounterVec
	coalesced          prometheus.Counter
	publishDrops       *prometheus.CounterVec
	cacheFailures      *prometheus.CounterVec
	subscriberFailures *prometheus.CounterVec
	evalDuration       *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "ticks_total",
			Help:      "Raw ticks ingested, by rate name.",
		}, []string{"rate"}),
		recomputations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "recomputations_total",
			Help:      "Calculated rate evaluations, by rate name and outcome.",
		}, []string{"rate", "outcome"}),
		coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "coalesced_total",
			Help:      "Recomputation triggers folded into an in-flight evaluation.",
		}),
		publishDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publisher",
			Name:      "dropped_total",
			Help:      "Outbound updates that could not be enqueued, by kind.",
		}, []string{"kind"}),
		cacheFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "failures_total",
			Help:      "Cache writes that failed after retries, by region.",
		}, []string{"region"}),
		subscriberFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscriber",
			Name:      "failures_total",
			Help:      "Subscriber streams that ended with an error.",
		}, []string{"subscriber"}),
		evalDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "formula",
			Name:      "evaluation_seconds",
			Help:      "Formula evaluation latency, by engine.",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 4, 8),
		}, []string{"engine"}),
	}

	m.registry.MustRegister(
		m.ticks,
		m.recomputations,
		m.coalesced,
		m.publishDrops,
		m.cacheFailures,
		m.subscriberFailures,
		m.evalDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) TickIngested(rate string) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(rate).Inc()
}

func (m *Metrics) Recomputed(rate, outcome string) {
	if m == nil {
		return
	}
	m.recomputations.WithLabelValues(rate, outcome).Inc()
}

func (m *Metrics) Coalesced() {
	if m == nil {
		return
	}
	m.coalesced.Inc()
}

func (m *Metrics) PublishDropped(kind string) {
	if m == nil {
		return
	}
	m.publishDrops.WithLabelValues(kind).Inc()
}

func (m *Metrics) CacheFailed(region string) {
	if m == nil {
		return
	}
	m.cacheFailures.WithLabelValues(region).Inc()
}

func (m *Metrics) SubscriberFailed(name string) {
	if m == nil {
		return
	}
	m.subscriberFailures.WithLabelValues(name).Inc()
}

func (m *Metrics) ObserveEvaluation(engine string, d time.Duration) {
	if m == nil {
		return
	}
	m.evalDuration.WithLabelValues(engine).Observe(d.Seconds())
}
