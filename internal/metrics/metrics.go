// Package metrics owns the Prometheus collectors for the server. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "quild"

type Metrics struct {
	registry *prometheus.Registry

	streamRequests   *prometheus.CounterVec
	streamDuration   *prometheus.HistogramVec
	providerRetries  *prometheus.CounterVec
	researchStages   *prometheus.HistogramVec
	articleFetches   *prometheus.CounterVec
	persistFailures  *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	rateLimitRejects prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		// Labels: provider, outcome (ok, rejected, upstream_error, cancelled, error)
		streamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "requests_total",
			Help:      "Streamed answer requests by provider and outcome",
		}, []string{"provider", "outcome"}),
		streamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "duration_seconds",
			Help:      "Wall time of streamed answer requests",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}, []string{"provider"}),
		providerRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "credit_retries_total",
			Help:      "Reduced-budget retries after an insufficient credit refusal",
		}, []string{"provider"}),
		// Labels: stage (planning, searching, fetching, summarizing), outcome (ok, error, empty)
		researchStages: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "research",
			Name:      "stage_duration_seconds",
			Help:      "Web research stage latency",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 40},
		}, []string{"stage", "outcome"}),
		articleFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "research",
			Name:      "article_fetches_total",
			Help:      "Article fetch attempts by outcome",
		}, []string{"outcome"}),
		persistFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "persist_failures_total",
			Help:      "Messages that could not be stored",
		}, []string{"role"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route pattern and status code",
		}, []string{"method", "route", "status"}),
		rateLimitRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-user rate limiter",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.streamRequests,
		m.streamDuration,
		m.providerRetries,
		m.researchStages,
		m.articleFetches,
		m.persistFailures,
		m.httpRequests,
		m.rateLimitRejects,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) StreamFinished(provider, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.streamRequests.WithLabelValues(provider, outcome).Inc()
	m.streamDuration.WithLabelValues(provider).Observe(elapsed.Seconds())
}

func (m *Metrics) CreditRetry(provider string) {
	if m == nil {
		return
	}
	m.providerRetries.WithLabelValues(provider).Inc()
}

func (m *Metrics) ResearchStage(stage, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.researchStages.WithLabelValues(stage, outcome).Observe(elapsed.Seconds())
}

func (m *Metrics) ArticleFetch(outcome string) {
	if m == nil {
		return
	}
	m.articleFetches.WithLabelValues(outcome).Inc()
}

func (m *Metrics) PersistFailure(role string) {
	if m == nil {
		return
	}
	m.persistFailures.WithLabelValues(role).Inc()
}

func (m *Metrics) HTTPRequest(method, route string, status int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, statusLabel(status)).Inc()
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimitRejects.Inc()
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
