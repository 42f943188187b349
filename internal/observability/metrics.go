package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricNamespace = "markl"

// Metrics holds the Prometheus collectors of the service. Each instance owns
// its registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	Completions          *prometheus.CounterVec
	CompletionDuration   *prometheus.HistogramVec
	Tokens               *prometheus.CounterVec
	QuotaDenials         *prometheus.CounterVec
	Retrievals           *prometheus.CounterVec
	IndexedChunks        prometheus.Counter
	Escalations          *prometheus.CounterVec
	EscalationDeliveries *prometheus.CounterVec
	EscalationsDropped   prometheus.Counter
}

// NewMetrics registers every collector on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		Completions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "completions_total",
			Help:      "Completions by vendor and outcome.",
		}, []string{"vendor", "outcome"}),
		CompletionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricNamespace,
			Name:      "completion_duration_seconds",
			Help:      "Time from dispatch to the terminal event.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"vendor"}),
		Tokens: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "tokens_total",
			Help:      "Recorded tokens by vendor, direction and provenance.",
		}, []string{"vendor", "direction", "provenance"}),
		QuotaDenials: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "quota_denials_total",
			Help:      "Requests denied before dispatch, by scope.",
		}, []string{"scope"}),
		Retrievals: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "retrievals_total",
			Help:      "Retrieval searches by outcome.",
		}, []string{"outcome"}),
		IndexedChunks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "indexed_chunks_total",
			Help:      "Chunks written to the vector store.",
		}),
		Escalations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "escalations_total",
			Help:      "Detected escalations by category.",
		}, []string{"category"}),
		EscalationDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "escalation_deliveries_total",
			Help:      "Escalation deliveries by channel and outcome.",
		}, []string{"channel", "outcome"}),
		EscalationsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "escalations_dropped_total",
			Help:      "Escalations dropped because the delivery queue was full.",
		}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
