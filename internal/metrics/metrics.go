// Package metrics exposes Prometheus collectors for the retrieval and
// generation pipeline. A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "docqa"

// Metrics groups the pipeline collectors.
type Metrics struct {
	EmbedCacheHits     prometheus.Counter
	EmbedCacheMisses   prometheus.Counter
	EmbedModelCalls    prometheus.Counter
	ChunksIndexed      *prometheus.CounterVec
	Retrievals         *prometheus.CounterVec
	ProviderAttempts   *prometheus.CounterVec
	GenerationFailures *prometheus.CounterVec
	Fallbacks          prometheus.Counter
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EmbedCacheHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "embedding", Name: "cache_hits_total",
			Help: "Texts served from the embedding cache.",
		}),
		EmbedCacheMisses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "embedding", Name: "cache_misses_total",
			Help: "Texts that required a model call.",
		}),
		EmbedModelCalls: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "embedding", Name: "model_calls_total",
			Help: "Batched calls made to the embedding model.",
		}),
		ChunksIndexed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "retrieval", Name: "chunks_indexed_total",
			Help: "Chunks added to the vector index, by source.",
		}, []string{"source"}),
		Retrievals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "retrieval", Name: "queries_total",
			Help: "Retrieval queries, by outcome.",
		}, []string{"outcome"}),
		ProviderAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "generation", Name: "provider_attempts_total",
			Help: "Streaming attempts per provider, by outcome.",
		}, []string{"provider", "outcome"}),
		GenerationFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "generation", Name: "failures_total",
			Help: "Classified generation failures.",
		}, []string{"kind"}),
		Fallbacks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "generation", Name: "fallbacks_total",
			Help: "Requests moved to a fallback provider.",
		}),
	}
}

func (m *Metrics) CacheHits(n int) {
	if m != nil && n > 0 {
		m.EmbedCacheHits.Add(float64(n))
	}
}

func (m *Metrics) CacheMisses(n int) {
	if m != nil && n > 0 {
		m.EmbedCacheMisses.Add(float64(n))
	}
}

func (m *Metrics) ModelCall() {
	if m != nil {
		m.EmbedModelCalls.Inc()
	}
}

func (m *Metrics) Indexed(source string, n int) {
	if m != nil {
		m.ChunksIndexed.WithLabelValues(source).Add(float64(n))
	}
}

func (m *Metrics) Retrieval(outcome string) {
	if m != nil {
		m.Retrievals.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) ProviderAttempt(provider, outcome string) {
	if m != nil {
		m.ProviderAttempts.WithLabelValues(provider, outcome).Inc()
	}
}

func (m *Metrics) GenerationFailure(kind string) {
	if m != nil {
		m.GenerationFailures.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Fallback() {
	if m != nil {
		m.Fallbacks.Inc()
	}
}
