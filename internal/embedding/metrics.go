package embedding

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	providerCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "atabot",
		Subsystem: "embedding",
		Name:      "provider_calls_total",
		Help:      "Embedding provider calls by outcome.",
	}, []string{"outcome"})

	batchesFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "atabot",
		Subsystem: "embedding",
		Name:      "batches_finished_total",
		Help:      "Embedding batches reaching a terminal state.",
	}, []string{"state"})

	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "atabot",
		Subsystem: "embedding",
		Name:      "cache_hits_total",
		Help:      "In-memory embedding cache hits.",
	})

	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "atabot",
		Subsystem: "embedding",
		Name:      "cache_misses_total",
		Help:      "In-memory embedding cache misses.",
	})
)

func observeProviderCall(err error) {
	switch {
	case err == nil:
		providerCalls.WithLabelValues("ok").Inc()
	case IsRateLimit(err):
		providerCalls.WithLabelValues("rate_limited").Inc()
	default:
		providerCalls.WithLabelValues("error").Inc()
	}
}
