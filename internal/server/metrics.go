package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus collectors for the HTTP surface and the pipeline stages behind
// it. Registered once via promauto on the default registry.
var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "atabot",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route and status class.",
	}, []string{"route", "status"})

	chatDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "atabot",
		Subsystem: "chat",
		Name:      "duration_seconds",
		Help:      "End-to-end chat turn latency.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	})

	chatRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "atabot",
		Subsystem: "chat",
		Name:      "rejected_total",
		Help:      "Chat queries rejected by the input guard.",
	})

	syncJobsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "atabot",
		Subsystem: "sync",
		Name:      "jobs_started_total",
		Help:      "Sync jobs started, by mode.",
	}, []string{"mode"})

	rateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "atabot",
		Subsystem: "http",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the per-client rate limiter.",
	})
)
