package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Request metrics
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_requests_total",
			Help: "Total number of provider requests by outcome",
		},
		[]string{"provider", "model", "outcome"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ai_request_duration_seconds",
			Help:    "Provider request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "model"},
	)

	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_retries_total",
			Help: "Total number of same-model retries",
		},
		[]string{"provider", "model"},
	)

	FallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_fallbacks_total",
			Help: "Total number of model fallbacks by failure reason",
		},
		[]string{"provider", "model", "reason"},
	)

	RateLimitRefusals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_rate_limit_refusals_total",
			Help: "Total number of admissions refused by the fixed window",
		},
		[]string{"provider", "model"},
	)

	// Streaming metrics
	StreamChunks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ai_stream_chunks_total",
			Help: "Total number of streamed content chunks",
		},
	)

	StreamsResumed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ai_streams_resumed_total",
			Help: "Total number of streams resumed from history",
		},
	)

	// Session metrics
	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ai_sessions_created_total",
			Help: "Total number of sessions created",
		},
	)

	HistoryEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ai_history_events_total",
			Help: "Total number of events appended to session history",
		},
	)

	ActiveSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ai_active_subscriptions",
			Help: "Number of live session subscriptions",
		},
	)
)
