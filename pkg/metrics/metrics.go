// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// ConversationsTotal tracks conversations created.
	ConversationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conversations_total",
			Help: "Total conversations started",
		},
	)

	// ConversationsEnded tracks conversations ended, by final status.
	ConversationsEnded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversations_ended_total",
			Help: "Total conversations ended",
		},
		[]string{"status"},
	)

	// MessagesTotal tracks messages persisted, by role.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total messages persisted",
		},
		[]string{"role"},
	)

	// GenerationDuration tracks generation provider call duration.
	GenerationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "generation_duration_seconds",
			Help:    "Generation provider call duration",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 45, 60, 90, 120},
		},
		[]string{"provider", "status"},
	)

	// GenerationTokens tracks tokens processed by the generation provider.
	GenerationTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "generation_tokens_total",
			Help: "Total generation tokens processed",
		},
		[]string{"provider", "direction"},
	)

	// GenerationRetries tracks provider retries.
	GenerationRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "generation_retries_total",
			Help: "Total generation provider retries",
		},
	)

	// StreamSessionsActive tracks live streaming sessions.
	StreamSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stream_sessions_active",
			Help: "Number of active streaming sessions",
		},
	)

	// StreamChunksDropped tracks chunks dropped because the connection was
	// gone or its buffer was full.
	StreamChunksDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stream_chunks_dropped_total",
			Help: "Chunks dropped due to closed or slow connections",
		},
	)

	// MemoryItemsTotal tracks long-term memory items written.
	MemoryItemsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "memory_items_total",
			Help: "Total memory items extracted",
		},
	)

	// MemoryExtractionFailures tracks swallowed extraction failures.
	MemoryExtractionFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "memory_extraction_failures_total",
			Help: "Memory extraction tasks that failed",
		},
	)

	// EventPublishFailures tracks event bus publish failures.
	EventPublishFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "event_publish_failures_total",
			Help: "Event bus publishes that failed",
		},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordGeneration records metrics for a generation provider call.
func RecordGeneration(provider, status string, duration float64, tokensIn, tokensOut int) {
	GenerationDuration.WithLabelValues(provider, status).Observe(duration)
	GenerationTokens.WithLabelValues(provider, "in").Add(float64(tokensIn))
	GenerationTokens.WithLabelValues(provider, "out").Add(float64(tokensOut))
}
