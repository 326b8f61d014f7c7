package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "lmrelay"

// LatencyBuckets defines histogram buckets for latency metrics (in seconds).
var LatencyBuckets = []float64{
	0.005, 0.00625, 0.0125, 0.025, 0.05, 0.1, 0.5,
	1.0, 1.5, 2.0, 2.5, 3.0, 3.5, 4.0, 4.5, 5.0,
	5.5, 6.0, 6.5, 7.0, 7.5, 8.0, 8.5, 9.0, 9.5,
	10.0, 15.0, 20.0, 25.0, 30.0, 60.0, 120.0,
	180.0, 240.0, 300.0,
}

var (
	// TotalRequests counts requests routed through the gateway.
	TotalRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "total_requests",
			Help:      "Total number of routed requests",
		},
		[]string{"model", "model_group", "api_provider", "status_code"},
	)

	// FailedRequests counts requests that ended in a terminal error.
	FailedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failed_requests",
			Help:      "Total number of failed requests",
		},
		[]string{"model", "model_group", "api_provider", "exception_status", "exception_class"},
	)

	// RequestTotalLatency tracks end-to-end request latency.
	RequestTotalLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_total_latency_seconds",
			Help:      "Total request latency in seconds (end-to-end)",
			Buckets:   LatencyBuckets,
		},
		[]string{"model", "model_group", "api_provider"},
	)

	// TimeToFirstToken tracks TTFT for streaming requests.
	TimeToFirstToken = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "time_to_first_token_seconds",
			Help:      "Time to first token for streaming requests",
			Buckets:   LatencyBuckets,
		},
		[]string{"model", "model_group", "api_provider", "api_base"},
	)

	// LatencyPerOutputToken tracks normalized per-token latency, the same
	// value the latency-based selector scores on.
	LatencyPerOutputToken = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "latency_per_output_token_seconds",
			Help:      "Latency per output token",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5},
		},
		[]string{"model", "model_group", "api_provider"},
	)
)

var (
	// TotalTokens counts total tokens used.
	TotalTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "total_tokens",
			Help:      "Total tokens used",
		},
		[]string{"model", "model_group", "api_provider"},
	)

	// InputTokens counts prompt tokens.
	InputTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "input_tokens",
			Help:      "Total input tokens",
		},
		[]string{"model", "model_group", "api_provider"},
	)

	// OutputTokens counts completion tokens.
	OutputTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_tokens",
			Help:      "Total output tokens",
		},
		[]string{"model", "model_group", "api_provider"},
	)
)

var (
	// DeploymentSuccessResponses counts successful responses per deployment.
	DeploymentSuccessResponses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deployment_success_responses",
			Help:      "Total successful responses per deployment",
		},
		[]string{"deployment_id", "model", "model_group", "api_provider", "api_base"},
	)

	// DeploymentFailureResponses counts failed responses per deployment.
	DeploymentFailureResponses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deployment_failure_responses",
			Help:      "Total failed responses per deployment",
		},
		[]string{"deployment_id", "model", "model_group", "api_provider", "api_base", "exception_status"},
	)

	// DeploymentCooledDown counts cooldown events per deployment.
	DeploymentCooledDown = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deployment_cooled_down",
			Help:      "Number of times deployment entered cooldown",
		},
		[]string{"deployment_id", "model", "model_group", "api_provider", "api_base"},
	)

	// ActiveRequests tracks currently processing requests per deployment.
	ActiveRequests = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "Number of currently active requests",
		},
		[]string{"deployment_id", "model", "api_provider"},
	)
)

var (
	// FallbackSuccessful counts fallback attempts that produced a response.
	FallbackSuccessful = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_successful",
			Help:      "Number of successful fallback attempts",
		},
		[]string{"original_model", "fallback_model", "api_provider", "exception_status", "exception_class"},
	)

	// FallbackFailed counts fallback attempts that also failed.
	FallbackFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_failed",
			Help:      "Number of failed fallback attempts",
		},
		[]string{"original_model", "fallback_model", "api_provider", "exception_status", "exception_class"},
	)
)

var (
	// CacheHits counts responses served from the response cache.
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits",
			Help:      "Number of cache hits",
		},
		[]string{"model_group", "call_type"},
	)

	// CacheMisses counts cache lookups that fell through to a provider.
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses",
			Help:      "Number of cache misses",
		},
		[]string{"model_group", "call_type"},
	)
)
