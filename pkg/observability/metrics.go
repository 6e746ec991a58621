// Package observability provides Prometheus metrics and HTTP middleware
// for monitoring the sandboxd coordinator.
package observability

import "github.com/prometheus/client_golang/prometheus"

// KernelBuckets defines histogram buckets suited for kernel execution and
// MCP tool-call latencies, ranging from 100ms to 120s.
var KernelBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}

var (
	// RequestsTotal counts all HTTP requests to the coordinator's wire API
	// by method and status class.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxd_http_requests_total",
			Help: "Total HTTP requests handled by the coordinator API",
		},
		[]string{"method", "status"},
	)

	// RequestDuration records HTTP request duration in seconds by method.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sandboxd_http_request_duration_seconds",
			Help:    "Coordinator API request duration",
			Buckets: KernelBuckets,
		},
		[]string{"method"},
	)

	// StreamingConnections tracks the number of active SSE execution streams.
	StreamingConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandboxd_streaming_connections_active",
			Help: "Active streaming /executions connections",
		},
	)

	// MCPRequestsTotal counts tool-call requests sent to MCP servers.
	MCPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxd_mcp_requests_total",
			Help: "Tool-call requests sent to MCP servers",
		},
		[]string{"server", "tool", "status"},
	)

	// MCPLatency records MCP tool-call latency in seconds.
	MCPLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sandboxd_mcp_latency_seconds",
			Help:    "MCP tool-call latency",
			Buckets: KernelBuckets,
		},
		[]string{"server", "tool"},
	)

	// ExecutionsTotal counts completed code executions by outcome.
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxd_executions_total",
			Help: "Completed code executions by outcome",
		},
		[]string{"status"},
	)

	// ToolExecutionsTotal counts tool executions by name and outcome.
	ToolExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxd_tool_executions_total",
			Help: "Tool executions",
		},
		[]string{"tool_name", "status"},
	)

	// RateLimitRejectedTotal counts requests rejected by the rate limiter.
	RateLimitRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxd_ratelimit_rejected_total",
			Help: "Rate limit rejections",
		},
		[]string{"tier"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		StreamingConnections,
		MCPRequestsTotal,
		MCPLatency,
		ExecutionsTotal,
		ToolExecutionsTotal,
		RateLimitRejectedTotal,
	)
}
