package proxy

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Request metrics
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamcall_requests_total",
			Help: "Total number of requests received",
		},
		[]string{"method", "path", "status"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "streamcall_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	requestPayloadSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "streamcall_request_payload_bytes",
			Help:    "Request payload size in bytes",
			Buckets: []float64{100, 1000, 10000, 100000, 1000000, 10000000},
		},
		[]string{"method", "path"},
	)

	responsePayloadSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "streamcall_response_payload_bytes",
			Help:    "Response payload size in bytes",
			Buckets: []float64{100, 1000, 10000, 100000, 1000000, 10000000},
		},
		[]string{"method", "path", "status"},
	)

	// Rewrite metrics
	rewriteSegments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamcall_rewrite_segments_total",
			Help: "Tool call segments seen by the stream rewriter, by outcome",
		},
		[]string{"protocol", "outcome"},
	)

	rewriteLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "streamcall_rewrite_latency_seconds",
			Help:    "Latency of segment resolution inside the rewriter",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
		},
		[]string{"protocol"},
	)

	toolCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamcall_tool_calls_total",
			Help: "Resolved tool calls by tool name",
		},
		[]string{"tool"},
	)

	// Stream state metrics
	activeStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "streamcall_active_streams",
			Help: "Streaming responses currently being rewritten",
		},
	)

	tokensProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamcall_tokens_total",
			Help: "Estimated tokens processed, by direction",
		},
		[]string{"direction"},
	)
)

// MetricsRecorder handles recording metrics
type MetricsRecorder struct {
	protocol string
}

// NewMetricsRecorder creates a new metrics recorder for one protocol label.
func NewMetricsRecorder(protocol string) *MetricsRecorder {
	return &MetricsRecorder{protocol: protocol}
}

// RecordRequest records a request with its metrics
func (mr *MetricsRecorder) RecordRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	statusStr := strconv.Itoa(status)

	requestsTotal.WithLabelValues(method, path, statusStr).Inc()
	requestDuration.WithLabelValues(method, path, statusStr).Observe(duration.Seconds())

	if requestSize > 0 {
		requestPayloadSize.WithLabelValues(method, path).Observe(float64(requestSize))
	}
	if responseSize > 0 {
		responsePayloadSize.WithLabelValues(method, path, statusStr).Observe(float64(responseSize))
	}
}

// RecordSegment records one rewriter segment outcome: "parsed", "repaired"
// or "degraded".
func (mr *MetricsRecorder) RecordSegment(outcome string, duration time.Duration) {
	rewriteSegments.WithLabelValues(mr.protocol, outcome).Inc()
	rewriteLatency.WithLabelValues(mr.protocol).Observe(duration.Seconds())
}

// RecordToolCall records a resolved call by tool name.
func (mr *MetricsRecorder) RecordToolCall(tool string) {
	toolCallsTotal.WithLabelValues(tool).Inc()
}

// StreamStarted marks a streaming response entering the rewriter.
func (mr *MetricsRecorder) StreamStarted() { activeStreams.Inc() }

// StreamFinished marks a streaming response leaving the rewriter.
func (mr *MetricsRecorder) StreamFinished() { activeStreams.Dec() }

// RecordTokens records estimated token throughput.
func (mr *MetricsRecorder) RecordTokens(direction string, count int) {
	if count > 0 {
		tokensProcessed.WithLabelValues(direction).Add(float64(count))
	}
}
