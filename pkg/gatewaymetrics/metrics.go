// Package gatewaymetrics is the gateway's Prometheus instrumentation: a
// handful of counters and histograms covering the LLM/tool loop, memory
// search, session lifecycle, and the admin HTTP surface, exposed on
// /metrics for an operator's own Prometheus to scrape.
//
// Grounded on kadirpekel-hector's pkg/observability/metrics.go, which
// registers the same shape of CounterVec/HistogramVec families against a
// private prometheus.Registry rather than the global default one (so
// multiple Metrics instances — e.g. in tests — never collide). Scoped down
// to the families this gateway can actually produce: no agent or RAG
// document-store metrics, since beacon has neither concept.
package gatewaymetrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every registered collector. A nil *Metrics is valid and
// every Record/Observe method on it is a no-op, so callers never need to
// guard a disabled-metrics configuration themselves.
type Metrics struct {
	registry *prometheus.Registry

	llmCalls        *prometheus.CounterVec
	llmCallDuration *prometheus.HistogramVec
	llmTokensInput  *prometheus.CounterVec
	llmTokensOutput *prometheus.CounterVec
	llmErrors       *prometheus.CounterVec

	toolCalls  *prometheus.CounterVec
	toolErrors *prometheus.CounterVec

	memorySearches  *prometheus.CounterVec
	memorySearchDur *prometheus.HistogramVec

	sessionsCreated *prometheus.CounterVec
	sessionEvents   *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New builds a Metrics instance with its own registry, namespaced "beacon".
// Pass enabled=false (config.Config.MetricsEnabled off) to get a nil
// *Metrics whose methods are all safe no-ops.
func New(enabled bool) *Metrics {
	if !enabled {
		return nil
	}

	m := &Metrics{registry: prometheus.NewRegistry()}

	m.llmCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "beacon", Subsystem: "llm", Name: "calls_total",
		Help: "Total number of LLM chat-completion calls.",
	}, []string{"model"})
	m.llmCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "beacon", Subsystem: "llm", Name: "call_duration_seconds",
		Help: "LLM chat-completion call duration in seconds.", Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"model"})
	m.llmTokensInput = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "beacon", Subsystem: "llm", Name: "tokens_input_total",
		Help: "Total prompt tokens consumed.",
	}, []string{"model"})
	m.llmTokensOutput = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "beacon", Subsystem: "llm", Name: "tokens_output_total",
		Help: "Total completion tokens generated.",
	}, []string{"model"})
	m.llmErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "beacon", Subsystem: "llm", Name: "errors_total",
		Help: "Total LLM call errors.",
	}, []string{"model"})

	m.toolCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "beacon", Subsystem: "tool", Name: "calls_total",
		Help: "Total tool invocations from the tool loop.",
	}, []string{"tool_name"})
	m.toolErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "beacon", Subsystem: "tool", Name: "errors_total",
		Help: "Total tool invocations that returned an error result.",
	}, []string{"tool_name"})

	m.memorySearches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "beacon", Subsystem: "memory", Name: "searches_total",
		Help: "Total memory/knowledge index searches.",
	}, []string{"index_type"})
	m.memorySearchDur = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "beacon", Subsystem: "memory", Name: "search_duration_seconds",
		Help: "Memory search duration in seconds.", Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"index_type"})

	m.sessionsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "beacon", Subsystem: "session", Name: "created_total",
		Help: "Total sessions created.",
	}, []string{"channel"})
	m.sessionEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "beacon", Subsystem: "session", Name: "events_total",
		Help: "Total lifecycle events published (conversation.started, message.processed, ...).",
	}, []string{"channel", "event_type"})

	m.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "beacon", Subsystem: "http", Name: "requests_total",
		Help: "Total admin API HTTP requests.",
	}, []string{"method", "route", "status"})
	m.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "beacon", Subsystem: "http", Name: "request_duration_seconds",
		Help: "Admin API HTTP request duration in seconds.", Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	m.registry.MustRegister(
		m.llmCalls, m.llmCallDuration, m.llmTokensInput, m.llmTokensOutput, m.llmErrors,
		m.toolCalls, m.toolErrors,
		m.memorySearches, m.memorySearchDur,
		m.sessionsCreated, m.sessionEvents,
		m.httpRequests, m.httpDuration,
	)

	return m
}

// RecordLLMCall records one chat-completion call's duration and, if the
// response carried usage data, its token counts.
func (m *Metrics) RecordLLMCall(model string, duration time.Duration, inputTokens, outputTokens int) {
	if m == nil {
		return
	}
	m.llmCalls.WithLabelValues(model).Inc()
	m.llmCallDuration.WithLabelValues(model).Observe(duration.Seconds())
	if inputTokens > 0 {
		m.llmTokensInput.WithLabelValues(model).Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.llmTokensOutput.WithLabelValues(model).Add(float64(outputTokens))
	}
}

// RecordLLMError records a failed chat-completion call.
func (m *Metrics) RecordLLMError(model string) {
	if m == nil {
		return
	}
	m.llmErrors.WithLabelValues(model).Inc()
}

// RecordToolCall records one tool-loop tool invocation, also counting it
// as an error when isError is set (the pipeline sets it when the loop
// detector classifies the call as a circuit-breaker trip).
func (m *Metrics) RecordToolCall(toolName string, isError bool) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(toolName).Inc()
	if isError {
		m.toolErrors.WithLabelValues(toolName).Inc()
	}
}

// RecordMemorySearch records one memory or knowledge-index search.
func (m *Metrics) RecordMemorySearch(indexType string, duration time.Duration) {
	if m == nil {
		return
	}
	m.memorySearches.WithLabelValues(indexType).Inc()
	m.memorySearchDur.WithLabelValues(indexType).Observe(duration.Seconds())
}

// RecordSessionCreated records a new session being opened on a channel.
func (m *Metrics) RecordSessionCreated(channel string) {
	if m == nil {
		return
	}
	m.sessionsCreated.WithLabelValues(channel).Inc()
}

// RecordSessionEvent records one published lifecycle event.
func (m *Metrics) RecordSessionEvent(channel, eventType string) {
	if m == nil {
		return
	}
	m.sessionEvents.WithLabelValues(channel, eventType).Inc()
}

// RecordHTTPRequest records one admin API request.
func (m *Metrics) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, statusClass(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// Handler returns the /metrics scrape endpoint. A nil receiver serves 503,
// matching the rest of this type's nil-safe behavior.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
