package service

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/MCP-Bridge/mcpbridge/internal/domain/bridge"
)

// ToolMetrics is the per-tool slice of the metrics report.
type ToolMetrics struct {
	Calls        int64   `json:"calls"`
	TotalLatency float64 `json:"totalLatency"`
	AvgLatencyMs float64 `json:"avgLatencyMs"`
	Errors       int64   `json:"errors"`
}

// ErrorMetrics groups the top-level error counters.
type ErrorMetrics struct {
	Total  int64            `json:"total"`
	ByCode map[string]int64 `json:"byCode"`
}

// MetricsReport is the JSON shape served by the metrics endpoint.
type MetricsReport struct {
	Calls   int64                  `json:"calls"`
	Errors  ErrorMetrics           `json:"errors"`
	PerTool map[string]ToolMetrics `json:"perTool"`
}

// MetricsService aggregates call counters for the metrics endpoint and
// mirrors them into Prometheus. Top-level error buckets are limited to
// the enforcement codes; anything else counts as unexpected.
type MetricsService struct {
	mu      sync.Mutex
	calls   int64
	byCode  map[string]int64
	perTool map[string]*ToolMetrics

	promCalls    *prometheus.CounterVec
	promErrors   *prometheus.CounterVec
	promDuration *prometheus.HistogramVec
}

// NewMetricsService creates the aggregator and registers the Prometheus
// collectors with reg.
func NewMetricsService(reg prometheus.Registerer) *MetricsService {
	return &MetricsService{
		byCode:  map[string]int64{},
		perTool: map[string]*ToolMetrics{},
		promCalls: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mcpbridge",
				Name:      "tool_calls_total",
				Help:      "Total tool calls dispatched through the gateway",
			},
			[]string{"tool"},
		),
		promErrors: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mcpbridge",
				Name:      "tool_errors_total",
				Help:      "Total tool call failures by error code",
			},
			[]string{"code"},
		),
		promDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "mcpbridge",
				Name:      "tool_call_duration_seconds",
				Help:      "Tool call duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"tool"},
		),
	}
}

// CountRequest bumps the total call counter. Called on every inbound
// tool request before any enforcement.
func (m *MetricsService) CountRequest(tool string) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	m.promCalls.WithLabelValues(tool).Inc()
}

// RecordCall records one completed tool execution.
func (m *MetricsService) RecordCall(tool string, latency time.Duration, failed bool) {
	ms := float64(latency.Milliseconds())

	m.mu.Lock()
	t, ok := m.perTool[tool]
	if !ok {
		t = &ToolMetrics{}
		m.perTool[tool] = t
	}
	t.Calls++
	t.TotalLatency += ms
	t.AvgLatencyMs = t.TotalLatency / float64(t.Calls)
	if failed {
		t.Errors++
	}
	m.mu.Unlock()

	m.promDuration.WithLabelValues(tool).Observe(latency.Seconds())
}

// RecordError bumps the top-level bucket for the given error code.
func (m *MetricsService) RecordError(code string) {
	code = normalizeErrorCode(code)

	m.mu.Lock()
	m.byCode[code]++
	m.mu.Unlock()

	m.promErrors.WithLabelValues(code).Inc()
}

// normalizeErrorCode folds unknown codes into the unexpected bucket.
func normalizeErrorCode(code string) string {
	switch code {
	case bridge.CodeDisabled, bridge.CodeInvalidTimeout, bridge.CodeTimeout, bridge.CodeUnexpected:
		return code
	default:
		return bridge.CodeUnexpected
	}
}

// Report builds the current metrics snapshot.
func (m *MetricsService) Report() MetricsReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	byCode := map[string]int64{
		bridge.CodeDisabled:       m.byCode[bridge.CodeDisabled],
		bridge.CodeInvalidTimeout: m.byCode[bridge.CodeInvalidTimeout],
		bridge.CodeTimeout:        m.byCode[bridge.CodeTimeout],
		bridge.CodeUnexpected:     m.byCode[bridge.CodeUnexpected],
	}
	var total int64
	for _, n := range byCode {
		total += n
	}

	perTool := make(map[string]ToolMetrics, len(m.perTool))
	for name, t := range m.perTool {
		perTool[name] = *t
	}

	return MetricsReport{
		Calls:   m.calls,
		Errors:  ErrorMetrics{Total: total, ByCode: byCode},
		PerTool: perTool,
	}
}
