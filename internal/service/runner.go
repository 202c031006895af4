package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/MCP-Bridge/mcpbridge/internal/domain/bridge"
	"github.com/MCP-Bridge/mcpbridge/internal/domain/upstream"
)

// Runner executes one tool call with a bounded deadline and classifies
// the outcome. Every invocation updates per-tool metrics regardless of
// result.
type Runner struct {
	supervisor *Supervisor
	metrics    *MetricsService
	logger     *slog.Logger
}

// NewRunner creates a Runner dispatching through the supervisor.
func NewRunner(supervisor *Supervisor, metrics *MetricsService, logger *slog.Logger) *Runner {
	return &Runner{supervisor: supervisor, metrics: metrics, logger: logger}
}

// Execute calls serverName/toolName with args and flattens the MCP
// content list into a plain value. The timeout is already validated by
// the caller.
func (r *Runner) Execute(ctx context.Context, serverName, toolName string, args map[string]any, timeout time.Duration) (any, error) {
	value, _, err := r.ExecuteWithOutput(ctx, serverName, toolName, args, timeout)
	return value, err
}

// classifyCallError maps transport failures to envelope codes. A call
// that died because its own deadline fired is a timeout; everything
// else stays in the error's own classification or falls to unexpected.
func classifyCallError(err error, callCtx context.Context) *bridge.Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return bridge.NewError(bridge.CodeTimeout, http.StatusGatewayTimeout, "Tool timed out").Wrap(err)
	}
	return bridge.AsError(err)
}

// firstText returns the first text content item, if any.
func firstText(content []upstream.ContentItem) string {
	for _, c := range content {
		if c.Type == "text" {
			return c.Text
		}
	}
	return ""
}

// FlattenContent converts an MCP content list into plain values: text
// that parses as JSON becomes structured, images and resources become
// tagged maps, and a single item is returned unwrapped.
func FlattenContent(content []upstream.ContentItem) any {
	items := make([]any, 0, len(content))
	for _, c := range content {
		items = append(items, flattenItem(c))
	}
	switch len(items) {
	case 0:
		return nil
	case 1:
		return items[0]
	default:
		return items
	}
}

func flattenItem(c upstream.ContentItem) any {
	switch c.Type {
	case "text":
		var parsed any
		if err := json.Unmarshal([]byte(c.Text), &parsed); err == nil {
			return parsed
		}
		return c.Text
	case "image":
		return map[string]any{"kind": "image", "mimeType": c.MIMEType, "data": c.Data}
	case "resource":
		return map[string]any{"kind": "resource", "uri": c.URI}
	default:
		return c.Text
	}
}

// OutputItems converts a content list into the structured-output block
// attached alongside the envelope result.
func OutputItems(content []upstream.ContentItem) []bridge.OutputItem {
	items := make([]bridge.OutputItem, 0, len(content))
	for _, c := range content {
		switch c.Type {
		case "text":
			items = append(items, bridge.OutputItem{Type: "text", Value: flattenItem(c)})
		case "image":
			items = append(items, bridge.OutputItem{Type: "image", MIMEType: c.MIMEType, Data: c.Data})
		case "resource":
			items = append(items, bridge.OutputItem{Type: "resource", URI: c.URI})
		default:
			items = append(items, bridge.OutputItem{Type: "text", Value: c.Text})
		}
	}
	return items
}

// ExecuteWithOutput runs Execute and additionally captures the
// structured-output items from the raw content list.
func (r *Runner) ExecuteWithOutput(ctx context.Context, serverName, toolName string, args map[string]any, timeout time.Duration) (any, []bridge.OutputItem, error) {
	metricKey := serverName + "/" + toolName
	start := time.Now()

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := r.supervisor.CallTool(callCtx, serverName, toolName, args)
	latency := time.Since(start)

	if err != nil {
		classified := classifyCallError(err, callCtx)
		r.metrics.RecordCall(metricKey, latency, true)
		r.metrics.RecordError(classified.Code)
		r.logger.Warn("tool call failed",
			"server", serverName, "tool", toolName,
			"code", classified.Code, "latency", latency, "error", err)
		return nil, nil, classified
	}
	if result.IsError {
		r.metrics.RecordCall(metricKey, latency, true)
		r.metrics.RecordError(bridge.CodeUnexpected)
		msg := firstText(result.Content)
		if msg == "" {
			msg = "tool reported an error"
		}
		return nil, nil, bridge.NewError(bridge.CodeUnexpected, http.StatusInternalServerError, "%s", msg)
	}

	r.metrics.RecordCall(metricKey, latency, false)
	return FlattenContent(result.Content), OutputItems(result.Content), nil
}
