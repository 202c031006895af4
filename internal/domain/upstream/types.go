// Package upstream contains domain types for mounted MCP upstream servers
// and their discovered tools.
package upstream

import (
	"regexp"
	"time"

	"github.com/MCP-Bridge/mcpbridge/internal/domain/schema"
)

// Status is the runtime connection state of an upstream session.
type Status string

const (
	// StatusConnecting indicates the transport handshake is in progress.
	StatusConnecting Status = "connecting"
	// StatusConnected indicates initialize succeeded and tools are listed.
	StatusConnected Status = "connected"
	// StatusDisconnected indicates the session is routed but not usable.
	StatusDisconnected Status = "disconnected"
)

// Tool is a tool discovered from an upstream, with its compiled input
// schema. Uniqueness is per-upstream; the gateway namespaces tools as
// upstream/tool at the HTTP level.
type Tool struct {
	// Name is the MCP-scoped tool name.
	Name string
	// Description is the human-readable tool description.
	Description string
	// InputSchema is the raw JSON Schema for the tool's parameters.
	InputSchema map[string]any
	// OutputSchema is the raw JSON Schema for the tool's result, if any.
	OutputSchema map[string]any
	// Compiled is the validator built from InputSchema.
	Compiled *schema.Schema
	// DiscoveredAt records when this tool was listed.
	DiscoveredAt time.Time
}

// ContentItem is one piece of tool result content.
type ContentItem struct {
	// Type is "text", "image" or "resource".
	Type string
	// Text carries text content.
	Text string
	// MIMEType and Data carry image content; Data is base64.
	MIMEType string
	Data     string
	// URI carries embedded resource references.
	URI string
}

// ToolResult is the transport-independent result of one tool call.
type ToolResult struct {
	IsError bool
	Content []ContentItem
}

// sanitizePattern collapses everything outside the chat catalog's
// allowed alphabet to underscores.
var sanitizePattern = regexp.MustCompile(`[^0-9A-Za-z_-]`)

// SanitizeToolName makes a name safe for the chat tool catalog.
func SanitizeToolName(name string) string {
	return sanitizePattern.ReplaceAllString(name, "_")
}
