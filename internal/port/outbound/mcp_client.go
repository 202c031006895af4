// Package outbound defines the outbound port interfaces for connecting
// to upstream MCP servers.
package outbound

import (
	"context"

	"github.com/MCP-Bridge/mcpbridge/internal/config"
	"github.com/MCP-Bridge/mcpbridge/internal/domain/upstream"
)

// MCPSession is one live session against an upstream MCP server.
type MCPSession interface {
	// ListTools fetches the upstream's tool descriptors.
	ListTools(ctx context.Context) ([]*upstream.Tool, error)

	// CallTool invokes a tool with already-canonicalized arguments.
	CallTool(ctx context.Context, name string, args map[string]any) (*upstream.ToolResult, error)

	// Close tears down the session and its transport.
	Close() error
}

// SessionDialer opens MCP sessions for upstream configurations.
// Adapters implement this per transport family (stdio, sse,
// streamable-http).
type SessionDialer interface {
	// Dial connects, performs the MCP initialize handshake, and returns
	// a ready session.
	Dial(ctx context.Context, cfg config.UpstreamConfig) (MCPSession, error)
}
