package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MCP-Bridge/mcpbridge/internal/config"
	"github.com/MCP-Bridge/mcpbridge/internal/domain/schema"
	"github.com/MCP-Bridge/mcpbridge/internal/domain/upstream"
	"github.com/MCP-Bridge/mcpbridge/internal/port/outbound"
)

// DefaultSSEReadTimeout bounds how long an SSE upstream read may stall.
const DefaultSSEReadTimeout = 900 * time.Second

// Dialer opens SDK-backed MCP sessions. It implements
// outbound.SessionDialer for all three transport families.
type Dialer struct {
	clientName     string
	clientVersion  string
	sseReadTimeout time.Duration
	logger         *slog.Logger
}

// NewDialer creates a Dialer identifying itself with the given client
// name and version during the MCP handshake.
func NewDialer(clientName, clientVersion string, sseReadTimeout time.Duration, logger *slog.Logger) *Dialer {
	if sseReadTimeout <= 0 {
		sseReadTimeout = DefaultSSEReadTimeout
	}
	return &Dialer{
		clientName:     clientName,
		clientVersion:  clientVersion,
		sseReadTimeout: sseReadTimeout,
		logger:         logger,
	}
}

// Dial connects and performs the initialize handshake.
func (d *Dialer) Dial(ctx context.Context, cfg config.UpstreamConfig) (outbound.MCPSession, error) {
	transport, err := buildTransport(cfg, d.sseReadTimeout)
	if err != nil {
		return nil, err
	}

	client := mcp.NewClient(&mcp.Implementation{
		Name:    d.clientName,
		Version: d.clientVersion,
	}, nil)

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connect %s upstream: %w", cfg.Transport(), err)
	}

	return &clientSession{session: session, logger: d.logger}, nil
}

var _ outbound.SessionDialer = (*Dialer)(nil)

// clientSession adapts an SDK session to the outbound port.
type clientSession struct {
	session *mcp.ClientSession
	logger  *slog.Logger
}

func (s *clientSession) ListTools(ctx context.Context) ([]*upstream.Tool, error) {
	result, err := s.session.ListTools(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}

	tools := make([]*upstream.Tool, 0, len(result.Tools))
	now := time.Now().UTC()
	for _, t := range result.Tools {
		input := toSchemaMap(t.InputSchema)
		compiled, err := schema.Compile(input)
		if err != nil {
			return nil, fmt.Errorf("tool %s: compile input schema: %w", t.Name, err)
		}
		tools = append(tools, &upstream.Tool{
			Name:         t.Name,
			Description:  t.Description,
			InputSchema:  input,
			OutputSchema: toSchemaMap(t.OutputSchema),
			Compiled:     compiled,
			DiscoveredAt: now,
		})
	}
	return tools, nil
}

func (s *clientSession) CallTool(ctx context.Context, name string, args map[string]any) (*upstream.ToolResult, error) {
	result, err := s.session.CallTool(ctx, &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return nil, err
	}
	return &upstream.ToolResult{
		IsError: result.IsError,
		Content: toContentItems(result.Content),
	}, nil
}

func (s *clientSession) Close() error {
	return s.session.Close()
}

// toSchemaMap normalizes the SDK's schema value (typed or raw) into a
// plain map via a JSON round trip.
func toSchemaMap(raw any) map[string]any {
	if raw == nil {
		return nil
	}
	if m, ok := raw.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}

// toContentItems converts SDK content to transport-independent items.
// Unknown content kinds degrade to their JSON text form.
func toContentItems(content []mcp.Content) []upstream.ContentItem {
	items := make([]upstream.ContentItem, 0, len(content))
	for _, c := range content {
		switch v := c.(type) {
		case *mcp.TextContent:
			items = append(items, upstream.ContentItem{Type: "text", Text: v.Text})
		case *mcp.ImageContent:
			items = append(items, upstream.ContentItem{
				Type:     "image",
				MIMEType: v.MIMEType,
				Data:     base64.StdEncoding.EncodeToString(v.Data),
			})
		case *mcp.EmbeddedResource:
			item := upstream.ContentItem{Type: "resource"}
			if v.Resource != nil {
				item.URI = v.Resource.URI
			}
			items = append(items, item)
		default:
			if data, err := json.Marshal(c); err == nil {
				items = append(items, upstream.ContentItem{Type: "text", Text: string(data)})
			}
		}
	}
	return items
}
