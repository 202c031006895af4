// Package proxy implements the raw MCP listener: per-upstream JSON-RPC
// endpoints plus an aggregate endpoint namespacing tools as
// server__tool. Responses pass through the tool filter, which hides
// disabled tools and blocks calls to them.
package proxy

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MCP-Bridge/mcpbridge/internal/config"
	"github.com/MCP-Bridge/mcpbridge/internal/domain/bridge"
	"github.com/MCP-Bridge/mcpbridge/internal/domain/upstream"
	"github.com/MCP-Bridge/mcpbridge/internal/service"
	"github.com/MCP-Bridge/mcpbridge/pkg/mcp"
)

// aggregateSeparator joins server and tool names on the aggregate
// endpoint.
const aggregateSeparator = "__"

// Handler serves the raw MCP surface.
type Handler struct {
	settings   *config.Settings
	state      *service.StateService
	supervisor *service.Supervisor
	toolCache  *upstream.ToolCache
	logger     *slog.Logger
}

// NewHandler wires the proxy surface.
func NewHandler(
	settings *config.Settings,
	state *service.StateService,
	supervisor *service.Supervisor,
	toolCache *upstream.ToolCache,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		settings:   settings,
		state:      state,
		supervisor: supervisor,
		toolCache:  toolCache,
		logger:     logger,
	}
}

// Routes builds the proxy handler under the configured path prefix:
// POST {prefix} for the aggregate and POST {prefix}/{server} per
// upstream, both behind the tool filter.
func (h *Handler) Routes() http.Handler {
	prefix := strings.TrimSuffix(h.settings.Server.ProxyPathPrefix, "/")
	if prefix == "" {
		prefix = "/mcp"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+prefix, func(w http.ResponseWriter, r *http.Request) {
		h.handleRPC(w, r, "")
	})
	mux.HandleFunc("POST "+prefix+"/{server}", func(w http.ResponseWriter, r *http.Request) {
		h.handleRPC(w, r, r.PathValue("server"))
	})

	return h.filterMiddleware(prefix, mux)
}

// handleRPC dispatches one JSON-RPC payload, which is either a single
// message or a batch array. An empty server name is the aggregate
// endpoint.
func (h *Handler) handleRPC(w http.ResponseWriter, r *http.Request, server string) {
	if server != "" {
		if _, ok := h.supervisor.Session(server); !ok {
			writeRPCError(w, http.StatusNotFound, nil, -32601, "unknown server "+server)
			return
		}
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeRPCError(w, http.StatusBadRequest, nil, -32700, "read request body: "+err.Error())
		return
	}
	if trimmed := bytes.TrimLeft(body, " \t\r\n"); len(trimmed) > 0 && trimmed[0] == '[' {
		h.handleBatch(w, r, server, trimmed)
		return
	}
	msg, err := mcp.WrapMessage(body, mcp.ClientToServer)
	if err != nil {
		writeRPCError(w, http.StatusBadRequest, nil, -32700, "parse error: "+err.Error())
		return
	}
	h.handleMessage(w, r, msg, server)
}

// handleMessage dispatches one decoded JSON-RPC message.
func (h *Handler) handleMessage(w http.ResponseWriter, r *http.Request, msg *mcp.Message, server string) {
	if strings.HasPrefix(msg.Method(), "notifications/") {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	id := msg.RawID()
	switch msg.Method() {
	case "initialize":
		h.handleInitialize(w, id, server)
	case "ping":
		writeRPCResult(w, id, map[string]any{})
	case "tools/list":
		h.handleToolsList(w, id, server)
	case "tools/call":
		h.handleToolsCall(w, r, msg, id, server)
	default:
		writeRPCError(w, http.StatusOK, id, -32601, "method not supported: "+msg.Method())
	}
}

// handleBatch fans a batch array out to per-message dispatch and
// recombines the responses. Notifications produce no response entry; a
// batch of only notifications is accepted with an empty reply.
func (h *Handler) handleBatch(w http.ResponseWriter, r *http.Request, server string, body []byte) {
	var elements []json.RawMessage
	if err := json.Unmarshal(body, &elements); err != nil {
		writeRPCError(w, http.StatusBadRequest, nil, -32700, "parse error: "+err.Error())
		return
	}
	if len(elements) == 0 {
		writeRPCError(w, http.StatusBadRequest, nil, -32600, "empty batch")
		return
	}

	responses := make([]json.RawMessage, 0, len(elements))
	for _, element := range elements {
		msg, err := mcp.WrapMessage(element, mcp.ClientToServer)
		if err != nil {
			responses = append(responses, rpcErrorMessage(nil, -32700, "parse error: "+err.Error()))
			continue
		}
		if strings.HasPrefix(msg.Method(), "notifications/") {
			continue
		}
		rec := &memoryWriter{}
		h.handleMessage(rec, r, msg, server)
		if entry := bytes.TrimSpace(rec.buf.Bytes()); len(entry) > 0 {
			responses = append(responses, entry)
		}
	}

	if len(responses) == 0 {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeRPC(w, http.StatusOK, responses)
}

// memoryWriter captures one batched sub-response.
type memoryWriter struct {
	header http.Header
	buf    bytes.Buffer
	status int
}

func (m *memoryWriter) Header() http.Header {
	if m.header == nil {
		m.header = http.Header{}
	}
	return m.header
}

func (m *memoryWriter) WriteHeader(code int)        { m.status = code }
func (m *memoryWriter) Write(p []byte) (int, error) { return m.buf.Write(p) }

func (h *Handler) handleInitialize(w http.ResponseWriter, id json.RawMessage, server string) {
	name := "mcp-bridge"
	if server != "" {
		name = "mcp-bridge/" + server
	}
	writeRPCResult(w, id, map[string]any{
		"protocolVersion": bridge.ProtocolVersion,
		"capabilities":    map[string]any{"tools": map[string]any{}},
		"serverInfo":      map[string]any{"name": name, "version": "1.0"},
	})
}

// handleToolsList emits the unfiltered tool list; the filter middleware
// prunes disabled entries on the way out.
func (h *Handler) handleToolsList(w http.ResponseWriter, id json.RawMessage, server string) {
	servers := []string{server}
	if server == "" {
		servers = h.supervisor.Names()
	}

	tools := []map[string]any{}
	for _, srv := range servers {
		for _, t := range h.toolCache.Tools(srv) {
			name := t.Name
			if server == "" {
				name = srv + aggregateSeparator + t.Name
			}
			entry := map[string]any{
				"name":        name,
				"description": t.Description,
				"annotations": map[string]any{"server": srv},
			}
			if t.InputSchema != nil {
				entry["inputSchema"] = t.InputSchema
			} else {
				entry["inputSchema"] = map[string]any{"type": "object", "properties": map[string]any{}}
			}
			tools = append(tools, entry)
		}
	}
	writeRPCResult(w, id, map[string]any{"tools": tools})
}

func (h *Handler) handleToolsCall(w http.ResponseWriter, r *http.Request, msg *mcp.Message, id json.RawMessage, server string) {
	toolName := msg.ToolName()
	if toolName == "" {
		writeRPCError(w, http.StatusOK, id, -32602, "tool name is required")
		return
	}

	targetServer, targetTool := server, toolName
	if server == "" {
		srv, tool, ok := strings.Cut(toolName, aggregateSeparator)
		if !ok {
			writeRPCError(w, http.StatusOK, id, -32602, "aggregate tool names use server__tool")
			return
		}
		targetServer, targetTool = srv, tool
	}

	var args map[string]any
	if params := msg.ParseParams(); params != nil {
		args, _ = params["arguments"].(map[string]any)
	}
	if args == nil {
		args = map[string]any{}
	}

	result, err := h.supervisor.CallTool(r.Context(), targetServer, targetTool, args)
	if err != nil {
		h.logger.Warn("proxy tool call failed",
			"server", targetServer, "tool", targetTool, "error", err)
		writeRPCError(w, http.StatusOK, id, -32603, bridge.AsError(err).Message)
		return
	}

	content := make([]map[string]any, 0, len(result.Content))
	for _, c := range result.Content {
		switch c.Type {
		case "image":
			content = append(content, map[string]any{"type": "image", "mimeType": c.MIMEType, "data": c.Data})
		case "resource":
			content = append(content, map[string]any{"type": "resource", "uri": c.URI})
		default:
			content = append(content, map[string]any{"type": "text", "text": c.Text})
		}
	}
	writeRPCResult(w, id, map[string]any{"content": content, "isError": result.IsError})
}

func writeRPCResult(w http.ResponseWriter, id json.RawMessage, result any) {
	writeRPC(w, http.StatusOK, map[string]any{
		"jsonrpc": "2.0",
		"id":      rpcID(id),
		"result":  result,
	})
}

func writeRPCError(w http.ResponseWriter, status int, id json.RawMessage, code int, message string) {
	writeRPC(w, status, map[string]any{
		"jsonrpc": "2.0",
		"id":      rpcID(id),
		"error":   map[string]any{"code": code, "message": message},
	})
}

// rpcErrorMessage builds one encoded error response, for batch entries.
func rpcErrorMessage(id json.RawMessage, code int, message string) json.RawMessage {
	encoded, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      rpcID(id),
		"error":   map[string]any{"code": code, "message": message},
	})
	return encoded
}

func rpcID(id json.RawMessage) any {
	if id == nil {
		return nil
	}
	return id
}

func writeRPC(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
