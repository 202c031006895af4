package proxy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/MCP-Bridge/mcpbridge/pkg/mcp"
)

// filterMiddleware enforces the enable state on the raw MCP surface:
// tools/call requests to disabled tools are blocked before dispatch,
// and tools/list responses have disabled entries removed. Batch arrays
// are filtered element by element. Streaming responses and bodies that
// fail to parse pass through untouched.
func (h *Handler) filterMiddleware(prefix string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pathServer := serverFromPath(prefix, r.URL.Path)

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeRPCError(w, http.StatusBadRequest, nil, -32700, "read request body: "+err.Error())
			return
		}

		if trimmed := bytes.TrimLeft(body, " \t\r\n"); len(trimmed) > 0 && trimmed[0] == '[' {
			h.filterBatch(w, r, trimmed, pathServer, next)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		if msg, err := mcp.WrapMessage(body, mcp.ClientToServer); err == nil && msg.IsToolCall() {
			if blocked, name := h.callBlocked(msg, pathServer); blocked {
				writeRPCError(w, http.StatusOK, msg.RawID(), 403, fmt.Sprintf("Tool '%s' is disabled", name))
				return
			}
		}

		rec := &bufferingWriter{inner: w}
		next.ServeHTTP(rec, r)
		if rec.passthrough {
			return
		}

		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		out := rec.buf.Bytes()
		if rec.status == http.StatusOK {
			out = h.filterToolsList(out, pathServer)
		}
		if rec.header != nil {
			copyHeader(w.Header(), rec.header)
		}
		w.Header().Set("Content-Length", fmt.Sprint(len(out)))
		w.WriteHeader(rec.status)
		_, _ = w.Write(out)
	})
}

// filterBatch applies the enable state across a batch array: blocked
// tools/call elements are answered with a 403 error entry up front, the
// remainder is forwarded as a smaller batch, and the combined response
// array has tools/list entries pruned per element.
func (h *Handler) filterBatch(w http.ResponseWriter, r *http.Request, body []byte, pathServer string, next http.Handler) {
	var elements []json.RawMessage
	if err := json.Unmarshal(body, &elements); err != nil {
		// Malformed batch: let the handler produce the parse error.
		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
		return
	}

	var blocked []json.RawMessage
	allowed := make([]json.RawMessage, 0, len(elements))
	for _, element := range elements {
		if msg, err := mcp.WrapMessage(element, mcp.ClientToServer); err == nil && msg.IsToolCall() {
			if isBlocked, name := h.callBlocked(msg, pathServer); isBlocked {
				blocked = append(blocked, rpcErrorMessage(msg.RawID(), 403, fmt.Sprintf("Tool '%s' is disabled", name)))
				continue
			}
		}
		allowed = append(allowed, element)
	}

	if len(allowed) == 0 && len(blocked) > 0 {
		writeRPC(w, http.StatusOK, blocked)
		return
	}

	forward, err := json.Marshal(allowed)
	if err != nil {
		forward = body
		blocked = nil
	}
	r.Body = io.NopCloser(bytes.NewReader(forward))
	r.ContentLength = int64(len(forward))

	rec := &bufferingWriter{inner: w}
	next.ServeHTTP(rec, r)
	if rec.passthrough {
		return
	}

	if rec.status == 0 {
		rec.status = http.StatusOK
	}
	// Only notifications survived the block pass; answer with the
	// blocked errors alone.
	if rec.status == http.StatusAccepted && len(blocked) > 0 {
		writeRPC(w, http.StatusOK, blocked)
		return
	}
	out := rec.buf.Bytes()
	if rec.status == http.StatusOK {
		out = h.filterBatchResponses(out, pathServer, blocked)
	}
	if rec.header != nil {
		copyHeader(w.Header(), rec.header)
	}
	w.Header().Set("Content-Length", fmt.Sprint(len(out)))
	w.WriteHeader(rec.status)
	_, _ = w.Write(out)
}

// filterBatchResponses prunes disabled tools from each response entry
// and appends the pre-built blocked errors. Clients match batch
// responses by id, so order does not matter.
func (h *Handler) filterBatchResponses(body []byte, pathServer string, blocked []json.RawMessage) []byte {
	var responses []json.RawMessage
	if err := json.Unmarshal(bytes.TrimSpace(body), &responses); err != nil {
		return body
	}
	out := make([]json.RawMessage, 0, len(responses)+len(blocked))
	for _, resp := range responses {
		out = append(out, h.filterToolsList(resp, pathServer))
	}
	out = append(out, blocked...)
	merged, err := json.Marshal(out)
	if err != nil {
		return body
	}
	return merged
}

// callBlocked reports whether a tools/call request targets a disabled
// tool, returning the wire-level tool name for the error message.
func (h *Handler) callBlocked(msg *mcp.Message, pathServer string) (bool, string) {
	name := msg.ToolName()
	if name == "" {
		return false, ""
	}
	server, tool := h.resolveTool(name, pathServer, "")
	if server == "" {
		return false, ""
	}
	if !h.state.IsServerEnabled(server) || !h.state.IsToolEnabled(server, tool) {
		return true, name
	}
	return false, ""
}

// filterToolsList removes disabled entries from a tools/list response.
// Anything that does not look like one passes through unchanged.
func (h *Handler) filterToolsList(body []byte, pathServer string) []byte {
	tools := gjson.GetBytes(body, "result.tools")
	if !tools.Exists() || !tools.IsArray() {
		return body
	}

	out := body
	// Walk backwards so earlier indexes stay valid while deleting.
	entries := tools.Array()
	for i := len(entries) - 1; i >= 0; i-- {
		name := entries[i].Get("name").String()
		annotated := entries[i].Get("annotations.server").String()
		server, tool := h.resolveTool(name, pathServer, annotated)
		if server == "" {
			continue
		}
		if h.state.IsServerEnabled(server) && h.state.IsToolEnabled(server, tool) {
			continue
		}
		filtered, err := sjson.DeleteBytes(out, fmt.Sprintf("result.tools.%d", i))
		if err != nil {
			return body
		}
		out = filtered
	}
	return out
}

// resolveTool maps a wire-level tool name to its upstream: the path
// server wins, then the server__tool prefix, then the annotation, then
// a cache scan for a unique owner.
func (h *Handler) resolveTool(name, pathServer, annotated string) (server, tool string) {
	if pathServer != "" {
		return pathServer, name
	}
	if srv, rest, ok := strings.Cut(name, aggregateSeparator); ok {
		if _, mounted := h.supervisor.Session(srv); mounted {
			return srv, rest
		}
	}
	if annotated != "" {
		return annotated, name
	}
	var owner string
	for _, srv := range h.supervisor.Names() {
		if _, ok := h.toolCache.Tool(srv, name); ok {
			if owner != "" {
				return "", ""
			}
			owner = srv
		}
	}
	if owner == "" {
		return "", ""
	}
	return owner, name
}

func serverFromPath(prefix, path string) string {
	rest := strings.TrimPrefix(path, prefix)
	rest = strings.Trim(rest, "/")
	if rest == "" || strings.Contains(rest, "/") {
		return ""
	}
	return rest
}

// bufferingWriter captures JSON responses for rewriting. Event streams
// switch to direct passthrough at WriteHeader time.
type bufferingWriter struct {
	inner       http.ResponseWriter
	header      http.Header
	buf         bytes.Buffer
	status      int
	passthrough bool
	headerSent  bool
}

func (b *bufferingWriter) Header() http.Header {
	if b.passthrough {
		return b.inner.Header()
	}
	if b.header == nil {
		b.header = http.Header{}
	}
	return b.header
}

func (b *bufferingWriter) WriteHeader(code int) {
	if b.headerSent {
		return
	}
	b.headerSent = true
	b.status = code
	if strings.HasPrefix(b.header.Get("Content-Type"), "text/event-stream") {
		b.passthrough = true
		copyHeader(b.inner.Header(), b.header)
		b.inner.WriteHeader(code)
	}
}

func (b *bufferingWriter) Write(p []byte) (int, error) {
	if !b.headerSent {
		b.WriteHeader(http.StatusOK)
	}
	if b.passthrough {
		return b.inner.Write(p)
	}
	return b.buf.Write(p)
}

// Flush only matters in passthrough mode; buffered responses flush on
// completion.
func (b *bufferingWriter) Flush() {
	if !b.passthrough {
		return
	}
	if f, ok := b.inner.(http.Flusher); ok {
		f.Flush()
	}
}

func copyHeader(dst, src http.Header) {
	for k, vs := range src {
		dst[k] = vs
	}
}
