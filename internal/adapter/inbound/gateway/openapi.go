package gateway

import (
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// openapiCache memoizes the aggregate document keyed by a fingerprint
// of the visible tool surface. Reloads and reinit invalidate it.
type openapiCache struct {
	mu   sync.Mutex
	hash uint64
	doc  map[string]any
}

// Invalidate drops the cached document.
func (c *openapiCache) Invalidate() {
	c.mu.Lock()
	c.hash = 0
	c.doc = nil
	c.mu.Unlock()
}

func (c *openapiCache) get(hash uint64) (map[string]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.doc != nil && c.hash == hash {
		return c.doc, true
	}
	return nil, false
}

func (c *openapiCache) put(hash uint64, doc map[string]any) {
	c.mu.Lock()
	c.hash = hash
	c.doc = doc
	c.mu.Unlock()
}

// handleAggregateOpenAPI serves one OpenAPI document covering every
// enabled tool across all connected upstreams. force_refresh=true
// bypasses the cache.
func (h *Handler) handleAggregateOpenAPI(w http.ResponseWriter, r *http.Request) {
	hash := h.toolSurfaceHash()

	if r.URL.Query().Get("force_refresh") != "true" {
		if doc, ok := h.openapi.get(hash); ok {
			writeJSON(w, http.StatusOK, doc)
			return
		}
	}

	doc := h.buildAggregateOpenAPI()
	h.openapi.put(hash, doc)
	writeJSON(w, http.StatusOK, doc)
}

// toolSurfaceHash fingerprints the visible tool surface: generation,
// server connectivity and the enable flags.
func (h *Handler) toolSurfaceHash() uint64 {
	digest := xxhash.New()
	fmt.Fprintf(digest, "gen:%d\n", h.supervisor.Generation())

	health := h.supervisor.Health()
	for _, server := range h.supervisor.Names() {
		sh := health[server]
		fmt.Fprintf(digest, "%s:%t:%t\n", server, sh.Connected, h.state.IsServerEnabled(server))
		for _, tool := range h.toolCache.Tools(server) {
			fmt.Fprintf(digest, "%s/%s:%t\n", server, tool.Name, h.state.IsToolEnabled(server, tool.Name))
		}
	}
	return digest.Sum64()
}

// buildAggregateOpenAPI assembles the document. Operation IDs are
// server_tool with numeric suffixes on collisions.
func (h *Handler) buildAggregateOpenAPI() map[string]any {
	paths := map[string]any{}
	usedOps := map[string]int{}

	health := h.supervisor.Health()
	for _, server := range h.supervisor.Names() {
		if !h.state.IsServerEnabled(server) {
			continue
		}
		if sh, ok := health[server]; !ok || !sh.Connected {
			continue
		}
		for _, tool := range h.toolCache.Tools(server) {
			if !h.state.IsToolEnabled(server, tool.Name) {
				continue
			}

			opID := operationID(server, tool.Name, usedOps)
			requestSchema := tool.InputSchema
			if tool.Compiled != nil {
				requestSchema = tool.Compiled.JSONSchema()
			}
			if requestSchema == nil {
				requestSchema = map[string]any{"type": "object", "properties": map[string]any{}}
			}

			operation := map[string]any{
				"operationId": opID,
				"summary":     tool.Name,
				"description": tool.Description,
				"tags":        []string{server},
				"requestBody": map[string]any{
					"required": false,
					"content": map[string]any{
						"application/json": map[string]any{"schema": requestSchema},
					},
				},
				"responses": map[string]any{
					"200": map[string]any{
						"description": "Tool call result envelope",
						"content": map[string]any{
							"application/json": map[string]any{
								"schema": map[string]any{"type": "object"},
							},
						},
					},
				},
			}
			paths["/"+server+"/"+tool.Name] = map[string]any{"post": operation}
		}
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "mcp-bridge aggregate",
			"version": Version,
		},
		"paths": paths,
	}
}

// operationID derives a unique snake-ish operation ID from server and
// tool names.
func operationID(server, tool string, used map[string]int) string {
	base := sanitizeOpID(server + "_" + tool)
	n := used[base]
	used[base]++
	if n == 0 {
		return base
	}
	return fmt.Sprintf("%s_%d", base, n)
}

func sanitizeOpID(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
