package gateway

import (
	"encoding/json"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/MCP-Bridge/mcpbridge/internal/config"
	"github.com/MCP-Bridge/mcpbridge/internal/domain/bridge"
	"github.com/MCP-Bridge/mcpbridge/internal/service"
)

// Version is stamped by the build; the info endpoint reports it.
var Version = "dev"

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	health := h.supervisor.Health()

	status := "ok"
	servers := make(map[string]map[string]any, len(health))
	for name, sh := range health {
		if !sh.Connected {
			status = "degraded"
		}
		servers[name] = map[string]any{
			"connected": sh.Connected,
			"type":      sh.Type,
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     status,
		"generation": h.supervisor.Generation(),
		"lastReload": h.supervisor.LastReload().Format(time.RFC3339),
		"servers":    servers,
	})
}

func (h *Handler) handleInfo(w http.ResponseWriter, r *http.Request) {
	respondSuccess(w, map[string]any{
		"name":      "mcp-bridge",
		"version":   Version,
		"protocol":  bridge.ProtocolVersion,
		"startedAt": h.startedAt.UTC().Format(time.RFC3339),
	})
}

func (h *Handler) handleListServers(w http.ResponseWriter, r *http.Request) {
	health := h.supervisor.Health()

	out := make([]map[string]any, 0, len(health))
	for _, name := range h.supervisor.Names() {
		sh := health[name]
		out = append(out, map[string]any{
			"name":      name,
			"type":      sh.Type,
			"connected": sh.Connected,
			"toolCount": sh.ToolCount,
			"enabled":   h.state.IsServerEnabled(name),
			"lastError": sh.LastError,
		})
	}
	respondSuccess(w, out)
}

func (h *Handler) handleListServerTools(w http.ResponseWriter, r *http.Request) {
	server := r.PathValue("server")
	if _, ok := h.supervisor.Session(server); !ok {
		respondError(w, bridge.NewError(bridge.CodeNotFound, http.StatusNotFound, "server %s not found", server))
		return
	}

	tools := h.toolCache.Tools(server)
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		out = append(out, map[string]any{
			"name":        t.Name,
			"description": t.Description,
			"inputSchema": t.InputSchema,
			"enabled":     h.state.IsToolEnabled(server, t.Name),
		})
	}
	respondSuccess(w, map[string]any{"server": server, "tools": out})
}

func (h *Handler) handleServerEnable(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		server := r.PathValue("server")
		if _, ok := h.supervisor.Session(server); !ok {
			respondError(w, bridge.NewError(bridge.CodeNotFound, http.StatusNotFound, "server %s not found", server))
			return
		}
		if err := h.state.SetServerEnabled(server, enabled); err != nil {
			respondError(w, bridge.NewError(bridge.CodeIOError, http.StatusInternalServerError, "save state: %v", err).Wrap(err))
			return
		}
		respondSuccess(w, map[string]any{"server": server, "enabled": enabled})
	}
}

func (h *Handler) handleToolEnable(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		server := r.PathValue("server")
		tool := r.PathValue("tool")
		if _, ok := h.supervisor.Session(server); !ok {
			respondError(w, bridge.NewError(bridge.CodeNotFound, http.StatusNotFound, "server %s not found", server))
			return
		}
		if err := h.state.SetToolEnabled(server, tool, enabled); err != nil {
			respondError(w, bridge.NewError(bridge.CodeIOError, http.StatusInternalServerError, "save state: %v", err).Wrap(err))
			return
		}
		respondSuccess(w, map[string]any{"server": server, "tool": tool, "enabled": enabled})
	}
}

// handleConfig serves the applied config with env and header values
// masked.
func (h *Handler) handleConfig(w http.ResponseWriter, r *http.Request) {
	cfg := h.supervisor.Config()

	servers := make(map[string]map[string]any, len(cfg.MCPServers))
	for _, name := range cfg.Names() {
		u := cfg.MCPServers[name]
		entry := map[string]any{"type": u.Transport()}
		if u.Command != "" {
			entry["command"] = u.Command
		}
		if len(u.Args) > 0 {
			entry["args"] = u.Args
		}
		if u.URL != "" {
			entry["url"] = u.URL
		}
		if len(u.Env) > 0 {
			entry["env"] = maskValues(u.Env)
		}
		if len(u.Headers) > 0 {
			entry["headers"] = maskValues(u.Headers)
		}
		servers[name] = entry
	}
	respondSuccess(w, map[string]any{"mcpServers": servers})
}

func maskValues(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k := range m {
		out[k] = "********"
	}
	return out
}

func (h *Handler) handleConfigContent(w http.ResponseWriter, r *http.Request) {
	if h.configPath == "" {
		respondError(w, bridge.NewError(bridge.CodeNoConfig, http.StatusBadRequest, "no config file configured"))
		return
	}
	data, err := os.ReadFile(h.configPath)
	if err != nil {
		respondError(w, bridge.NewError(bridge.CodeIOError, http.StatusInternalServerError, "read config: %v", err).Wrap(err))
		return
	}
	respondSuccess(w, map[string]any{"path": h.configPath, "content": string(data)})
}

// handleConfigSave validates the submitted content, writes it to the
// config file and applies it through a diff reload.
func (h *Handler) handleConfigSave(w http.ResponseWriter, r *http.Request) {
	if h.configPath == "" {
		respondError(w, bridge.NewError(bridge.CodeNoConfig, http.StatusBadRequest, "no config file configured"))
		return
	}

	var body struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, bridge.NewError(bridge.CodeInvalidJSON, http.StatusBadRequest, "invalid JSON body").Wrap(err))
		return
	}
	cfg, err := config.Parse([]byte(body.Content))
	if err != nil {
		respondError(w, bridge.NewError(bridge.CodeInvalid, http.StatusBadRequest, "%v", err).Wrap(err))
		return
	}
	if err := os.WriteFile(h.configPath, []byte(body.Content), 0o600); err != nil {
		respondError(w, bridge.NewError(bridge.CodeIOError, http.StatusInternalServerError, "write config: %v", err).Wrap(err))
		return
	}
	if err := h.supervisor.DiffReload(r.Context(), cfg); err != nil {
		respondError(w, err)
		return
	}
	h.openapi.Invalidate()
	respondSuccess(w, map[string]any{
		"saved":      true,
		"generation": h.supervisor.Generation(),
		"servers":    h.supervisor.Names(),
	})
}

func (h *Handler) handleReload(w http.ResponseWriter, r *http.Request) {
	if h.configPath == "" {
		respondError(w, bridge.NewError(bridge.CodeNoConfig, http.StatusBadRequest, "no config file configured"))
		return
	}
	cfg, err := config.LoadFile(h.configPath)
	if err != nil {
		respondError(w, bridge.NewError(bridge.CodeReloadFailed, http.StatusBadRequest, "%v", err).Wrap(err))
		return
	}
	if err := h.supervisor.DiffReload(r.Context(), cfg); err != nil {
		respondError(w, err)
		return
	}
	h.openapi.Invalidate()
	respondSuccess(w, map[string]any{
		"generation": h.supervisor.Generation(),
		"servers":    h.supervisor.Names(),
	})
}

func (h *Handler) handleReinit(w http.ResponseWriter, r *http.Request) {
	server := r.PathValue("server")
	if err := h.supervisor.Reinit(r.Context(), server); err != nil {
		respondError(w, err)
		return
	}
	h.openapi.Invalidate()
	respondSuccess(w, map[string]any{"server": server, "connected": true})
}

func (h *Handler) handleLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := service.LogFilter{
		Source:   q.Get("source"),
		Category: q.Get("category"),
	}
	if cursor := q.Get("cursor"); cursor != "" {
		after, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			respondError(w, bridge.NewError(bridge.CodeInvalid, http.StatusBadRequest, "invalid cursor %q", cursor))
			return
		}
		filter.After = after
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			respondError(w, bridge.NewError(bridge.CodeInvalid, http.StatusBadRequest, "invalid limit %q", limit))
			return
		}
		filter.Limit = n
	}

	logs := h.logBus.Logs(filter)
	respondSuccess(w, map[string]any{
		"logs":   logs,
		"count":  len(logs),
		"latest": h.logBus.LatestSequence(),
	})
}

func (h *Handler) handleLogSources(w http.ResponseWriter, r *http.Request) {
	sources := h.logBus.Sources()
	counts := make(map[string]int, len(sources))
	for _, src := range sources {
		counts[src] = h.logBus.Count(src)
	}
	respondSuccess(w, map[string]any{"sources": sources, "counts": counts})
}

func (h *Handler) handleLogsCategorized(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var after int64
	if cursor := q.Get("cursor"); cursor != "" {
		parsed, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			respondError(w, bridge.NewError(bridge.CodeInvalid, http.StatusBadRequest, "invalid cursor %q", cursor))
			return
		}
		after = parsed
	}
	respondSuccess(w, map[string]any{
		"categories": h.logBus.Categorized(q.Get("source"), after),
		"latest":     h.logBus.LatestSequence(),
	})
}

func (h *Handler) handleLogsClear(w http.ResponseWriter, r *http.Request) {
	category := r.PathValue("category")
	source := r.URL.Query().Get("source")
	if category == "all" {
		category = ""
	}
	h.logBus.Clear(category, source)
	respondSuccess(w, map[string]any{"remaining": h.logBus.Count(source)})
}

func (h *Handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	respondSuccess(w, h.metrics.Report())
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondSuccess(w, map[string]any{
		"status":     "ok",
		"generation": h.supervisor.Generation(),
		"lastReload": h.supervisor.LastReload().Format(time.RFC3339),
		"uptime":     time.Since(h.startedAt).Seconds(),
		"servers":    h.supervisor.Health(),
		"tools":      h.toolCache.Count(),
		"sessions":   len(h.chat.SessionIDs()),
		"readOnly":   h.settings.ReadOnly,
	})
}

// handleStats summarizes the log buffer: totals per source, level and
// category.
func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	entries := h.logBus.Logs(service.LogFilter{})

	bySource := map[string]int{}
	byLevel := map[string]int{}
	byCategory := map[string]int{}
	for _, e := range entries {
		bySource[e.Source]++
		byLevel[strings.ToLower(e.Level)]++
		byCategory[e.Category]++
	}
	respondSuccess(w, map[string]any{
		"total":      len(entries),
		"bySource":   bySource,
		"byLevel":    byLevel,
		"byCategory": byCategory,
		"latest":     h.logBus.LatestSequence(),
	})
}

func (h *Handler) handleListProviders(w http.ResponseWriter, r *http.Request) {
	respondSuccess(w, h.chat.ProviderStates())
}

func (h *Handler) handleProviderEnable(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		provider := r.PathValue("provider")
		if err := h.state.SetProviderEnabled(provider, enabled); err != nil {
			respondError(w, bridge.NewError(bridge.CodeIOError, http.StatusInternalServerError, "save state: %v", err).Wrap(err))
			return
		}
		respondSuccess(w, map[string]any{"provider": provider, "enabled": enabled})
	}
}

func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	models := h.chat.ModelStates(r.Context())
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	respondSuccess(w, models)
}

// handleModelEnable toggles one model. The ID travels in the body
// because model IDs contain slashes.
func (h *Handler) handleModelEnable(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Model string `json:"model"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Model) == "" {
			respondError(w, bridge.NewError(bridge.CodeInvalid, http.StatusBadRequest, "model is required"))
			return
		}
		if err := h.state.SetModelEnabled(body.Model, enabled); err != nil {
			respondError(w, bridge.NewError(bridge.CodeIOError, http.StatusInternalServerError, "save state: %v", err).Wrap(err))
			return
		}
		respondSuccess(w, map[string]any{"model": body.Model, "enabled": enabled})
	}
}
