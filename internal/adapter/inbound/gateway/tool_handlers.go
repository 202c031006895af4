package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/MCP-Bridge/mcpbridge/internal/domain/bridge"
	"github.com/MCP-Bridge/mcpbridge/internal/domain/schema"
	"github.com/MCP-Bridge/mcpbridge/internal/domain/upstream"
)

// handleToolCall is the synthesized POST /{upstream}/{tool} endpoint:
// count, enforce, validate, execute, respond.
func (h *Handler) handleToolCall(w http.ResponseWriter, r *http.Request) {
	server := r.PathValue("upstream")
	toolName := r.PathValue("tool")
	structured := h.settings.Tools.StructuredOutput

	h.metrics.CountRequest(server + "/" + toolName)

	sess, ok := h.supervisor.Session(server)
	if !ok {
		respondErrorStructured(w,
			bridge.NewError(bridge.CodeNotFound, http.StatusNotFound, "server %s not found", server),
			structured)
		return
	}

	// Disabled checks run before any upstream work; each rejection
	// counts exactly once in the disabled bucket.
	if !h.state.IsServerEnabled(server) {
		h.metrics.RecordError(bridge.CodeDisabled)
		respondErrorStructured(w,
			bridge.NewError(bridge.CodeDisabled, http.StatusForbidden, "Server '%s' is disabled", server),
			structured)
		return
	}
	if !h.state.IsToolEnabled(server, toolName) {
		h.metrics.RecordError(bridge.CodeDisabled)
		respondErrorStructured(w,
			bridge.NewError(bridge.CodeDisabled, http.StatusForbidden, "Tool '%s' is disabled", toolName),
			structured)
		return
	}

	if err := h.checkProtocolVersion(r); err != nil {
		respondErrorStructured(w, err, structured)
		return
	}

	timeout, err := h.resolveTimeout(r)
	if err != nil {
		h.metrics.RecordError(bridge.CodeInvalidTimeout)
		respondErrorStructured(w, err, structured)
		return
	}

	args, err := decodeArgs(r)
	if err != nil {
		respondErrorStructured(w, err, structured)
		return
	}

	// With a live session the tool must exist in the cache; while
	// disconnected the cache is empty, so the call falls through and
	// fails at dispatch instead.
	tool, known := h.toolCache.Tool(server, toolName)
	if !known && sess.Connected() {
		respondErrorStructured(w,
			bridge.NewError(bridge.CodeNotFound, http.StatusNotFound, "tool %s not found on server %s", toolName, server),
			structured)
		return
	}
	if known && tool.Compiled != nil {
		canonical, verr := tool.Compiled.Canonicalize(args)
		if verr != nil {
			respondErrorStructured(w,
				bridge.NewError(bridge.CodeInvalid, http.StatusUnprocessableEntity, "%s", verr.Error()).Wrap(verr),
				structured)
			return
		}
		args = canonical
	}

	value, items, err := h.runner.ExecuteWithOutput(r.Context(), server, toolName, args, timeout)
	if err != nil {
		respondErrorStructured(w, err, structured)
		return
	}

	if err := h.validateOutput(tool, value); err != nil {
		h.metrics.RecordError(bridge.CodeOutputValidation)
		respondErrorStructured(w, err, structured)
		return
	}

	env := bridge.Success(value)
	if structured {
		env.WithOutput(items)
	}
	writeJSON(w, http.StatusOK, env)
}

// checkProtocolVersion applies the MCP-Protocol-Version header policy.
// A missing header counts as a mismatch.
func (h *Handler) checkProtocolVersion(r *http.Request) error {
	mode := h.settings.Tools.ProtocolVersionMode
	if mode == "off" {
		return nil
	}
	version := r.Header.Get("MCP-Protocol-Version")
	if version == bridge.ProtocolVersion {
		return nil
	}
	if mode == "enforce" {
		return bridge.NewError(bridge.CodeProtocol, http.StatusUpgradeRequired,
			"unsupported protocol version %q, expected %s", version, bridge.ProtocolVersion)
	}
	h.logger.Warn("protocol version mismatch",
		"got", version, "want", bridge.ProtocolVersion, "path", r.URL.Path)
	return nil
}

// resolveTimeout picks the per-call timeout: query param, then header,
// then the configured default. Caller values are bounded by MaxTimeout.
func (h *Handler) resolveTimeout(r *http.Request) (time.Duration, error) {
	raw := r.URL.Query().Get("timeout")
	if raw == "" {
		raw = r.Header.Get("X-Tool-Timeout")
	}
	if raw == "" {
		return time.Duration(h.settings.Tools.DefaultTimeout * float64(time.Second)), nil
	}

	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, bridge.NewError(bridge.CodeInvalidTimeout, http.StatusBadRequest,
			"invalid timeout value %q", raw)
	}
	maxSecs := h.settings.Tools.MaxTimeout
	if secs <= 0 || secs > maxSecs {
		return 0, bridge.NewError(bridge.CodeInvalidTimeout, http.StatusBadRequest,
			"timeout must be between 0 and %g seconds", maxSecs).
			WithData(map[string]any{"max": maxSecs})
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// decodeArgs parses the request body into a tool argument map. An empty
// body means no arguments.
func decodeArgs(r *http.Request) (map[string]any, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, bridge.NewError(bridge.CodeIOError, http.StatusBadRequest, "read request body: %v", err).Wrap(err)
	}
	if len(body) == 0 {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(body, &args); err != nil {
		return nil, bridge.NewError(bridge.CodeInvalidJSON, http.StatusBadRequest, "request body is not a JSON object").Wrap(err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// validateOutput checks an object result against the tool's declared
// output schema when enforcement is on. Non-object results pass; the
// schema only constrains structured content.
func (h *Handler) validateOutput(tool *upstream.Tool, value any) error {
	if h.settings.Tools.ValidateOutputMode != "enforce" || tool == nil || tool.OutputSchema == nil {
		return nil
	}
	obj, ok := value.(map[string]any)
	if !ok {
		return nil
	}
	compiled, err := schema.Compile(tool.OutputSchema)
	if err != nil {
		h.logger.Warn("output schema failed to compile", "tool", tool.Name, "error", err)
		return nil
	}
	if _, err := compiled.Canonicalize(obj); err != nil {
		return bridge.NewError(bridge.CodeOutputValidation, http.StatusBadGateway,
			"tool output failed schema validation: %v", err).Wrap(err)
	}
	return nil
}
