package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MCP-Bridge/mcpbridge/internal/domain/bridge"
	"github.com/MCP-Bridge/mcpbridge/internal/domain/chat"
	"github.com/MCP-Bridge/mcpbridge/internal/domain/upstream"
	"github.com/MCP-Bridge/mcpbridge/internal/port/outbound"
)

// SSE event vocabulary for chat exchanges.
const (
	EventSessionUpdated   = "session.updated"
	EventStepStarted      = "step.started"
	EventMessageDelta     = "message.delta"
	EventReasoningDelta   = "reasoning.delta"
	EventToolCallStarted  = "tool.call.started"
	EventToolCallDelta    = "tool.call.delta"
	EventToolCallResult   = "tool.call.result"
	EventStepCompleted    = "step.completed"
	EventMessageCompleted = "message.completed"
	EventError            = "error"
	EventDone             = "done"
)

// maxToolConcurrency bounds parallel tool calls within one turn.
const maxToolConcurrency = 4

// toolResultSummaryLength caps the summary attached to tool.call.result.
const toolResultSummaryLength = 200

// ChatEvent is one SSE frame of a chat exchange.
type ChatEvent struct {
	Type string
	Data map[string]any
}

// ChatEmitFunc receives exchange events; an error aborts the exchange.
type ChatEmitFunc func(ChatEvent) error

// ChatService runs the agentic exchange loop: provider call, tool
// fan-out, repeat until the model stops asking for tools.
type ChatService struct {
	sessions    *SessionManager
	supervisor  *Supervisor
	state       *StateService
	runner      *Runner
	toolCache   *upstream.ToolCache
	providers   outbound.ProviderResolver
	toolTimeout time.Duration
	logger      *slog.Logger

	mgmtMu     sync.RWMutex
	management http.Handler
}

// NewChatService wires the orchestrator. The management handler is
// attached later via SetManagementHandler once the HTTP mux exists.
func NewChatService(
	sessions *SessionManager,
	supervisor *Supervisor,
	state *StateService,
	runner *Runner,
	toolCache *upstream.ToolCache,
	providers outbound.ProviderResolver,
	toolTimeout time.Duration,
	logger *slog.Logger,
) *ChatService {
	return &ChatService{
		sessions:    sessions,
		supervisor:  supervisor,
		state:       state,
		runner:      runner,
		toolCache:   toolCache,
		providers:   providers,
		toolTimeout: toolTimeout,
		logger:      logger,
	}
}

// SetManagementHandler installs the gateway's own HTTP surface for
// in-process management tool dispatch.
func (s *ChatService) SetManagementHandler(h http.Handler) {
	s.mgmtMu.Lock()
	s.management = h
	s.mgmtMu.Unlock()
}

// CreateSessionRequest is the POST /sessions body.
type CreateSessionRequest struct {
	Model           string   `json:"model"`
	SystemPrompt    string   `json:"systemPrompt"`
	ServerAllowlist []string `json:"serverAllowlist"`
}

// CreateSession builds a session with a tool catalog frozen from the
// currently connected, enabled upstreams.
func (s *ChatService) CreateSession(req CreateSessionRequest) (chat.Session, error) {
	if strings.TrimSpace(req.Model) == "" {
		return chat.Session{}, bridge.NewError(bridge.CodeInvalid, http.StatusBadRequest, "model is required")
	}
	sess := chat.NewSession(req.Model, req.SystemPrompt, req.ServerAllowlist)
	s.buildCatalog(sess)
	s.sessions.Add(sess)
	s.logger.Info("chat session created",
		"session", sess.ID, "model", sess.Model, "tools", len(sess.Tools))
	return sess.Snapshot(), nil
}

// GetSession returns a consistent snapshot.
func (s *ChatService) GetSession(id string) (chat.Session, error) {
	ms, err := s.sessions.Get(id)
	if err != nil {
		return chat.Session{}, err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.Session.Snapshot(), nil
}

// DeleteSession removes a session.
func (s *ChatService) DeleteSession(id string) error {
	return s.sessions.Delete(id)
}

// ResetSession clears history back to the system prompt and rebuilds
// the tool catalog against the current fleet.
func (s *ChatService) ResetSession(id string) (chat.Session, error) {
	ms, err := s.sessions.Get(id)
	if err != nil {
		return chat.Session{}, err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.Session.Reset()
	s.buildCatalog(ms.Session)
	s.sessions.Touch(ms.Session)
	return ms.Session.Snapshot(), nil
}

// SessionIDs lists live sessions.
func (s *ChatService) SessionIDs() []string {
	return s.sessions.IDs()
}

// Models returns the aggregate model catalog with disabled providers
// and models filtered out.
func (s *ChatService) Models(ctx context.Context) []chat.ModelInfo {
	all := s.providers.Catalog(ctx)
	out := make([]chat.ModelInfo, 0, len(all))
	for _, m := range all {
		if !s.state.IsModelEnabled(m.ID) {
			continue
		}
		if !s.state.IsProviderEnabled(s.providers.ForModel(m.ID).Name()) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// ProviderState is the per-provider view on the management surface.
type ProviderState struct {
	ID      string `json:"id"`
	Enabled bool   `json:"enabled"`
}

// ProviderStates lists every known provider with its enabled flag.
func (s *ChatService) ProviderStates() []ProviderState {
	names := s.providers.Providers()
	out := make([]ProviderState, 0, len(names))
	for _, name := range names {
		out = append(out, ProviderState{ID: name, Enabled: s.state.IsProviderEnabled(name)})
	}
	return out
}

// ModelState is the per-model view on the management surface. Unlike
// Models, disabled entries stay visible here.
type ModelState struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	Provider string `json:"provider"`
	Enabled  bool   `json:"enabled"`
	Favorite bool   `json:"favorite"`
}

// ModelStates returns the full discovered catalog with state flags.
func (s *ChatService) ModelStates(ctx context.Context) []ModelState {
	all := s.providers.Catalog(ctx)
	out := make([]ModelState, 0, len(all))
	for _, m := range all {
		out = append(out, ModelState{
			ID:       m.ID,
			Label:    m.Label,
			Provider: s.providers.ForModel(m.ID).Name(),
			Enabled:  s.state.IsModelEnabled(m.ID),
			Favorite: s.state.IsFavoriteModel(m.ID),
		})
	}
	return out
}

// buildCatalog fills the session's tool list: every tool of every
// enabled, connected, allowlisted upstream under sanitize(server.tool)
// with _N dedupe, plus the gateway's own management tools.
func (s *ChatService) buildCatalog(sess *chat.Session) {
	sess.Tools = nil
	sess.ToolIndex = map[string]chat.ToolBinding{}

	used := map[string]int{}
	claim := func(base string) string {
		if base == "" {
			base = "tool"
		}
		n := used[base]
		used[base]++
		if n == 0 {
			return base
		}
		return fmt.Sprintf("%s_%d", base, n)
	}

	health := s.supervisor.Health()
	for _, server := range s.supervisor.Names() {
		if !sess.AllowsServer(server) || !s.state.IsServerEnabled(server) {
			continue
		}
		if h, ok := health[server]; !ok || !h.Connected {
			continue
		}
		for _, tool := range s.toolCache.Tools(server) {
			if !s.state.IsToolEnabled(server, tool.Name) {
				continue
			}
			name := claim(upstream.SanitizeToolName(server + "." + tool.Name))
			params := tool.InputSchema
			if params == nil {
				params = map[string]any{"type": "object", "properties": map[string]any{}}
			}
			sess.Tools = append(sess.Tools, chat.ToolSpec{
				Type: "function",
				Function: chat.FunctionSpec{
					Name:        name,
					Description: tool.Description,
					Parameters:  params,
				},
			})
			sess.ToolIndex[name] = chat.ToolBinding{Server: server, Tool: tool.Name}
		}
	}

	for _, route := range managementRoutes {
		name := claim(route.name)
		sess.Tools = append(sess.Tools, chat.ToolSpec{
			Type: "function",
			Function: chat.FunctionSpec{
				Name:        name,
				Description: route.description,
				Parameters:  route.params,
			},
		})
		sess.ToolIndex[name] = chat.ToolBinding{
			Management: true,
			Method:     route.method,
			Path:       route.path,
		}
	}
}

// Exchange appends the user message and runs the loop until the model
// returns a turn with no tool calls. Events flow through emit; an emit
// error (client gone) aborts the exchange.
func (s *ChatService) Exchange(ctx context.Context, sessionID, content string, emit ChatEmitFunc) error {
	if strings.TrimSpace(content) == "" {
		return bridge.NewError(bridge.CodeInvalid, http.StatusBadRequest, "message content is required")
	}
	ms, err := s.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	sess := ms.Session
	prov := s.providers.ForModel(sess.Model)

	sess.Append(chat.Message{Role: chat.RoleUser, Content: content})
	if err := s.emitSession(emit, sess); err != nil {
		return err
	}

	for stepNum := 1; ; stepNum++ {
		step := sess.AddStep("generation", fmt.Sprintf("Step %d: Generating response", stepNum), nil)
		if err := emit(ChatEvent{EventStepStarted, map[string]any{"step": step}}); err != nil {
			return err
		}

		req := chat.CompletionRequest{
			Model:            sess.Model,
			Messages:         chat.SanitizeToolCalls(sess.Messages),
			Tools:            sess.Tools,
			IncludeReasoning: true,
		}
		turn, err := prov.Stream(ctx, req, func(ev chat.StreamEvent) error {
			switch ev.Kind {
			case chat.EventContentDelta:
				return emit(ChatEvent{EventMessageDelta, map[string]any{"delta": ev.Text}})
			case chat.EventReasoningDelta:
				return emit(ChatEvent{EventReasoningDelta, map[string]any{"delta": ev.Text}})
			case chat.EventToolCallDelta:
				return emit(ChatEvent{EventToolCallDelta, map[string]any{
					"id": ev.ToolCall.ID, "arguments": ev.ToolCall.Arguments,
				}})
			}
			return nil
		})
		if err != nil {
			s.logger.Warn("provider call failed",
				"session", sess.ID, "model", sess.Model, "step", stepNum, "error", err)
			return err
		}

		if len(turn.ToolCalls) > 0 {
			sess.Append(turn.Message)
			if err := s.runToolCalls(ctx, sess, turn.ToolCalls, emit); err != nil {
				return err
			}
			if err := emit(ChatEvent{EventStepCompleted, map[string]any{
				"step": step.ID, "status": "tools_executed",
			}}); err != nil {
				return err
			}
			continue
		}

		sess.Append(turn.Message)
		if err := emit(ChatEvent{EventMessageCompleted, map[string]any{
			"message": map[string]any{
				"role":      chat.RoleAssistant,
				"content":   turn.CleanContent,
				"reasoning": turn.Reasoning,
			},
		}}); err != nil {
			return err
		}
		if err := emit(ChatEvent{EventStepCompleted, map[string]any{
			"step": step.ID, "status": "completed",
		}}); err != nil {
			return err
		}
		if err := s.emitSession(emit, sess); err != nil {
			return err
		}
		break
	}

	s.sessions.Touch(sess)
	return nil
}

func (s *ChatService) emitSession(emit ChatEmitFunc, sess *chat.Session) error {
	return emit(ChatEvent{EventSessionUpdated, map[string]any{"session": sess.Snapshot()}})
}

// toolOutcome is the result of one tool call, as appended to history
// and summarized for the event stream.
type toolOutcome struct {
	envelope map[string]any
	ok       bool
}

// runToolCalls executes a turn's tool calls with bounded parallelism.
// Started events fire up front in call order; results and history
// appends stay in call order regardless of completion order.
func (s *ChatService) runToolCalls(ctx context.Context, sess *chat.Session, calls []chat.ToolCall, emit ChatEmitFunc) error {
	for _, call := range calls {
		if err := emit(ChatEvent{EventToolCallStarted, map[string]any{
			"id":        call.ID,
			"name":      call.Function.Name,
			"arguments": call.Function.Arguments,
		}}); err != nil {
			return err
		}
	}

	outcomes := make([]toolOutcome, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxToolConcurrency)
	for i, call := range calls {
		g.Go(func() error {
			outcomes[i] = s.runToolCall(gctx, sess, call)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, call := range calls {
		payload, err := json.Marshal(outcomes[i].envelope)
		if err != nil {
			payload = []byte(`{"ok":false,"error":"unserializable tool result"}`)
		}
		sess.Append(chat.Message{
			Role:       chat.RoleTool,
			ToolCallID: call.ID,
			Name:       call.Function.Name,
			Content:    string(payload),
		})
		if err := emit(ChatEvent{EventToolCallResult, map[string]any{
			"id":      call.ID,
			"name":    call.Function.Name,
			"ok":      outcomes[i].ok,
			"summary": chat.Summarize(string(payload), toolResultSummaryLength),
		}}); err != nil {
			return err
		}
	}
	return nil
}

// runToolCall resolves the binding and executes it. Failures become
// {ok:false} envelopes fed back to the model rather than exchange
// errors.
func (s *ChatService) runToolCall(ctx context.Context, sess *chat.Session, call chat.ToolCall) toolOutcome {
	binding, ok := sess.ToolIndex[call.Function.Name]
	if !ok {
		return toolOutcome{envelope: map[string]any{
			"ok":    false,
			"error": fmt.Sprintf("Tool '%s' is unavailable", call.Function.Name),
		}}
	}

	var args map[string]any
	raw := chat.NormalizeToolArguments(call.Function.Arguments)
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		args = map[string]any{"_": call.Function.Arguments}
	}

	if binding.Management {
		value, err := s.dispatchManagement(ctx, binding, args)
		if err != nil {
			return toolOutcome{envelope: map[string]any{"ok": false, "error": err.Error()}}
		}
		return toolOutcome{ok: true, envelope: map[string]any{"ok": true, "output": value}}
	}

	value, err := s.runner.Execute(ctx, binding.Server, binding.Tool, args, s.toolTimeout)
	if err != nil {
		return toolOutcome{envelope: map[string]any{
			"ok":     false,
			"error":  bridge.AsError(err).Message,
			"server": binding.Server,
			"tool":   binding.Tool,
		}}
	}
	return toolOutcome{ok: true, envelope: map[string]any{
		"ok":     true,
		"output": value,
		"server": binding.Server,
		"tool":   binding.Tool,
	}}
}

// memoryResponseWriter captures an in-process HTTP dispatch.
type memoryResponseWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newMemoryResponseWriter() *memoryResponseWriter {
	return &memoryResponseWriter{header: make(http.Header), status: http.StatusOK}
}

func (w *memoryResponseWriter) Header() http.Header       { return w.header }
func (w *memoryResponseWriter) WriteHeader(status int)    { w.status = status }
func (w *memoryResponseWriter) Write(p []byte) (int, error) { return w.body.Write(p) }

// dispatchManagement serves a management tool call against the
// gateway's own mux without a network hop. Path placeholders are filled
// from the tool arguments.
func (s *ChatService) dispatchManagement(ctx context.Context, binding chat.ToolBinding, args map[string]any) (any, error) {
	s.mgmtMu.RLock()
	handler := s.management
	s.mgmtMu.RUnlock()
	if handler == nil {
		return nil, fmt.Errorf("management surface is not available")
	}

	path := binding.Path
	for key, val := range args {
		path = strings.ReplaceAll(path, "{"+key+"}", fmt.Sprint(val))
	}
	if i := strings.IndexByte(path, '{'); i >= 0 {
		end := strings.IndexByte(path[i:], '}')
		missing := path[i:]
		if end >= 0 {
			missing = path[i+1 : i+end]
		}
		return nil, fmt.Errorf("missing required argument %q", missing)
	}

	req, err := http.NewRequestWithContext(ctx, binding.Method, path, nil)
	if err != nil {
		return nil, err
	}
	rec := newMemoryResponseWriter()
	handler.ServeHTTP(rec, req)

	var value any
	if err := json.Unmarshal(rec.body.Bytes(), &value); err != nil {
		value = rec.body.String()
	}
	if rec.status >= 400 {
		return nil, fmt.Errorf("management call %s %s failed with status %d", binding.Method, binding.Path, rec.status)
	}
	return value, nil
}

// managementRoute is one gateway operation exposed as a chat tool.
type managementRoute struct {
	name        string
	description string
	method      string
	path        string
	params      map[string]any
}

func noParams() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func serverParam() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"server": map[string]any{"type": "string", "description": "Upstream server name"},
		},
		"required": []string{"server"},
	}
}

func serverToolParams() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"server": map[string]any{"type": "string", "description": "Upstream server name"},
			"tool":   map[string]any{"type": "string", "description": "Tool name within the server"},
		},
		"required": []string{"server", "tool"},
	}
}

// managementRoutes is the fixed set of gateway operations offered to
// the model alongside upstream tools.
var managementRoutes = []managementRoute{
	{
		name:        "gateway_list_servers",
		description: "List mounted MCP servers with connection and enablement state",
		method:      http.MethodGet, path: "/_meta/servers", params: noParams(),
	},
	{
		name:        "gateway_list_server_tools",
		description: "List the tools of one MCP server",
		method:      http.MethodGet, path: "/_meta/servers/{server}/tools", params: serverParam(),
	},
	{
		name:        "gateway_enable_server",
		description: "Enable a disabled MCP server",
		method:      http.MethodPost, path: "/_meta/servers/{server}/enable", params: serverParam(),
	},
	{
		name:        "gateway_disable_server",
		description: "Disable an MCP server so its tools reject calls",
		method:      http.MethodPost, path: "/_meta/servers/{server}/disable", params: serverParam(),
	},
	{
		name:        "gateway_enable_tool",
		description: "Enable a disabled tool on an MCP server",
		method:      http.MethodPost, path: "/_meta/servers/{server}/tools/{tool}/enable", params: serverToolParams(),
	},
	{
		name:        "gateway_disable_tool",
		description: "Disable one tool on an MCP server",
		method:      http.MethodPost, path: "/_meta/servers/{server}/tools/{tool}/disable", params: serverToolParams(),
	},
	{
		name:        "gateway_status",
		description: "Get gateway status: generation, reload time and per-server health",
		method:      http.MethodGet, path: "/_meta/status", params: noParams(),
	},
	{
		name:        "gateway_metrics",
		description: "Get per-tool call metrics and error counters",
		method:      http.MethodGet, path: "/_meta/metrics", params: noParams(),
	},
}
