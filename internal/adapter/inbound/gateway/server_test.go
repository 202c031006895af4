package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/MCP-Bridge/mcpbridge/internal/adapter/outbound/state"
	"github.com/MCP-Bridge/mcpbridge/internal/config"
	"github.com/MCP-Bridge/mcpbridge/internal/domain/chat"
	"github.com/MCP-Bridge/mcpbridge/internal/domain/upstream"
	"github.com/MCP-Bridge/mcpbridge/internal/port/outbound"
	"github.com/MCP-Bridge/mcpbridge/internal/service"
)

type stubSession struct {
	mu    sync.Mutex
	calls []string
}

func (s *stubSession) ListTools(ctx context.Context) ([]*upstream.Tool, error) {
	return []*upstream.Tool{
		{Name: "echo", Description: "echoes input"},
		{
			Name:        "report",
			Description: "returns a structured report",
			OutputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"count": map[string]any{"type": "integer"}},
				"required":   []any{"count"},
			},
		},
	}, nil
}

func (s *stubSession) CallTool(ctx context.Context, name string, args map[string]any) (*upstream.ToolResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, name)
	s.mu.Unlock()
	text := "ok"
	if name == "report" {
		text = `{"count":3}`
		if broken, _ := args["broken"].(bool); broken {
			text = `{"count":"many"}`
		}
	}
	return &upstream.ToolResult{Content: []upstream.ContentItem{{Type: "text", Text: text}}}, nil
}

func (s *stubSession) Close() error { return nil }

func (s *stubSession) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type stubDialer struct {
	mu       sync.Mutex
	sessions map[string]*stubSession
}

func (d *stubDialer) Dial(ctx context.Context, cfg config.UpstreamConfig) (outbound.MCPSession, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sess := &stubSession{}
	d.sessions[cfg.Command] = sess
	return sess, nil
}

type stubProvider struct{}

func (stubProvider) Name() string { return "stub" }

func (stubProvider) Complete(ctx context.Context, req chat.CompletionRequest) (*chat.Turn, error) {
	return &chat.Turn{
		Message:      chat.Message{Role: chat.RoleAssistant, Content: "done"},
		FinishReason: "stop",
		CleanContent: "done",
	}, nil
}

func (p stubProvider) Stream(ctx context.Context, req chat.CompletionRequest, emit chat.StreamFunc) (*chat.Turn, error) {
	if emit != nil {
		if err := emit(chat.StreamEvent{Kind: chat.EventContentDelta, Text: "done"}); err != nil {
			return nil, err
		}
	}
	return p.Complete(ctx, req)
}

func (stubProvider) Models(ctx context.Context) ([]chat.ModelInfo, error) {
	return []chat.ModelInfo{{ID: "stub/model", Label: "Stub"}}, nil
}

type stubResolver struct{}

func (stubResolver) ForModel(model string) outbound.ChatProvider { return stubProvider{} }
func (stubResolver) Catalog(ctx context.Context) []chat.ModelInfo {
	models, _ := stubProvider{}.Models(ctx)
	return models
}
func (stubResolver) Providers() []string { return []string{"stub"} }

type testEnv struct {
	handler    *Handler
	routes     http.Handler
	dialer     *stubDialer
	metrics    *service.MetricsService
	supervisor *service.Supervisor
	configPath string
}

func newTestEnv(t *testing.T, mutate func(*config.Settings)) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	settings := &config.Settings{}
	settings.SetDefaults()
	if mutate != nil {
		mutate(settings)
	}

	configPath := filepath.Join(t.TempDir(), "config.json")
	content := `{"mcpServers":{"alpha":{"command":"alpha-cmd"}}}`
	if err := os.WriteFile(configPath, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		t.Fatal(err)
	}

	dialer := &stubDialer{sessions: map[string]*stubSession{}}
	cache := upstream.NewToolCache()
	sup := service.NewSupervisor(dialer, cache, logger)
	t.Cleanup(func() { _ = sup.Close() })
	if err := sup.MountAll(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}

	reg := prometheus.NewRegistry()
	stateSvc := service.NewStateService(state.NewFileStore(filepath.Join(t.TempDir(), "state.json"), logger), logger)
	metrics := service.NewMetricsService(reg)
	runner := service.NewRunner(sup, metrics, logger)
	sessions := service.NewSessionManager(nil, logger)
	chatSvc := service.NewChatService(sessions, sup, stateSvc, runner, cache,
		stubResolver{}, 5*time.Second, logger)
	logBus := service.NewLogBus(settings.Logs.MainCapacity)

	h := NewHandler(settings, stateSvc, sup, runner, metrics, chatSvc, logBus, cache, configPath, logger)
	return &testEnv{
		handler:    h,
		routes:     h.Routes(reg),
		dialer:     dialer,
		metrics:    metrics,
		supervisor: sup,
		configPath: configPath,
	}
}

func (env *testEnv) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	env.routes.ServeHTTP(rec, req)
	return rec
}

type envelope struct {
	OK     bool `json:"ok"`
	Result any  `json:"result"`
	Error  *struct {
		Message string         `json:"message"`
		Code    string         `json:"code"`
		Data    map[string]any `json:"data"`
	} `json:"error"`
	Output *struct {
		Type  string `json:"type"`
		Items []any  `json:"items"`
	} `json:"output"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v (body %q)", err, rec.Body.String())
	}
	return env
}

func TestToolCall_Success(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/alpha/echo", `{"msg":"hi"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	got := decodeEnvelope(t, rec)
	if !got.OK || got.Result != "ok" {
		t.Errorf("envelope = %+v, want ok with result %q", got, "ok")
	}
}

func TestToolCall_EmptyBody(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/alpha/echo", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestToolCall_InvalidJSONBody(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/alpha/echo", `[1,2]`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if got := decodeEnvelope(t, rec); got.Error == nil || got.Error.Code != "invalid_json" {
		t.Errorf("error = %+v, want code invalid_json", got.Error)
	}
}

func TestToolCall_UnknownServer(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/missing/echo", "{}", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if got := decodeEnvelope(t, rec); got.Error == nil || got.Error.Code != "not_found" {
		t.Errorf("error = %+v, want code not_found", got.Error)
	}
}

func TestToolCall_UnknownTool(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/alpha/nope", "{}", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestToolCall_NonNumericTimeout(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/alpha/echo?timeout=abc", "{}", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if got := decodeEnvelope(t, rec); got.Error == nil || got.Error.Code != "invalid_timeout" {
		t.Errorf("error = %+v, want code invalid_timeout", got.Error)
	}
	if env.dialer.sessions["alpha-cmd"].callCount() != 0 {
		t.Error("upstream was called despite invalid timeout")
	}
}

func TestToolCall_TimeoutAboveMax(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/alpha/echo?timeout=1000", "{}", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	got := decodeEnvelope(t, rec)
	if got.Error == nil || got.Error.Code != "invalid_timeout" {
		t.Fatalf("error = %+v, want code invalid_timeout", got.Error)
	}
	if max, ok := got.Error.Data["max"].(float64); !ok || max != 600 {
		t.Errorf("error.data = %v, want max 600", got.Error.Data)
	}
}

func TestToolCall_TimeoutHeader(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/alpha/echo", "{}",
		map[string]string{"X-Tool-Timeout": "12"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	// Query param wins over the header and still validates.
	rec = env.do(t, http.MethodPost, "/alpha/echo?timeout=0", "{}",
		map[string]string{"X-Tool-Timeout": "12"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestToolCall_DisabledToolBlocksWithoutExecution(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/_meta/servers/alpha/tools/echo/disable", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("disable status = %d, want 200", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/alpha/echo", "{}", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	got := decodeEnvelope(t, rec)
	if got.Error == nil || got.Error.Code != "disabled" {
		t.Fatalf("error = %+v, want code disabled", got.Error)
	}
	if !strings.Contains(got.Error.Message, "echo") {
		t.Errorf("message = %q, want tool name", got.Error.Message)
	}

	report := env.metrics.Report()
	if report.Errors.ByCode["disabled"] != 1 {
		t.Errorf("disabled bucket = %d, want 1", report.Errors.ByCode["disabled"])
	}
	if env.dialer.sessions["alpha-cmd"].callCount() != 0 {
		t.Error("upstream was called despite disabled tool")
	}
}

func TestToolCall_DisabledServer(t *testing.T) {
	env := newTestEnv(t, nil)

	env.do(t, http.MethodPost, "/_meta/servers/alpha/disable", "", nil)
	rec := env.do(t, http.MethodPost, "/alpha/echo", "{}", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if got := decodeEnvelope(t, rec); got.Error == nil || !strings.Contains(got.Error.Message, "alpha") {
		t.Errorf("error = %+v, want server name in message", got.Error)
	}
}

func TestProtocolVersion_Enforce(t *testing.T) {
	env := newTestEnv(t, func(s *config.Settings) {
		s.Tools.ProtocolVersionMode = "enforce"
	})

	rec := env.do(t, http.MethodPost, "/alpha/echo", "{}", nil)
	if rec.Code != http.StatusUpgradeRequired {
		t.Fatalf("status = %d, want 426", rec.Code)
	}
	if got := decodeEnvelope(t, rec); got.Error == nil || got.Error.Code != "protocol" {
		t.Errorf("error = %+v, want code protocol", got.Error)
	}

	rec = env.do(t, http.MethodPost, "/alpha/echo", "{}",
		map[string]string{"MCP-Protocol-Version": "2025-06-18"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status with header = %d, want 200", rec.Code)
	}
}

func TestProtocolVersion_WarnAllows(t *testing.T) {
	env := newTestEnv(t, nil) // default mode is warn

	rec := env.do(t, http.MethodPost, "/alpha/echo", "{}",
		map[string]string{"MCP-Protocol-Version": "2024-01-01"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestStructuredOutput(t *testing.T) {
	env := newTestEnv(t, func(s *config.Settings) {
		s.Tools.StructuredOutput = true
	})

	rec := env.do(t, http.MethodPost, "/alpha/echo", "{}", nil)
	got := decodeEnvelope(t, rec)
	if got.Output == nil || got.Output.Type != "collection" || len(got.Output.Items) != 1 {
		t.Fatalf("output = %+v, want collection with 1 item", got.Output)
	}

	// Failures still carry an empty collection.
	rec = env.do(t, http.MethodPost, "/alpha/echo?timeout=abc", "{}", nil)
	got = decodeEnvelope(t, rec)
	if got.Output == nil || len(got.Output.Items) != 0 {
		t.Errorf("failure output = %+v, want empty collection", got.Output)
	}
}

func TestOutputValidation_EnforcePassesConformingResult(t *testing.T) {
	env := newTestEnv(t, func(s *config.Settings) {
		s.Tools.ValidateOutputMode = "enforce"
	})

	rec := env.do(t, http.MethodPost, "/alpha/report", "{}", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	got := decodeEnvelope(t, rec)
	result, ok := got.Result.(map[string]any)
	if !ok || result["count"] != float64(3) {
		t.Errorf("result = %v, want count 3", got.Result)
	}
}

func TestOutputValidation_EnforceRejectsBadResultWith502(t *testing.T) {
	env := newTestEnv(t, func(s *config.Settings) {
		s.Tools.ValidateOutputMode = "enforce"
	})

	rec := env.do(t, http.MethodPost, "/alpha/report", `{"broken":true}`, nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502 (body %s)", rec.Code, rec.Body.String())
	}
	got := decodeEnvelope(t, rec)
	if got.Error == nil || got.Error.Code != "output_validation" {
		t.Fatalf("error = %+v, want code output_validation", got.Error)
	}
	report := env.metrics.Report()
	if report.Errors.ByCode["output_validation"] != 1 {
		t.Errorf("output_validation bucket = %d, want 1", report.Errors.ByCode["output_validation"])
	}
}

func TestOutputValidation_OffByDefault(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/alpha/report", `{"broken":true}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with validation off", rec.Code)
	}
}

func TestReadOnly_BlocksMutatingMeta(t *testing.T) {
	env := newTestEnv(t, func(s *config.Settings) {
		s.ReadOnly = true
	})

	rec := env.do(t, http.MethodPost, "/_meta/reload", "", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if got := decodeEnvelope(t, rec); got.Error == nil || got.Error.Code != "read_only" {
		t.Errorf("error = %+v, want code read_only", got.Error)
	}

	if rec := env.do(t, http.MethodGet, "/_meta/servers", "", nil); rec.Code != http.StatusOK {
		t.Errorf("GET status = %d, want 200", rec.Code)
	}
	// Tool calls stay allowed.
	if rec := env.do(t, http.MethodPost, "/alpha/echo", "{}", nil); rec.Code != http.StatusOK {
		t.Errorf("tool call status = %d, want 200", rec.Code)
	}
}

func TestAuth_BearerKey(t *testing.T) {
	env := newTestEnv(t, func(s *config.Settings) {
		s.Server.APIKey = "secret"
	})

	if rec := env.do(t, http.MethodGet, "/_meta/servers", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no key status = %d, want 401", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/_meta/servers", "",
		map[string]string{"Authorization": "Bearer wrong"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key status = %d, want 401", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/_meta/servers", "",
		map[string]string{"Authorization": "Bearer secret"}); rec.Code != http.StatusOK {
		t.Fatalf("good key status = %d, want 200", rec.Code)
	}
	// Health stays open for probes.
	if rec := env.do(t, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	var body struct {
		Status     string `json:"status"`
		Generation int64  `json:"generation"`
		Servers    map[string]struct {
			Connected bool   `json:"connected"`
			Type      string `json:"type"`
		} `json:"servers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" || body.Generation != 1 {
		t.Errorf("healthz = %+v, want ok at generation 1", body)
	}
	if sh, ok := body.Servers["alpha"]; !ok || !sh.Connected || sh.Type != "stdio" {
		t.Errorf("servers[alpha] = %+v, want connected stdio", sh)
	}
}

func TestMetaServersAndTools(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/_meta/servers", "", nil)
	got := decodeEnvelope(t, rec)
	servers, ok := got.Result.([]any)
	if !ok || len(servers) != 1 {
		t.Fatalf("result = %v, want 1 server", got.Result)
	}

	rec = env.do(t, http.MethodGet, "/_meta/servers/alpha/tools", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("tools status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "echo") {
		t.Errorf("tools body = %s, want echo listed", rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/_meta/servers/missing/tools", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing server status = %d, want 404", rec.Code)
	}
}

func TestConfigEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/_meta/config/content", "", nil)
	if !strings.Contains(rec.Body.String(), "alpha-cmd") {
		t.Fatalf("content body = %s, want raw config", rec.Body.String())
	}

	// Save a config that adds a second server; the diff reload mounts it.
	newContent := `{"mcpServers":{"alpha":{"command":"alpha-cmd"},"beta":{"command":"beta-cmd"}}}`
	body, _ := json.Marshal(map[string]string{"content": newContent})
	rec = env.do(t, http.MethodPost, "/_meta/config/save", string(body), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("save status = %d (body %s)", rec.Code, rec.Body.String())
	}
	names := env.supervisor.Names()
	if len(names) != 2 || names[1] != "beta" {
		t.Errorf("Names() = %v, want [alpha beta]", names)
	}

	// Invalid content is rejected before touching the file.
	body, _ = json.Marshal(map[string]string{"content": `{"mcpServers":{"bad":{}}}`})
	rec = env.do(t, http.MethodPost, "/_meta/config/save", string(body), nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid save status = %d, want 400", rec.Code)
	}
	data, err := os.ReadFile(env.configPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != newContent {
		t.Error("config file was overwritten by invalid save")
	}
}

func TestReloadAndReinit(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/_meta/reload", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("reload status = %d (body %s)", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodPost, "/_meta/reinit/alpha", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("reinit status = %d (body %s)", rec.Code, rec.Body.String())
	}
	rec = env.do(t, http.MethodPost, "/_meta/reinit/missing", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("reinit missing status = %d, want 404", rec.Code)
	}
}

func TestLogsEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)
	env.handler.logBus.Add(service.LogEntry{Level: "INFO", Message: "tool call ok", Category: service.CategoryTools, Source: service.LogSourceOpenAPI})
	env.handler.logBus.Add(service.LogEntry{Level: "ERROR", Message: "boom", Category: service.CategoryErrors, Source: service.LogSourceOpenAPI})

	rec := env.do(t, http.MethodGet, "/_meta/logs?category=errors", "", nil)
	got := decodeEnvelope(t, rec)
	result := got.Result.(map[string]any)
	if count := result["count"].(float64); count != 1 {
		t.Errorf("count = %v, want 1", count)
	}

	rec = env.do(t, http.MethodGet, "/_meta/logs?cursor=notanumber", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad cursor status = %d, want 400", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/_meta/logs/sources", "", nil)
	if !strings.Contains(rec.Body.String(), service.LogSourceOpenAPI) {
		t.Errorf("sources body = %s", rec.Body.String())
	}

	env.do(t, http.MethodPost, "/_meta/logs/clear/errors", "", nil)
	rec = env.do(t, http.MethodGet, "/_meta/logs?category=errors", "", nil)
	result = decodeEnvelope(t, rec).Result.(map[string]any)
	if count := result["count"].(float64); count != 0 {
		t.Errorf("count after clear = %v, want 0", count)
	}

	env.do(t, http.MethodPost, "/_meta/logs/clear/all", "", nil)
	if n := env.handler.logBus.Count(""); n != 0 {
		t.Errorf("Count after clear all = %d, want 0", n)
	}
}

func TestMetricsAndStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, http.MethodPost, "/alpha/echo", "{}", nil)

	rec := env.do(t, http.MethodGet, "/_meta/metrics", "", nil)
	result := decodeEnvelope(t, rec).Result.(map[string]any)
	if calls := result["calls"].(float64); calls != 1 {
		t.Errorf("calls = %v, want 1", calls)
	}

	rec = env.do(t, http.MethodGet, "/_meta/status", "", nil)
	result = decodeEnvelope(t, rec).Result.(map[string]any)
	if result["status"] != "ok" {
		t.Errorf("status result = %v", result)
	}

	rec = env.do(t, http.MethodGet, "/_meta/stats", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("stats status = %d, want 200", rec.Code)
	}
}

func TestAggregateOpenAPI(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/_meta/aggregate_openapi", "", nil)
	var doc struct {
		OpenAPI string         `json:"openapi"`
		Paths   map[string]any `json:"paths"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatal(err)
	}
	if doc.OpenAPI != "3.1.0" {
		t.Errorf("openapi = %q", doc.OpenAPI)
	}
	if _, ok := doc.Paths["/alpha/echo"]; !ok {
		t.Fatalf("paths = %v, want /alpha/echo", doc.Paths)
	}

	// Disabling the tool changes the surface fingerprint; the next build
	// excludes it without force_refresh.
	env.do(t, http.MethodPost, "/_meta/servers/alpha/tools/echo/disable", "", nil)
	rec = env.do(t, http.MethodGet, "/_meta/aggregate_openapi", "", nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatal(err)
	}
	if _, ok := doc.Paths["/alpha/echo"]; ok {
		t.Error("disabled tool still present in aggregate document")
	}
}

func TestProviderAndModelToggles(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/_meta/providers", "", nil)
	if !strings.Contains(rec.Body.String(), "stub") {
		t.Fatalf("providers body = %s", rec.Body.String())
	}

	env.do(t, http.MethodPost, "/_meta/providers/stub/disable", "", nil)
	rec = env.do(t, http.MethodGet, "/sessions/models", "", nil)
	got := decodeEnvelope(t, rec)
	if models, ok := got.Result.([]any); ok && len(models) != 0 {
		t.Errorf("models = %v, want none with provider disabled", models)
	}
	env.do(t, http.MethodPost, "/_meta/providers/stub/enable", "", nil)

	body, _ := json.Marshal(map[string]string{"model": "stub/model"})
	env.do(t, http.MethodPost, "/_meta/models/disable", string(body), nil)
	rec = env.do(t, http.MethodGet, "/sessions/models", "", nil)
	got = decodeEnvelope(t, rec)
	if models, ok := got.Result.([]any); ok && len(models) != 0 {
		t.Errorf("models = %v, want none with model disabled", models)
	}

	rec = env.do(t, http.MethodPost, "/_meta/models/disable", "{}", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing model status = %d, want 400", rec.Code)
	}
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)

	body, _ := json.Marshal(map[string]any{"model": "stub/model", "systemPrompt": "be brief"})
	rec := env.do(t, http.MethodPost, "/sessions", string(body), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("create status = %d (body %s)", rec.Code, rec.Body.String())
	}
	var created struct {
		Result struct {
			ID string `json:"id"`
		} `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	id := created.Result.ID
	if id == "" {
		t.Fatal("created session has no id")
	}

	if rec := env.do(t, http.MethodGet, "/sessions/"+id, "", nil); rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	// Model is mandatory.
	rec = env.do(t, http.MethodPost, "/sessions", `{}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("create without model status = %d, want 400", rec.Code)
	}

	if rec := env.do(t, http.MethodPost, "/sessions/"+id+"/reset", "{}", nil); rec.Code != http.StatusOK {
		t.Fatalf("reset status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, "/sessions/"+id, "", nil); rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/sessions/"+id, "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", rec.Code)
	}
}

func TestSessionMessage_NonStreaming(t *testing.T) {
	env := newTestEnv(t, nil)

	body, _ := json.Marshal(map[string]any{"model": "stub/model"})
	rec := env.do(t, http.MethodPost, "/sessions", string(body), nil)
	var created struct {
		Result struct {
			ID string `json:"id"`
		} `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}

	msg, _ := json.Marshal(map[string]any{"content": "hello", "stream": false})
	rec = env.do(t, http.MethodPost, "/sessions/"+created.Result.ID+"/messages", string(msg), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("message status = %d (body %s)", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "done") {
		t.Errorf("body = %s, want assistant reply", rec.Body.String())
	}

	// Empty content is rejected up front.
	rec = env.do(t, http.MethodPost, "/sessions/"+created.Result.ID+"/messages", `{"content":"  "}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty content status = %d, want 400", rec.Code)
	}
}

func TestSessionMessage_Streaming(t *testing.T) {
	env := newTestEnv(t, nil)

	body, _ := json.Marshal(map[string]any{"model": "stub/model"})
	rec := env.do(t, http.MethodPost, "/sessions", string(body), nil)
	var created struct {
		Result struct {
			ID string `json:"id"`
		} `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}

	rec = env.do(t, http.MethodPost, "/sessions/"+created.Result.ID+"/messages", `{"content":"hi"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stream status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	out := rec.Body.String()
	for _, event := range []string{"session.updated", "step.started", "message.delta", "message.completed", "done"} {
		if !strings.Contains(out, "event: "+event) {
			t.Errorf("stream missing event %q:\n%s", event, out)
		}
	}
	if !strings.HasSuffix(strings.TrimSpace(out), "data: {}") {
		// done carries an empty object and must be the final frame
		t.Errorf("stream does not end with done frame:\n%s", out)
	}
}

func TestFavorites(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/sessions/favorites", `{"model":"stub/model"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("favorite status = %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/sessions/favorites", "", nil)
	if !strings.Contains(rec.Body.String(), "stub/model") {
		t.Fatalf("favorites body = %s", rec.Body.String())
	}

	env.do(t, http.MethodPost, "/sessions/favorites", `{"model":"stub/model","favorite":false}`, nil)
	rec = env.do(t, http.MethodGet, "/sessions/favorites", "", nil)
	if strings.Contains(rec.Body.String(), "stub/model") {
		t.Errorf("favorites body = %s, want removed", rec.Body.String())
	}

	rec = env.do(t, http.MethodPost, "/sessions/favorites", `{}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty body status = %d, want 400", rec.Code)
	}
}
