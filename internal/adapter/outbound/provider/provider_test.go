package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"

	"google.golang.org/genai"

	"github.com/MCP-Bridge/mcpbridge/internal/domain/chat"
)

func testProviderLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRegistry_ForModel(t *testing.T) {
	registry := NewRegistry(testProviderLogger())
	tests := []struct {
		model string
		want  string
	}{
		{"minimax/MiniMax-M2", "minimax"},
		{"gemini-2.5-flash", "google"},
		{"google/gemini-2.5-pro", "google"},
		{"claude-sonnet-4", "anthropic"},
		{"anthropic/claude-sonnet-4", "openrouter"},
		{"gpt-4o", "openai"},
		{"o3-mini", "openai"},
		{"chatgpt-4o-latest", "openai"},
		{"openrouter/auto", "openrouter"},
		{"mistralai/mistral-large", "openrouter"},
	}
	for _, tc := range tests {
		if got := registry.ForModel(tc.model).Name(); got != tc.want {
			t.Errorf("ForModel(%q) = %q, want %q", tc.model, got, tc.want)
		}
	}
}

func TestFormatModelLabel(t *testing.T) {
	tests := []struct {
		id   string
		want string
	}{
		{"openrouter/auto", "Auto"},
		{"mistral-large_2", "Mistral Large 2"},
		{"deepseek/deepseek-chat", "Deepseek Chat"},
	}
	for _, tc := range tests {
		if got := FormatModelLabel(tc.id); got != tc.want {
			t.Errorf("FormatModelLabel(%q) = %q, want %q", tc.id, got, tc.want)
		}
	}
}

func TestGoogleThinkingBudget(t *testing.T) {
	tests := []struct {
		model     string
		reasoning bool
		effort    string
		want      int32
	}{
		{"gemini-2.5-flash", false, "", 0},
		{"gemini-2.5-flash", true, "", -1},
		{"gemini-2.5-pro", false, "", -1},
		{"gemini-2.5-pro", true, "", -1},
		{"gemini-2.5-flash", true, "low", 1024},
		// Flash caps the explicit budget; pro takes it as-is.
		{"gemini-2.5-flash", true, "high", 24576},
		{"gemini-2.5-pro", true, "high", 32768},
		{"gemini-2.5-pro", true, "low", 1024},
	}
	for _, tc := range tests {
		if got := googleThinkingBudget(tc.model, tc.reasoning, tc.effort); got != tc.want {
			t.Errorf("googleThinkingBudget(%q, %v, %q) = %d, want %d", tc.model, tc.reasoning, tc.effort, got, tc.want)
		}
	}
}

func TestGoogle_ThoughtSignatureCaptured(t *testing.T) {
	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{
				{Thought: true, Text: "planning", ThoughtSignature: []byte("opaque-token")},
				{Text: "the answer"},
			}},
			FinishReason: genai.FinishReasonStop,
		}},
	}

	acc := newAccumulator(nil)
	toolIndex := map[string]int{}
	nextTool := 0
	var signature []byte
	if err := feedCandidate(acc, resp, toolIndex, &nextTool, &signature); err != nil {
		t.Fatal(err)
	}
	turn := acc.finish()
	turn.Message.Content = turn.CleanContent
	attachGoogleSignature(turn, signature)

	if turn.Reasoning != "planning" {
		t.Fatalf("reasoning = %q", turn.Reasoning)
	}
	if turn.Message.Content != "the answer" {
		t.Fatalf("content = %q", turn.Message.Content)
	}
	sig, _ := turn.Message.ProviderSpecific["thought_signature"].(string)
	if sig != base64.StdEncoding.EncodeToString([]byte("opaque-token")) {
		t.Fatalf("thought_signature = %q", sig)
	}
}

func TestGoogle_ThoughtSignatureReinjected(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "key")
	p := NewGoogleProvider(testProviderLogger())

	history := []chat.Message{
		{Role: chat.RoleUser, Content: "question"},
		{
			Role:    chat.RoleAssistant,
			Content: "partial answer",
			ToolCalls: []chat.ToolCall{{
				ID:   "call_lookup",
				Type: "function",
				Function: chat.FunctionCall{Name: "lookup", Arguments: `{"q":"x"}`},
			}},
			ProviderSpecific: map[string]any{
				"thought_signature": base64.StdEncoding.EncodeToString([]byte("opaque-token")),
			},
		},
		{Role: chat.RoleTool, ToolCallID: "call_lookup", Content: `{"hits":1}`},
	}

	_, contents := p.mapContents(history)
	if len(contents) != 3 {
		t.Fatalf("got %d contents, want 3", len(contents))
	}
	model := contents[1]
	if model.Role != genai.RoleModel {
		t.Fatalf("role = %q", model.Role)
	}
	last := model.Parts[len(model.Parts)-1]
	if last.FunctionCall == nil {
		t.Fatalf("last part = %+v, want function call", last)
	}
	if string(last.ThoughtSignature) != "opaque-token" {
		t.Fatalf("ThoughtSignature = %q", last.ThoughtSignature)
	}
}

func TestGoogle_LargeSystemRoutesThroughCache(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "key")
	p := NewGoogleProvider(testProviderLogger())

	longSystem := strings.Repeat("s", 3000)
	p.caches["gemini-2.5-pro\x00"+longSystem] = "cachedContents/abc"

	req := chat.CompletionRequest{Model: "gemini-2.5-pro"}
	config := p.resolveConfig(context.Background(), nil, req, longSystem)
	if config.CachedContent != "cachedContents/abc" {
		t.Fatalf("CachedContent = %q", config.CachedContent)
	}
	if config.SystemInstruction != nil {
		t.Fatal("system instruction set alongside cached content")
	}

	// Short systems stay inline and never touch the cache.
	config = p.resolveConfig(context.Background(), nil, req, "be brief")
	if config.SystemInstruction == nil || config.CachedContent != "" {
		t.Fatalf("config = %+v, want inline system", config)
	}
}

func TestOpenRouter_Complete(t *testing.T) {
	var gotAuth, gotReferer string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotReferer = r.Header.Get("HTTP-Referer")
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if body["model"] != "openrouter/auto" {
			t.Errorf("model = %v", body["model"])
		}
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}]}`)
	}))
	defer server.Close()

	t.Setenv("OPENROUTER_API_KEY", "test-key")
	t.Setenv("OPENROUTER_BASE_URL", server.URL)
	t.Setenv("OPENROUTER_SITE_URL", "https://example.test")
	p := NewOpenRouterProvider(testProviderLogger())

	turn, err := p.Complete(context.Background(), chat.CompletionRequest{
		Model:    "openrouter/auto",
		Messages: []chat.Message{{Role: chat.RoleUser, Content: "hello"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if turn.Message.Content != "hi" {
		t.Fatalf("content = %q", turn.Message.Content)
	}
	if gotAuth != "Bearer test-key" {
		t.Fatalf("auth header = %q", gotAuth)
	}
	if gotReferer != "https://example.test" {
		t.Fatalf("referer header = %q", gotReferer)
	}
}

func TestOpenRouter_CompleteRetriesServerError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"recovered"},"finish_reason":"stop"}]}`)
	}))
	defer server.Close()

	t.Setenv("OPENROUTER_API_KEY", "test-key")
	t.Setenv("OPENROUTER_BASE_URL", server.URL)
	p := NewOpenRouterProvider(testProviderLogger())

	turn, err := p.Complete(context.Background(), chat.CompletionRequest{Model: "m"})
	if err != nil {
		t.Fatal(err)
	}
	if turn.Message.Content != "recovered" {
		t.Fatalf("content = %q", turn.Message.Content)
	}
	if calls.Load() != 2 {
		t.Fatalf("got %d calls, want 2", calls.Load())
	}
}

func TestOpenRouter_CompleteClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":{"message":"bad model"}}`, http.StatusBadRequest)
	}))
	defer server.Close()

	t.Setenv("OPENROUTER_API_KEY", "test-key")
	t.Setenv("OPENROUTER_BASE_URL", server.URL)
	p := NewOpenRouterProvider(testProviderLogger())

	_, err := p.Complete(context.Background(), chat.CompletionRequest{Model: "m"})
	if err == nil {
		t.Fatal("expected error")
	}
	perr, ok := err.(*Error)
	if !ok {
		t.Fatalf("error type %T", err)
	}
	if perr.Status != http.StatusBadRequest || perr.Message != "bad model" {
		t.Fatalf("error = %+v", perr)
	}
	if calls.Load() != 1 {
		t.Fatalf("got %d calls, want 1", calls.Load())
	}
}

func TestOpenRouter_Stream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		lines := []string{
			`data: {"choices":[{"delta":{"role":"assistant","content":"He"}}]}`,
			`data: {"choices":[{"delta":{"content":"llo"}}]}`,
			`data: {"choices":[{"delta":{},"finish_reason":"stop"}]}`,
			`data: [DONE]`,
		}
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n\n", line)
		}
	}))
	defer server.Close()

	t.Setenv("OPENROUTER_API_KEY", "test-key")
	t.Setenv("OPENROUTER_BASE_URL", server.URL)
	p := NewOpenRouterProvider(testProviderLogger())

	var streamed string
	turn, err := p.Stream(context.Background(), chat.CompletionRequest{Model: "m"}, func(ev chat.StreamEvent) error {
		if ev.Kind == chat.EventContentDelta {
			streamed += ev.Text
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if streamed != "Hello" {
		t.Fatalf("streamed = %q", streamed)
	}
	if turn.Message.Content != "Hello" {
		t.Fatalf("content = %q", turn.Message.Content)
	}
	if turn.FinishReason != "stop" {
		t.Fatalf("finish reason = %q", turn.FinishReason)
	}
}

func TestOpenRouter_NotConfigured(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEY", "")
	p := NewOpenRouterProvider(testProviderLogger())
	if _, err := p.Complete(context.Background(), chat.CompletionRequest{Model: "m"}); err == nil {
		t.Fatal("expected error for missing key")
	}
}

func TestAnthropic_StreamRetriesServerError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		lines := []string{
			`event: content_block_delta`,
			`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"recovered"}}`,
			`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"}}`,
		}
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n\n", line)
		}
	}))
	defer server.Close()

	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	t.Setenv("ANTHROPIC_BASE_URL", server.URL)
	p := NewAnthropicProvider(testProviderLogger())

	turn, err := p.Stream(context.Background(), chat.CompletionRequest{Model: "claude-sonnet-4"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if turn.Message.Content != "recovered" {
		t.Fatalf("content = %q", turn.Message.Content)
	}
	if turn.FinishReason != "end_turn" {
		t.Fatalf("finish reason = %q", turn.FinishReason)
	}
	if calls.Load() != 2 {
		t.Fatalf("got %d connection attempts, want 2", calls.Load())
	}
}

func TestMiniMax_ErrorFormat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"base_resp":{"status_code":1004,"status_msg":"invalid api key"}}`, http.StatusUnauthorized)
	}))
	defer server.Close()

	t.Setenv("MINIMAX_API_KEY", "bad")
	t.Setenv("MINIMAX_BASE_URL", server.URL)
	p := NewMiniMaxProvider(testProviderLogger())

	_, err := p.Complete(context.Background(), chat.CompletionRequest{Model: "minimax/MiniMax-M2"})
	if err == nil {
		t.Fatal("expected error")
	}
	perr, ok := err.(*Error)
	if !ok {
		t.Fatalf("error type %T", err)
	}
	if perr.Message != "invalid api key" {
		t.Fatalf("message = %q", perr.Message)
	}
}

func TestMiniMax_StaticModels(t *testing.T) {
	t.Setenv("MINIMAX_API_KEY", "key")
	p := NewMiniMaxProvider(testProviderLogger())
	models, err := p.Models(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(models) == 0 {
		t.Fatal("expected static catalog")
	}
	if models[0].ID != "minimax/MiniMax-M2" {
		t.Fatalf("first model = %q", models[0].ID)
	}

	t.Setenv("MINIMAX_API_KEY", "")
	p = NewMiniMaxProvider(testProviderLogger())
	models, err = p.Models(context.Background())
	if err != nil || models != nil {
		t.Fatalf("unconfigured catalog = %v, %v", models, err)
	}
}

func TestCatalog_OrderAndFallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[{"id":"openrouter/auto","name":"Auto Router"},{"id":"deepseek/deepseek-chat","name":""}]}`)
	}))
	defer server.Close()

	t.Setenv("MINIMAX_API_KEY", "mm-key")
	t.Setenv("OPENROUTER_API_KEY", "or-key")
	t.Setenv("OPENROUTER_BASE_URL", server.URL)
	t.Setenv("OPENROUTER_MODEL", "deepseek/deepseek-chat")
	t.Setenv("OPENROUTER_MODELS", "qwen/qwen3-coder")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("OPEN_AI_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")

	registry := NewRegistry(testProviderLogger())
	models := registry.Catalog(context.Background())

	if models[0].ID != "minimax/MiniMax-M2" {
		t.Fatalf("first model = %q, want MiniMax catalog first", models[0].ID)
	}
	index := map[string]int{}
	for i, m := range models {
		if prev, dup := index[m.ID]; dup {
			t.Fatalf("model %q listed twice (%d, %d)", m.ID, prev, i)
		}
		index[m.ID] = i
	}
	if _, ok := index["openrouter/auto"]; !ok {
		t.Fatal("live OpenRouter catalog missing")
	}
	if _, ok := index["qwen/qwen3-coder"]; !ok {
		t.Fatal("configured model pin missing")
	}
	// The pin duplicate of the live entry is dropped, not re-added.
	if index["deepseek/deepseek-chat"] >= index["qwen/qwen3-coder"] {
		t.Fatal("live catalog entries should precede pins")
	}
}

func TestCatalog_FallbackWhenNothingConfigured(t *testing.T) {
	for _, key := range []string{
		"MINIMAX_API_KEY", "OPENROUTER_API_KEY", "OPENROUTER_MODEL",
		"OPENROUTER_MODELS", "OPENAI_API_KEY", "OPEN_AI_API_KEY",
		"GEMINI_API_KEY", "GOOGLE_API_KEY", "ANTHROPIC_API_KEY",
	} {
		t.Setenv(key, "")
	}
	registry := NewRegistry(testProviderLogger())
	models := registry.Catalog(context.Background())
	if len(models) != 1 || models[0].ID != "openrouter/auto" {
		t.Fatalf("fallback catalog = %v", models)
	}
}
