package service

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/MCP-Bridge/mcpbridge/internal/config"
	"github.com/MCP-Bridge/mcpbridge/internal/domain/bridge"
	"github.com/MCP-Bridge/mcpbridge/internal/domain/upstream"
	"github.com/MCP-Bridge/mcpbridge/internal/port/outbound"
)

type slowSession struct {
	fakeSession
	delay time.Duration
}

func (s *slowSession) CallTool(ctx context.Context, name string, args map[string]any) (*upstream.ToolResult, error) {
	select {
	case <-time.After(s.delay):
		return s.fakeSession.CallTool(ctx, name, args)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type sessionDialerFunc func(ctx context.Context, cfg config.UpstreamConfig) (outbound.MCPSession, error)

func (f sessionDialerFunc) Dial(ctx context.Context, cfg config.UpstreamConfig) (outbound.MCPSession, error) {
	return f(ctx, cfg)
}

func newTestRunner(t *testing.T, dialer outbound.SessionDialer) (*Runner, *MetricsService) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	sup, _ := newTestSupervisor(t, dialer)
	cfg := &config.Config{MCPServers: map[string]config.UpstreamConfig{
		"alpha": stdioConfig("alpha-cmd"),
	}}
	if err := sup.MountAll(context.Background(), cfg); err != nil {
		t.Fatalf("MountAll() error = %v", err)
	}
	metrics := NewMetricsService(prometheus.NewRegistry())
	return NewRunner(sup, metrics, logger), metrics
}

func TestRunner_Success(t *testing.T) {
	runner, metrics := newTestRunner(t, newFakeDialer())

	value, err := runner.Execute(context.Background(), "alpha", "echo", map[string]any{"msg": "hi"}, time.Second)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if value != "ok" {
		t.Errorf("Execute() = %v, want %q", value, "ok")
	}

	report := metrics.Report()
	stats, ok := report.PerTool["alpha/echo"]
	if !ok {
		t.Fatal("per-tool metrics missing alpha/echo")
	}
	if stats.Calls != 1 || stats.Errors != 0 {
		t.Errorf("stats = %+v, want 1 call 0 errors", stats)
	}
}

func TestRunner_SlowUpstreamTimesOut(t *testing.T) {
	dialer := sessionDialerFunc(func(ctx context.Context, cfg config.UpstreamConfig) (outbound.MCPSession, error) {
		return &slowSession{delay: time.Second}, nil
	})
	runner, metrics := newTestRunner(t, dialer)

	_, err := runner.Execute(context.Background(), "alpha", "echo", nil, 20*time.Millisecond)
	if err == nil {
		t.Fatal("Execute() with slow upstream did not fail")
	}
	be := bridge.AsError(err)
	if be.Code != bridge.CodeTimeout {
		t.Errorf("error code = %q, want timeout", be.Code)
	}
	if be.Status != 504 {
		t.Errorf("error status = %d, want 504", be.Status)
	}
	if be.Message != "Tool timed out" {
		t.Errorf("error message = %q, want %q", be.Message, "Tool timed out")
	}
	if metrics.Report().Errors.ByCode["timeout"] != 1 {
		t.Error("timeout error bucket not incremented")
	}
}

func TestRunner_UpstreamErrorResult(t *testing.T) {
	dialer := sessionDialerFunc(func(ctx context.Context, cfg config.UpstreamConfig) (outbound.MCPSession, error) {
		return &fakeSession{result: &upstream.ToolResult{
			IsError: true,
			Content: []upstream.ContentItem{{Type: "text", Text: "index out of range"}},
		}}, nil
	})
	runner, metrics := newTestRunner(t, dialer)

	_, err := runner.Execute(context.Background(), "alpha", "echo", nil, time.Second)
	if err == nil {
		t.Fatal("Execute() with isError result did not fail")
	}
	be := bridge.AsError(err)
	if be.Message != "index out of range" {
		t.Errorf("error message = %q, want first text item", be.Message)
	}
	if be.Code != bridge.CodeUnexpected {
		t.Errorf("error code = %q, want unexpected", be.Code)
	}
	if metrics.Report().Errors.ByCode["unexpected"] != 1 {
		t.Error("unexpected error bucket not incremented")
	}
}

func TestFlattenContent(t *testing.T) {
	tests := []struct {
		name    string
		content []upstream.ContentItem
		want    any
	}{
		{
			name:    "empty",
			content: nil,
			want:    nil,
		},
		{
			name:    "single plain text unwrapped",
			content: []upstream.ContentItem{{Type: "text", Text: "hello"}},
			want:    "hello",
		},
		{
			name:    "json text becomes structured",
			content: []upstream.ContentItem{{Type: "text", Text: `{"n":1}`}},
			want:    map[string]any{"n": float64(1)},
		},
		{
			name:    "quoted json string unquoted",
			content: []upstream.ContentItem{{Type: "text", Text: `"quoted"`}},
			want:    "quoted",
		},
		{
			name: "image item",
			content: []upstream.ContentItem{
				{Type: "image", MIMEType: "image/png", Data: "aGk="},
			},
			want: map[string]any{"kind": "image", "mimeType": "image/png", "data": "aGk="},
		},
		{
			name: "resource item",
			content: []upstream.ContentItem{
				{Type: "resource", URI: "file:///tmp/x"},
			},
			want: map[string]any{"kind": "resource", "uri": "file:///tmp/x"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FlattenContent(tt.content)
			if !equalValues(got, tt.want) {
				t.Errorf("FlattenContent() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestFlattenContent_MultipleItemsStayList(t *testing.T) {
	content := []upstream.ContentItem{
		{Type: "text", Text: "a"},
		{Type: "text", Text: "b"},
	}
	got, ok := FlattenContent(content).([]any)
	if !ok {
		t.Fatalf("FlattenContent() = %T, want []any", FlattenContent(content))
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("FlattenContent() = %v", got)
	}
}

func TestOutputItems(t *testing.T) {
	content := []upstream.ContentItem{
		{Type: "text", Text: `[1,2]`},
		{Type: "image", MIMEType: "image/png", Data: "aGk="},
		{Type: "resource", URI: "file:///r"},
	}
	items := OutputItems(content)
	if len(items) != 3 {
		t.Fatalf("OutputItems() len = %d, want 3", len(items))
	}
	if items[0].Type != "text" {
		t.Errorf("items[0].Type = %q", items[0].Type)
	}
	if _, ok := items[0].Value.([]any); !ok {
		t.Errorf("items[0].Value = %T, want structured slice", items[0].Value)
	}
	if items[1].Type != "image" || items[1].Data != "aGk=" {
		t.Errorf("items[1] = %+v", items[1])
	}
	if items[2].Type != "resource" || items[2].URI != "file:///r" {
		t.Errorf("items[2] = %+v", items[2])
	}
}

func equalValues(a, b any) bool {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			if !equalValues(v, bv[k]) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !equalValues(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}
