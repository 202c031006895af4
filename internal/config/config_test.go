package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParse_MinimalStdio(t *testing.T) {
	cfg, err := Parse([]byte(`{"mcpServers":{"s1":{"command":"echo","args":["ok"]}}}`))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}

	u, ok := cfg.MCPServers["s1"]
	if !ok {
		t.Fatal("s1 missing from parsed config")
	}
	if u.Transport() != TransportStdio {
		t.Errorf("expected stdio transport, got %q", u.Transport())
	}
	if u.Command != "echo" || len(u.Args) != 1 || u.Args[0] != "ok" {
		t.Errorf("unexpected command spec: %+v", u)
	}
}

func TestParse_EmptyServers(t *testing.T) {
	cfg, err := Parse([]byte(`{}`))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if cfg.MCPServers == nil || len(cfg.MCPServers) != 0 {
		t.Errorf("expected empty allocated map, got %v", cfg.MCPServers)
	}
}

func TestParse_InvalidJSON(t *testing.T) {
	if _, err := Parse([]byte(`{not json`)); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestTransport_Inference(t *testing.T) {
	cases := []struct {
		name string
		in   UpstreamConfig
		want string
	}{
		{"explicit stdio", UpstreamConfig{Type: "stdio", Command: "echo"}, TransportStdio},
		{"explicit sse", UpstreamConfig{Type: "sse", URL: "http://localhost:3000/sse"}, TransportSSE},
		{"explicit streamable-http", UpstreamConfig{Type: "streamable-http", URL: "http://localhost:3000/mcp"}, TransportStreamableHTTP},
		{"underscore alias", UpstreamConfig{Type: "streamable_http", URL: "http://localhost:3000/mcp"}, TransportStreamableHTTP},
		{"http alias", UpstreamConfig{Type: "http", URL: "http://localhost:3000/mcp"}, TransportStreamableHTTP},
		{"inferred stdio from command", UpstreamConfig{Command: "uvx"}, TransportStdio},
		{"inferred remote from url", UpstreamConfig{URL: "http://localhost:3000/mcp"}, TransportStreamableHTTP},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.in.Transport(); got != tc.want {
				t.Errorf("Transport() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestExpandPlaceholders(t *testing.T) {
	t.Setenv("BRIDGE_TEST_TOKEN", "secret123")

	cfg, err := Parse([]byte(`{
		"mcpServers": {
			"remote": {
				"type": "sse",
				"url": "http://localhost:3000/sse",
				"headers": {
					"Authorization": "Bearer ${BRIDGE_TEST_TOKEN}",
					"X-Missing": "${BRIDGE_TEST_UNSET_VAR}"
				}
			},
			"local": {
				"command": "uvx",
				"env": {"API_KEY": "${BRIDGE_TEST_TOKEN}"}
			}
		}
	}`))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}

	remote := cfg.MCPServers["remote"]
	if got := remote.Headers["Authorization"]; got != "Bearer secret123" {
		t.Errorf("header expansion failed: %q", got)
	}
	if got := remote.Headers["X-Missing"]; got != "" {
		t.Errorf("missing variable should expand to empty, got %q", got)
	}
	if got := cfg.MCPServers["local"].Env["API_KEY"]; got != "secret123" {
		t.Errorf("env expansion failed: %q", got)
	}
}

func TestValidate_StdioRequiresCommand(t *testing.T) {
	_, err := Parse([]byte(`{"mcpServers":{"s1":{"type":"stdio"}}}`))
	if err == nil {
		t.Fatal("expected error for stdio without command")
	}
	if !strings.Contains(err.Error(), "requires command") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidate_RemoteRequiresURL(t *testing.T) {
	for _, transport := range []string{"sse", "streamable-http"} {
		_, err := Parse([]byte(`{"mcpServers":{"s1":{"type":"` + transport + `"}}}`))
		if err == nil {
			t.Fatalf("expected error for %s without url", transport)
		}
		if !strings.Contains(err.Error(), "requires url") {
			t.Errorf("unexpected error for %s: %v", transport, err)
		}
	}
}

func TestValidate_RejectsBadNames(t *testing.T) {
	for _, raw := range []string{
		`{"mcpServers":{"bad/name":{"command":"echo"}}}`,
		`{"mcpServers":{"bad name":{"command":"echo"}}}`,
		`{"mcpServers":{" ":{"command":"echo"}}}`,
	} {
		if _, err := Parse([]byte(raw)); err == nil {
			t.Errorf("expected name validation error for %s", raw)
		}
	}
}

func TestValidate_RejectsUnknownTransport(t *testing.T) {
	if _, err := Parse([]byte(`{"mcpServers":{"s1":{"type":"websocket","url":"http://x"}}}`)); err == nil {
		t.Fatal("expected error for unknown transport")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{"mcpServers":{"s1":{"command":"echo","args":["ok"]}}}`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error: %v", err)
	}
	if len(cfg.MCPServers) != 1 {
		t.Errorf("expected 1 server, got %d", len(cfg.MCPServers))
	}

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestUpstreamConfig_Equal(t *testing.T) {
	a := UpstreamConfig{Command: "echo", Args: []string{"ok"}, Env: map[string]string{"A": "1"}}
	b := UpstreamConfig{Command: "echo", Args: []string{"ok"}, Env: map[string]string{"A": "1"}}
	if !a.Equal(b) {
		t.Error("identical configs should be equal")
	}

	b.Args = []string{"changed"}
	if a.Equal(b) {
		t.Error("differing args should not be equal")
	}
}

func TestNames_Sorted(t *testing.T) {
	cfg := &Config{MCPServers: map[string]UpstreamConfig{
		"zeta":  {Command: "z"},
		"alpha": {Command: "a"},
		"mid":   {Command: "m"},
	}}
	names := cfg.Names()
	if len(names) != 3 || names[0] != "alpha" || names[1] != "mid" || names[2] != "zeta" {
		t.Errorf("Names() = %v, want sorted order", names)
	}
}
