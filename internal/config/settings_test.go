package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

func TestSettings_Defaults(t *testing.T) {
	var s Settings
	s.SetDefaults()

	if s.Server.HTTPAddr != "localhost:8000" {
		t.Errorf("HTTPAddr = %q", s.Server.HTTPAddr)
	}
	if s.Server.ProxyPathPrefix != "/mcp" {
		t.Errorf("ProxyPathPrefix = %q", s.Server.ProxyPathPrefix)
	}
	if s.Tools.DefaultTimeout != 30 || s.Tools.MaxTimeout != 600 {
		t.Errorf("timeouts = %v/%v", s.Tools.DefaultTimeout, s.Tools.MaxTimeout)
	}
	if s.Tools.ProtocolVersionMode != "warn" {
		t.Errorf("ProtocolVersionMode = %q", s.Tools.ProtocolVersionMode)
	}
	if s.Logs.MainCapacity != 100 || s.Logs.ProxyCapacity != 2000 {
		t.Errorf("log capacities = %d/%d", s.Logs.MainCapacity, s.Logs.ProxyCapacity)
	}
}

func TestLoadSettings_FromYAMLFile(t *testing.T) {
	fixture := Settings{}
	fixture.Server.HTTPAddr = "127.0.0.1:9001"
	fixture.Server.ProxyAddr = "127.0.0.1:9002"
	fixture.Tools.DefaultTimeout = 12
	fixture.ReadOnly = true

	data, err := yaml.Marshal(fixture)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "mcp-bridge.yaml")
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}

	viper.Reset()
	InitViper(path)
	s, err := LoadSettings()
	if err != nil {
		t.Fatalf("LoadSettings() error: %v", err)
	}

	if s.Server.HTTPAddr != "127.0.0.1:9001" || s.Server.ProxyAddr != "127.0.0.1:9002" {
		t.Errorf("addrs = %q/%q", s.Server.HTTPAddr, s.Server.ProxyAddr)
	}
	if s.Tools.DefaultTimeout != 12 {
		t.Errorf("DefaultTimeout = %v, want 12", s.Tools.DefaultTimeout)
	}
	if !s.ReadOnly {
		t.Error("ReadOnly not loaded")
	}
	// Unset fields still pick up defaults.
	if s.Tools.MaxTimeout != 600 {
		t.Errorf("MaxTimeout = %v, want default 600", s.Tools.MaxTimeout)
	}
}

func TestLoadSettings_EnvOverride(t *testing.T) {
	t.Setenv("MCPBRIDGE_SERVER_HTTP_ADDR", "localhost:7777")
	t.Setenv("MCPBRIDGE_READ_ONLY", "true")

	viper.Reset()
	InitViper("")
	s, err := LoadSettings()
	if err != nil {
		t.Fatalf("LoadSettings() error: %v", err)
	}

	if s.Server.HTTPAddr != "localhost:7777" {
		t.Errorf("HTTPAddr = %q, want env override", s.Server.HTTPAddr)
	}
	if !s.ReadOnly {
		t.Error("ReadOnly env override not applied")
	}
}

func TestLoadSettings_ValidationFailure(t *testing.T) {
	data, err := yaml.Marshal(map[string]any{
		"server": map[string]any{"log_level": "verbose"},
	})
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "mcp-bridge.yaml")
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}

	viper.Reset()
	InitViper(path)
	if _, err := LoadSettings(); err == nil {
		t.Fatal("expected validation error for bad log_level")
	}
}

func TestEnvAPIKey(t *testing.T) {
	t.Setenv("MCPO_API_KEY", "compat-key")
	if got := EnvAPIKey(); got != "compat-key" {
		t.Errorf("EnvAPIKey() = %q", got)
	}
}
