// Package config provides configuration loading for the MCP bridge:
// the JSON upstream config file (mcpServers) and the gateway settings.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
)

// Transport identifies how the gateway reaches an upstream MCP server.
const (
	TransportStdio          = "stdio"
	TransportSSE            = "sse"
	TransportStreamableHTTP = "streamable-http"
)

// Config is the parsed upstream config file.
type Config struct {
	MCPServers map[string]UpstreamConfig `json:"mcpServers" validate:"dive"`
}

// UpstreamConfig describes one upstream MCP server.
// Stdio upstreams require Command; sse/streamable-http require URL.
type UpstreamConfig struct {
	Type    string            `json:"type,omitempty" validate:"omitempty,oneof=stdio sse streamable-http streamable_http http"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	URL     string            `json:"url,omitempty" validate:"omitempty,url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Transport returns the normalized transport for this upstream.
// An omitted type means stdio when a command is present, otherwise
// streamable-http (matching how remote-only entries are written).
func (u UpstreamConfig) Transport() string {
	switch u.Type {
	case TransportSSE:
		return TransportSSE
	case TransportStreamableHTTP, "streamable_http", "http":
		return TransportStreamableHTTP
	case TransportStdio:
		return TransportStdio
	case "":
		if u.Command != "" {
			return TransportStdio
		}
		return TransportStreamableHTTP
	default:
		return u.Type
	}
}

// Names returns the upstream names in deterministic order.
func (c *Config) Names() []string {
	names := make([]string, 0, len(c.MCPServers))
	for name := range c.MCPServers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// placeholderPattern matches ${NAME} placeholders in env and header values.
var placeholderPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandPlaceholders substitutes ${NAME} with the process environment value.
// Missing variables expand to the empty string.
func ExpandPlaceholders(s string) string {
	return placeholderPattern.ReplaceAllStringFunc(s, func(m string) string {
		name := m[2 : len(m)-1]
		return os.Getenv(name)
	})
}

// expandMap returns a copy of m with every value placeholder-expanded.
func expandMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = ExpandPlaceholders(v)
	}
	return out
}

// LoadFile reads and parses the JSON config file, expands ${VAR}
// placeholders in env/header values, and validates every upstream.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse parses raw JSON config bytes. See LoadFile.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.MCPServers == nil {
		cfg.MCPServers = map[string]UpstreamConfig{}
	}

	for name, u := range cfg.MCPServers {
		u.Env = expandMap(u.Env)
		u.Headers = expandMap(u.Headers)
		cfg.MCPServers[name] = u
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct tags plus the per-transport cross-field rules.
func (c *Config) Validate() error {
	v := newValidator()
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	for _, name := range c.Names() {
		u := c.MCPServers[name]
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("mcpServers: server name must be non-empty")
		}
		if strings.ContainsAny(name, "/ \t") {
			return fmt.Errorf("mcpServers[%s]: server name must not contain '/' or whitespace", name)
		}
		switch u.Transport() {
		case TransportStdio:
			if u.Command == "" {
				return fmt.Errorf("mcpServers[%s]: stdio upstream requires command", name)
			}
		case TransportSSE, TransportStreamableHTTP:
			if u.URL == "" {
				return fmt.Errorf("mcpServers[%s]: %s upstream requires url", name, u.Transport())
			}
		default:
			return fmt.Errorf("mcpServers[%s]: unsupported transport %q", name, u.Type)
		}
	}
	return nil
}

// Equal reports deep equality of two upstream configs. Used by the
// hot-reload diff to decide whether an upstream must be remounted.
func (u UpstreamConfig) Equal(other UpstreamConfig) bool {
	a, errA := json.Marshal(u)
	b, errB := json.Marshal(other)
	if errA != nil || errB != nil {
		return false
	}
	return string(a) == string(b)
}
