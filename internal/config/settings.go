package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Settings is the gateway's own configuration, loaded from flags,
// MCPBRIDGE_* environment variables and an optional YAML settings file.
// The upstream fleet itself comes from the JSON config file (Config).
type Settings struct {
	// Server configures the HTTP listeners.
	Server ServerSettings `yaml:"server" mapstructure:"server"`

	// Tools configures per-call enforcement defaults.
	Tools ToolSettings `yaml:"tools" mapstructure:"tools"`

	// Chat configures the chat orchestrator.
	Chat ChatSettings `yaml:"chat" mapstructure:"chat"`

	// Logs configures the in-process log buses.
	Logs LogSettings `yaml:"logs" mapstructure:"logs"`

	// ReadOnly rejects all mutating meta operations with 403 read_only.
	ReadOnly bool `yaml:"read_only" mapstructure:"read_only"`

	// HotReload watches the config file and triggers a diff reload on change.
	HotReload bool `yaml:"hot_reload" mapstructure:"hot_reload"`
}

// ServerSettings configures the two listeners and auth.
type ServerSettings struct {
	// HTTPAddr is the main gateway listen address.
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// ProxyAddr is the raw MCP proxy listen address. Empty disables the proxy port.
	ProxyAddr string `yaml:"proxy_addr" mapstructure:"proxy_addr" validate:"omitempty,hostname_port"`

	// ProxyPathPrefix is the base path for raw MCP mounts on the proxy port.
	ProxyPathPrefix string `yaml:"proxy_path_prefix" mapstructure:"proxy_path_prefix"`

	// APIKey protects the gateway. Plain value or an argon2id PHC hash
	// ("$argon2id$...").
	// Empty disables auth. MCPO_API_KEY overrides for compatibility.
	APIKey string `yaml:"api_key" mapstructure:"api_key"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`

	// LogFile, when set, mirrors logs to a rotating file.
	LogFile string `yaml:"log_file" mapstructure:"log_file"`
}

// ToolSettings configures the synthesized tool endpoints.
type ToolSettings struct {
	// DefaultTimeout is the per-call timeout in seconds when the caller
	// supplies none.
	DefaultTimeout float64 `yaml:"default_timeout" mapstructure:"default_timeout" validate:"omitempty,gt=0"`

	// MaxTimeout bounds caller-supplied timeouts, in seconds.
	MaxTimeout float64 `yaml:"max_timeout" mapstructure:"max_timeout" validate:"omitempty,gt=0"`

	// ProtocolVersionMode is off, warn or enforce for the
	// MCP-Protocol-Version request header check.
	ProtocolVersionMode string `yaml:"protocol_version_mode" mapstructure:"protocol_version_mode" validate:"omitempty,oneof=off warn enforce"`

	// StructuredOutput attaches the output collection to every envelope.
	StructuredOutput bool `yaml:"structured_output" mapstructure:"structured_output"`

	// ValidateOutputMode is off or enforce for upstream output schemas.
	ValidateOutputMode string `yaml:"validate_output_mode" mapstructure:"validate_output_mode" validate:"omitempty,oneof=off enforce"`

	// SSEReadTimeout is the read timeout for SSE upstream transports.
	SSEReadTimeout time.Duration `yaml:"sse_read_timeout" mapstructure:"sse_read_timeout"`
}

// ChatSettings configures the chat orchestrator.
type ChatSettings struct {
	// SessionDB is the sqlite file for chat session metadata.
	// Empty keeps sessions purely in memory.
	SessionDB string `yaml:"session_db" mapstructure:"session_db"`

	// EventBuffer is the size of the SSE relay channel per exchange.
	EventBuffer int `yaml:"event_buffer" mapstructure:"event_buffer" validate:"omitempty,gt=0"`
}

// LogSettings sizes the in-process log ring buffers.
type LogSettings struct {
	MainCapacity  int `yaml:"main_capacity" mapstructure:"main_capacity" validate:"omitempty,gte=100"`
	ProxyCapacity int `yaml:"proxy_capacity" mapstructure:"proxy_capacity" validate:"omitempty,gte=2000"`
}

// SetDefaults fills zero values with production defaults.
func (s *Settings) SetDefaults() {
	if s.Server.HTTPAddr == "" {
		s.Server.HTTPAddr = "localhost:8000"
	}
	if s.Server.ProxyPathPrefix == "" {
		s.Server.ProxyPathPrefix = "/mcp"
	}
	if s.Server.LogLevel == "" {
		s.Server.LogLevel = "info"
	}
	if s.Tools.DefaultTimeout == 0 {
		s.Tools.DefaultTimeout = 30
	}
	if s.Tools.MaxTimeout == 0 {
		s.Tools.MaxTimeout = 600
	}
	if s.Tools.ProtocolVersionMode == "" {
		s.Tools.ProtocolVersionMode = "warn"
	}
	if s.Tools.ValidateOutputMode == "" {
		s.Tools.ValidateOutputMode = "off"
	}
	if s.Tools.SSEReadTimeout == 0 {
		s.Tools.SSEReadTimeout = 900 * time.Second
	}
	if s.Chat.EventBuffer == 0 {
		s.Chat.EventBuffer = 64
	}
	if s.Logs.MainCapacity == 0 {
		s.Logs.MainCapacity = 100
	}
	if s.Logs.ProxyCapacity == 0 {
		s.Logs.ProxyCapacity = 2000
	}
}

// Validate validates the settings using struct tags.
func (s *Settings) Validate() error {
	v := newValidator()
	if err := v.Struct(s); err != nil {
		return formatValidationErrors(err)
	}
	return nil
}

// InitViper initializes Viper with the settings file and environment
// variables. If settingsFile is empty, mcp-bridge.yaml/.yml is searched in
// the current directory; absence is not an error.
func InitViper(settingsFile string) {
	if settingsFile != "" {
		viper.SetConfigFile(settingsFile)
	} else {
		viper.SetConfigName("mcp-bridge")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}

	// Environment variable support: MCPBRIDGE_SERVER_HTTP_ADDR
	viper.SetEnvPrefix("MCPBRIDGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// bindNestedEnvKeys binds nested settings keys for env var overrides.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("server.http_addr")
	_ = viper.BindEnv("server.proxy_addr")
	_ = viper.BindEnv("server.proxy_path_prefix")
	_ = viper.BindEnv("server.api_key")
	_ = viper.BindEnv("server.log_level")
	_ = viper.BindEnv("server.log_file")
	_ = viper.BindEnv("tools.default_timeout")
	_ = viper.BindEnv("tools.max_timeout")
	_ = viper.BindEnv("tools.protocol_version_mode")
	_ = viper.BindEnv("tools.structured_output")
	_ = viper.BindEnv("tools.validate_output_mode")
	_ = viper.BindEnv("tools.sse_read_timeout")
	_ = viper.BindEnv("chat.session_db")
	_ = viper.BindEnv("logs.main_capacity")
	_ = viper.BindEnv("logs.proxy_capacity")
	_ = viper.BindEnv("read_only")
	_ = viper.BindEnv("hot_reload")
}

// LoadSettings reads the settings file (if any), applies env overrides,
// sets defaults and validates.
func LoadSettings() (*Settings, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read settings file: %w", err)
		}
		// No settings file: env vars and defaults only.
	}

	var s Settings
	if err := viper.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
	}

	s.SetDefaults()
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("settings validation failed: %w", err)
	}
	return &s, nil
}

// SettingsFileUsed returns the loaded settings file path, if any.
func SettingsFileUsed() string {
	return viper.ConfigFileUsed()
}

// EnvAPIKey returns the MCPO_API_KEY compatibility override, if set.
func EnvAPIKey() string {
	return os.Getenv("MCPO_API_KEY")
}
