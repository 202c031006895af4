// Package state provides file-backed persistence for enable/disable state.
//
// The state file lives next to the upstream config file with a _state.json
// suffix and records which servers, tools, providers and models are
// disabled. Absent keys mean enabled. Writes are atomic.
package state

import (
	"path/filepath"
	"strings"
)

// EnableState is the top-level structure persisted in the state file.
type EnableState struct {
	// Version is the schema version for forward compatibility. Currently 1.
	Version int `json:"version"`

	// ServerEnabled maps server name to its enabled flag.
	ServerEnabled map[string]bool `json:"server_enabled"`

	// ToolEnabled maps "server/tool" to the tool's enabled flag.
	ToolEnabled map[string]bool `json:"tool_enabled"`

	// ProviderStates maps provider id to its state.
	ProviderStates map[string]EnabledFlag `json:"provider_states"`

	// ModelStates maps model id to its state.
	ModelStates map[string]EnabledFlag `json:"model_states"`

	// FavoriteModels lists starred model ids in insertion order.
	FavoriteModels []string `json:"favorite_models"`

	// LastUpdated is the ISO-8601 timestamp of the last successful save.
	LastUpdated string `json:"last_updated"`
}

// EnabledFlag wraps a single enabled boolean for providers and models.
type EnabledFlag struct {
	Enabled bool `json:"enabled"`
}

// NewEnableState returns an empty state with all maps allocated.
func NewEnableState() *EnableState {
	return &EnableState{
		Version:        1,
		ServerEnabled:  map[string]bool{},
		ToolEnabled:    map[string]bool{},
		ProviderStates: map[string]EnabledFlag{},
		ModelStates:    map[string]EnabledFlag{},
		FavoriteModels: []string{},
	}
}

// ToolKey builds the tool_enabled map key for a server/tool pair.
func ToolKey(server, tool string) string {
	return server + "/" + tool
}

// SplitToolKey splits a tool_enabled key back into server and tool.
func SplitToolKey(key string) (server, tool string, ok bool) {
	server, tool, ok = strings.Cut(key, "/")
	return server, tool, ok
}

// PathForConfig derives the state file path from the config file path:
// the config extension is replaced with a _state.json suffix.
func PathForConfig(configPath string) string {
	ext := filepath.Ext(configPath)
	return strings.TrimSuffix(configPath, ext) + "_state.json"
}
