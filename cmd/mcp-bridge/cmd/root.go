// Package cmd provides the CLI commands for mcp-bridge.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/MCP-Bridge/mcpbridge/internal/config"
)

var (
	settingsFile string
	configFile   string
	stateFile    string
)

var rootCmd = &cobra.Command{
	Use:   "mcp-bridge",
	Short: "mcp-bridge - MCP to OpenAPI gateway",
	Long: `mcp-bridge exposes MCP servers as plain HTTP endpoints.

Each tool on each configured upstream becomes POST /{server}/{tool},
with an aggregate OpenAPI document, a management API under /_meta, a
chat orchestrator under /sessions, and an optional raw MCP proxy port.

Quick start:
  1. Create an upstream config: config.json (Claude Desktop mcpServers format)
  2. Run: mcp-bridge start --config config.json

Configuration:
  Gateway settings are loaded from mcp-bridge.yaml in the current
  directory, or from the file given with --settings.

  Environment variables override settings with the MCPBRIDGE_ prefix.
  Example: MCPBRIDGE_SERVER_HTTP_ADDR=localhost:9090

Commands:
  start       Start the gateway
  hash-key    Generate an argon2id hash for an API key
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&settingsFile, "settings", "", "settings file (default: ./mcp-bridge.yaml)")
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "upstream config file (mcpServers JSON)")
	rootCmd.PersistentFlags().StringVar(&stateFile, "state", "", "path to state.json file (default: ./state.json)")
}

func initConfig() {
	config.InitViper(settingsFile)
}
