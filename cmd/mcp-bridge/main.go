package main

import "github.com/MCP-Bridge/mcpbridge/cmd/mcp-bridge/cmd"

func main() {
	cmd.Execute()
}
