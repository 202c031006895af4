// Package mcp connects to upstream MCP servers through the official SDK,
// one transport per configured upstream type.
package mcp

import (
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MCP-Bridge/mcpbridge/internal/config"
	"github.com/MCP-Bridge/mcpbridge/internal/domain/bridge"
)

// HeaderRoundTripper injects a fixed header set into every request.
type HeaderRoundTripper struct {
	Base    http.RoundTripper
	Headers map[string]string
}

func (rt HeaderRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	base := rt.Base
	if base == nil {
		base = http.DefaultTransport
	}
	cloned := req.Clone(req.Context())
	for k, v := range rt.Headers {
		cloned.Header.Set(k, v)
	}
	return base.RoundTrip(cloned)
}

// buildTransport creates the SDK transport for one upstream config.
// Remote transports always advertise the protocol version header on top
// of any configured headers.
func buildTransport(cfg config.UpstreamConfig, sseReadTimeout time.Duration) (mcp.Transport, error) {
	switch cfg.Transport() {
	case config.TransportStdio:
		cmd := exec.Command(cfg.Command, cfg.Args...)
		cmd.Env = os.Environ()
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		cmd.Stderr = os.Stderr
		return &mcp.CommandTransport{Command: cmd}, nil

	case config.TransportSSE:
		return &mcp.SSEClientTransport{
			Endpoint:   cfg.URL,
			HTTPClient: remoteHTTPClient(cfg.Headers, sseReadTimeout),
		}, nil

	case config.TransportStreamableHTTP:
		return &mcp.StreamableClientTransport{
			Endpoint:   cfg.URL,
			HTTPClient: remoteHTTPClient(cfg.Headers, sseReadTimeout),
		}, nil

	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.Transport())
	}
}

func remoteHTTPClient(headers map[string]string, timeout time.Duration) *http.Client {
	merged := map[string]string{
		"MCP-Protocol-Version": bridge.ProtocolVersion,
	}
	for k, v := range headers {
		merged[k] = v
	}
	return &http.Client{
		Transport: HeaderRoundTripper{Headers: merged},
		Timeout:   timeout,
	}
}
