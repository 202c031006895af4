package provider

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/MCP-Bridge/mcpbridge/internal/domain/chat"
	"github.com/MCP-Bridge/mcpbridge/internal/port/outbound"
)

const miniMaxDefaultBaseURL = "https://api.minimax.chat/v1"

// miniMaxModels is the static MiniMax catalog; the platform has no
// discovery endpoint.
var miniMaxModels = []chat.ModelInfo{
	{ID: "minimax/MiniMax-M2", Label: "MiniMax M2 (204K context)"},
	{ID: "minimax/MiniMax-M1", Label: "MiniMax M1 (456B MoE)"},
	{ID: "minimax/MiniMax-Text-01", Label: "MiniMax Text 01"},
}

// MiniMaxProvider speaks the MiniMax chat completions API, which is
// OpenAI-wire compatible. Reasoning arrives as reasoning_details
// segments or inline <think> tags.
type MiniMaxProvider struct {
	apiKey   string
	baseURL  string
	client   *http.Client
	streamer *http.Client
	logger   *slog.Logger
}

// NewMiniMaxProvider reads MINIMAX_* configuration from the
// environment. MiniMax reasoning calls can be slow, so the non-stream
// timeout is generous.
func NewMiniMaxProvider(logger *slog.Logger) *MiniMaxProvider {
	return &MiniMaxProvider{
		apiKey:   os.Getenv("MINIMAX_API_KEY"),
		baseURL:  strings.TrimRight(envOr("MINIMAX_BASE_URL", miniMaxDefaultBaseURL), "/"),
		client:   &http.Client{Timeout: 120 * time.Second},
		streamer: &http.Client{},
		logger:   logger,
	}
}

func (p *MiniMaxProvider) Name() string { return "minimax" }

// Configured reports whether an API key is present.
func (p *MiniMaxProvider) Configured() bool { return p.apiKey != "" }

// ModelName strips the minimax/ routing prefix.
func (p *MiniMaxProvider) ModelName(modelID string) string {
	return strings.TrimPrefix(modelID, "minimax/")
}

func (p *MiniMaxProvider) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + p.apiKey}
}

func (p *MiniMaxProvider) payload(req chat.CompletionRequest, stream bool) map[string]any {
	payload := map[string]any{
		"model":    p.ModelName(req.Model),
		"messages": req.Messages,
	}
	if stream {
		payload["stream"] = true
	}
	if len(req.Tools) > 0 {
		payload["tools"] = req.Tools
	}
	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}
	if req.MaxOutputTokens > 0 {
		payload["max_tokens"] = req.MaxOutputTokens
	}
	return payload
}

func (p *MiniMaxProvider) Complete(ctx context.Context, req chat.CompletionRequest) (*chat.Turn, error) {
	if !p.Configured() {
		return nil, &Error{Provider: p.Name(), Message: "MINIMAX_API_KEY is not set"}
	}
	var resp wireResponse
	url := p.baseURL + "/chat/completions"
	if err := postJSON(ctx, p.client, p.Name(), url, p.headers(), p.payload(req, false), &resp); err != nil {
		return nil, err
	}
	return interpretResponse(resp), nil
}

func (p *MiniMaxProvider) Stream(ctx context.Context, req chat.CompletionRequest, emit chat.StreamFunc) (*chat.Turn, error) {
	if !p.Configured() {
		return nil, &Error{Provider: p.Name(), Message: "MINIMAX_API_KEY is not set"}
	}
	acc := newAccumulator(emit)
	url := p.baseURL + "/chat/completions"
	err := streamSSE(ctx, p.streamer, p.Name(), url, p.headers(), p.payload(req, true), func(data []byte) error {
		var chunk wireChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			p.logger.Warn("skipping malformed stream chunk", "provider", p.Name(), "error", err)
			return nil
		}
		return acc.addChunk(chunk)
	})
	if err != nil {
		return nil, err
	}
	return acc.finish(), nil
}

// Models returns the static MiniMax catalog when configured.
func (p *MiniMaxProvider) Models(ctx context.Context) ([]chat.ModelInfo, error) {
	if !p.Configured() {
		return nil, nil
	}
	out := make([]chat.ModelInfo, len(miniMaxModels))
	copy(out, miniMaxModels)
	return out, nil
}

var _ outbound.ChatProvider = (*MiniMaxProvider)(nil)
