package provider

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/MCP-Bridge/mcpbridge/internal/domain/chat"
	"github.com/MCP-Bridge/mcpbridge/internal/port/outbound"
)

const openRouterDefaultBaseURL = "https://openrouter.ai/api/v1"

// OpenRouterProvider speaks the OpenRouter chat completions API. It is
// the default route for any model ID without a more specific provider.
type OpenRouterProvider struct {
	apiKey   string
	baseURL  string
	siteURL  string
	appName  string
	client   *http.Client
	streamer *http.Client
	logger   *slog.Logger
}

// NewOpenRouterProvider reads OPENROUTER_* configuration from the
// environment.
func NewOpenRouterProvider(logger *slog.Logger) *OpenRouterProvider {
	return &OpenRouterProvider{
		apiKey:   os.Getenv("OPENROUTER_API_KEY"),
		baseURL:  envOr("OPENROUTER_BASE_URL", openRouterDefaultBaseURL),
		siteURL:  os.Getenv("OPENROUTER_SITE_URL"),
		appName:  os.Getenv("OPENROUTER_APP_NAME"),
		client:   &http.Client{Timeout: 60 * time.Second},
		streamer: &http.Client{},
		logger:   logger,
	}
}

func (p *OpenRouterProvider) Name() string { return "openrouter" }

// Configured reports whether an API key is present.
func (p *OpenRouterProvider) Configured() bool { return p.apiKey != "" }

func (p *OpenRouterProvider) headers() map[string]string {
	h := map[string]string{"Authorization": "Bearer " + p.apiKey}
	if p.siteURL != "" {
		h["HTTP-Referer"] = p.siteURL
	}
	if p.appName != "" {
		h["X-Title"] = p.appName
	}
	return h
}

func (p *OpenRouterProvider) payload(req chat.CompletionRequest, stream bool) map[string]any {
	payload := map[string]any{
		"model":             req.Model,
		"messages":          req.Messages,
		"include_reasoning": req.IncludeReasoning,
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
		payload["max_output_tokens"] = req.MaxOutputTokens
	}
	if req.ReasoningEffort != "" {
		payload["reasoning_effort"] = req.ReasoningEffort
	}
	return payload
}

func (p *OpenRouterProvider) Complete(ctx context.Context, req chat.CompletionRequest) (*chat.Turn, error) {
	if !p.Configured() {
		return nil, &Error{Provider: p.Name(), Message: "OPENROUTER_API_KEY is not set"}
	}
	var resp wireResponse
	url := p.baseURL + "/chat/completions"
	if err := postJSON(ctx, p.client, p.Name(), url, p.headers(), p.payload(req, false), &resp); err != nil {
		return nil, err
	}
	return interpretResponse(resp), nil
}

func (p *OpenRouterProvider) Stream(ctx context.Context, req chat.CompletionRequest, emit chat.StreamFunc) (*chat.Turn, error) {
	if !p.Configured() {
		return nil, &Error{Provider: p.Name(), Message: "OPENROUTER_API_KEY is not set"}
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

// Models fetches the live OpenRouter catalog.
func (p *OpenRouterProvider) Models(ctx context.Context) ([]chat.ModelInfo, error) {
	if !p.Configured() {
		return nil, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &Error{Provider: p.Name(), Message: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, apiError(p.Name(), resp.StatusCode, body)
	}

	var payload struct {
		Data []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, &Error{Provider: p.Name(), Message: err.Error()}
	}

	models := make([]chat.ModelInfo, 0, len(payload.Data))
	for _, entry := range payload.Data {
		if entry.ID == "" {
			continue
		}
		label := entry.Name
		if label == "" {
			label = FormatModelLabel(entry.ID)
		}
		models = append(models, chat.ModelInfo{ID: entry.ID, Label: label})
	}
	return models, nil
}

var _ outbound.ChatProvider = (*OpenRouterProvider)(nil)
