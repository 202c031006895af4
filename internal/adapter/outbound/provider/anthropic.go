package provider

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MCP-Bridge/mcpbridge/internal/domain/chat"
	"github.com/MCP-Bridge/mcpbridge/internal/port/outbound"
)

const (
	anthropicDefaultBaseURL = "https://api.anthropic.com"
	anthropicAPIVersion     = "2023-06-01"
	anthropicBetaHeaders    = "prompt-caching-2024-07-31,output-128k-2025-02-19"
	anthropicMaxTokens      = 4096
	// Extended thinking requires at least this many budget tokens.
	anthropicMinThinkingBudget = 1024
)

// AnthropicProvider speaks the native Anthropic messages API, with
// extended thinking blocks and opaque signature round-tripping so
// resumed agent turns keep their reasoning chain.
type AnthropicProvider struct {
	apiKey        string
	baseURL       string
	promptCaching bool
	client        *http.Client
	streamer      *http.Client
	logger        *slog.Logger
}

// NewAnthropicProvider reads ANTHROPIC_* configuration from the
// environment.
func NewAnthropicProvider(logger *slog.Logger) *AnthropicProvider {
	caching := strings.ToLower(envOr("ANTHROPIC_ENABLE_PROMPT_CACHING", "true"))
	return &AnthropicProvider{
		apiKey:        os.Getenv("ANTHROPIC_API_KEY"),
		baseURL:       strings.TrimRight(envOr("ANTHROPIC_BASE_URL", anthropicDefaultBaseURL), "/"),
		promptCaching: caching == "true" || caching == "1" || caching == "yes",
		client:        &http.Client{Timeout: 120 * time.Second},
		streamer:      &http.Client{Timeout: 300 * time.Second},
		logger:        logger,
	}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

// Configured reports whether an API key is present.
func (p *AnthropicProvider) Configured() bool { return p.apiKey != "" }

func (p *AnthropicProvider) headers() map[string]string {
	return map[string]string{
		"x-api-key":         p.apiKey,
		"anthropic-version": anthropicAPIVersion,
		"anthropic-beta":    anthropicBetaHeaders,
	}
}

// thinkingBudget maps the reasoning effort hint to a token budget.
func thinkingBudget(req chat.CompletionRequest) int {
	if !req.IncludeReasoning {
		return 0
	}
	switch req.ReasoningEffort {
	case "low":
		return anthropicMinThinkingBudget
	case "high":
		return 16384
	default:
		return 4096
	}
}

// mapMessages transforms the generic history into Anthropic's block
// format: system blocks split out, assistant thinking re-injected from
// saved signatures, tool results folded into user turns.
func (p *AnthropicProvider) mapMessages(messages []chat.Message) (system []map[string]any, mapped []map[string]any) {
	for _, msg := range messages {
		switch msg.Role {
		case chat.RoleSystem:
			block := map[string]any{"type": "text", "text": msg.Content}
			if p.promptCaching && len(msg.Content) > 1024 {
				block["cache_control"] = map[string]any{"type": "ephemeral"}
			}
			system = append(system, block)

		case chat.RoleAssistant:
			mapped = append(mapped, p.reconstructAssistant(msg))

		case chat.RoleTool:
			resultBlock := map[string]any{
				"type":        "tool_result",
				"tool_use_id": msg.ToolCallID,
				"content":     msg.Content,
			}
			if n := len(mapped); n > 0 && mapped[n-1]["role"] == "user" {
				blocks := mapped[n-1]["content"].([]map[string]any)
				mapped[n-1]["content"] = append(blocks, resultBlock)
			} else {
				mapped = append(mapped, map[string]any{
					"role":    "user",
					"content": []map[string]any{resultBlock},
				})
			}

		default: // user
			blocks := []map[string]any{{"type": "text", "text": msg.Content}}
			if p.promptCaching && len(mapped) > 10 {
				blocks[len(blocks)-1]["cache_control"] = map[string]any{"type": "ephemeral"}
			}
			mapped = append(mapped, map[string]any{"role": "user", "content": blocks})
		}
	}
	return system, mapped
}

// reconstructAssistant rebuilds an assistant turn's content blocks,
// re-injecting the thinking block from the saved opaque signature.
func (p *AnthropicProvider) reconstructAssistant(msg chat.Message) map[string]any {
	var blocks []map[string]any

	if sig, ok := msg.ProviderSpecific["thought_signature"].(string); ok && sig != "" {
		redacted, _ := msg.ProviderSpecific["is_redacted"].(bool)
		if redacted || msg.ReasoningContent == "[Redacted Thinking]" {
			blocks = append(blocks, map[string]any{"type": "redacted_thinking", "data": sig})
		} else {
			blocks = append(blocks, map[string]any{
				"type":      "thinking",
				"thinking":  msg.ReasoningContent,
				"signature": sig,
			})
		}
	}

	if msg.Content != "" {
		blocks = append(blocks, map[string]any{"type": "text", "text": msg.Content})
	}

	for _, tc := range msg.ToolCalls {
		var input map[string]any
		if err := json.Unmarshal([]byte(chat.NormalizeToolArguments(tc.Function.Arguments)), &input); err != nil {
			input = map[string]any{}
		}
		blocks = append(blocks, map[string]any{
			"type":  "tool_use",
			"id":    tc.ID,
			"name":  tc.Function.Name,
			"input": input,
		})
	}

	return map[string]any{"role": "assistant", "content": blocks}
}

func (p *AnthropicProvider) payload(req chat.CompletionRequest, stream bool) map[string]any {
	system, mapped := p.mapMessages(req.Messages)

	maxTokens := req.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = anthropicMaxTokens
	}
	body := map[string]any{
		"model":      req.Model,
		"messages":   mapped,
		"max_tokens": maxTokens,
		"stream":     stream,
	}
	if len(system) > 0 {
		body["system"] = system
	}
	if budget := thinkingBudget(req); budget > 0 {
		body["thinking"] = map[string]any{"type": "enabled", "budget_tokens": budget}
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]any, len(req.Tools))
		for i, t := range req.Tools {
			tools[i] = map[string]any{
				"name":         t.Function.Name,
				"description":  t.Function.Description,
				"input_schema": t.Function.Parameters,
			}
		}
		body["tools"] = tools
	}
	return body
}

type anthropicResponse struct {
	ID         string `json:"id"`
	StopReason string `json:"stop_reason"`
	Content    []struct {
		Type      string          `json:"type"`
		Text      string          `json:"text"`
		Thinking  string          `json:"thinking"`
		Signature string          `json:"signature"`
		Data      string          `json:"data"`
		ID        string          `json:"id"`
		Name      string          `json:"name"`
		Input     json.RawMessage `json:"input"`
	} `json:"content"`
}

func (p *AnthropicProvider) Complete(ctx context.Context, req chat.CompletionRequest) (*chat.Turn, error) {
	if !p.Configured() {
		return nil, &Error{Provider: p.Name(), Message: "ANTHROPIC_API_KEY is not set"}
	}
	var resp anthropicResponse
	url := p.baseURL + "/v1/messages"
	if err := postJSON(ctx, p.client, p.Name(), url, p.headers(), p.payload(req, false), &resp); err != nil {
		return nil, err
	}

	var text, reasoning, signature string
	var redacted bool
	var toolCalls []chat.ToolCall
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text += block.Text
		case "thinking":
			reasoning += block.Thinking
			signature = block.Signature
		case "redacted_thinking":
			reasoning = "[Redacted Thinking]"
			signature = block.Data
			redacted = true
		case "tool_use":
			args := string(block.Input)
			if args == "" {
				args = "{}"
			}
			toolCalls = append(toolCalls, chat.ToolCall{
				ID:       block.ID,
				Type:     "function",
				Function: chat.FunctionCall{Name: block.Name, Arguments: args},
			})
		}
	}

	message := chat.Message{
		Role:             chat.RoleAssistant,
		Content:          text,
		ToolCalls:        toolCalls,
		Reasoning:        reasoning,
		ReasoningContent: reasoning,
	}
	if signature != "" {
		message.ProviderSpecific = map[string]any{
			"thought_signature": signature,
			"is_redacted":       redacted,
		}
	}

	finish := resp.StopReason
	if finish == "" {
		finish = "stop"
	}
	return &chat.Turn{
		Message:      message,
		ToolCalls:    toolCalls,
		FinishReason: finish,
		CleanContent: text,
		Reasoning:    reasoning,
	}, nil
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`

	ContentBlock *struct {
		Type      string `json:"type"`
		ID        string `json:"id"`
		Name      string `json:"name"`
		Signature string `json:"signature"`
		Data      string `json:"data"`
	} `json:"content_block"`

	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		Thinking    string `json:"thinking"`
		PartialJSON string `json:"partial_json"`
		Signature   string `json:"signature"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
}

// Stream translates the native event stream into wire chunks, feeding
// the shared accumulator so all providers share one delta contract.
// Connection setup goes through the shared retry policy.
func (p *AnthropicProvider) Stream(ctx context.Context, req chat.CompletionRequest, emit chat.StreamFunc) (*chat.Turn, error) {
	if !p.Configured() {
		return nil, &Error{Provider: p.Name(), Message: "ANTHROPIC_API_KEY is not set"}
	}

	acc := newAccumulator(emit)
	var signature string
	var redacted bool
	// Native block index -> wire tool call index.
	toolIndex := map[int]int{}
	nextTool := 0

	err := streamSSE(ctx, p.streamer, p.Name(), p.baseURL+"/v1/messages", p.headers(), p.payload(req, true), func(data []byte) error {
		var event anthropicStreamEvent
		if err := json.Unmarshal(data, &event); err != nil {
			// Non-data frames (event: lines) are not JSON; skip them.
			return nil
		}

		switch event.Type {
		case "content_block_start":
			if event.ContentBlock == nil {
				return nil
			}
			switch event.ContentBlock.Type {
			case "thinking":
				signature = event.ContentBlock.Signature
			case "redacted_thinking":
				signature = event.ContentBlock.Data
				redacted = true
				return acc.addChunk(reasoningChunk("[Redacted Thinking]"))
			case "tool_use":
				toolIndex[event.Index] = nextTool
				id := event.ContentBlock.ID
				if id == "" {
					id = "toolu_" + uuid.NewString()
				}
				call := wireToolCallDelta{Index: nextTool, ID: id, Type: "function"}
				call.Function.Name = event.ContentBlock.Name
				nextTool++
				return acc.addChunk(toolChunk(call))
			}

		case "content_block_delta":
			if event.Delta == nil {
				return nil
			}
			switch event.Delta.Type {
			case "text_delta":
				return acc.addChunk(contentChunk(event.Delta.Text))
			case "thinking_delta":
				return acc.addChunk(reasoningChunk(event.Delta.Thinking))
			case "signature_delta":
				signature += event.Delta.Signature
			case "input_json_delta":
				if idx, ok := toolIndex[event.Index]; ok {
					call := wireToolCallDelta{Index: idx}
					call.Function.Arguments = event.Delta.PartialJSON
					return acc.addChunk(toolChunk(call))
				}
			}

		case "message_delta":
			if event.Delta != nil && event.Delta.StopReason != "" {
				acc.finishReason = event.Delta.StopReason
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	turn := acc.finish()
	// Native thinking does not use <think> tags; keep content clean.
	turn.Message.Content = turn.CleanContent
	if signature != "" {
		turn.Message.ProviderSpecific = map[string]any{
			"thought_signature": signature,
			"is_redacted":       redacted,
		}
	}
	return turn, nil
}

// Models returns the configured Anthropic catalog; the API has no
// public discovery endpoint usable here.
func (p *AnthropicProvider) Models(ctx context.Context) ([]chat.ModelInfo, error) {
	if !p.Configured() {
		return nil, nil
	}
	raw := os.Getenv("ANTHROPIC_MODELS")
	if raw == "" {
		return nil, nil
	}
	var models []chat.ModelInfo
	for _, item := range strings.Split(raw, ",") {
		id := strings.TrimSpace(item)
		if id == "" {
			continue
		}
		models = append(models, chat.ModelInfo{ID: id, Label: "Anthropic: " + id})
	}
	return models, nil
}

func contentChunk(text string) wireChunk {
	return wireChunk{Choices: []wireChoice{{Delta: &wireDelta{Content: text}}}}
}

func reasoningChunk(text string) wireChunk {
	raw, _ := json.Marshal(text)
	return wireChunk{Choices: []wireChoice{{Delta: &wireDelta{ReasoningContent: raw}}}}
}

func toolChunk(call wireToolCallDelta) wireChunk {
	return wireChunk{Choices: []wireChoice{{Delta: &wireDelta{ToolCalls: []wireToolCallDelta{call}}}}}
}

var _ outbound.ChatProvider = (*AnthropicProvider)(nil)
