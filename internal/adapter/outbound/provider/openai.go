package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/MCP-Bridge/mcpbridge/internal/domain/chat"
	"github.com/MCP-Bridge/mcpbridge/internal/port/outbound"
)

const openAIDefaultBaseURL = "https://api.openai.com/v1"

// OpenAIProvider speaks the OpenAI API directly. Standard models use
// the chat completions API through the SDK; reasoning models that
// support it (o1-pro, o3, o4, gpt-5.x, codex) go through the stateful
// Responses API, which carries reasoning summaries.
type OpenAIProvider struct {
	apiKey  string
	baseURL string
	sdk     *goopenai.Client
	client  *http.Client
	logger  *slog.Logger
}

// NewOpenAIProvider reads OPEN_AI_API_KEY / OPENAI_BASE_URL from the
// environment.
func NewOpenAIProvider(logger *slog.Logger) *OpenAIProvider {
	apiKey := os.Getenv("OPEN_AI_API_KEY")
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	baseURL := strings.TrimRight(envOr("OPENAI_BASE_URL", openAIDefaultBaseURL), "/")

	cfg := goopenai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL
	return &OpenAIProvider{
		apiKey:  apiKey,
		baseURL: baseURL,
		sdk:     goopenai.NewClientWithConfig(cfg),
		client:  &http.Client{Timeout: 120 * time.Second},
		logger:  logger,
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

// Configured reports whether an API key is present.
func (p *OpenAIProvider) Configured() bool { return p.apiKey != "" }

// isReasoningModel reports whether the model takes reasoning_effort
// and max_completion_tokens instead of temperature.
func isReasoningModel(model string) bool {
	m := strings.ToLower(model)
	return strings.HasPrefix(m, "o1") ||
		strings.HasPrefix(m, "o3") ||
		strings.HasPrefix(m, "o4") ||
		strings.Contains(m, "gpt-5") ||
		strings.HasPrefix(m, "codex")
}

// supportsResponsesAPI reports whether the model should use the
// Responses API. o1-mini and o1-preview stay on chat completions.
func supportsResponsesAPI(model string) bool {
	m := strings.ToLower(model)
	return strings.Contains(m, "o1-pro") ||
		strings.Contains(m, "o3") ||
		strings.Contains(m, "o4") ||
		strings.Contains(m, "gpt-5") ||
		strings.HasPrefix(m, "codex")
}

func toSDKMessages(messages []chat.Message) []goopenai.ChatCompletionMessage {
	out := make([]goopenai.ChatCompletionMessage, len(messages))
	for i, msg := range messages {
		m := goopenai.ChatCompletionMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			Name:       msg.Name,
			ToolCallID: msg.ToolCallID,
		}
		for _, tc := range msg.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, goopenai.ToolCall{
				ID:   tc.ID,
				Type: goopenai.ToolTypeFunction,
				Function: goopenai.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		out[i] = m
	}
	return out
}

func toSDKTools(tools []chat.ToolSpec) []goopenai.Tool {
	out := make([]goopenai.Tool, len(tools))
	for i, t := range tools {
		out[i] = goopenai.Tool{
			Type: goopenai.ToolTypeFunction,
			Function: &goopenai.FunctionDefinition{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  t.Function.Parameters,
			},
		}
	}
	return out
}

func (p *OpenAIProvider) sdkRequest(req chat.CompletionRequest, stream bool) goopenai.ChatCompletionRequest {
	out := goopenai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: toSDKMessages(req.Messages),
		Tools:    toSDKTools(req.Tools),
		Stream:   stream,
	}
	if isReasoningModel(req.Model) {
		if req.MaxOutputTokens > 0 {
			out.MaxCompletionTokens = req.MaxOutputTokens
		}
		if req.ReasoningEffort != "" {
			out.ReasoningEffort = strings.ToLower(req.ReasoningEffort)
		}
	} else {
		if req.MaxOutputTokens > 0 {
			out.MaxTokens = req.MaxOutputTokens
		}
		if req.Temperature != nil {
			out.Temperature = float32(*req.Temperature)
		}
	}
	return out
}

func (p *OpenAIProvider) Complete(ctx context.Context, req chat.CompletionRequest) (*chat.Turn, error) {
	if !p.Configured() {
		return nil, &Error{Provider: p.Name(), Message: "OPEN_AI_API_KEY is not set"}
	}
	if supportsResponsesAPI(req.Model) {
		return p.completeResponses(ctx, req)
	}

	var resp goopenai.ChatCompletionResponse
	var lastErr error
	for attempt := 0; attempt <= defaultMaxRetries; attempt++ {
		if attempt > 0 {
			if err := retryWait(ctx, attempt-1); err != nil {
				return nil, err
			}
		}
		resp, lastErr = p.sdk.CreateChatCompletion(ctx, p.sdkRequest(req, false))
		if lastErr == nil {
			break
		}
		var apiErr *goopenai.APIError
		if errors.As(lastErr, &apiErr) && !retryableStatus(apiErr.HTTPStatusCode) {
			return nil, &Error{Provider: p.Name(), Status: apiErr.HTTPStatusCode, Message: apiErr.Message}
		}
	}
	if lastErr != nil {
		return nil, &Error{Provider: p.Name(), Message: lastErr.Error()}
	}

	if len(resp.Choices) == 0 {
		return &chat.Turn{Message: chat.Message{Role: chat.RoleAssistant}, FinishReason: "stop"}, nil
	}
	choice := resp.Choices[0]
	msg := wireMessage{
		Role:    choice.Message.Role,
		Content: choice.Message.Content,
	}
	if choice.Message.ReasoningContent != "" {
		raw, _ := json.Marshal(choice.Message.ReasoningContent)
		msg.ReasoningContent = raw
	}
	for _, tc := range choice.Message.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, chat.ToolCall{
			ID:       tc.ID,
			Type:     string(tc.Type),
			Function: chat.FunctionCall{Name: tc.Function.Name, Arguments: tc.Function.Arguments},
		})
	}
	return interpretResponse(wireResponse{
		Choices: []wireChoice{{Message: &msg, FinishReason: string(choice.FinishReason)}},
	}), nil
}

func (p *OpenAIProvider) Stream(ctx context.Context, req chat.CompletionRequest, emit chat.StreamFunc) (*chat.Turn, error) {
	if !p.Configured() {
		return nil, &Error{Provider: p.Name(), Message: "OPEN_AI_API_KEY is not set"}
	}
	if supportsResponsesAPI(req.Model) {
		return p.streamResponses(ctx, req, emit)
	}

	stream, err := p.sdk.CreateChatCompletionStream(ctx, p.sdkRequest(req, true))
	if err != nil {
		return nil, &Error{Provider: p.Name(), Message: err.Error()}
	}
	defer stream.Close()

	acc := newAccumulator(emit)
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &Error{Provider: p.Name(), Message: err.Error()}
		}

		chunk := wireChunk{ID: resp.ID}
		for _, choice := range resp.Choices {
			delta := &wireDelta{
				Role:    choice.Delta.Role,
				Content: choice.Delta.Content,
			}
			if choice.Delta.ReasoningContent != "" {
				raw, _ := json.Marshal(choice.Delta.ReasoningContent)
				delta.ReasoningContent = raw
			}
			for _, tc := range choice.Delta.ToolCalls {
				call := wireToolCallDelta{ID: tc.ID, Type: string(tc.Type)}
				if tc.Index != nil {
					call.Index = *tc.Index
				}
				call.Function.Name = tc.Function.Name
				call.Function.Arguments = tc.Function.Arguments
				delta.ToolCalls = append(delta.ToolCalls, call)
			}
			chunk.Choices = append(chunk.Choices, wireChoice{
				Index:        choice.Index,
				Delta:        delta,
				FinishReason: string(choice.FinishReason),
			})
		}
		if err := acc.addChunk(chunk); err != nil {
			return nil, err
		}
	}
	return acc.finish(), nil
}

// responsesRequest is the Responses API body. Instructions carry the
// system message; input carries the latest user content.
func (p *OpenAIProvider) responsesPayload(req chat.CompletionRequest, stream bool) map[string]any {
	var input, instructions string
	for _, msg := range req.Messages {
		if msg.Role == chat.RoleSystem && instructions == "" {
			instructions = msg.Content
		}
	}
	if n := len(req.Messages); n > 0 {
		input = req.Messages[n-1].Content
	}

	body := map[string]any{
		"model": req.Model,
		"input": input,
	}
	if stream {
		body["stream"] = true
	}
	if req.MaxOutputTokens > 0 {
		body["max_output_tokens"] = req.MaxOutputTokens
	}
	if instructions != "" {
		body["instructions"] = instructions
	}
	if req.IncludeReasoning || req.ReasoningEffort != "" {
		reasoning := map[string]any{"summary": "auto"}
		if req.ReasoningEffort != "" {
			reasoning["effort"] = strings.ToLower(req.ReasoningEffort)
		}
		body["reasoning"] = reasoning
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]any, len(req.Tools))
		for i, t := range req.Tools {
			tools[i] = map[string]any{
				"type":        "function",
				"name":        t.Function.Name,
				"description": t.Function.Description,
				"parameters":  t.Function.Parameters,
			}
		}
		body["tools"] = tools
	}
	return body
}

type responsesAPIResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Output []struct {
		Type    string `json:"type"`
		ID      string `json:"id"`
		Content string `json:"content"`
		Summary string `json:"summary"`

		Function struct {
			Name      string `json:"name"`
			Arguments string `json:"arguments"`
		} `json:"function"`
	} `json:"output"`
}

func (p *OpenAIProvider) completeResponses(ctx context.Context, req chat.CompletionRequest) (*chat.Turn, error) {
	var resp responsesAPIResponse
	url := p.baseURL + "/responses"
	headers := map[string]string{"Authorization": "Bearer " + p.apiKey}
	if err := postJSON(ctx, p.client, p.Name(), url, headers, p.responsesPayload(req, false), &resp); err != nil {
		return nil, err
	}

	var text, reasoning, reasoningItemID string
	var toolCalls []chat.ToolCall
	for _, output := range resp.Output {
		switch output.Type {
		case "text":
			text += output.Content
		case "reasoning":
			reasoning += output.Summary
			reasoningItemID = output.ID
		case "tool_call":
			toolCalls = append(toolCalls, chat.ToolCall{
				ID:   output.ID,
				Type: "function",
				Function: chat.FunctionCall{
					Name:      output.Function.Name,
					Arguments: chat.NormalizeToolArguments(output.Function.Arguments),
				},
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
	if reasoningItemID != "" {
		message.ProviderSpecific = map[string]any{"reasoning_item_id": reasoningItemID}
	}
	finish := resp.Status
	if finish == "" {
		finish = "completed"
	}
	return &chat.Turn{
		Message:      message,
		ToolCalls:    toolCalls,
		FinishReason: finish,
		CleanContent: text,
		Reasoning:    reasoning,
	}, nil
}

type responsesStreamEvent struct {
	Status string `json:"status"`
	Delta  struct {
		Type    string `json:"type"`
		ID      string `json:"id"`
		Content string `json:"content"`
		Summary string `json:"summary"`
	} `json:"delta"`
}

func (p *OpenAIProvider) streamResponses(ctx context.Context, req chat.CompletionRequest, emit chat.StreamFunc) (*chat.Turn, error) {
	acc := newAccumulator(emit)
	var reasoningItemID string

	url := p.baseURL + "/responses"
	headers := map[string]string{"Authorization": "Bearer " + p.apiKey}
	err := streamSSE(ctx, p.client, p.Name(), url, headers, p.responsesPayload(req, true), func(data []byte) error {
		var event responsesStreamEvent
		if err := json.Unmarshal(data, &event); err != nil {
			return nil
		}
		switch {
		case event.Delta.Type == "text":
			return acc.addChunk(contentChunk(event.Delta.Content))
		case event.Delta.Type == "reasoning":
			if event.Delta.ID != "" {
				reasoningItemID = event.Delta.ID
			}
			return acc.addChunk(reasoningChunk(event.Delta.Summary))
		case event.Status == "completed":
			acc.finishReason = "stop"
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	turn := acc.finish()
	turn.Message.Content = turn.CleanContent
	if turn.FinishReason == "" {
		turn.FinishReason = "stop"
	}
	if reasoningItemID != "" {
		turn.Message.ProviderSpecific = map[string]any{"reasoning_item_id": reasoningItemID}
	}
	return turn, nil
}

// Models lists chat-capable models from the OpenAI catalog.
func (p *OpenAIProvider) Models(ctx context.Context) ([]chat.ModelInfo, error) {
	if !p.Configured() {
		return nil, nil
	}
	list, err := p.sdk.ListModels(ctx)
	if err != nil {
		return nil, &Error{Provider: p.Name(), Message: err.Error()}
	}

	var models []chat.ModelInfo
	for _, m := range list.Models {
		for _, prefix := range []string{"gpt-", "o1", "o3", "o4", "chatgpt-"} {
			if strings.HasPrefix(m.ID, prefix) {
				models = append(models, chat.ModelInfo{ID: m.ID, Label: "OpenAI: " + m.ID})
				break
			}
		}
	}
	return models, nil
}

var _ outbound.ChatProvider = (*OpenAIProvider)(nil)
