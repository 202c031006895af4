package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"

	"github.com/MCP-Bridge/mcpbridge/internal/domain/chat"
	"github.com/MCP-Bridge/mcpbridge/internal/port/outbound"
)

const (
	googleDefaultBaseURL = "https://generativelanguage.googleapis.com"

	// Flash models cap the explicit thinking budget.
	googleFlashMaxThinkingBudget = 24576

	// System prompts longer than this go through cached content instead
	// of an inline system instruction.
	googleCacheSystemThreshold = 2048
)

// GoogleProvider speaks the Gemini API through the genai SDK. Thinking
// budgets differ per family: flash models can disable thinking with 0,
// pro models only support dynamic (-1) or a positive budget. Thought
// signatures are round-tripped so resumed turns keep their reasoning
// chain.
type GoogleProvider struct {
	apiKey  string
	baseURL string
	logger  *slog.Logger

	mu     sync.Mutex
	client *genai.Client
	// model+system -> cached content name
	caches map[string]string

	http *http.Client
}

// NewGoogleProvider reads GEMINI_API_KEY / GOOGLE_API_KEY from the
// environment. The SDK client is created lazily on first use.
func NewGoogleProvider(logger *slog.Logger) *GoogleProvider {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		apiKey = os.Getenv("GOOGLE_API_KEY")
	}
	return &GoogleProvider{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(envOr("GOOGLE_BASE_URL", googleDefaultBaseURL), "/"),
		logger:  logger,
		caches:  map[string]string{},
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (p *GoogleProvider) Name() string { return "google" }

// Configured reports whether an API key is present.
func (p *GoogleProvider) Configured() bool { return p.apiKey != "" }

func (p *GoogleProvider) sdk(ctx context.Context) (*genai.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  p.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, &Error{Provider: p.Name(), Message: err.Error()}
	}
	p.client = client
	return client, nil
}

// ModelName strips the google/ routing prefix.
func (p *GoogleProvider) ModelName(modelID string) string {
	return strings.TrimPrefix(modelID, "google/")
}

func isFlashModel(model string) bool { return strings.Contains(strings.ToLower(model), "flash") }

// googleThinkingBudget resolves the per-family thinking budget from the
// reasoning effort hint. Flash models accept 0 (off), -1 (dynamic) or a
// budget up to 24576; pro models only -1 or a positive budget.
func googleThinkingBudget(model string, includeReasoning bool, effort string) int32 {
	if !includeReasoning {
		if isFlashModel(model) {
			return 0
		}
		return -1
	}
	var budget int32
	switch effort {
	case "low":
		budget = 1024
	case "high":
		budget = 32768
	default:
		return -1
	}
	if isFlashModel(model) && budget > googleFlashMaxThinkingBudget {
		budget = googleFlashMaxThinkingBudget
	}
	return budget
}

// mapContents converts the generic history to Gemini contents. Tool
// results become functionResponse parts; assistant turns become model
// turns with functionCall parts.
func (p *GoogleProvider) mapContents(messages []chat.Message) (system string, contents []*genai.Content) {
	// Tool call id -> function name, for wiring results back.
	callNames := map[string]string{}

	for _, msg := range messages {
		switch msg.Role {
		case chat.RoleSystem:
			if system == "" {
				system = msg.Content
			}

		case chat.RoleAssistant:
			var parts []*genai.Part
			if msg.Content != "" {
				parts = append(parts, &genai.Part{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				callNames[tc.ID] = tc.Function.Name
				var args map[string]any
				if err := json.Unmarshal([]byte(chat.NormalizeToolArguments(tc.Function.Arguments)), &args); err != nil {
					args = map[string]any{}
				}
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{Name: tc.Function.Name, Args: args},
				})
			}
			// The saved opaque signature is re-attached to the last part so
			// the model can resume its reasoning chain.
			if sig, ok := msg.ProviderSpecific["thought_signature"].(string); ok && sig != "" && len(parts) > 0 {
				if decoded, err := base64.StdEncoding.DecodeString(sig); err == nil {
					parts[len(parts)-1].ThoughtSignature = decoded
				}
			}
			if len(parts) > 0 {
				contents = append(contents, &genai.Content{Role: genai.RoleModel, Parts: parts})
			}

		case chat.RoleTool:
			name := msg.Name
			if name == "" {
				name = callNames[msg.ToolCallID]
			}
			var response map[string]any
			if err := json.Unmarshal([]byte(msg.Content), &response); err != nil {
				response = map[string]any{"output": msg.Content}
			}
			contents = append(contents, &genai.Content{
				Role: genai.RoleUser,
				Parts: []*genai.Part{{
					FunctionResponse: &genai.FunctionResponse{Name: name, Response: response},
				}},
			})

		default: // user
			contents = append(contents, &genai.Content{
				Role:  genai.RoleUser,
				Parts: []*genai.Part{{Text: msg.Content}},
			})
		}
	}
	return system, contents
}

func (p *GoogleProvider) generateConfig(req chat.CompletionRequest, system, cacheName string) *genai.GenerateContentConfig {
	model := p.ModelName(req.Model)
	config := &genai.GenerateContentConfig{
		ThinkingConfig: &genai.ThinkingConfig{
			IncludeThoughts: req.IncludeReasoning,
			ThinkingBudget:  genai.Ptr(googleThinkingBudget(model, req.IncludeReasoning, req.ReasoningEffort)),
		},
	}
	switch {
	case cacheName != "":
		config.CachedContent = cacheName
	case system != "":
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if req.Temperature != nil {
		config.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	if req.MaxOutputTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxOutputTokens)
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, len(req.Tools))
		for i, t := range req.Tools {
			decls[i] = &genai.FunctionDeclaration{
				Name:                 t.Function.Name,
				Description:          t.Function.Description,
				ParametersJsonSchema: t.Function.Parameters,
			}
		}
		config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return config
}

// cachedSystem uploads a large system prompt as cached content, reusing
// the cache for repeated calls with the same model and text. On failure
// the system falls back to an inline instruction.
func (p *GoogleProvider) cachedSystem(ctx context.Context, client *genai.Client, model, system string) string {
	key := model + "\x00" + system
	p.mu.Lock()
	name, ok := p.caches[key]
	p.mu.Unlock()
	if ok {
		return name
	}

	cache, err := client.Caches.Create(ctx, model, &genai.CreateCachedContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: system}}},
	})
	if err != nil {
		p.logger.Warn("cached content creation failed, sending system inline",
			"model", model, "size", len(system), "error", err)
		return ""
	}
	p.mu.Lock()
	p.caches[key] = cache.Name
	p.mu.Unlock()
	return cache.Name
}

// resolveConfig builds the generation config, routing oversized system
// prompts through cached content.
func (p *GoogleProvider) resolveConfig(ctx context.Context, client *genai.Client, req chat.CompletionRequest, system string) *genai.GenerateContentConfig {
	var cacheName string
	if len(system) > googleCacheSystemThreshold {
		cacheName = p.cachedSystem(ctx, client, p.ModelName(req.Model), system)
	}
	return p.generateConfig(req, system, cacheName)
}

// feedCandidate routes one response's parts into the accumulator,
// capturing the opaque thought signature when the model sends one.
func feedCandidate(acc *accumulator, resp *genai.GenerateContentResponse, toolIndex map[string]int, nextTool *int, signature *[]byte) error {
	if len(resp.Candidates) == 0 {
		return nil
	}
	candidate := resp.Candidates[0]
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if len(part.ThoughtSignature) > 0 {
				*signature = part.ThoughtSignature
			}
			switch {
			case part.FunctionCall != nil:
				args, err := json.Marshal(part.FunctionCall.Args)
				if err != nil {
					args = []byte("{}")
				}
				key := part.FunctionCall.Name
				idx, ok := toolIndex[key]
				if !ok {
					idx = *nextTool
					toolIndex[key] = idx
					*nextTool++
				}
				id := part.FunctionCall.ID
				if id == "" {
					id = "call_" + key
				}
				call := wireToolCallDelta{Index: idx, ID: id, Type: "function"}
				call.Function.Name = part.FunctionCall.Name
				call.Function.Arguments = string(args)
				if err := acc.addChunk(toolChunk(call)); err != nil {
					return err
				}
			case part.Thought && part.Text != "":
				if err := acc.addChunk(reasoningChunk(part.Text)); err != nil {
					return err
				}
			case part.Text != "":
				if err := acc.addChunk(contentChunk(part.Text)); err != nil {
					return err
				}
			}
		}
	}
	if candidate.FinishReason != "" {
		acc.finishReason = strings.ToLower(string(candidate.FinishReason))
	}
	return nil
}

func (p *GoogleProvider) Complete(ctx context.Context, req chat.CompletionRequest) (*chat.Turn, error) {
	if !p.Configured() {
		return nil, &Error{Provider: p.Name(), Message: "GEMINI_API_KEY is not set"}
	}
	client, err := p.sdk(ctx)
	if err != nil {
		return nil, err
	}

	system, contents := p.mapContents(req.Messages)
	resp, err := client.Models.GenerateContent(ctx, p.ModelName(req.Model), contents, p.resolveConfig(ctx, client, req, system))
	if err != nil {
		return nil, &Error{Provider: p.Name(), Message: err.Error()}
	}

	acc := newAccumulator(nil)
	toolIndex := map[string]int{}
	nextTool := 0
	var signature []byte
	if err := feedCandidate(acc, resp, toolIndex, &nextTool, &signature); err != nil {
		return nil, err
	}
	turn := acc.finish()
	turn.Message.Content = turn.CleanContent
	if turn.FinishReason == "" {
		turn.FinishReason = "stop"
	}
	attachGoogleSignature(turn, signature)
	return turn, nil
}

func (p *GoogleProvider) Stream(ctx context.Context, req chat.CompletionRequest, emit chat.StreamFunc) (*chat.Turn, error) {
	if !p.Configured() {
		return nil, &Error{Provider: p.Name(), Message: "GEMINI_API_KEY is not set"}
	}
	client, err := p.sdk(ctx)
	if err != nil {
		return nil, err
	}

	system, contents := p.mapContents(req.Messages)
	acc := newAccumulator(emit)
	toolIndex := map[string]int{}
	nextTool := 0
	var signature []byte

	for resp, err := range client.Models.GenerateContentStream(ctx, p.ModelName(req.Model), contents, p.resolveConfig(ctx, client, req, system)) {
		if err != nil {
			return nil, &Error{Provider: p.Name(), Message: err.Error()}
		}
		if err := feedCandidate(acc, resp, toolIndex, &nextTool, &signature); err != nil {
			return nil, err
		}
	}

	turn := acc.finish()
	turn.Message.Content = turn.CleanContent
	if turn.FinishReason == "" {
		turn.FinishReason = "stop"
	}
	attachGoogleSignature(turn, signature)
	return turn, nil
}

// attachGoogleSignature stores the opaque thought signature on the turn
// so mapContents can re-inject it on the next call.
func attachGoogleSignature(turn *chat.Turn, signature []byte) {
	if len(signature) == 0 {
		return
	}
	turn.Message.ProviderSpecific = map[string]any{
		"thought_signature": base64.StdEncoding.EncodeToString(signature),
	}
}

// Models lists generateContent-capable models from the Gemini catalog.
func (p *GoogleProvider) Models(ctx context.Context) ([]chat.ModelInfo, error) {
	if !p.Configured() {
		return nil, nil
	}
	url := p.baseURL + "/v1beta/models?key=" + p.apiKey
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return nil, &Error{Provider: p.Name(), Message: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, apiError(p.Name(), resp.StatusCode, body)
	}

	var payload struct {
		Models []struct {
			Name                       string   `json:"name"`
			DisplayName                string   `json:"displayName"`
			SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, &Error{Provider: p.Name(), Message: err.Error()}
	}

	var models []chat.ModelInfo
	for _, entry := range payload.Models {
		id := strings.TrimPrefix(entry.Name, "models/")
		if id == "" {
			continue
		}
		supported := false
		for _, method := range entry.SupportedGenerationMethods {
			if method == "generateContent" {
				supported = true
				break
			}
		}
		if !supported {
			continue
		}
		label := entry.DisplayName
		if label == "" {
			label = id
		}
		models = append(models, chat.ModelInfo{ID: id, Label: "Google: " + label})
	}
	return models, nil
}

var _ outbound.ChatProvider = (*GoogleProvider)(nil)
