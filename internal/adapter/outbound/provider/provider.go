// Package provider implements the chat provider adapters: OpenRouter,
// MiniMax, OpenAI, Anthropic and Google, all behind the outbound
// ChatProvider port. Model IDs route by prefix; openrouter is the
// fallback for anything unrecognized.
package provider

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/MCP-Bridge/mcpbridge/internal/port/outbound"
)

// Error is a provider API failure carrying the upstream status code.
type Error struct {
	Provider string
	Status   int
	Message  string
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %d: %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// Registry resolves the provider for a model ID.
type Registry struct {
	openRouter *OpenRouterProvider
	miniMax    *MiniMaxProvider
	anthropic  *AnthropicProvider
	google     *GoogleProvider
	openAI     *OpenAIProvider
	logger     *slog.Logger
}

// NewRegistry builds the full provider set. Providers with no API key
// configured stay constructed; their calls fail with a clear error at
// request time, matching how the catalog hides them from discovery.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		openRouter: NewOpenRouterProvider(logger),
		miniMax:    NewMiniMaxProvider(logger),
		anthropic:  NewAnthropicProvider(logger),
		google:     NewGoogleProvider(logger),
		openAI:     NewOpenAIProvider(logger),
		logger:     logger,
	}
}

// ForModel picks the provider by model ID prefix.
func (r *Registry) ForModel(model string) outbound.ChatProvider {
	switch {
	case IsMiniMaxModel(model):
		return r.miniMax
	case IsGoogleModel(model):
		return r.google
	case IsAnthropicDirectModel(model):
		return r.anthropic
	case IsOpenAIDirectModel(model):
		return r.openAI
	default:
		return r.openRouter
	}
}

// Providers lists the provider names in display order.
func (r *Registry) Providers() []string {
	return []string{
		r.openRouter.Name(),
		r.miniMax.Name(),
		r.anthropic.Name(),
		r.google.Name(),
		r.openAI.Name(),
	}
}

// IsMiniMaxModel reports whether the ID targets the MiniMax API.
func IsMiniMaxModel(model string) bool {
	return strings.HasPrefix(model, "minimax/")
}

// IsGoogleModel reports whether the ID targets the Gemini API directly.
func IsGoogleModel(model string) bool {
	return strings.HasPrefix(model, "gemini-") || strings.HasPrefix(model, "google/gemini-")
}

// IsAnthropicDirectModel reports whether the ID targets the Anthropic
// API directly rather than through OpenRouter. Prefixed IDs like
// anthropic/claude-3 route via OpenRouter; bare claude-* IDs go direct.
func IsAnthropicDirectModel(model string) bool {
	return strings.HasPrefix(model, "claude-")
}

// IsOpenAIDirectModel reports whether the ID targets the OpenAI API
// directly (bare IDs from the OpenAI catalog, not openai/-prefixed).
func IsOpenAIDirectModel(model string) bool {
	for _, p := range []string{"gpt-", "o1", "o3", "o4", "chatgpt-", "codex"} {
		if strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// FormatModelLabel derives a display label from a model ID tail.
func FormatModelLabel(modelID string) string {
	tail := modelID
	if idx := strings.LastIndex(modelID, "/"); idx >= 0 {
		tail = modelID[idx+1:]
	}
	tail = strings.ReplaceAll(tail, "-", " ")
	tail = strings.ReplaceAll(tail, "_", " ")
	words := strings.Fields(tail)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
