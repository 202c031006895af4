package outbound

import (
	"context"

	"github.com/MCP-Bridge/mcpbridge/internal/domain/chat"
)

// ChatProvider is one upstream LLM backend. Stream delivers incremental
// events through emit and still returns the fully accumulated turn.
type ChatProvider interface {
	// Name identifies the provider for logging and catalog labels.
	Name() string

	// Complete performs a non-streaming completion.
	Complete(ctx context.Context, req chat.CompletionRequest) (*chat.Turn, error)

	// Stream performs a streaming completion, emitting deltas as they
	// arrive.
	Stream(ctx context.Context, req chat.CompletionRequest, emit chat.StreamFunc) (*chat.Turn, error)

	// Models lists this provider's available models, if discoverable.
	Models(ctx context.Context) ([]chat.ModelInfo, error)
}

// ProviderResolver routes model IDs to providers and aggregates model
// discovery.
type ProviderResolver interface {
	// ForModel picks the provider responsible for a model ID.
	ForModel(model string) ChatProvider

	// Catalog merges model discovery across all configured providers.
	Catalog(ctx context.Context) []chat.ModelInfo

	// Providers lists the known provider names.
	Providers() []string
}

// ChatSessionStore persists chat session metadata across restarts.
// Message history is deliberately not stored.
type ChatSessionStore interface {
	SaveSession(ctx context.Context, meta chat.SessionMeta) error
	DeleteSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context) ([]chat.SessionMeta, error)
	Close() error
}
