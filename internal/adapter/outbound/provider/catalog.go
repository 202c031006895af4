package provider

import (
	"context"
	"os"
	"strings"

	"github.com/MCP-Bridge/mcpbridge/internal/domain/chat"
)

// fallbackModels is served when no provider is configured or every
// discovery call fails.
var fallbackModels = []chat.ModelInfo{
	{ID: "openrouter/auto", Label: "OpenRouter Auto"},
}

// Catalog aggregates model discovery across every configured provider.
// Order matters for the picker: MiniMax first, then the OpenRouter
// catalog, then OPENROUTER_MODELS pins, then OpenAI and Google.
// Discovery failures degrade to whatever the other providers returned.
func (r *Registry) Catalog(ctx context.Context) []chat.ModelInfo {
	var models []chat.ModelInfo
	seen := map[string]bool{}

	add := func(entries []chat.ModelInfo) {
		for _, entry := range entries {
			if entry.ID == "" || seen[entry.ID] {
				continue
			}
			seen[entry.ID] = true
			models = append(models, entry)
		}
	}

	if list, err := r.miniMax.Models(ctx); err == nil {
		add(list)
	} else {
		r.logger.Warn("model discovery failed", "provider", r.miniMax.Name(), "error", err)
	}

	if list, err := r.openRouter.Models(ctx); err == nil {
		add(list)
	} else {
		r.logger.Warn("model discovery failed", "provider", r.openRouter.Name(), "error", err)
	}

	add(configuredOpenRouterModels())

	if list, err := r.openAI.Models(ctx); err == nil {
		add(list)
	} else {
		r.logger.Warn("model discovery failed", "provider", r.openAI.Name(), "error", err)
	}

	if list, err := r.google.Models(ctx); err == nil {
		add(list)
	} else {
		r.logger.Warn("model discovery failed", "provider", r.google.Name(), "error", err)
	}

	if list, err := r.anthropic.Models(ctx); err == nil {
		add(list)
	} else {
		r.logger.Warn("model discovery failed", "provider", r.anthropic.Name(), "error", err)
	}

	if len(models) == 0 {
		models = append(models, fallbackModels...)
	}
	return models
}

// configuredOpenRouterModels reads operator-pinned model IDs from the
// environment. OPENROUTER_MODEL (with optional OPENROUTER_MODEL_LABEL)
// goes first, then the OPENROUTER_MODELS comma list.
func configuredOpenRouterModels() []chat.ModelInfo {
	var models []chat.ModelInfo
	if primary := strings.TrimSpace(os.Getenv("OPENROUTER_MODEL")); primary != "" {
		label := strings.TrimSpace(os.Getenv("OPENROUTER_MODEL_LABEL"))
		if label == "" {
			label = FormatModelLabel(primary)
		}
		models = append(models, chat.ModelInfo{ID: primary, Label: label})
	}
	for _, id := range strings.Split(os.Getenv("OPENROUTER_MODELS"), ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		models = append(models, chat.ModelInfo{ID: id, Label: FormatModelLabel(id)})
	}
	return models
}
