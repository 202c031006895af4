// Package chat holds the provider-independent conversation model: the
// message history format, tool calls, streaming events, and the
// reasoning-preservation helpers shared by every provider adapter.
package chat

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one history entry in OpenAI wire shape. Reasoning fields
// are kept round-trip stable so interleaved thinking survives being
// sent back to the provider.
type Message struct {
	Role             string            `json:"role"`
	Content          string            `json:"content"`
	Name             string            `json:"name,omitempty"`
	ToolCallID       string            `json:"tool_call_id,omitempty"`
	ToolCalls        []ToolCall        `json:"tool_calls,omitempty"`
	Reasoning        string            `json:"reasoning,omitempty"`
	ReasoningContent string            `json:"reasoning_content,omitempty"`
	ReasoningDetails []ReasoningDetail `json:"reasoning_details,omitempty"`
	ProviderSpecific map[string]any    `json:"provider_specific,omitempty"`
}

// ToolCall is an assistant-requested tool invocation.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the function name and its JSON-string arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ReasoningDetail is one interleaved-thinking segment. All fields are
// preserved verbatim; Signature is the opaque continuation token some
// providers require back.
type ReasoningDetail struct {
	Type      string `json:"type,omitempty"`
	ID        string `json:"id,omitempty"`
	Format    string `json:"format,omitempty"`
	Index     *int   `json:"index,omitempty"`
	Text      string `json:"text"`
	Signature string `json:"signature,omitempty"`
}

// ToolSpec is one entry of the tool catalog sent to providers.
type ToolSpec struct {
	Type     string       `json:"type"`
	Function FunctionSpec `json:"function"`
}

// FunctionSpec describes a callable function and its parameter schema.
type FunctionSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// CompletionRequest is the provider-independent completion input.
type CompletionRequest struct {
	Model            string
	Messages         []Message
	Tools            []ToolSpec
	Temperature      *float64
	MaxOutputTokens  int
	IncludeReasoning bool
	ReasoningEffort  string
}

// Turn is the interpreted result of one provider completion: the
// assistant message as it goes into history, plus display helpers.
type Turn struct {
	Message      Message
	ToolCalls    []ToolCall
	FinishReason string
	// CleanContent is the content with <think> ranges stripped, for
	// display; Message.Content keeps the tags for history continuity.
	CleanContent string
	Reasoning    string
}

// StreamEventKind discriminates streaming callback events.
type StreamEventKind int

const (
	EventContentDelta StreamEventKind = iota
	EventReasoningDelta
	EventToolCallDelta
)

// StreamEvent is one incremental update during a streamed completion.
type StreamEvent struct {
	Kind      StreamEventKind
	Text      string
	ToolCall  ToolCallDelta
}

// ToolCallDelta carries the accumulated arguments for one in-flight
// tool call.
type ToolCallDelta struct {
	ID        string `json:"id"`
	Arguments string `json:"arguments"`
}

// StreamFunc receives stream events; returning an error aborts the
// stream.
type StreamFunc func(StreamEvent) error

// ModelInfo is one catalog entry.
type ModelInfo struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Step is a high-level stage of an agentic exchange, surfaced to the
// client alongside the message stream.
type Step struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"createdAt"`
}

// NormalizeToolArguments guarantees a tool call's arguments field is a
// valid JSON string. Malformed values are wrapped as {"raw": ...}
// rather than dropped.
func NormalizeToolArguments(raw string) string {
	if raw == "" {
		return "{}"
	}
	if json.Valid([]byte(raw)) {
		return raw
	}
	wrapped, err := json.Marshal(map[string]string{"raw": raw})
	if err != nil {
		return "{}"
	}
	return string(wrapped)
}

// SanitizeToolCalls normalizes tool_call argument strings across a
// message history before it goes to a provider.
func SanitizeToolCalls(messages []Message) []Message {
	out := make([]Message, len(messages))
	for i, msg := range messages {
		if len(msg.ToolCalls) > 0 {
			calls := make([]ToolCall, len(msg.ToolCalls))
			for j, tc := range msg.ToolCalls {
				tc.Function.Arguments = NormalizeToolArguments(tc.Function.Arguments)
				calls[j] = tc
			}
			msg.ToolCalls = calls
		}
		out[i] = msg
	}
	return out
}

// ExtractReasoning splits <think>...</think> ranges out of content.
// Returns the cleaned content and the joined reasoning text.
func ExtractReasoning(content string) (clean, reasoning string) {
	if content == "" {
		return "", ""
	}
	var cleanParts, thinkParts []string
	rest := content
	for {
		start := strings.Index(rest, "<think>")
		if start < 0 {
			cleanParts = append(cleanParts, rest)
			break
		}
		cleanParts = append(cleanParts, rest[:start])
		rest = rest[start+len("<think>"):]
		end := strings.Index(rest, "</think>")
		if end < 0 {
			thinkParts = append(thinkParts, strings.TrimSpace(rest))
			rest = ""
			break
		}
		thinkParts = append(thinkParts, strings.TrimSpace(rest[:end]))
		rest = rest[end+len("</think>"):]
	}
	return strings.TrimSpace(strings.Join(cleanParts, "")), strings.Join(thinkParts, "\n\n")
}

// WrapReasoning reconstructs content with a leading <think> block so
// tag-style reasoning survives in message history.
func WrapReasoning(reasoning, content string) string {
	return fmt.Sprintf("<think>\n%s\n</think>\n\n%s", reasoning, content)
}

// MergeReasoningDetails merges segments by (id|index): a segment
// matching an existing one appends its text, otherwise it is added.
// The merge is idempotent for already-merged duplicates only in the
// sense that matching keys accumulate into a single entry.
func MergeReasoningDetails(existing, incoming []ReasoningDetail) []ReasoningDetail {
	result := make([]ReasoningDetail, len(existing))
	copy(result, existing)

	for _, detail := range incoming {
		idx := -1
		for i, d := range result {
			if detailKeyMatches(d, detail) {
				idx = i
				break
			}
		}
		if idx >= 0 {
			result[idx].Text += detail.Text
			continue
		}
		if detail.Type == "" {
			detail.Type = "reasoning.text"
		}
		if detail.Index == nil {
			n := len(result)
			detail.Index = &n
		}
		result = append(result, detail)
	}
	return result
}

func detailKeyMatches(a, b ReasoningDetail) bool {
	if a.ID != "" && a.ID == b.ID {
		return true
	}
	return a.Index != nil && b.Index != nil && *a.Index == *b.Index
}

// ReasoningText joins the text of all segments, for display.
func ReasoningText(details []ReasoningDetail) string {
	var sb strings.Builder
	for _, d := range details {
		sb.WriteString(d.Text)
	}
	return sb.String()
}

// Summarize truncates content for step summaries.
func Summarize(content string, maxLength int) string {
	summary := strings.TrimSpace(content)
	if len(summary) <= maxLength {
		return summary
	}
	return strings.TrimRight(summary[:maxLength-1], " \t\n") + "…"
}
