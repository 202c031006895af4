package provider

import (
	"encoding/json"
	"strings"

	"github.com/MCP-Bridge/mcpbridge/internal/domain/chat"
)

// The OpenAI chat-completions wire shape is the lingua franca here:
// OpenRouter and MiniMax speak it natively, and the Anthropic and
// Google adapters translate their native events into it before
// accumulation.

type wireChunk struct {
	ID      string       `json:"id"`
	Choices []wireChoice `json:"choices"`
}

type wireChoice struct {
	Index        int          `json:"index"`
	Delta        *wireDelta   `json:"delta,omitempty"`
	Message      *wireMessage `json:"message,omitempty"`
	FinishReason string       `json:"finish_reason,omitempty"`
}

type wireDelta struct {
	Role             string                 `json:"role,omitempty"`
	Content          string                 `json:"content,omitempty"`
	ReasoningContent json.RawMessage        `json:"reasoning_content,omitempty"`
	ReasoningDetails []chat.ReasoningDetail `json:"reasoning_details,omitempty"`
	ToolCalls        []wireToolCallDelta    `json:"tool_calls,omitempty"`
}

type wireToolCallDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type wireMessage struct {
	Role             string                 `json:"role"`
	Content          string                 `json:"content"`
	ReasoningContent json.RawMessage        `json:"reasoning_content,omitempty"`
	ReasoningDetails []chat.ReasoningDetail `json:"reasoning_details,omitempty"`
	ToolCalls        []chat.ToolCall        `json:"tool_calls,omitempty"`
}

type wireResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []wireChoice `json:"choices"`
}

// reasoningContentText flattens the reasoning_content field, which
// providers send either as a string or as a list of text segments.
func reasoningContentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var list []any
	if err := json.Unmarshal(raw, &list); err != nil {
		return ""
	}
	var sb strings.Builder
	for _, entry := range list {
		switch v := entry.(type) {
		case string:
			sb.WriteString(v)
		case map[string]any:
			if text, ok := v["text"].(string); ok {
				sb.WriteString(text)
			}
		}
	}
	return sb.String()
}

type toolCallAccum struct {
	id        string
	callType  string
	name      string
	arguments strings.Builder
}

// accumulator folds streamed wire chunks into a final assistant turn,
// emitting typed stream events along the way. Inline <think> ranges are
// diverted to reasoning deltas and reconstructed with tags for history.
type accumulator struct {
	emit chat.StreamFunc

	role             string
	content          strings.Builder
	reasoning        strings.Builder
	reasoningDetails []chat.ReasoningDetail
	toolCalls        map[int]*toolCallAccum
	toolOrder        []int
	finishReason     string

	inThink  bool
	thinkBuf strings.Builder
	// carry holds a chunk suffix that could be the start of a split tag.
	carry string
}

func newAccumulator(emit chat.StreamFunc) *accumulator {
	return &accumulator{emit: emit, toolCalls: make(map[int]*toolCallAccum)}
}

func (a *accumulator) emitEvent(ev chat.StreamEvent) error {
	if a.emit == nil {
		return nil
	}
	return a.emit(ev)
}

func (a *accumulator) addChunk(chunk wireChunk) error {
	for _, choice := range chunk.Choices {
		if choice.Delta == nil {
			if choice.FinishReason != "" {
				a.finishReason = choice.FinishReason
			}
			continue
		}
		delta := choice.Delta
		if delta.Role != "" {
			a.role = delta.Role
		}

		for _, rd := range delta.ReasoningDetails {
			if rd.Text != "" {
				a.reasoning.WriteString(rd.Text)
				if err := a.emitEvent(chat.StreamEvent{Kind: chat.EventReasoningDelta, Text: rd.Text}); err != nil {
					return err
				}
			}
			a.reasoningDetails = chat.MergeReasoningDetails(a.reasoningDetails, []chat.ReasoningDetail{rd})
		}

		if text := reasoningContentText(delta.ReasoningContent); text != "" {
			a.reasoning.WriteString(text)
			if err := a.emitEvent(chat.StreamEvent{Kind: chat.EventReasoningDelta, Text: text}); err != nil {
				return err
			}
		}

		if delta.Content != "" {
			if err := a.addContent(delta.Content); err != nil {
				return err
			}
		}

		for _, call := range delta.ToolCalls {
			if err := a.addToolCall(call); err != nil {
				return err
			}
		}

		if choice.FinishReason != "" {
			a.finishReason = choice.FinishReason
		}
	}
	return nil
}

// addContent scans content for inline <think> tags, routing thinking
// text to reasoning deltas and the rest to message deltas. A trailing
// fragment that could be the start of a tag is carried into the next
// chunk so tags split across chunk boundaries still match.
func (a *accumulator) addContent(chunk string) error {
	chunk = a.carry + chunk
	a.carry = ""
	i := 0
	for i < len(chunk) {
		if !a.inThink {
			idx := strings.Index(chunk[i:], "<think>")
			if idx < 0 {
				rest := chunk[i:]
				if hold := partialTagSuffix(rest, "<think>"); hold > 0 {
					a.carry = rest[len(rest)-hold:]
					rest = rest[:len(rest)-hold]
				}
				if rest == "" {
					return nil
				}
				a.content.WriteString(rest)
				return a.emitEvent(chat.StreamEvent{Kind: chat.EventContentDelta, Text: rest})
			}
			if before := chunk[i : i+idx]; before != "" {
				a.content.WriteString(before)
				if err := a.emitEvent(chat.StreamEvent{Kind: chat.EventContentDelta, Text: before}); err != nil {
					return err
				}
			}
			a.inThink = true
			i += idx + len("<think>")
		} else {
			idx := strings.Index(chunk[i:], "</think>")
			if idx < 0 {
				rest := chunk[i:]
				if hold := partialTagSuffix(rest, "</think>"); hold > 0 {
					a.carry = rest[len(rest)-hold:]
					rest = rest[:len(rest)-hold]
				}
				a.thinkBuf.WriteString(rest)
				return nil
			}
			a.thinkBuf.WriteString(chunk[i : i+idx])
			thinking := a.thinkBuf.String()
			a.thinkBuf.Reset()
			a.inThink = false
			i += idx + len("</think>")
			a.reasoning.WriteString(thinking)
			if err := a.emitEvent(chat.StreamEvent{Kind: chat.EventReasoningDelta, Text: thinking}); err != nil {
				return err
			}
		}
	}
	return nil
}

// partialTagSuffix returns the length of the longest proper suffix of s
// that is a prefix of tag, i.e. text that might complete into the tag
// once the next chunk arrives.
func partialTagSuffix(s, tag string) int {
	max := len(tag) - 1
	if len(s) < max {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasPrefix(tag, s[len(s)-n:]) {
			return n
		}
	}
	return 0
}

func (a *accumulator) addToolCall(call wireToolCallDelta) error {
	entry, ok := a.toolCalls[call.Index]
	if !ok {
		entry = &toolCallAccum{callType: "function"}
		a.toolCalls[call.Index] = entry
		a.toolOrder = append(a.toolOrder, call.Index)
	}
	if call.ID != "" {
		entry.id = call.ID
	}
	if call.Type != "" {
		entry.callType = call.Type
	}
	if call.Function.Name != "" {
		entry.name = call.Function.Name
	}
	if call.Function.Arguments != "" {
		entry.arguments.WriteString(call.Function.Arguments)
		return a.emitEvent(chat.StreamEvent{
			Kind:     chat.EventToolCallDelta,
			ToolCall: chat.ToolCallDelta{ID: entry.id, Arguments: entry.arguments.String()},
		})
	}
	return nil
}

// finish builds the final turn. Tag-style reasoning is reconstructed
// with <think> markers in the history content so continuity survives
// the next provider call.
func (a *accumulator) finish() *chat.Turn {
	// A held fragment at stream end is literal text, not a tag.
	if a.carry != "" {
		if a.inThink {
			a.thinkBuf.WriteString(a.carry)
		} else {
			a.content.WriteString(a.carry)
		}
		a.carry = ""
	}
	// An unterminated <think> block still counts as reasoning.
	if a.inThink && a.thinkBuf.Len() > 0 {
		a.reasoning.WriteString(a.thinkBuf.String())
		a.thinkBuf.Reset()
	}

	fullReasoning := a.reasoning.String()
	cleanContent := a.content.String()

	originalContent := cleanContent
	if fullReasoning != "" && len(a.reasoningDetails) == 0 {
		originalContent = chat.WrapReasoning(fullReasoning, cleanContent)
	}

	role := a.role
	if role == "" {
		role = chat.RoleAssistant
	}
	message := chat.Message{
		Role:             role,
		Content:          originalContent,
		Reasoning:        fullReasoning,
		ReasoningContent: fullReasoning,
		ReasoningDetails: a.reasoningDetails,
	}

	var toolCalls []chat.ToolCall
	for _, idx := range a.toolOrder {
		entry := a.toolCalls[idx]
		if entry.name == "" {
			continue
		}
		toolCalls = append(toolCalls, chat.ToolCall{
			ID:   entry.id,
			Type: entry.callType,
			Function: chat.FunctionCall{
				Name:      entry.name,
				Arguments: chat.NormalizeToolArguments(entry.arguments.String()),
			},
		})
	}
	message.ToolCalls = toolCalls

	return &chat.Turn{
		Message:      message,
		ToolCalls:    toolCalls,
		FinishReason: a.finishReason,
		CleanContent: cleanContent,
		Reasoning:    fullReasoning,
	}
}

// interpretResponse converts a non-streaming completion into a turn,
// keeping <think> tags in history content and extracting reasoning for
// display.
func interpretResponse(resp wireResponse) *chat.Turn {
	if len(resp.Choices) == 0 {
		return &chat.Turn{
			Message:      chat.Message{Role: chat.RoleAssistant},
			FinishReason: "stop",
		}
	}
	choice := resp.Choices[0]
	var msg wireMessage
	if choice.Message != nil {
		msg = *choice.Message
	}

	toolCalls := make([]chat.ToolCall, len(msg.ToolCalls))
	for i, tc := range msg.ToolCalls {
		tc.Function.Arguments = chat.NormalizeToolArguments(tc.Function.Arguments)
		toolCalls[i] = tc
	}

	clean, reasoning := chat.ExtractReasoning(msg.Content)
	reasoningContent := reasoningContentText(msg.ReasoningContent)
	if reasoning == "" && reasoningContent != "" {
		reasoning = reasoningContent
	}
	if reasoning == "" && len(msg.ReasoningDetails) > 0 {
		reasoning = chat.ReasoningText(msg.ReasoningDetails)
	}

	role := msg.Role
	if role == "" {
		role = chat.RoleAssistant
	}
	finish := choice.FinishReason
	if finish == "" {
		finish = "stop"
	}

	return &chat.Turn{
		Message: chat.Message{
			Role:             role,
			Content:          msg.Content,
			ToolCalls:        toolCalls,
			Reasoning:        reasoning,
			ReasoningContent: reasoningContent,
			ReasoningDetails: msg.ReasoningDetails,
		},
		ToolCalls:    toolCalls,
		FinishReason: finish,
		CleanContent: clean,
		Reasoning:    reasoning,
	}
}
