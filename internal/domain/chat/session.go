package chat

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Session is one chat conversation: its history, the steps surfaced to
// the client, and the tool catalog frozen at creation time.
type Session struct {
	ID              string     `json:"id"`
	Model           string     `json:"model"`
	SystemPrompt    string     `json:"systemPrompt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	Messages        []Message  `json:"messages"`
	Steps           []Step     `json:"steps"`
	Tools           []ToolSpec `json:"tools,omitempty"`
	ServerAllowlist []string   `json:"serverAllowlist,omitempty"`

	// ToolIndex maps catalog function names back to their bindings.
	ToolIndex map[string]ToolBinding `json:"-"`
}

// ToolBinding resolves a catalog function name to its target: either an
// upstream tool or a management operation on the gateway itself.
type ToolBinding struct {
	Server     string
	Tool       string
	Management bool
	Method     string
	Path       string
}

// SessionMeta is the slice of a session persisted across restarts.
// Message history stays in memory.
type SessionMeta struct {
	ID           string
	Model        string
	SystemPrompt string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NewSessionID returns a 32-char hex id.
func NewSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewSession creates a session with the system prompt, if any, as the
// leading message.
func NewSession(model, systemPrompt string, allowlist []string) *Session {
	now := time.Now().UTC()
	s := &Session{
		ID:              NewSessionID(),
		Model:           model,
		SystemPrompt:    systemPrompt,
		CreatedAt:       now,
		UpdatedAt:       now,
		Messages:        []Message{},
		Steps:           []Step{},
		ServerAllowlist: allowlist,
		ToolIndex:       map[string]ToolBinding{},
	}
	if systemPrompt != "" {
		s.Messages = append(s.Messages, Message{Role: RoleSystem, Content: systemPrompt})
	}
	return s
}

// Meta extracts the persisted slice.
func (s *Session) Meta() SessionMeta {
	return SessionMeta{
		ID:           s.ID,
		Model:        s.Model,
		SystemPrompt: s.SystemPrompt,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
}

// Reset clears the conversation, keeping only the leading system
// message. The tool catalog is dropped so the caller can rebuild it.
func (s *Session) Reset() {
	var kept []Message
	if len(s.Messages) > 0 && s.Messages[0].Role == RoleSystem {
		kept = []Message{s.Messages[0]}
	} else {
		kept = []Message{}
	}
	s.Messages = kept
	s.Steps = []Step{}
	s.Tools = nil
	s.ToolIndex = map[string]ToolBinding{}
	s.UpdatedAt = time.Now().UTC()
}

// Append adds a message and bumps UpdatedAt.
func (s *Session) Append(msg Message) {
	s.Messages = append(s.Messages, msg)
	s.UpdatedAt = time.Now().UTC()
}

// AddStep records a step and returns it.
func (s *Session) AddStep(stepType, title string, detail map[string]any) Step {
	step := Step{
		ID:        NewSessionID(),
		Type:      stepType,
		Title:     title,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	}
	s.Steps = append(s.Steps, step)
	return step
}

// AllowsServer reports whether the allowlist admits a server. An empty
// allowlist admits everything.
func (s *Session) AllowsServer(name string) bool {
	if len(s.ServerAllowlist) == 0 {
		return true
	}
	for _, allowed := range s.ServerAllowlist {
		if allowed == name {
			return true
		}
	}
	return false
}

// Snapshot returns a deep-enough copy for serialization outside the
// manager's lock.
func (s *Session) Snapshot() Session {
	out := *s
	out.Messages = make([]Message, len(s.Messages))
	copy(out.Messages, s.Messages)
	out.Steps = make([]Step, len(s.Steps))
	copy(out.Steps, s.Steps)
	out.Tools = make([]ToolSpec, len(s.Tools))
	copy(out.Tools, s.Tools)
	out.ToolIndex = nil
	return out
}
