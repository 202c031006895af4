package service

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"github.com/MCP-Bridge/mcpbridge/internal/domain/bridge"
	"github.com/MCP-Bridge/mcpbridge/internal/domain/chat"
	"github.com/MCP-Bridge/mcpbridge/internal/port/outbound"
)

// ManagedSession pairs a session with its exchange lock. One exchange
// runs per session at a time; concurrent requests queue on the mutex.
type ManagedSession struct {
	mu      sync.Mutex
	Session *chat.Session
}

// SessionManager holds live chat sessions in memory and mirrors their
// metadata into the optional persistent store.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*ManagedSession
	store    outbound.ChatSessionStore
	logger   *slog.Logger
}

// NewSessionManager creates a manager. A non-nil store is scanned for
// sessions from a previous run; those are revived with an empty history
// but their system prompt restored.
func NewSessionManager(store outbound.ChatSessionStore, logger *slog.Logger) *SessionManager {
	m := &SessionManager{
		sessions: make(map[string]*ManagedSession),
		store:    store,
		logger:   logger,
	}
	if store != nil {
		metas, err := store.ListSessions(context.Background())
		if err != nil {
			logger.Warn("failed to load persisted chat sessions", "error", err)
			return m
		}
		for _, meta := range metas {
			sess := chat.NewSession(meta.Model, meta.SystemPrompt, nil)
			sess.ID = meta.ID
			sess.CreatedAt = meta.CreatedAt
			sess.UpdatedAt = meta.UpdatedAt
			m.sessions[sess.ID] = &ManagedSession{Session: sess}
		}
		if len(metas) > 0 {
			logger.Info("restored chat sessions", "count", len(metas))
		}
	}
	return m
}

// Add registers a new session and persists its metadata.
func (m *SessionManager) Add(sess *chat.Session) {
	m.mu.Lock()
	m.sessions[sess.ID] = &ManagedSession{Session: sess}
	m.mu.Unlock()
	m.persist(sess)
}

// Get returns the managed session, or a not_found error.
func (m *SessionManager) Get(id string) (*ManagedSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ms, ok := m.sessions[id]
	if !ok {
		return nil, bridge.NewError(bridge.CodeNotFound, http.StatusNotFound, "session %s not found", id)
	}
	return ms, nil
}

// Delete removes a session from memory and the store.
func (m *SessionManager) Delete(id string) error {
	m.mu.Lock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return bridge.NewError(bridge.CodeNotFound, http.StatusNotFound, "session %s not found", id)
	}
	if m.store != nil {
		if err := m.store.DeleteSession(context.Background(), id); err != nil {
			m.logger.Warn("failed to delete persisted session", "session", id, "error", err)
		}
	}
	return nil
}

// IDs returns all session ids, sorted.
func (m *SessionManager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of live sessions.
func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// persist mirrors metadata into the store, best effort.
func (m *SessionManager) persist(sess *chat.Session) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveSession(context.Background(), sess.Meta()); err != nil {
		m.logger.Warn("failed to persist session metadata", "session", sess.ID, "error", err)
	}
}

// Touch re-persists a session's metadata after mutation.
func (m *SessionManager) Touch(sess *chat.Session) {
	m.persist(sess)
}
