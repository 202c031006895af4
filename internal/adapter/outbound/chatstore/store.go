// Package chatstore persists chat session metadata in a local sqlite
// database so sessions survive gateway restarts. Message history is
// memory-only and is not written here.
package chatstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MCP-Bridge/mcpbridge/internal/domain/chat"
	"github.com/MCP-Bridge/mcpbridge/internal/port/outbound"
)

const schema = `
CREATE TABLE IF NOT EXISTS chat_sessions (
	id            TEXT PRIMARY KEY,
	model         TEXT NOT NULL,
	system_prompt TEXT NOT NULL DEFAULT '',
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);
`

// Store is a sqlite-backed ChatSessionStore.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database file and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open session db: %w", err)
	}
	// sqlite allows one writer; serialize at the pool level.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply session schema: %w", err)
	}
	return &Store{db: db}, nil
}

// SaveSession upserts one session's metadata.
func (s *Store) SaveSession(ctx context.Context, meta chat.SessionMeta) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_sessions (id, model, system_prompt, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			model = excluded.model,
			system_prompt = excluded.system_prompt,
			updated_at = excluded.updated_at`,
		meta.ID, meta.Model, meta.SystemPrompt,
		meta.CreatedAt.UTC().Format(time.RFC3339Nano),
		meta.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", meta.ID, err)
	}
	return nil
}

// DeleteSession removes one session. Deleting an unknown id is not an
// error.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chat_sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	return nil
}

// ListSessions returns all persisted sessions, oldest first.
func (s *Store) ListSessions(ctx context.Context) ([]chat.SessionMeta, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, model, system_prompt, created_at, updated_at
		FROM chat_sessions ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []chat.SessionMeta
	for rows.Next() {
		var meta chat.SessionMeta
		var created, updated string
		if err := rows.Scan(&meta.ID, &meta.Model, &meta.SystemPrompt, &created, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		meta.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		meta.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		sessions = append(sessions, meta)
	}
	return sessions, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

var _ outbound.ChatSessionStore = (*Store)(nil)
