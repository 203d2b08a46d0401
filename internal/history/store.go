// Package history persists project sessions and conversation history.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/app-builder/realtime/internal/message"
	"github.com/app-builder/realtime/internal/model"
)

// Store provides SQLite-backed persistence for sessions and conversations.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and runs schema migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode for better concurrent access.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// OpenInMemory creates a fresh in-memory database, used by tests.
func OpenInMemory() (*Store, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// runMigrations executes the database schema migrations.
func runMigrations(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS project_sessions (
		session_id TEXT PRIMARY KEY,
		sandbox_id TEXT,
		sandbox_url TEXT,
		status TEXT NOT NULL DEFAULT 'created',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS conversation_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		message_id TEXT,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		message_type TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_conversation_session_id ON conversation_history(session_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON project_sessions(status);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// UpsertSession creates or updates a project session row.
func (s *Store) UpsertSession(ctx context.Context, sess *model.ProjectSession) error {
	query := `
		INSERT INTO project_sessions (session_id, sandbox_id, sandbox_url, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(session_id) DO UPDATE SET
			sandbox_id = excluded.sandbox_id,
			sandbox_url = excluded.sandbox_url,
			status = excluded.status,
			updated_at = CURRENT_TIMESTAMP
	`
	_, err := s.db.ExecContext(ctx, query, sess.SessionID, sess.SandboxID, sess.SandboxURL, sess.Status)
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}
	return nil
}

// GetSession retrieves a project session by its session id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*model.ProjectSession, error) {
	query := `
		SELECT session_id, sandbox_id, sandbox_url, status, created_at, updated_at
		FROM project_sessions
		WHERE session_id = ?
	`

	sess := &model.ProjectSession{}
	var sandboxID, sandboxURL sql.NullString
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(
		&sess.SessionID,
		&sandboxID,
		&sandboxURL,
		&sess.Status,
		&sess.CreatedAt,
		&sess.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, model.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	sess.SandboxID = sandboxID.String
	sess.SandboxURL = sandboxURL.String
	return sess, nil
}

// AddMessage appends one conversation history row for a wire message.
func (s *Store) AddMessage(ctx context.Context, sessionID, role string, m *message.Message) error {
	content := m.Text()
	if content == "" {
		content = m.ErrorText()
	}

	query := `
		INSERT INTO conversation_history (session_id, message_id, role, content, message_type, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	ts := time.UnixMilli(m.Timestamp)
	if m.Timestamp == 0 {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx, query, sessionID, m.ID, role, content, string(m.Type), ts)
	if err != nil {
		return fmt.Errorf("failed to add conversation message: %w", err)
	}
	return nil
}

// Messages returns the conversation history for a session, oldest first.
func (s *Store) Messages(ctx context.Context, sessionID string) ([]*model.ConversationEntry, error) {
	query := `
		SELECT session_id, message_id, role, content, message_type, timestamp
		FROM conversation_history
		WHERE session_id = ?
		ORDER BY timestamp ASC, id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversation history: %w", err)
	}
	defer rows.Close()

	var entries []*model.ConversationEntry
	for rows.Next() {
		entry := &model.ConversationEntry{}
		var messageID, messageType sql.NullString
		if err := rows.Scan(
			&entry.SessionID,
			&messageID,
			&entry.Role,
			&entry.Content,
			&messageType,
			&entry.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan conversation row: %w", err)
		}
		entry.MessageID = messageID.String
		entry.MessageType = messageType.String
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// MessageCount returns the number of stored history rows for a session.
func (s *Store) MessageCount(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversation_history WHERE session_id = ?`, sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count conversation messages: %w", err)
	}
	return count, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
