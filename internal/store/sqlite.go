package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/wingman-ai/gateway/internal/domain"
	"github.com/wingman-ai/gateway/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository, creating the database
// file and directory if necessary.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		message_count INTEGER NOT NULL DEFAULT 0,
		last_message_preview TEXT,
		metadata_json TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_agent_updated ON sessions(agent_id, updated_at DESC);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		attachments_json TEXT,
		hidden INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session_created ON messages(session_id, created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	query := `
		SELECT id, agent_id, name, message_count, last_message_preview,
		       metadata_json, created_at, updated_at
		FROM sessions WHERE id = ?`

	row := s.db.QueryRowContext(ctx, query, sessionID)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return sess, nil
}

// ListSessions lists sessions newest-updated first, for one agent or for
// all agents when agentID is empty.
func (s *SQLiteStore) ListSessions(ctx context.Context, agentID string, limit, offset int) ([]*domain.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, agent_id, name, message_count, last_message_preview,
		       metadata_json, created_at, updated_at
		FROM sessions WHERE (? = '' OR agent_id = ?)
		ORDER BY updated_at DESC LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, agentID, agentID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close sessions rows", "error", closeErr)
		}
	}()

	var out []*domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// GetLastSession returns the most recently updated session for agentID,
// or nil if the agent has none.
func (s *SQLiteStore) GetLastSession(ctx context.Context, agentID string) (*domain.Session, error) {
	query := `
		SELECT id, agent_id, name, message_count, last_message_preview,
		       metadata_json, created_at, updated_at
		FROM sessions WHERE agent_id = ?
		ORDER BY updated_at DESC LIMIT 1`

	row := s.db.QueryRowContext(ctx, query, agentID)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return sess, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var sess domain.Session
	var preview sql.NullString
	var metadataJSON sql.NullString
	var createdAt, updatedAt int64

	if err := row.Scan(
		&sess.ID, &sess.AgentID, &sess.Name, &sess.MessageCount, &preview,
		&metadataJSON, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	sess.LastMessagePreview = preview.String
	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.UpdatedAt = time.Unix(updatedAt, 0)
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &sess.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal session metadata: %w", err)
		}
	}
	return &sess, nil
}

// UpsertSession creates or updates a session record.
func (s *SQLiteStore) UpsertSession(ctx context.Context, session *domain.Session) error {
	var metadataJSON any
	if len(session.Metadata) > 0 {
		b, err := json.Marshal(session.Metadata)
		if err != nil {
			return fmt.Errorf("marshal session metadata: %w", err)
		}
		metadataJSON = string(b)
	}

	query := `
	INSERT INTO sessions (id, agent_id, name, message_count, last_message_preview, metadata_json, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		message_count = excluded.message_count,
		last_message_preview = excluded.last_message_preview,
		metadata_json = excluded.metadata_json,
		updated_at = excluded.updated_at`

	return shared.RetryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query,
			session.ID, session.AgentID, session.Name, session.MessageCount,
			session.LastMessagePreview, metadataJSON,
			session.CreatedAt.Unix(), session.UpdatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("upsert session: %w", err)
		}
		return nil
	})
}

// DeleteSession removes a session and its messages.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	return shared.RetryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		return tx.Commit()
	})
}

// AppendMessage appends a message to a session's log and bumps the
// session's rollup fields in the same transaction.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *domain.Message) error {
	var attachmentsJSON any
	if len(msg.Attachments) > 0 {
		b, err := json.Marshal(msg.Attachments)
		if err != nil {
			return fmt.Errorf("marshal attachments: %w", err)
		}
		attachmentsJSON = string(b)
	}

	return shared.RetryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages (id, session_id, role, content, attachments_json, hidden, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			msg.ID, msg.SessionID, string(msg.Role), msg.Content, attachmentsJSON,
			boolToInt(msg.Hidden), msg.CreatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		preview := msg.Preview(120)
		if msg.Hidden {
			_, err = tx.ExecContext(ctx, `
				UPDATE sessions SET updated_at = ? WHERE id = ?`,
				msg.CreatedAt.Unix(), msg.SessionID,
			)
		} else {
			_, err = tx.ExecContext(ctx, `
				UPDATE sessions SET
					message_count = message_count + 1,
					last_message_preview = ?,
					updated_at = ?
				WHERE id = ?`,
				preview, msg.CreatedAt.Unix(), msg.SessionID,
			)
		}
		if err != nil {
			return fmt.Errorf("bump session rollup: %w", err)
		}

		return tx.Commit()
	})
}

// ListMessages returns a session's messages in creation order.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string, limit, offset int) ([]*domain.Message, error) {
	if limit <= 0 {
		limit = 200
	}
	query := `
		SELECT id, session_id, role, content, attachments_json, hidden, created_at
		FROM messages WHERE session_id = ?
		ORDER BY created_at ASC LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, sessionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close messages rows", "error", closeErr)
		}
	}()

	var out []*domain.Message
	for rows.Next() {
		var msg domain.Message
		var role string
		var attachmentsJSON sql.NullString
		var hidden int
		var createdAt int64

		if err := rows.Scan(&msg.ID, &msg.SessionID, &role, &msg.Content, &attachmentsJSON, &hidden, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg.Role = domain.Role(role)
		msg.Hidden = hidden != 0
		msg.CreatedAt = time.Unix(createdAt, 0)
		if attachmentsJSON.Valid && attachmentsJSON.String != "" {
			if err := json.Unmarshal([]byte(attachmentsJSON.String), &msg.Attachments); err != nil {
				return nil, fmt.Errorf("unmarshal attachments: %w", err)
			}
		}
		out = append(out, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

// ClearMessages deletes every message belonging to sessionID and resets
// the session's rollup fields, preserving the session row.
func (s *SQLiteStore) ClearMessages(ctx context.Context, sessionID string) error {
	return shared.RetryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions SET message_count = 0, last_message_preview = NULL, updated_at = ?
			WHERE id = ?`, time.Now().Unix(), sessionID,
		); err != nil {
			return fmt.Errorf("reset session rollup: %w", err)
		}
		return tx.Commit()
	})
}

// CleanupExpiredSessions removes sessions whose UpdatedAt exceeds ttl.
func (s *SQLiteStore) CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error) {
	threshold := time.Now().Add(-ttl).Unix()
	var affected int64
	err := shared.RetryOnBusy(ctx, func() error {
		result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < ?`, threshold)
		if err != nil {
			return fmt.Errorf("cleanup expired sessions: %w", err)
		}
		affected, err = result.RowsAffected()
		return err
	})
	return affected, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
