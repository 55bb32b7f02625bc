// Package store provides data persistence interfaces and implementations
// for sessions, messages, and their attachments.
package store

import (
	"context"
	"time"

	"github.com/wingman-ai/gateway/internal/domain"
)

// Repository defines the interface for persisting session and message data.
type Repository interface {
	// GetSession retrieves a session by ID.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// ListSessions lists sessions newest-updated first, for one agent or
	// for all agents when agentID is empty.
	ListSessions(ctx context.Context, agentID string, limit, offset int) ([]*domain.Session, error)

	// GetLastSession returns the most recently updated session for an
	// agent, or nil if the agent has none.
	GetLastSession(ctx context.Context, agentID string) (*domain.Session, error)

	// UpsertSession creates or updates a session record.
	UpsertSession(ctx context.Context, session *domain.Session) error

	// DeleteSession removes a session and its messages.
	DeleteSession(ctx context.Context, sessionID string) error

	// AppendMessage appends a message to a session's log and bumps the
	// session's MessageCount/UpdatedAt/LastMessagePreview accordingly.
	AppendMessage(ctx context.Context, msg *domain.Message) error

	// ListMessages returns a session's messages in creation order.
	ListMessages(ctx context.Context, sessionID string, limit, offset int) ([]*domain.Message, error)

	// ClearMessages removes every message for sessionID and resets its
	// MessageCount to 0 and LastMessagePreview to empty, preserving the
	// session row itself.
	ClearMessages(ctx context.Context, sessionID string) error

	// CleanupExpiredSessions removes sessions whose UpdatedAt exceeds ttl.
	CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
