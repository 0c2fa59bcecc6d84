// ABOUTME: Store interfaces and data types for jarvis-gateway persistence
// ABOUTME: Defines users, per-user settings, chat sessions and chat messages

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrUserExists is returned when a username or email is already registered
var ErrUserExists = errors.New("user already exists")

// Roles a user can hold
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Chat message roles
const (
	ChatRoleUser      = "user"
	ChatRoleAssistant = "assistant"
)

// timeFormat is a fixed-width UTC timestamp so text columns sort chronologically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// User is a registered account. ID is the value carried in credential subjects.
type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	DisplayName  string
	Role         string
	IsActive     bool
	IsVerified   bool
	CreatedAt    time.Time
	LastSeenAt   *time.Time
}

// Name returns the name shown to other users.
func (u *User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}

// ChatSession groups the REST message history of one user with one agent.
type ChatSession struct {
	ID        string
	UserID    string
	AgentID   string
	CreatedAt time.Time
}

// ChatMessage is one persisted turn of a ChatSession.
type ChatMessage struct {
	ID        string
	SessionID string
	Role      string
	Content   string
	Metadata  map[string]any
	CreatedAt time.Time
}

// IdentityStore is the read side the handshake needs: subject -> user.
type IdentityStore interface {
	GetUser(ctx context.Context, id string) (*User, error)
}

// UserStore manages accounts.
type UserStore interface {
	IdentityStore

	// CreateUser inserts the user together with the default settings preset.
	// Returns ErrUserExists when the username or email is taken.
	CreateUser(ctx context.Context, user *User) error
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	TouchUser(ctx context.Context, id string, at time.Time) error
}

// SettingsStore keeps one free-form settings document per user.
type SettingsStore interface {
	// GetSettings returns ErrNotFound when the user has no settings row.
	GetSettings(ctx context.Context, userID string) (map[string]any, error)
	SaveSettings(ctx context.Context, userID string, settings map[string]any) error
}

// ChatStore persists REST chat sessions.
type ChatStore interface {
	CreateChatSession(ctx context.Context, session *ChatSession) error
	GetChatSession(ctx context.Context, id string) (*ChatSession, error)
	SaveChatMessage(ctx context.Context, msg *ChatMessage) error
	// ListChatMessages returns the newest limit messages in chronological order.
	// A limit <= 0 returns the whole session.
	ListChatMessages(ctx context.Context, sessionID string, limit int) ([]*ChatMessage, error)
}

// Store is everything the gateway persists.
type Store interface {
	UserStore
	SettingsStore
	ChatStore

	Ping(ctx context.Context) error
	Close() error
}

// Compile-time interface checks
var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MockStore)(nil)
)
