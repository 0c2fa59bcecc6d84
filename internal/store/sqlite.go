// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides user, settings and chat persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed. ":memory:" opens a private
// in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store", "driver", "sqlite")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// In-memory databases are per connection.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id            TEXT PRIMARY KEY,
			username      TEXT NOT NULL UNIQUE,
			email         TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			display_name  TEXT NOT NULL DEFAULT '',
			role          TEXT NOT NULL DEFAULT 'user',
			is_active     INTEGER NOT NULL DEFAULT 1,
			is_verified   INTEGER NOT NULL DEFAULT 0,
			created_at    TEXT NOT NULL,

			CHECK (role IN ('user', 'admin'))
		);

		CREATE TABLE IF NOT EXISTS user_settings (
			user_id       TEXT PRIMARY KEY,
			settings_json TEXT NOT NULL,
			updated_at    TEXT NOT NULL,
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS chat_sessions (
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			agent_id   TEXT NOT NULL,
			created_at TEXT NOT NULL,
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_chat_sessions_user ON chat_sessions(user_id);

		CREATE TABLE IF NOT EXISTS chat_messages (
			id            TEXT PRIMARY KEY,
			session_id    TEXT NOT NULL,
			role          TEXT NOT NULL,
			content       TEXT NOT NULL,
			metadata_json TEXT,
			created_at    TEXT NOT NULL,
			FOREIGN KEY (session_id) REFERENCES chat_sessions(id) ON DELETE CASCADE,

			CHECK (role IN ('user', 'assistant'))
		);

		CREATE INDEX IF NOT EXISTS idx_chat_messages_session_created
			ON chat_messages(session_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		check  string
		apply  string
		table  string
		column string
	}{
		{
			check:  `SELECT 1 FROM pragma_table_info('users') WHERE name = 'last_seen_at'`,
			apply:  `ALTER TABLE users ADD COLUMN last_seen_at TEXT`,
			table:  "users",
			column: "last_seen_at",
		},
	}

	for _, m := range migrations {
		var exists int
		if err := s.db.QueryRow(m.check).Scan(&exists); err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Ping verifies the database is reachable
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// CreateUser inserts a user and its default settings in one transaction.
// An empty ID is filled with a new UUID and a zero CreatedAt with the current time.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	if user.Role == "" {
		user.Role = RoleUser
	}

	settingsJSON, err := encodeSettings(DefaultSettings())
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO users (id, username, email, password_hash, display_name, role, is_active, is_verified, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		user.ID,
		user.Username,
		strings.ToLower(user.Email),
		user.PasswordHash,
		user.DisplayName,
		user.Role,
		boolToInt(user.IsActive),
		boolToInt(user.IsVerified),
		user.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrUserExists
		}
		return fmt.Errorf("inserting user: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO user_settings (user_id, settings_json, updated_at) VALUES (?, ?, ?)
	`, user.ID, settingsJSON, user.CreatedAt.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("inserting default settings: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing user: %w", err)
	}

	s.logger.Debug("created user", "id", user.ID, "username", user.Username)
	return nil
}

const selectUserColumns = `
	SELECT id, username, email, password_hash, display_name, role, is_active, is_verified, created_at, last_seen_at
	FROM users
`

// GetUser retrieves a user by ID.
// Returns ErrNotFound if the user doesn't exist.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, selectUserColumns+` WHERE id = ?`, id))
}

// GetUserByUsername retrieves a user by username.
func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, selectUserColumns+` WHERE username = ?`, username))
}

// GetUserByEmail retrieves a user by email, case-insensitively.
func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, selectUserColumns+` WHERE email = ?`, strings.ToLower(email)))
}

func (s *SQLiteStore) scanUser(row *sql.Row) (*User, error) {
	var u User
	var isActive, isVerified int
	var createdAtStr string
	var lastSeen sql.NullString

	err := row.Scan(
		&u.ID,
		&u.Username,
		&u.Email,
		&u.PasswordHash,
		&u.DisplayName,
		&u.Role,
		&isActive,
		&isVerified,
		&createdAtStr,
		&lastSeen,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}

	u.IsActive = isActive != 0
	u.IsVerified = isVerified != 0

	u.CreatedAt, err = time.Parse(timeFormat, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if lastSeen.Valid {
		t, err := time.Parse(timeFormat, lastSeen.String)
		if err != nil {
			return nil, fmt.Errorf("parsing last_seen_at: %w", err)
		}
		u.LastSeenAt = &t
	}

	return &u, nil
}

// TouchUser records the time the user last opened a session.
func (s *SQLiteStore) TouchUser(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_seen_at = ? WHERE id = ?`,
		at.UTC().Format(timeFormat), id,
	)
	if err != nil {
		return fmt.Errorf("updating last_seen_at: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetSettings returns the user's settings document.
// Returns ErrNotFound if the user has none.
func (s *SQLiteStore) GetSettings(ctx context.Context, userID string) (map[string]any, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT settings_json FROM user_settings WHERE user_id = ?`, userID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying settings: %w", err)
	}

	settings, err := decodeJSONObject([]byte(raw))
	if err != nil {
		return nil, err
	}
	if settings == nil {
		settings = map[string]any{}
	}
	return settings, nil
}

// SaveSettings replaces the user's settings document.
func (s *SQLiteStore) SaveSettings(ctx context.Context, userID string, settings map[string]any) error {
	raw, err := encodeSettings(settings)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_settings (user_id, settings_json, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			settings_json = excluded.settings_json,
			updated_at = excluded.updated_at
	`, userID, raw, time.Now().UTC().Format(timeFormat))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("saving settings: %w", err)
	}
	return nil
}

// CreateChatSession inserts a chat session. An empty ID is filled with a new UUID.
func (s *SQLiteStore) CreateChatSession(ctx context.Context, session *ChatSession) error {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_sessions (id, user_id, agent_id, created_at) VALUES (?, ?, ?, ?)
	`, session.ID, session.UserID, session.AgentID, session.CreatedAt.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("inserting chat session: %w", err)
	}
	return nil
}

// GetChatSession retrieves a chat session by ID.
func (s *SQLiteStore) GetChatSession(ctx context.Context, id string) (*ChatSession, error) {
	var cs ChatSession
	var createdAtStr string

	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, agent_id, created_at FROM chat_sessions WHERE id = ?`, id,
	).Scan(&cs.ID, &cs.UserID, &cs.AgentID, &createdAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying chat session: %w", err)
	}

	cs.CreatedAt, err = time.Parse(timeFormat, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &cs, nil
}

// SaveChatMessage appends a message to its session.
func (s *SQLiteStore) SaveChatMessage(ctx context.Context, msg *ChatMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	var metadata string
	if len(msg.Metadata) > 0 {
		raw, err := encodeSettings(msg.Metadata)
		if err != nil {
			return err
		}
		metadata = raw
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_messages (id, session_id, role, content, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		msg.ID,
		msg.SessionID,
		msg.Role,
		msg.Content,
		nullString(metadata),
		msg.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting chat message: %w", err)
	}
	return nil
}

// ListChatMessages returns the newest limit messages of a session, oldest first.
func (s *SQLiteStore) ListChatMessages(ctx context.Context, sessionID string, limit int) ([]*ChatMessage, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, metadata_json, created_at FROM (
			SELECT id, session_id, role, content, metadata_json, created_at, rowid AS seq
			FROM chat_messages
			WHERE session_id = ?
			ORDER BY created_at DESC, seq DESC
			LIMIT ?
		) ORDER BY created_at ASC, seq ASC
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying chat messages: %w", err)
	}
	defer rows.Close()

	var messages []*ChatMessage
	for rows.Next() {
		var m ChatMessage
		var metadata sql.NullString
		var createdAtStr string

		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &metadata, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning chat message: %w", err)
		}
		if metadata.Valid {
			m.Metadata, err = decodeJSONObject([]byte(metadata.String))
			if err != nil {
				return nil, err
			}
		}
		m.CreatedAt, err = time.Parse(timeFormat, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		messages = append(messages, &m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chat messages: %w", err)
	}
	return messages, nil
}
