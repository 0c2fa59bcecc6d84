// ABOUTME: PostgreSQL implementation of the Store interface using pgx connection pools
// ABOUTME: Same schema as the SQLite store in the Postgres dialect, created on open

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres error codes
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// PostgresStore implements the Store interface on a pgx pool
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore connects to databaseURL, verifies the connection and
// creates the schema if needed.
func NewPostgresStore(ctx context.Context, databaseURL string, maxConns int32) (*PostgresStore, error) {
	logger := slog.Default().With("component", "store", "driver", "postgres")

	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &PostgresStore{pool: pool, logger: logger}
	if err := s.createSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("Postgres store initialized", "host", cfg.ConnConfig.Host, "database", cfg.ConnConfig.Database)
	return s, nil
}

func (s *PostgresStore) createSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id            TEXT PRIMARY KEY,
			username      TEXT NOT NULL UNIQUE,
			email         TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			display_name  TEXT NOT NULL DEFAULT '',
			role          TEXT NOT NULL DEFAULT 'user' CHECK (role IN ('user', 'admin')),
			is_active     BOOLEAN NOT NULL DEFAULT TRUE,
			is_verified   BOOLEAN NOT NULL DEFAULT FALSE,
			created_at    TIMESTAMPTZ NOT NULL,
			last_seen_at  TIMESTAMPTZ
		);

		CREATE TABLE IF NOT EXISTS user_settings (
			user_id    TEXT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
			settings   JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS chat_sessions (
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			agent_id   TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_chat_sessions_user ON chat_sessions(user_id);

		CREATE TABLE IF NOT EXISTS chat_messages (
			seq        BIGSERIAL,
			id         TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
			role       TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
			content    TEXT NOT NULL,
			metadata   JSONB,
			created_at TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_chat_messages_session_created
			ON chat_messages(session_id, created_at, seq);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func pgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// Ping verifies the database is reachable
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool
func (s *PostgresStore) Close() error {
	s.logger.Info("closing Postgres store")
	s.pool.Close()
	return nil
}

// CreateUser inserts a user and its default settings in one transaction.
func (s *PostgresStore) CreateUser(ctx context.Context, user *User) error {
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

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO users (id, username, email, password_hash, display_name, role, is_active, is_verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		user.ID,
		user.Username,
		strings.ToLower(user.Email),
		user.PasswordHash,
		user.DisplayName,
		user.Role,
		user.IsActive,
		user.IsVerified,
		user.CreatedAt.UTC(),
	)
	if err != nil {
		if pgErrorCode(err) == pgUniqueViolation {
			return ErrUserExists
		}
		return fmt.Errorf("insert user: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO user_settings (user_id, settings, updated_at) VALUES ($1, $2::jsonb, $3)`,
		user.ID, settingsJSON, user.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert default settings: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit user: %w", err)
	}

	s.logger.Debug("created user", "id", user.ID, "username", user.Username)
	return nil
}

const selectUserColumnsPG = `
	SELECT id, username, email, password_hash, display_name, role, is_active, is_verified, created_at, last_seen_at
	FROM users
`

// GetUser retrieves a user by ID.
func (s *PostgresStore) GetUser(ctx context.Context, id string) (*User, error) {
	return scanUserRow(s.pool.QueryRow(ctx, selectUserColumnsPG+` WHERE id = $1`, id))
}

// GetUserByUsername retrieves a user by username.
func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return scanUserRow(s.pool.QueryRow(ctx, selectUserColumnsPG+` WHERE username = $1`, username))
}

// GetUserByEmail retrieves a user by email, case-insensitively.
func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return scanUserRow(s.pool.QueryRow(ctx, selectUserColumnsPG+` WHERE email = $1`, strings.ToLower(email)))
}

func scanUserRow(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(
		&u.ID,
		&u.Username,
		&u.Email,
		&u.PasswordHash,
		&u.DisplayName,
		&u.Role,
		&u.IsActive,
		&u.IsVerified,
		&u.CreatedAt,
		&u.LastSeenAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &u, nil
}

// TouchUser records the time the user last opened a session.
func (s *PostgresStore) TouchUser(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE users SET last_seen_at = $2 WHERE id = $1`, id, at.UTC())
	if err != nil {
		return fmt.Errorf("update last_seen_at: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetSettings returns the user's settings document.
func (s *PostgresStore) GetSettings(ctx context.Context, userID string) (map[string]any, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT settings FROM user_settings WHERE user_id = $1`, userID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query settings: %w", err)
	}

	settings, err := decodeJSONObject(raw)
	if err != nil {
		return nil, err
	}
	if settings == nil {
		settings = map[string]any{}
	}
	return settings, nil
}

// SaveSettings replaces the user's settings document.
func (s *PostgresStore) SaveSettings(ctx context.Context, userID string, settings map[string]any) error {
	raw, err := encodeSettings(settings)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO user_settings (user_id, settings, updated_at)
		VALUES ($1, $2::jsonb, now())
		ON CONFLICT (user_id) DO UPDATE SET settings = EXCLUDED.settings, updated_at = now()
	`, userID, raw)
	if err != nil {
		if pgErrorCode(err) == pgForeignKeyViolation {
			return ErrNotFound
		}
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

// CreateChatSession inserts a chat session.
func (s *PostgresStore) CreateChatSession(ctx context.Context, session *ChatSession) error {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO chat_sessions (id, user_id, agent_id, created_at) VALUES ($1, $2, $3, $4)`,
		session.ID, session.UserID, session.AgentID, session.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert chat session: %w", err)
	}
	return nil
}

// GetChatSession retrieves a chat session by ID.
func (s *PostgresStore) GetChatSession(ctx context.Context, id string) (*ChatSession, error) {
	var cs ChatSession
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, agent_id, created_at FROM chat_sessions WHERE id = $1`, id,
	).Scan(&cs.ID, &cs.UserID, &cs.AgentID, &cs.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query chat session: %w", err)
	}
	return &cs, nil
}

// SaveChatMessage appends a message to its session.
func (s *PostgresStore) SaveChatMessage(ctx context.Context, msg *ChatMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	var metadata any
	if len(msg.Metadata) > 0 {
		raw, err := encodeSettings(msg.Metadata)
		if err != nil {
			return err
		}
		metadata = raw
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO chat_messages (id, session_id, role, content, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6)
	`, msg.ID, msg.SessionID, msg.Role, msg.Content, metadata, msg.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert chat message: %w", err)
	}
	return nil
}

// ListChatMessages returns the newest limit messages of a session, oldest first.
func (s *PostgresStore) ListChatMessages(ctx context.Context, sessionID string, limit int) ([]*ChatMessage, error) {
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, role, content, metadata, created_at FROM (
			SELECT id, session_id, role, content, metadata, created_at, seq
			FROM chat_messages
			WHERE session_id = $1
			ORDER BY created_at DESC, seq DESC
			LIMIT $2
		) recent ORDER BY created_at ASC, seq ASC
	`, sessionID, limitArg)
	if err != nil {
		return nil, fmt.Errorf("query chat messages: %w", err)
	}
	defer rows.Close()

	var messages []*ChatMessage
	for rows.Next() {
		var m ChatMessage
		var metadata []byte
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &metadata, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		m.Metadata, err = decodeJSONObject(metadata)
		if err != nil {
			return nil, err
		}
		messages = append(messages, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat messages: %w", err)
	}
	return messages, nil
}
