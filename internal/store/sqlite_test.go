// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Covers users, settings presets, chat sessions and message ordering/limiting

package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestNewSQLiteStore_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.CreateUser(context.Background(), &User{Username: "ada", Email: "ada@example.com", PasswordHash: "x", IsActive: true}))
	require.NoError(t, s.Close())

	// Schema creation and migrations must be idempotent.
	s, err = NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	u, err := s.GetUserByUsername(context.Background(), "ada")
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", u.Email)
}

func TestSQLiteStore_InMemory(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	assert.NoError(t, s.Ping(context.Background()))
}

func TestSQLiteStore_CreateAndGetUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user := &User{
		Username:     "ada",
		Email:        "Ada@Example.com",
		PasswordHash: "hash",
		DisplayName:  "Ada Lovelace",
		IsActive:     true,
	}
	require.NoError(t, s.CreateUser(ctx, user))
	require.NotEmpty(t, user.ID, "CreateUser should assign an ID")

	got, err := s.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "ada", got.Username)
	assert.Equal(t, "ada@example.com", got.Email, "email is stored lowercased")
	assert.Equal(t, "Ada Lovelace", got.Name())
	assert.Equal(t, RoleUser, got.Role)
	assert.True(t, got.IsActive)
	assert.False(t, got.IsVerified)
	assert.Nil(t, got.LastSeenAt)
	assert.WithinDuration(t, user.CreatedAt, got.CreatedAt, time.Millisecond)

	byName, err := s.GetUserByUsername(ctx, "ada")
	require.NoError(t, err)
	assert.Equal(t, user.ID, byName.ID)

	byEmail, err := s.GetUserByEmail(ctx, "ADA@example.com")
	require.NoError(t, err)
	assert.Equal(t, user.ID, byEmail.ID)
}

func TestSQLiteStore_GetUserNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetUser(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetUser() error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteStore_CreateUserDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateUser(ctx, &User{Username: "ada", Email: "ada@example.com", PasswordHash: "x"}))

	err := s.CreateUser(ctx, &User{Username: "ada", Email: "other@example.com", PasswordHash: "x"})
	assert.ErrorIs(t, err, ErrUserExists)

	err = s.CreateUser(ctx, &User{Username: "other", Email: "ADA@example.com", PasswordHash: "x"})
	assert.ErrorIs(t, err, ErrUserExists)
}

func TestSQLiteStore_TouchUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user := &User{Username: "ada", Email: "ada@example.com", PasswordHash: "x"}
	require.NoError(t, s.CreateUser(ctx, user))

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.TouchUser(ctx, user.ID, at))

	got, err := s.GetUser(ctx, user.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastSeenAt)
	assert.True(t, at.Equal(*got.LastSeenAt))

	assert.ErrorIs(t, s.TouchUser(ctx, "missing", at), ErrNotFound)
}

func TestSQLiteStore_Settings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user := &User{Username: "ada", Email: "ada@example.com", PasswordHash: "x"}
	require.NoError(t, s.CreateUser(ctx, user))

	// New users start with the default preset.
	settings, err := s.GetSettings(ctx, user.ID)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, settings[SettingTemperature], 0.0001)
	assert.InDelta(t, 512, settings[SettingMaxNewTokens], 0.0001)

	update := map[string]any{"temp": 0.3, "theme": "dark"}
	require.NoError(t, s.SaveSettings(ctx, user.ID, update))

	settings, err = s.GetSettings(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"temp": 0.3, "theme": "dark"}, settings)

	_, err = s.GetSettings(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.SaveSettings(ctx, "missing", update)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_ChatSessionsAndMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user := &User{Username: "ada", Email: "ada@example.com", PasswordHash: "x"}
	require.NoError(t, s.CreateUser(ctx, user))

	session := &ChatSession{UserID: user.ID, AgentID: "jarvis"}
	require.NoError(t, s.CreateChatSession(ctx, session))
	require.NotEmpty(t, session.ID)

	got, err := s.GetChatSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.UserID)
	assert.Equal(t, "jarvis", got.AgentID)

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		role := ChatRoleUser
		if i%2 == 1 {
			role = ChatRoleAssistant
		}
		msg := &ChatMessage{
			SessionID: session.ID,
			Role:      role,
			Content:   fmt.Sprintf("message %d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
		}
		if i == 0 {
			msg.Metadata = map[string]any{"lang": "en"}
		}
		require.NoError(t, s.SaveChatMessage(ctx, msg))
	}

	all, err := s.ListChatMessages(ctx, session.ID, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "message 0", all[0].Content)
	assert.Equal(t, map[string]any{"lang": "en"}, all[0].Metadata)
	assert.Equal(t, "message 4", all[4].Content)

	recent, err := s.ListChatMessages(ctx, session.ID, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "message 3", recent[0].Content)
	assert.Equal(t, "message 4", recent[1].Content)

	_, err = s.GetChatSession(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
