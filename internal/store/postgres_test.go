// ABOUTME: Integration tests for the Postgres store
// ABOUTME: Skipped unless JARVIS_TEST_DATABASE_URL points at a disposable database

package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPostgresTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("JARVIS_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("JARVIS_TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := NewPostgresStore(ctx, dsn, 4)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPostgresStore_UserLifecycle(t *testing.T) {
	s := newPostgresTestStore(t)
	ctx := context.Background()

	suffix := uuid.NewString()[:8]
	user := &User{
		Username:     "pg-" + suffix,
		Email:        "pg-" + suffix + "@example.com",
		PasswordHash: "x",
		IsActive:     true,
	}
	require.NoError(t, s.CreateUser(ctx, user))
	assert.ErrorIs(t, s.CreateUser(ctx, &User{Username: user.Username, Email: "dup-" + user.Email}), ErrUserExists)

	got, err := s.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, user.Username, got.Username)

	settings, err := s.GetSettings(ctx, user.ID)
	require.NoError(t, err)
	assert.Contains(t, settings, SettingTopK)

	require.NoError(t, s.TouchUser(ctx, user.ID, time.Now()))

	cs := &ChatSession{UserID: user.ID, AgentID: "jarvis"}
	require.NoError(t, s.CreateChatSession(ctx, cs))
	require.NoError(t, s.SaveChatMessage(ctx, &ChatMessage{SessionID: cs.ID, Role: ChatRoleUser, Content: "one"}))
	require.NoError(t, s.SaveChatMessage(ctx, &ChatMessage{SessionID: cs.ID, Role: ChatRoleAssistant, Content: "two", Metadata: map[string]any{"k": "v"}}))

	msgs, err := s.ListChatMessages(ctx, cs.ID, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "two", msgs[0].Content)
	assert.Equal(t, map[string]any{"k": "v"}, msgs[0].Metadata)
}
