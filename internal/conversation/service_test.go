// ABOUTME: Tests for the REST conversation service
// ABOUTME: Verifies record-first persistence, session ownership and engine failures

package conversation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/jarvis-gateway/internal/inference"
	"github.com/2389/jarvis-gateway/internal/store"
)

func createTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.CreateUser(context.Background(), &store.User{
		ID:           "u1",
		Username:     "ada",
		Email:        "ada@example.com",
		PasswordHash: "x",
		Role:         store.RoleUser,
		IsActive:     true,
	}))
	require.NoError(t, s.CreateUser(context.Background(), &store.User{
		ID:           "u2",
		Username:     "bob",
		Email:        "bob@example.com",
		PasswordHash: "x",
		Role:         store.RoleUser,
		IsActive:     true,
	}))
	return s
}

func TestService_SendMessage(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	svc := NewService(s, inference.NewEchoEngine(0), testLogger())

	cs, err := svc.StartSession(ctx, "u1", "jarvis")
	require.NoError(t, err)
	require.NotEmpty(t, cs.ID)

	resp, err := svc.SendMessage(ctx, &SendRequest{SessionID: cs.ID, UserID: "u1", Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "You said: hello", resp.Response)
	assert.Equal(t, StateActive, resp.State)
	assert.NotEmpty(t, resp.MessageID)

	history, err := svc.History(ctx, cs.ID, "u1", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, store.ChatRoleUser, history[0].Role)
	assert.Equal(t, "hello", history[0].Content)
	assert.Equal(t, store.ChatRoleAssistant, history[1].Role)
	assert.Equal(t, "You said: hello", history[1].Content)
}

func TestService_HistoryReachesEngine(t *testing.T) {
	ctx := context.Background()
	engine := &scriptedEngine{scripts: [][]inference.StreamEvent{hiThere(), hiThere()}}
	svc := NewService(createTestStore(t), engine, testLogger())

	cs, err := svc.StartSession(ctx, "u1", "jarvis")
	require.NoError(t, err)

	_, err = svc.SendMessage(ctx, &SendRequest{SessionID: cs.ID, UserID: "u1", Content: "one"})
	require.NoError(t, err)
	_, err = svc.SendMessage(ctx, &SendRequest{SessionID: cs.ID, UserID: "u1", Content: "two"})
	require.NoError(t, err)

	calls := engine.calls()
	require.Len(t, calls, 2)
	require.Len(t, calls[1], 3)
	assert.Equal(t, "one", calls[1][0].Content)
	assert.Equal(t, "Hi there", calls[1][1].Content)
	assert.Equal(t, "two", calls[1][2].Content)

	// Default settings preset reaches the engine.
	engine.mu.Lock()
	assert.Equal(t, 50, engine.params[0].TopK)
	engine.mu.Unlock()
}

func TestService_RecordsUserMessageOnEngineFailure(t *testing.T) {
	ctx := context.Background()
	engine := &scriptedEngine{errs: []error{errors.New("down")}}
	svc := NewService(createTestStore(t), engine, testLogger())

	cs, err := svc.StartSession(ctx, "u1", "jarvis")
	require.NoError(t, err)

	_, err = svc.SendMessage(ctx, &SendRequest{SessionID: cs.ID, UserID: "u1", Content: "hello"})
	require.Error(t, err)

	history, err := svc.History(ctx, cs.ID, "u1", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "hello", history[0].Content)
}

func TestService_SessionOwnership(t *testing.T) {
	ctx := context.Background()
	svc := NewService(createTestStore(t), inference.NewEchoEngine(0), testLogger())

	cs, err := svc.StartSession(ctx, "u1", "jarvis")
	require.NoError(t, err)

	_, err = svc.SendMessage(ctx, &SendRequest{SessionID: cs.ID, UserID: "u2", Content: "hi"})
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = svc.SendMessage(ctx, &SendRequest{SessionID: "nope", UserID: "u1", Content: "hi"})
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = svc.History(ctx, cs.ID, "u2", 10)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestService_Validation(t *testing.T) {
	ctx := context.Background()
	svc := NewService(createTestStore(t), inference.NewEchoEngine(0), testLogger())

	_, err := svc.StartSession(ctx, "u1", "")
	assert.Error(t, err)

	cs, err := svc.StartSession(ctx, "u1", "jarvis")
	require.NoError(t, err)
	_, err = svc.SendMessage(ctx, &SendRequest{SessionID: cs.ID, UserID: "u1", Content: "  "})
	assert.ErrorIs(t, err, ErrEmptyMessage)
}
