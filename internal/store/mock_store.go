// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject identity store failures

package store

import (
	"context"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	users    map[string]*User          // keyed by user ID
	settings map[string]map[string]any // keyed by user ID
	sessions map[string]*ChatSession   // keyed by session ID
	messages map[string][]*ChatMessage // keyed by session ID

	// GetUserErr, when set, is returned by GetUser to simulate an outage.
	GetUserErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		users:    make(map[string]*User),
		settings: make(map[string]map[string]any),
		sessions: make(map[string]*ChatSession),
		messages: make(map[string][]*ChatMessage),
	}
}

// AddUser stores a user directly, without default settings or uniqueness checks.
func (m *MockStore) AddUser(user *User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := *user
	m.users[u.ID] = &u
}

// CreateUser stores a new user with the default settings preset.
func (m *MockStore) CreateUser(ctx context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	email := strings.ToLower(user.Email)
	for _, existing := range m.users {
		if existing.Username == user.Username || existing.Email == email {
			return ErrUserExists
		}
	}

	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	if user.Role == "" {
		user.Role = RoleUser
	}

	u := *user
	u.Email = email
	m.users[u.ID] = &u
	m.settings[u.ID] = DefaultSettings()
	return nil
}

// GetUser retrieves a user by ID.
func (m *MockStore) GetUser(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.GetUserErr != nil {
		return nil, m.GetUserErr
	}
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *u
	return &result, nil
}

// GetUserByUsername retrieves a user by username.
func (m *MockStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return m.findUser(func(u *User) bool { return u.Username == username })
}

// GetUserByEmail retrieves a user by email.
func (m *MockStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	email = strings.ToLower(email)
	return m.findUser(func(u *User) bool { return u.Email == email })
}

func (m *MockStore) findUser(match func(*User) bool) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, u := range m.users {
		if match(u) {
			result := *u
			return &result, nil
		}
	}
	return nil, ErrNotFound
}

// TouchUser records the last-seen time.
func (m *MockStore) TouchUser(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	t := at.UTC()
	u.LastSeenAt = &t
	return nil
}

// GetSettings returns a copy of the user's settings.
func (m *MockStore) GetSettings(ctx context.Context, userID string) (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.settings[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return maps.Clone(s), nil
}

// SaveSettings replaces the user's settings.
func (m *MockStore) SaveSettings(ctx context.Context, userID string, settings map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[userID]; !ok {
		return ErrNotFound
	}
	if settings == nil {
		settings = map[string]any{}
	}
	m.settings[userID] = maps.Clone(settings)
	return nil
}

// CreateChatSession stores a chat session.
func (m *MockStore) CreateChatSession(ctx context.Context, session *ChatSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	cs := *session
	m.sessions[cs.ID] = &cs
	return nil
}

// GetChatSession retrieves a chat session by ID.
func (m *MockStore) GetChatSession(ctx context.Context, id string) (*ChatSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cs, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *cs
	return &result, nil
}

// SaveChatMessage appends a message to its session.
func (m *MockStore) SaveChatMessage(ctx context.Context, msg *ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	cm := *msg
	m.messages[cm.SessionID] = append(m.messages[cm.SessionID], &cm)
	return nil
}

// ListChatMessages returns the newest limit messages, oldest first.
func (m *MockStore) ListChatMessages(ctx context.Context, sessionID string, limit int) ([]*ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.messages[sessionID]
	sorted := make([]*ChatMessage, len(all))
	for i, msg := range all {
		cm := *msg
		sorted[i] = &cm
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	if limit > 0 && len(sorted) > limit {
		sorted = sorted[len(sorted)-limit:]
	}
	return sorted, nil
}

// Ping always succeeds.
func (m *MockStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}
