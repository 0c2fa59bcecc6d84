// ABOUTME: Tests for the HTTP routes: accounts, settings, REST chat, presence and health
// ABOUTME: Drives the real router through httptest with cookie and bearer credentials

package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/jarvis-gateway/internal/auth"
	"github.com/2389/jarvis-gateway/internal/store"
)

func (tg *testGateway) do(t *testing.T, client *http.Client, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = strings.NewReader(string(data))
	}
	req, err := http.NewRequestWithContext(context.Background(), method, tg.srv.URL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if client == nil {
		client = tg.srv.Client()
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func decodeBody[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), "body: %s", data)
	return v
}

func TestAPI_Health(t *testing.T) {
	tg := newTestGateway(t, nil)

	resp, body := tg.do(t, nil, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))

	resp, body = tg.do(t, nil, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "0 sessions")

	resp, body = tg.do(t, nil, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "jarvis_gateway_")
}

func TestAPI_RegisterLoginLogout(t *testing.T) {
	tg := newTestGateway(t, nil)

	reg := RegisterRequest{Username: "ada", Email: "ada@example.com", Password: "analytical-engine", DisplayName: "Ada"}
	resp, body := tg.do(t, nil, http.MethodPost, "/auth/register", "", reg)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	user := decodeBody[UserResponse](t, body)
	assert.NotEmpty(t, user.ID)
	assert.Equal(t, "ada", user.Username)
	assert.Equal(t, "Ada", user.DisplayName)
	assert.True(t, user.IsActive)

	resp, body = tg.do(t, nil, http.MethodPost, "/auth/register", "", reg)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), errRegisterUserExists)

	weak := RegisterRequest{Username: "bob", Email: "bob@example.com", Password: "short"}
	resp, body = tg.do(t, nil, http.MethodPost, "/auth/register", "", weak)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), errRegisterInvalid)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := &http.Client{Jar: jar}

	// Form login by email sets the cookie.
	form := url.Values{"username": {"ada@example.com"}, "password": {"analytical-engine"}}
	loginResp, err := client.PostForm(tg.srv.URL+"/auth/jwt/login", form)
	require.NoError(t, err)
	loginBody, err := io.ReadAll(loginResp.Body)
	require.NoError(t, err)
	loginResp.Body.Close()
	require.Equal(t, http.StatusOK, loginResp.StatusCode, string(loginBody))
	login := decodeBody[LoginResponse](t, loginBody)
	assert.Equal(t, "bearer", login.TokenType)
	assert.NotEmpty(t, login.AccessToken)

	var cookie *http.Cookie
	for _, c := range loginResp.Cookies() {
		if c.Name == "bonds" {
			cookie = c
		}
	}
	require.NotNil(t, cookie)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, login.AccessToken, cookie.Value)

	// The cookie alone authenticates API calls.
	resp, _ = tg.do(t, client, http.MethodGet, "/api/v1/user/settings", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = tg.do(t, client, http.MethodPost, "/auth/jwt/logout", "", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = tg.do(t, client, http.MethodGet, "/api/v1/user/settings", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// JSON login by username.
	resp, body = tg.do(t, nil, http.MethodPost, "/auth/jwt/login", "", map[string]string{"username": "ada", "password": "analytical-engine"})
	assert.Equal(t, http.StatusOK, resp.StatusCode, string(body))
}

func TestAPI_LoginBadCredentials(t *testing.T) {
	tg := newTestGateway(t, nil)
	tg.addUser(t, "u1", "Ada")

	tests := []struct {
		name     string
		username string
		password string
	}{
		{"wrong password", "u1", "nope-nope-nope"},
		{"unknown user", "ghost", "correct horse"},
		{"unknown email", "ghost@example.com", "correct horse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := tg.do(t, nil, http.MethodPost, "/auth/jwt/login", "", map[string]string{"username": tt.username, "password": tt.password})
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Contains(t, string(body), errLoginBadCredentials)
		})
	}
}

func TestAPI_Settings(t *testing.T) {
	tg := newTestGateway(t, nil)
	token := tg.addUser(t, "u1", "Ada")

	resp, _ := tg.do(t, nil, http.MethodGet, "/api/v1/user/settings", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	settings := map[string]any{store.SettingTemperature: 0.2, store.SettingMaxNewTokens: float64(64)}
	resp, body := tg.do(t, nil, http.MethodPost, "/api/v1/user/settings", token, settings)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Contains(t, string(body), "Settings updated")

	resp, body = tg.do(t, nil, http.MethodGet, "/api/v1/user/settings", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeBody[map[string]any](t, body)
	assert.Equal(t, 0.2, got[store.SettingTemperature])
	assert.Equal(t, float64(64), got[store.SettingMaxNewTokens])

	resp, _ = tg.do(t, nil, http.MethodPost, "/api/v1/user/settings", token, []int{1, 2})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_ChatSessionFlow(t *testing.T) {
	tg := newTestGateway(t, nil)
	token := tg.addUser(t, "u1", "Ada")
	other := tg.addUser(t, "u2", "Bob")

	resp, body := tg.do(t, nil, http.MethodPost, "/api/v1/agents/jarvis/sessions", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	sessionID := decodeBody[map[string]string](t, body)["id"]
	require.NotEmpty(t, sessionID)
	path := "/api/v1/sessions/" + sessionID + "/messages"

	resp, body = tg.do(t, nil, http.MethodPost, path, token, MessageRequest{Role: "user", Content: "hello"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	msg := decodeBody[MessageResponse](t, body)
	assert.Equal(t, "You said: hello", msg.Response)
	assert.Equal(t, "ACTIVE", msg.State)

	resp, _ = tg.do(t, nil, http.MethodPost, path, token, MessageRequest{Role: "user", Content: "   "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = tg.do(t, nil, http.MethodPost, path, token, MessageRequest{Role: "assistant", Content: "hi"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = tg.do(t, nil, http.MethodGet, path, token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	history := decodeBody[struct {
		Messages []HistoryMessage `json:"messages"`
	}](t, body)
	require.Len(t, history.Messages, 2)
	assert.Equal(t, "user", history.Messages[0].Role)
	assert.Equal(t, "hello", history.Messages[0].Content)
	assert.Equal(t, "assistant", history.Messages[1].Role)
	assert.Equal(t, "You said: hello", history.Messages[1].Content)

	resp, body = tg.do(t, nil, http.MethodGet, path+"?limit=1", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decodeBody[struct {
		Messages []HistoryMessage `json:"messages"`
	}](t, body).Messages, 1)

	resp, _ = tg.do(t, nil, http.MethodGet, path+"?limit=zero", token, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Another user cannot see or post to the session.
	resp, _ = tg.do(t, nil, http.MethodGet, path, other, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = tg.do(t, nil, http.MethodPost, path, other, MessageRequest{Content: "hi"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = tg.do(t, nil, http.MethodGet, "/api/v1/sessions/missing/messages", token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_Online(t *testing.T) {
	tg := newTestGateway(t, nil)
	token := tg.addUser(t, "u1", "Ada")
	tg.dial(t, bearer(token))
	tg.waitRegistered(t, 1)

	resp, body := tg.do(t, nil, http.MethodGet, "/api/v1/online", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	online := decodeBody[struct {
		Users []OnlineUser `json:"users"`
		Count int          `json:"count"`
	}](t, body)
	assert.Equal(t, 1, online.Count)
	require.Len(t, online.Users, 1)
	assert.Equal(t, "u1", online.Users[0].UserID)
	assert.Equal(t, "Ada", online.Users[0].DisplayName)
}

func TestAPI_IdentityStoreOutage(t *testing.T) {
	ms := store.NewMockStore()
	tg := newTestGateway(t, ms)
	ms.AddUser(&store.User{ID: "u1", Username: "ada", IsActive: true})
	token := tg.token(t, "u1")
	ms.GetUserErr = assert.AnError

	resp, _ := tg.do(t, nil, http.MethodGet, "/api/v1/online", token, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestCORSOrigins(t *testing.T) {
	got := corsOrigins([]string{"localhost:3000", "https://app.example.com"})
	assert.Equal(t, []string{"http://localhost:3000", "https://localhost:3000", "https://app.example.com"}, got)
}

func TestAPI_AdminDisconnect(t *testing.T) {
	tg := newTestGateway(t, nil)
	userToken := tg.addUser(t, "u1", "Ada")
	watcherToken := tg.addUser(t, "u2", "Bob")

	hash, err := auth.HashPassword("correct horse")
	require.NoError(t, err)
	require.NoError(t, tg.store.CreateUser(context.Background(), &store.User{
		ID: "root", Username: "root", Email: "root@example.com", PasswordHash: hash,
		Role: store.RoleAdmin, IsActive: true,
	}))
	adminToken := tg.token(t, "root")

	watcher := tg.dial(t, bearer(watcherToken))
	tg.waitRegistered(t, 1)
	c := tg.dial(t, bearer(userToken))
	f, err := readFrame(t, watcher, 3*time.Second)
	require.NoError(t, err)
	require.Equal(t, "joined", f.Status)

	resp, _ := tg.do(t, nil, http.MethodDelete, "/api/v1/admin/sessions/u1", userToken, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = tg.do(t, nil, http.MethodDelete, "/api/v1/admin/sessions/u1", adminToken, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, websocket.StatusPolicyViolation, closeStatus(t, c))

	f, err = readFrame(t, watcher, 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "u1", f.UserID)
	assert.Equal(t, "left", f.Status)
	tg.waitRegistered(t, 1)

	resp, _ = tg.do(t, nil, http.MethodDelete, "/api/v1/admin/sessions/u1", adminToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
