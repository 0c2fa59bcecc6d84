// ABOUTME: HTTP routes: account endpoints, user settings, REST chat sessions, presence and health
// ABOUTME: Every /api/v1 route runs behind the same Authenticator as the websocket handshake

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/2389/jarvis-gateway/internal/auth"
	"github.com/2389/jarvis-gateway/internal/conversation"
	"github.com/2389/jarvis-gateway/internal/inference"
	"github.com/2389/jarvis-gateway/internal/session"
	"github.com/2389/jarvis-gateway/internal/store"
)

// Error details returned by the account endpoints
const (
	errRegisterUserExists  = "REGISTER_USER_ALREADY_EXISTS"
	errRegisterInvalid     = "REGISTER_INVALID_PASSWORD"
	errLoginBadCredentials = "LOGIN_BAD_CREDENTIALS"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// RegisterRequest is the JSON body of POST /auth/register.
type RegisterRequest struct {
	Username    string `json:"username"`
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name,omitempty"`
}

// UserResponse describes an account.
type UserResponse struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
	IsActive    bool   `json:"is_active"`
	IsVerified  bool   `json:"is_verified"`
}

// LoginResponse is returned by POST /auth/jwt/login.
type LoginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// MessageRequest is the JSON body of POST /api/v1/sessions/{session_id}/messages.
type MessageRequest struct {
	Role     string         `json:"role"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// MessageResponse is the answer to a posted message.
type MessageResponse struct {
	Response string `json:"response"`
	State    string `json:"state"`
}

// HistoryMessage is one persisted turn of a chat session.
type HistoryMessage struct {
	ID        string         `json:"id"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt string         `json:"created_at"`
}

// OnlineUser is one entry of GET /api/v1/online.
type OnlineUser struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	ConnectedAt string `json:"connected_at"`
}

// routes builds the chi router for every endpoint.
func (g *Gateway) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(g.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins(g.config.Gateway.AllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS", "DELETE", "PATCH", "PUT"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health endpoints - no auth required
	r.Get("/health", g.handleHealth)
	r.Get("/health/ready", g.handleReady)
	if g.config.Metrics.Enabled {
		r.Handle(g.config.Metrics.Path, g.metrics.Handler())
	}

	r.Get("/ws", g.handshake.ServeHTTP)

	authMiddleware := auth.HTTPAuthMiddleware(g.authn, g.logger)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", g.handleRegister)
		r.Post("/jwt/login", g.handleLogin)
		r.With(authMiddleware).Post("/jwt/logout", g.handleLogout)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(authMiddleware)
		r.Get("/user/settings", g.handleGetSettings)
		r.Post("/user/settings", g.handleSaveSettings)
		r.Post("/agents/{agent_id}/sessions", g.handleCreateSession)
		r.Post("/sessions/{session_id}/messages", g.handlePostMessage)
		r.Get("/sessions/{session_id}/messages", g.handleSessionHistory)
		r.Get("/online", g.handleOnline)

		r.With(auth.RequireAdminHTTP()).Delete("/admin/sessions/{user_id}", g.handleDisconnect)
	})

	return r
}

// corsOrigins turns websocket origin host patterns into CORS origins.
func corsOrigins(patterns []string) []string {
	var out []string
	for _, p := range patterns {
		if strings.Contains(p, "://") {
			out = append(out, p)
			continue
		}
		out = append(out, "http://"+p, "https://"+p)
	}
	return out
}

// requestLogger logs one line per request at debug level.
func (g *Gateway) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		g.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

func toUserResponse(u *store.User) UserResponse {
	return UserResponse{
		ID:          u.ID,
		Username:    u.Username,
		Email:       u.Email,
		DisplayName: u.Name(),
		Role:        u.Role,
		IsActive:    u.IsActive,
		IsVerified:  u.IsVerified,
	}
}

// handleRegister handles POST /auth/register.
func (g *Gateway) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)

	if err := auth.ValidateRegistration(req.Username, req.Email, req.Password); err != nil {
		detail := err.Error()
		if errors.Is(err, auth.ErrPasswordTooShort) || errors.Is(err, auth.ErrPasswordContainsMail) {
			detail = errRegisterInvalid + ": " + detail
		}
		g.sendJSONError(w, http.StatusBadRequest, detail)
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		g.logger.Error("hashing password", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	user := &store.User{
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: hash,
		DisplayName:  strings.TrimSpace(req.DisplayName),
		Role:         store.RoleUser,
		IsActive:     true,
	}
	if err := g.store.CreateUser(r.Context(), user); err != nil {
		if errors.Is(err, store.ErrUserExists) {
			g.sendJSONError(w, http.StatusBadRequest, errRegisterUserExists)
			return
		}
		g.logger.Error("creating user", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.logger.Info("user registered", "user_id", user.ID, "username", user.Username)
	writeJSON(w, http.StatusCreated, toUserResponse(user))
}

// loginCredentials reads username/password from a form or a JSON body.
func loginCredentials(w http.ResponseWriter, r *http.Request) (username, password string, err error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := decodeJSON(w, r, &body); err != nil {
			return "", "", err
		}
		return strings.TrimSpace(body.Username), body.Password, nil
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		return "", "", errors.New("invalid form body")
	}
	return strings.TrimSpace(r.PostForm.Get("username")), r.PostForm.Get("password"), nil
}

// handleLogin handles POST /auth/jwt/login. The username may be an email.
func (g *Gateway) handleLogin(w http.ResponseWriter, r *http.Request) {
	username, password, err := loginCredentials(w, r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if username == "" || password == "" {
		g.sendJSONError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	var user *store.User
	if strings.Contains(username, "@") {
		user, err = g.store.GetUserByEmail(r.Context(), username)
	} else {
		user, err = g.store.GetUserByUsername(r.Context(), username)
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		g.logger.Error("looking up user", "error", err)
		g.sendJSONError(w, http.StatusServiceUnavailable, "service unavailable")
		return
	}

	var hash string
	if user != nil {
		hash = user.PasswordHash
	}
	if !auth.CheckPassword(hash, password) || user == nil || !user.IsActive {
		g.sendJSONError(w, http.StatusBadRequest, errLoginBadCredentials)
		return
	}

	lifetime := g.config.Auth.TokenLifetime
	token, err := g.validator.Issue(user.ID, lifetime)
	if err != nil {
		g.logger.Error("issuing token", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     g.authn.CookieName(),
		Value:    token,
		Path:     "/",
		MaxAge:   int(lifetime / time.Second),
		HttpOnly: true,
		Secure:   g.config.Auth.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	g.logger.Info("user logged in", "user_id", user.ID)
	writeJSON(w, http.StatusOK, LoginResponse{AccessToken: token, TokenType: "bearer"})
}

// handleLogout handles POST /auth/jwt/logout by expiring the cookie.
func (g *Gateway) handleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     g.authn.CookieName(),
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   g.config.Auth.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

// handleGetSettings handles GET /api/v1/user/settings.
func (g *Gateway) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())
	settings, err := g.store.GetSettings(r.Context(), id.UserID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && settings == nil) {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	if err != nil {
		g.logger.Error("loading settings", "user_id", id.UserID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// handleSaveSettings handles POST /api/v1/user/settings. The body replaces
// the stored document.
func (g *Gateway) handleSaveSettings(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())

	var settings map[string]any
	if err := decodeJSON(w, r, &settings); err != nil || settings == nil {
		g.sendJSONError(w, http.StatusBadRequest, "settings must be a JSON object")
		return
	}
	if err := g.store.SaveSettings(r.Context(), id.UserID, settings); err != nil {
		g.logger.Error("saving settings", "user_id", id.UserID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Settings updated"})
}

// handleCreateSession handles POST /api/v1/agents/{agent_id}/sessions.
func (g *Gateway) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())
	cs, err := g.chat.StartSession(r.Context(), id.UserID, chi.URLParam(r, "agent_id"))
	if err != nil {
		g.logger.Error("creating chat session", "user_id", id.UserID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": cs.ID})
}

// handlePostMessage handles POST /api/v1/sessions/{session_id}/messages.
func (g *Gateway) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())

	var req MessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Role != "" && req.Role != store.ChatRoleUser {
		g.sendJSONError(w, http.StatusBadRequest, "role must be \"user\"")
		return
	}

	resp, err := g.chat.SendMessage(r.Context(), &conversation.SendRequest{
		SessionID: chi.URLParam(r, "session_id"),
		UserID:    id.UserID,
		Content:   req.Content,
		Metadata:  req.Metadata,
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, MessageResponse{Response: resp.Response, State: resp.State})
	case errors.Is(err, conversation.ErrEmptyMessage):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, conversation.ErrSessionNotFound):
		g.sendJSONError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, inference.ErrBackendUnavailable):
		g.sendJSONError(w, http.StatusServiceUnavailable, "inference backend unavailable")
	default:
		g.logger.Error("posting message", "user_id", id.UserID, "error", err)
		g.sendJSONError(w, http.StatusBadGateway, "inference failed")
	}
}

// handleSessionHistory handles GET /api/v1/sessions/{session_id}/messages.
func (g *Gateway) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())

	// Parse optional limit parameter (default 50, max 1000)
	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(parsed, 1000)
	}

	msgs, err := g.chat.History(r.Context(), chi.URLParam(r, "session_id"), id.UserID, limit)
	if errors.Is(err, conversation.ErrSessionNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		g.logger.Error("loading history", "user_id", id.UserID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	out := make([]HistoryMessage, len(msgs))
	for i, m := range msgs {
		out[i] = HistoryMessage{
			ID:        m.ID,
			Role:      m.Role,
			Content:   m.Content,
			Metadata:  m.Metadata,
			CreatedAt: m.CreatedAt.Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

// handleOnline handles GET /api/v1/online.
func (g *Gateway) handleOnline(w http.ResponseWriter, r *http.Request) {
	conns := g.registry.Snapshot()
	users := make([]OnlineUser, len(conns))
	for i, c := range conns {
		users[i] = OnlineUser{
			UserID:      c.UserID,
			DisplayName: c.DisplayName,
			ConnectedAt: c.ConnectedAt.Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users, "count": len(users)})
}

// handleDisconnect handles DELETE /api/v1/admin/sessions/{user_id}. The
// handshake goroutine owning the connection releases it and announces the
// departure.
func (g *Gateway) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	conn, ok := g.registry.Get(userID)
	if !ok {
		g.sendJSONError(w, http.StatusNotFound, "user not online")
		return
	}
	admin := auth.MustFromContext(r.Context())
	g.logger.Info("disconnecting user", "user_id", userID, "connection_id", conn.ID, "by", admin.UserID)
	_ = conn.Close(session.ClosePolicyViolation, "disconnected by administrator")
	w.WriteHeader(http.StatusNoContent)
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK when the store answers a ping.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := g.store.Ping(r.Context()); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready (" + strconv.Itoa(g.registry.Len()) + " sessions)"))
}
