// ABOUTME: WebSocket handshake: accept, authenticate, register, relay, clean up
// ABOUTME: Authentication happens on the upgraded socket so failures carry a close code

package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/2389/jarvis-gateway/internal/auth"
	"github.com/2389/jarvis-gateway/internal/conversation"
	"github.com/2389/jarvis-gateway/internal/metrics"
	"github.com/2389/jarvis-gateway/internal/session"
	"github.com/2389/jarvis-gateway/internal/store"
)

// Close reasons
const (
	reasonAuthFailed  = "authentication failed"
	reasonUnavailable = "identity store unavailable"
)

// departureTimeout bounds the "left" announcement, which runs after the
// request context may already be gone.
const departureTimeout = 10 * time.Second

// userToucher records when a user was last seen. Optional.
type userToucher interface {
	TouchUser(ctx context.Context, id string, at time.Time) error
}

// Handshake serves GET /ws. Each accepted socket is authenticated from the
// upgrade request, registered and then owned by the relay until it ends.
type Handshake struct {
	authn       *auth.Authenticator
	registry    *session.Registry
	broadcaster *conversation.Broadcaster
	relay       *conversation.Relay
	users       userToucher
	metrics     *metrics.Metrics
	logger      *slog.Logger

	acceptOptions *websocket.AcceptOptions
	readLimit     int64
	writeTimeout  time.Duration
	closeTimeout  time.Duration
}

// HandshakeConfig carries the collaborators of a Handshake.
type HandshakeConfig struct {
	Authenticator *auth.Authenticator
	Registry      *session.Registry
	Broadcaster   *conversation.Broadcaster
	Relay         *conversation.Relay
	Users         store.UserStore // optional, for last-seen tracking
	Metrics       *metrics.Metrics
	Logger        *slog.Logger

	AllowedOrigins []string
	ReadLimit      int64
	WriteTimeout   time.Duration
	CloseTimeout   time.Duration
}

// NewHandshake creates the /ws handler.
func NewHandshake(cfg HandshakeConfig) *Handshake {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handshake{
		authn:       cfg.Authenticator,
		registry:    cfg.Registry,
		broadcaster: cfg.Broadcaster,
		relay:       cfg.Relay,
		metrics:     cfg.Metrics,
		logger:      logger.With("component", "handshake"),
		acceptOptions: &websocket.AcceptOptions{
			OriginPatterns: cfg.AllowedOrigins,
		},
		readLimit:    cfg.ReadLimit,
		writeTimeout: cfg.WriteTimeout,
		closeTimeout: cfg.CloseTimeout,
	}
	if cfg.Users != nil {
		h.users = cfg.Users
	}
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handshake) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, h.acceptOptions)
	if err != nil {
		// Accept has already written the HTTP error.
		h.logger.Debug("websocket accept failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	if h.readLimit > 0 {
		ws.SetReadLimit(h.readLimit)
	}

	conn := session.NewConnection(r.Context(), session.NewWebSocketTransport(ws, h.writeTimeout, h.closeTimeout))
	conn.BeginAuth()

	identity, err := h.authn.Authenticate(r)
	if err != nil {
		h.fail(conn, r, err)
		return
	}
	h.metrics.Handshake(metrics.HandshakeAccepted)

	conn.Bind(identity.UserID, identity.DisplayName)
	if _, err := h.registry.Put(conn); err != nil {
		h.logger.Error("registering connection", "error", err)
		_ = conn.Close(session.CloseInternalError, "registration failed")
		return
	}

	ctx := conn.Context()
	if h.users != nil {
		if err := h.users.TouchUser(ctx, identity.UserID, time.Now().UTC()); err != nil {
			h.logger.Warn("updating last seen", "user_id", identity.UserID, "error", err)
		}
	}

	h.broadcaster.Announce(ctx, conversation.NewPresenceEvent(identity.UserID, identity.DisplayName, conversation.PresenceJoined), conn)

	reason := h.relay.Serve(ctx, conn)
	h.logEnd(conn, reason)

	released := h.registry.Release(conn)
	_ = conn.Close(session.CloseNormal, "")

	if released {
		leftCtx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), departureTimeout)
		defer cancel()
		h.broadcaster.Announce(leftCtx, conversation.NewPresenceEvent(identity.UserID, identity.DisplayName, conversation.PresenceLeft), nil)
	}
}

func (h *Handshake) fail(conn *session.Connection, r *http.Request, err error) {
	if errors.Is(err, auth.ErrIdentityUnavailable) {
		h.metrics.Handshake(metrics.HandshakeUnavailable)
		h.logger.Error("handshake aborted, identity store unavailable", "error", err, "remote", r.RemoteAddr)
		_ = conn.Close(session.CloseInternalError, reasonUnavailable)
		return
	}
	h.metrics.Handshake(metrics.HandshakeRejected)
	h.logger.Info("handshake rejected", "error", err, "remote", r.RemoteAddr)
	_ = conn.Reject(reasonAuthFailed)
}

func (h *Handshake) logEnd(conn *session.Connection, reason error) {
	attrs := []any{"user_id", conn.UserID, "connection_id", conn.ID, "reason", reason}
	switch {
	case reason == nil,
		errors.Is(reason, io.EOF),
		errors.Is(reason, session.ErrSuperseded),
		errors.Is(reason, session.ErrClosed),
		errors.Is(reason, context.Canceled):
		h.logger.Debug("relay ended", attrs...)
	default:
		switch websocket.CloseStatus(reason) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			h.logger.Debug("relay ended", attrs...)
		default:
			h.logger.Warn("relay ended with error", attrs...)
		}
	}
}
