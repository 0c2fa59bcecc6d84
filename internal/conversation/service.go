// ABOUTME: Service behind the REST chat endpoints: sessions, persisted turns, one-shot exchanges
// ABOUTME: The user message is recorded before the engine runs so history survives engine failures

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/jarvis-gateway/internal/inference"
	"github.com/2389/jarvis-gateway/internal/store"
)

// ErrSessionNotFound is returned for unknown sessions and sessions of other users.
var ErrSessionNotFound = errors.New("chat session not found")

// ErrEmptyMessage is returned when a REST message has no content.
var ErrEmptyMessage = errors.New("message content is required")

// historyLimit bounds how many persisted turns are replayed to the engine.
const historyLimit = 50

// persistTimeout bounds writes that must finish even if the request is gone.
const persistTimeout = 5 * time.Second

// ConversationStore defines what the service needs from storage
type ConversationStore interface {
	store.ChatStore
	SettingsReader
}

// Service runs non-streaming exchanges for the REST API.
type Service struct {
	store  ConversationStore
	engine inference.Engine
	logger *slog.Logger
}

// NewService creates a Service.
func NewService(s ConversationStore, engine inference.Engine, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  s,
		engine: engine,
		logger: logger.With("component", "conversation"),
	}
}

// StartSession creates a chat session of userID with agentID.
func (s *Service) StartSession(ctx context.Context, userID, agentID string) (*store.ChatSession, error) {
	if agentID == "" {
		return nil, errors.New("agent_id is required")
	}
	cs := &store.ChatSession{UserID: userID, AgentID: agentID}
	if err := s.store.CreateChatSession(ctx, cs); err != nil {
		return nil, fmt.Errorf("creating chat session: %w", err)
	}
	s.logger.Debug("chat session created", "session_id", cs.ID, "user_id", userID, "agent_id", agentID)
	return cs, nil
}

// SendRequest is one user turn posted to a chat session.
type SendRequest struct {
	SessionID string
	UserID    string
	Content   string
	Metadata  map[string]any
}

// SendResponse is the collected assistant answer.
type SendResponse struct {
	MessageID string
	Response  string
	State     string
}

// SendMessage records the user turn, runs the engine over the session history
// and records the answer.
func (s *Service) SendMessage(ctx context.Context, req *SendRequest) (*SendResponse, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, ErrEmptyMessage
	}
	if _, err := s.session(ctx, req.SessionID, req.UserID); err != nil {
		return nil, err
	}

	userMsg := &store.ChatMessage{
		SessionID: req.SessionID,
		Role:      store.ChatRoleUser,
		Content:   req.Content,
		Metadata:  req.Metadata,
	}
	if err := s.store.SaveChatMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("recording message: %w", err)
	}

	history, err := s.store.ListChatMessages(ctx, req.SessionID, historyLimit)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	transcript := make([]inference.Message, 0, len(history))
	for _, m := range history {
		transcript = append(transcript, inference.Message{Role: m.Role, Content: m.Content, Metadata: m.Metadata})
	}

	ctx = inference.WithParams(ctx, s.params(ctx, req.UserID))
	events, err := s.engine.Converse(ctx, transcript)
	if err != nil {
		return nil, fmt.Errorf("inference: %w", err)
	}
	res, err := inference.Collect(ctx, events)
	if err != nil {
		drain(events)
		return nil, fmt.Errorf("inference: %w", err)
	}

	state := StateActive
	if res.AwaitConfirmation {
		state = StateWaitingForConfirmation
	}

	answer := &store.ChatMessage{
		SessionID: req.SessionID,
		Role:      store.ChatRoleAssistant,
		Content:   res.Text,
		Metadata:  map[string]any{"state": state},
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := s.store.SaveChatMessage(saveCtx, answer); err != nil {
		s.logger.Error("failed to record answer", "session_id", req.SessionID, "error", err)
	}

	return &SendResponse{MessageID: answer.ID, Response: res.Text, State: state}, nil
}

// History returns the newest limit turns of a session owned by userID.
func (s *Service) History(ctx context.Context, sessionID, userID string, limit int) ([]*store.ChatMessage, error) {
	if _, err := s.session(ctx, sessionID, userID); err != nil {
		return nil, err
	}
	return s.store.ListChatMessages(ctx, sessionID, limit)
}

func (s *Service) session(ctx context.Context, sessionID, userID string) (*store.ChatSession, error) {
	cs, err := s.store.GetChatSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	if cs.UserID != userID {
		return nil, ErrSessionNotFound
	}
	return cs, nil
}

func (s *Service) params(ctx context.Context, userID string) inference.Params {
	settings, err := s.store.GetSettings(ctx, userID)
	if err != nil {
		return inference.Params{}
	}
	return inference.ParamsFromSettings(settings)
}
