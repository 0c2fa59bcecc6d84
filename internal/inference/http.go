// ABOUTME: Engine backed by an OpenAI-compatible chat completions endpoint with SSE streaming
// ABOUTME: Each exchange runs behind a circuit breaker so a failing backend is shed quickly

package inference

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"github.com/tidwall/gjson"

	"github.com/2389/jarvis-gateway/internal/config"
)

// ErrBackend wraps every failure reported by a remote inference backend.
var ErrBackend = errors.New("inference backend error")

// ErrBackendUnavailable is returned while the circuit breaker is open.
var ErrBackendUnavailable = errors.New("inference backend unavailable")

var errHeaderTimeout = errors.New("no response headers")

const (
	completionsPath = "/v1/chat/completions"
	sseDataPrefix   = "data:"
	sseDone         = "[DONE]"
	maxSSELine      = 1 << 20

	// finishToolCalls marks an answer that proposes an action the user has to
	// confirm before it runs.
	finishToolCalls = "tool_calls"
)

// HTTPEngine streams answers from a remote chat completions API.
type HTTPEngine struct {
	endpoint string
	apiKey   string
	model    string
	timeout  time.Duration
	client   *http.Client
	breaker  *gobreaker.TwoStepCircuitBreaker
	logger   *slog.Logger
}

// NewHTTPEngine creates an HTTPEngine from cfg. cfg.URL is the API base, for
// example http://localhost:8080.
func NewHTTPEngine(cfg config.InferenceConfig, logger *slog.Logger) (*HTTPEngine, error) {
	if cfg.URL == "" {
		return nil, errors.New("inference.url is required for the http backend")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "inference", "backend", config.BackendHTTP)

	maxFailures := cfg.BreakerMaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}

	e := &HTTPEngine{
		endpoint: strings.TrimRight(cfg.URL, "/") + completionsPath,
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		timeout:  cfg.Timeout,
		client:   &http.Client{},
		logger:   logger,
	}
	e.breaker = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        "inference",
		MaxRequests: 1,
		Timeout:     cfg.BreakerReset,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("inference circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	return e, nil
}

// Converse implements Engine.
func (e *HTTPEngine) Converse(ctx context.Context, transcript []Message) (<-chan StreamEvent, error) {
	if len(transcript) == 0 {
		return nil, ErrEmptyTranscript
	}

	done, err := e.breaker.Allow()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}

	body, err := e.requestBody(transcript, ParamsFromContext(ctx))
	if err != nil {
		done(true)
		return nil, err
	}

	// The timeout covers the wait for response headers. Once the stream
	// starts, only ctx ends it, so long generations are not cut off.
	reqCtx, cancel := context.WithCancelCause(ctx)
	var headerTimer *time.Timer
	if e.timeout > 0 {
		headerTimer = time.AfterFunc(e.timeout, func() { cancel(errHeaderTimeout) })
	}

	resp, err := e.send(reqCtx, body)
	if headerTimer != nil {
		headerTimer.Stop()
	}
	if err != nil {
		if errors.Is(context.Cause(reqCtx), errHeaderTimeout) {
			err = fmt.Errorf("%w: %w after %s", ErrBackend, errHeaderTimeout, e.timeout)
		}
		cancel(nil)
		done(ctx.Err() != nil)
		return nil, err
	}

	ch := make(chan StreamEvent)
	go func() {
		defer close(ch)
		defer cancel(nil)
		defer resp.Body.Close()

		streamErr := e.stream(reqCtx, resp.Body, ch)
		// A caller that went away is not a backend failure.
		done(streamErr == nil || ctx.Err() != nil)
		if streamErr != nil && ctx.Err() == nil {
			e.logger.Warn("inference stream failed", "error", streamErr)
			select {
			case ch <- StreamEvent{Err: streamErr}:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}

func (e *HTTPEngine) send(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building inference request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBackend, err)
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := gjson.GetBytes(raw, "error.message").String()
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return nil, fmt.Errorf("%w: status %d: %s", ErrBackend, resp.StatusCode, msg)
	}
	return resp, nil
}

// stream forwards SSE chunks from r as token events and finishes with a
// terminal event. It returns nil once the terminal event was delivered.
func (e *HTTPEngine) stream(ctx context.Context, r io.Reader, ch chan<- StreamEvent) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)

	var awaitConfirmation, finished bool
	emit := func(ev StreamEvent) error {
		select {
		case ch <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, sseDataPrefix) {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, sseDataPrefix))
		if data == sseDone {
			return emit(StreamEvent{Terminal: true, AwaitConfirmation: awaitConfirmation})
		}
		if !gjson.Valid(data) {
			return fmt.Errorf("%w: malformed stream chunk", ErrBackend)
		}

		chunk := gjson.Parse(data)
		if msg := chunk.Get("error.message"); msg.Exists() {
			return fmt.Errorf("%w: %s", ErrBackend, msg.String())
		}
		if token := chunk.Get("choices.0.delta.content").String(); token != "" {
			if err := emit(StreamEvent{Token: token}); err != nil {
				return err
			}
		}
		if reason := chunk.Get("choices.0.finish_reason"); reason.Exists() && reason.Type != gjson.Null {
			finished = true
			awaitConfirmation = reason.String() == finishToolCalls
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: reading stream: %w", ErrBackend, err)
	}
	if finished {
		return emit(StreamEvent{Terminal: true, AwaitConfirmation: awaitConfirmation})
	}
	return fmt.Errorf("%w: %w", ErrBackend, io.ErrUnexpectedEOF)
}

type chatRequest struct {
	Model             string        `json:"model,omitempty"`
	Messages          []chatMessage `json:"messages"`
	Stream            bool          `json:"stream"`
	Temperature       *float64      `json:"temperature,omitempty"`
	TopK              int           `json:"top_k,omitempty"`
	RepetitionPenalty float64       `json:"repetition_penalty,omitempty"`
	MaxTokens         int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

func (e *HTTPEngine) requestBody(transcript []Message, p Params) ([]byte, error) {
	req := chatRequest{
		Model:             e.model,
		Stream:            true,
		TopK:              p.TopK,
		RepetitionPenalty: p.RepetitionPenalty,
		MaxTokens:         p.MaxNewTokens,
	}
	if p.Temperature > 0 {
		t := p.Temperature
		req.Temperature = &t
	}
	for _, m := range transcript {
		req.Messages = append(req.Messages, toChatMessage(m))
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding inference request: %w", err)
	}
	return body, nil
}

func toChatMessage(m Message) chatMessage {
	if len(m.Attachments) == 0 {
		return chatMessage{Role: m.Role, Content: m.Content}
	}

	parts := make([]contentPart, 0, len(m.Attachments)+1)
	text := m.Content
	for _, a := range m.Attachments {
		if a.IsImage() {
			parts = append(parts, contentPart{
				Type:     "image_url",
				ImageURL: &imageURL{URL: "data:" + a.MimeType + ";base64," + base64.StdEncoding.EncodeToString(a.Data)},
			})
			continue
		}
		text += fmt.Sprintf("\n[attachment %s (%s, %d bytes)]", a.Filename, a.MimeType, len(a.Data))
	}
	return chatMessage{
		Role:    m.Role,
		Content: append([]contentPart{{Type: "text", Text: text}}, parts...),
	}
}
