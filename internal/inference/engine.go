// ABOUTME: Inference engine seam used by the realtime relay and the REST message endpoint
// ABOUTME: Defines transcript messages, stream events, sampling params and backend selection

package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/2389/jarvis-gateway/internal/config"
)

// Transcript roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrEmptyTranscript is returned when Converse is called without messages.
var ErrEmptyTranscript = errors.New("transcript is empty")

// ErrStreamEnded is returned by Collect when the event channel closes
// without a terminal event.
var ErrStreamEnded = errors.New("stream ended without terminal event")

// Attachment is a file or recording sent along with a user message.
type Attachment struct {
	Filename string
	MimeType string
	Data     []byte
}

// IsImage reports whether the attachment carries an image.
func (a Attachment) IsImage() bool {
	return strings.HasPrefix(a.MimeType, "image/")
}

// Message is one entry of a conversation transcript.
type Message struct {
	Role        string
	Content     string
	Attachments []Attachment
	Metadata    map[string]any
}

// StreamEvent is one item produced by an engine. Exactly one event per
// exchange is terminal: either Terminal is set or Err is non-nil.
type StreamEvent struct {
	Token             string
	Terminal          bool
	AwaitConfirmation bool
	Err               error
}

// Done reports whether the event ends the exchange.
func (e StreamEvent) Done() bool {
	return e.Terminal || e.Err != nil
}

// Engine produces a streamed assistant answer for a transcript. The returned
// channel is closed after the terminal event. Implementations stop producing
// and close the channel when ctx is cancelled.
type Engine interface {
	Converse(ctx context.Context, transcript []Message) (<-chan StreamEvent, error)
}

// Result is a fully collected answer.
type Result struct {
	Text              string
	AwaitConfirmation bool
}

// Collect drains ch into a single answer. It returns the engine error if the
// stream failed.
func Collect(ctx context.Context, ch <-chan StreamEvent) (Result, error) {
	var (
		b   strings.Builder
		res Result
	)
	for {
		select {
		case <-ctx.Done():
			return Result{Text: b.String()}, ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return Result{Text: b.String()}, ErrStreamEnded
			}
			if ev.Err != nil {
				return Result{Text: b.String()}, ev.Err
			}
			b.WriteString(ev.Token)
			if ev.Terminal {
				res.Text = b.String()
				res.AwaitConfirmation = ev.AwaitConfirmation
				return res, nil
			}
		}
	}
}

// lastUserMessage returns the last user entry of the transcript.
func lastUserMessage(transcript []Message) (Message, bool) {
	for i := len(transcript) - 1; i >= 0; i-- {
		if transcript[i].Role == RoleUser {
			return transcript[i], true
		}
	}
	return Message{}, false
}

// New builds the engine selected by cfg.Backend.
func New(cfg config.InferenceConfig, logger *slog.Logger) (Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Backend {
	case "", config.BackendEcho:
		return NewEchoEngine(cfg.EchoDelay), nil
	case config.BackendHTTP:
		return NewHTTPEngine(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown inference backend %q", cfg.Backend)
	}
}
