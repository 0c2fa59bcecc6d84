// ABOUTME: Per-connection loop relaying user messages to the inference engine
// ABOUTME: Streams cumulative assistant text back and keeps the connection's transcript

package conversation

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/2389/jarvis-gateway/internal/inference"
	"github.com/2389/jarvis-gateway/internal/metrics"
	"github.com/2389/jarvis-gateway/internal/session"
	"github.com/2389/jarvis-gateway/internal/store"
)

// Error text sent to clients. Engine internals are logged, not forwarded.
const (
	msgEngineFailure = "inference failed, please try again"
)

// defaultFlushDelay is how long a cumulative frame is held back waiting for
// the next event before it is sent anyway.
const defaultFlushDelay = 100 * time.Millisecond

// SettingsReader is what the relay needs to pick per-user sampling params.
type SettingsReader interface {
	GetSettings(ctx context.Context, userID string) (map[string]any, error)
}

// Relay owns the processing loop of every registered connection.
type Relay struct {
	engine     inference.Engine
	settings   SettingsReader
	logger     *slog.Logger
	metrics    *metrics.Metrics
	flushDelay time.Duration
}

// NewRelay creates a Relay. settings and m may be nil.
func NewRelay(engine inference.Engine, settings SettingsReader, logger *slog.Logger, m *metrics.Metrics) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		engine:     engine,
		settings:   settings,
		logger:     logger.With("component", "relay"),
		metrics:    m,
		flushDelay: defaultFlushDelay,
	}
}

// Serve runs the loop for conn until the transport fails, the client goes
// away, the connection is closed or superseded, or ctx is cancelled. It
// returns the reason the loop ended.
func (r *Relay) Serve(ctx context.Context, conn *session.Connection) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := context.AfterFunc(conn.Context(), func() {
		cancel(context.Cause(conn.Context()))
	})
	defer stop()

	logger := r.logger.With("user_id", conn.UserID, "connection_id", conn.ID)

	// Unbuffered: the reader only fetches the next frame once the loop has
	// taken the previous one, so a message sent mid-exchange waits its turn.
	frames := make(chan []byte)
	go func() {
		defer close(frames)
		for {
			data, err := conn.Read(ctx)
			if err != nil {
				cancel(err)
				return
			}
			select {
			case frames <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	var transcript []inference.Message
	for {
		var data []byte
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case d, ok := <-frames:
			if !ok {
				return context.Cause(ctx)
			}
			data = d
		}

		msg, err := DecodeMessage(data)
		if err != nil {
			logger.Debug("malformed frame", "error", err)
			if err := r.send(ctx, conn, errorFrame(err.Error())); err != nil {
				cancel(err)
				return err
			}
			continue
		}

		transcript, err = r.exchange(ctx, conn, transcript, msg, logger)
		if err != nil {
			cancel(err)
			return context.Cause(ctx)
		}
	}
}

// exchange runs one user message through the engine. The returned error is
// fatal to the connection (write failure or cancellation); engine failures
// are reported to the client and yield a nil error.
func (r *Relay) exchange(ctx context.Context, conn *session.Connection, transcript []inference.Message, msg inference.Message, logger *slog.Logger) ([]inference.Message, error) {
	start := time.Now()
	defer func() { r.metrics.ExchangeFinished(time.Since(start)) }()

	transcript = append(transcript, msg)
	history := slices.Clone(transcript)
	transcript = append(transcript, inference.Message{Role: inference.RoleAssistant})
	reply := &transcript[len(transcript)-1]

	exCtx, exCancel := context.WithCancel(inference.WithParams(ctx, r.params(ctx, conn.UserID, logger)))
	defer exCancel()

	events, err := r.engine.Converse(exCtx, history)
	if err != nil {
		return r.engineFailed(ctx, conn, transcript, err, logger)
	}

	var (
		text    strings.Builder
		pending *ReplyFrame
	)
	// The previous cumulative text goes out once we know it was not the last
	// one, so the final frame of an exchange is always the terminal one. A
	// stalled engine still gets its text delivered after flushDelay.
	flush := time.NewTimer(r.flushDelay)
	flush.Stop()
	defer flush.Stop()

	for {
		var ev inference.StreamEvent
		select {
		case <-ctx.Done():
			drain(events)
			return transcript, context.Cause(ctx)
		case <-flush.C:
			if pending != nil {
				if err := r.send(ctx, conn, *pending); err != nil {
					drain(events)
					return transcript, err
				}
				pending = nil
			}
			continue
		case e, ok := <-events:
			if !ok {
				e = inference.StreamEvent{Err: inference.ErrStreamEnded}
			}
			ev = e
		}

		if ev.Err != nil {
			drain(events)
			return r.engineFailed(ctx, conn, transcript, ev.Err, logger)
		}

		if ev.Terminal {
			text.WriteString(ev.Token)
			reply.Content = text.String()
			state := StateActive
			if ev.AwaitConfirmation {
				state = StateWaitingForConfirmation
			}
			drain(events)
			if err := r.send(ctx, conn, replyFrame(reply.Content, state, true)); err != nil {
				return transcript, err
			}
			logger.Debug("exchange complete", "chars", text.Len(), "state", state, "duration", time.Since(start))
			return transcript, nil
		}

		if pending != nil {
			flush.Stop()
			if err := r.send(ctx, conn, *pending); err != nil {
				drain(events)
				return transcript, err
			}
		}
		text.WriteString(ev.Token)
		reply.Content = text.String()
		f := replyFrame(reply.Content, StateActive, false)
		pending = &f
		flush.Reset(r.flushDelay)
	}
}

func (r *Relay) engineFailed(ctx context.Context, conn *session.Connection, transcript []inference.Message, err error, logger *slog.Logger) ([]inference.Message, error) {
	if ctx.Err() != nil {
		return transcript, context.Cause(ctx)
	}
	r.metrics.EngineFailed()
	logger.Warn("inference failed", "error", err)

	// An answer that never produced text is dropped from the transcript.
	if last := transcript[len(transcript)-1]; last.Role == inference.RoleAssistant && last.Content == "" {
		transcript = transcript[:len(transcript)-1]
	}
	return transcript, r.send(ctx, conn, errorFrame(msgEngineFailure))
}

func (r *Relay) params(ctx context.Context, userID string, logger *slog.Logger) inference.Params {
	if r.settings == nil {
		return inference.Params{}
	}
	settings, err := r.settings.GetSettings(ctx, userID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logger.Warn("loading settings, using backend defaults", "error", err)
		}
		return inference.Params{}
	}
	return inference.ParamsFromSettings(settings)
}

func (r *Relay) send(ctx context.Context, conn *session.Connection, f ReplyFrame) error {
	if err := conn.Send(ctx, f); err != nil {
		return err
	}
	r.metrics.FrameSent(f.State)
	return nil
}

// drain consumes the rest of an abandoned stream so the engine goroutine can exit.
func drain(events <-chan inference.StreamEvent) {
	go func() {
		for range events {
		}
	}()
}
