// ABOUTME: Built-in engine that echoes the last user message back one rune at a time
// ABOUTME: Default backend for development and the engine used by gateway tests

package inference

import (
	"context"
	"fmt"
	"time"
)

// EchoEngine answers "You said: <content>" streamed rune by rune.
type EchoEngine struct {
	delay time.Duration
}

// NewEchoEngine creates an EchoEngine that waits delay between runes.
func NewEchoEngine(delay time.Duration) *EchoEngine {
	return &EchoEngine{delay: delay}
}

// Reply returns the full answer the engine streams for msg.
func (e *EchoEngine) Reply(msg Message) string {
	text := "You said: " + msg.Content
	if n := len(msg.Attachments); n > 0 {
		noun := "attachments"
		if n == 1 {
			noun = "attachment"
		}
		text += fmt.Sprintf(" (%d %s)", n, noun)
	}
	return text
}

// Converse implements Engine.
func (e *EchoEngine) Converse(ctx context.Context, transcript []Message) (<-chan StreamEvent, error) {
	msg, ok := lastUserMessage(transcript)
	if !ok {
		return nil, ErrEmptyTranscript
	}
	text := e.Reply(msg)

	ch := make(chan StreamEvent)
	go func() {
		defer close(ch)

		var tick <-chan time.Time
		if e.delay > 0 {
			t := time.NewTicker(e.delay)
			defer t.Stop()
			tick = t.C
		}

		for _, r := range text {
			if tick != nil {
				select {
				case <-tick:
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- StreamEvent{Token: string(r)}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case ch <- StreamEvent{Terminal: true}:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}
