// ABOUTME: Wire frames exchanged over the realtime connection
// ABOUTME: Decodes inbound user messages and defines reply and presence frames

package conversation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/2389/jarvis-gateway/internal/inference"
)

// ErrMalformedFrame is returned for inbound frames that are not a valid user message.
var ErrMalformedFrame = errors.New("malformed frame")

// Frame types
const (
	FrameReply    = "reply"
	FramePresence = "presence"
)

// Reply states
const (
	StateActive                 = "ACTIVE"
	StateWaitingForConfirmation = "WAITING_FOR_CONFIRMATION"
	StateError                  = "ERROR"
)

// Presence statuses
const (
	PresenceJoined = "joined"
	PresenceLeft   = "left"
)

// ReplyFrame carries the cumulative assistant text of the current exchange.
type ReplyFrame struct {
	Type        string `json:"type"`
	Response    string `json:"response"`
	State       string `json:"state"`
	EndOfStream bool   `json:"end_of_stream"`
}

func replyFrame(text, state string, end bool) ReplyFrame {
	return ReplyFrame{Type: FrameReply, Response: text, State: state, EndOfStream: end}
}

func errorFrame(msg string) ReplyFrame {
	return replyFrame(msg, StateError, true)
}

// PresenceEvent announces that a user joined or left.
type PresenceEvent struct {
	Type        string    `json:"type"`
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewPresenceEvent builds a presence frame stamped with the current UTC time.
func NewPresenceEvent(userID, displayName, status string) PresenceEvent {
	return PresenceEvent{
		Type:        FramePresence,
		UserID:      userID,
		DisplayName: displayName,
		Status:      status,
		Timestamp:   time.Now().UTC().Truncate(time.Second),
	}
}

type inboundAttachment struct {
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	Data     []byte `json:"data"` // base64 on the wire
}

type inboundFrame struct {
	Role        string              `json:"role"`
	Content     string              `json:"content"`
	Metadata    map[string]any      `json:"metadata"`
	Attachments []inboundAttachment `json:"attachments"`
}

// DecodeMessage parses one inbound frame into a user message.
func DecodeMessage(data []byte) (inference.Message, error) {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return inference.Message{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Role != inference.RoleUser {
		return inference.Message{}, fmt.Errorf("%w: role must be %q", ErrMalformedFrame, inference.RoleUser)
	}
	if strings.TrimSpace(f.Content) == "" && len(f.Attachments) == 0 {
		return inference.Message{}, fmt.Errorf("%w: content or attachments required", ErrMalformedFrame)
	}

	msg := inference.Message{
		Role:     inference.RoleUser,
		Content:  f.Content,
		Metadata: f.Metadata,
	}
	for i, a := range f.Attachments {
		if a.MimeType == "" {
			return inference.Message{}, fmt.Errorf("%w: attachment %d has no mime_type", ErrMalformedFrame, i)
		}
		msg.Attachments = append(msg.Attachments, inference.Attachment{
			Filename: a.Filename,
			MimeType: a.MimeType,
			Data:     a.Data,
		})
	}
	return msg, nil
}
