// ABOUTME: Represents one authenticated realtime connection and its lifecycle state
// ABOUTME: Owns the connection context that cancels in-flight inference when the transport goes away

package session

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// Lifecycle errors, used as context cancellation causes
var (
	ErrSuperseded = errors.New("connection superseded by a newer one")
	ErrClosed     = errors.New("connection closed")
)

// State is the lifecycle state of a connection.
type State int32

// Connection states
const (
	StateConnecting State = iota
	StateAuthenticating
	StateRegistered
	StateRejected
	StateSuperseded
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateRegistered:
		return "registered"
	case StateRejected:
		return "rejected"
	case StateSuperseded:
		return "superseded"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection is one user's live transport plus its lifecycle.
type Connection struct {
	ID          string
	UserID      string
	DisplayName string
	ConnectedAt time.Time

	transport Transport
	state     atomic.Int32

	ctx    context.Context
	cancel context.CancelCauseFunc
}

// NewConnection creates a connection over an accepted transport in the
// connecting state. Its context derives from parent and ends when the
// connection closes.
func NewConnection(parent context.Context, t Transport) *Connection {
	ctx, cancel := context.WithCancelCause(parent)
	c := &Connection{
		ID:          uuid.NewString(),
		ConnectedAt: time.Now().UTC(),
		transport:   t,
		ctx:         ctx,
		cancel:      cancel,
	}
	c.state.Store(int32(StateConnecting))
	return c
}

// BeginAuth moves a connecting connection to authenticating.
func (c *Connection) BeginAuth() {
	c.state.CompareAndSwap(int32(StateConnecting), int32(StateAuthenticating))
}

// Bind attaches the authenticated identity. It must happen before the
// connection is handed to a Registry and never afterwards.
func (c *Connection) Bind(userID, displayName string) {
	c.UserID = userID
	c.DisplayName = displayName
}

// Reject closes an unauthenticated connection with a policy violation.
func (c *Connection) Reject(reason string) error {
	c.setState(StateRejected)
	c.cancel(ErrClosed)
	return c.transport.Close(ClosePolicyViolation, reason)
}

// Context is cancelled when the connection is closed or superseded.
func (c *Connection) Context() context.Context {
	return c.ctx
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

func (c *Connection) setState(s State) {
	c.state.Store(int32(s))
}

// Read returns the next inbound frame.
func (c *Connection) Read(ctx context.Context) ([]byte, error) {
	return c.transport.Read(ctx)
}

// Send writes v as one JSON frame. Nothing is written once the connection
// has been superseded.
func (c *Connection) Send(ctx context.Context, v any) error {
	if c.State() == StateSuperseded {
		return ErrTransportClosed
	}
	return c.transport.WriteJSON(ctx, v)
}

// Close closes the transport with code and reason and cancels the connection
// context. A superseded connection keeps its superseded state.
func (c *Connection) Close(code websocket.StatusCode, reason string) error {
	cause := ErrClosed
	if code == CloseSuperseded {
		cause = ErrSuperseded
		c.setState(StateSuperseded)
	} else if s := c.State(); s != StateSuperseded && s != StateRejected {
		c.setState(StateClosed)
	}
	c.cancel(cause)
	return c.transport.Close(code, reason)
}

// supersede marks c as replaced and cancels its context, then starts closing
// the transport with CloseSuperseded. The returned channel yields the result
// of the close once it finishes.
func (c *Connection) supersede() <-chan error {
	c.setState(StateSuperseded)
	c.cancel(ErrSuperseded)
	done := make(chan error, 1)
	go func() {
		done <- c.transport.Close(CloseSuperseded, "superseded")
	}()
	return done
}

// Abort cancels the connection context with cause without touching the
// transport. Used when the transport has already failed.
func (c *Connection) Abort(cause error) {
	c.cancel(cause)
}
