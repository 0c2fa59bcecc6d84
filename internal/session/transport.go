// ABOUTME: Bidirectional frame transport behind a realtime connection
// ABOUTME: WebSocketTransport adapts coder/websocket with serialized writes and bounded closes

package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Close codes sent to clients
const (
	CloseNormal          = websocket.StatusNormalClosure
	CloseGoingAway       = websocket.StatusGoingAway
	ClosePolicyViolation = websocket.StatusPolicyViolation
	CloseInternalError   = websocket.StatusInternalError

	// CloseSuperseded tells a client that the same user connected elsewhere.
	CloseSuperseded websocket.StatusCode = 4000
)

// Transport errors
var (
	ErrTransportClosed = errors.New("transport closed")
	ErrCloseTimeout    = errors.New("close handshake timed out")
)

// Transport carries frames for one connection.
// WriteJSON and Close may be called from several goroutines; Read is only
// called by the connection's reader.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	WriteJSON(ctx context.Context, v any) error
	Close(code websocket.StatusCode, reason string) error
}

// WebSocketTransport implements Transport over a coder/websocket connection.
type WebSocketTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	closeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// NewWebSocketTransport wraps conn. Zero timeouts default to 5s for writes and
// 1s for the close handshake.
func NewWebSocketTransport(conn *websocket.Conn, writeTimeout, closeTimeout time.Duration) *WebSocketTransport {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	if closeTimeout <= 0 {
		closeTimeout = time.Second
	}
	return &WebSocketTransport{
		conn:         conn,
		writeTimeout: writeTimeout,
		closeTimeout: closeTimeout,
		closed:       make(chan struct{}),
	}
}

// Read returns the payload of the next data frame. It returns when a frame
// arrives or the transport is closed; cancellation of ctx does not interrupt
// it, because coder/websocket drops the socket when a read context ends and
// the peer would never see the close code passed to Close.
func (t *WebSocketTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(context.WithoutCancel(ctx))
	return data, err
}

// WriteJSON writes v as one text frame. Writes are serialized so frames from
// the relay and the broadcaster never interleave.
func (t *WebSocketTransport) WriteJSON(ctx context.Context, v any) error {
	select {
	case <-t.closed:
		return ErrTransportClosed
	default:
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	// Deadlines apply, cancellation does not, for the same reason as Read.
	deadline := time.Now().Add(t.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	ctx, cancel := context.WithDeadline(context.WithoutCancel(ctx), deadline)
	defer cancel()
	return wsjson.Write(ctx, t.conn, v)
}

// Close sends a close frame with code and reason and waits at most the close
// timeout for the peer to answer. Past that it returns ErrCloseTimeout and
// leaves the handshake running; coder/websocket drops the socket itself when
// its own handshake deadline passes. CloseNow cannot shorten that wait once a
// close is in progress. Only the first call has an effect.
func (t *WebSocketTransport) Close(code websocket.StatusCode, reason string) error {
	t.closeOnce.Do(func() {
		close(t.closed)

		done := make(chan error, 1)
		go func() {
			done <- t.conn.Close(code, reason)
		}()

		timer := time.NewTimer(t.closeTimeout)
		defer timer.Stop()
		select {
		case err := <-done:
			t.closeErr = err
		case <-timer.C:
			t.closeErr = ErrCloseTimeout
		}
	})
	return t.closeErr
}
