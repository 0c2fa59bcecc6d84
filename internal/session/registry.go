// ABOUTME: Single-process registry of live connections keyed by user ID
// ABOUTME: A second connection for the same user supersedes and closes the first

package session

import (
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/coder/websocket"

	"github.com/2389/jarvis-gateway/internal/metrics"
)

// ErrUnboundConnection is returned by Put for a connection without a user.
var ErrUnboundConnection = errors.New("connection has no user bound")

// Registry maps user IDs to their live connection. At most one connection per
// user is registered at any time.
type Registry struct {
	conns   map[string]*Connection
	mu      sync.RWMutex
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewRegistry creates an empty Registry. m may be nil.
func NewRegistry(logger *slog.Logger, m *metrics.Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		conns:   make(map[string]*Connection),
		logger:  logger.With("component", "registry"),
		metrics: m,
	}
}

// Put registers conn under its user ID. If the user already has a connection,
// that connection is marked superseded and starts closing with CloseSuperseded
// before conn is installed; the swap is atomic with respect to every other
// Registry operation. Put returns the superseded connection after its close
// finished, waiting outside the lock so other users are not held up by a
// peer that never answers the close handshake.
func (r *Registry) Put(conn *Connection) (*Connection, error) {
	if conn.UserID == "" {
		return nil, ErrUnboundConnection
	}

	r.mu.Lock()
	old, exists := r.conns[conn.UserID]
	superseded := exists && old != conn
	var closing <-chan error
	if superseded {
		closing = old.supersede()
		r.metrics.Superseded()
		r.logger.Info("=== SESSION SUPERSEDED ===",
			"user_id", old.UserID,
			"old_connection_id", old.ID,
			"new_connection_id", conn.ID,
		)
	} else if !exists {
		r.metrics.ConnectionOpened()
	}

	conn.setState(StateRegistered)
	r.conns[conn.UserID] = conn
	r.logger.Info("=== SESSION CONNECTED ===",
		"user_id", conn.UserID,
		"display_name", conn.DisplayName,
		"connection_id", conn.ID,
		"total_sessions", len(r.conns),
	)
	r.mu.Unlock()

	if !superseded {
		return nil, nil
	}
	if err := <-closing; err != nil {
		r.logger.Debug("closing superseded transport", "user_id", old.UserID, "connection_id", old.ID, "error", err)
	}
	return old, nil
}

// Remove deletes whatever connection is registered for userID. It reports
// whether an entry existed; removing an absent user is a no-op.
func (r *Registry) Remove(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, exists := r.conns[userID]
	if !exists {
		return false
	}
	r.deleteLocked(conn)
	return true
}

// Release removes conn only if it is still the registered connection for its
// user. A superseded connection releasing itself never removes its successor.
func (r *Registry) Release(conn *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conns[conn.UserID] != conn {
		return false
	}
	r.deleteLocked(conn)
	return true
}

func (r *Registry) deleteLocked(conn *Connection) {
	delete(r.conns, conn.UserID)
	r.metrics.ConnectionClosed()
	r.logger.Info("=== SESSION DISCONNECTED ===",
		"user_id", conn.UserID,
		"connection_id", conn.ID,
		"total_sessions", len(r.conns),
	)
}

// Get returns the connection registered for userID.
func (r *Registry) Get(userID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[userID]
	return conn, ok
}

// Snapshot returns the registered connections ordered by user ID. The slice
// is a copy taken under the read lock.
func (r *Registry) Snapshot() []*Connection {
	r.mu.RLock()
	out := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		out = append(out, conn)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].UserID < out[j].UserID
	})
	return out
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll removes every connection and closes it with code and reason.
// Returns the number of connections closed.
func (r *Registry) CloseAll(code websocket.StatusCode, reason string) int {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
		r.metrics.ConnectionClosed()
	}
	clear(r.conns)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			_ = c.Close(code, reason)
		}(conn)
	}
	wg.Wait()

	if len(conns) > 0 {
		r.logger.Info("closed all sessions", "count", len(conns), "reason", reason)
	}
	return len(conns)
}
