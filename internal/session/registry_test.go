// ABOUTME: Tests for the connection registry
// ABOUTME: Covers supersession ordering, compare-and-delete release, idempotent removal and concurrency

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/jarvis-gateway/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newBoundConnection(t *testing.T, userID string) (*Connection, *FakeTransport) {
	t.Helper()
	ft := NewFakeTransport()
	c := NewConnection(context.Background(), ft)
	c.BeginAuth()
	c.Bind(userID, "name-"+userID)
	return c, ft
}

func TestRegistry_PutGet(t *testing.T) {
	r := NewRegistry(testLogger(), nil)
	c, _ := newBoundConnection(t, "alice")

	old, err := r.Put(c)
	require.NoError(t, err)
	assert.Nil(t, old)
	assert.Equal(t, StateRegistered, c.State())

	got, ok := r.Get("alice")
	require.True(t, ok)
	assert.Same(t, c, got)

	_, ok = r.Get("bob")
	assert.False(t, ok)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_PutUnbound(t *testing.T) {
	r := NewRegistry(testLogger(), nil)
	c := NewConnection(context.Background(), NewFakeTransport())

	_, err := r.Put(c)
	assert.ErrorIs(t, err, ErrUnboundConnection)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_Supersession(t *testing.T) {
	m := metrics.New()
	r := NewRegistry(testLogger(), m)

	a, ta := newBoundConnection(t, "alice")
	b, tb := newBoundConnection(t, "alice")

	_, err := r.Put(a)
	require.NoError(t, err)

	old, err := r.Put(b)
	require.NoError(t, err)
	assert.Same(t, a, old)

	// The old transport is closed by the time Put returns.
	select {
	case <-ta.Closed():
	default:
		t.Fatal("superseded transport should be closed before Put returns")
	}
	code, reason := ta.CloseStatus()
	assert.Equal(t, CloseSuperseded, code)
	assert.Equal(t, "superseded", reason)
	assert.Equal(t, StateSuperseded, a.State())
	assert.ErrorIs(t, context.Cause(a.Context()), ErrSuperseded)

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.Same(t, b, snap[0])

	select {
	case <-tb.Closed():
		t.Fatal("new transport must stay open")
	default:
	}
	assert.NoError(t, b.Context().Err())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveConnections))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Supersessions))
}

// stuckTransport records the close frame like FakeTransport but does not
// finish closing until release is closed, like a peer that never answers.
type stuckTransport struct {
	*FakeTransport
	release chan struct{}
}

func (s *stuckTransport) Close(code websocket.StatusCode, reason string) error {
	err := s.FakeTransport.Close(code, reason)
	<-s.release
	return err
}

func TestRegistry_SupersessionDoesNotBlockOtherUsers(t *testing.T) {
	r := NewRegistry(testLogger(), nil)

	st := &stuckTransport{FakeTransport: NewFakeTransport(), release: make(chan struct{})}
	a := NewConnection(context.Background(), st)
	a.Bind("alice", "Alice")
	_, err := r.Put(a)
	require.NoError(t, err)
	bob, _ := newBoundConnection(t, "bob")
	_, err = r.Put(bob)
	require.NoError(t, err)

	a2, _ := newBoundConnection(t, "alice")
	putDone := make(chan *Connection, 1)
	go func() {
		old, _ := r.Put(a2)
		putDone <- old
	}()

	select {
	case <-st.Closed():
	case <-time.After(time.Second):
		t.Fatal("superseded connection was never sent a close")
	}
	code, _ := st.CloseStatus()
	assert.Equal(t, CloseSuperseded, code)
	assert.ErrorIs(t, a.Send(context.Background(), "late"), ErrTransportClosed)

	// Other users stay reachable while the old peer ignores the close.
	require.Eventually(t, func() bool {
		got, ok := r.Get("alice")
		return ok && got == a2
	}, time.Second, time.Millisecond)
	start := time.Now()
	got, ok := r.Get("bob")
	require.True(t, ok)
	assert.Same(t, bob, got)
	assert.Len(t, r.Snapshot(), 2)
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	select {
	case <-putDone:
		t.Fatal("Put returned before the superseded close finished")
	default:
	}

	close(st.release)
	select {
	case old := <-putDone:
		assert.Same(t, a, old)
	case <-time.After(time.Second):
		t.Fatal("Put did not return after the close finished")
	}
}

func TestRegistry_ReleaseStaleKeepsSuccessor(t *testing.T) {
	r := NewRegistry(testLogger(), nil)
	a, _ := newBoundConnection(t, "alice")
	b, _ := newBoundConnection(t, "alice")

	_, _ = r.Put(a)
	_, _ = r.Put(b)

	assert.False(t, r.Release(a), "stale connection must not remove its successor")
	got, ok := r.Get("alice")
	require.True(t, ok)
	assert.Same(t, b, got)

	assert.True(t, r.Release(b))
	assert.False(t, r.Release(b))
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_RemoveIdempotent(t *testing.T) {
	m := metrics.New()
	r := NewRegistry(testLogger(), m)
	c, _ := newBoundConnection(t, "alice")
	_, _ = r.Put(c)

	assert.True(t, r.Remove("alice"))
	assert.False(t, r.Remove("alice"))
	assert.False(t, r.Remove("never-registered"))
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveConnections))
}

func TestRegistry_SnapshotSorted(t *testing.T) {
	r := NewRegistry(testLogger(), nil)
	for _, id := range []string{"carol", "alice", "bob"} {
		c, _ := newBoundConnection(t, id)
		_, _ = r.Put(c)
	}

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "alice", snap[0].UserID)
	assert.Equal(t, "bob", snap[1].UserID)
	assert.Equal(t, "carol", snap[2].UserID)
}

func TestRegistry_ConcurrentDistinctUsers(t *testing.T) {
	r := NewRegistry(testLogger(), nil)
	const n = 64

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, _ := newBoundConnection(t, fmt.Sprintf("user-%02d", i))
			if _, err := r.Put(c); err != nil {
				t.Errorf("Put() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, n, r.Len())
	seen := make(map[string]bool)
	for _, c := range r.Snapshot() {
		assert.False(t, seen[c.UserID], "duplicate user %s", c.UserID)
		seen[c.UserID] = true
	}
}

func TestRegistry_ConcurrentSameUser(t *testing.T) {
	r := NewRegistry(testLogger(), nil)
	const n = 32

	transports := make([]*FakeTransport, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		c, ft := newBoundConnection(t, "alice")
		transports[i] = ft
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.Put(c)
		}()
	}
	wg.Wait()

	require.Equal(t, 1, r.Len())

	open := 0
	for _, ft := range transports {
		select {
		case <-ft.Closed():
			code, _ := ft.CloseStatus()
			assert.Equal(t, CloseSuperseded, code)
		default:
			open++
		}
	}
	assert.Equal(t, 1, open, "exactly the registered connection stays open")
}

func TestRegistry_CloseAll(t *testing.T) {
	r := NewRegistry(testLogger(), nil)
	var fts []*FakeTransport
	for _, id := range []string{"alice", "bob"} {
		c, ft := newBoundConnection(t, id)
		fts = append(fts, ft)
		_, _ = r.Put(c)
	}

	assert.Equal(t, 2, r.CloseAll(CloseGoingAway, "server shutting down"))
	assert.Equal(t, 0, r.Len())
	for _, ft := range fts {
		code, _ := ft.CloseStatus()
		assert.Equal(t, CloseGoingAway, code)
	}
}

func TestConnection_Lifecycle(t *testing.T) {
	ft := NewFakeTransport()
	c := NewConnection(context.Background(), ft)
	assert.Equal(t, StateConnecting, c.State())

	c.BeginAuth()
	assert.Equal(t, StateAuthenticating, c.State())

	require.NoError(t, c.Reject("authentication failed"))
	assert.Equal(t, StateRejected, c.State())
	code, reason := ft.CloseStatus()
	assert.Equal(t, ClosePolicyViolation, code)
	assert.Equal(t, "authentication failed", reason)
	assert.Error(t, c.Context().Err())
}

func TestConnection_SendAfterClose(t *testing.T) {
	c, _ := newBoundConnection(t, "alice")
	require.NoError(t, c.Close(CloseNormal, "bye"))

	assert.Equal(t, StateClosed, c.State())
	err := c.Send(context.Background(), map[string]string{"k": "v"})
	assert.True(t, errors.Is(err, ErrTransportClosed))
	assert.ErrorIs(t, context.Cause(c.Context()), ErrClosed)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "registered", StateRegistered.String())
	assert.Equal(t, "superseded", StateSuperseded.String())
	assert.Equal(t, "unknown", State(99).String())
}
