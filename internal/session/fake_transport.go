// ABOUTME: In-memory Transport implementation for tests
// ABOUTME: Lets tests push inbound frames, inspect outbound frames and observe close codes

package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// FakeTransport is an in-memory Transport for testing.
type FakeTransport struct {
	inbound chan []byte
	endOnce sync.Once

	mu          sync.Mutex
	written     [][]byte
	writeErr    error
	closeCode   websocket.StatusCode
	closeReason string

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFakeTransport creates an open FakeTransport.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

// Push queues an inbound frame for Read.
func (f *FakeTransport) Push(frame []byte) {
	f.inbound <- frame
}

// PushJSON queues v encoded as JSON.
func (f *FakeTransport) PushJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	f.Push(b)
}

// EndInput makes Read return io.EOF once queued frames are consumed,
// as if the client went away.
func (f *FakeTransport) EndInput() {
	f.endOnce.Do(func() { close(f.inbound) })
}

// FailWrites makes every following WriteJSON return err.
func (f *FakeTransport) FailWrites(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErr = err
}

// Read implements Transport.
func (f *FakeTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case frame, ok := <-f.inbound:
		if !ok {
			return nil, io.EOF
		}
		return frame, nil
	case <-f.closed:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WriteJSON implements Transport.
func (f *FakeTransport) WriteJSON(ctx context.Context, v any) error {
	select {
	case <-f.closed:
		return ErrTransportClosed
	default:
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.written = append(f.written, b)
	return nil
}

// Close implements Transport. Only the first call is recorded.
func (f *FakeTransport) Close(code websocket.StatusCode, reason string) error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closeCode = code
		f.closeReason = reason
		f.mu.Unlock()
		close(f.closed)
	})
	return nil
}

// Closed is closed once Close has been called.
func (f *FakeTransport) Closed() <-chan struct{} {
	return f.closed
}

// CloseStatus returns the recorded close code and reason.
func (f *FakeTransport) CloseStatus() (websocket.StatusCode, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode, f.closeReason
}

// Frames returns a copy of every frame written so far.
func (f *FakeTransport) Frames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.written))
	copy(out, f.written)
	return out
}

// WaitFrames waits until at least n frames were written or timeout passes.
func (f *FakeTransport) WaitFrames(n int, timeout time.Duration) ([][]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		frames := f.Frames()
		if len(frames) >= n {
			return frames, nil
		}
		if time.Now().After(deadline) {
			return frames, errors.New("timed out waiting for frames")
		}
		time.Sleep(2 * time.Millisecond)
	}
}
