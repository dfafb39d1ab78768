package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	v1 "bwave/shared/contracts/realtime/v1"
)

// fakeTransport is an in-memory Transport driven by the test.
type fakeTransport struct {
	in  chan []byte
	out chan []byte

	closed    chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	closeCode   StatusCode
	closeReason string
	writeErr    error
	readPanic   bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case frame, ok := <-f.in:
		if !ok {
			return nil, errors.Join(ErrPeerClosed, io.EOF)
		}
		// Checked after the frame arrives: the read loop is usually already
		// blocked here when a test flips the flag.
		f.mu.Lock()
		p := f.readPanic
		f.mu.Unlock()
		if p {
			panic("transport exploded")
		}
		return frame, nil
	case <-f.closed:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) Write(_ context.Context, frame []byte) error {
	f.mu.Lock()
	err := f.writeErr
	f.mu.Unlock()
	if err != nil {
		return err
	}

	select {
	case <-f.closed:
		return net.ErrClosed
	default:
	}

	f.out <- append([]byte(nil), frame...)
	return nil
}

func (f *fakeTransport) Close(code StatusCode, reason string) error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closeCode = code
		f.closeReason = reason
		f.mu.Unlock()
		close(f.closed)
	})
	return nil
}

func (f *fakeTransport) send(t *testing.T, frame string) {
	t.Helper()
	select {
	case f.in <- []byte(frame):
	case <-time.After(time.Second):
		t.Fatalf("send frame: inbound queue full")
	}
}

// peerClose simulates the client closing the connection.
func (f *fakeTransport) peerClose() { close(f.in) }

func (f *fakeTransport) failWrites(err error) {
	f.mu.Lock()
	f.writeErr = err
	f.mu.Unlock()
}

func (f *fakeTransport) closeStatus() (StatusCode, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode, f.closeReason
}

// wireEvent is a flattened view of every notification shape.
type wireEvent struct {
	Type          string           `json:"type"`
	FriendID      int64            `json:"friendId"`
	Online        bool             `json:"online"`
	ProvisionalID string           `json:"provisionalId"`
	Message       v1.DirectMessage `json:"message"`
	User          v1.UserInfo      `json:"user"`
	Channel       v1.Channel       `json:"channel"`
}

func (f *fakeTransport) next(t *testing.T) wireEvent {
	t.Helper()
	select {
	case frame := <-f.out:
		var ev wireEvent
		if err := json.Unmarshal(frame, &ev); err != nil {
			t.Fatalf("outbound frame is not JSON: %s: %v", frame, err)
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for outbound notification")
		return wireEvent{}
	}
}

func (f *fakeTransport) expectNone(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case frame := <-f.out:
		t.Fatalf("unexpected outbound notification: %s", frame)
	case <-time.After(d):
	}
}

func (f *fakeTransport) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-f.closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for transport close")
	}
}

// ---- engine harness ----

type conn struct {
	t    *fakeTransport
	done chan error
}

func newTestEngine(t *testing.T, store *InMemoryStore, opts ...EngineOption) *Engine {
	t.Helper()
	e, err := NewEngine(slog.New(slog.NewTextHandler(io.Discard, nil)), store, store, opts...)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.Wait(ctx)
	})
	return e
}

func connect(t *testing.T, e *Engine, userID int64) *conn {
	t.Helper()

	c := &conn{t: newFakeTransport(), done: make(chan error, 1)}
	go func() { c.done <- e.HandleConnection(context.Background(), userID, c.t) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s, ok := e.Registry().Get(userID); ok && s.transport == c.t {
			return c
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("user %d never registered", userID)
	return nil
}

func (c *conn) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-c.done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("HandleConnection did not return")
		return nil
	}
}

func waitUnregistered(t *testing.T, e *Engine, userID int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := e.Registry().Get(userID); !ok {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("user %d still registered", userID)
}
