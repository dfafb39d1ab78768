package realtime

import (
	"context"
	"errors"
	"sync"
)

// StatusCode is a websocket close code.
type StatusCode int

// Close codes used by the engine (RFC 6455 section 7.4.1).
const (
	StatusNormalClosure   StatusCode = 1000
	StatusGoingAway       StatusCode = 1001
	StatusPolicyViolation StatusCode = 1008
	StatusInternalError   StatusCode = 1011
)

// ErrPeerClosed is wrapped by Transport.Read when the peer sent a close frame.
var ErrPeerClosed = errors.New("realtime: peer closed")

// Transport is one live bidirectional frame connection.
//
// Read is only ever called from the connection's read loop.
// Write and Close must be safe for concurrent use.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, frame []byte) error
	Close(code StatusCode, reason string) error
}

// Session is the live binding between a user and one Transport.
//
// Design notes:
// - Sessions are compared by pointer in the registry, so a stale session never evicts a newer one.
// - Close is idempotent and only the first code/reason reaches the transport.
type Session struct {
	ID     string
	UserID int64

	transport Transport

	done      chan struct{}
	closeOnce sync.Once
}

// NewSession constructs a Session for userID over t.
func NewSession(userID int64, t Transport) *Session {
	return &Session{
		ID:        NewRandomHex(10),
		UserID:    userID,
		transport: t,
		done:      make(chan struct{}),
	}
}

// Done returns a channel that is closed when the session is shutting down.
func (s *Session) Done() <-chan struct{} {
	if s == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.done
}

// Write sends one encoded frame to the peer.
func (s *Session) Write(ctx context.Context, frame []byte) error {
	select {
	case <-s.Done():
		return errors.New("realtime: session closed")
	default:
	}
	return s.transport.Write(ctx, frame)
}

// Close closes the underlying transport (idempotent).
func (s *Session) Close(code StatusCode, reason string) {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.transport.Close(code, reason)
	})
}
