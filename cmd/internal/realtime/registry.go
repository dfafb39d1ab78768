package realtime

import (
	"errors"
	"sync"
)

// ErrAlreadyConnected is returned by Registry.Register when the user already has a live session.
var ErrAlreadyConnected = errors.New("realtime: user already connected")

// Registry maps user ids to their single live Session.
//
// Concurrency guarantees:
// - All methods are safe for concurrent use; callers never lock.
// - Register is an atomic check-and-insert: at most one session per user id.
type Registry struct {
	mu       sync.RWMutex
	sessions map[int64]*Session
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[int64]*Session)}
}

// Register binds s to userID. It returns ErrAlreadyConnected without mutating
// state when userID already has a session.
func (r *Registry) Register(userID int64, s *Session) error {
	if s == nil {
		return errors.New("realtime: nil session")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[userID]; ok {
		return ErrAlreadyConnected
	}
	r.sessions[userID] = s
	return nil
}

// Unregister removes userID's session. Absence is not an error.
func (r *Registry) Unregister(userID int64) {
	r.mu.Lock()
	delete(r.sessions, userID)
	r.mu.Unlock()
}

// UnregisterSession removes userID's entry only if it is s.
// It reports whether an entry was removed.
func (r *Registry) UnregisterSession(userID int64, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.sessions[userID]; ok && cur == s {
		delete(r.sessions, userID)
		return true
	}
	return false
}

// Get returns userID's live session, if any.
func (r *Registry) Get(userID int64) (*Session, bool) {
	r.mu.RLock()
	s, ok := r.sessions[userID]
	r.mu.RUnlock()
	return s, ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
