package realtime

import (
	"context"
	"sync"
	"time"

	"bwave/cmd/identity/ids"
)

const (
	memMaxMessages = 100_000
)

// InMemoryStore is a dev-only fallback when DB is not configured.
// It implements MessageStore and ConnectionStore.
type InMemoryStore struct {
	mu      sync.Mutex
	msgs    map[string]StoredMessage
	order   []string // insertion order, for bounding memory
	friends map[int64]map[int64]struct{}
}

// NewInMemoryStore constructs an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		msgs:    make(map[string]StoredMessage),
		friends: make(map[int64]map[int64]struct{}),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// Create persists a new unseen message.
func (s *InMemoryStore) Create(ctx context.Context, in CreateMessageInput) (StoredMessage, error) {
	if in.SenderID <= 0 || in.ReceiverID <= 0 || in.Text == "" {
		return StoredMessage{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return StoredMessage{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return StoredMessage{}, err
	}

	msg := StoredMessage{
		ID:         id,
		SenderID:   in.SenderID,
		ReceiverID: in.ReceiverID,
		Text:       in.Text,
		CreatedAt:  now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.msgs[id] = msg
	s.order = append(s.order, id)

	// Bound memory to avoid unbounded growth in dev.
	if len(s.order) > memMaxMessages {
		drop := len(s.order) - memMaxMessages
		for _, old := range s.order[:drop] {
			delete(s.msgs, old)
		}
		s.order = append([]string(nil), s.order[drop:]...)
	}

	return msg, nil
}

// MarkSeen sets the seen flag when receiverID is the message receiver.
func (s *InMemoryStore) MarkSeen(ctx context.Context, messageID string, receiverID int64) (StoredMessage, error) {
	if err := ctx.Err(); err != nil {
		return StoredMessage{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.msgs[messageID]
	if !ok || msg.ReceiverID != receiverID {
		return StoredMessage{}, ErrMessageNotFound
	}
	msg.Seen = true
	s.msgs[messageID] = msg
	return msg, nil
}

// Message returns a stored message by id (for tests and dev tooling).
func (s *InMemoryStore) Message(messageID string) (StoredMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[messageID]
	return m, ok
}

// AddFriendship records an unordered friendship between a and b.
func (s *InMemoryStore) AddFriendship(a, b int64) {
	if a == b {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.link(a, b)
	s.link(b, a)
}

func (s *InMemoryStore) link(from, to int64) {
	set := s.friends[from]
	if set == nil {
		set = make(map[int64]struct{})
		s.friends[from] = set
	}
	set[to] = struct{}{}
}

// FriendsOf returns userID's friends.
func (s *InMemoryStore) FriendsOf(ctx context.Context, userID int64) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.friends[userID]
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out, nil
}
