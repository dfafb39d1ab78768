package connection

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

// InMemoryStore is a dev-only Store used when DB is not configured.
// It also satisfies realtime.ConnectionStore so presence sees connections made at runtime.
type InMemoryStore struct {
	mu         sync.Mutex
	users      map[int64]User
	byUsername map[string]int64
	pairs      map[[2]int64]time.Time
	channels   map[string]DMChannelRecord
}

// NewInMemoryStore constructs an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		users:      make(map[int64]User),
		byUsername: make(map[string]int64),
		pairs:      make(map[[2]int64]time.Time),
		channels:   make(map[string]DMChannelRecord),
	}
}

// AddUser inserts or replaces a user profile.
func (s *InMemoryStore) AddUser(u User) error {
	norm := normalizeUsername(u.Username)
	if u.ID <= 0 || norm == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.users[u.ID]; ok {
		delete(s.byUsername, normalizeUsername(prev.Username))
	}
	s.users[u.ID] = u
	s.byUsername[norm] = u.ID
	return nil
}

func (s *InMemoryStore) UserByUsername(ctx context.Context, username string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byUsername[normalizeUsername(username)]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return s.users[id], nil
}

func (s *InMemoryStore) UserByID(ctx context.Context, id int64) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return u, nil
}

// UsersByIDs returns the known users among ids, ordered by id. Unknown ids are skipped.
func (s *InMemoryStore) UsersByIDs(ctx context.Context, ids []int64) ([]User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]User, 0, len(ids))
	for _, id := range ids {
		if u, ok := s.users[id]; ok {
			out = append(out, u)
		}
	}
	slices.SortFunc(out, func(a, b User) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (s *InMemoryStore) CreateConnection(ctx context.Context, userA, userB int64) error {
	if userA <= 0 || userB <= 0 || userA == userB {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	key := [2]int64{min(userA, userB), max(userA, userB)}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.pairs[key]; dup {
		return ErrAlreadyConnected
	}
	s.pairs[key] = time.Now().UTC()
	return nil
}

func (s *InMemoryStore) FriendsOf(ctx context.Context, userID int64) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []int64
	for key := range s.pairs {
		switch userID {
		case key[0]:
			out = append(out, key[1])
		case key[1]:
			out = append(out, key[0])
		}
	}
	slices.Sort(out)
	return out, nil
}

func (s *InMemoryStore) CreateDMChannel(ctx context.Context, in DMChannelRecord) error {
	if strings.TrimSpace(in.ID) == "" || in.Members[0] <= 0 || in.Members[1] <= 0 {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.channels[in.ID] = in
	return nil
}

// Channel returns a DM channel by id (for tests and dev tooling).
func (s *InMemoryStore) Channel(id string) (DMChannelRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.channels[id]
	return c, ok
}

func normalizeUsername(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
