// Package connection manages friendships between users and the DM channel created
// for each new pair, notifying both users through the live event engine.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"bwave/cmd/identity/ids"
	v1 "bwave/shared/contracts/realtime/v1"
)

const defaultTaskTimeout = 10 * time.Second

// Notifier pushes a notification to a user's live session, if any.
type Notifier interface {
	SendServerEvent(ctx context.Context, userID int64, n v1.ServerNotification)
}

// Service handles connect requests and connection listing.
type Service struct {
	log      *slog.Logger
	store    Store
	notifier Notifier

	taskTimeout time.Duration
	now         func() time.Time

	tasks sync.WaitGroup
}

// Option configures the Service.
type Option func(*Service) error

// WithTaskTimeout bounds each background notification task.
func WithTaskTimeout(d time.Duration) Option {
	return func(s *Service) error {
		if d <= 0 {
			return ErrInvalidInput
		}
		s.taskTimeout = d
		return nil
	}
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) error {
		if now == nil {
			return ErrInvalidInput
		}
		s.now = now
		return nil
	}
}

// NewService constructs a Service.
func NewService(log *slog.Logger, store Store, notifier Notifier, opts ...Option) (*Service, error) {
	if store == nil || notifier == nil {
		return nil, ErrInvalidInput
	}
	if log == nil {
		log = slog.Default()
	}

	s := &Service{
		log:         log,
		store:       store,
		notifier:    notifier,
		taskTimeout: defaultTaskTimeout,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Connect creates a connection between requesterID and the user named username,
// then notifies the target and opens a DM channel for the pair in the background.
// It returns the target's profile.
func (s *Service) Connect(ctx context.Context, requesterID int64, username string) (v1.UserInfo, error) {
	if requesterID <= 0 || normalizeUsername(username) == "" {
		return v1.UserInfo{}, ErrInvalidInput
	}

	target, err := s.store.UserByUsername(ctx, username)
	if err != nil {
		return v1.UserInfo{}, err
	}
	if target.ID == requesterID {
		return v1.UserInfo{}, ErrSelfConnect
	}

	if err := s.store.CreateConnection(ctx, requesterID, target.ID); err != nil {
		return v1.UserInfo{}, err
	}
	s.log.Info("connection.create", "user_id", requesterID, "target_id", target.ID)

	s.spawn(ctx, "notify_target", func(ctx context.Context) error {
		return s.notifyConnected(ctx, target.ID, requesterID)
	})
	s.spawn(ctx, "create_dm_channel", func(ctx context.Context) error {
		return s.createDMChannel(ctx, target.ID, requesterID)
	})

	return target.Info(), nil
}

// List returns the profiles of userID's connections.
func (s *Service) List(ctx context.Context, userID int64) ([]v1.UserInfo, error) {
	if userID <= 0 {
		return nil, ErrInvalidInput
	}

	friendIDs, err := s.store.FriendsOf(ctx, userID)
	if err != nil {
		return nil, err
	}
	users, err := s.store.UsersByIDs(ctx, friendIDs)
	if err != nil {
		return nil, err
	}

	out := make([]v1.UserInfo, 0, len(users))
	for _, u := range users {
		out = append(out, u.Info())
	}
	return out, nil
}

// Wait blocks until background notification tasks finish, or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.tasks.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) notifyConnected(ctx context.Context, notifiedID, requesterID int64) error {
	requester, err := s.store.UserByID(ctx, requesterID)
	if errors.Is(err, ErrUserNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load requester: %w", err)
	}
	s.notifier.SendServerEvent(ctx, notifiedID, v1.ConnectedToUser{User: requester.Info()})
	return nil
}

func (s *Service) createDMChannel(ctx context.Context, userA, userB int64) error {
	now := s.now()
	id, err := ids.NewULID(now)
	if err != nil {
		return err
	}

	if err := s.store.CreateDMChannel(ctx, DMChannelRecord{
		ID:        id,
		Members:   [2]int64{userA, userB},
		CreatedAt: now,
	}); err != nil {
		return fmt.Errorf("create dm channel: %w", err)
	}

	// DM channels carry no name; clients derive it from the other member.
	added := v1.AddedToChannel{Channel: v1.Channel{ID: id}}
	s.notifier.SendServerEvent(ctx, userA, added)
	s.notifier.SendServerEvent(ctx, userB, added)
	return nil
}

func (s *Service) spawn(parent context.Context, name string, fn func(ctx context.Context) error) {
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("connection.task.panic", "task", name, "panic", r)
			}
		}()

		// The request context ends when the handler responds.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), s.taskTimeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			s.log.Error("connection.task.fail", "task", name, "err", err)
		}
	}()
}
