package realtime

import (
	"context"
	"log/slog"

	v1 "bwave/shared/contracts/realtime/v1"
)

// Notifier pushes a notification to a user's live session, if any.
// Delivery to an offline user is a silent no-op.
type Notifier interface {
	SendServerEvent(ctx context.Context, userID int64, n v1.ServerNotification)
}

// PresenceNotifier emits online/offline visibility events between friends.
type PresenceNotifier struct {
	log         *slog.Logger
	connections ConnectionStore
	registry    *Registry
	notifier    Notifier
}

// NewPresenceNotifier constructs a PresenceNotifier.
func NewPresenceNotifier(log *slog.Logger, connections ConnectionStore, registry *Registry, notifier Notifier) *PresenceNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &PresenceNotifier{
		log:         log,
		connections: connections,
		registry:    registry,
		notifier:    notifier,
	}
}

// OnConnect tells userID which friends are online and tells those friends that userID is online.
// Offline friends are not announced in either direction.
func (p *PresenceNotifier) OnConnect(ctx context.Context, userID int64) {
	friends, err := p.connections.FriendsOf(ctx, userID)
	if err != nil {
		p.log.Error("presence.friends.fail", "user_id", userID, "hook", "connect", "err", err)
		return
	}

	for _, friendID := range friends {
		if _, online := p.registry.Get(friendID); !online {
			continue
		}
		p.notifier.SendServerEvent(ctx, userID, v1.FriendPresenceChanged{FriendID: friendID, Online: true})
		p.notifier.SendServerEvent(ctx, friendID, v1.FriendPresenceChanged{FriendID: userID, Online: true})
	}
}

// OnDisconnect tells every friend of userID that userID went offline.
func (p *PresenceNotifier) OnDisconnect(ctx context.Context, userID int64) {
	friends, err := p.connections.FriendsOf(ctx, userID)
	if err != nil {
		p.log.Error("presence.friends.fail", "user_id", userID, "hook", "disconnect", "err", err)
		return
	}

	offline := v1.FriendPresenceChanged{FriendID: userID, Online: false}
	for _, friendID := range friends {
		p.notifier.SendServerEvent(ctx, friendID, offline)
	}
}
