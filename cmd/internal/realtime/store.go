package realtime

import (
	"context"
	"errors"
	"time"

	v1 "bwave/shared/contracts/realtime/v1"
)

var (
	// ErrMessageNotFound is returned by MessageStore.MarkSeen when the message does not
	// exist or the caller is not its receiver. The two cases are not distinguished.
	ErrMessageNotFound = errors.New("realtime: message not found")

	// ErrInvalidInput is returned by stores and handlers for unusable input.
	ErrInvalidInput = errors.New("realtime: invalid input")
)

// StoredMessage is the canonical persisted direct message representation.
type StoredMessage struct {
	ID         string
	SenderID   int64
	ReceiverID int64
	Text       string
	Seen       bool
	CreatedAt  time.Time
}

// Wire converts m to its protocol representation.
func (m StoredMessage) Wire() v1.DirectMessage {
	return v1.DirectMessage{
		ID:         m.ID,
		Text:       m.Text,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Seen:       m.Seen,
		CreatedAt:  m.CreatedAt,
	}
}

// MessageStore persists direct messages.
//
// Requirements:
//   - Create assigns ID and CreatedAt and stores Seen=false
//   - MarkSeen only mutates when receiverID matches the stored receiver
//   - Safe for concurrent use by independent handler goroutines
type MessageStore interface {
	Create(ctx context.Context, in CreateMessageInput) (StoredMessage, error)
	MarkSeen(ctx context.Context, messageID string, receiverID int64) (StoredMessage, error)
	Close() error
}

// CreateMessageInput describes a direct message insert.
type CreateMessageInput struct {
	SenderID   int64
	ReceiverID int64
	Text       string
	Now        time.Time
}

// ConnectionStore is the read side of the friendship graph.
type ConnectionStore interface {
	// FriendsOf returns the ids of userID's friends in no particular order.
	FriendsOf(ctx context.Context, userID int64) ([]int64, error)
}
