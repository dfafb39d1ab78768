// Package v1 defines the bwave realtime event protocol v1.
//
// Every frame is one JSON object discriminated by a "type" tag. Client actions
// flow client -> server, notifications flow server -> client.
//
// This package is stable and dependency-light.
// It is shared between the server and clients to keep the wire protocol authoritative.
package v1

import "time"

// Type tags (wire-stable).
const (
	// TypeSendDM asks the server to persist and deliver a direct message (client -> server).
	TypeSendDM = "send_dm"
	// TypeSeenDM marks a received direct message as seen (client -> server).
	TypeSeenDM = "seen_dm"

	// TypeDMReceived delivers a new direct message to its receiver (server -> client).
	TypeDMReceived = "dm_received"
	// TypeDMSent confirms a send to its author, carrying the provisional id (server -> client).
	TypeDMSent = "dm_sent"
	// TypeDMUpdated tells the author that a message changed, e.g. it was seen (server -> client).
	TypeDMUpdated = "dm_updated"

	// TypeFriendPresence announces a friend going online or offline (server -> client).
	TypeFriendPresence = "friend_presence"
	// TypeConnectedToUser announces a new friend connection (server -> client).
	TypeConnectedToUser = "connected_to_user"
	// TypeAddedToChannel announces membership in a new channel (server -> client).
	TypeAddedToChannel = "added_to_channel"
)

// DirectMessage is the wire representation of a persisted message between two users.
type DirectMessage struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	SenderID   int64     `json:"senderId"`
	ReceiverID int64     `json:"receiverId"`
	Seen       bool      `json:"seen"`
	CreatedAt  time.Time `json:"createdAt"`
}

// UserInfo is the public profile of a user.
type UserInfo struct {
	ID              int64  `json:"id"`
	Username        string `json:"username"`
	FullName        string `json:"fullName,omitempty"`
	ProfileImageURL string `json:"profileImageUrl,omitempty"`
}

// Channel is a chat channel. DM channels carry no name; clients derive it.
type Channel struct {
	ID   string  `json:"id"`
	Name *string `json:"name"`
}

// ---- Client actions ----

// ClientAction is the closed set of actions a client may send.
// Only types in this package implement it.
type ClientAction interface {
	clientAction()
}

// SendDirectMessage asks the server to persist Text for ReceiverID.
// ProvisionalID is echoed back in MessageSent so the client can reconcile its optimistic copy.
type SendDirectMessage struct {
	Text          string `json:"text"`
	ReceiverID    int64  `json:"receiverId"`
	ProvisionalID string `json:"provisionalId"`
}

// MarkMessageSeen marks MessageID as seen. Only the message receiver may do this.
type MarkMessageSeen struct {
	MessageID string `json:"messageId"`
}

func (SendDirectMessage) clientAction() {}
func (MarkMessageSeen) clientAction()   {}

// ---- Server notifications ----

// ServerNotification is the closed set of events the server pushes to a session.
type ServerNotification interface {
	serverNotification()
}

// MessageReceived carries a new message to its receiver.
type MessageReceived struct {
	Message DirectMessage `json:"message"`
}

// MessageSent confirms a persisted message to its sender.
type MessageSent struct {
	Message       DirectMessage `json:"message"`
	ProvisionalID string        `json:"provisionalId"`
}

// MessageUpdated carries the new state of a message to its sender.
type MessageUpdated struct {
	Message DirectMessage `json:"message"`
}

// FriendPresenceChanged reports that FriendID went online or offline.
type FriendPresenceChanged struct {
	FriendID int64 `json:"friendId"`
	Online   bool  `json:"online"`
}

// ConnectedToUser reports that User became a friend of the recipient.
type ConnectedToUser struct {
	User UserInfo `json:"user"`
}

// AddedToChannel reports that the recipient became a member of Channel.
type AddedToChannel struct {
	Channel Channel `json:"channel"`
}

func (MessageReceived) serverNotification()       {}
func (MessageSent) serverNotification()           {}
func (MessageUpdated) serverNotification()        {}
func (FriendPresenceChanged) serverNotification() {}
func (ConnectedToUser) serverNotification()       {}
func (AddedToChannel) serverNotification()        {}
