package connection

import (
	"context"
	"time"

	v1 "bwave/shared/contracts/realtime/v1"
)

// User is the public profile row of a user.
type User struct {
	ID              int64
	Username        string
	FullName        string
	ProfileImageURL string
}

// Info converts u to its wire form.
func (u User) Info() v1.UserInfo {
	return v1.UserInfo{
		ID:              u.ID,
		Username:        u.Username,
		FullName:        u.FullName,
		ProfileImageURL: u.ProfileImageURL,
	}
}

// DMChannelRecord describes a direct message channel and its two members.
type DMChannelRecord struct {
	ID        string
	Members   [2]int64
	CreatedAt time.Time
}

// Store is the persistence boundary for user connections and DM channels.
//
// A connection row is unordered; implementations store it as (min, max).
type Store interface {
	UserByUsername(ctx context.Context, username string) (User, error)
	UserByID(ctx context.Context, id int64) (User, error)
	UsersByIDs(ctx context.Context, ids []int64) ([]User, error)

	// CreateConnection returns ErrAlreadyConnected if the pair already exists.
	CreateConnection(ctx context.Context, userA, userB int64) error
	FriendsOf(ctx context.Context, userID int64) ([]int64, error)

	// CreateDMChannel creates the channel and both memberships atomically.
	CreateDMChannel(ctx context.Context, in DMChannelRecord) error
}
