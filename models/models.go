package models

import "time"

type User struct {
	ID           int64
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// Subject is the authenticated identity bound to a connection for its lifetime.
type Subject struct {
	ID   int64
	Name string
}

type FriendshipStatus string

const (
	FriendshipPending  FriendshipStatus = "pending"
	FriendshipAccepted FriendshipStatus = "accepted"
	FriendshipRejected FriendshipStatus = "rejected"
)

// Friendship is directional: requester asked, receiver answers. The accepted
// relation is symmetric regardless of which side asked.
type Friendship struct {
	ID          int64
	RequesterID int64
	ReceiverID  int64
	Status      FriendshipStatus
}

// Profile is a user's public page, at most one per user. Posts hang off the
// profile, so creating one is a prerequisite for posting.
type Profile struct {
	ID     int64
	UserID int64
	Name   string
	Bio    string
}

type Post struct {
	ID        int64
	AuthorID  int64
	ProfileID int64
	Content   string
	CreatedAt time.Time
}

type Message struct {
	ID          int64
	SenderID    int64
	RecipientID int64
	Content     string
	CreatedAt   time.Time
	Delivered   bool
}
