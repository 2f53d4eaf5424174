package models

import (
	"time"
)

// Chat is a two-party conversation. The pair is stored canonically with
// UserID1 < UserID2. UpdatedAt is the last activity time.
type Chat struct {
	ID        string
	UserID1   string
	UserID2   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Message struct {
	ID        string
	ChatID    string
	SenderID  string
	Content   string
	CreatedAt time.Time
	ReadAt    *time.Time
}

// User holds the display attributes the user directory hands us.
type User struct {
	ID             string
	Name           string
	Email          string
	ProfilePicture string
}

// ChatDetails is a chat with its participants and full message history.
type ChatDetails struct {
	Chat         *Chat
	Participants []*User
	Messages     []*Message
}

// CanonicalPair orders two user ids so an unordered pair has one key.
func CanonicalPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

func (c *Chat) HasParticipant(userID string) bool {
	return userID != "" && (c.UserID1 == userID || c.UserID2 == userID)
}

// OtherParticipant returns the participant that is not userID.
func (c *Chat) OtherParticipant(userID string) string {
	if c.UserID1 == userID {
		return c.UserID2
	}
	return c.UserID1
}
