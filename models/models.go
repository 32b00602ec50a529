package models

import "time"

type User struct {
	ID           string
	Username     string
	Email        string
	DisplayName  string
	PasswordHash string
	CreatedAt    time.Time
}

// Name returns the display name, falling back to the username.
func (u User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}

type Session struct {
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"-"`
}

// RelationKind is the state one user holds toward another. The zero value
// means no relationship.
type RelationKind string

const (
	RelationNone     RelationKind = ""
	RelationFriend   RelationKind = "friend"
	RelationIncoming RelationKind = "incoming"
	RelationOutgoing RelationKind = "outgoing"
	RelationBlocked  RelationKind = "blocked"
)

// RelationChange sets Owner's state toward Other. RelationNone deletes the row.
type RelationChange struct {
	Owner string
	Other string
	Kind  RelationKind
}

// Relationships is the per-user record of the relationship graph.
type Relationships struct {
	UserID           string   `json:"userId"`
	Friends          []string `json:"friends"`
	IncomingRequests []string `json:"incomingRequests"`
	OutgoingRequests []string `json:"outgoingRequests"`
	Blocked          []string `json:"blocked"`
}

type ChannelKind string

const (
	ChannelDM    ChannelKind = "DM"
	ChannelGroup ChannelKind = "GROUP"
)

type Channel struct {
	ID           string      `json:"id"`
	Kind         ChannelKind `json:"kind"`
	Name         string      `json:"name,omitempty"`
	Participants []string    `json:"participants"`
	CreatedAt    time.Time   `json:"createdAt"`
}

// HasParticipant reports whether userID belongs to the channel.
func (c Channel) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

type Message struct {
	ID         string    `json:"id"`
	ChannelID  string    `json:"channelId"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	Content    string    `json:"content"`
	Edited     bool      `json:"edited"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}
