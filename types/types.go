package types

import (
	"time"
)

type UserType string

const (
	UserTypeStudent UserType = "student"
	UserTypeTeacher UserType = "teacher"
)

// ChatUser identifies a chat participant. Once attached to a message
// it is never mutated.
type ChatUser struct {
	UserID            string   `json:"userId"`
	UserType          UserType `json:"userType"`
	PreferredName     string   `json:"preferredName"`
	FirstName         string   `json:"firstName"`
	LastName          string   `json:"lastName"`
	ProfilePictureURL string   `json:"profilePictureUrl"`
}

// ChatMessage is a single message in a room. Timestamp is Unix
// milliseconds; display ordering is ascending by timestamp.
type ChatMessage struct {
	MessageID    string   `json:"messageId"`
	ChatID       string   `json:"chatId"`
	Sender       ChatUser `json:"sender"`
	Content      string   `json:"content"`
	ImageURL     string   `json:"imageUrl,omitempty"`
	ThumbnailURL string   `json:"thumbnailUrl,omitempty"`
	Timestamp    int64    `json:"timestamp"`
	IsReceived   bool     `json:"isReceived"`
	IsRead       bool     `json:"isRead"`
	IsDeleted    bool     `json:"isDeleted"`
}

type Chat struct {
	ChatID       string        `json:"chatId"`
	Participants []ChatUser    `json:"participants"`
	Messages     []ChatMessage `json:"messages"`
}

// ChatSummary is the room-list projection. LatestMessage always
// reflects the most recently received message for the room.
type ChatSummary struct {
	ChatID        string      `json:"chatId"`
	Participants  []ChatUser  `json:"participants"`
	LatestMessage ChatMessage `json:"latestMessage"`
}

// Now returns the current wall clock in Unix milliseconds, the
// resolution used on the wire.
func Now() int64 {
	return time.Now().UnixMilli()
}
