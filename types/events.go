package types

import "strings"

// Chat signaling event names.
const (
	EventRegisterUser        = "registerUser"
	EventUserRegistered      = "userRegistered"
	EventRegisterUserError   = "registerUserError"
	EventCreateChatRoom      = "createChatRoom"
	EventChatRoomCreated     = "chatRoomCreated"
	EventCreateChatRoomError = "createChatRoomError"
	EventListChatRooms       = "listChatRooms"
	EventChatsList           = "chatsList"
	EventListChatsError      = "listChatsError"
	EventListMessages        = "listMessages"
	EventMessagesList        = "messagesList"
	EventSendMessage         = "sendMessage"
	EventReadMessages        = "readMessages"
	EventNewMessage          = "newMessage"
)

type UserRegistered struct {
	UserID string `json:"userId"`
}

type CreateChatRoomParams struct {
	NewRoomID    string     `json:"newRoomId"`
	Sender       ChatUser   `json:"sender"`
	Participants []ChatUser `json:"participants"`
	Message      string     `json:"message"`
	Timestamp    int64      `json:"timestamp"`
}

// CodeRoomExists is the structured error code a server sends when a
// client-generated room id collides with an existing room.
const CodeRoomExists = "ROOM_EXISTS"

// legacyRoomExists is the message substring older servers send instead
// of a code.
const legacyRoomExists = "RoomId already exists"

type CreateChatRoomError struct {
	Code         string `json:"code,omitempty"`
	ErrorMessage string `json:"errorMessage"`
}

// RoomExists reports whether the error is an id collision, the one
// condition a client retries with a fresh id.
func (e CreateChatRoomError) RoomExists() bool {
	return e.Code == CodeRoomExists || strings.Contains(e.ErrorMessage, legacyRoomExists)
}

type ListChatsParams struct {
	UserID string `json:"userId"`
}

type ListMessagesParams struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

type MessagesList struct {
	ChatID       string        `json:"chatId"`
	Participants []ChatUser    `json:"participants"`
	MessagesList []ChatMessage `json:"messagesList"`
}

type SendMessageParams struct {
	RoomID       string   `json:"roomId"`
	Sender       ChatUser `json:"sender"`
	Message      string   `json:"message"`
	ImageURL     string   `json:"imageUrl,omitempty"`
	ThumbnailURL string   `json:"thumbnailUrl,omitempty"`
	Timestamp    int64    `json:"timestamp"`
}

type ReadMessagesParams struct {
	RoomID         string   `json:"roomId"`
	UnreadMessages []string `json:"unreadMessages"`
}
