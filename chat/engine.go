// Package chat implements user registration, room creation and the
// synchronization engine reconciling server-pushed room state with the
// local cache.
package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"slices"
	"sort"
	"sync"

	"github.com/teris-io/shortid"

	"github.com/tutorlink/go-classroom/cache"
	"github.com/tutorlink/go-classroom/stats"
	"github.com/tutorlink/go-classroom/transport"
	"github.com/tutorlink/go-classroom/types"
)

type RegistrationState int

const (
	Unregistered RegistrationState = iota
	Registering
	Registered
)

func (s RegistrationState) String() string {
	switch s {
	case Unregistered:
		return "unregistered"
	case Registering:
		return "registering"
	case Registered:
		return "registered"
	default:
		return "unknown"
	}
}

var (
	// ErrMissingIdentity is returned when the current user id cannot
	// be resolved from live state or the cache.
	ErrMissingIdentity = errors.New("chat: current user id unknown")
	// ErrClosed is returned for operations on a closed engine.
	ErrClosed = errors.New("chat: engine closed")
	// ErrRegistrationPending is returned when a registration round
	// trip is already in flight.
	ErrRegistrationPending = errors.New("chat: registration in progress")
)

// Transport is the slice of a signaling connection the engine needs.
type Transport interface {
	Send(event string, data any) error
	Handle(event string, h transport.HandlerFunc)
}

// ErrorFunc surfaces asynchronous failures (registration errors, room
// creation failures) to the caller.
type ErrorFunc func(err error)

type pendingRoom struct {
	params   types.CreateChatRoomParams
	attempts int
}

// Engine owns the in-memory chat state. Server responses and pushes
// arrive through transport handlers; callers read snapshots and never
// mutate engine state directly.
type Engine struct {
	log   *log.Logger
	tp    Transport
	cache cache.Store
	stats stats.Provider
	genID func() (string, error)
	errFn ErrorFunc

	mu              sync.Mutex
	state           RegistrationState
	user            types.ChatUser
	chats           map[string]types.Chat
	summaries       []types.ChatSummary
	messages        []types.ChatMessage
	selectedChat    string
	pending         *pendingRoom
	chatsLoading    bool
	messagesLoading bool
	closed          bool
}

type Option func(*Engine)

// WithIDGenerator overrides the room id generator.
func WithIDGenerator(gen func() (string, error)) Option {
	return func(e *Engine) { e.genID = gen }
}

func WithErrorFunc(fn ErrorFunc) Option {
	return func(e *Engine) { e.errFn = fn }
}

func NewEngine(tp Transport, store cache.Store, sp stats.Provider, logger *log.Logger, opts ...Option) *Engine {
	e := &Engine{
		log:   logger,
		tp:    tp,
		cache: store,
		stats: sp,
		genID: shortid.Generate,
		chats: make(map[string]types.Chat),
	}

	for _, opt := range opts {
		opt(e)
	}

	tp.Handle(types.EventUserRegistered, e.onUserRegistered)
	tp.Handle(types.EventRegisterUserError, e.onRegisterUserError)
	tp.Handle(types.EventChatsList, e.onChatsList)
	tp.Handle(types.EventListChatsError, e.onListChatsError)
	tp.Handle(types.EventMessagesList, e.onMessagesList)
	tp.Handle(types.EventChatRoomCreated, e.onChatRoomCreated)
	tp.Handle(types.EventCreateChatRoomError, e.onCreateChatRoomError)
	tp.Handle(types.EventNewMessage, e.onNewMessage)

	return e
}

// Register announces the user's presence. On success the server
// responds with userRegistered, which triggers a room list fetch.
// Failures surface through the error func and leave the engine
// unregistered; there is no automatic retry.
func (e *Engine) Register(user types.ChatUser) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.state == Registering {
		e.mu.Unlock()
		return ErrRegistrationPending
	}
	e.user = user
	e.state = Registering
	e.mu.Unlock()

	if raw, err := json.Marshal(user); err == nil {
		e.cache.Set(cache.KeyCurrentUser, string(raw))
	}

	if err := e.tp.Send(types.EventRegisterUser, user); err != nil {
		e.mu.Lock()
		e.state = Unregistered
		e.mu.Unlock()
		return fmt.Errorf("register user: %w", err)
	}

	return nil
}

func (e *Engine) onUserRegistered(data json.RawMessage) {
	var payload types.UserRegistered
	if err := json.Unmarshal(data, &payload); err != nil {
		e.log.Printf("chat: parse userRegistered: %v", err)
		return
	}

	e.mu.Lock()
	e.state = Registered
	e.mu.Unlock()

	if err := e.ListChats(payload.UserID); err != nil {
		e.log.Printf("chat: list chats after registration: %v", err)
	}
}

func (e *Engine) onRegisterUserError(data json.RawMessage) {
	e.mu.Lock()
	e.state = Unregistered
	e.mu.Unlock()

	var msg string
	if err := json.Unmarshal(data, &msg); err != nil {
		msg = string(data)
	}
	e.fail(fmt.Errorf("chat: registration failed: %s", msg))
}

// Reset returns the engine to the unregistered state, typically after
// the transport reconnects. Any in-flight room creation is abandoned.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = Unregistered
	e.pending = nil
}

// CreateRoom submits a room creation request with a freshly generated
// room id. If the server reports an id collision the request is
// resubmitted with a new id until it succeeds or fails for any other
// reason.
func (e *Engine) CreateRoom(sender types.ChatUser, participants []types.ChatUser, message string, timestamp int64) error {
	id, err := e.genID()
	if err != nil {
		return fmt.Errorf("generate room id: %w", err)
	}

	params := types.CreateChatRoomParams{
		NewRoomID:    id,
		Sender:       sender,
		Participants: participants,
		Message:      message,
		Timestamp:    timestamp,
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.pending = &pendingRoom{params: params, attempts: 1}
	e.mu.Unlock()

	return e.tp.Send(types.EventCreateChatRoom, params)
}

func (e *Engine) onChatRoomCreated(data json.RawMessage) {
	var room types.Chat
	if err := json.Unmarshal(data, &room); err != nil {
		e.log.Printf("chat: parse chatRoomCreated: %v", err)
		return
	}

	e.mu.Lock()
	e.pending = nil
	e.chats[room.ChatID] = room
	e.selectedChat = room.ChatID
	e.messages = slices.Clone(room.Messages)
	e.mu.Unlock()

	e.cache.Set(cache.KeySelectedChat, room.ChatID)
	e.incr(stats.RoomsCreated)
}

func (e *Engine) onCreateChatRoomError(data json.RawMessage) {
	var perr types.CreateChatRoomError
	if err := json.Unmarshal(data, &perr); err != nil {
		e.log.Printf("chat: parse createChatRoomError: %v", err)
		return
	}

	e.mu.Lock()
	p := e.pending
	if p == nil || e.closed {
		e.mu.Unlock()
		return
	}

	if !perr.RoomExists() {
		e.pending = nil
		e.mu.Unlock()
		e.fail(fmt.Errorf("chat: create room: %s", perr.ErrorMessage))
		return
	}

	// id collision, the one condition that is retried
	id, err := e.genID()
	if err != nil {
		e.pending = nil
		e.mu.Unlock()
		e.fail(fmt.Errorf("chat: regenerate room id: %w", err))
		return
	}

	p.params.NewRoomID = id
	p.attempts++
	params := p.params
	e.mu.Unlock()

	if err := e.tp.Send(types.EventCreateChatRoom, params); err != nil {
		e.fail(fmt.Errorf("chat: resubmit create room: %w", err))
	}
}

// ListChats requests the user's room summaries.
func (e *Engine) ListChats(userID string) error {
	e.mu.Lock()
	e.chatsLoading = true
	e.mu.Unlock()

	return e.tp.Send(types.EventListChatRooms, types.ListChatsParams{UserID: userID})
}

func (e *Engine) onChatsList(data json.RawMessage) {
	// an absent or null response is an empty list, not an error
	summaries := []types.ChatSummary{}
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &summaries); err != nil {
			e.log.Printf("chat: parse chatsList: %v", err)
			return
		}
	}

	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].LatestMessage.Timestamp > summaries[j].LatestMessage.Timestamp
	})

	e.mu.Lock()
	e.summaries = summaries
	e.chatsLoading = false
	e.mu.Unlock()

	// always overwrite the cache, even with an empty list, so stale
	// rooms do not resurface on the next reload
	if raw, err := json.Marshal(summaries); err == nil {
		e.cache.Set(cache.KeyChats, string(raw))
	}
}

func (e *Engine) onListChatsError(data json.RawMessage) {
	e.mu.Lock()
	e.chatsLoading = false
	e.mu.Unlock()

	e.log.Printf("chat: list chats failed: %s", data)
}

// ListMessages requests the full message history for a room. Responses
// replace the room's message list, so repeating the request with
// unchanged server data is idempotent.
func (e *Engine) ListMessages(roomID, userID string) error {
	e.mu.Lock()
	e.messagesLoading = true
	e.mu.Unlock()

	return e.tp.Send(types.EventListMessages, types.ListMessagesParams{RoomID: roomID, UserID: userID})
}

func (e *Engine) onMessagesList(data json.RawMessage) {
	var payload types.MessagesList
	if err := json.Unmarshal(data, &payload); err != nil {
		e.log.Printf("chat: parse messagesList: %v", err)
		return
	}
	if payload.MessagesList == nil {
		payload.MessagesList = []types.ChatMessage{}
	}

	e.mu.Lock()
	e.chats[payload.ChatID] = types.Chat{
		ChatID:       payload.ChatID,
		Participants: payload.Participants,
		Messages:     payload.MessagesList,
	}
	if e.isSelectedLocked(payload.ChatID) {
		e.messages = slices.Clone(payload.MessagesList)
	}
	e.messagesLoading = false
	e.mu.Unlock()

	if raw, err := json.Marshal(payload.MessagesList); err == nil {
		e.cache.Set(cache.MessagesKey(payload.ChatID, 1), string(raw))
	}
}

// SendMessage emits the message to the server. Local state is not
// updated optimistically; the authoritative room state arrives back as
// a newMessage push.
func (e *Engine) SendMessage(params types.SendMessageParams) error {
	if err := e.tp.Send(types.EventSendMessage, params); err != nil {
		return fmt.Errorf("send message: %w", err)
	}

	e.incr(stats.MessagesSent)
	return nil
}

func (e *Engine) onNewMessage(data json.RawMessage) {
	var room types.Chat
	if err := json.Unmarshal(data, &room); err != nil {
		e.log.Printf("chat: parse newMessage: %v", err)
		return
	}

	e.incr(stats.MessagesReceived)

	e.mu.Lock()
	e.chats[room.ChatID] = room
	if e.isSelectedLocked(room.ChatID) {
		e.messages = slices.Clone(room.Messages)
	}
	e.mu.Unlock()

	if raw, err := json.Marshal(room.Messages); err == nil {
		e.cache.Set(cache.MessagesKey(room.ChatID, 1), string(raw))
	}
}

// SelectChat marks a room as the visible conversation, persists the
// selection and refreshes its history.
func (e *Engine) SelectChat(chatID, userID string) error {
	e.mu.Lock()
	e.selectedChat = chatID
	if c, ok := e.chats[chatID]; ok {
		e.messages = slices.Clone(c.Messages)
	} else {
		e.messages = nil
	}
	e.mu.Unlock()

	e.cache.Set(cache.KeySelectedChat, chatID)

	return e.ListMessages(chatID, userID)
}

// MarkRead emits read receipts for the subset of msgs that were
// authored by someone else and are still unread. Nothing is emitted
// when that subset is empty.
func (e *Engine) MarkRead(roomID string, msgs []types.ChatMessage) error {
	me := e.currentUserID()
	if me == "" {
		e.log.Println("chat: mark read: current user id unknown")
		return ErrMissingIdentity
	}

	var unread []string
	for _, m := range msgs {
		if m.Sender.UserID != me && !m.IsRead {
			unread = append(unread, m.MessageID)
		}
	}
	if len(unread) == 0 {
		return nil
	}

	return e.tp.Send(types.EventReadMessages, types.ReadMessagesParams{
		RoomID:         roomID,
		UnreadMessages: unread,
	})
}

// currentUserID resolves the current user from live state, falling
// back to the cached identity from a previous session.
func (e *Engine) currentUserID() string {
	e.mu.Lock()
	id := e.user.UserID
	e.mu.Unlock()
	if id != "" {
		return id
	}

	raw, ok := e.cache.Get(cache.KeyCurrentUser)
	if !ok {
		return ""
	}

	var user types.ChatUser
	if err := json.Unmarshal([]byte(raw), &user); err != nil {
		e.log.Printf("chat: parse cached user: %v", err)
		return ""
	}
	return user.UserID
}

// isSelectedLocked reports whether chatID is the selected chat,
// consulting the cache only when no live selection exists.
func (e *Engine) isSelectedLocked(chatID string) bool {
	if e.selectedChat != "" {
		return e.selectedChat == chatID
	}

	stored, ok := e.cache.Get(cache.KeySelectedChat)
	if ok && stored == chatID {
		e.selectedChat = stored
		return true
	}
	return false
}

func (e *Engine) fail(err error) {
	e.log.Println(err)
	if e.errFn != nil {
		e.errFn(err)
	}
}

func (e *Engine) incr(name string) {
	if e.stats != nil {
		e.stats.Incr(name)
	}
}

// Close abandons any in-flight room creation retry and rejects further
// operations. The transport is owned by the caller and closed there.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.pending = nil
}

// State returns the registration state.
func (e *Engine) State() RegistrationState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Chats returns a snapshot of the chat map.
func (e *Engine) Chats() map[string]types.Chat {
	e.mu.Lock()
	defer e.mu.Unlock()

	chats := make(map[string]types.Chat, len(e.chats))
	for id, c := range e.chats {
		chats[id] = c
	}
	return chats
}

// Summaries returns a snapshot of the sorted room list.
func (e *Engine) Summaries() []types.ChatSummary {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.summaries)
}

// Messages returns a snapshot of the selected chat's messages.
func (e *Engine) Messages() []types.ChatMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.messages)
}

func (e *Engine) SelectedChat() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.selectedChat
}

func (e *Engine) ChatsLoading() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.chatsLoading
}

func (e *Engine) MessagesLoading() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.messagesLoading
}
