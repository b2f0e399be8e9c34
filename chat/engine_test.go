package chat

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutorlink/go-classroom/cache"
	"github.com/tutorlink/go-classroom/internal/testutil"
	"github.com/tutorlink/go-classroom/transport"
	"github.com/tutorlink/go-classroom/types"
)

type sentEvent struct {
	event string
	data  any
}

type fakeTransport struct {
	mu       sync.Mutex
	handlers map[string]transport.HandlerFunc
	sent     []sentEvent
	sendErr  error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string]transport.HandlerFunc)}
}

func (f *fakeTransport) Send(event string, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentEvent{event: event, data: data})
	return nil
}

func (f *fakeTransport) Handle(event string, h transport.HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = h
}

// push delivers a server event to the engine the way the read pump
// would.
func (f *fakeTransport) push(t *testing.T, event string, payload any) {
	t.Helper()

	raw, err := json.Marshal(payload)
	require.NoError(t, err, "marshal payload for %s", event)

	f.mu.Lock()
	h := f.handlers[event]
	f.mu.Unlock()
	require.NotNil(t, h, "no handler registered for %s", event)

	h(raw)
}

func (f *fakeTransport) sentEvents(event string) []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []sentEvent
	for _, s := range f.sent {
		if s.event == event {
			out = append(out, s)
		}
	}
	return out
}

func testUser(id string) types.ChatUser {
	return types.ChatUser{
		UserID:        id,
		UserType:      types.UserTypeStudent,
		PreferredName: "Test " + id,
	}
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *fakeTransport, *cache.MemStore) {
	tp := newFakeTransport()
	store := cache.NewMemStore()
	eng := NewEngine(tp, store, nil, testutil.TestLogger(t), opts...)
	return eng, tp, store
}

func sequentialIDs(prefix string) func() (string, error) {
	var n int
	return func() (string, error) {
		n++
		return fmt.Sprintf("%s-%d", prefix, n), nil
	}
}

func TestRegisterFlow(t *testing.T) {
	eng, tp, store := newTestEngine(t)
	user := testUser("u1")

	require.NoError(t, eng.Register(user))
	assert.Equal(t, Registering, eng.State(), "expected engine to be registering")

	registered := tp.sentEvents(types.EventRegisterUser)
	require.Len(t, registered, 1, "expected one registerUser emission")
	assert.Equal(t, user, registered[0].data, "expected user to be sent as-is")

	cached, ok := store.Get(cache.KeyCurrentUser)
	require.True(t, ok, "expected current user to be cached")
	var cachedUser types.ChatUser
	require.NoError(t, json.Unmarshal([]byte(cached), &cachedUser))
	assert.Equal(t, user.UserID, cachedUser.UserID, "expected cached user id to match")

	tp.push(t, types.EventUserRegistered, types.UserRegistered{UserID: "u1"})
	assert.Equal(t, Registered, eng.State(), "expected engine to be registered")

	lists := tp.sentEvents(types.EventListChatRooms)
	require.Len(t, lists, 1, "expected registration to trigger a room list fetch")
	assert.Equal(t, types.ListChatsParams{UserID: "u1"}, lists[0].data)
}

func TestRegisterError(t *testing.T) {
	var surfaced error
	eng, tp, _ := newTestEngine(t, WithErrorFunc(func(err error) { surfaced = err }))

	require.NoError(t, eng.Register(testUser("u1")))
	tp.push(t, types.EventRegisterUserError, "user already registered")

	assert.Equal(t, Unregistered, eng.State(), "expected state to revert on error")
	assert.Error(t, surfaced, "expected error to be surfaced")
	// no automatic retry
	assert.Len(t, tp.sentEvents(types.EventRegisterUser), 1, "expected no re-registration attempt")
}

func TestRegisterWhilePending(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	require.NoError(t, eng.Register(testUser("u1")))
	assert.ErrorIs(t, eng.Register(testUser("u1")), ErrRegistrationPending)
}

func TestCreateRoomRetry(t *testing.T) {
	tcases := []struct {
		name    string
		errResp types.CreateChatRoomError
	}{
		{
			name:    "legacy message substring",
			errResp: types.CreateChatRoomError{ErrorMessage: "RoomId already exists: try another"},
		},
		{
			name:    "structured code",
			errResp: types.CreateChatRoomError{Code: types.CodeRoomExists},
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			eng, tp, store := newTestEngine(t, WithIDGenerator(sequentialIDs("room")))
			sender := testUser("u1")

			require.NoError(t, eng.CreateRoom(sender, []types.ChatUser{sender, testUser("u2")}, "hello", 1000))

			// first two attempts collide, third succeeds
			tp.push(t, types.EventCreateChatRoomError, tc.errResp)
			tp.push(t, types.EventCreateChatRoomError, tc.errResp)

			creations := tp.sentEvents(types.EventCreateChatRoom)
			require.Len(t, creations, 3, "expected exactly three creation attempts")

			ids := make(map[string]struct{})
			for _, c := range creations {
				params := c.data.(types.CreateChatRoomParams)
				ids[params.NewRoomID] = struct{}{}
				assert.Equal(t, "hello", params.Message, "expected retry to preserve the message")
			}
			assert.Len(t, ids, 3, "expected three distinct generated room ids")

			finalID := creations[2].data.(types.CreateChatRoomParams).NewRoomID
			tp.push(t, types.EventChatRoomCreated, types.Chat{
				ChatID:       finalID,
				Participants: []types.ChatUser{sender, testUser("u2")},
			})

			assert.Equal(t, finalID, eng.SelectedChat(), "expected created room to become the selected chat")
			selected, ok := store.Get(cache.KeySelectedChat)
			require.True(t, ok, "expected selected chat to be persisted")
			assert.Equal(t, finalID, selected)

			// a late duplicate error must not trigger another attempt
			tp.push(t, types.EventCreateChatRoomError, tc.errResp)
			assert.Len(t, tp.sentEvents(types.EventCreateChatRoom), 3, "expected no attempts after success")
		})
	}
}

func TestCreateRoomOtherErrorStopsRetry(t *testing.T) {
	var surfaced error
	eng, tp, _ := newTestEngine(t,
		WithIDGenerator(sequentialIDs("room")),
		WithErrorFunc(func(err error) { surfaced = err }),
	)

	require.NoError(t, eng.CreateRoom(testUser("u1"), nil, "hi", 1000))
	tp.push(t, types.EventCreateChatRoomError, types.CreateChatRoomError{ErrorMessage: "participants not found"})

	assert.Len(t, tp.sentEvents(types.EventCreateChatRoom), 1, "expected no retry on a non-collision error")
	assert.Error(t, surfaced, "expected creation failure to be surfaced")
}

func TestCloseAbandonsRetry(t *testing.T) {
	eng, tp, _ := newTestEngine(t, WithIDGenerator(sequentialIDs("room")))

	require.NoError(t, eng.CreateRoom(testUser("u1"), nil, "hi", 1000))
	eng.Close()

	tp.push(t, types.EventCreateChatRoomError, types.CreateChatRoomError{Code: types.CodeRoomExists})
	assert.Len(t, tp.sentEvents(types.EventCreateChatRoom), 1, "expected retry to stop after close")
}

func TestChatsListSorted(t *testing.T) {
	eng, tp, store := newTestEngine(t)

	summaries := []types.ChatSummary{
		{ChatID: "a", LatestMessage: types.ChatMessage{MessageID: "m1", Timestamp: 100}},
		{ChatID: "b", LatestMessage: types.ChatMessage{MessageID: "m2", Timestamp: 300}},
		{ChatID: "c", LatestMessage: types.ChatMessage{MessageID: "m3", Timestamp: 200}},
	}
	tp.push(t, types.EventChatsList, summaries)

	got := eng.Summaries()
	require.Len(t, got, 3)
	assert.Equal(t, []int64{300, 200, 100}, []int64{
		got[0].LatestMessage.Timestamp,
		got[1].LatestMessage.Timestamp,
		got[2].LatestMessage.Timestamp,
	}, "expected summaries sorted by latest message timestamp descending")

	cached, ok := store.Get(cache.KeyChats)
	require.True(t, ok, "expected chat list to be persisted")
	var cachedSummaries []types.ChatSummary
	require.NoError(t, json.Unmarshal([]byte(cached), &cachedSummaries))
	assert.Len(t, cachedSummaries, 3)
}

func TestChatsListStableTieBreak(t *testing.T) {
	eng, tp, _ := newTestEngine(t)

	tp.push(t, types.EventChatsList, []types.ChatSummary{
		{ChatID: "first", LatestMessage: types.ChatMessage{Timestamp: 100}},
		{ChatID: "second", LatestMessage: types.ChatMessage{Timestamp: 100}},
	})

	got := eng.Summaries()
	require.Len(t, got, 2)
	assert.Equal(t, "first", got[0].ChatID, "expected server order preserved on equal timestamps")
	assert.Equal(t, "second", got[1].ChatID)
}

func TestChatsListEmptyOverwritesCache(t *testing.T) {
	eng, tp, store := newTestEngine(t)

	tp.push(t, types.EventChatsList, []types.ChatSummary{
		{ChatID: "a", LatestMessage: types.ChatMessage{Timestamp: 100}},
	})
	require.Len(t, eng.Summaries(), 1)

	tp.push(t, types.EventChatsList, nil)

	assert.Empty(t, eng.Summaries(), "expected empty response to clear the list")
	cached, ok := store.Get(cache.KeyChats)
	require.True(t, ok, "expected the cache entry to be written")
	assert.Equal(t, "[]", cached, "expected the cached list to be emptied, not retained")
}

func TestMessagesListIdempotent(t *testing.T) {
	eng, tp, _ := newTestEngine(t)

	require.NoError(t, eng.SelectChat("room1", "u1"))
	assert.Len(t, tp.sentEvents(types.EventListMessages), 1, "expected selecting a chat to request its history")

	payload := types.MessagesList{
		ChatID: "room1",
		MessagesList: []types.ChatMessage{
			{MessageID: "m1", ChatID: "room1", Timestamp: 1},
			{MessageID: "m2", ChatID: "room1", Timestamp: 2},
		},
	}

	tp.push(t, types.EventMessagesList, payload)
	first := eng.Messages()
	require.Len(t, first, 2)

	// an identical refresh must not duplicate messages
	tp.push(t, types.EventMessagesList, payload)
	assert.Equal(t, first, eng.Messages(), "expected identical state after an identical refresh")
}

func TestMessagesListIgnoredForOtherRoom(t *testing.T) {
	eng, tp, _ := newTestEngine(t)

	require.NoError(t, eng.SelectChat("room1", "u1"))
	tp.push(t, types.EventMessagesList, types.MessagesList{
		ChatID:       "room2",
		MessagesList: []types.ChatMessage{{MessageID: "m1"}},
	})

	assert.Empty(t, eng.Messages(), "expected visible messages untouched for a different room")
	assert.Contains(t, eng.Chats(), "room2", "expected the room state to be merged anyway")
}

func TestNewMessagePush(t *testing.T) {
	eng, tp, _ := newTestEngine(t)

	require.NoError(t, eng.SelectChat("room1", "u1"))
	room := types.Chat{
		ChatID: "room1",
		Messages: []types.ChatMessage{
			{MessageID: "m1", ChatID: "room1", Content: "hey", Timestamp: 10},
		},
	}
	tp.push(t, types.EventNewMessage, room)

	msgs := eng.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "hey", msgs[0].Content)
}

func TestNewMessageSelectedChatFromCache(t *testing.T) {
	// after a reload the selection only exists in the cache
	eng, tp, store := newTestEngine(t)
	store.Set(cache.KeySelectedChat, "room1")

	tp.push(t, types.EventNewMessage, types.Chat{
		ChatID:   "room1",
		Messages: []types.ChatMessage{{MessageID: "m1", Content: "hi"}},
	})

	require.Len(t, eng.Messages(), 1, "expected cache fallback to resolve the selected chat")
	assert.Equal(t, "room1", eng.SelectedChat())
}

func TestSendMessageNoOptimisticUpdate(t *testing.T) {
	eng, tp, _ := newTestEngine(t)

	require.NoError(t, eng.SendMessage(types.SendMessageParams{
		RoomID:    "room1",
		Sender:    testUser("u1"),
		Message:   "hello",
		Timestamp: 1000,
	}))

	assert.Len(t, tp.sentEvents(types.EventSendMessage), 1, "expected the message to be emitted")
	assert.Empty(t, eng.Messages(), "expected no local append before server confirmation")
}

func TestMarkRead(t *testing.T) {
	eng, tp, _ := newTestEngine(t)
	require.NoError(t, eng.Register(testUser("B")))

	msgs := []types.ChatMessage{
		{MessageID: "m1", Sender: testUser("A"), IsRead: false},
		{MessageID: "m2", Sender: testUser("B"), IsRead: false},
		{MessageID: "m3", Sender: testUser("B"), IsRead: true},
	}

	require.NoError(t, eng.MarkRead("room1", msgs))

	reads := tp.sentEvents(types.EventReadMessages)
	require.Len(t, reads, 1, "expected one readMessages emission")
	params := reads[0].data.(types.ReadMessagesParams)
	assert.Equal(t, "room1", params.RoomID)
	assert.Equal(t, []string{"m1"}, params.UnreadMessages,
		"expected only the unread message from another sender")
}

func TestMarkReadNothingUnread(t *testing.T) {
	eng, tp, _ := newTestEngine(t)
	require.NoError(t, eng.Register(testUser("B")))

	require.NoError(t, eng.MarkRead("room1", []types.ChatMessage{
		{MessageID: "m1", Sender: testUser("B"), IsRead: false},
		{MessageID: "m2", Sender: testUser("A"), IsRead: true},
	}))

	assert.Empty(t, tp.sentEvents(types.EventReadMessages), "expected no emission when nothing is unread")
}

func TestMarkReadIdentityFromCache(t *testing.T) {
	eng, tp, store := newTestEngine(t)

	raw, err := json.Marshal(testUser("B"))
	require.NoError(t, err)
	store.Set(cache.KeyCurrentUser, string(raw))

	require.NoError(t, eng.MarkRead("room1", []types.ChatMessage{
		{MessageID: "m1", Sender: testUser("A"), IsRead: false},
	}))

	require.Len(t, tp.sentEvents(types.EventReadMessages), 1, "expected cached identity to be used")
}

func TestMarkReadMissingIdentity(t *testing.T) {
	eng, tp, _ := newTestEngine(t)

	err := eng.MarkRead("room1", []types.ChatMessage{
		{MessageID: "m1", Sender: testUser("A"), IsRead: false},
	})

	assert.ErrorIs(t, err, ErrMissingIdentity)
	assert.Empty(t, tp.sentEvents(types.EventReadMessages), "expected no side effects without an identity")
}
