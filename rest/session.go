package rest

import (
	"context"
	"encoding/json"
	"log"
	"slices"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/tutorlink/go-classroom/cache"
	"github.com/tutorlink/go-classroom/stats"
	"github.com/tutorlink/go-classroom/types"
)

const defaultPageSize = 50

// Session holds the chat state synchronized over HTTP. Unlike the
// socket engine it appends sent messages locally, but only after the
// server has confirmed the post; a failed post leaves state untouched.
type Session struct {
	client *Client
	cache  cache.Store
	stats  stats.Provider
	log    *log.Logger

	mu       sync.Mutex
	chats    []types.ChatSummary
	messages []types.ChatMessage
	chatID   string
	page     int
	loading  bool
}

func NewSession(client *Client, store cache.Store, sp stats.Provider, logger *log.Logger) *Session {
	return &Session{
		client: client,
		cache:  store,
		stats:  sp,
		log:    logger,
		page:   1,
	}
}

// LoadChats fetches and replaces the chat list, sorted by the latest
// message timestamp descending. A fetch failure clears the loading
// flag and keeps the previous list.
func (s *Session) LoadChats(ctx context.Context, studentID string) error {
	s.setLoading(true)

	chats, err := s.client.FetchChats(ctx, studentID)
	if err != nil {
		s.setLoading(false)
		s.log.Printf("rest: fetch chats: %v", err)
		return err
	}

	sort.SliceStable(chats, func(i, j int) bool {
		return chats[i].LatestMessage.Timestamp > chats[j].LatestMessage.Timestamp
	})

	s.mu.Lock()
	s.chats = chats
	s.loading = false
	s.mu.Unlock()

	if raw, err := json.Marshal(chats); err == nil {
		s.cache.Set(cache.KeyChats, string(raw))
	}

	return nil
}

// LoadMessages fetches one page of a room's history, replacing the
// message list. Re-fetching the same page with unchanged server data
// yields the same final state.
func (s *Session) LoadMessages(ctx context.Context, chatID string, page int) error {
	s.setLoading(true)

	msgs, err := s.client.FetchMessages(ctx, chatID, defaultPageSize, page)
	if err != nil {
		s.setLoading(false)
		s.log.Printf("rest: fetch messages: %v", err)
		return err
	}

	s.mu.Lock()
	s.chatID = chatID
	s.page = page
	s.messages = msgs
	s.loading = false
	s.mu.Unlock()

	if raw, err := json.Marshal(msgs); err == nil {
		s.cache.Set(cache.MessagesKey(chatID, page), string(raw))
	}

	return nil
}

// Send posts a message and, only after a confirmed 2xx, appends it to
// the local list and persists the page cache.
func (s *Session) Send(ctx context.Context, msg types.ChatMessage) error {
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = types.Now()
	}

	if err := s.client.PostMessage(ctx, msg); err != nil {
		s.log.Printf("rest: send message: %v", err)
		return err
	}

	if s.stats != nil {
		s.stats.Incr(stats.MessagesSent)
	}

	s.mu.Lock()
	var snapshot []types.ChatMessage
	if msg.ChatID == s.chatID {
		s.messages = append(s.messages, msg)
		snapshot = slices.Clone(s.messages)
	}
	page := s.page
	s.mu.Unlock()

	if snapshot != nil {
		if raw, err := json.Marshal(snapshot); err == nil {
			s.cache.Set(cache.MessagesKey(msg.ChatID, page), string(raw))
		}
	}

	return nil
}

// Chats returns a snapshot of the sorted chat list.
func (s *Session) Chats() []types.ChatSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.chats)
}

// Messages returns a snapshot of the loaded message page.
func (s *Session) Messages() []types.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages)
}

func (s *Session) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

func (s *Session) setLoading(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loading = v
}
