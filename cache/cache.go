// Package cache provides the persisted key/value store used for
// optimistic UI continuity across reloads. The cache is advisory: it
// is a best-effort mirror of server state with no authority, consulted
// only when the live in-memory value is absent.
package cache

import (
	"fmt"
	"sync"
)

// Well-known cache keys.
const (
	KeySelectedChat = "selectedChat"
	KeyChats        = "chats"
	KeyCurrentUser  = "currentUser"
)

// MessagesKey returns the cache key for one page of a room's messages.
func MessagesKey(chatID string, page int) string {
	return fmt.Sprintf("messages_%s_%d", chatID, page)
}

// Store is a persisted string key/value store. Set is fire-and-forget:
// implementations must never block the caller on I/O.
type Store interface {
	Get(key string) (string, bool)
	Set(key, value string)
	Delete(key string)
	Close() error
}

// MemStore is an in-memory Store for tests and ephemeral sessions.
type MemStore struct {
	mu   sync.RWMutex
	data map[string]string
}

func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string]string)}
}

func (m *MemStore) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok
}

func (m *MemStore) Set(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
}

func (m *MemStore) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
}

func (m *MemStore) Close() error { return nil }
