package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
)

const cacheFileName = "cache.json"

// FileStore persists the key/value map as a single JSON file. Writes
// are coalesced and flushed by a background goroutine so Set never
// blocks on disk I/O.
type FileStore struct {
	path string
	log  *log.Logger

	mu   sync.Mutex
	data map[string]string

	flush     chan struct{}
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewFileStore opens (or creates) the cache file in dir and loads any
// existing contents.
func NewFileStore(dir string, logger *log.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	s := &FileStore{
		path:  filepath.Join(dir, cacheFileName),
		log:   logger,
		data:  make(map[string]string),
		flush: make(chan struct{}, 1),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}

	raw, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read cache file: %w", err)
	default:
		if err := json.Unmarshal(raw, &s.data); err != nil {
			// A corrupt cache is not fatal, the server is authoritative.
			s.log.Printf("cache: discarding unreadable cache file: %v", err)
			s.data = make(map[string]string)
		}
	}

	go s.flusher()

	return s, nil
}

func (s *FileStore) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

func (s *FileStore) Set(key, value string) {
	s.mu.Lock()
	s.data[key] = value
	s.mu.Unlock()

	s.scheduleFlush()
}

func (s *FileStore) Delete(key string) {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()

	s.scheduleFlush()
}

func (s *FileStore) scheduleFlush() {
	select {
	case s.flush <- struct{}{}:
	default:
		// a flush is already pending
	}
}

func (s *FileStore) flusher() {
	for {
		select {
		case <-s.flush:
			s.write()
		case <-s.stop:
			s.write()
			close(s.done)
			return
		}
	}
}

func (s *FileStore) write() {
	s.mu.Lock()
	raw, err := json.Marshal(s.data)
	s.mu.Unlock()

	if err != nil {
		s.log.Printf("cache: marshal: %v", err)
		return
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		s.log.Printf("cache: write: %v", err)
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		s.log.Printf("cache: rename: %v", err)
	}
}

// Close flushes any pending write and stops the background flusher.
func (s *FileStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.done
	})
	return nil
}
