package sessions

import (
	"sync"
	"time"
)

// Store holds the live token table. It is injected so tests and future
// deployments can swap the in-memory table for a persistent one.
type Store interface {
	Put(token, userID string, expiresAt time.Time)
	Get(token string, now time.Time) (string, bool)
	Delete(token string)
}

type storedSession struct {
	userID    string
	expiresAt time.Time
}

type memoryStore struct {
	mu       sync.RWMutex
	sessions map[string]storedSession
}

// NewMemoryStore returns a process-local session table.
func NewMemoryStore() Store {
	return &memoryStore{sessions: make(map[string]storedSession)}
}

func (s *memoryStore) Put(token, userID string, expiresAt time.Time) {
	s.mu.Lock()
	s.sessions[token] = storedSession{userID: userID, expiresAt: expiresAt}
	s.mu.Unlock()
}

func (s *memoryStore) Get(token string, now time.Time) (string, bool) {
	s.mu.RLock()
	session, ok := s.sessions[token]
	s.mu.RUnlock()
	if !ok {
		return "", false
	}
	if now.After(session.expiresAt) {
		// Expired rows are swept lazily on read.
		s.Delete(token)
		return "", false
	}
	return session.userID, true
}

func (s *memoryStore) Delete(token string) {
	s.mu.Lock()
	delete(s.sessions, token)
	s.mu.Unlock()
}
