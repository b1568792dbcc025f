package session

import "sync"

// InMemoryStore is a volatile Store keeping sessions in a process local map.
// It is safe for concurrent access and suited for tests and ephemeral
// deployments. Returned sessions are clones so external mutation cannot
// corrupt internal state; concurrent saves for the same key are serialized by
// the store lock (last save wins).
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewInMemoryStore constructs an empty in-memory session store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string]*Session)}
}

// GetOrCreate returns a clone of the existing session or lazily creates one.
func (s *InMemoryStore) GetOrCreate(key string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[key]; ok {
		return sess.Clone(), nil
	}
	sess := NewSession(key)
	s.sessions[key] = sess
	return sess.Clone(), nil
}

// Save stores a clone of the provided session snapshot.
func (s *InMemoryStore) Save(sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.Key] = sess.Clone()
	return nil
}

// Delete removes the session for key.
func (s *InMemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, key)
	return nil
}
