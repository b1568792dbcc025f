// Package session holds conversation history: ordered role/content turns
// keyed by "channel:chat_id". Stores provide per-key retrieval and whole
// session persistence; the agent loop is the only writer.
package session

import (
	"sync"
	"time"
)

// Turn is one conversation entry.
type Turn struct {
	Role      string    `json:"role"` // "user", "assistant", "system"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is the ordered turn history for one conversation key. It is safe
// for concurrent access; stores hand out clones so callers can mutate freely
// before saving.
type Session struct {
	Key     string    `json:"key"`
	Turns   []Turn    `json:"turns"`
	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
	mu      sync.RWMutex
}

// NewSession creates an empty session for the given key.
func NewSession(key string) *Session {
	now := time.Now().UTC()
	return &Session{Key: key, Turns: []Turn{}, Created: now, Updated: now}
}

// Append adds a turn with the current timestamp.
func (s *Session) Append(role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	s.Turns = append(s.Turns, Turn{Role: role, Content: content, Timestamp: now})
	s.Updated = now
}

// History returns a defensive copy of the ordered turns.
func (s *Session) History() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	turns := make([]Turn, len(s.Turns))
	copy(turns, s.Turns)
	return turns
}

// Len returns the number of turns.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.Turns)
}

// Clone returns a deep copy safe for independent mutation.
func (s *Session) Clone() *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	clone := &Session{Key: s.Key, Turns: make([]Turn, len(s.Turns)), Created: s.Created, Updated: s.Updated}
	copy(clone.Turns, s.Turns)
	return clone
}

// Store persists sessions. Sessions are never deleted implicitly; Delete is
// an explicit external operation.
type Store interface {
	// GetOrCreate returns the session for key, creating an empty one if absent.
	GetOrCreate(key string) (*Session, error)
	// Save persists the session snapshot, replacing any prior state for its key.
	Save(sess *Session) error
	// Delete removes the session for key. Unknown keys are not an error.
	Delete(key string) error
}
