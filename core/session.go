package core

import (
	"sync"
	"time"
)

// Turn roles. Only user and assistant turns are recorded; system prompts are
// assembled per request and never persisted.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is a single utterance within a session. Immutable once appended.
type Turn struct {
	Role      string         `json:"role"`
	Text      string         `json:"text"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Session represents one conversation: an append-only ordered turn history
// plus mutable key/value attributes. It is safe for concurrent access.
//
// Contract:
//   - History is append-only for the lifetime of the session; turns keep
//     submission order
//   - History and LastN return defensive copies to avoid external mutation
//   - Clone performs deep copies of maps/slices for safe divergence.
type Session struct {
	ID         string         `json:"id"`
	OwnerID    string         `json:"owner_id,omitempty"`
	Language   string         `json:"language"`
	History    []Turn         `json:"history"`
	Attributes map[string]any `json:"attributes"`
	Created    time.Time      `json:"created"`
	mu         sync.RWMutex
}

// NewSession creates an empty session with the given id, owner and language.
func NewSession(id, ownerID, language string) *Session {
	return &Session{
		ID:         id,
		OwnerID:    ownerID,
		Language:   language,
		History:    []Turn{},
		Attributes: map[string]any{},
		Created:    time.Now(),
	}
}

// AppendTurn appends a turn to the history. Turns are never updated or
// removed afterwards.
func (s *Session) AppendTurn(t Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now()
	}
	s.History = append(s.History, t)
}

// HistoryCopy returns a defensive copy of the full turn history.
func (s *Session) HistoryCopy() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	turns := make([]Turn, len(s.History))
	copy(turns, s.History)
	return turns
}

// LastN returns a copy of the most recent n turns (all turns if fewer).
// Used to build bounded context windows for upstream prompts.
func (s *Session) LastN(n int) []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n <= 0 || len(s.History) == 0 {
		return nil
	}
	start := len(s.History) - n
	if start < 0 {
		start = 0
	}
	turns := make([]Turn, len(s.History)-start)
	copy(turns, s.History[start:])
	return turns
}

// Len returns the number of turns recorded so far.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.History)
}

// GetAttribute returns the value and existence flag for an attribute key.
func (s *Session) GetAttribute(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.Attributes[key]
	return v, ok
}

// AttributesCopy returns a shallow copy of all attributes.
func (s *Session) AttributesCopy() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	attrs := make(map[string]any, len(s.Attributes))
	for k, v := range s.Attributes {
		attrs[k] = v
	}
	return attrs
}

// SetAttribute sets a key/value pair on the session attributes.
func (s *Session) SetAttribute(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Attributes[key] = value
}

// Clone returns a deep copy of the session safe for independent mutation.
func (s *Session) Clone() *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	clone := &Session{
		ID:         s.ID,
		OwnerID:    s.OwnerID,
		Language:   s.Language,
		History:    make([]Turn, len(s.History)),
		Attributes: make(map[string]any, len(s.Attributes)),
		Created:    s.Created,
	}
	copy(clone.History, s.History)
	for k, v := range s.Attributes {
		clone.Attributes[k] = v
	}
	return clone
}
