package core

import (
	"context"
	"errors"
	"time"
)

// ErrSessionNotFound reports an unknown session id. The dispatcher recovers
// from it by creating a fresh session, so it reaches the transport layer
// only through explicit store usage.
var ErrSessionNotFound = errors.New("session not found")

// ContextStore persists per-session conversation state. Implementations
// must allow concurrent calls for different session ids without blocking
// each other.
type ContextStore interface {
	// Create allocates a new session and returns its id.
	Create(ctx context.Context, ownerID, language string) (string, error)

	// Get returns the session for id, or ok=false if it does not exist
	// in any tier.
	Get(ctx context.Context, id string) (sess *Session, ok bool, err error)

	// Save persists the session. Durable-tier failures may be absorbed by
	// the implementation as long as the in-process copy stays
	// authoritative.
	Save(ctx context.Context, sess *Session) error

	// Delete removes the session from every tier.
	Delete(ctx context.Context, id string) error

	// ListIDs returns the ids of all known sessions.
	ListIDs(ctx context.Context) ([]string, error)
}

// KVStore is the shared external key-value collaborator used for
// cross-process durability (context store backing tier, similarity cache
// entries). Keys are namespaced by prefix.
type KVStore interface {
	// Get returns the value for key, or ok=false if absent or expired.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// SetWithTTL stores value under key, expiring after ttl. A ttl <= 0
	// stores without expiry.
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys returns all live keys with the given prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// CacheEntry is one stored request/response pair in the similarity cache,
// keyed by the embedding of the original request text. Read-only after
// creation except for access-count bumps.
type CacheEntry struct {
	Embedding    []float64         `json:"embedding"`
	OriginalText string            `json:"original_text"`
	Response     string            `json:"response"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	// ContextFingerprint is the exact-match prefilter the entry was stored
	// under; persisted so a fresh process can rebuild its scan index.
	ContextFingerprint string    `json:"context_fingerprint,omitempty"`
	Created            time.Time `json:"created"`
	AccessCount        int       `json:"access_count"`
}
