package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/convoroute/core"
	"github.com/hupe1980/convoroute/logging"
)

// KeyPrefix namespaces session records in the shared key-value store.
const KeyPrefix = "convoroute:session:"

// Options configure the hybrid store.
type Options struct {
	// TTL is the sliding expiration applied to the external copy. Each
	// external read or write refreshes it. Defaults to 24h.
	TTL time.Duration

	// Logger receives best-effort write failures. Defaults to NoOp.
	Logger logging.Logger
}

// HybridStore implements core.ContextStore with two tiers: an in-process
// map and a core.KVStore. The map is consulted first and is authoritative
// for the life of the process; the KV tier repopulates it after restarts.
type HybridStore struct {
	kv       core.KVStore
	ttl      time.Duration
	logger   logging.Logger
	mu       sync.RWMutex
	sessions map[string]*core.Session
}

var _ core.ContextStore = (*HybridStore)(nil)

// NewHybridStore constructs a hybrid store on top of the given KV store.
func NewHybridStore(kvStore core.KVStore, optFns ...func(o *Options)) *HybridStore {
	opts := Options{
		TTL:    24 * time.Hour,
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &HybridStore{
		kv:       kvStore,
		ttl:      opts.TTL,
		logger:   opts.Logger,
		sessions: make(map[string]*core.Session),
	}
}

// Create allocates a new session, writes both tiers and returns its id.
func (s *HybridStore) Create(ctx context.Context, ownerID, language string) (string, error) {
	id := uuid.NewString()
	sess := core.NewSession(id, ownerID, language)

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()

	// External write outside the lock; best effort like Save.
	s.writeExternal(ctx, sess.Clone())

	return id, nil
}

// Get returns the session for id. The in-process map wins; on a miss the
// external tier is consulted, the session repopulated and its external TTL
// refreshed (sliding expiration).
func (s *HybridStore) Get(ctx context.Context, id string) (*core.Session, bool, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if ok {
		return sess, true, nil
	}

	data, ok, err := s.kv.Get(ctx, KeyPrefix+id)
	if err != nil {
		return nil, false, fmt.Errorf("reading session %s: %w", id, err)
	}
	if !ok {
		return nil, false, nil
	}

	restored := &core.Session{}
	if err := json.Unmarshal(data, restored); err != nil {
		return nil, false, fmt.Errorf("decoding session %s: %w", id, err)
	}

	s.mu.Lock()
	// Another goroutine may have repopulated while we were reading; its
	// copy is authoritative then.
	if existing, ok := s.sessions[id]; ok {
		s.mu.Unlock()
		return existing, true, nil
	}
	s.sessions[id] = restored
	s.mu.Unlock()

	s.writeExternal(ctx, restored.Clone())

	return restored, true, nil
}

// Save persists the session. The in-process map is always updated; the
// external write is best effort and a failure only logged, because the
// in-process copy remains authoritative for the life of the process.
func (s *HybridStore) Save(ctx context.Context, sess *core.Session) error {
	if sess == nil || sess.ID == "" {
		return fmt.Errorf("save requires a session with an id")
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	s.writeExternal(ctx, sess.Clone())

	return nil
}

// Delete removes the session from both tiers.
func (s *HybridStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()

	if err := s.kv.Delete(ctx, KeyPrefix+id); err != nil {
		return fmt.Errorf("deleting session %s: %w", id, err)
	}
	return nil
}

// ListIDs returns the ids known to either tier.
func (s *HybridStore) ListIDs(ctx context.Context) ([]string, error) {
	seen := map[string]bool{}

	s.mu.RLock()
	for id := range s.sessions {
		seen[id] = true
	}
	s.mu.RUnlock()

	keys, err := s.kv.Keys(ctx, KeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	for _, k := range keys {
		seen[strings.TrimPrefix(k, KeyPrefix)] = true
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	return ids, nil
}

// ActiveCount returns the number of sessions held in the in-process tier.
func (s *HybridStore) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// writeExternal serializes a session snapshot into the KV tier with the
// sliding TTL. Failures are logged, never returned.
func (s *HybridStore) writeExternal(ctx context.Context, snapshot *core.Session) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		s.logger.Warn("session encode failed", "session_id", snapshot.ID, "error", err)
		return
	}
	if err := s.kv.SetWithTTL(ctx, KeyPrefix+snapshot.ID, data, s.ttl); err != nil {
		s.logger.Warn("session external write failed", "session_id", snapshot.ID, "error", err)
	}
}
