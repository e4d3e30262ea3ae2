// Package simcache implements a similarity-based response cache: request
// texts are embedded, stored alongside their reply in the shared key-value
// store, and looked up by cosine similarity so semantically equivalent
// requests short-circuit a full dispatch.
//
// Entries live under KV keys with a TTL; an in-process time-ordered index
// drives the scan, and Sweep drops index rows whose backing key has
// expired. The index is rebuilt from the shared store on first use, so
// entries written by an earlier process (or another instance on the same
// store) stay findable. An optional context fingerprint acts as an
// exact-match pre-filter before any similarity scoring.
package simcache

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/convoroute/core"
	"github.com/hupe1980/convoroute/logging"
	"github.com/hupe1980/convoroute/model"
)

// KeyPrefix namespaces cache entries in the shared key-value store.
const KeyPrefix = "convoroute:simcache:"

// DefaultThreshold is the minimum cosine similarity for a hit.
const DefaultThreshold = 0.92

// Options configure the cache.
type Options struct {
	// Threshold is the minimum cosine similarity a stored entry must
	// reach against the query to count as a hit.
	Threshold float64

	// TTL bounds entry lifetime. Hits do not extend it, preventing
	// unbounded staleness of popular replies.
	TTL time.Duration

	// Logger defaults to NoOp.
	Logger logging.Logger
}

// Cache is a similarity cache over a core.KVStore and a model.Embedder.
type Cache struct {
	kv       core.KVStore
	embedder model.Embedder
	opts     Options
	logger   logging.Logger

	mu          sync.Mutex
	index       []indexRow // time-ordered, oldest first
	indexLoaded bool
}

type indexRow struct {
	key       string
	contextFP string
	created   time.Time
}

// New constructs a cache.
func New(kvStore core.KVStore, embedder model.Embedder, optFns ...func(o *Options)) *Cache {
	opts := Options{
		Threshold: DefaultThreshold,
		TTL:       time.Hour,
		Logger:    logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Cache{kv: kvStore, embedder: embedder, opts: opts, logger: opts.Logger}
}

// Lookup returns the best stored entry whose similarity to text meets the
// threshold, filtered to entries with the same context fingerprint. Ties
// are broken towards the most recently created entry. A hit increments the
// entry's access count without extending its TTL. Embedding failures are
// recovered locally as a miss.
func (c *Cache) Lookup(ctx context.Context, text, contextFP string) (*core.CacheEntry, bool) {
	c.ensureIndex(ctx)

	query, err := c.embedder.Embed(ctx, text)
	if err != nil {
		c.logger.Warn("cache lookup embedding failed", "error", err)
		return nil, false
	}

	c.mu.Lock()
	rows := make([]indexRow, len(c.index))
	copy(rows, c.index)
	c.mu.Unlock()

	var (
		best      *core.CacheEntry
		bestKey   string
		bestScore float64
		stale     []string
	)

	// Newest first, so on equal scores the most recent entry wins.
	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
		if row.contextFP != contextFP {
			continue
		}

		entry, ok := c.load(ctx, row.key)
		if !ok {
			stale = append(stale, row.key)
			continue
		}

		score := cosineSimilarity(query, entry.Embedding)
		if score < c.opts.Threshold || score <= bestScore {
			continue
		}
		best, bestKey, bestScore = entry, row.key, score
	}

	c.dropRows(stale)

	if best == nil {
		return nil, false
	}

	c.bumpAccessCount(ctx, bestKey, best)

	return best, true
}

// Store writes a new entry. It always writes, regardless of near-duplicate
// entries already present.
func (c *Cache) Store(ctx context.Context, text, response, contextFP string, metadata map[string]string) error {
	c.ensureIndex(ctx)

	embedding, err := c.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embedding cache entry: %w", err)
	}

	entry := core.CacheEntry{
		Embedding:          embedding,
		OriginalText:       text,
		Response:           response,
		Metadata:           metadata,
		ContextFingerprint: contextFP,
		Created:            time.Now(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding cache entry: %w", err)
	}

	key := KeyPrefix + uuid.NewString()
	if err := c.kv.SetWithTTL(ctx, key, data, c.opts.TTL); err != nil {
		return fmt.Errorf("writing cache entry: %w", err)
	}

	c.mu.Lock()
	c.index = append(c.index, indexRow{key: key, contextFP: contextFP, created: entry.Created})
	c.mu.Unlock()

	return nil
}

// Sweep removes index rows whose backing key no longer exists and returns
// how many were dropped. Intended to run periodically.
func (c *Cache) Sweep(ctx context.Context) int {
	c.ensureIndex(ctx)

	c.mu.Lock()
	rows := make([]indexRow, len(c.index))
	copy(rows, c.index)
	c.mu.Unlock()

	var stale []string
	for _, row := range rows {
		if _, ok, err := c.kv.Get(ctx, row.key); err == nil && !ok {
			stale = append(stale, row.key)
		}
	}

	c.dropRows(stale)
	return len(stale)
}

// Len returns the current index size (including rows not yet swept).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

// ensureIndex populates the scan index from the shared store once per Cache
// instance, so entries written before this process started remain findable.
// A listing failure leaves the index unloaded and the next call retries.
func (c *Cache) ensureIndex(ctx context.Context) {
	c.mu.Lock()
	loaded := c.indexLoaded
	c.mu.Unlock()
	if loaded {
		return
	}

	keys, err := c.kv.Keys(ctx, KeyPrefix)
	if err != nil {
		c.logger.Warn("cache index rebuild failed", "error", err)
		return
	}

	rows := make([]indexRow, 0, len(keys))
	for _, key := range keys {
		entry, ok := c.load(ctx, key)
		if !ok {
			continue
		}
		rows = append(rows, indexRow{key: key, contextFP: entry.ContextFingerprint, created: entry.Created})
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.indexLoaded {
		return
	}
	known := make(map[string]bool, len(c.index))
	for _, row := range c.index {
		known[row.key] = true
	}
	for _, row := range rows {
		if !known[row.key] {
			c.index = append(c.index, row)
		}
	}
	sort.Slice(c.index, func(i, j int) bool { return c.index[i].created.Before(c.index[j].created) })
	c.indexLoaded = true
}

func (c *Cache) load(ctx context.Context, key string) (*core.CacheEntry, bool) {
	data, ok, err := c.kv.Get(ctx, key)
	if err != nil {
		c.logger.Warn("cache entry read failed", "key", key, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	entry := &core.CacheEntry{}
	if err := json.Unmarshal(data, entry); err != nil {
		c.logger.Warn("cache entry decode failed", "key", key, "error", err)
		return nil, false
	}
	return entry, true
}

// bumpAccessCount rewrites the entry with an incremented counter while
// preserving the remaining TTL; a read never extends entry lifetime. The
// rewrite is not atomic across processes, so concurrent hits on the same
// entry may lose an increment; the count is telemetry, not a correctness
// input.
func (c *Cache) bumpAccessCount(ctx context.Context, key string, entry *core.CacheEntry) {
	entry.AccessCount++

	remaining := time.Until(entry.Created.Add(c.opts.TTL))
	if remaining <= 0 {
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := c.kv.SetWithTTL(ctx, key, data, remaining); err != nil {
		c.logger.Warn("cache access count write failed", "key", key, "error", err)
	}
}

func (c *Cache) dropRows(keys []string) {
	if len(keys) == 0 {
		return
	}
	drop := make(map[string]bool, len(keys))
	for _, k := range keys {
		drop[k] = true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.index[:0]
	for _, row := range c.index {
		if !drop[row.key] {
			kept = append(kept, row)
		}
	}
	c.index = kept
}

// cosineSimilarity computes dot(a,b)/(|a||b|). A zero-norm vector or a
// dimension mismatch yields 0, never a division error.
func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
