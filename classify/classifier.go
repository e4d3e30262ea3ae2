package classify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/convoroute/core"
	"github.com/hupe1980/convoroute/logging"
	"github.com/hupe1980/convoroute/model"
)

// Options configure a Classifier.
type Options struct {
	// KnownKinds are the worker kinds the deployment provides; they are
	// advertised to the model as the classification vocabulary.
	KnownKinds []string

	// ContextWindow is the number of recent turns summarized into the
	// cache fingerprint and the upstream excerpt.
	ContextWindow int

	// ConfidenceFloor is the minimum confidence required to keep a
	// specialized primary kind. Below it the judgment is normalized to
	// the generic kind so low-confidence classifications never drive
	// specialized routing.
	ConfidenceFloor float64

	// CacheTTL bounds how long a cached judgment stays valid.
	CacheTTL time.Duration

	// CacheSize caps the number of cached judgments; the oldest entry is
	// evicted first past the cap.
	CacheSize int

	// IntentHistorySize caps the per-session intent ring buffer.
	IntentHistorySize int

	// UpstreamTimeout bounds the structured-generation call.
	UpstreamTimeout time.Duration

	// Logger defaults to NoOp.
	Logger logging.Logger
}

// Classifier produces judgments from user text, caching results keyed on
// the text plus a fingerprint of recent conversation context.
type Classifier struct {
	generator model.StructuredGenerator
	opts      Options
	cache     *judgmentCache
	logger    logging.Logger

	mu      sync.Mutex
	intents map[string][]core.Judgment // per-session ring, newest last
}

// New constructs a Classifier around the given structured generator.
func New(generator model.StructuredGenerator, optFns ...func(o *Options)) *Classifier {
	opts := Options{
		KnownKinds:        []string{core.KindGeneric},
		ContextWindow:     5,
		ConfidenceFloor:   0.6,
		CacheTTL:          5 * time.Minute,
		CacheSize:         512,
		IntentHistorySize: 20,
		UpstreamTimeout:   10 * time.Second,
		Logger:            logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Classifier{
		generator: generator,
		opts:      opts,
		cache:     newJudgmentCache(opts.CacheTTL, opts.CacheSize),
		logger:    opts.Logger,
		intents:   make(map[string][]core.Judgment),
	}
}

// Classify turns text into a judgment. All upstream and parse failures are
// recovered locally into the fallback judgment; the method never returns an
// error and never blocks beyond the configured upstream timeout.
func (c *Classifier) Classify(ctx context.Context, text string, sess *core.Session) core.Judgment {
	summary := c.contextSummary(sess)
	key := cacheKey(text, ContextFingerprint(summary))

	if j, ok := c.cache.get(key); ok {
		c.logger.Debug("classification cache hit", "primary_kind", j.PrimaryKind)
		return j
	}

	j := c.classifyUpstream(ctx, text, sess, summary)

	// Confidence floor: a specialized kind the model itself is unsure
	// about must not drive specialized routing.
	if j.Confidence < c.opts.ConfidenceFloor {
		j.PrimaryKind = core.KindGeneric
		j.Confidence = 0.5
	}

	c.cache.put(key, j)
	if sess != nil {
		c.recordIntent(sess.ID, j)
	}

	return j
}

// ForgetSession drops the per-session intent history. Called when a session
// ends so the ring buffers cannot grow without bound.
func (c *Classifier) ForgetSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.intents, sessionID)
}

// RecentIntents returns a copy of the session's intent ring buffer, oldest
// first. Used only to enrich future prompts, never to override the current
// classification confidence.
func (c *Classifier) RecentIntents(sessionID string) []core.Judgment {
	c.mu.Lock()
	defer c.mu.Unlock()
	ring := c.intents[sessionID]
	out := make([]core.Judgment, len(ring))
	copy(out, ring)
	return out
}

// CacheLen exposes the number of cached judgments for stats and tests.
func (c *Classifier) CacheLen() int { return c.cache.len() }

func (c *Classifier) classifyUpstream(ctx context.Context, text string, sess *core.Session, summary string) core.Judgment {
	upstreamCtx, cancel := context.WithTimeout(ctx, c.opts.UpstreamTimeout)
	defer cancel()

	raw, err := c.generator.GenerateStructured(upstreamCtx, c.systemPrompt(), c.buildExcerpt(text, sess, summary))
	if err != nil {
		c.logger.Warn("classification upstream failed", "error", err)
		return core.FallbackJudgment()
	}

	j, ok := DecodeJudgment(raw)
	if !ok {
		c.logger.Warn("classification output not decodable", "raw", raw)
		return core.FallbackJudgment()
	}

	return j
}

func (c *Classifier) systemPrompt() string {
	return fmt.Sprintf(`You classify a user request for a dispatch system.
Respond with a single JSON object and nothing else, following this schema exactly:
{"primary_kind": string, "confidence": number between 0 and 1, "needed_worker_kinds": [string], "requires_multiple": boolean, "extracted_fields": object}
primary_kind and every element of needed_worker_kinds must be one of: %s.
Set requires_multiple to true only when a useful reply needs more than one kind.`,
		strings.Join(c.opts.KnownKinds, ", "))
}

func (c *Classifier) buildExcerpt(text string, sess *core.Session, summary string) string {
	var sb strings.Builder
	if summary != "" {
		sb.WriteString("Recent conversation:\n")
		sb.WriteString(summary)
		sb.WriteString("\n")
	}
	if sess != nil {
		if intents := c.RecentIntents(sess.ID); len(intents) > 0 {
			kinds := make([]string, len(intents))
			for i, j := range intents {
				kinds[i] = j.PrimaryKind
			}
			sb.WriteString("Recent intents: ")
			sb.WriteString(strings.Join(kinds, ", "))
			sb.WriteString("\n")
		}
	}
	sb.WriteString("Request: ")
	sb.WriteString(text)
	return sb.String()
}

// contextSummary renders the last ContextWindow turns into a deterministic
// plain-text block.
func (c *Classifier) contextSummary(sess *core.Session) string {
	if sess == nil {
		return ""
	}
	var sb strings.Builder
	for _, t := range sess.LastN(c.opts.ContextWindow) {
		sb.WriteString(t.Role)
		sb.WriteString(": ")
		sb.WriteString(t.Text)
		sb.WriteString("\n")
	}
	return sb.String()
}

func (c *Classifier) recordIntent(sessionID string, j core.Judgment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ring := append(c.intents[sessionID], j)
	if len(ring) > c.opts.IntentHistorySize {
		ring = ring[len(ring)-c.opts.IntentHistorySize:]
	}
	c.intents[sessionID] = ring
}

// ContextFingerprint returns a deterministic digest of a context summary,
// used as part of cache keys.
func ContextFingerprint(summary string) string {
	sum := sha256.Sum256([]byte(summary))
	return hex.EncodeToString(sum[:])
}

func cacheKey(text, fingerprint string) string {
	sum := sha256.Sum256([]byte(text + "\x00" + fingerprint))
	return hex.EncodeToString(sum[:])
}
