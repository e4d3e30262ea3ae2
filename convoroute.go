// Package convoroute provides a high-level façade over the dispatch
// pipeline and its collaborators (classification, worker registry, session
// store, response cache & logging) enabling rapid construction of
// conversational routing systems. Most applications interact with this
// package by:
//  1. Creating a ConvoRoute via New() (optionally overriding default in‑memory services)
//  2. Registering one or more workers (model-backed or custom)
//  3. Handling user turns (HandleTurn) against created sessions
//
// The façade delegates orchestration to dispatch.Dispatcher while keeping
// setup and usage ergonomics concise. All defaults are safe for local
// development and testing; production deployments typically supply a durable
// key-value store, a real provider configuration and a structured logger.
package convoroute

import (
	"context"
	"fmt"

	sdkanthropic "github.com/anthropics/anthropic-sdk-go"

	"github.com/hupe1980/convoroute/classify"
	"github.com/hupe1980/convoroute/config"
	"github.com/hupe1980/convoroute/core"
	"github.com/hupe1980/convoroute/dispatch"
	"github.com/hupe1980/convoroute/kv"
	"github.com/hupe1980/convoroute/logging"
	"github.com/hupe1980/convoroute/model"
	"github.com/hupe1980/convoroute/model/anthropic"
	"github.com/hupe1980/convoroute/model/openai"
	"github.com/hupe1980/convoroute/registry"
	"github.com/hupe1980/convoroute/session"
	"github.com/hupe1980/convoroute/simcache"
)

// Options configures the ConvoRoute instance.
type Options struct {
	// Config holds the pipeline tunables (thresholds, caps, TTLs,
	// timeouts, provider selection). Defaults to config.DefaultConfig().
	Config *config.Config

	// KVStore is the shared external key-value collaborator backing the
	// session store and the response cache. Defaults to an in-memory
	// implementation; production deployments supply kv.NewSQLiteStore or
	// a custom core.KVStore.
	KVStore core.KVStore

	// ContextStore overrides the default hybrid session store built on
	// top of KVStore.
	ContextStore core.ContextStore

	// TextGenerator, StructuredGenerator and Embedder override the
	// capabilities derived from Config.Provider. Supplying an Embedder of
	// nil with a provider that has none (anthropic) disables the response
	// cache.
	TextGenerator       model.TextGenerator
	StructuredGenerator model.StructuredGenerator
	Embedder            model.Embedder

	// KnownKinds is the classification vocabulary advertised upstream.
	// Callers normally list the kinds of the workers they register.
	// Defaults to the generic kind only.
	KnownKinds []string

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// ConvoRoute is the high-level façade aggregating the dispatcher and its
// collaborators.
type ConvoRoute struct {
	opts       Options
	registry   *registry.Registry
	store      core.ContextStore
	classifier *classify.Classifier
	cache      *simcache.Cache
	dispatcher *dispatch.Dispatcher
}

// New creates a new ConvoRoute instance with optional overrides. Any unset
// service is initialized from the configuration, falling back to in-memory
// implementations.
func New(optFns ...func(o *Options)) *ConvoRoute {
	opts := Options{
		Config:     config.DefaultConfig(),
		KVStore:    kv.NewInMemoryStore(),
		KnownKinds: []string{core.KindGeneric},
		Logger:     logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	cfg := opts.Config

	text, structured, embedder := capabilitiesFromConfig(cfg)
	if opts.TextGenerator != nil {
		text = opts.TextGenerator
	}
	if opts.StructuredGenerator != nil {
		structured = opts.StructuredGenerator
	}
	if opts.Embedder != nil {
		embedder = opts.Embedder
	}

	store := opts.ContextStore
	if store == nil {
		store = session.NewHybridStore(opts.KVStore, func(o *session.Options) {
			o.TTL = cfg.SessionTTL
			o.Logger = opts.Logger
		})
	}

	classifier := classify.New(structured, func(o *classify.Options) {
		o.KnownKinds = opts.KnownKinds
		o.ContextWindow = cfg.ContextWindow
		o.ConfidenceFloor = cfg.ConfidenceFloor
		o.CacheTTL = cfg.ClassifyCacheTTL
		o.CacheSize = cfg.ClassifyCacheSize
		o.IntentHistorySize = cfg.IntentHistorySize
		o.UpstreamTimeout = cfg.UpstreamTimeout
		o.Logger = opts.Logger
	})

	var cache *simcache.Cache
	if embedder != nil {
		cache = simcache.New(opts.KVStore, embedder, func(o *simcache.Options) {
			o.Threshold = cfg.SimilarityThreshold
			o.TTL = cfg.ResponseCacheTTL
			o.Logger = opts.Logger
		})
	}

	reg := registry.New(func(o *registry.Options) {
		o.Logger = opts.Logger
	})

	dispatcher := dispatch.New(reg, store, classifier, text, func(o *dispatch.Options) {
		o.ResponseCache = cache
		o.MinWorkerConfidence = cfg.MinWorkerConfidence
		o.MaxParallelWorkers = cfg.MaxParallelWorkers
		o.WorkerTimeout = cfg.WorkerTimeout
		o.MaxUpstreamCalls = cfg.MaxUpstreamCalls
		o.Logger = opts.Logger
	})

	return &ConvoRoute{
		opts:       opts,
		registry:   reg,
		store:      store,
		classifier: classifier,
		cache:      cache,
		dispatcher: dispatcher,
	}
}

// capabilitiesFromConfig builds the generation capabilities for the
// configured provider. The anthropic provider carries no embedder, which
// disables the response cache unless one is supplied explicitly.
func capabilitiesFromConfig(cfg *config.Config) (model.TextGenerator, model.StructuredGenerator, model.Embedder) {
	switch cfg.Provider {
	case "openai":
		g := openai.NewGenerator(func(o *openai.Options) {
			if cfg.Model != "" {
				o.Model = cfg.Model
			}
		})
		return g, g, g
	case "anthropic":
		g := anthropic.NewGenerator(func(o *anthropic.Options) {
			if cfg.Model != "" {
				o.Model = sdkanthropic.Model(cfg.Model)
			}
		})
		return g, g, nil
	default:
		m := model.NewMock()
		return m, m, m
	}
}

// RegisterWorker adds a worker to the underlying registry.
func (c *ConvoRoute) RegisterWorker(w core.Worker) error { return c.registry.Register(w) }

// ActivateWorker marks a registered worker as available for routing.
func (c *ConvoRoute) ActivateWorker(id string) bool { return c.registry.Activate(id) }

// DeactivateWorker removes a worker from routing without unregistering it.
func (c *ConvoRoute) DeactivateWorker(id string) bool { return c.registry.Deactivate(id) }

// CreateSession allocates a new conversation session and returns its id.
func (c *ConvoRoute) CreateSession(ctx context.Context, ownerID, language string) (string, error) {
	return c.store.Create(ctx, ownerID, language)
}

// HandleTurn processes one user turn against the session and returns the
// dispatch outcome. Unknown session ids are transparently replaced (see
// core.MetaRecoveredSessionID).
func (c *ConvoRoute) HandleTurn(ctx context.Context, sessionID, text string) (*core.DispatchOutcome, error) {
	return c.dispatcher.Handle(ctx, sessionID, text)
}

// EndSession removes the session from every tier and drops its intent
// history. It returns false when the session was not found.
func (c *ConvoRoute) EndSession(ctx context.Context, sessionID string) (bool, error) {
	_, ok, err := c.store.Get(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("ending session %s: %w", sessionID, err)
	}
	if !ok {
		return false, nil
	}

	c.classifier.ForgetSession(sessionID)
	if err := c.store.Delete(ctx, sessionID); err != nil {
		return false, fmt.Errorf("ending session %s: %w", sessionID, err)
	}
	return true, nil
}

// SweepResponseCache drops response cache index rows whose backing entries
// have expired and returns how many were removed. Intended to run
// periodically; a no-op when the cache is disabled.
func (c *ConvoRoute) SweepResponseCache(ctx context.Context) int {
	if c.cache == nil {
		return 0
	}
	return c.cache.Sweep(ctx)
}

// Stats is a point-in-time snapshot of pipeline state.
type Stats struct {
	// ActiveSessions counts the sessions known to the context store.
	ActiveSessions int
	// RegisteredWorkers counts all workers, active or not.
	RegisteredWorkers int
	// ActiveWorkers counts workers currently available for routing.
	ActiveWorkers int
	// CachedJudgments counts live classification cache entries.
	CachedJudgments int
	// CachedResponses counts response cache index rows.
	CachedResponses int
}

// Stats returns a snapshot of session, worker and cache counts.
func (c *ConvoRoute) Stats(ctx context.Context) (Stats, error) {
	ids, err := c.store.ListIDs(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("listing sessions: %w", err)
	}

	registered, active := c.registry.Counts()
	s := Stats{
		ActiveSessions:    len(ids),
		RegisteredWorkers: registered,
		ActiveWorkers:     active,
		CachedJudgments:   c.classifier.CacheLen(),
	}
	if c.cache != nil {
		s.CachedResponses = c.cache.Len()
	}
	return s, nil
}
