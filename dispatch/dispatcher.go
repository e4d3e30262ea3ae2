// Package dispatch orchestrates one conversation turn end to end:
// classification, capability matching, single- or multi-worker execution
// and aggregation into a single reply, consulting the similarity cache at
// the response boundary and the context store for history.
//
// Each turn moves through received → classified → matched →
// single/multi/fallback execution → aggregated → done; the error state is
// reached only when zero workers produce a usable result. Every failure
// mode degrades to a textual reply — the only fatal path is a context-store
// failure that would corrupt the turn history.
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/convoroute/classify"
	"github.com/hupe1980/convoroute/core"
	"github.com/hupe1980/convoroute/logging"
	"github.com/hupe1980/convoroute/model"
	"github.com/hupe1980/convoroute/registry"
	"github.com/hupe1980/convoroute/simcache"
)

// Turn states, recorded in debug logs as the dispatcher advances.
const (
	stateReceived   = "received"
	stateClassified = "classified"
	stateMatched    = "matched"
	stateAggregated = "aggregated"
	stateDone       = "done"
)

// Options configure a Dispatcher.
type Options struct {
	// ResponseCache short-circuits execution for semantically equivalent
	// requests. Optional; nil disables response caching.
	ResponseCache *simcache.Cache

	// MinWorkerConfidence is passed to the registry lookup.
	MinWorkerConfidence float64

	// MaxParallelWorkers caps concurrent workers on the multi path. The
	// cap is a cost-control tunable, not a correctness bound.
	MaxParallelWorkers int

	// WorkerTimeout bounds each individual worker execution.
	WorkerTimeout time.Duration

	// MaxUpstreamCalls bounds generation calls per turn; 0 is unlimited.
	MaxUpstreamCalls int

	// DefaultLanguage is used for sessions created by auto-recovery.
	DefaultLanguage string

	// Logger defaults to NoOp.
	Logger logging.Logger
}

// Dispatcher is the only pipeline component the transport layer calls.
type Dispatcher struct {
	registry   *registry.Registry
	store      core.ContextStore
	classifier *classify.Classifier
	merger     model.TextGenerator
	cache      *simcache.Cache
	opts       Options
	logger     logging.Logger
}

// New constructs a Dispatcher. The merger generator is used to synthesize a
// single reply out of multiple worker contributions.
func New(
	reg *registry.Registry,
	store core.ContextStore,
	classifier *classify.Classifier,
	merger model.TextGenerator,
	optFns ...func(o *Options),
) *Dispatcher {
	opts := Options{
		MinWorkerConfidence: registry.DefaultMinConfidence,
		MaxParallelWorkers:  3,
		WorkerTimeout:       30 * time.Second,
		DefaultLanguage:     "en",
		Logger:              logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Dispatcher{
		registry:   reg,
		store:      store,
		classifier: classifier,
		merger:     merger,
		cache:      opts.ResponseCache,
		opts:       opts,
		logger:     opts.Logger,
	}
}

// Handle processes one user turn and returns the dispatch outcome. The
// returned error is non-nil only for context-store failures that would
// corrupt the session history; every other failure mode degrades into the
// outcome's reply text.
func (d *Dispatcher) Handle(ctx context.Context, sessionID, text string) (*core.DispatchOutcome, error) {
	turnID := uuid.NewString()
	metadata := map[string]string{}

	d.logger.Debug("turn state", "state", stateReceived, "session_id", sessionID, "turn_id", turnID)

	sess, err := d.loadOrRecoverSession(ctx, sessionID, metadata)
	if err != nil {
		return nil, err
	}

	sess.AppendTurn(core.Turn{Role: core.RoleUser, Text: text, Metadata: map[string]any{"turn_id": turnID}})
	if err := d.store.Save(ctx, sess); err != nil {
		// Later stages assume the user turn exists; this must not be
		// papered over with a fallback reply.
		return nil, fmt.Errorf("persisting user turn: %w", err)
	}

	judgment := d.classifier.Classify(ctx, text, sess)
	d.logger.Debug("turn state", "state", stateClassified, "turn_id", turnID, "primary_kind", judgment.PrimaryKind)

	cacheContext := cacheContextFingerprint(sess)
	if d.cache != nil {
		if entry, ok := d.cache.Lookup(ctx, text, cacheContext); ok {
			return d.finishCached(ctx, sess, judgment, entry, metadata)
		}
	}

	candidates := d.registry.FindCapable(ctx, judgment, sess, d.opts.MinWorkerConfidence)
	d.logger.Debug("turn state", "state", stateMatched, "turn_id", turnID, "candidates", len(candidates))

	if len(candidates) == 0 {
		outcome := &core.DispatchOutcome{
			ReplyText:   fallbackReply(sess.Language),
			RoutingKind: core.RoutingFallback,
			Judgment:    judgment,
			Metadata:    metadata,
		}
		return d.finishTurn(ctx, sess, outcome, cacheContext, text)
	}

	limiter := core.NewUpstreamLimiter(d.opts.MaxUpstreamCalls)

	selected := candidates
	routing := core.RoutingSingle
	if judgment.RequiresMultiple && len(candidates) > 1 {
		routing = core.RoutingMulti
		if len(selected) > d.opts.MaxParallelWorkers {
			selected = selected[:d.opts.MaxParallelWorkers]
		}
	} else {
		selected = candidates[:1]
	}

	results := d.runWorkers(ctx, selected, judgment, sess, limiter)
	outcome := d.aggregate(ctx, sess, judgment, routing, results, limiter)
	outcome.Metadata = metadata
	d.logger.Debug("turn state", "state", stateAggregated, "turn_id", turnID, "routing_kind", outcome.RoutingKind)

	return d.finishTurn(ctx, sess, outcome, cacheContext, text)
}

// loadOrRecoverSession fetches the session or transparently creates a fresh
// one for unknown ids, noting the replacement in metadata.
func (d *Dispatcher) loadOrRecoverSession(ctx context.Context, sessionID string, metadata map[string]string) (*core.Session, error) {
	sess, ok, err := d.store.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading session %s: %w", sessionID, err)
	}
	if ok {
		return sess, nil
	}

	newID, err := d.store.Create(ctx, "", d.opts.DefaultLanguage)
	if err != nil {
		return nil, fmt.Errorf("recovering session: %w", err)
	}
	metadata[core.MetaRecoveredSessionID] = newID
	d.logger.Info("unknown session replaced", "old_session_id", sessionID, "new_session_id", newID)

	sess, _, err = d.store.Get(ctx, newID)
	if err != nil {
		return nil, fmt.Errorf("loading recovered session: %w", err)
	}
	return sess, nil
}

type workerResult struct {
	rank     int
	workerID string
	text     string
	err      error
}

// runWorkers executes the selected candidates concurrently, each with its
// own timeout and isolated error capture. One worker's failure never
// cancels its siblings; caller cancellation propagates to all of them.
func (d *Dispatcher) runWorkers(
	ctx context.Context,
	selected []registry.Candidate,
	judgment core.Judgment,
	sess *core.Session,
	limiter *core.UpstreamLimiter,
) []workerResult {
	results := make([]workerResult, len(selected))
	var wg sync.WaitGroup

	for i, candidate := range selected {
		wg.Add(1)
		go func(rank int, w core.Worker) {
			defer wg.Done()
			id := w.Descriptor().ID
			start := time.Now()

			res := workerResult{rank: rank, workerID: id}
			if err := limiter.Increment(); err != nil {
				res.err = err
				results[rank] = res
				return
			}

			workerCtx, cancel := context.WithTimeout(ctx, d.opts.WorkerTimeout)
			defer cancel()

			text, err := d.respond(workerCtx, w, judgment, sess)
			switch {
			case err != nil:
				res.err = err
			case strings.TrimSpace(text) == "":
				// An empty contribution cannot be aggregated.
				res.err = fmt.Errorf("worker %s returned an empty reply", id)
			default:
				res.text = text
			}
			results[rank] = res

			d.logger.Debug("worker finished", "worker_id", id, "duration", time.Since(start), "success", res.err == nil)
		}(i, candidate.Worker)
	}

	wg.Wait()

	// Deterministic: results are indexed by rank, not completion order.
	return results
}

// respond invokes Respond with panic isolation, mirroring the registry's
// probe discipline.
func (d *Dispatcher) respond(ctx context.Context, w core.Worker, judgment core.Judgment, sess *core.Session) (text string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("respond panicked: %v", rec)
		}
	}()
	return w.Respond(ctx, judgment, sess)
}

// aggregate merges worker results into a single outcome.
func (d *Dispatcher) aggregate(
	ctx context.Context,
	sess *core.Session,
	judgment core.Judgment,
	routing core.RoutingKind,
	results []workerResult,
	limiter *core.UpstreamLimiter,
) *core.DispatchOutcome {
	outcome := &core.DispatchOutcome{
		RoutingKind: routing,
		Judgment:    judgment,
	}

	var successes []workerResult
	for _, res := range results {
		if res.err != nil {
			outcome.PerWorkerErrors = append(outcome.PerWorkerErrors, core.WorkerError{WorkerID: res.workerID, Err: res.err})
			continue
		}
		successes = append(successes, res)
		outcome.ContributingWorkerIDs = append(outcome.ContributingWorkerIDs, res.workerID)
	}

	switch len(successes) {
	case 0:
		outcome.RoutingKind = core.RoutingError
		outcome.ReplyText = errorReply(sess.Language)
	case 1:
		outcome.ReplyText = successes[0].text
	default:
		outcome.ReplyText = d.merge(ctx, sess, successes, limiter)
	}

	return outcome
}

// merge asks the free-text capability to synthesize one coherent reply out
// of the labeled contributions. On merge failure the contributions are
// joined verbatim instead; aggregation never fails a turn that has usable
// worker output.
func (d *Dispatcher) merge(ctx context.Context, sess *core.Session, successes []workerResult, limiter *core.UpstreamLimiter) string {
	joined := make([]string, len(successes))
	var sb strings.Builder
	for i, res := range successes {
		fmt.Fprintf(&sb, "Contribution %d:\n%s\n\n", i+1, res.text)
		joined[i] = res.text
	}

	if err := limiter.Increment(); err != nil {
		d.logger.Warn("merge skipped", "error", err)
		return strings.Join(joined, "\n\n")
	}

	system := fmt.Sprintf(
		"Combine the following contributions into one coherent reply for the user. "+
			"Do not attribute statements to their sources or mention that multiple contributions exist. "+
			"Reply in the language %q.", sess.Language)

	merged, err := d.merger.GenerateText(ctx, []model.Message{
		{Role: model.RoleSystem, Content: system},
		{Role: model.RoleUser, Content: sb.String()},
	})
	if err != nil || strings.TrimSpace(merged) == "" {
		d.logger.Warn("merge generation failed", "error", err)
		return strings.Join(joined, "\n\n")
	}
	return merged
}

// finishCached replays a similarity-cache hit as the turn's reply.
func (d *Dispatcher) finishCached(
	ctx context.Context,
	sess *core.Session,
	judgment core.Judgment,
	entry *core.CacheEntry,
	metadata map[string]string,
) (*core.DispatchOutcome, error) {
	metadata[core.MetaCacheHit] = "true"

	routing := core.RoutingSingle
	if kind, ok := entry.Metadata["routing_kind"]; ok {
		routing = core.RoutingKind(kind)
	}

	outcome := &core.DispatchOutcome{
		ReplyText:   entry.Response,
		RoutingKind: routing,
		Judgment:    judgment,
		Metadata:    metadata,
	}

	sess.AppendTurn(core.Turn{Role: core.RoleAssistant, Text: outcome.ReplyText})
	if err := d.store.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("persisting assistant turn: %w", err)
	}

	d.logger.Debug("turn state", "state", stateDone, "session_id", sess.ID, "cache_hit", true)
	return outcome, nil
}

// finishTurn appends the assistant reply, persists the session and feeds
// the similarity cache on successful routings.
func (d *Dispatcher) finishTurn(
	ctx context.Context,
	sess *core.Session,
	outcome *core.DispatchOutcome,
	cacheContext string,
	requestText string,
) (*core.DispatchOutcome, error) {
	sess.AppendTurn(core.Turn{Role: core.RoleAssistant, Text: outcome.ReplyText})
	if err := d.store.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("persisting assistant turn: %w", err)
	}

	if d.cache != nil && (outcome.RoutingKind == core.RoutingSingle || outcome.RoutingKind == core.RoutingMulti) {
		if err := d.cache.Store(ctx, requestText, outcome.ReplyText, cacheContext, map[string]string{
			"routing_kind": string(outcome.RoutingKind),
		}); err != nil {
			d.logger.Warn("response cache store failed", "error", err)
		}
	}

	d.logger.Debug("turn state", "state", stateDone, "session_id", sess.ID, "routing_kind", outcome.RoutingKind)
	return outcome, nil
}

// cacheContextFingerprint digests the session properties that must match
// exactly for a cached reply to be reusable: the language plus normalized
// preference attributes.
func cacheContextFingerprint(sess *core.Session) string {
	var sb strings.Builder
	sb.WriteString(sess.Language)
	sb.WriteString("\n")

	attrs := sess.AttributesCopy()
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		if strings.HasPrefix(k, "pref_") {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s=%v\n", k, attrs[k])
	}

	return classify.ContextFingerprint(sb.String())
}
