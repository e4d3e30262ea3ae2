package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/convoroute/classify"
	"github.com/hupe1980/convoroute/core"
	"github.com/hupe1980/convoroute/kv"
	"github.com/hupe1980/convoroute/model"
	"github.com/hupe1980/convoroute/registry"
	"github.com/hupe1980/convoroute/session"
	"github.com/hupe1980/convoroute/simcache"
	"github.com/hupe1980/convoroute/worker"
)

const (
	multiJudgmentRaw  = `{"primary_kind":"finance","confidence":0.9,"needed_worker_kinds":["finance","health"],"requires_multiple":true}`
	singleJudgmentRaw = `{"primary_kind":"finance","confidence":0.9,"needed_worker_kinds":["finance"],"requires_multiple":false}`
)

// fixedGen returns the same raw classification for every excerpt, keeping
// routing decisions independent of prompt construction details.
type fixedGen struct {
	raw string
	err error
}

func (g fixedGen) GenerateStructured(ctx context.Context, systemPrompt, excerpt string) (string, error) {
	return g.raw, g.err
}

func stubWorker(id, kind string, score float64, reply string, calls *int32) core.Worker {
	return worker.NewFuncWorker(
		core.WorkerDescriptor{ID: id, Kind: kind, Active: true},
		func(context.Context, core.Judgment, *core.Session) (float64, error) {
			return score, nil
		},
		func(context.Context, core.Judgment, *core.Session) (string, error) {
			if calls != nil {
				atomic.AddInt32(calls, 1)
			}
			return reply, nil
		},
	)
}

type fixture struct {
	dispatcher *Dispatcher
	store      *session.HybridStore
	merger     *model.Mock
	sessionID  string
}

func newFixture(t *testing.T, rawJudgment, language string, workers []core.Worker, optFns ...func(o *Options)) *fixture {
	t.Helper()
	ctx := context.Background()

	reg := registry.New()
	for _, w := range workers {
		require.NoError(t, reg.Register(w))
	}

	store := session.NewHybridStore(kv.NewInMemoryStore())
	id, err := store.Create(ctx, "owner-1", language)
	require.NoError(t, err)

	classifier := classify.New(fixedGen{raw: rawJudgment})
	merger := model.NewMock()

	return &fixture{
		dispatcher: New(reg, store, classifier, merger, optFns...),
		store:      store,
		merger:     merger,
		sessionID:  id,
	}
}

func (f *fixture) session(t *testing.T) *core.Session {
	t.Helper()
	sess, ok, err := f.store.Get(context.Background(), f.sessionID)
	require.NoError(t, err)
	require.True(t, ok)
	return sess
}

func TestHandleSingleRoutingRepliesVerbatim(t *testing.T) {
	var financeCalls, healthCalls int32
	f := newFixture(t, singleJudgmentRaw, "en", []core.Worker{
		stubWorker("finance_worker", "finance", 0.9, "Track every expense.", &financeCalls),
		stubWorker("health_worker", "health", 0.8, "Sleep more.", &healthCalls),
	})

	outcome, err := f.dispatcher.Handle(context.Background(), f.sessionID, "how do I budget?")
	require.NoError(t, err)

	assert.Equal(t, core.RoutingSingle, outcome.RoutingKind)
	assert.Equal(t, "Track every expense.", outcome.ReplyText)
	assert.Equal(t, []string{"finance_worker"}, outcome.ContributingWorkerIDs)
	assert.Empty(t, outcome.PerWorkerErrors)

	// Only the top-ranked worker executes on the single path.
	assert.EqualValues(t, 1, atomic.LoadInt32(&financeCalls))
	assert.EqualValues(t, 0, atomic.LoadInt32(&healthCalls))

	// The turn leaves the user request and the reply behind.
	history := f.session(t).HistoryCopy()
	require.Len(t, history, 2)
	assert.Equal(t, core.RoleUser, history[0].Role)
	assert.Equal(t, "how do I budget?", history[0].Text)
	assert.Equal(t, core.RoleAssistant, history[1].Role)
	assert.Equal(t, "Track every expense.", history[1].Text)
}

func TestHandleMultiRoutingMergesRankedContributions(t *testing.T) {
	// The higher-ranked worker finishes last, so contribution order must
	// come from the ranking, not from completion order.
	finance := worker.NewFuncWorker(
		core.WorkerDescriptor{ID: "finance_worker", Kind: "finance", Active: true},
		func(context.Context, core.Judgment, *core.Session) (float64, error) { return 0.9, nil },
		func(context.Context, core.Judgment, *core.Session) (string, error) {
			time.Sleep(20 * time.Millisecond)
			return "finance reply", nil
		},
	)
	f := newFixture(t, multiJudgmentRaw, "en", []core.Worker{
		finance,
		stubWorker("health_worker", "health", 0.8, "health reply", nil),
	})
	f.merger.AddTextResponse(
		"Contribution 1:\nfinance reply\n\nContribution 2:\nhealth reply\n\n",
		"merged reply",
	)

	outcome, err := f.dispatcher.Handle(context.Background(), f.sessionID, "budget for a marathon diet?")
	require.NoError(t, err)

	assert.Equal(t, core.RoutingMulti, outcome.RoutingKind)
	assert.Equal(t, []string{"finance_worker", "health_worker"}, outcome.ContributingWorkerIDs)
	assert.Equal(t, "merged reply", outcome.ReplyText)
	assert.Equal(t, 2, f.session(t).Len())
}

func TestHandleMultiRoutingCapsParallelWorkers(t *testing.T) {
	var fourthCalls int32
	f := newFixture(t, multiJudgmentRaw, "en", []core.Worker{
		stubWorker("w1", "finance", 0.9, "r1", nil),
		stubWorker("w2", "health", 0.8, "r2", nil),
		stubWorker("w3", "finance", 0.7, "r3", nil),
		stubWorker("w4", "health", 0.6, "r4", &fourthCalls),
	}, func(o *Options) {
		o.MaxParallelWorkers = 2
	})
	f.merger.AddTextResponse("Contribution 1:\nr1\n\nContribution 2:\nr2\n\n", "merged")

	outcome, err := f.dispatcher.Handle(context.Background(), f.sessionID, "question")
	require.NoError(t, err)

	assert.Equal(t, []string{"w1", "w2"}, outcome.ContributingWorkerIDs)
	assert.EqualValues(t, 0, atomic.LoadInt32(&fourthCalls))
}

func TestHandleSingleWhenMultipleNotRequired(t *testing.T) {
	f := newFixture(t, singleJudgmentRaw, "en", []core.Worker{
		stubWorker("finance_worker", "finance", 0.9, "finance reply", nil),
		stubWorker("health_worker", "health", 0.8, "health reply", nil),
	})

	outcome, err := f.dispatcher.Handle(context.Background(), f.sessionID, "question")
	require.NoError(t, err)

	assert.Equal(t, core.RoutingSingle, outcome.RoutingKind)
	assert.LessOrEqual(t, len(outcome.ContributingWorkerIDs), 1)
}

func TestHandleFallbackWhenNoCapableWorker(t *testing.T) {
	f := newFixture(t, singleJudgmentRaw, "de", []core.Worker{
		stubWorker("weak_worker", "finance", 0.1, "never used", nil),
	})

	outcome, err := f.dispatcher.Handle(context.Background(), f.sessionID, "frage")
	require.NoError(t, err)

	assert.Equal(t, core.RoutingFallback, outcome.RoutingKind)
	assert.Equal(t, fallbackReplies["de"], outcome.ReplyText)
	assert.Empty(t, outcome.ContributingWorkerIDs)

	// Degraded turns still land in the history.
	assert.Equal(t, 2, f.session(t).Len())
}

func TestHandleAllWorkersFailingYieldsApology(t *testing.T) {
	failing := worker.NewFuncWorker(
		core.WorkerDescriptor{ID: "failing_worker", Kind: "finance", Active: true},
		func(context.Context, core.Judgment, *core.Session) (float64, error) { return 0.9, nil },
		func(context.Context, core.Judgment, *core.Session) (string, error) {
			return "", errors.New("upstream exploded: secret detail")
		},
	)
	panicking := worker.NewFuncWorker(
		core.WorkerDescriptor{ID: "panicking_worker", Kind: "health", Active: true},
		func(context.Context, core.Judgment, *core.Session) (float64, error) { return 0.8, nil },
		func(context.Context, core.Judgment, *core.Session) (string, error) {
			panic("respond blew up")
		},
	)
	f := newFixture(t, multiJudgmentRaw, "en", []core.Worker{failing, panicking})

	outcome, err := f.dispatcher.Handle(context.Background(), f.sessionID, "question")
	require.NoError(t, err)

	assert.Equal(t, core.RoutingError, outcome.RoutingKind)
	assert.Equal(t, errorReplies["en"], outcome.ReplyText)
	assert.Empty(t, outcome.ContributingWorkerIDs)
	require.Len(t, outcome.PerWorkerErrors, 2)

	// Raw error strings stay server-side.
	assert.NotContains(t, outcome.ReplyText, "secret detail")
	assert.NotContains(t, outcome.ReplyText, "blew up")

	assert.Equal(t, 2, f.session(t).Len())
}

func TestHandleEmptyWorkerReplyIsFailure(t *testing.T) {
	f := newFixture(t, singleJudgmentRaw, "en", []core.Worker{
		stubWorker("silent_worker", "finance", 0.9, "   \n", nil),
	})

	outcome, err := f.dispatcher.Handle(context.Background(), f.sessionID, "question")
	require.NoError(t, err)

	assert.Equal(t, core.RoutingError, outcome.RoutingKind)
	require.Len(t, outcome.PerWorkerErrors, 1)
	assert.Equal(t, "silent_worker", outcome.PerWorkerErrors[0].WorkerID)
}

func TestHandlePartialFailureStillAnswers(t *testing.T) {
	failing := worker.NewFuncWorker(
		core.WorkerDescriptor{ID: "failing_worker", Kind: "health", Active: true},
		func(context.Context, core.Judgment, *core.Session) (float64, error) { return 0.8, nil },
		func(context.Context, core.Judgment, *core.Session) (string, error) {
			return "", errors.New("boom")
		},
	)
	f := newFixture(t, multiJudgmentRaw, "en", []core.Worker{
		stubWorker("finance_worker", "finance", 0.9, "finance reply", nil),
		failing,
	})

	outcome, err := f.dispatcher.Handle(context.Background(), f.sessionID, "question")
	require.NoError(t, err)

	// One usable contribution is returned verbatim, no merge needed.
	assert.Equal(t, core.RoutingMulti, outcome.RoutingKind)
	assert.Equal(t, "finance reply", outcome.ReplyText)
	assert.Equal(t, []string{"finance_worker"}, outcome.ContributingWorkerIDs)
	require.Len(t, outcome.PerWorkerErrors, 1)
	assert.Equal(t, "failing_worker", outcome.PerWorkerErrors[0].WorkerID)
}

func TestHandleMergeFailureJoinsContributions(t *testing.T) {
	f := newFixture(t, multiJudgmentRaw, "en", []core.Worker{
		stubWorker("finance_worker", "finance", 0.9, "finance reply", nil),
		stubWorker("health_worker", "health", 0.8, "health reply", nil),
	})
	f.merger.FailText(errors.New("merger down"))

	outcome, err := f.dispatcher.Handle(context.Background(), f.sessionID, "question")
	require.NoError(t, err)

	assert.Equal(t, core.RoutingMulti, outcome.RoutingKind)
	assert.Equal(t, "finance reply\n\nhealth reply", outcome.ReplyText)
	assert.NotContains(t, outcome.ReplyText, "merger down")
}

func TestHandleUpstreamBudgetSkipsMerge(t *testing.T) {
	f := newFixture(t, multiJudgmentRaw, "en", []core.Worker{
		stubWorker("finance_worker", "finance", 0.9, "finance reply", nil),
		stubWorker("health_worker", "health", 0.8, "health reply", nil),
	}, func(o *Options) {
		o.MaxUpstreamCalls = 2
	})

	outcome, err := f.dispatcher.Handle(context.Background(), f.sessionID, "question")
	require.NoError(t, err)

	// Both worker calls consumed the budget, so the merge degrades to a
	// plain join without touching the generator.
	assert.Equal(t, "finance reply\n\nhealth reply", outcome.ReplyText)
	assert.Equal(t, 0, f.merger.TextCalls())
}

func TestHandleWorkerTimeoutIsCapturedAsFailure(t *testing.T) {
	slow := worker.NewFuncWorker(
		core.WorkerDescriptor{ID: "slow_worker", Kind: "finance", Active: true},
		func(context.Context, core.Judgment, *core.Session) (float64, error) { return 0.9, nil },
		func(ctx context.Context, _ core.Judgment, _ *core.Session) (string, error) {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Second):
				return "too late", nil
			}
		},
	)
	f := newFixture(t, singleJudgmentRaw, "en", []core.Worker{slow}, func(o *Options) {
		o.WorkerTimeout = 10 * time.Millisecond
	})

	outcome, err := f.dispatcher.Handle(context.Background(), f.sessionID, "question")
	require.NoError(t, err)

	assert.Equal(t, core.RoutingError, outcome.RoutingKind)
	require.Len(t, outcome.PerWorkerErrors, 1)
	assert.ErrorIs(t, outcome.PerWorkerErrors[0].Err, context.DeadlineExceeded)
}

func TestHandleCancelledContextStillReturnsOutcome(t *testing.T) {
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	honoring := worker.NewFuncWorker(
		core.WorkerDescriptor{ID: "ctx_worker", Kind: "finance", Active: true},
		func(context.Context, core.Judgment, *core.Session) (float64, error) { return 0.9, nil },
		func(ctx context.Context, _ core.Judgment, _ *core.Session) (string, error) {
			if err := ctx.Err(); err != nil {
				return "", err
			}
			return "reply", nil
		},
	)
	f := newFixture(t, singleJudgmentRaw, "en", []core.Worker{honoring})

	outcome, err := f.dispatcher.Handle(cancelled, f.sessionID, "question")
	require.NoError(t, err)
	require.NotNil(t, outcome)

	// Telemetry from the aborted fan-out is preserved on the outcome.
	assert.Equal(t, core.RoutingError, outcome.RoutingKind)
	assert.Equal(t, errorReplies["en"], outcome.ReplyText)
	require.Len(t, outcome.PerWorkerErrors, 1)
	assert.ErrorIs(t, outcome.PerWorkerErrors[0].Err, context.Canceled)

	assert.Equal(t, 2, f.session(t).Len())
}

func TestHandleCacheHitShortCircuitsWorkers(t *testing.T) {
	var calls int32
	kvStore := kv.NewInMemoryStore()
	cache := simcache.New(kvStore, model.NewMock())
	f := newFixture(t, singleJudgmentRaw, "en", []core.Worker{
		stubWorker("finance_worker", "finance", 0.9, "Track every expense.", &calls),
	}, func(o *Options) {
		o.ResponseCache = cache
	})

	first, err := f.dispatcher.Handle(context.Background(), f.sessionID, "how do I budget?")
	require.NoError(t, err)
	assert.NotContains(t, first.Metadata, core.MetaCacheHit)

	second, err := f.dispatcher.Handle(context.Background(), f.sessionID, "how do I budget?")
	require.NoError(t, err)

	assert.Equal(t, "true", second.Metadata[core.MetaCacheHit])
	assert.Equal(t, "Track every expense.", second.ReplyText)
	assert.Equal(t, core.RoutingSingle, second.RoutingKind)

	// The worker only ran for the first turn.
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	// Cached replies still extend the history like any other turn.
	assert.Equal(t, 4, f.session(t).Len())
}

func TestHandleCacheMissOnDifferentSessionContext(t *testing.T) {
	var calls int32
	cache := simcache.New(kv.NewInMemoryStore(), model.NewMock())
	f := newFixture(t, singleJudgmentRaw, "en", []core.Worker{
		stubWorker("finance_worker", "finance", 0.9, "reply", &calls),
	}, func(o *Options) {
		o.ResponseCache = cache
	})

	_, err := f.dispatcher.Handle(context.Background(), f.sessionID, "how do I budget?")
	require.NoError(t, err)

	// A changed preference attribute changes the cache context fingerprint,
	// so the same text no longer hits.
	f.session(t).SetAttribute("pref_currency", "EUR")

	_, err = f.dispatcher.Handle(context.Background(), f.sessionID, "how do I budget?")
	require.NoError(t, err)

	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestHandleUnknownSessionIsRecovered(t *testing.T) {
	f := newFixture(t, singleJudgmentRaw, "en", []core.Worker{
		stubWorker("finance_worker", "finance", 0.9, "reply", nil),
	})

	outcome, err := f.dispatcher.Handle(context.Background(), "no-such-session", "question")
	require.NoError(t, err)

	newID := outcome.Metadata[core.MetaRecoveredSessionID]
	require.NotEmpty(t, newID)
	assert.NotEqual(t, "no-such-session", newID)

	sess, ok, err := f.store.Get(context.Background(), newID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, sess.Len())
}

func TestHandleFallbackAndErrorRepliesAreLocalized(t *testing.T) {
	for _, lang := range []string{"en", "de", "es", "fr"} {
		t.Run(lang, func(t *testing.T) {
			f := newFixture(t, singleJudgmentRaw, lang, nil)

			outcome, err := f.dispatcher.Handle(context.Background(), f.sessionID, "question")
			require.NoError(t, err)
			assert.Equal(t, fallbackReplies[lang], outcome.ReplyText)
		})
	}

	// Unknown languages fall back to English.
	f := newFixture(t, singleJudgmentRaw, "it", nil)
	outcome, err := f.dispatcher.Handle(context.Background(), f.sessionID, "domanda")
	require.NoError(t, err)
	assert.Equal(t, fallbackReplies["en"], outcome.ReplyText)
}

func TestCacheContextFingerprintIgnoresNonPreferenceAttributes(t *testing.T) {
	a := core.NewSession("s1", "", "en")
	b := core.NewSession("s2", "", "en")
	a.SetAttribute("internal_counter", 7)

	assert.Equal(t, cacheContextFingerprint(a), cacheContextFingerprint(b))

	b.SetAttribute("pref_tone", "formal")
	assert.NotEqual(t, cacheContextFingerprint(a), cacheContextFingerprint(b))
}

func TestFallbackOutcomeNotCached(t *testing.T) {
	cache := simcache.New(kv.NewInMemoryStore(), model.NewMock())
	f := newFixture(t, singleJudgmentRaw, "en", nil, func(o *Options) {
		o.ResponseCache = cache
	})

	_, err := f.dispatcher.Handle(context.Background(), f.sessionID, "question")
	require.NoError(t, err)

	assert.Equal(t, 0, cache.Len())
}

func TestHandleReplyNeverEmpty(t *testing.T) {
	cases := []struct {
		name    string
		workers []core.Worker
	}{
		{"no workers", nil},
		{"failing worker", []core.Worker{worker.NewFuncWorker(
			core.WorkerDescriptor{ID: "w", Kind: "finance", Active: true},
			func(context.Context, core.Judgment, *core.Session) (float64, error) { return 0.9, nil },
			func(context.Context, core.Judgment, *core.Session) (string, error) {
				return "", errors.New("boom")
			},
		)}},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, singleJudgmentRaw, "en", tt.workers)
			outcome, err := f.dispatcher.Handle(context.Background(), f.sessionID, "question")
			require.NoError(t, err)
			assert.NotEmpty(t, strings.TrimSpace(outcome.ReplyText))
		})
	}
}
