package worker

import (
	"context"

	"github.com/hupe1980/convoroute/core"
)

// FuncWorker adapts plain functions into a core.Worker. Useful for tests
// and for wiring non-model capabilities (lookups, calculators) into the
// registry.
type FuncWorker struct {
	descriptor core.WorkerDescriptor
	scoreFn    func(ctx context.Context, judgment core.Judgment, sess *core.Session) (float64, error)
	respondFn  func(ctx context.Context, judgment core.Judgment, sess *core.Session) (string, error)
}

var _ core.Worker = (*FuncWorker)(nil)

// NewFuncWorker builds a worker from the two closures. Nil closures default
// to score 0 / empty reply.
func NewFuncWorker(
	descriptor core.WorkerDescriptor,
	scoreFn func(ctx context.Context, judgment core.Judgment, sess *core.Session) (float64, error),
	respondFn func(ctx context.Context, judgment core.Judgment, sess *core.Session) (string, error),
) *FuncWorker {
	if scoreFn == nil {
		scoreFn = func(context.Context, core.Judgment, *core.Session) (float64, error) { return 0, nil }
	}
	if respondFn == nil {
		respondFn = func(context.Context, core.Judgment, *core.Session) (string, error) { return "", nil }
	}
	return &FuncWorker{descriptor: descriptor, scoreFn: scoreFn, respondFn: respondFn}
}

// Descriptor implements core.Worker.
func (w *FuncWorker) Descriptor() core.WorkerDescriptor { return w.descriptor }

// Score implements core.Worker.
func (w *FuncWorker) Score(ctx context.Context, judgment core.Judgment, sess *core.Session) (float64, error) {
	return w.scoreFn(ctx, judgment, sess)
}

// Respond implements core.Worker.
func (w *FuncWorker) Respond(ctx context.Context, judgment core.Judgment, sess *core.Session) (string, error) {
	return w.respondFn(ctx, judgment, sess)
}
