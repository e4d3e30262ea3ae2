// Package registry holds the set of available workers and ranks them
// against a judgment. It is the only component with global mutable state
// (the worker set) and guards it with a snapshot discipline: probing always
// operates on a point-in-time copy of the active set taken under a brief
// read lock, so slow Score calls never run while the lock is held and
// concurrent register/deactivate calls cannot corrupt a lookup.
//
// The registry is an explicit value owned by the composition root and
// passed into the dispatcher; there is no package-level singleton.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hupe1980/convoroute/core"
	"github.com/hupe1980/convoroute/logging"
)

// DefaultMinConfidence is the score below which a worker is not considered
// capable of handling a judgment.
const DefaultMinConfidence = 0.3

// Candidate pairs a worker with the score it reported for a judgment.
type Candidate struct {
	Worker core.Worker
	Score  float64
}

// Options configure a Registry.
type Options struct {
	// Logger defaults to NoOp.
	Logger logging.Logger
}

// Registry is a thread-safe set of registered workers.
type Registry struct {
	logger logging.Logger

	mu      sync.RWMutex
	workers map[string]*registration
	order   []string // registration order, tiebreak for equal scores
}

type registration struct {
	worker core.Worker
	active bool
}

// New constructs an empty registry.
func New(optFns ...func(o *Options)) *Registry {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Registry{
		logger:  opts.Logger,
		workers: make(map[string]*registration),
	}
}

// Register adds a worker. Duplicate ids are rejected so two workers can
// never shadow each other silently.
func (r *Registry) Register(w core.Worker) error {
	d := w.Descriptor()
	if d.ID == "" {
		return fmt.Errorf("worker descriptor requires an id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workers[d.ID]; exists {
		return fmt.Errorf("worker %s already registered", d.ID)
	}
	r.workers[d.ID] = &registration{worker: w, active: d.Active}
	r.order = append(r.order, d.ID)
	return nil
}

// Activate marks the worker as available for routing. Returns false for
// unknown ids.
func (r *Registry) Activate(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.workers[id]
	if !ok {
		return false
	}
	reg.active = true
	return true
}

// Deactivate removes the worker from routing without unregistering it.
// Returns false for unknown ids.
func (r *Registry) Deactivate(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.workers[id]
	if !ok {
		return false
	}
	reg.active = false
	return true
}

// FindCapable probes every active worker against the judgment and returns
// the capable ones ordered by score descending; ties keep registration
// order. A worker whose probe errors or panics is skipped, never fatal for
// the lookup. Scores below minConfidence are dropped; pass a negative
// minConfidence to use DefaultMinConfidence.
func (r *Registry) FindCapable(ctx context.Context, judgment core.Judgment, sess *core.Session, minConfidence float64) []Candidate {
	if minConfidence < 0 {
		minConfidence = DefaultMinConfidence
	}

	// Point-in-time snapshot; probing must not hold the lock since Score
	// implementations may be slow or call upstream.
	r.mu.RLock()
	snapshot := make([]core.Worker, 0, len(r.order))
	for _, id := range r.order {
		if reg := r.workers[id]; reg.active {
			snapshot = append(snapshot, reg.worker)
		}
	}
	r.mu.RUnlock()

	candidates := make([]Candidate, 0, len(snapshot))
	for _, w := range snapshot {
		score, err := r.probe(ctx, w, judgment, sess)
		if err != nil {
			r.logger.Warn("worker probe failed", "worker_id", w.Descriptor().ID, "error", err)
			continue
		}
		if score < minConfidence {
			continue
		}
		candidates = append(candidates, Candidate{Worker: w, Score: score})
	}

	// Stable: equal scores keep registration order.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})

	return candidates
}

// probe invokes Score with panic isolation.
func (r *Registry) probe(ctx context.Context, w core.Worker, judgment core.Judgment, sess *core.Session) (score float64, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("score panicked: %v", rec)
		}
	}()
	return w.Score(ctx, judgment, sess)
}

// Get returns a registered worker by id.
func (r *Registry) Get(id string) (core.Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.workers[id]
	if !ok {
		return nil, false
	}
	return reg.worker, true
}

// Counts returns the number of registered and active workers.
func (r *Registry) Counts() (registered, active int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	registered = len(r.workers)
	for _, reg := range r.workers {
		if reg.active {
			active++
		}
	}
	return registered, active
}
