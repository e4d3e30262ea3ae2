package core

import (
	"context"
	"fmt"
)

// WorkerDescriptor identifies a worker and declares what it can do.
// Registered once at startup; only the Active flag changes afterwards (via
// the registry's activate/deactivate operations).
type WorkerDescriptor struct {
	ID           string   `json:"id"`
	Kind         string   `json:"kind"`
	Capabilities []string `json:"capabilities,omitempty"`
	Languages    []string `json:"languages,omitempty"`
	Active       bool     `json:"active"`
}

// SupportsLanguage reports whether the worker declares support for the given
// language. An empty declaration means "any language".
func (d WorkerDescriptor) SupportsLanguage(lang string) bool {
	if len(d.Languages) == 0 || lang == "" {
		return true
	}
	for _, l := range d.Languages {
		if l == lang {
			return true
		}
	}
	return false
}

// Worker is a specialized component able to self-score its applicability to
// a judgment and to produce a domain-specific reply.
//
// Score returns a confidence in [0,1]; an error (or panic) excludes the
// worker from the candidate ranking without failing the lookup. Respond
// produces the reply text; failures are wrapped as WorkerError by callers.
// Both operations receive a context and must honor cancellation.
type Worker interface {
	Descriptor() WorkerDescriptor
	Score(ctx context.Context, judgment Judgment, session *Session) (float64, error)
	Respond(ctx context.Context, judgment Judgment, session *Session) (string, error)
}

// WorkerError records the failure of one worker during dispatch. It is kept
// on the outcome for observability only and must never leak into user-facing
// reply text.
type WorkerError struct {
	WorkerID string
	Err      error
}

// Error implements the error interface.
func (e WorkerError) Error() string {
	return fmt.Sprintf("worker %s: %v", e.WorkerID, e.Err)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e WorkerError) Unwrap() error { return e.Err }
