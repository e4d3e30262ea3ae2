package core

// KindGeneric is the worker kind every deployment is expected to provide.
// It is the routing target for low-confidence and unparseable
// classifications, so a generic worker should always be registered.
const KindGeneric = "generic"

// Judgment is the structured result of classifying one user utterance. It
// describes what kind(s) of worker the request needs and with what
// confidence. Judgments are created fresh per turn and live only as long as
// the classification cache keeps them.
type Judgment struct {
	// PrimaryKind is the single best-matching worker kind.
	PrimaryKind string `json:"primary_kind"`

	// Confidence of the classification in [0,1]. Values below the
	// configured floor are normalized to KindGeneric before routing.
	Confidence float64 `json:"confidence"`

	// NeededWorkerKinds lists every worker kind the request touches.
	NeededWorkerKinds []string `json:"needed_worker_kinds"`

	// RequiresMultiple signals that a useful reply needs contributions
	// from more than one worker kind.
	RequiresMultiple bool `json:"requires_multiple"`

	// ExtractedFields carries free-form structured details pulled out of
	// the utterance (amounts, dates, topics, ...).
	ExtractedFields map[string]any `json:"extracted_fields,omitempty"`
}

// FallbackJudgment is the recovery value used whenever upstream
// classification fails or returns output that cannot be decoded. It routes
// to the generic worker with neutral confidence.
func FallbackJudgment() Judgment {
	return Judgment{
		PrimaryKind:       KindGeneric,
		Confidence:        0.5,
		NeededWorkerKinds: []string{KindGeneric},
	}
}

// Needs reports whether the judgment lists the given worker kind.
func (j Judgment) Needs(kind string) bool {
	for _, k := range j.NeededWorkerKinds {
		if k == kind {
			return true
		}
	}
	return false
}
