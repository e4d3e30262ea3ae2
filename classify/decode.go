package classify

import (
	"encoding/json"
	"strings"

	"github.com/hupe1980/convoroute/core"
)

// DecodeJudgment attempts a best-effort structured decode of raw model
// output into a judgment. Models wrap JSON in prose or code fences often
// enough that strict parsing alone is too brittle: the function locates the
// first '{' and the last '}' and parses the span between them.
//
// The second return value is false when no judgment could be decoded;
// callers fall back to core.FallbackJudgment then. No guessing beyond the
// substring extraction is attempted.
func DecodeJudgment(raw string) (core.Judgment, bool) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return core.Judgment{}, false
	}

	var j core.Judgment
	if err := json.Unmarshal([]byte(raw[start:end+1]), &j); err != nil {
		return core.Judgment{}, false
	}
	if j.PrimaryKind == "" {
		return core.Judgment{}, false
	}

	// Clamp out-of-range confidences instead of rejecting the judgment.
	if j.Confidence < 0 {
		j.Confidence = 0
	} else if j.Confidence > 1 {
		j.Confidence = 1
	}

	if len(j.NeededWorkerKinds) == 0 {
		j.NeededWorkerKinds = []string{j.PrimaryKind}
	}

	return j, true
}
