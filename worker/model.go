package worker

import (
	"context"
	"fmt"
	"strings"

	"github.com/hupe1980/convoroute/core"
	"github.com/hupe1980/convoroute/model"
)

// Options configure a ModelWorker.
type Options struct {
	// Capabilities are keywords describing what the worker handles well;
	// overlap with extracted judgment fields adds a weak score signal.
	Capabilities []string

	// Languages the worker supports. Empty means any.
	Languages []string

	// Instruction is the system prompt establishing the worker's domain
	// expertise.
	Instruction string

	// ContextWindow is the number of recent turns included in the prompt.
	ContextWindow int

	// PrimaryScore is reported when the worker's kind is the judgment's
	// primary kind; SecondaryScore when it is merely listed as needed.
	PrimaryScore   float64
	SecondaryScore float64

	// CapabilityBonus is added per matching capability keyword.
	CapabilityBonus float64
}

// ModelWorker is a specialized worker that produces replies through the
// external text-generation capability. Its applicability score is derived
// from the judgment: a direct kind match dominates, capability keyword
// overlap contributes a weak signal, and a language mismatch halves the
// result.
type ModelWorker struct {
	id        string
	kind      string
	generator model.TextGenerator
	opts      Options
}

var _ core.Worker = (*ModelWorker)(nil)

// NewModelWorker constructs a worker for the given kind.
func NewModelWorker(id, kind string, generator model.TextGenerator, optFns ...func(o *Options)) *ModelWorker {
	opts := Options{
		ContextWindow:   10,
		PrimaryScore:    1.0,
		SecondaryScore:  0.8,
		CapabilityBonus: 0.15,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Instruction == "" {
		opts.Instruction = fmt.Sprintf("You are a helpful %s expert. Give concrete, actionable advice.", kind)
	}

	return &ModelWorker{id: id, kind: kind, generator: generator, opts: opts}
}

// Descriptor implements core.Worker.
func (w *ModelWorker) Descriptor() core.WorkerDescriptor {
	return core.WorkerDescriptor{
		ID:           w.id,
		Kind:         w.kind,
		Capabilities: w.opts.Capabilities,
		Languages:    w.opts.Languages,
		Active:       true,
	}
}

// Score implements core.Worker.
func (w *ModelWorker) Score(_ context.Context, judgment core.Judgment, sess *core.Session) (float64, error) {
	var score float64
	switch {
	case judgment.PrimaryKind == w.kind:
		score = w.opts.PrimaryScore
	case judgment.Needs(w.kind):
		score = w.opts.SecondaryScore
	}

	if overlap := w.capabilityOverlap(judgment); overlap > 0 {
		score += float64(overlap) * w.opts.CapabilityBonus
	}

	if sess != nil && !w.Descriptor().SupportsLanguage(sess.Language) {
		score /= 2
	}

	if score > 1 {
		score = 1
	}
	return score, nil
}

// Respond implements core.Worker.
func (w *ModelWorker) Respond(ctx context.Context, judgment core.Judgment, sess *core.Session) (string, error) {
	messages := w.buildMessages(judgment, sess)

	reply, err := w.generator.GenerateText(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("generating %s reply: %w", w.kind, err)
	}
	return reply, nil
}

func (w *ModelWorker) buildMessages(judgment core.Judgment, sess *core.Session) []model.Message {
	var system strings.Builder
	system.WriteString(w.opts.Instruction)
	if sess != nil && sess.Language != "" {
		fmt.Fprintf(&system, "\nReply in the language %q.", sess.Language)
	}
	if len(judgment.ExtractedFields) > 0 {
		system.WriteString("\nDetails extracted from the request:")
		for k, v := range judgment.ExtractedFields {
			fmt.Fprintf(&system, "\n- %s: %v", k, v)
		}
	}

	messages := []model.Message{{Role: model.RoleSystem, Content: system.String()}}
	if sess != nil {
		for _, t := range sess.LastN(w.opts.ContextWindow) {
			role := model.RoleUser
			if t.Role == core.RoleAssistant {
				role = model.RoleAssistant
			}
			messages = append(messages, model.Message{Role: role, Content: t.Text})
		}
	}
	return messages
}

// capabilityOverlap counts declared capabilities that appear in the
// judgment's extracted fields (keys or stringified values).
func (w *ModelWorker) capabilityOverlap(judgment core.Judgment) int {
	if len(w.opts.Capabilities) == 0 || len(judgment.ExtractedFields) == 0 {
		return 0
	}
	var haystack strings.Builder
	for k, v := range judgment.ExtractedFields {
		haystack.WriteString(strings.ToLower(k))
		haystack.WriteString(" ")
		haystack.WriteString(strings.ToLower(fmt.Sprintf("%v", v)))
		haystack.WriteString(" ")
	}
	text := haystack.String()

	count := 0
	for _, keyword := range w.opts.Capabilities {
		if strings.Contains(text, strings.ToLower(keyword)) {
			count++
		}
	}
	return count
}
