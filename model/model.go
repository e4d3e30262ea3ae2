package model

import (
	"context"
	"fmt"
	"sync"
)

// Message roles used when talking to generation capabilities.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one element of a conversation excerpt sent upstream.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TextGenerator produces a free-text reply from an ordered message sequence.
// Used both for worker replies and for multi-worker synthesis.
type TextGenerator interface {
	GenerateText(ctx context.Context, messages []Message) (string, error)
}

// StructuredGenerator produces text expected (but not guaranteed) to parse
// against a caller-supplied schema contract. Callers must validate the
// output defensively.
type StructuredGenerator interface {
	GenerateStructured(ctx context.Context, systemPrompt, excerpt string) (string, error)
}

// Embedder maps text into a fixed-dimensional vector space.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Mock is a lightweight in-memory implementation of all three capabilities,
// useful for tests & examples. Canned responses are keyed by the content of
// the last message (text generation) or by the excerpt (structured
// generation); unknown inputs yield a deterministic echo. Call counters make
// cache behavior observable.
type Mock struct {
	mu              sync.Mutex
	textResponses   map[string]string
	structResponses map[string]string
	embeddings      map[string][]float64
	textErr         error
	structErr       error
	embedErr        error
	textCalls       int
	structCalls     int
	embedCalls      int
}

// NewMock constructs an empty Mock.
func NewMock() *Mock {
	return &Mock{
		textResponses:   make(map[string]string),
		structResponses: make(map[string]string),
		embeddings:      make(map[string][]float64),
	}
}

// AddTextResponse registers a deterministic completion for the content of
// the last message in a GenerateText call.
func (m *Mock) AddTextResponse(lastContent, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.textResponses[lastContent] = response
}

// AddStructuredResponse registers a deterministic raw output for a
// GenerateStructured excerpt.
func (m *Mock) AddStructuredResponse(excerpt, raw string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.structResponses[excerpt] = raw
}

// AddEmbedding registers a fixed vector for a text.
func (m *Mock) AddEmbedding(text string, vec []float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.embeddings[text] = vec
}

// FailText makes GenerateText return err until reset with nil.
func (m *Mock) FailText(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.textErr = err
}

// FailStructured makes GenerateStructured return err until reset with nil.
func (m *Mock) FailStructured(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.structErr = err
}

// FailEmbed makes Embed return err until reset with nil.
func (m *Mock) FailEmbed(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.embedErr = err
}

// TextCalls returns how often GenerateText was invoked.
func (m *Mock) TextCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.textCalls
}

// StructuredCalls returns how often GenerateStructured was invoked.
func (m *Mock) StructuredCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.structCalls
}

// EmbedCalls returns how often Embed was invoked.
func (m *Mock) EmbedCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.embedCalls
}

// GenerateText implements TextGenerator.
func (m *Mock) GenerateText(ctx context.Context, messages []Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.textCalls++
	if m.textErr != nil {
		return "", m.textErr
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(messages) == 0 {
		return "", fmt.Errorf("no messages provided")
	}
	last := messages[len(messages)-1].Content
	if resp, ok := m.textResponses[last]; ok {
		return resp, nil
	}
	return fmt.Sprintf("Mock response to: %s", last), nil
}

// GenerateStructured implements StructuredGenerator.
func (m *Mock) GenerateStructured(ctx context.Context, systemPrompt, excerpt string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.structCalls++
	if m.structErr != nil {
		return "", m.structErr
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if raw, ok := m.structResponses[excerpt]; ok {
		return raw, nil
	}
	return `{"primary_kind":"generic","confidence":0.9,"needed_worker_kinds":["generic"],"requires_multiple":false}`, nil
}

// Embed implements Embedder. Unregistered texts receive a stable vector
// derived from the text bytes so identical texts always embed identically.
func (m *Mock) Embed(ctx context.Context, text string) ([]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.embedCalls++
	if m.embedErr != nil {
		return nil, m.embedErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if vec, ok := m.embeddings[text]; ok {
		out := make([]float64, len(vec))
		copy(out, vec)
		return out, nil
	}
	vec := make([]float64, 8)
	for i, b := range []byte(text) {
		vec[i%8] += float64(b)
	}
	return vec, nil
}
