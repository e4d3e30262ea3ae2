// Package openai implements the pipeline's generation and embedding
// capabilities on top of the OpenAI API (Chat Completions + Embeddings). It
// adapts ConvoRoute's normalized message format into the SDK's message
// params and back.
package openai

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/shared"

	"github.com/hupe1980/convoroute/model"
)

// Options configure the OpenAI adapter.
// Fields mirror a subset of Chat Completion parameters intentionally kept
// minimal; extend via functional options without breaking callers.
type Options struct {
	Model               string
	EmbeddingModel      string
	Temperature         float64
	MaxCompletionTokens int64
}

// Generator implements model.TextGenerator, model.StructuredGenerator and
// model.Embedder using the official OpenAI client.
type Generator struct {
	client *openai.Client
	opts   Options
}

var (
	_ model.TextGenerator       = (*Generator)(nil)
	_ model.StructuredGenerator = (*Generator)(nil)
	_ model.Embedder            = (*Generator)(nil)
)

// NewGenerator creates a new OpenAI generator using the official client
func NewGenerator(optFns ...func(o *Options)) *Generator {
	client := openai.NewClient()
	return NewGeneratorFromClient(&client, optFns...)
}

// NewGeneratorFromClient creates a new OpenAI generator from an existing client
func NewGeneratorFromClient(client *openai.Client, optFns ...func(o *Options)) *Generator {
	opts := Options{
		Model:               openai.ChatModelGPT4oMini,
		EmbeddingModel:      openai.EmbeddingModelTextEmbedding3Small,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Generator{client: client, opts: opts}
}

// GenerateText implements model.TextGenerator using a non-streaming chat
// completion.
func (g *Generator) GenerateText(ctx context.Context, messages []model.Message) (string, error) {
	params := openai.ChatCompletionNewParams{
		Messages:            buildMessages(messages),
		Model:               g.opts.Model,
		Temperature:         openai.Float(g.opts.Temperature),
		MaxCompletionTokens: openai.Int(g.opts.MaxCompletionTokens),
	}

	resp, err := g.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai returned no choices")
	}

	return resp.Choices[0].Message.Content, nil
}

// GenerateStructured implements model.StructuredGenerator. It requests JSON
// object output, but callers must still validate: the response format is a
// hint, not a guarantee of schema conformance.
func (g *Generator) GenerateStructured(ctx context.Context, systemPrompt, excerpt string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(excerpt),
		},
		Model: g.opts.Model,
		// Low temperature: classification should be as deterministic as
		// the provider allows.
		Temperature:         openai.Float(0.1),
		MaxCompletionTokens: openai.Int(g.opts.MaxCompletionTokens),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	}

	resp, err := g.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai returned no choices")
	}

	return resp.Choices[0].Message.Content, nil
}

// Embed implements model.Embedder via the Embeddings API.
func (g *Generator) Embed(ctx context.Context, text string) ([]float64, error) {
	resp, err := g.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
		Model: g.opts.EmbeddingModel,
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings error: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai returned no embedding data")
	}

	return resp.Data[0].Embedding, nil
}

// buildMessages converts normalized messages into OpenAI chat message params.
func buildMessages(messages []model.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case model.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case model.RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}
