// Package anthropic implements the pipeline's text and structured
// generation capabilities on top of the Anthropic Messages API. The API has
// no embedding endpoint, so the composition root pairs this adapter with a
// separate model.Embedder (OpenAI or a mock).
package anthropic

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/hupe1980/convoroute/model"
)

// Options configures the Anthropic adapter (temperature, model id, max
// tokens, API key). Extend via functional options to preserve stability.
type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string
}

// Generator implements model.TextGenerator and model.StructuredGenerator
// using the official Anthropic client.
type Generator struct {
	client *anthropic.Client
	opts   Options
}

var (
	_ model.TextGenerator       = (*Generator)(nil)
	_ model.StructuredGenerator = (*Generator)(nil)
)

// NewGenerator creates a new Anthropic generator using the official client
func NewGenerator(optFns ...func(o *Options)) *Generator {
	opts := Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   4096,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}

	client := anthropic.NewClient(clientOpts...)

	return &Generator{
		client: &client,
		opts:   opts,
	}
}

// NewGeneratorFromClient creates a new Anthropic generator from an existing client
func NewGeneratorFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Generator {
	opts := Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   4096,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Generator{
		client: client,
		opts:   opts,
	}
}

// GenerateText implements model.TextGenerator.
func (g *Generator) GenerateText(ctx context.Context, messages []model.Message) (string, error) {
	params := anthropic.MessageNewParams{
		Model:       g.opts.Model,
		Messages:    buildMessages(messages),
		MaxTokens:   g.opts.MaxTokens,
		Temperature: anthropic.Float(g.opts.Temperature),
	}

	if systemBlocks := extractSystemBlocks(messages); len(systemBlocks) > 0 {
		params.System = systemBlocks
	}

	return g.send(ctx, params)
}

// GenerateStructured implements model.StructuredGenerator. The Messages API
// has no JSON response format, so conformance rests entirely on the system
// prompt; callers must decode defensively.
func (g *Generator) GenerateStructured(ctx context.Context, systemPrompt, excerpt string) (string, error) {
	params := anthropic.MessageNewParams{
		Model: g.opts.Model,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(excerpt)),
		},
		MaxTokens:   g.opts.MaxTokens,
		Temperature: anthropic.Float(0.1),
		System:      []anthropic.TextBlockParam{{Text: systemPrompt}},
	}

	return g.send(ctx, params)
}

func (g *Generator) send(ctx context.Context, params anthropic.MessageNewParams) (string, error) {
	resp, err := g.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic api error: %w", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.AsText().Text)
		}
	}

	return sb.String(), nil
}

// buildMessages converts normalized messages to Anthropic message format.
// System messages are handled separately via the System param.
func buildMessages(messages []model.Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	for _, m := range messages {
		switch m.Role {
		case model.RoleSystem:
			continue
		case model.RoleAssistant:
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return out
}

// extractSystemBlocks collects system messages into Anthropic system blocks.
func extractSystemBlocks(messages []model.Message) []anthropic.TextBlockParam {
	var blocks []anthropic.TextBlockParam
	for _, m := range messages {
		if m.Role == model.RoleSystem && m.Content != "" {
			blocks = append(blocks, anthropic.TextBlockParam{Text: m.Content})
		}
	}
	return blocks
}
