package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/openai/openai-go"

	"github.com/nutrimesh/nutrimesh/logging"
)

// ChatModel is the minimal completion surface the LLM-backed stages need:
// one system prompt, one user prompt, one text answer.
type ChatModel interface {
	// Complete returns the model's text answer for the given prompts.
	Complete(ctx context.Context, system, user string) (string, error)

	// Name identifies the provider/model for logging.
	Name() string
}

// OpenAIOptions configures the OpenAI chat model.
type OpenAIOptions struct {
	Model       string
	Temperature float64
	MaxTokens   int64
}

// OpenAIModel wraps the OpenAI Chat Completions API behind ChatModel.
type OpenAIModel struct {
	client *openai.Client
	opts   OpenAIOptions
}

// NewOpenAIModel creates an OpenAI model using the official client, which
// reads its API key from the environment.
func NewOpenAIModel(optFns ...func(o *OpenAIOptions)) *OpenAIModel {
	client := openai.NewClient()
	return NewOpenAIModelFromClient(&client, optFns...)
}

// NewOpenAIModelFromClient creates an OpenAI model from an existing client.
func NewOpenAIModelFromClient(client *openai.Client, optFns ...func(o *OpenAIOptions)) *OpenAIModel {
	opts := OpenAIOptions{
		Model:       openai.ChatModelGPT4oMini,
		Temperature: 0.3,
		MaxTokens:   4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &OpenAIModel{client: client, opts: opts}
}

// Complete implements ChatModel.
func (m *OpenAIModel) Complete(ctx context.Context, system, user string) (string, error) {
	var messages []openai.ChatCompletionMessageParamUnion
	if system != "" {
		messages = append(messages, openai.SystemMessage(system))
	}
	messages = append(messages, openai.UserMessage(user))

	resp, err := m.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages:            messages,
		Model:               m.opts.Model,
		Temperature:         openai.Float(m.opts.Temperature),
		MaxCompletionTokens: openai.Int(m.opts.MaxTokens),
	})
	if err != nil {
		return "", fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

// Name implements ChatModel.
func (m *OpenAIModel) Name() string { return "openai/" + m.opts.Model }

// AnthropicOptions configures the Anthropic chat model.
type AnthropicOptions struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string
}

// AnthropicModel wraps the Anthropic Messages API behind ChatModel.
type AnthropicModel struct {
	client *anthropic.Client
	opts   AnthropicOptions
}

// NewAnthropicModel creates an Anthropic model using the official client.
func NewAnthropicModel(optFns ...func(o *AnthropicOptions)) *AnthropicModel {
	opts := AnthropicOptions{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.3,
		MaxTokens:   4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []anthropicoption.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, anthropicoption.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)
	return &AnthropicModel{client: &client, opts: opts}
}

// Complete implements ChatModel.
func (m *AnthropicModel) Complete(ctx context.Context, system, user string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:       m.opts.Model,
		MaxTokens:   m.opts.MaxTokens,
		Temperature: anthropic.Float(m.opts.Temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := m.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic api error: %w", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.AsText().Text)
		}
	}
	if sb.Len() == 0 {
		return "", errors.New("anthropic: empty completion")
	}
	return sb.String(), nil
}

// Name implements ChatModel.
func (m *AnthropicModel) Name() string { return "anthropic/" + string(m.opts.Model) }

// FallbackModel tries the primary model first and falls back to the
// secondary on any error. Both errors are joined when the fallback also
// fails.
type FallbackModel struct {
	primary  ChatModel
	fallback ChatModel
	logger   logging.Logger
}

// NewFallbackModel chains two models. fallback may be nil, in which case the
// primary's errors are returned directly.
func NewFallbackModel(primary, fallback ChatModel, logger logging.Logger) *FallbackModel {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &FallbackModel{primary: primary, fallback: fallback, logger: logger}
}

// Complete implements ChatModel.
func (m *FallbackModel) Complete(ctx context.Context, system, user string) (string, error) {
	out, err := m.primary.Complete(ctx, system, user)
	if err == nil {
		return out, nil
	}
	if m.fallback == nil || ctx.Err() != nil {
		return "", err
	}
	m.logger.Warn("primary model failed, trying fallback",
		"primary", m.primary.Name(), "fallback", m.fallback.Name(), "error", err.Error())
	out, ferr := m.fallback.Complete(ctx, system, user)
	if ferr != nil {
		return "", errors.Join(err, ferr)
	}
	return out, nil
}

// Name implements ChatModel.
func (m *FallbackModel) Name() string {
	if m.fallback == nil {
		return m.primary.Name()
	}
	return m.primary.Name() + "->" + m.fallback.Name()
}
