package aianthropic

import (
	"context"
	"errors"
	"net/http"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/Abraxas-365/recall/pkg/ai/llm"
	"github.com/Abraxas-365/recall/pkg/errx"
)

const defaultMaxTokens = 1024

// AnthropicProvider implements llm.LLM on the Anthropic Messages API.
// Anthropic exposes no embedding endpoint, so this provider only covers chat.
type AnthropicProvider struct {
	client anthropic.Client
}

// NewAnthropicProvider creates a new Anthropic provider
func NewAnthropicProvider(apiKey string, opts ...option.RequestOption) *AnthropicProvider {
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}

	options := append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	client := anthropic.NewClient(options...)

	return &AnthropicProvider{
		client: client,
	}
}

func defaultChatOptions() *llm.ChatOptions {
	options := llm.DefaultOptions()
	options.Model = "claude-sonnet-4-5"
	return options
}

// Chat implements the LLM interface
func (p *AnthropicProvider) Chat(ctx context.Context, messages []llm.Message, opts ...llm.Option) (llm.Response, error) {
	options := defaultChatOptions()
	for _, opt := range opts {
		opt(options)
	}

	maxTokens := options.MaxCompletionTokens
	if maxTokens == 0 {
		maxTokens = options.MaxTokens
	}
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	// The Messages API takes system prompts out of band.
	var system []anthropic.TextBlockParam
	converted := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleSystem:
			system = append(system, anthropic.TextBlockParam{Text: msg.Content})
		case llm.RoleUser:
			converted = append(converted, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		case llm.RoleAssistant:
			converted = append(converted, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		default:
			return llm.Response{}, errx.New("unsupported role: "+msg.Role, errx.TypeValidation)
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(options.Model),
		MaxTokens: int64(maxTokens),
		Messages:  converted,
	}

	if len(system) > 0 {
		params.System = system
	}

	if options.Temperature != 0 {
		params.Temperature = anthropic.Float(float64(options.Temperature))
	}

	if options.TopP != 0 {
		params.TopP = anthropic.Float(float64(options.TopP))
	}

	if len(options.Stop) > 0 {
		params.StopSequences = options.Stop
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return llm.Response{}, classifyError(err, "anthropic message request failed")
	}

	var content string
	for _, block := range resp.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	return llm.Response{
		Message: llm.Message{
			Role:    llm.RoleAssistant,
			Content: content,
		},
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
	}, nil
}

func classifyError(err error, msg string) *errx.Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errx.Wrap(err, msg, errx.TypeTimeout)
	}

	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == http.StatusTooManyRequests:
			return errx.Wrap(err, msg, errx.TypeRateLimit)
		case apierr.StatusCode >= 500:
			return errx.Wrap(err, msg, errx.TypeUnavailable)
		case apierr.StatusCode == http.StatusBadRequest:
			return errx.Wrap(err, msg, errx.TypeValidation)
		case apierr.StatusCode == http.StatusUnauthorized || apierr.StatusCode == http.StatusForbidden:
			return errx.Wrap(err, msg, errx.TypeAuthorization)
		default:
			return errx.Wrap(err, msg, errx.TypeExternal)
		}
	}

	return errx.Wrap(err, msg, errx.TypeUnavailable)
}
