// Package groq implements providers.Provider for Groq's OpenAI-compatible
// chat completions endpoint.
package groq

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cognitude/gateway/internal/providers"
	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const (
	defaultBaseURL = "https://api.groq.com/openai/v1"
	providerName   = "groq"
)

// Provider implements providers.Provider for Groq.
type Provider struct {
	baseURL string
	timeout time.Duration
	client  openaiSDK.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing and mocks).
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// WithTimeout overrides the per-call HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.timeout = d }
}

// New creates a Groq Provider. The tenant key is supplied per call.
func New(opts ...Option) *Provider {
	p := &Provider{
		baseURL: defaultBaseURL,
		timeout: providers.DefaultTimeout,
	}
	for _, o := range opts {
		o(p)
	}

	p.client = openaiSDK.NewClient(
		option.WithBaseURL(p.baseURL),
		option.WithHTTPClient(&http.Client{Timeout: p.timeout}),
	)

	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) Complete(ctx context.Context, req *providers.ChatRequest, apiKey string) (*providers.ChatResponse, error) {
	if apiKey == "" {
		return nil, &providers.Error{Provider: providerName, StatusCode: 401, Message: "no API key configured"}
	}

	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			msgs = append(msgs, openaiSDK.SystemMessage(m.Content))
		case "assistant":
			msgs = append(msgs, openaiSDK.AssistantMessage(m.Content))
		default:
			msgs = append(msgs, openaiSDK.UserMessage(m.Content))
		}
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    req.Model,
	}
	if req.Temperature != 0 {
		params.Temperature = openaiSDK.Float(req.Temperature)
	}
	if req.TopP != 0 {
		params.TopP = openaiSDK.Float(req.TopP)
	}
	if req.MaxTokens > 0 {
		// Groq still uses the legacy max_tokens field.
		params.MaxTokens = openaiSDK.Int(int64(req.MaxTokens))
	}
	if req.FrequencyPenalty != 0 {
		params.FrequencyPenalty = openaiSDK.Float(req.FrequencyPenalty)
	}
	if req.PresencePenalty != 0 {
		params.PresencePenalty = openaiSDK.Float(req.PresencePenalty)
	}

	resp, err := p.client.Chat.Completions.New(ctx, params, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, toProviderError(err)
	}

	choices := make([]providers.Choice, len(resp.Choices))
	for i, c := range resp.Choices {
		choices[i] = providers.Choice{
			Index:        int(c.Index),
			Message:      providers.Message{Role: "assistant", Content: c.Message.Content},
			FinishReason: string(c.FinishReason),
		}
	}

	return &providers.ChatResponse{
		ID:      resp.ID,
		Created: resp.Created,
		Model:   resp.Model,
		Choices: choices,
		Usage: providers.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

func toProviderError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &providers.Error{
			Provider:   providerName,
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &providers.Error{Provider: providerName, Message: fmt.Sprintf("request failed: %v", err)}
}
