// Package anthropic implements providers.Provider for the Anthropic Messages
// API using the official SDK.
//
// Canonical-to-native translation notes: system and developer messages are
// folded into the Anthropic system prompt; max_tokens is mandatory upstream
// so a default is applied when the client omits it.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/cognitude/gateway/internal/providers"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	providerName     = "anthropic"
	defaultMaxTokens = 4096
)

// Provider implements providers.Provider for Anthropic.
type Provider struct {
	baseURL string
	timeout time.Duration
	client  anthropic.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// WithTimeout overrides the per-call HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.timeout = d }
}

// New creates an Anthropic Provider. The tenant key is supplied per call.
func New(opts ...Option) *Provider {
	p := &Provider{
		baseURL: defaultBaseURL,
		timeout: providers.DefaultTimeout,
	}
	for _, o := range opts {
		o(p)
	}

	p.client = anthropic.NewClient(
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

	params := buildParams(req)

	msg, err := p.client.Messages.New(ctx, params, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, toProviderError(err)
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		switch v := b.AsAny().(type) {
		case anthropic.TextBlock:
			sb.WriteString(v.Text)
		case *anthropic.TextBlock:
			sb.WriteString(v.Text)
		}
	}
	content := sb.String()

	resp := &providers.ChatResponse{
		ID:      msg.ID,
		Created: time.Now().Unix(),
		Model:   string(msg.Model),
		Choices: []providers.Choice{
			{
				Index:        0,
				Message:      providers.Message{Role: "assistant", Content: content},
				FinishReason: finishReason(string(msg.StopReason)),
			},
		},
		Usage: providers.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}

	// The Messages API always reports usage; keep the estimate as a fallback
	// in case a proxy in between strips it.
	if resp.Usage.TotalTokens == 0 {
		resp.Usage.PromptTokens = providers.EstimateTokens(providers.JoinUserContent(req.Messages))
		resp.Usage.CompletionTokens = providers.EstimateTokens(content)
		resp.Usage.TotalTokens = resp.Usage.PromptTokens + resp.Usage.CompletionTokens
		resp.UsageEstimated = true
	}

	return resp, nil
}

func buildParams(req *providers.ChatRequest) anthropic.MessageNewParams {
	var systemPrompt string
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		default:
			msgs = append(msgs, toSDKMessage(m.Role, m.Content))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}

	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if req.TopP > 0 {
		params.TopP = anthropic.Float(req.TopP)
	}

	return params
}

func toSDKMessage(role, content string) anthropic.MessageParam {
	anthRole := anthropic.MessageParamRoleUser
	if strings.ToLower(role) == "assistant" {
		anthRole = anthropic.MessageParamRoleAssistant
	}
	return anthropic.MessageParam{
		Role: anthRole,
		Content: []anthropic.ContentBlockParamUnion{
			{OfText: &anthropic.TextBlockParam{Text: content}},
		},
	}
}

// finishReason maps Anthropic stop reasons onto the OpenAI vocabulary.
func finishReason(stop string) string {
	switch stop {
	case "max_tokens":
		return "length"
	case "end_turn", "stop_sequence", "":
		return "stop"
	default:
		return stop
	}
}

func toProviderError(err error) error {
	var apierr *anthropic.Error
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
