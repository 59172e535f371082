// Package mistral implements providers.Provider for the Mistral AI chat
// completions API over plain HTTP.
package mistral

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cognitude/gateway/internal/providers"
)

const (
	defaultBaseURL = "https://api.mistral.ai/v1"
	providerName   = "mistral"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model            string        `json:"model"`
	Messages         []chatMessage `json:"messages"`
	Temperature      float64       `json:"temperature,omitempty"`
	TopP             float64       `json:"top_p,omitempty"`
	MaxTokens        int           `json:"max_tokens,omitempty"`
	FrequencyPenalty float64       `json:"frequency_penalty,omitempty"`
	PresencePenalty  float64       `json:"presence_penalty,omitempty"`
}

type choice struct {
	Index        int          `json:"index"`
	Message      *chatMessage `json:"message,omitempty"`
	FinishReason string       `json:"finish_reason"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type apiErr struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

type chatResponse struct {
	ID      string   `json:"id"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []choice `json:"choices"`
	Usage   usage    `json:"usage"`
	Error   *apiErr  `json:"error,omitempty"`
}

// Provider implements providers.Provider for Mistral.
type Provider struct {
	baseURL string
	client  *http.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// WithTimeout overrides the per-call HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.client.Timeout = d }
}

// New creates a Mistral Provider. The tenant key is supplied per call.
func New(opts ...Option) *Provider {
	p := &Provider{
		baseURL: defaultBaseURL,
		client:  &http.Client{Timeout: providers.DefaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) Complete(ctx context.Context, req *providers.ChatRequest, apiKey string) (*providers.ChatResponse, error) {
	if apiKey == "" {
		return nil, &providers.Error{Provider: providerName, StatusCode: 401, Message: "no API key configured"}
	}

	msgs := make([]chatMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = chatMessage{Role: m.Role, Content: m.Content}
	}

	body, err := json.Marshal(chatRequest{
		Model:            req.Model,
		Messages:         msgs,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		MaxTokens:        req.MaxTokens,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
	})
	if err != nil {
		return nil, fmt.Errorf("mistral: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("mistral: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, &providers.Error{Provider: providerName, Message: fmt.Sprintf("request failed: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp)
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		// A mangled body is treated like an infrastructure failure so the
		// caller can fail over.
		return nil, &providers.Error{Provider: providerName, Message: fmt.Sprintf("decode response: %v", err)}
	}

	choices := make([]providers.Choice, 0, len(cr.Choices))
	var completionText string
	for _, c := range cr.Choices {
		content := ""
		if c.Message != nil {
			content = c.Message.Content
		}
		completionText += content
		choices = append(choices, providers.Choice{
			Index:        c.Index,
			Message:      providers.Message{Role: "assistant", Content: content},
			FinishReason: c.FinishReason,
		})
	}

	out := &providers.ChatResponse{
		ID:      cr.ID,
		Created: cr.Created,
		Model:   cr.Model,
		Choices: choices,
		Usage: providers.Usage{
			PromptTokens:     cr.Usage.PromptTokens,
			CompletionTokens: cr.Usage.CompletionTokens,
			TotalTokens:      cr.Usage.TotalTokens,
		},
	}
	if out.Usage.TotalTokens == 0 {
		out.Usage.PromptTokens = providers.EstimateTokens(providers.JoinUserContent(req.Messages))
		out.Usage.CompletionTokens = providers.EstimateTokens(completionText)
		out.Usage.TotalTokens = out.Usage.PromptTokens + out.Usage.CompletionTokens
		out.UsageEstimated = true
	}

	return out, nil
}

func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var cr chatResponse
	if json.Unmarshal(body, &cr) == nil && cr.Error != nil {
		return &providers.Error{
			Provider:   providerName,
			StatusCode: resp.StatusCode,
			Message:    cr.Error.Message,
		}
	}

	return &providers.Error{
		Provider:   providerName,
		StatusCode: resp.StatusCode,
		Message:    fmt.Sprintf("unexpected status %d", resp.StatusCode),
	}
}
