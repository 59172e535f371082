// Package gemini implements providers.Provider for Google Gemini using the
// official GenAI SDK.
//
// The SDK binds the API key at client construction, so a short-lived client
// is built per call; it reuses the provider's shared HTTP client, which is
// where the connection pool lives.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/cognitude/gateway/internal/providers"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com"
	providerName   = "gemini"
)

// Provider implements providers.Provider for Gemini.
type Provider struct {
	baseURL    string
	httpClient *http.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// WithTimeout overrides the per-call HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.httpClient.Timeout = d }
}

// New creates a Gemini Provider. The tenant key is supplied per call.
func New(opts ...Option) *Provider {
	p := &Provider{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: providers.DefaultTimeout},
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

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  p.httpClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: p.baseURL},
	})
	if err != nil {
		return nil, &providers.Error{Provider: providerName, Message: fmt.Sprintf("client: %v", err)}
	}

	contents, cfg := buildContentsAndConfig(req)

	resp, err := client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return nil, toProviderError(err)
	}

	content := resp.Text()

	out := &providers.ChatResponse{
		ID:      resp.ResponseID,
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []providers.Choice{
			{
				Index:        0,
				Message:      providers.Message{Role: "assistant", Content: content},
				FinishReason: "stop",
			},
		},
	}

	if resp.UsageMetadata != nil {
		out.Usage = providers.Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	if out.Usage.TotalTokens == 0 {
		out.Usage.PromptTokens = providers.EstimateTokens(providers.JoinUserContent(req.Messages))
		out.Usage.CompletionTokens = providers.EstimateTokens(content)
		out.Usage.TotalTokens = out.Usage.PromptTokens + out.Usage.CompletionTokens
		out.UsageEstimated = true
	}

	return out, nil
}

func buildContentsAndConfig(req *providers.ChatRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	var systemPrompt string
	contents := make([]*genai.Content, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		case "assistant", "model":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	cfg := &genai.GenerateContentConfig{}
	if systemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: systemPrompt}},
		}
	}
	if req.Temperature > 0 {
		cfg.Temperature = genai.Ptr[float32](float32(req.Temperature))
	}
	if req.TopP > 0 {
		cfg.TopP = genai.Ptr[float32](float32(req.TopP))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}

	return contents, cfg
}

func toProviderError(err error) error {
	var apierr genai.APIError
	if errors.As(err, &apierr) {
		return &providers.Error{
			Provider:   providerName,
			StatusCode: apierr.Code,
			Message:    apierr.Message,
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &providers.Error{Provider: providerName, Message: fmt.Sprintf("request failed: %v", err)}
}
