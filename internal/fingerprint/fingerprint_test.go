package fingerprint

import (
	"testing"

	"github.com/cognitude/gateway/internal/providers"
)

func baseRequest() *providers.ChatRequest {
	return &providers.ChatRequest{
		Model: "gpt-3.5-turbo",
		Messages: []providers.Message{
			{Role: "system", Content: "You are helpful."},
			{Role: "user", Content: "What is 2+2?"},
		},
		Temperature: 0.7,
		MaxTokens:   50,
	}
}

func TestComputeDeterministic(t *testing.T) {
	t.Parallel()

	a := Compute(baseRequest())
	b := Compute(baseRequest())
	if a != b {
		t.Errorf("same request produced different fingerprints: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("fingerprint length = %d, want 64", len(a))
	}
}

func TestComputeModelCaseInsensitive(t *testing.T) {
	t.Parallel()

	r1 := baseRequest()
	r2 := baseRequest()
	r2.Model = "GPT-3.5-Turbo"

	if Compute(r1) != Compute(r2) {
		t.Error("model casing must not change the fingerprint")
	}
}

func TestComputeSensitivity(t *testing.T) {
	t.Parallel()

	base := Compute(baseRequest())

	tests := []struct {
		name   string
		mutate func(*providers.ChatRequest)
	}{
		{"model", func(r *providers.ChatRequest) { r.Model = "gpt-4o" }},
		{"temperature", func(r *providers.ChatRequest) { r.Temperature = 0.8 }},
		{"top_p", func(r *providers.ChatRequest) { r.TopP = 0.9 }},
		{"max_tokens", func(r *providers.ChatRequest) { r.MaxTokens = 51 }},
		{"frequency_penalty", func(r *providers.ChatRequest) { r.FrequencyPenalty = 0.1 }},
		{"presence_penalty", func(r *providers.ChatRequest) { r.PresencePenalty = 0.1 }},
		{"content", func(r *providers.ChatRequest) { r.Messages[1].Content = "What is 2+3?" }},
		{"role", func(r *providers.ChatRequest) { r.Messages[1].Role = "assistant" }},
		{"message order", func(r *providers.ChatRequest) {
			r.Messages[0], r.Messages[1] = r.Messages[1], r.Messages[0]
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := baseRequest()
			tc.mutate(r)
			if Compute(r) == base {
				t.Errorf("changing %s did not change the fingerprint", tc.name)
			}
		})
	}
}

// The message encoding must not let (role, content) pairs collide when
// content contains separator-like boundaries.
func TestComputeNoBoundaryCollision(t *testing.T) {
	t.Parallel()

	r1 := &providers.ChatRequest{
		Model:    "m",
		Messages: []providers.Message{{Role: "user", Content: "ab"}, {Role: "user", Content: "c"}},
	}
	r2 := &providers.ChatRequest{
		Model:    "m",
		Messages: []providers.Message{{Role: "user", Content: "a"}, {Role: "user", Content: "bc"}},
	}
	if Compute(r1) == Compute(r2) {
		t.Error("different message splits collided")
	}
}

func TestComputeRequestIDIgnored(t *testing.T) {
	t.Parallel()

	r1 := baseRequest()
	r2 := baseRequest()
	r2.RequestID = "some-other-request"

	if Compute(r1) != Compute(r2) {
		t.Error("request ID must not participate in the fingerprint")
	}
}
