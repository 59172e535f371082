package router

import (
	"strings"
	"testing"

	"github.com/cognitude/gateway/internal/pricing"
	"github.com/cognitude/gateway/internal/providers"
	"github.com/cognitude/gateway/internal/registry"
)

func userReq(model, content string, maxTokens int) *providers.ChatRequest {
	return &providers.ChatRequest{
		Model:     model,
		Messages:  []providers.Message{{Role: "user", Content: content}},
		MaxTokens: maxTokens,
	}
}

func TestClassifyTrivial(t *testing.T) {
	t.Parallel()

	cls := Classify(userReq("gpt-4", "What is the capital of France?", 50))
	if cls.Class != ClassTrivial && cls.Class != ClassSimple {
		t.Errorf("class = %s, want trivial or simple", cls.Class)
	}
	if cls.Score >= 0.4 {
		t.Errorf("score = %f, want < 0.4", cls.Score)
	}
}

func TestClassifyComplex(t *testing.T) {
	t.Parallel()

	content := "First, design the schema. Then implement it step by step:\n```sql\nSELECT * FROM users;\n```\n" +
		strings.Repeat("Explain each trade-off in detail. ", 150)
	cls := Classify(userReq("gpt-4", content, 4000))
	if cls.Class != ClassComplex {
		t.Errorf("class = %s (score %f), want complex", cls.Class, cls.Score)
	}
}

func TestClassifyScoreBounds(t *testing.T) {
	t.Parallel()

	for _, content := range []string{"", "hi", strings.Repeat("x", 100000)} {
		cls := Classify(userReq("m", content, 100000))
		if cls.Score < 0 || cls.Score > 1 {
			t.Errorf("score %f out of [0,1] for content length %d", cls.Score, len(content))
		}
		if cls.Confidence < 0.5 || cls.Confidence > 0.99 {
			t.Errorf("confidence %f out of [0.5,0.99]", cls.Confidence)
		}
	}
}

func cands(kinds ...string) []registry.Candidate {
	out := make([]registry.Candidate, len(kinds))
	for i, k := range kinds {
		out[i] = registry.Candidate{Kind: k, Priority: i + 1, APIKey: "sk-test"}
	}
	return out
}

func TestPlanExplicitIdentity(t *testing.T) {
	t.Parallel()

	req := userReq("gpt-4", "hello", 10)
	plan, err := Plan(req, ModeExplicit, cands(providers.KindOpenAI, providers.KindAnthropic))
	if err != nil {
		t.Fatal(err)
	}
	if plan[0].Model != "gpt-4" {
		t.Errorf("explicit mode changed the model: %s", plan[0].Model)
	}
	if plan[0].Provider != providers.KindOpenAI {
		t.Errorf("provider = %s, want openai", plan[0].Provider)
	}
}

func TestPlanCostDowngradesTrivial(t *testing.T) {
	t.Parallel()

	req := userReq("gpt-4", "What is the capital of France?", 50)
	plan, err := Plan(req, ModeCost, cands(providers.KindOpenAI))
	if err != nil {
		t.Fatal(err)
	}
	d := plan[0]
	if d.Model == "gpt-4" {
		t.Error("trivial request was not downgraded")
	}
	// Cheapest adequate OpenAI model for a trivial task.
	if d.Model != "gpt-4o-mini" {
		t.Errorf("selected %s, want gpt-4o-mini", d.Model)
	}
	if d.EstimatedSavings.IsNegative() {
		t.Errorf("savings = %s, want >= 0", d.EstimatedSavings)
	}
	if d.Reason == "" {
		t.Error("reason must be populated")
	}
}

// Smart routing preserves class adequacy: capability(chosen) >= task class.
func TestPlanAdequacy(t *testing.T) {
	t.Parallel()

	contents := []string{
		"hi",
		"Summarize this paragraph: " + strings.Repeat("word ", 300),
		"First, parse the file. Then aggregate by key. ```python\ndef run():\n    pass\n```" + strings.Repeat("and explain. ", 200),
	}
	for _, content := range contents {
		req := userReq("gpt-4", content, 1500)
		plan, err := Plan(req, ModeCost, cands(providers.KindOpenAI, providers.KindAnthropic, providers.KindGroq))
		if err != nil {
			t.Fatal(err)
		}
		for _, d := range plan {
			if cap := pricing.Capability(d.Provider, d.Model); cap < int(d.Class) {
				t.Errorf("chose %s/%s (capability %d) for class %s", d.Provider, d.Model, cap, d.Class)
			}
		}
	}
}

func TestPlanOrderedCheapestFirst(t *testing.T) {
	t.Parallel()

	req := userReq("gpt-4o", "hello there", 100)
	plan, err := Plan(req, ModeCost, cands(providers.KindOpenAI, providers.KindGroq))
	if err != nil {
		t.Fatal(err)
	}
	if len(plan) < 2 {
		t.Fatalf("want multiple fallback candidates, got %d", len(plan))
	}
	// Groq's llama-3.1-8b-instant is the cheapest basic model configured.
	if plan[0].Provider != providers.KindGroq {
		t.Errorf("cheapest provider = %s, want groq", plan[0].Provider)
	}
}

func TestPlanNoProviders(t *testing.T) {
	t.Parallel()

	if _, err := Plan(userReq("gpt-4", "hi", 10), ModeCost, nil); err == nil {
		t.Error("expected error with no candidates")
	}
}

func TestPlanBalancedPrefersCapabilityInBand(t *testing.T) {
	t.Parallel()

	req := userReq("gpt-4", "hello", 100)
	costPlan, err := Plan(req, ModeCost, cands(providers.KindGroq))
	if err != nil {
		t.Fatal(err)
	}
	balPlan, err := Plan(req, ModeBalanced, cands(providers.KindGroq))
	if err != nil {
		t.Fatal(err)
	}
	costCap := pricing.Capability(costPlan[0].Provider, costPlan[0].Model)
	balCap := pricing.Capability(balPlan[0].Provider, balPlan[0].Model)
	if balCap < costCap {
		t.Errorf("balanced capability %d below cost capability %d", balCap, costCap)
	}
}
