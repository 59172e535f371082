// Package router classifies request complexity and selects the cheapest
// adequate (provider, model) pair among a tenant's enabled providers.
package router

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/cognitude/gateway/internal/pricing"
	"github.com/cognitude/gateway/internal/providers"
	"github.com/cognitude/gateway/internal/registry"
)

// Mode selects the routing strategy.
type Mode string

const (
	// ModeExplicit returns the requested model without classification.
	ModeExplicit Mode = "explicit"
	// ModeCost picks the cheapest model adequate for the task class.
	ModeCost Mode = "cost"
	// ModeBalanced picks the most capable model within a cost band of the
	// cheapest adequate one.
	ModeBalanced Mode = "balanced"
)

// TaskClass is the classified complexity of a request.
type TaskClass int

const (
	ClassTrivial TaskClass = iota
	ClassSimple
	ClassModerate
	ClassComplex
)

func (c TaskClass) String() string {
	switch c {
	case ClassTrivial:
		return "trivial"
	case ClassSimple:
		return "simple"
	case ClassModerate:
		return "moderate"
	default:
		return "complex"
	}
}

// Classification is the classifier's output.
type Classification struct {
	Class        TaskClass
	Score        float64
	Confidence   float64
	PromptLength int
}

// Decision is one routing choice. Plan returns them in dispatch order, so
// later entries double as model-transient fallbacks.
type Decision struct {
	Provider         string
	Model            string
	Class            TaskClass
	Score            float64
	Confidence       float64
	Reason           string
	EstimatedSavings decimal.Decimal
	PromptLength     int
}

// multi-step instruction markers; matched case-insensitively against the
// concatenated user content.
var stepMarkers = []string{"step ", "step-", "first,", "first ", " then ", "after that", "finally", "1.", "2."}

// code-shaped tokens beyond fenced blocks.
var codeTokens = []string{"func ", "def ", "class ", "import ", "#include", "select ", "return ", "console.log", "printf", "public static"}

// Classify scores a request into a task class using the weighted feature
// sum over prompt length, code content, multi-step structure, and the
// requested completion budget.
func Classify(req *providers.ChatRequest) Classification {
	content := providers.JoinUserContent(req.Messages)
	lower := strings.ToLower(content)
	length := len(content)

	lengthFeature := minF(float64(length)/4000, 1)

	var codeFeature float64
	switch {
	case strings.Contains(content, "```") || containsAny(lower, codeTokens):
		codeFeature = 1
	case strings.ContainsAny(content, "+-*/=%") && strings.ContainsAny(content, "0123456789"):
		// Bare arithmetic counts as a weak code signal.
		codeFeature = 0.5
	}

	var stepFeature float64
	switch {
	case containsAny(lower, stepMarkers):
		stepFeature = 1
	case strings.Count(content, "?") >= 3:
		stepFeature = 0.5
	}

	budgetFeature := minF(float64(req.MaxTokens)/2000, 1)

	score := 0.25*lengthFeature + 0.25*codeFeature + 0.25*stepFeature + 0.25*budgetFeature

	var class TaskClass
	switch {
	case score < 0.2:
		class = ClassTrivial
	case score < 0.4:
		class = ClassSimple
	case score < 0.7:
		class = ClassModerate
	default:
		class = ClassComplex
	}

	return Classification{
		Class:        class,
		Score:        score,
		Confidence:   confidence(score),
		PromptLength: length,
	}
}

// confidence grows with the score's distance from the nearest class
// boundary, clamped to [0.5, 0.99].
func confidence(score float64) float64 {
	boundaries := []float64{0.2, 0.4, 0.7}
	nearest := 1.0
	for _, b := range boundaries {
		if d := absF(score - b); d < nearest {
			nearest = d
		}
	}
	c := 0.5 + nearest*2.5
	if c > 0.99 {
		c = 0.99
	}
	return c
}

// Plan produces the ordered routing decisions for req over the tenant's
// resolved candidates. The first decision is the choice; the remainder are
// adequate fallbacks for model-transient failover.
func Plan(req *providers.ChatRequest, mode Mode, candidates []registry.Candidate) ([]Decision, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("router: no enabled providers")
	}

	switch mode {
	case ModeExplicit:
		return planExplicit(req, candidates), nil
	case ModeCost, ModeBalanced:
		return planSmart(req, mode, candidates)
	default:
		return nil, fmt.Errorf("router: unknown mode %q", mode)
	}
}

// planExplicit keeps the requested model; the provider is the one that
// serves it when enabled, otherwise the first candidate. Smart fallbacks
// follow for model-transient failover.
func planExplicit(req *providers.ChatRequest, candidates []registry.Candidate) []Decision {
	cls := Classify(req)

	owner := pricing.ProviderOf(req.Model)
	chosen := candidates[0].Kind
	for _, c := range candidates {
		if c.Kind == owner {
			chosen = c.Kind
			break
		}
	}

	head := Decision{
		Provider:     chosen,
		Model:        req.Model,
		Class:        cls.Class,
		Score:        cls.Score,
		Confidence:   cls.Confidence,
		Reason:       "explicit model selection",
		PromptLength: cls.PromptLength,
	}

	out := []Decision{head}
	if alts, err := planSmart(req, ModeCost, candidates); err == nil {
		for _, a := range alts {
			if a.Provider == head.Provider && a.Model == head.Model {
				continue
			}
			out = append(out, a)
		}
	}
	return out
}

// option is one priced, adequate (provider, model) pair during selection.
type option struct {
	provider   string
	model      string
	capability int
	cost       decimal.Decimal
	priority   int
}

func planSmart(req *providers.ChatRequest, mode Mode, candidates []registry.Candidate) ([]Decision, error) {
	cls := Classify(req)

	promptTokens := providers.EstimateTokens(providers.JoinUserContent(req.Messages))
	completionTokens := req.MaxTokens
	if completionTokens <= 0 {
		completionTokens = 500
	}

	minCap := int(cls.Class)
	var opts []option
	for _, cand := range candidates {
		for _, m := range pricing.Models(cand.Kind) {
			if m.Capability < minCap {
				continue
			}
			opts = append(opts, option{
				provider:   cand.Kind,
				model:      m.Name,
				capability: m.Capability,
				cost:       pricing.Cost(m.Rate, promptTokens, completionTokens),
				priority:   cand.Priority,
			})
		}
	}
	if len(opts) == 0 {
		return nil, fmt.Errorf("router: no adequate model for class %s", cls.Class)
	}

	sortOptions(opts)

	if mode == ModeBalanced {
		opts = rebalance(opts)
	}

	requestedCost := pricing.CostFor(pricing.ProviderOf(req.Model), req.Model, promptTokens, completionTokens)

	out := make([]Decision, 0, len(opts))
	for i, o := range opts {
		d := Decision{
			Provider:     o.provider,
			Model:        o.model,
			Class:        cls.Class,
			Score:        cls.Score,
			Confidence:   cls.Confidence,
			PromptLength: cls.PromptLength,
		}
		d.EstimatedSavings = requestedCost.Sub(o.cost).Round(6)
		if i == 0 {
			d.Reason = reason(cls.Class, req.Model, o.model)
		} else {
			d.Reason = "fallback candidate"
		}
		out = append(out, d)
	}
	return out, nil
}

// sortOptions orders cheapest first; cost ties break on lower registry
// priority, then provider/model name for determinism.
func sortOptions(opts []option) {
	for i := 1; i < len(opts); i++ {
		for j := i; j > 0 && less(opts[j], opts[j-1]); j-- {
			opts[j], opts[j-1] = opts[j-1], opts[j]
		}
	}
}

func less(a, b option) bool {
	switch a.cost.Cmp(b.cost) {
	case -1:
		return true
	case 1:
		return false
	}
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	if a.provider != b.provider {
		return a.provider < b.provider
	}
	return a.model < b.model
}

// rebalance prefers capability over cost within twice the cheapest
// adequate option's cost. The band keeps "balanced" from silently paying
// flagship prices for simple work.
func rebalance(opts []option) []option {
	ceiling := opts[0].cost.Mul(decimal.NewFromInt(2))
	best := 0
	for i, o := range opts {
		if o.cost.Cmp(ceiling) > 0 {
			continue
		}
		if o.capability > opts[best].capability {
			best = i
		}
	}
	if best == 0 {
		return opts
	}
	reordered := append([]option{opts[best]}, append(append([]option{}, opts[:best]...), opts[best+1:]...)...)
	return reordered
}

func reason(class TaskClass, requested, chosen string) string {
	if requested == chosen {
		return fmt.Sprintf("%s task, requested model already cheapest adequate", class)
	}
	switch class {
	case ClassTrivial, ClassSimple:
		return fmt.Sprintf("%s task, downgraded to cheapest adequate model", class)
	case ClassComplex:
		return "complex task, selected cheapest high-capability model"
	default:
		return fmt.Sprintf("%s task, selected cheapest adequate model", class)
	}
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func absF(a float64) float64 {
	if a < 0 {
		return -a
	}
	return a
}
