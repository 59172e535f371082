// Package pricing holds the static cost-per-1K-token table and the model
// capability ranking used by the smart router.
//
// The table is a read-only process-wide value, versioned with the binary.
// Lookups are total: unknown (provider, model) pairs price at zero so they
// bill as zero — callers log those at WARN.
package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/cognitude/gateway/internal/providers"
)

// Capability ranks a model's task adequacy. Values align with the router's
// task classes: a model can serve any class ≤ its capability.
const (
	CapBasic    = 1 // trivial and simple tasks
	CapStandard = 2 // moderate tasks
	CapAdvanced = 3 // complex tasks
)

// Rate holds USD per 1K tokens for one model, input and output priced
// separately.
type Rate struct {
	Input  decimal.Decimal
	Output decimal.Decimal
}

// Model is one priced, capability-ranked entry of the table.
type Model struct {
	Provider   string
	Name       string
	Capability int
	Rate       Rate
}

func usd(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// table lists every model the gateway prices, grouped by provider and
// ordered by ascending capability within each provider. Within a provider
// the order is not strictly by price; the router sorts by cost itself.
var table = []Model{
	// OpenAI
	{providers.KindOpenAI, "gpt-4o-mini", CapBasic, Rate{usd("0.00015"), usd("0.0006")}},
	{providers.KindOpenAI, "gpt-3.5-turbo", CapBasic, Rate{usd("0.0005"), usd("0.0015")}},
	{providers.KindOpenAI, "gpt-4o", CapStandard, Rate{usd("0.0025"), usd("0.01")}},
	{providers.KindOpenAI, "gpt-4-turbo", CapStandard, Rate{usd("0.01"), usd("0.03")}},
	{providers.KindOpenAI, "o1", CapAdvanced, Rate{usd("0.015"), usd("0.06")}},
	{providers.KindOpenAI, "gpt-4", CapAdvanced, Rate{usd("0.03"), usd("0.06")}},

	// Anthropic
	{providers.KindAnthropic, "claude-3-haiku-20240307", CapBasic, Rate{usd("0.00025"), usd("0.00125")}},
	{providers.KindAnthropic, "claude-3-5-haiku-20241022", CapBasic, Rate{usd("0.0008"), usd("0.004")}},
	{providers.KindAnthropic, "claude-3-5-sonnet-20241022", CapStandard, Rate{usd("0.003"), usd("0.015")}},
	{providers.KindAnthropic, "claude-3-opus-20240229", CapAdvanced, Rate{usd("0.015"), usd("0.075")}},

	// Mistral
	{providers.KindMistral, "mistral-small-latest", CapBasic, Rate{usd("0.0002"), usd("0.0006")}},
	{providers.KindMistral, "open-mistral-nemo", CapBasic, Rate{usd("0.00015"), usd("0.00015")}},
	{providers.KindMistral, "mistral-large-latest", CapStandard, Rate{usd("0.002"), usd("0.006")}},

	// Groq
	{providers.KindGroq, "llama-3.1-8b-instant", CapBasic, Rate{usd("0.00005"), usd("0.00008")}},
	{providers.KindGroq, "llama-3.3-70b-versatile", CapStandard, Rate{usd("0.00059"), usd("0.00079")}},

	// Gemini
	{providers.KindGemini, "gemini-1.5-flash", CapBasic, Rate{usd("0.000075"), usd("0.0003")}},
	{providers.KindGemini, "gemini-1.5-pro", CapStandard, Rate{usd("0.00125"), usd("0.005")}},
	{providers.KindGemini, "gemini-2.0-flash", CapStandard, Rate{usd("0.0001"), usd("0.0004")}},
}

var (
	byKey      = make(map[string]Model, len(table))
	byProvider = make(map[string][]Model, 8)
	byModel    = make(map[string]Model, len(table))
)

func init() {
	for _, m := range table {
		byKey[m.Provider+"/"+m.Name] = m
		byProvider[m.Provider] = append(byProvider[m.Provider], m)
		if _, dup := byModel[m.Name]; !dup {
			byModel[m.Name] = m
		}
	}
}

// Lookup returns the rate for (provider, model). The second return is false
// for unknown pairs; the zero Rate bills as zero.
func Lookup(provider, model string) (Rate, bool) {
	m, ok := byKey[provider+"/"+model]
	if !ok {
		return Rate{}, false
	}
	return m.Rate, true
}

// Capability returns the capability rank for (provider, model), or 0 for
// unknown pairs (adequate only for trivial tasks).
func Capability(provider, model string) int {
	if m, ok := byKey[provider+"/"+model]; ok {
		return m.Capability
	}
	return 0
}

// ProviderOf returns the provider that serves model, resolving bare model
// names the way clients send them. Unknown models default to OpenAI, which
// is also where unknown-model errors surface most usefully.
func ProviderOf(model string) string {
	if m, ok := byModel[model]; ok {
		return m.Provider
	}
	return providers.KindOpenAI
}

// Models returns the priced models of one provider in table order
// (ascending capability).
func Models(provider string) []Model {
	return byProvider[provider]
}

// Cost computes input·in + output·out per 1K tokens, in USD rounded to six
// decimal places.
func Cost(rate Rate, promptTokens, completionTokens int) decimal.Decimal {
	in := rate.Input.Mul(decimal.NewFromInt(int64(promptTokens)))
	out := rate.Output.Mul(decimal.NewFromInt(int64(completionTokens)))
	return in.Add(out).Div(decimal.NewFromInt(1000)).Round(6)
}

// CostFor is Cost with an embedded lookup; unknown pairs cost zero.
func CostFor(provider, model string, promptTokens, completionTokens int) decimal.Decimal {
	rate, _ := Lookup(provider, model)
	return Cost(rate, promptTokens, completionTokens)
}
