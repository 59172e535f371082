package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/valyala/fasthttp"

	"github.com/cognitude/gateway/internal/alerts"
	"github.com/cognitude/gateway/internal/cache"
	"github.com/cognitude/gateway/internal/storage"
	"github.com/cognitude/gateway/pkg/apierr"
)

// pathID extracts the {id} route parameter.
func pathID(ctx *fasthttp.RequestCtx) (int64, error) {
	raw, _ := ctx.UserValue("id").(string)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}

func writeBadRequest(ctx *fasthttp.RequestCtx, msg string) {
	apierr.Write(ctx, fasthttp.StatusBadRequest, msg, apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
}

func writeStoreError(ctx *fasthttp.RequestCtx, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		apierr.WriteNotFound(ctx, "resource not found")
		return
	}
	apierr.Write(ctx, fasthttp.StatusInternalServerError, err.Error(), apierr.TypeAPIError, apierr.CodeInternalError)
}

// ── Provider configs ─────────────────────────────────────────────────────────

type providerConfigView struct {
	ID        int64     `json:"id"`
	Provider  string    `json:"provider"`
	Enabled   bool      `json:"enabled"`
	Priority  int       `json:"priority"`
	CreatedAt time.Time `json:"created_at"`
}

func providerView(p *storage.ProviderConfig) providerConfigView {
	return providerConfigView{
		ID:        p.ID,
		Provider:  p.Provider,
		Enabled:   p.Enabled,
		Priority:  p.Priority,
		CreatedAt: p.CreatedAt,
	}
}

func (g *Gateway) handleListProviders(ctx *fasthttp.RequestCtx) {
	org := g.authenticate(ctx)
	if org == nil {
		return
	}
	configs, err := g.registry.List(ctx, org.ID)
	if err != nil {
		writeStoreError(ctx, err)
		return
	}
	out := make([]providerConfigView, len(configs))
	for i, c := range configs {
		out[i] = providerView(c)
	}
	g.writeJSON(ctx, map[string]any{"providers": out})
}

type providerConfigBody struct {
	Provider string `json:"provider"`
	APIKey   string `json:"api_key"`
	Enabled  *bool  `json:"enabled"`
	Priority *int   `json:"priority"`
}

func (g *Gateway) handleCreateProvider(ctx *fasthttp.RequestCtx) {
	org := g.authenticate(ctx)
	if org == nil {
		return
	}
	var body providerConfigBody
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		writeBadRequest(ctx, "invalid JSON: "+err.Error())
		return
	}
	if body.Provider == "" || body.APIKey == "" {
		writeBadRequest(ctx, "fields 'provider' and 'api_key' are required")
		return
	}
	enabled := true
	if body.Enabled != nil {
		enabled = *body.Enabled
	}
	priority := 100
	if body.Priority != nil {
		priority = *body.Priority
	}

	cfg, err := g.registry.Create(ctx, org.ID, body.Provider, body.APIKey, enabled, priority)
	if err != nil {
		writeBadRequest(ctx, err.Error())
		return
	}
	ctx.SetStatusCode(fasthttp.StatusCreated)
	g.writeJSON(ctx, providerView(cfg))
}

func (g *Gateway) handleUpdateProvider(ctx *fasthttp.RequestCtx) {
	org := g.authenticate(ctx)
	if org == nil {
		return
	}
	id, err := pathID(ctx)
	if err != nil {
		writeBadRequest(ctx, err.Error())
		return
	}
	var body providerConfigBody
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		writeBadRequest(ctx, "invalid JSON: "+err.Error())
		return
	}
	enabled := true
	if body.Enabled != nil {
		enabled = *body.Enabled
	}
	priority := 100
	if body.Priority != nil {
		priority = *body.Priority
	}

	cfg, err := g.registry.Update(ctx, org.ID, id, body.APIKey, enabled, priority)
	if err != nil {
		writeStoreError(ctx, err)
		return
	}
	g.writeJSON(ctx, providerView(cfg))
}

func (g *Gateway) handleDeleteProvider(ctx *fasthttp.RequestCtx) {
	org := g.authenticate(ctx)
	if org == nil {
		return
	}
	id, err := pathID(ctx)
	if err != nil {
		writeBadRequest(ctx, err.Error())
		return
	}
	if err := g.registry.Delete(ctx, org.ID, id); err != nil {
		writeStoreError(ctx, err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

// ── Rate limits ──────────────────────────────────────────────────────────────

type rateLimitBody struct {
	RequestsPerMinute int  `json:"requests_per_minute"`
	RequestsPerHour   int  `json:"requests_per_hour"`
	RequestsPerDay    int  `json:"requests_per_day"`
	Enabled           bool `json:"enabled"`
}

func (g *Gateway) handleGetRateLimits(ctx *fasthttp.RequestCtx) {
	org := g.authenticate(ctx)
	if org == nil {
		return
	}
	cfg, err := g.store.GetRateLimitConfig(ctx, org.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			g.writeJSON(ctx, rateLimitBody{})
			return
		}
		writeStoreError(ctx, err)
		return
	}
	g.writeJSON(ctx, rateLimitBody{
		RequestsPerMinute: cfg.PerMinute,
		RequestsPerHour:   cfg.PerHour,
		RequestsPerDay:    cfg.PerDay,
		Enabled:           cfg.Enabled,
	})
}

func (g *Gateway) handlePutRateLimits(ctx *fasthttp.RequestCtx) {
	org := g.authenticate(ctx)
	if org == nil {
		return
	}
	var body rateLimitBody
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		writeBadRequest(ctx, "invalid JSON: "+err.Error())
		return
	}
	if body.RequestsPerMinute < 0 || body.RequestsPerHour < 0 || body.RequestsPerDay < 0 {
		writeBadRequest(ctx, "limits must be non-negative")
		return
	}
	if body.RequestsPerMinute > body.RequestsPerHour || body.RequestsPerHour > body.RequestsPerDay {
		writeBadRequest(ctx, "limits must satisfy per_minute <= per_hour <= per_day")
		return
	}
	err := g.store.PutRateLimitConfig(ctx, &storage.RateLimitConfig{
		OrgID:     org.ID,
		PerMinute: body.RequestsPerMinute,
		PerHour:   body.RequestsPerHour,
		PerDay:    body.RequestsPerDay,
		Enabled:   body.Enabled,
	})
	if err != nil {
		writeStoreError(ctx, err)
		return
	}
	g.writeJSON(ctx, body)
}

// ── Alert channels and configs ───────────────────────────────────────────────

type alertChannelBody struct {
	Kind   string            `json:"kind"`
	Config map[string]string `json:"config"`
	Active *bool             `json:"active"`
}

func (g *Gateway) handleListAlertChannels(ctx *fasthttp.RequestCtx) {
	org := g.authenticate(ctx)
	if org == nil {
		return
	}
	channels, err := g.store.ListAlertChannels(ctx, org.ID, false)
	if err != nil {
		writeStoreError(ctx, err)
		return
	}
	g.writeJSON(ctx, map[string]any{"channels": channels})
}

func (g *Gateway) handleCreateAlertChannel(ctx *fasthttp.RequestCtx) {
	org := g.authenticate(ctx)
	if org == nil {
		return
	}
	var body alertChannelBody
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		writeBadRequest(ctx, "invalid JSON: "+err.Error())
		return
	}
	if !alerts.ValidChannelKind(body.Kind) {
		writeBadRequest(ctx, fmt.Sprintf("unknown channel kind %q", body.Kind))
		return
	}
	if len(body.Config) == 0 {
		writeBadRequest(ctx, "field 'config' is required")
		return
	}
	active := true
	if body.Active != nil {
		active = *body.Active
	}
	ch := &storage.AlertChannel{OrgID: org.ID, Kind: body.Kind, Config: body.Config, Active: active}
	if err := g.store.CreateAlertChannel(ctx, ch); err != nil {
		writeStoreError(ctx, err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusCreated)
	g.writeJSON(ctx, ch)
}

func (g *Gateway) handleDeleteAlertChannel(ctx *fasthttp.RequestCtx) {
	org := g.authenticate(ctx)
	if org == nil {
		return
	}
	id, err := pathID(ctx)
	if err != nil {
		writeBadRequest(ctx, err.Error())
		return
	}
	if err := g.store.DeleteAlertChannel(ctx, org.ID, id); err != nil {
		writeStoreError(ctx, err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

type alertConfigBody struct {
	Kind      string          `json:"kind"`
	Threshold decimal.Decimal `json:"threshold"`
	Enabled   bool            `json:"enabled"`
}

func (g *Gateway) handleListAlertConfigs(ctx *fasthttp.RequestCtx) {
	org := g.authenticate(ctx)
	if org == nil {
		return
	}
	configs, err := g.store.ListAlertConfigs(ctx, org.ID)
	if err != nil {
		writeStoreError(ctx, err)
		return
	}
	g.writeJSON(ctx, map[string]any{"configs": configs})
}

func (g *Gateway) handleUpsertAlertConfig(ctx *fasthttp.RequestCtx) {
	org := g.authenticate(ctx)
	if org == nil {
		return
	}
	var body alertConfigBody
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		writeBadRequest(ctx, "invalid JSON: "+err.Error())
		return
	}
	if !alerts.ValidKind(body.Kind) {
		writeBadRequest(ctx, fmt.Sprintf("unknown alert kind %q", body.Kind))
		return
	}
	if body.Threshold.IsNegative() {
		writeBadRequest(ctx, "threshold must be non-negative")
		return
	}
	cfg := &storage.AlertConfig{
		OrgID:     org.ID,
		Kind:      body.Kind,
		Threshold: body.Threshold,
		Enabled:   body.Enabled,
	}
	if err := g.store.UpsertAlertConfig(ctx, cfg); err != nil {
		writeStoreError(ctx, err)
		return
	}
	g.writeJSON(ctx, cfg)
}

// ── Analytics ────────────────────────────────────────────────────────────────

func (g *Gateway) handleAnalyticsUsage(ctx *fasthttp.RequestCtx) {
	org := g.authenticate(ctx)
	if org == nil {
		return
	}

	args := ctx.QueryArgs()
	end := time.Now().UTC()
	start := end.AddDate(0, 0, -30)

	if raw := string(args.Peek("start")); raw != "" {
		t, err := parseTimeParam(raw)
		if err != nil {
			writeBadRequest(ctx, "invalid 'start': "+err.Error())
			return
		}
		start = t
	}
	if raw := string(args.Peek("end")); raw != "" {
		t, err := parseTimeParam(raw)
		if err != nil {
			writeBadRequest(ctx, "invalid 'end': "+err.Error())
			return
		}
		end = t
	}
	groupBy := string(args.Peek("group_by"))
	if groupBy == "" {
		groupBy = "day"
	}

	buckets, err := g.store.UsageSummary(ctx, org.ID, start, end, groupBy)
	if err != nil {
		writeBadRequest(ctx, err.Error())
		return
	}

	type bucketView struct {
		Key          string  `json:"key"`
		Requests     int64   `json:"requests"`
		TotalTokens  int64   `json:"total_tokens"`
		CostUSD      float64 `json:"cost_usd"`
		CacheHits    int64   `json:"cache_hits"`
		AvgLatencyMs float64 `json:"avg_latency_ms"`
	}
	out := make([]bucketView, len(buckets))
	for i, b := range buckets {
		out[i] = bucketView{
			Key:          b.Key,
			Requests:     b.Requests,
			TotalTokens:  b.TotalTokens,
			CostUSD:      b.CostUSD.InexactFloat64(),
			CacheHits:    b.CacheHits,
			AvgLatencyMs: b.AvgLatencyMs,
		}
	}
	g.writeJSON(ctx, map[string]any{
		"start":    start,
		"end":      end,
		"group_by": groupBy,
		"buckets":  out,
	})
}

func (g *Gateway) handleAnalyticsRecommendations(ctx *fasthttp.RequestCtx) {
	org := g.authenticate(ctx)
	if org == nil {
		return
	}

	since := time.Now().UTC().AddDate(0, 0, -30)
	savings, routed, err := g.store.SavingsSince(ctx, org.ID, since)
	if err != nil {
		writeStoreError(ctx, err)
		return
	}
	hitRate, requests, err := g.store.CacheHitRateSince(ctx, org.ID, since)
	if err != nil {
		writeStoreError(ctx, err)
		return
	}

	recommendations := []string{}
	if routed == 0 && requests > 0 {
		recommendations = append(recommendations,
			"route traffic through /v1/smart/completions to let the cost router downgrade simple requests")
	}
	if requests >= 20 && hitRate < 0.1 {
		recommendations = append(recommendations,
			"cache hit rate is low; consider normalizing prompts or raising cache TTL")
	}

	g.writeJSON(ctx, map[string]any{
		"window_days":           30,
		"routed_requests":       routed,
		"estimated_savings_usd": savings.InexactFloat64(),
		"cache_hit_rate":        hitRate,
		"recommendations":       recommendations,
	})
}

// ── Cache management ─────────────────────────────────────────────────────────

func (g *Gateway) handleCacheStats(ctx *fasthttp.RequestCtx) {
	if org := g.authenticate(ctx); org == nil {
		return
	}
	stats, err := g.cache.Stats(ctx)
	if err != nil {
		writeStoreError(ctx, err)
		return
	}
	g.writeJSON(ctx, map[string]any{
		"fast_hits":           stats.FastHits,
		"fast_misses":         stats.FastMisses,
		"durable_entries":     stats.DurableEntries,
		"approx_memory_bytes": stats.ApproxMemoryBytes,
		"lifetime_cost_saved": stats.LifetimeCostSaved.InexactFloat64(),
	})
}

func (g *Gateway) handleCacheClear(ctx *fasthttp.RequestCtx) {
	if org := g.authenticate(ctx); org == nil {
		return
	}
	var body struct {
		Scope string `json:"scope"`
	}
	if len(ctx.PostBody()) > 0 {
		if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
			writeBadRequest(ctx, "invalid JSON: "+err.Error())
			return
		}
	}
	scope := cache.Scope(body.Scope)
	if body.Scope == "" {
		scope = cache.ScopeAll
	}
	if !cache.ValidScope(scope) {
		writeBadRequest(ctx, fmt.Sprintf("unknown scope %q; use fast, durable, or all", body.Scope))
		return
	}
	removed, err := g.cache.Clear(ctx, scope)
	if err != nil {
		writeStoreError(ctx, err)
		return
	}
	g.writeJSON(ctx, map[string]any{"scope": scope, "removed": removed})
}

func parseTimeParam(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", raw)
}
