// Package proxy is the request pipeline: it authenticates the tenant,
// validates and rate-limits the request, routes it, consults the two-tier
// cache under single-flight, dispatches upstream with failover, and records
// every terminal outcome in the usage ledger.
package proxy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/valyala/fasthttp"

	"github.com/cognitude/gateway/internal/cache"
	"github.com/cognitude/gateway/internal/fingerprint"
	"github.com/cognitude/gateway/internal/ledger"
	"github.com/cognitude/gateway/internal/metrics"
	"github.com/cognitude/gateway/internal/pricing"
	"github.com/cognitude/gateway/internal/providers"
	"github.com/cognitude/gateway/internal/ratelimit"
	"github.com/cognitude/gateway/internal/registry"
	"github.com/cognitude/gateway/internal/router"
	"github.com/cognitude/gateway/internal/storage"
	"github.com/cognitude/gateway/pkg/apierr"
)

const (
	defaultPipelineTimeout = 35 * time.Second
	defaultCacheTTLHours   = 24
	maxDispatchAttempts    = 3
)

// Options holds the Gateway's tunables. Zero values use defaults.
type Options struct {
	Logger          *slog.Logger
	Metrics         *metrics.Registry
	ProviderTimeout time.Duration
	PipelineTimeout time.Duration
	CacheTTLHours   int
	APIKeySalt      string
	CBConfig        CBConfig
	CacheExclusions *cache.ExclusionList
	CORSOrigins     []string
}

// Gateway owns the request pipeline. All dependencies are injected so unit
// tests can swap in doubles.
type Gateway struct {
	store    storage.Store
	registry *registry.Registry
	cache    *cache.Cache
	limiter  *ratelimit.Limiter // nil when rate limiting is disabled
	recorder *ledger.Recorder
	provs    map[string]providers.Provider
	cb       *CircuitBreaker
	health   *HealthChecker

	log     *slog.Logger
	metrics *metrics.Registry
	baseCtx context.Context

	salt            string
	providerTimeout time.Duration
	pipelineTimeout time.Duration
	cacheTTLHours   int
	exclusions      *cache.ExclusionList
	corsOrigins     []string
}

// NewGateway assembles the pipeline.
func NewGateway(
	baseCtx context.Context,
	store storage.Store,
	reg *registry.Registry,
	c *cache.Cache,
	limiter *ratelimit.Limiter,
	recorder *ledger.Recorder,
	provs map[string]providers.Provider,
	opts Options,
) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	providerTimeout := opts.ProviderTimeout
	if providerTimeout <= 0 {
		providerTimeout = providers.DefaultTimeout
	}
	pipelineTimeout := opts.PipelineTimeout
	if pipelineTimeout <= 0 {
		pipelineTimeout = defaultPipelineTimeout
	}
	ttlHours := opts.CacheTTLHours
	if ttlHours <= 0 {
		ttlHours = defaultCacheTTLHours
	}

	gw := &Gateway{
		store:           store,
		registry:        reg,
		cache:           c,
		limiter:         limiter,
		recorder:        recorder,
		provs:           provs,
		cb:              NewCircuitBreaker(opts.CBConfig),
		log:             log,
		metrics:         opts.Metrics,
		baseCtx:         baseCtx,
		salt:            opts.APIKeySalt,
		providerTimeout: providerTimeout,
		pipelineTimeout: pipelineTimeout,
		cacheTTLHours:   ttlHours,
		exclusions:      opts.CacheExclusions,
		corsOrigins:     opts.CORSOrigins,
	}

	if gw.metrics != nil {
		for _, name := range providers.Kinds {
			gw.metrics.SetCircuitBreaker(name, int64(gw.cb.State(name)))
		}
	}

	gw.health = NewHealthChecker(baseCtx, store, c)

	return gw
}

// HashAPIKey computes the salted SHA-256 hash under which tenant keys are
// stored. The plaintext key is never persisted.
func HashAPIKey(salt, key string) string {
	sum := sha256.Sum256([]byte(salt + ":" + key))
	return hex.EncodeToString(sum[:])
}

// ── Inbound / outbound shapes ────────────────────────────────────────────────

type (
	inboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	// inboundRequest mirrors the canonical fields of the OpenAI chat body.
	// Unknown keys are dropped by the decoder, which is what keeps the
	// fingerprint stable across extraneous fields.
	inboundRequest struct {
		Model            string           `json:"model"`
		Messages         []inboundMessage `json:"messages"`
		Temperature      float64          `json:"temperature"`
		TopP             float64          `json:"top_p"`
		MaxTokens        int              `json:"max_tokens"`
		FrequencyPenalty float64          `json:"frequency_penalty"`
		PresencePenalty  float64          `json:"presence_penalty"`
	}

	// gatewayMeta is the x_cognitude response extension.
	gatewayMeta struct {
		Cached    bool    `json:"cached"`
		Cost      float64 `json:"cost"`
		Provider  string  `json:"provider"`
		CacheKey  string  `json:"cache_key,omitempty"`
		LatencyMs int64   `json:"latency_ms"`
	}

	// chatCompletionResponse is the canonical response plus gateway
	// extensions. The cached payload is this struct with the extension
	// fields zeroed, so cache round-trips are exact modulo metadata.
	chatCompletionResponse struct {
		ID      string             `json:"id"`
		Object  string             `json:"object"`
		Created int64              `json:"created"`
		Model   string             `json:"model"`
		Choices []providers.Choice `json:"choices"`
		Usage   providers.Usage    `json:"usage"`

		XCognitude      *gatewayMeta `json:"x_cognitude,omitempty"`
		SelectedModel   string       `json:"selected_model,omitempty"`
		ComplexityScore *float64     `json:"complexity_score,omitempty"`
		Reasoning       string       `json:"reasoning,omitempty"`
	}
)

var validRoles = map[string]bool{
	"system":    true,
	"developer": true,
	"user":      true,
	"assistant": true,
}

// authenticate resolves the tenant from X-API-Key or Authorization: Bearer.
// Writes the error response itself and returns nil on failure.
func (g *Gateway) authenticate(ctx *fasthttp.RequestCtx) *storage.Organization {
	key := strings.TrimSpace(string(ctx.Request.Header.Peek("X-API-Key")))
	if key == "" {
		auth := strings.TrimSpace(string(ctx.Request.Header.Peek("Authorization")))
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			key = strings.TrimSpace(parts[1])
		}
	}
	if key == "" {
		apierr.WriteAuth(ctx, "missing API key: set X-API-Key or Authorization: Bearer")
		return nil
	}

	org, err := g.store.GetOrgByKeyHash(ctx, HashAPIKey(g.salt, key))
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			g.log.Error("auth lookup failed", slog.String("error", err.Error()))
		}
		apierr.WriteAuth(ctx, "invalid API key")
		return nil
	}
	return org
}

// parseChatRequest decodes and validates the body. Writes the error
// response itself and returns nil on failure.
func (g *Gateway) parseChatRequest(ctx *fasthttp.RequestCtx) *providers.ChatRequest {
	var req inboundRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return nil
	}
	if req.Model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'model' is required", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return nil
	}
	if len(req.Messages) == 0 {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'messages' must not be empty", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return nil
	}
	msgs := make([]providers.Message, len(req.Messages))
	for i, m := range req.Messages {
		if !validRoles[m.Role] {
			apierr.Write(ctx, fasthttp.StatusBadRequest,
				fmt.Sprintf("unknown message role %q", m.Role),
				apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return nil
		}
		msgs[i] = providers.Message{Role: m.Role, Content: m.Content}
	}

	reqID, _ := ctx.UserValue("request_id").(string)

	return &providers.ChatRequest{
		Model:            req.Model,
		Messages:         msgs,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		MaxTokens:        req.MaxTokens,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
		RequestID:        reqID,
	}
}

// checkRateLimit evaluates the tenant's limits and writes response headers.
// Writes the 429 itself and returns false on denial.
func (g *Gateway) checkRateLimit(ctx *fasthttp.RequestCtx, org *storage.Organization) bool {
	if g.limiter == nil {
		return true
	}

	cfg, err := g.store.GetRateLimitConfig(ctx, org.ID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			g.log.Warn("rate limit config lookup failed", slog.String("error", err.Error()))
		}
		return true // no config — unlimited
	}

	dec, err := g.limiter.Check(ctx, org.ID, *cfg)
	if err != nil {
		g.recordRateLimit("error")
		return true
	}

	for _, w := range dec.States {
		ctx.Response.Header.Set(ratelimit.HeaderName("limit", w.Window), strconv.Itoa(w.Limit))
		ctx.Response.Header.Set(ratelimit.HeaderName("current", w.Window), strconv.Itoa(w.Current))
		ctx.Response.Header.Set(ratelimit.HeaderName("reset", w.Window), strconv.FormatInt(w.Reset, 10))
	}

	if !dec.Allowed {
		g.recordRateLimit("blocked")
		g.log.Warn("rate_limit_exceeded",
			slog.Int64("org_id", org.ID),
			slog.Int64("retry_after", dec.RetryAfter),
		)
		apierr.WriteRateLimit(ctx, dec.RetryAfter)
		return false
	}

	g.recordRateLimit("allowed")
	return true
}

func (g *Gateway) recordRateLimit(result string) {
	if g.metrics != nil {
		g.metrics.RecordRateLimit(result)
	}
}

// handleChat serves /v1/chat/completions (explicit) and
// /v1/smart/completions (cost mode).
func (g *Gateway) handleChat(ctx *fasthttp.RequestCtx, mode router.Mode) {
	start := time.Now()
	endpoint := string(ctx.Path())
	route := "chat_completions"
	if mode != router.ModeExplicit {
		route = "smart_completions"
	}

	if g.metrics != nil {
		g.metrics.IncInFlight()
		defer func() {
			g.metrics.DecInFlight()
			g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
		}()
	}

	org := g.authenticate(ctx)
	if org == nil {
		return
	}
	chatReq := g.parseChatRequest(ctx)
	if chatReq == nil {
		return
	}
	if !g.checkRateLimit(ctx, org) {
		return
	}

	// Route: resolve the tenant's providers and plan the dispatch order.
	preferred := ""
	if mode == router.ModeExplicit {
		preferred = pricing.ProviderOf(chatReq.Model)
	}
	candidates, err := g.registry.Resolve(ctx, org.ID, preferred)
	if err != nil {
		g.log.Error("registry resolve failed",
			slog.Int64("org_id", org.ID), slog.String("error", err.Error()))
		apierr.Write(ctx, fasthttp.StatusBadGateway,
			"provider registry unavailable", apierr.TypeAPIError, apierr.CodeInternalError)
		return
	}
	if len(candidates) == 0 {
		apierr.Write(ctx, fasthttp.StatusBadGateway,
			"no enabled providers configured for organization", apierr.TypeAPIError, apierr.CodeUpstreamError)
		return
	}

	plan, err := router.Plan(chatReq, mode, candidates)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadGateway, err.Error(), apierr.TypeAPIError, apierr.CodeUpstreamError)
		return
	}
	decision := plan[0]

	if mode != router.ModeExplicit {
		g.recordRoutingDecision(ctx, org.ID, chatReq, &decision)
	}

	// Fingerprint the request as it will be dispatched (chosen model).
	fpReq := *chatReq
	fpReq.Model = decision.Model
	fp := fingerprint.Compute(&fpReq)

	cacheable := !g.exclusions.Matches(decision.Model)

	// Cache lookup.
	if cacheable {
		if entry, ok := g.cache.Get(ctx, fp); ok {
			g.writeCacheHit(ctx, org, chatReq, entry, fp, mode, &decision, endpoint, start)
			return
		}
	}

	// Miss — dispatch upstream under per-fingerprint single-flight. The
	// upstream context is detached from the leader's request so a client
	// disconnect cannot strand the waiters; the pipeline timeout still
	// bounds it.
	upstreamCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.pipelineTimeout)
	defer cancel()

	// led reports whether THIS request executed the upstream call: the
	// flight function only runs in the leader's closure, so waiters keep
	// led=false even though singleflight marks the result shared for
	// every caller, leader included.
	led := false
	flightFn := func() (any, error) {
		led = true
		res, err := g.dispatchUpstream(upstreamCtx, &fpReq, plan, candidates)
		if err != nil {
			return nil, err
		}
		if cacheable {
			// A cache write failure after a successful upstream response
			// must not fail the request.
			if perr := g.cache.Put(upstreamCtx, fp, fingerprint.PromptHash(chatReq.Messages),
				res.resp.Model, res.payload, g.cacheTTLHours); perr != nil {
				g.log.Warn("cache put failed", slog.String("error", perr.Error()))
			}
		}
		return res, nil
	}

	var res any
	if cacheable {
		res, err, _ = g.cache.Do(ctx, fp, flightFn)
	} else {
		res, err = flightFn()
	}

	if err != nil {
		g.writeUpstreamFailure(ctx, org, chatReq, &decision, fp, endpoint, start, err)
		return
	}

	result := res.(*upstreamResult)

	if !led {
		// A waiter that received the leader's result is a cache hit for
		// accounting: one upstream call, one bill.
		entry := &cache.Entry{Fingerprint: fp, Model: result.resp.Model, Payload: result.payload, Source: "fast"}
		g.writeCacheHit(ctx, org, chatReq, entry, fp, mode, &decision, endpoint, start)
		return
	}

	g.writeUpstreamSuccess(ctx, org, chatReq, result, fp, cacheable, mode, &decision, endpoint, start)
}

// writeCacheHit serves a response from the cache and ledgers the hit.
func (g *Gateway) writeCacheHit(
	ctx *fasthttp.RequestCtx,
	org *storage.Organization,
	chatReq *providers.ChatRequest,
	entry *cache.Entry,
	fp string,
	mode router.Mode,
	decision *router.Decision,
	endpoint string,
	start time.Time,
) {
	var resp chatCompletionResponse
	if err := json.Unmarshal(entry.Payload, &resp); err != nil {
		// A corrupt payload degrades to an upstream error rather than a
		// broken response.
		g.log.Error("corrupt cache payload", slog.String("fingerprint", fp), slog.String("error", err.Error()))
		apierr.Write(ctx, fasthttp.StatusBadGateway,
			"cached response unreadable", apierr.TypeAPIError, apierr.CodeInternalError)
		return
	}

	provider := pricing.ProviderOf(resp.Model)
	latency := time.Since(start)

	g.cache.Touch(ctx, fp, entry.Payload, g.cacheTTLHours)
	g.cache.AddCostSaved(pricing.CostFor(provider, resp.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens))

	resp.XCognitude = &gatewayMeta{
		Cached:    true,
		Cost:      0,
		Provider:  provider,
		CacheKey:  fp,
		LatencyMs: latency.Milliseconds(),
	}
	g.attachSmartFields(&resp, mode, decision)

	g.writeJSON(ctx, &resp)
	ctx.Response.Header.Set("X-Cache", "HIT")

	if g.metrics != nil {
		g.metrics.RecordRequest(provider, "hit", fasthttp.StatusOK)
	}

	g.recorder.Record(storage.LedgerRow{
		OrgID:            org.ID,
		RequestedModel:   chatReq.Model,
		Provider:         provider,
		Model:            resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
		CostUSD:          decimal.Zero,
		LatencyMs:        latency.Milliseconds(),
		CacheHit:         true,
		CacheKey:         fp,
		Endpoint:         endpoint,
	})
}

// writeUpstreamSuccess serves a fresh upstream response and ledgers it.
func (g *Gateway) writeUpstreamSuccess(
	ctx *fasthttp.RequestCtx,
	org *storage.Organization,
	chatReq *providers.ChatRequest,
	result *upstreamResult,
	fp string,
	cacheable bool,
	mode router.Mode,
	decision *router.Decision,
	endpoint string,
	start time.Time,
) {
	resp := result.canonical
	cost := pricing.CostFor(result.provider, resp.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	if _, known := pricing.Lookup(result.provider, resp.Model); !known {
		g.log.Warn("unknown model pricing, billing zero",
			slog.String("provider", result.provider),
			slog.String("model", resp.Model),
		)
	}
	latency := time.Since(start)

	out := resp
	out.XCognitude = &gatewayMeta{
		Cached:    false,
		Cost:      cost.InexactFloat64(),
		Provider:  result.provider,
		CacheKey:  fp,
		LatencyMs: latency.Milliseconds(),
	}
	if !cacheable {
		out.XCognitude.CacheKey = ""
	}
	g.attachSmartFields(&out, mode, decision)

	g.writeJSON(ctx, &out)
	ctx.Response.Header.Set("X-Cache", "MISS")

	if g.metrics != nil {
		g.metrics.RecordRequest(result.provider, "miss", fasthttp.StatusOK)
		g.metrics.AddTokens(result.provider, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
		g.metrics.AddCost(result.provider, cost.InexactFloat64())
	}

	cacheKey := fp
	if !cacheable {
		cacheKey = ""
	}
	g.recorder.Record(storage.LedgerRow{
		OrgID:            org.ID,
		RequestedModel:   chatReq.Model,
		Provider:         result.provider,
		Model:            resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
		CostUSD:          cost,
		LatencyMs:        latency.Milliseconds(),
		CacheKey:         cacheKey,
		Endpoint:         endpoint,
		UpstreamStatus:   fasthttp.StatusOK,
	})
}

// writeUpstreamFailure maps a terminal dispatch error to the client and
// ledgers it. Terminal failures are never cached.
func (g *Gateway) writeUpstreamFailure(
	ctx *fasthttp.RequestCtx,
	org *storage.Organization,
	chatReq *providers.ChatRequest,
	decision *router.Decision,
	fp string,
	endpoint string,
	start time.Time,
	err error,
) {
	g.log.Error("upstream dispatch failed",
		slog.Int64("org_id", org.ID),
		slog.String("request_id", chatReq.RequestID),
		slog.String("error", err.Error()),
	)

	upstreamStatus := 0
	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		upstreamStatus = sc.HTTPStatus()
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, cache.ErrWaiterTimeout):
		apierr.WriteTimeout(ctx)
	case upstreamStatus != 0:
		apierr.WriteUpstream(ctx, upstreamStatus, err.Error())
	default:
		apierr.Write(ctx, fasthttp.StatusBadGateway, err.Error(), apierr.TypeAPIError, apierr.CodeUpstreamError)
	}

	if g.metrics != nil {
		g.metrics.RecordRequest(decision.Provider, "miss", ctx.Response.StatusCode())
	}

	g.recorder.Record(storage.LedgerRow{
		OrgID:          org.ID,
		RequestedModel: chatReq.Model,
		Provider:       decision.Provider,
		Model:          decision.Model,
		LatencyMs:      time.Since(start).Milliseconds(),
		CacheKey:       fp,
		Endpoint:       endpoint,
		UpstreamStatus: upstreamStatus,
		ErrorText:      err.Error(),
	})
}

// attachSmartFields adds the smart-routing response extensions.
func (g *Gateway) attachSmartFields(resp *chatCompletionResponse, mode router.Mode, decision *router.Decision) {
	if mode == router.ModeExplicit {
		return
	}
	score := decision.Score
	resp.SelectedModel = decision.Model
	resp.ComplexityScore = &score
	resp.Reasoning = decision.Reason
}

// recordRoutingDecision persists the router's choice; failures only log.
func (g *Gateway) recordRoutingDecision(ctx *fasthttp.RequestCtx, orgID int64, req *providers.ChatRequest, d *router.Decision) {
	if g.metrics != nil {
		g.metrics.RecordRoutingDecision("cost", d.Class.String())
	}
	err := g.store.InsertRoutingDecision(ctx, &storage.RoutingDecision{
		OrgID:            orgID,
		RequestedModel:   req.Model,
		SelectedModel:    d.Model,
		SelectedProvider: d.Provider,
		TaskClass:        d.Class.String(),
		Reason:           d.Reason,
		EstimatedSavings: d.EstimatedSavings,
		Confidence:       d.Confidence,
		PromptLength:     d.PromptLength,
	})
	if err != nil {
		g.log.Warn("routing decision insert failed", slog.String("error", err.Error()))
	}
}

// handleAnalyze serves /v1/smart/analyze: classification without an
// upstream call.
func (g *Gateway) handleAnalyze(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	if g.metrics != nil {
		g.metrics.IncInFlight()
		defer func() {
			g.metrics.DecInFlight()
			g.metrics.ObserveHTTP("smart_analyze", ctx.Response.StatusCode(), time.Since(start))
		}()
	}

	org := g.authenticate(ctx)
	if org == nil {
		return
	}
	chatReq := g.parseChatRequest(ctx)
	if chatReq == nil {
		return
	}

	cls := router.Classify(chatReq)

	recommended := ""
	if candidates, err := g.registry.Resolve(ctx, org.ID, ""); err == nil && len(candidates) > 0 {
		if plan, err := router.Plan(chatReq, router.ModeCost, candidates); err == nil {
			recommended = plan[0].Model
		}
	}
	if recommended == "" {
		recommended = cheapestAdequate(int(cls.Class))
	}

	g.writeJSON(ctx, map[string]any{
		"task_class":        cls.Class.String(),
		"complexity_score":  cls.Score,
		"confidence":        cls.Confidence,
		"recommended_model": recommended,
	})
}

// cheapestAdequate scans the full pricing table when the tenant has no
// providers configured yet.
func cheapestAdequate(minCap int) string {
	best := ""
	var bestCost decimal.Decimal
	for _, kind := range providers.Kinds {
		for _, m := range pricing.Models(kind) {
			if m.Capability < minCap {
				continue
			}
			c := m.Rate.Input.Add(m.Rate.Output)
			if best == "" || c.Cmp(bestCost) < 0 {
				best, bestCost = m.Name, c
			}
		}
	}
	return best
}

func (g *Gateway) writeJSON(ctx *fasthttp.RequestCtx, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize response", apierr.TypeAPIError, apierr.CodeInternalError)
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}
