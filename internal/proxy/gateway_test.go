package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	gwcache "github.com/cognitude/gateway/internal/cache"
	"github.com/cognitude/gateway/internal/ledger"
	"github.com/cognitude/gateway/internal/providers"
	"github.com/cognitude/gateway/internal/ratelimit"
	"github.com/cognitude/gateway/internal/registry"
	"github.com/cognitude/gateway/internal/storage"
	"github.com/cognitude/gateway/internal/storage/sqlite"
)

const (
	testSalt   = "test-salt"
	testAPIKey = "cg-test-key"
)

// stubProvider scripts upstream behavior per test.
type stubProvider struct {
	name  string
	calls atomic.Int32
	fn    func(req *providers.ChatRequest) (*providers.ChatResponse, error)
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Complete(_ context.Context, req *providers.ChatRequest, apiKey string) (*providers.ChatResponse, error) {
	s.calls.Add(1)
	if apiKey == "" {
		return nil, &providers.Error{Provider: s.name, StatusCode: 401, Message: "missing key"}
	}
	return s.fn(req)
}

func okStub(name string) *stubProvider {
	return &stubProvider{
		name: name,
		fn: func(req *providers.ChatRequest) (*providers.ChatResponse, error) {
			return &providers.ChatResponse{
				ID:    "resp-" + name,
				Model: req.Model,
				Choices: []providers.Choice{
					{Index: 0, Message: providers.Message{Role: "assistant", Content: "hello from " + name}, FinishReason: "stop"},
				},
				Usage: providers.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
			}, nil
		},
	}
}

func failStub(name string, status int) *stubProvider {
	return &stubProvider{
		name: name,
		fn: func(*providers.ChatRequest) (*providers.ChatResponse, error) {
			return nil, &providers.Error{Provider: name, StatusCode: status, Message: "scripted failure"}
		},
	}
}

type testEnv struct {
	t      *testing.T
	store  storage.Store
	reg    *registry.Registry
	gw     *Gateway
	client *http.Client
	orgID  int64
}

// newTestEnv assembles a full pipeline over a temp SQLite store, an
// in-process fast tier, stub providers, and an in-memory HTTP listener.
func newTestEnv(t *testing.T, provs map[string]providers.Provider, limiter *ratelimit.Limiter) *testEnv {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	store, err := sqlite.New(t.TempDir() + "/gw.db")
	if err != nil {
		t.Fatal(err)
	}

	org := &storage.Organization{Name: "acme", APIKeyHash: HashAPIKey(testSalt, testAPIKey)}
	if err := store.CreateOrg(ctx, org); err != nil {
		t.Fatal(err)
	}

	encKey := bytes.Repeat([]byte{7}, 32)
	reg, err := registry.New(store, encKey)
	if err != nil {
		t.Fatal(err)
	}

	tier := gwcache.NewMemoryTier(ctx)
	c := gwcache.New(tier, store, time.Hour, nil, nil)

	rec := ledger.New(store, nil, ledger.Options{FlushInterval: 20 * time.Millisecond})
	go rec.Run(ctx) //nolint:errcheck

	gw := NewGateway(ctx, store, reg, c, limiter, rec, provs, Options{
		APIKeySalt:      testSalt,
		ProviderTimeout: 2 * time.Second,
		PipelineTimeout: 5 * time.Second,
	})

	ln := fasthttputil.NewInmemoryListener()
	go fasthttp.Serve(ln, gw.Handler(nil)) //nolint:errcheck

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(context.Context, string, string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}

	t.Cleanup(func() {
		gw.Close()
		ln.Close()
		tier.Close()
		cancel()
		store.Close()
	})

	return &testEnv{t: t, store: store, reg: reg, gw: gw, client: client, orgID: org.ID}
}

func (e *testEnv) enableProvider(kind string, priority int) {
	e.t.Helper()
	if _, err := e.reg.Create(context.Background(), e.orgID, kind, "sk-"+kind, true, priority); err != nil {
		e.t.Fatal(err)
	}
}

func (e *testEnv) post(path string, body any, authed bool) (*http.Response, []byte) {
	e.t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		e.t.Fatal(err)
	}
	req, err := http.NewRequest(http.MethodPost, "http://gateway"+path, bytes.NewReader(raw))
	if err != nil {
		e.t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set("X-API-Key", testAPIKey)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		e.t.Fatal(err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

// chatBody builds the canonical request body plus any extra keys.
func chatBody(model, content string, extra map[string]any) map[string]any {
	body := map[string]any{
		"model":       model,
		"messages":    []map[string]string{{"role": "user", "content": content}},
		"temperature": 0.7,
		"max_tokens":  50,
	}
	for k, v := range extra {
		body[k] = v
	}
	return body
}

type chatResult struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	XCognitude *struct {
		Cached   bool    `json:"cached"`
		Cost     float64 `json:"cost"`
		Provider string  `json:"provider"`
		CacheKey string  `json:"cache_key"`
	} `json:"x_cognitude"`
	SelectedModel   string   `json:"selected_model"`
	ComplexityScore *float64 `json:"complexity_score"`
	Reasoning       string   `json:"reasoning"`
	Error           *struct {
		Type       string `json:"type"`
		Code       string `json:"code"`
		RetryAfter int64  `json:"retry_after"`
	} `json:"error"`
}

func decode(t *testing.T, data []byte) chatResult {
	t.Helper()
	var out chatResult
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return out
}

// waitLedger polls until the async recorder has flushed n rows.
func (e *testEnv) waitLedger(n int) []storage.UsageBucket {
	e.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		buckets, err := e.store.UsageSummary(context.Background(), e.orgID,
			time.Now().UTC().Add(-time.Hour), time.Now().UTC().Add(time.Minute), "day")
		if err == nil {
			total := int64(0)
			for _, b := range buckets {
				total += b.Requests
			}
			if total >= int64(n) {
				return buckets
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	e.t.Fatalf("ledger never reached %d rows", n)
	return nil
}

func TestAuthRequired(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, map[string]providers.Provider{providers.KindOpenAI: okStub("openai")}, nil)
	env.enableProvider(providers.KindOpenAI, 1)

	resp, data := env.post("/v1/chat/completions", chatBody("gpt-3.5-turbo", "hi", nil), false)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if out := decode(t, data); out.Error == nil || out.Error.Type != "authentication_error" {
		t.Errorf("error envelope = %s", data)
	}
}

func TestValidationRejectsBadRequests(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, map[string]providers.Provider{providers.KindOpenAI: okStub("openai")}, nil)
	env.enableProvider(providers.KindOpenAI, 1)

	// No messages.
	resp, data := env.post("/v1/chat/completions", map[string]any{"model": "gpt-4", "messages": []any{}}, true)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty messages: status = %d, want 400", resp.StatusCode)
	}
	if out := decode(t, data); out.Error == nil || out.Error.Type != "invalid_request_error" {
		t.Errorf("envelope = %s", data)
	}

	// Unknown role.
	resp, _ = env.post("/v1/chat/completions", map[string]any{
		"model":    "gpt-4",
		"messages": []map[string]string{{"role": "wizard", "content": "hi"}},
	}, true)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown role: status = %d, want 400", resp.StatusCode)
	}
}

func TestCacheHitScenario(t *testing.T) {
	t.Parallel()
	stub := okStub("openai")
	env := newTestEnv(t, map[string]providers.Provider{providers.KindOpenAI: stub}, nil)
	env.enableProvider(providers.KindOpenAI, 1)

	body := chatBody("gpt-3.5-turbo", "What is 2+2?", nil)

	resp, data := env.post("/v1/chat/completions", body, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first request status = %d: %s", resp.StatusCode, data)
	}
	first := decode(t, data)
	if first.XCognitude == nil || first.XCognitude.Cached {
		t.Fatalf("first response should be a miss: %s", data)
	}
	if first.XCognitude.Cost <= 0 {
		t.Errorf("first cost = %f, want > 0", first.XCognitude.Cost)
	}

	resp, data = env.post("/v1/chat/completions", body, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second request status = %d", resp.StatusCode)
	}
	second := decode(t, data)
	if second.XCognitude == nil || !second.XCognitude.Cached {
		t.Fatalf("second response should be cached: %s", data)
	}
	if second.XCognitude.Cost != 0 {
		t.Errorf("cached cost = %f, want 0", second.XCognitude.Cost)
	}
	if second.XCognitude.CacheKey != first.XCognitude.CacheKey {
		t.Error("cache keys differ between identical requests")
	}
	if second.Choices[0].Message.Content != first.Choices[0].Message.Content {
		t.Error("cached payload diverged from original")
	}
	if stub.calls.Load() != 1 {
		t.Errorf("upstream calls = %d, want 1", stub.calls.Load())
	}

	// Ledger: two rows, one of them a zero-cost cache hit.
	env.waitLedger(2)
	rate, total, err := env.store.CacheHitRateSince(context.Background(), env.orgID, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 || rate != 0.5 {
		t.Errorf("ledger hit rate = %f over %d rows, want 0.5 over 2", rate, total)
	}
}

// Requests that differ only in unrecognized body keys share a fingerprint.
func TestUnrecognizedKeysShareFingerprint(t *testing.T) {
	t.Parallel()
	stub := okStub("openai")
	env := newTestEnv(t, map[string]providers.Provider{providers.KindOpenAI: stub}, nil)
	env.enableProvider(providers.KindOpenAI, 1)

	resp, _ := env.post("/v1/chat/completions", chatBody("gpt-3.5-turbo", "hello", nil), true)
	if resp.StatusCode != http.StatusOK {
		t.Fatal("first request failed")
	}
	resp, data := env.post("/v1/chat/completions",
		chatBody("gpt-3.5-turbo", "hello", map[string]any{"x_experimental": true, "user": "abc"}), true)
	if resp.StatusCode != http.StatusOK {
		t.Fatal("second request failed")
	}
	if out := decode(t, data); out.XCognitude == nil || !out.XCognitude.Cached {
		t.Error("extraneous keys broke fingerprint stability")
	}
	if stub.calls.Load() != 1 {
		t.Errorf("upstream calls = %d, want 1", stub.calls.Load())
	}
}

func TestSmartDowngrade(t *testing.T) {
	t.Parallel()
	stub := okStub("openai")
	env := newTestEnv(t, map[string]providers.Provider{providers.KindOpenAI: stub}, nil)
	env.enableProvider(providers.KindOpenAI, 1)

	resp, data := env.post("/v1/smart/completions",
		chatBody("gpt-4", "What is the capital of France?", nil), true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, data)
	}
	out := decode(t, data)
	if out.SelectedModel != "gpt-4o-mini" {
		t.Errorf("selected_model = %s, want gpt-4o-mini", out.SelectedModel)
	}
	if out.ComplexityScore == nil || *out.ComplexityScore >= 0.4 {
		t.Errorf("complexity_score = %v, want < 0.4", out.ComplexityScore)
	}
	if out.Reasoning == "" {
		t.Error("reasoning missing")
	}
	if out.Model != "gpt-4o-mini" {
		t.Errorf("dispatched model = %s, want gpt-4o-mini", out.Model)
	}

	// The routing decision is persisted.
	savings, n, err := env.store.SavingsSince(context.Background(), env.orgID, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("routing decisions = %d, want 1", n)
	}
	if savings.IsNegative() {
		t.Errorf("savings = %s, want >= 0", savings)
	}
}

func TestFailoverToSecondProvider(t *testing.T) {
	t.Parallel()
	failing := failStub("openai", 503)
	backup := okStub("anthropic")
	env := newTestEnv(t, map[string]providers.Provider{
		providers.KindOpenAI:    failing,
		providers.KindAnthropic: backup,
	}, nil)
	env.enableProvider(providers.KindOpenAI, 1)
	env.enableProvider(providers.KindAnthropic, 2)

	resp, data := env.post("/v1/chat/completions", chatBody("gpt-4o", "failover please", nil), true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, data)
	}
	out := decode(t, data)
	if out.XCognitude.Provider != "anthropic" {
		t.Errorf("provider = %s, want anthropic", out.XCognitude.Provider)
	}
	if failing.calls.Load() != 1 {
		t.Errorf("failing provider calls = %d, want 1", failing.calls.Load())
	}
	if backup.calls.Load() != 1 {
		t.Errorf("backup provider calls = %d, want 1", backup.calls.Load())
	}
}

func TestPermanentErrorStopsFailover(t *testing.T) {
	t.Parallel()
	rejecting := failStub("openai", 400)
	backup := okStub("anthropic")
	env := newTestEnv(t, map[string]providers.Provider{
		providers.KindOpenAI:    rejecting,
		providers.KindAnthropic: backup,
	}, nil)
	env.enableProvider(providers.KindOpenAI, 1)
	env.enableProvider(providers.KindAnthropic, 2)

	resp, data := env.post("/v1/chat/completions", chatBody("gpt-4o", "bad request", nil), true)
	if resp.StatusCode == http.StatusOK {
		t.Fatalf("expected failure, got 200: %s", data)
	}
	if backup.calls.Load() != 0 {
		t.Errorf("backup called %d times on a permanent error, want 0", backup.calls.Load())
	}

	// The failure is still ledgered, with error text.
	env.waitLedger(1)
}

func TestModelNotFoundFallsBackToOtherModel(t *testing.T) {
	t.Parallel()
	picky := &stubProvider{
		name: "openai",
		fn: func(req *providers.ChatRequest) (*providers.ChatResponse, error) {
			if req.Model == "gpt-4o" {
				return nil, &providers.Error{Provider: "openai", StatusCode: 404, Message: "model not found"}
			}
			return okStub("openai").fn(req)
		},
	}
	env := newTestEnv(t, map[string]providers.Provider{providers.KindOpenAI: picky}, nil)
	env.enableProvider(providers.KindOpenAI, 1)

	resp, data := env.post("/v1/chat/completions", chatBody("gpt-4o", "hi there", nil), true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, data)
	}
	out := decode(t, data)
	if out.Model == "gpt-4o" {
		t.Error("model-transient error did not downgrade the model")
	}
	if picky.calls.Load() != 2 {
		t.Errorf("upstream calls = %d, want 2 (404 then fallback)", picky.calls.Load())
	}
}

func TestRateLimitDeny(t *testing.T) {
	t.Parallel()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	stub := okStub("openai")
	env := newTestEnv(t, map[string]providers.Provider{providers.KindOpenAI: stub}, ratelimit.New(rdb, nil))
	env.enableProvider(providers.KindOpenAI, 1)

	err = env.store.PutRateLimitConfig(context.Background(), &storage.RateLimitConfig{
		OrgID: env.orgID, PerMinute: 2, PerHour: 10, PerDay: 100, Enabled: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		resp, data := env.post("/v1/chat/completions",
			chatBody("gpt-3.5-turbo", fmt.Sprintf("distinct request %d", i), nil), true)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d status = %d: %s", i, resp.StatusCode, data)
		}
	}

	resp, data := env.post("/v1/chat/completions", chatBody("gpt-3.5-turbo", "third request", nil), true)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("third request status = %d, want 429", resp.StatusCode)
	}
	out := decode(t, data)
	if out.Error == nil || out.Error.Type != "rate_limit_error" {
		t.Errorf("envelope = %s", data)
	}
	if out.Error.RetryAfter <= 0 || out.Error.RetryAfter > 60 {
		t.Errorf("retry_after = %d, want (0, 60]", out.Error.RetryAfter)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}
	if stub.calls.Load() != 2 {
		t.Errorf("upstream calls = %d, want 2 (denied request must not reach upstream)", stub.calls.Load())
	}
}

func TestCacheClearScenario(t *testing.T) {
	t.Parallel()
	stub := okStub("openai")
	env := newTestEnv(t, map[string]providers.Provider{providers.KindOpenAI: stub}, nil)
	env.enableProvider(providers.KindOpenAI, 1)

	body := chatBody("gpt-3.5-turbo", "cache me", nil)
	for i := 0; i < 3; i++ {
		if resp, _ := env.post("/v1/chat/completions", body, true); resp.StatusCode != http.StatusOK {
			t.Fatal("request failed")
		}
	}
	if stub.calls.Load() != 1 {
		t.Fatalf("upstream calls before clear = %d, want 1", stub.calls.Load())
	}

	resp, _ := env.post("/cache/clear", map[string]string{"scope": "all"}, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cache clear status = %d", resp.StatusCode)
	}

	if resp, _ := env.post("/v1/chat/completions", body, true); resp.StatusCode != http.StatusOK {
		t.Fatal("post-clear request failed")
	}
	if stub.calls.Load() != 2 {
		t.Errorf("upstream calls after clear = %d, want 2 (clear must force a miss)", stub.calls.Load())
	}
}

func TestAnalyzeNoUpstreamCall(t *testing.T) {
	t.Parallel()
	stub := okStub("openai")
	env := newTestEnv(t, map[string]providers.Provider{providers.KindOpenAI: stub}, nil)
	env.enableProvider(providers.KindOpenAI, 1)

	resp, data := env.post("/v1/smart/analyze", chatBody("gpt-4", "What is 2+2?", nil), true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, data)
	}
	var out struct {
		TaskClass        string  `json:"task_class"`
		ComplexityScore  float64 `json:"complexity_score"`
		RecommendedModel string  `json:"recommended_model"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out.TaskClass == "" || out.RecommendedModel == "" {
		t.Errorf("analyze response incomplete: %s", data)
	}
	if stub.calls.Load() != 0 {
		t.Errorf("analyze made %d upstream calls, want 0", stub.calls.Load())
	}
}

func TestNoProvidersConfigured(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, map[string]providers.Provider{providers.KindOpenAI: okStub("openai")}, nil)

	resp, data := env.post("/v1/chat/completions", chatBody("gpt-4", "hi", nil), true)
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502: %s", resp.StatusCode, data)
	}
}

func TestProviderManagementRoundTrip(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, map[string]providers.Provider{providers.KindOpenAI: okStub("openai")}, nil)

	resp, data := env.post("/providers", map[string]any{
		"provider": "openai",
		"api_key":  "sk-upstream",
		"priority": 1,
	}, true)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d: %s", resp.StatusCode, data)
	}

	// The plaintext key never appears in management responses.
	if bytes.Contains(data, []byte("sk-upstream")) {
		t.Error("management response leaked the upstream key")
	}

	// With the provider configured, a completion now succeeds.
	resp, _ = env.post("/v1/chat/completions", chatBody("gpt-3.5-turbo", "hi", nil), true)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("completion after provider create: status = %d", resp.StatusCode)
	}
}
