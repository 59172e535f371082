package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cognitude/gateway/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	// Unique file-based temp DB per test to avoid shared :memory: races.
	s, err := New(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestOrg(t *testing.T, s *Store, name string) *storage.Organization {
	t.Helper()
	org := &storage.Organization{Name: name, APIKeyHash: "hash-" + name}
	if err := s.CreateOrg(context.Background(), org); err != nil {
		t.Fatal("create org:", err)
	}
	return org
}

func TestOrgRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	org := newTestOrg(t, s, "acme")
	if org.ID == 0 {
		t.Fatal("id not backfilled")
	}

	got, err := s.GetOrgByKeyHash(ctx, "hash-acme")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != org.ID || got.Name != "acme" {
		t.Errorf("got %+v, want id=%d name=acme", got, org.ID)
	}

	if _, err := s.GetOrgByKeyHash(ctx, "nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("missing hash err = %v, want ErrNotFound", err)
	}
}

func TestProviderConfigRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	org := newTestOrg(t, s, "acme")

	p := &storage.ProviderConfig{
		OrgID:            org.ID,
		Provider:         "openai",
		APIKeyCiphertext: "ct",
		Enabled:          true,
		Priority:         1,
	}
	if err := s.CreateProviderConfig(ctx, p); err != nil {
		t.Fatal("create:", err)
	}

	// A second enabled config for the same (org, provider) must be
	// rejected by the partial unique index.
	dup := &storage.ProviderConfig{OrgID: org.ID, Provider: "openai", APIKeyCiphertext: "ct2", Enabled: true}
	if err := s.CreateProviderConfig(ctx, dup); err == nil {
		t.Error("duplicate enabled config was accepted")
	}

	// A disabled second config is fine.
	disabled := &storage.ProviderConfig{OrgID: org.ID, Provider: "openai", APIKeyCiphertext: "ct3", Enabled: false}
	if err := s.CreateProviderConfig(ctx, disabled); err != nil {
		t.Fatal("disabled duplicate:", err)
	}

	list, err := s.ListProviderConfigs(ctx, org.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("list = %d configs, want 2", len(list))
	}

	p.Priority = 7
	p.Enabled = false
	if err := s.UpdateProviderConfig(ctx, p); err != nil {
		t.Fatal("update:", err)
	}
	got, err := s.GetProviderConfig(ctx, org.ID, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Priority != 7 || got.Enabled {
		t.Errorf("update not applied: %+v", got)
	}

	if err := s.DeleteProviderConfig(ctx, org.ID, p.ID); err != nil {
		t.Fatal("delete:", err)
	}
	if _, err := s.GetProviderConfig(ctx, org.ID, p.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("after delete err = %v, want ErrNotFound", err)
	}
}

func TestProviderConfigTenantScoped(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	a := newTestOrg(t, s, "a")
	b := newTestOrg(t, s, "b")

	p := &storage.ProviderConfig{OrgID: a.ID, Provider: "mistral", APIKeyCiphertext: "ct", Enabled: true}
	if err := s.CreateProviderConfig(ctx, p); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetProviderConfig(ctx, b.ID, p.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Error("tenant B read tenant A's provider config")
	}
	if err := s.DeleteProviderConfig(ctx, b.ID, p.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Error("tenant B deleted tenant A's provider config")
	}
}

func TestCacheEntryLifecycle(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	e := &storage.CacheEntry{
		Fingerprint: "aabbcc",
		PromptHash:  "ph",
		Model:       "gpt-4o-mini",
		Payload:     []byte(`{"id":"x"}`),
		TTLHours:    24,
	}
	if err := s.UpsertCacheEntry(ctx, e); err != nil {
		t.Fatal("upsert:", err)
	}

	got, err := s.GetCacheEntry(ctx, "aabbcc")
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Payload) != `{"id":"x"}` || got.HitCount != 0 {
		t.Errorf("entry = %+v", got)
	}

	// Touch twice — the counter is monotone and last_accessed advances.
	if err := s.TouchCacheEntry(ctx, "aabbcc", time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	if err := s.TouchCacheEntry(ctx, "aabbcc", time.Now().UTC()); err != nil {
		t.Fatal(err)
	}

	// An upsert with a new payload must not reset the counter.
	e.Payload = []byte(`{"id":"y"}`)
	if err := s.UpsertCacheEntry(ctx, e); err != nil {
		t.Fatal(err)
	}

	got, _ = s.GetCacheEntry(ctx, "aabbcc")
	if got.HitCount != 2 {
		t.Errorf("hit_count = %d, want 2", got.HitCount)
	}
	if string(got.Payload) != `{"id":"y"}` {
		t.Errorf("payload not updated: %s", got.Payload)
	}
	if got.LastAccessed.Before(got.FirstSeen) {
		t.Error("last_accessed < first_seen")
	}

	n, err := s.DeleteCacheEntries(ctx, "aab*")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("pattern delete removed %d, want 1", n)
	}
	if _, err := s.GetCacheEntry(ctx, "aabbcc"); !errors.Is(err, storage.ErrNotFound) {
		t.Error("entry survived pattern delete")
	}
}

func TestCacheStats(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	for _, fp := range []string{"f1", "f2"} {
		err := s.UpsertCacheEntry(ctx, &storage.CacheEntry{
			Fingerprint: fp, PromptHash: "p", Model: "m", Payload: []byte("12345"), TTLHours: 1,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	st, err := s.CacheStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Entries != 2 || st.ApproxBytes != 10 {
		t.Errorf("stats = %+v, want 2 entries / 10 bytes", st)
	}

	if _, err := s.ClearCacheEntries(ctx); err != nil {
		t.Fatal(err)
	}
	st, _ = s.CacheStats(ctx)
	if st.Entries != 0 {
		t.Errorf("entries after clear = %d", st.Entries)
	}
}

func TestLedgerInsertAndAggregates(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	org := newTestOrg(t, s, "acme")

	now := time.Now().UTC()
	rows := []storage.LedgerRow{
		{
			ID: "r1", OrgID: org.ID, Timestamp: now.Add(-10 * time.Minute),
			RequestedModel: "gpt-4", Provider: "openai", Model: "gpt-4o-mini",
			PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150,
			CostUSD: decimal.RequireFromString("0.004500"), LatencyMs: 820,
			Endpoint: "/v1/chat/completions", UpstreamStatus: 200,
		},
		{
			ID: "r2", OrgID: org.ID, Timestamp: now.Add(-5 * time.Minute),
			RequestedModel: "gpt-4", Provider: "openai", Model: "gpt-4o-mini",
			PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150,
			CostUSD: decimal.Zero, LatencyMs: 3, CacheHit: true, CacheKey: "fp",
			Endpoint: "/v1/chat/completions",
		},
		{
			ID: "r3", OrgID: org.ID, Timestamp: now.Add(-48 * time.Hour),
			RequestedModel: "gpt-4", Provider: "openai", Model: "gpt-4",
			CostUSD: decimal.RequireFromString("1.000000"),
			Endpoint: "/v1/chat/completions", UpstreamStatus: 200,
		},
	}
	if err := s.InsertLedgerRows(ctx, rows); err != nil {
		t.Fatal("insert:", err)
	}

	sum, err := s.SumCostSince(ctx, org.ID, now.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if !sum.Equal(decimal.RequireFromString("0.0045")) {
		t.Errorf("sum = %s, want 0.0045", sum)
	}

	rate, total, err := s.CacheHitRateSince(ctx, org.ID, now.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 || rate != 0.5 {
		t.Errorf("hit rate = %f over %d, want 0.5 over 2", rate, total)
	}

	buckets, err := s.UsageSummary(ctx, org.ID, now.Add(-time.Hour), now.Add(time.Minute), "model")
	if err != nil {
		t.Fatal(err)
	}
	if len(buckets) != 1 || buckets[0].Key != "gpt-4o-mini" || buckets[0].Requests != 2 {
		t.Errorf("buckets = %+v", buckets)
	}

	if _, err := s.UsageSummary(ctx, org.ID, now, now, "bogus"); err == nil {
		t.Error("unknown group_by accepted")
	}
}

func TestRateLimitConfigValidation(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	org := newTestOrg(t, s, "acme")

	bad := &storage.RateLimitConfig{OrgID: org.ID, PerMinute: 100, PerHour: 10, PerDay: 1000, Enabled: true}
	if err := s.PutRateLimitConfig(ctx, bad); err == nil {
		t.Error("per_minute > per_hour accepted")
	}

	good := &storage.RateLimitConfig{OrgID: org.ID, PerMinute: 10, PerHour: 100, PerDay: 1000, Enabled: true}
	if err := s.PutRateLimitConfig(ctx, good); err != nil {
		t.Fatal(err)
	}
	// Upsert replaces.
	good.PerMinute = 20
	if err := s.PutRateLimitConfig(ctx, good); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetRateLimitConfig(ctx, org.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.PerMinute != 20 {
		t.Errorf("per_minute = %d, want 20", got.PerMinute)
	}
}

func TestAlertConfigUniquePerKind(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	org := newTestOrg(t, s, "acme")

	c := &storage.AlertConfig{OrgID: org.ID, Kind: "daily_cost", Threshold: decimal.RequireFromString("5"), Enabled: true}
	if err := s.UpsertAlertConfig(ctx, c); err != nil {
		t.Fatal(err)
	}
	c2 := &storage.AlertConfig{OrgID: org.ID, Kind: "daily_cost", Threshold: decimal.RequireFromString("9"), Enabled: true}
	if err := s.UpsertAlertConfig(ctx, c2); err != nil {
		t.Fatal(err)
	}

	list, err := s.ListAlertConfigs(ctx, org.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("configs = %d, want 1 (upsert must collapse per kind)", len(list))
	}
	if !list[0].Threshold.Equal(decimal.RequireFromString("9")) {
		t.Errorf("threshold = %s, want 9", list[0].Threshold)
	}
}

func TestMarkAlertTriggeredOncePerWindow(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	org := newTestOrg(t, s, "acme")

	c := &storage.AlertConfig{OrgID: org.ID, Kind: "daily_cost", Threshold: decimal.RequireFromString("5"), Enabled: true}
	if err := s.UpsertAlertConfig(ctx, c); err != nil {
		t.Fatal(err)
	}
	list, _ := s.ListAlertConfigs(ctx, org.ID)
	id := list[0].ID

	now := time.Date(2026, 8, 2, 12, 0, 0, 0, time.UTC)
	dayStart := time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC)

	fired, err := s.MarkAlertTriggered(ctx, id, now, dayStart)
	if err != nil {
		t.Fatal(err)
	}
	if !fired {
		t.Fatal("first stamp should fire")
	}

	// Same window instance — must not fire again.
	fired, err = s.MarkAlertTriggered(ctx, id, now.Add(time.Hour), dayStart)
	if err != nil {
		t.Fatal(err)
	}
	if fired {
		t.Error("second stamp in the same window fired")
	}

	// Next day's window — fires again.
	nextDay := dayStart.AddDate(0, 0, 1)
	fired, err = s.MarkAlertTriggered(ctx, id, nextDay.Add(time.Hour), nextDay)
	if err != nil {
		t.Fatal(err)
	}
	if !fired {
		t.Error("new window instance should fire")
	}
}

func TestAlertChannels(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	org := newTestOrg(t, s, "acme")

	ch := &storage.AlertChannel{
		OrgID:  org.ID,
		Kind:   "chat_webhook",
		Config: map[string]string{"url": "https://hooks.example.com/x"},
		Active: true,
	}
	if err := s.CreateAlertChannel(ctx, ch); err != nil {
		t.Fatal(err)
	}
	inactive := &storage.AlertChannel{
		OrgID: org.ID, Kind: "email", Config: map[string]string{"to": "ops@acme.dev"}, Active: false,
	}
	if err := s.CreateAlertChannel(ctx, inactive); err != nil {
		t.Fatal(err)
	}

	active, err := s.ListAlertChannels(ctx, org.ID, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].Config["url"] != "https://hooks.example.com/x" {
		t.Errorf("active channels = %+v", active)
	}

	all, _ := s.ListAlertChannels(ctx, org.ID, false)
	if len(all) != 2 {
		t.Errorf("all channels = %d, want 2", len(all))
	}

	if err := s.DeleteAlertChannel(ctx, org.ID, ch.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteAlertChannel(ctx, org.ID, ch.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("double delete err = %v, want ErrNotFound", err)
	}
}

func TestRoutingDecisions(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	org := newTestOrg(t, s, "acme")

	d := &storage.RoutingDecision{
		OrgID:            org.ID,
		RequestedModel:   "gpt-4",
		SelectedModel:    "gpt-4o-mini",
		SelectedProvider: "openai",
		TaskClass:        "trivial",
		Reason:           "trivial task, downgraded to cheapest adequate model",
		EstimatedSavings: decimal.RequireFromString("0.003100"),
		Confidence:       0.9,
		PromptLength:     28,
	}
	if err := s.InsertRoutingDecision(ctx, d); err != nil {
		t.Fatal(err)
	}

	savings, n, err := s.SavingsSince(ctx, org.ID, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || !savings.Equal(decimal.RequireFromString("0.0031")) {
		t.Errorf("savings = %s over %d rows", savings, n)
	}
}
