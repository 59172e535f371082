package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cognitude/gateway/internal/storage"
	"github.com/cognitude/gateway/internal/storage/sqlite"
)

func newTestCache(t *testing.T) (*Cache, *MemoryTier, storage.Store) {
	t.Helper()
	store, err := sqlite.New(t.TempDir() + "/cache.db")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	tier := NewMemoryTier(ctx)
	t.Cleanup(func() {
		tier.Close()
		cancel()
		store.Close()
	})
	return New(tier, store, time.Hour, nil, nil), tier, store
}

const testPayload = `{"id":"resp-1","object":"chat.completion","model":"gpt-4o-mini","usage":{"prompt_tokens":4,"completion_tokens":2,"total_tokens":6}}`

func TestPutGetRoundTrip(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	if err := c.Put(ctx, "fp1", "ph", "gpt-4o-mini", []byte(testPayload), 24); err != nil {
		t.Fatal(err)
	}

	entry, ok := c.Get(ctx, "fp1")
	if !ok {
		t.Fatal("expected hit after put")
	}
	if string(entry.Payload) != testPayload {
		t.Errorf("payload mismatch: %s", entry.Payload)
	}
	if entry.Source != "fast" {
		t.Errorf("source = %s, want fast (put populates both tiers)", entry.Source)
	}
}

func TestGetPromotesDurableToFast(t *testing.T) {
	t.Parallel()
	c, tier, _ := newTestCache(t)
	ctx := context.Background()

	if err := c.Put(ctx, "fp1", "ph", "gpt-4o-mini", []byte(testPayload), 24); err != nil {
		t.Fatal(err)
	}
	// Drop the fast copy; the durable tier remains authoritative.
	if err := tier.Delete(ctx, "fp1"); err != nil {
		t.Fatal(err)
	}

	entry, ok := c.Get(ctx, "fp1")
	if !ok {
		t.Fatal("durable tier should serve the entry")
	}
	if entry.Source != "durable" {
		t.Errorf("source = %s, want durable", entry.Source)
	}

	// Promoted copy now serves from the fast tier.
	entry, ok = c.Get(ctx, "fp1")
	if !ok || entry.Source != "fast" {
		t.Errorf("after promotion source = %s, want fast", entry.Source)
	}
}

func TestGetMiss(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestCache(t)

	if _, ok := c.Get(context.Background(), "missing"); ok {
		t.Error("expected miss")
	}
}

func TestTouchIncrementsMonotone(t *testing.T) {
	t.Parallel()
	c, _, store := newTestCache(t)
	ctx := context.Background()

	if err := c.Put(ctx, "fp1", "ph", "m", []byte(testPayload), 24); err != nil {
		t.Fatal(err)
	}
	c.Touch(ctx, "fp1", []byte(testPayload), 24)
	c.Touch(ctx, "fp1", []byte(testPayload), 24)

	// A repeated put never lowers the counter.
	if err := c.Put(ctx, "fp1", "ph", "m", []byte(testPayload), 24); err != nil {
		t.Fatal(err)
	}

	e, err := store.GetCacheEntry(ctx, "fp1")
	if err != nil {
		t.Fatal(err)
	}
	if e.HitCount != 2 {
		t.Errorf("hit_count = %d, want 2", e.HitCount)
	}
}

func TestInvalidatePattern(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	for _, fp := range []string{"aa1", "aa2", "bb1"} {
		if err := c.Put(ctx, fp, "ph", "m", []byte(testPayload), 24); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := c.Invalidate(ctx, "aa*"); err != nil {
		t.Fatal(err)
	}

	if _, ok := c.Get(ctx, "aa1"); ok {
		t.Error("aa1 survived invalidation")
	}
	if _, ok := c.Get(ctx, "bb1"); !ok {
		t.Error("bb1 was wrongly invalidated")
	}
}

func TestClearScopes(t *testing.T) {
	t.Parallel()
	c, tier, _ := newTestCache(t)
	ctx := context.Background()

	if err := c.Put(ctx, "fp1", "ph", "m", []byte(testPayload), 24); err != nil {
		t.Fatal(err)
	}

	// fast-only clear leaves the durable tier serving.
	if _, err := c.Clear(ctx, ScopeFast); err != nil {
		t.Fatal(err)
	}
	if tier.Len() != 0 {
		t.Error("fast tier not emptied")
	}
	if _, ok := c.Get(ctx, "fp1"); !ok {
		t.Error("durable tier should still serve after fast clear")
	}

	// all clears both; the next lookup is a true miss.
	if _, err := c.Clear(ctx, ScopeAll); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Get(ctx, "fp1"); ok {
		t.Error("entry survived scope=all clear")
	}
}

func TestStats(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	c.Get(ctx, "missing")
	if err := c.Put(ctx, "fp1", "ph", "m", []byte(testPayload), 24); err != nil {
		t.Fatal(err)
	}
	c.Get(ctx, "fp1")
	c.AddCostSaved(decimal.RequireFromString("0.001"))

	st, err := c.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.FastHits != 1 || st.FastMisses != 1 {
		t.Errorf("fast hits/misses = %d/%d, want 1/1", st.FastHits, st.FastMisses)
	}
	if st.DurableEntries != 1 {
		t.Errorf("durable entries = %d, want 1", st.DurableEntries)
	}
	if !st.LifetimeCostSaved.Equal(decimal.RequireFromString("0.001")) {
		t.Errorf("cost saved = %s", st.LifetimeCostSaved)
	}
}

// Concurrent misses for one fingerprint must produce exactly one execution
// of the flight function.
func TestDoSingleFlight(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	var calls atomic.Int32
	release := make(chan struct{})

	const waiters = 8
	var wg sync.WaitGroup
	results := make([]any, waiters)
	errs := make([]error, waiters)

	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i], _ = c.Do(ctx, "fp-sf", func() (any, error) {
				calls.Add(1)
				<-release
				return "payload", nil
			})
		}(i)
	}

	// Give every goroutine time to join the flight, then release the leader.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Errorf("flight fn ran %d times, want 1", n)
	}
	for i := 0; i < waiters; i++ {
		if errs[i] != nil {
			t.Errorf("waiter %d error: %v", i, errs[i])
		}
		if results[i] != "payload" {
			t.Errorf("waiter %d result = %v", i, results[i])
		}
	}
}

// A failing leader propagates its error; the next call runs fresh.
func TestDoLeaderFailureThenRetry(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	var calls atomic.Int32
	_, err, _ := c.Do(ctx, "fp-err", func() (any, error) {
		calls.Add(1)
		return nil, context.DeadlineExceeded
	})
	if err == nil {
		t.Fatal("expected leader error")
	}

	v, err, _ := c.Do(ctx, "fp-err", func() (any, error) {
		calls.Add(1)
		return "ok", nil
	})
	if err != nil || v != "ok" {
		t.Fatalf("retry failed: v=%v err=%v", v, err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestMemoryTierExpiry(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tier := NewMemoryTier(ctx)
	defer tier.Close()

	if err := tier.Set(ctx, "k", []byte("v"), 10*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if _, ok := tier.Get(ctx, "k"); !ok {
		t.Fatal("expected hit before expiry")
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok := tier.Get(ctx, "k"); ok {
		t.Error("expected lazy expiry")
	}
}

func TestExclusionList(t *testing.T) {
	t.Parallel()

	el, err := NewExclusionList([]string{"gpt-4o-realtime"}, []string{"^ft:", ".*-preview$"})
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		model string
		want  bool
	}{
		{"gpt-4o-realtime", true},
		{"ft:gpt-4o-mini:acme", true},
		{"o1-preview", true},
		{"gpt-4o-mini", false},
	}
	for _, tc := range tests {
		if got := el.Matches(tc.model); got != tc.want {
			t.Errorf("Matches(%s) = %v, want %v", tc.model, got, tc.want)
		}
	}

	var nilList *ExclusionList
	if nilList.Matches("anything") {
		t.Error("nil list must match nothing")
	}

	if _, err := NewExclusionList(nil, []string{"("}); err == nil {
		t.Error("invalid pattern accepted")
	}
}
