package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/cognitude/gateway/internal/storage"
)

// Scope selects which tiers Clear empties.
type Scope string

const (
	ScopeFast    Scope = "fast"
	ScopeDurable Scope = "durable"
	ScopeAll     Scope = "all"
)

// ValidScope reports whether s names a clearing scope.
func ValidScope(s Scope) bool {
	return s == ScopeFast || s == ScopeDurable || s == ScopeAll
}

// waiterTimeout bounds how long a single-flight waiter blocks on the
// leader before giving up and being promoted.
const waiterTimeout = 30 * time.Second

// ErrWaiterTimeout is returned when a single-flight waiter outlives the
// leader's time budget.
var ErrWaiterTimeout = errors.New("cache: single-flight waiter timed out")

// Metrics is the optional instrumentation hook. A nil Metrics is valid.
type Metrics interface {
	CacheOp(op, result string)
	CacheDegraded(tier string)
}

// Entry is a cache lookup result.
type Entry struct {
	Fingerprint string
	Model       string
	Payload     []byte
	HitCount    int64
	Source      string // "fast" | "durable"
}

// Stats summarizes both tiers.
type Stats struct {
	FastHits          int64           `json:"fast_hits"`
	FastMisses        int64           `json:"fast_misses"`
	DurableEntries    int64           `json:"durable_entries"`
	ApproxMemoryBytes int64           `json:"approx_memory_bytes"`
	LifetimeCostSaved decimal.Decimal `json:"lifetime_cost_saved"`
}

// Cache is the two-tier response cache with per-fingerprint single-flight.
type Cache struct {
	fast    FastTier
	store   storage.CacheStore
	fastTTL time.Duration
	log     *slog.Logger
	metrics Metrics

	flight singleflight.Group

	fastHits   atomic.Int64
	fastMisses atomic.Int64

	mu        sync.Mutex
	costSaved decimal.Decimal
}

// New creates a Cache over a fast tier and the durable store. fastTTL is
// the fast-tier TTL for fresh inserts; zero defaults to one hour.
func New(fast FastTier, store storage.CacheStore, fastTTL time.Duration, log *slog.Logger, m Metrics) *Cache {
	if fastTTL <= 0 {
		fastTTL = time.Hour
	}
	if log == nil {
		log = slog.Default()
	}
	return &Cache{fast: fast, store: store, fastTTL: fastTTL, log: log, metrics: m}
}

// Get looks up fingerprint: fast tier first, then the durable tier, copying
// a durable hit back into the fast tier with its stored TTL.
func (c *Cache) Get(ctx context.Context, fingerprint string) (*Entry, bool) {
	if payload, ok := c.fast.Get(ctx, fingerprint); ok {
		c.fastHits.Add(1)
		c.op("get", "fast_hit")
		return &Entry{Fingerprint: fingerprint, Payload: payload, Source: "fast"}, true
	}
	c.fastMisses.Add(1)

	e, err := c.store.GetCacheEntry(ctx, fingerprint)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			// A broken durable tier degrades to a miss.
			c.log.Warn("durable_tier_get_error",
				slog.String("fingerprint", fingerprint),
				slog.String("error", err.Error()),
			)
			c.degraded("durable")
		}
		c.op("get", "miss")
		return nil, false
	}

	// Promote into the fast tier with the stored TTL.
	_ = c.fast.Set(ctx, fingerprint, e.Payload, time.Duration(e.TTLHours)*time.Hour)
	c.op("get", "durable_hit")

	return &Entry{
		Fingerprint: fingerprint,
		Model:       e.Model,
		Payload:     e.Payload,
		HitCount:    e.HitCount,
		Source:      "durable",
	}, true
}

// Put stores a completed response in both tiers. Idempotent: the durable
// upsert is last-writer-wins on payload and never lowers the hit counter.
func (c *Cache) Put(ctx context.Context, fingerprint, promptHash, model string, payload []byte, ttlHours int) error {
	if ttlHours <= 0 {
		ttlHours = 24
	}

	err := c.store.UpsertCacheEntry(ctx, &storage.CacheEntry{
		Fingerprint: fingerprint,
		PromptHash:  promptHash,
		Model:       model,
		Payload:     payload,
		TTLHours:    ttlHours,
	})
	if err != nil {
		c.op("put", "error")
		c.degraded("durable")
		return fmt.Errorf("cache: durable put: %w", err)
	}

	_ = c.fast.Set(ctx, fingerprint, payload, c.fastTTL)
	c.op("put", "ok")
	return nil
}

// Touch bumps the durable hit counter and last-accessed time, and refreshes
// the fast-tier TTL to the entry's stored ttl_hours. Called on every hit.
func (c *Cache) Touch(ctx context.Context, fingerprint string, payload []byte, ttlHours int) {
	if err := c.store.TouchCacheEntry(ctx, fingerprint, time.Now().UTC()); err != nil && !errors.Is(err, storage.ErrNotFound) {
		c.log.Warn("cache_touch_error",
			slog.String("fingerprint", fingerprint),
			slog.String("error", err.Error()),
		)
		c.degraded("durable")
	}
	if ttlHours > 0 && payload != nil {
		_ = c.fast.Set(ctx, fingerprint, payload, time.Duration(ttlHours)*time.Hour)
	}
}

// Invalidate removes entries matching a glob pattern from both tiers.
func (c *Cache) Invalidate(ctx context.Context, pattern string) (int64, error) {
	fastN, err := c.fast.DeletePattern(ctx, pattern)
	if err != nil {
		c.log.Warn("fast_tier_invalidate_error", slog.String("error", err.Error()))
	}
	durN, err := c.store.DeleteCacheEntries(ctx, pattern)
	if err != nil {
		return fastN, fmt.Errorf("cache: invalidate durable: %w", err)
	}
	return fastN + durN, nil
}

// Clear empties the selected tiers.
func (c *Cache) Clear(ctx context.Context, scope Scope) (int64, error) {
	var total int64
	if scope == ScopeFast || scope == ScopeAll {
		n, err := c.fast.Flush(ctx)
		if err != nil {
			return total, fmt.Errorf("cache: clear fast: %w", err)
		}
		total += n
	}
	if scope == ScopeDurable || scope == ScopeAll {
		n, err := c.store.ClearCacheEntries(ctx)
		if err != nil {
			return total, fmt.Errorf("cache: clear durable: %w", err)
		}
		total += n
	}
	return total, nil
}

// Stats reports both tiers plus the lifetime cost saved by hits.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	st, err := c.store.CacheStats(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("cache: stats: %w", err)
	}
	c.mu.Lock()
	saved := c.costSaved
	c.mu.Unlock()
	return Stats{
		FastHits:          c.fastHits.Load(),
		FastMisses:        c.fastMisses.Load(),
		DurableEntries:    st.Entries,
		ApproxMemoryBytes: st.ApproxBytes,
		LifetimeCostSaved: saved,
	}, nil
}

// AddCostSaved accumulates the upstream cost a hit avoided.
func (c *Cache) AddCostSaved(d decimal.Decimal) {
	c.mu.Lock()
	c.costSaved = c.costSaved.Add(d)
	c.mu.Unlock()
}

// Do runs fn at most once per fingerprint across concurrent callers in this
// process. Waiters share the leader's result; a waiter that outlives
// waiterTimeout gets ErrWaiterTimeout, and the fingerprint is forgotten so
// a retry promotes a new leader. The returned bool is true whenever the
// result was shared among several callers, the leader included.
func (c *Cache) Do(ctx context.Context, fingerprint string, fn func() (any, error)) (any, error, bool) {
	ch := c.flight.DoChan(fingerprint, fn)

	timer := time.NewTimer(waiterTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.Val, res.Err, res.Shared
	case <-ctx.Done():
		c.flight.Forget(fingerprint)
		return nil, ctx.Err(), false
	case <-timer.C:
		c.flight.Forget(fingerprint)
		return nil, ErrWaiterTimeout, false
	}
}

// Ready reports fast-tier connectivity for the readiness probe.
func (c *Cache) Ready(ctx context.Context) bool {
	return c.fast.Ready(ctx)
}

func (c *Cache) op(op, result string) {
	if c.metrics != nil {
		c.metrics.CacheOp(op, result)
	}
}

func (c *Cache) degraded(tier string) {
	if c.metrics != nil {
		c.metrics.CacheDegraded(tier)
	}
}
