// Package storage defines the persistence model and interfaces for the
// gateway's relational store.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("storage: not found")

type (
	// Organization is a tenant. Only the salted hash of its API key is
	// persisted, never the key itself.
	Organization struct {
		ID         int64
		Name       string
		APIKeyHash string
		CreatedAt  time.Time
	}

	// ProviderConfig is one tenant's configuration for one upstream
	// provider. The upstream credential is stored encrypted; decryption
	// happens inside the registry only.
	ProviderConfig struct {
		ID               int64
		OrgID            int64
		Provider         string
		APIKeyCiphertext string
		Enabled          bool
		Priority         int
		CreatedAt        time.Time
	}

	// CacheEntry is the durable tier of the response cache.
	CacheEntry struct {
		Fingerprint  string
		PromptHash   string
		Model        string
		Payload      []byte
		FirstSeen    time.Time
		LastAccessed time.Time
		HitCount     int64
		TTLHours     int
	}

	// LedgerRow is one append-only usage record.
	LedgerRow struct {
		ID               string
		OrgID            int64
		Timestamp        time.Time
		RequestedModel   string
		Provider         string
		Model            string
		PromptTokens     int
		CompletionTokens int
		TotalTokens      int
		CostUSD          decimal.Decimal
		LatencyMs        int64
		CacheHit         bool
		CacheKey         string // empty when the request was not cacheable
		Endpoint         string
		UpstreamStatus   int // 0 when no upstream call was made
		ErrorText        string
	}

	// RoutingDecision captures the smart router's inputs and outputs for
	// one routed request.
	RoutingDecision struct {
		ID               int64
		OrgID            int64
		RequestedModel   string
		SelectedModel    string
		SelectedProvider string
		TaskClass        string
		Reason           string
		EstimatedSavings decimal.Decimal
		Confidence       float64
		PromptLength     int
		CreatedAt        time.Time
	}

	// RateLimitConfig holds one tenant's request-rate limits.
	// Invariant: PerMinute ≤ PerHour ≤ PerDay.
	RateLimitConfig struct {
		OrgID     int64
		PerMinute int
		PerHour   int
		PerDay    int
		Enabled   bool
	}

	// AlertChannel is one notification destination. Config keys depend on
	// Kind: "to" for email, "url" for webhooks.
	AlertChannel struct {
		ID     int64
		OrgID  int64
		Kind   string // email | chat_webhook | webhook
		Config map[string]string
		Active bool
	}

	// AlertConfig is one tenant's threshold for one alert kind.
	AlertConfig struct {
		ID            int64
		OrgID         int64
		Kind          string // daily_cost | monthly_cost | rate_limit_warning | cache_hit_warning
		Threshold     decimal.Decimal
		Enabled       bool
		LastTriggered *time.Time
	}

	// UsageBucket is one group of the analytics usage aggregation.
	UsageBucket struct {
		Key          string
		Requests     int64
		TotalTokens  int64
		CostUSD      decimal.Decimal
		CacheHits    int64
		AvgLatencyMs float64
	}

	// CacheStats summarizes the durable cache tier.
	CacheStats struct {
		Entries     int64
		ApproxBytes int64
	}
)

// OrgStore manages tenants.
type OrgStore interface {
	CreateOrg(ctx context.Context, org *Organization) error
	GetOrg(ctx context.Context, id int64) (*Organization, error)
	GetOrgByKeyHash(ctx context.Context, hash string) (*Organization, error)
}

// ProviderConfigStore manages per-tenant provider configurations.
type ProviderConfigStore interface {
	CreateProviderConfig(ctx context.Context, p *ProviderConfig) error
	GetProviderConfig(ctx context.Context, orgID, id int64) (*ProviderConfig, error)
	ListProviderConfigs(ctx context.Context, orgID int64) ([]*ProviderConfig, error)
	UpdateProviderConfig(ctx context.Context, p *ProviderConfig) error
	DeleteProviderConfig(ctx context.Context, orgID, id int64) error
}

// CacheStore is the durable tier of the response cache.
type CacheStore interface {
	GetCacheEntry(ctx context.Context, fingerprint string) (*CacheEntry, error)
	UpsertCacheEntry(ctx context.Context, e *CacheEntry) error
	TouchCacheEntry(ctx context.Context, fingerprint string, at time.Time) error
	DeleteCacheEntries(ctx context.Context, pattern string) (int64, error)
	ClearCacheEntries(ctx context.Context) (int64, error)
	CacheStats(ctx context.Context) (CacheStats, error)
}

// LedgerStore is the append-only usage ledger plus its aggregations.
type LedgerStore interface {
	InsertLedgerRows(ctx context.Context, rows []LedgerRow) error
	SumCostSince(ctx context.Context, orgID int64, since time.Time) (decimal.Decimal, error)
	CacheHitRateSince(ctx context.Context, orgID int64, since time.Time) (hitRate float64, requests int64, err error)
	UsageSummary(ctx context.Context, orgID int64, start, end time.Time, groupBy string) ([]UsageBucket, error)
}

// RoutingStore persists smart-router decisions.
type RoutingStore interface {
	InsertRoutingDecision(ctx context.Context, d *RoutingDecision) error
	SavingsSince(ctx context.Context, orgID int64, since time.Time) (decimal.Decimal, int64, error)
}

// RateLimitStore manages per-tenant rate-limit configuration.
type RateLimitStore interface {
	GetRateLimitConfig(ctx context.Context, orgID int64) (*RateLimitConfig, error)
	PutRateLimitConfig(ctx context.Context, c *RateLimitConfig) error
}

// AlertStore manages alert thresholds and notification channels.
type AlertStore interface {
	UpsertAlertConfig(ctx context.Context, c *AlertConfig) error
	ListAlertConfigs(ctx context.Context, orgID int64) ([]*AlertConfig, error)
	ListEnabledAlertConfigs(ctx context.Context) ([]*AlertConfig, error)
	// MarkAlertTriggered stamps last_triggered at now, but only when the
	// previous stamp is absent or older than windowStart. Returns true when
	// the stamp was applied — the caller may dispatch exactly then.
	MarkAlertTriggered(ctx context.Context, id int64, now, windowStart time.Time) (bool, error)

	CreateAlertChannel(ctx context.Context, ch *AlertChannel) error
	DeleteAlertChannel(ctx context.Context, orgID, id int64) error
	ListAlertChannels(ctx context.Context, orgID int64, activeOnly bool) ([]*AlertChannel, error)
}

// Store combines every persistence interface.
type Store interface {
	OrgStore
	ProviderConfigStore
	CacheStore
	LedgerStore
	RoutingStore
	RateLimitStore
	AlertStore
	Ping(ctx context.Context) error
	Close() error
}
