// Package cache implements the two-tier response cache: a volatile fast
// tier (Redis or in-process memory) in front of the durable relational
// tier. The durable tier is authoritative; either tier may be absent for a
// given fingerprint.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces fast-tier keys in the shared key-value store.
const keyPrefix = "cache:resp:"

const fastOpTimeout = 500 * time.Millisecond

// FastTier is the volatile cache tier. Implementations degrade gracefully:
// Get returns a miss and Set returns nil on backend failure, so the durable
// tier and the upstream path keep working without a fast tier.
type FastTier interface {
	Get(ctx context.Context, fingerprint string) ([]byte, bool)
	Set(ctx context.Context, fingerprint string, payload []byte, ttl time.Duration) error
	Delete(ctx context.Context, fingerprint string) error
	// DeletePattern removes entries whose fingerprint matches a glob
	// pattern ("*" wildcards). Returns the number removed.
	DeletePattern(ctx context.Context, pattern string) (int64, error)
	// Flush removes every entry in the tier's namespace.
	Flush(ctx context.Context) (int64, error)
	Ready(ctx context.Context) bool
}

// RedisTier is the Redis-backed fast tier.
type RedisTier struct {
	client *redis.Client
	log    *slog.Logger
}

// NewRedisTier wraps an existing Redis client. The caller owns the client
// lifecycle.
func NewRedisTier(client *redis.Client, log *slog.Logger) *RedisTier {
	if log == nil {
		log = slog.Default()
	}
	return &RedisTier{client: client, log: log}
}

// Get returns (payload, true) on a hit, (nil, false) on a miss or any
// backend error. Errors are logged at WARN and not propagated.
func (t *RedisTier) Get(ctx context.Context, fingerprint string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, fastOpTimeout)
	defer cancel()

	val, err := t.client.Get(ctx, keyPrefix+fingerprint).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			t.log.Warn("fast_tier_get_error",
				slog.String("fingerprint", fingerprint),
				slog.String("error", err.Error()),
			)
		}
		return nil, false
	}
	return val, true
}

// Set stores payload with the given TTL. Backend errors are swallowed after
// logging — a broken fast tier must not fail the request.
func (t *RedisTier) Set(ctx context.Context, fingerprint string, payload []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, fastOpTimeout)
	defer cancel()

	if err := t.client.Set(ctx, keyPrefix+fingerprint, payload, ttl).Err(); err != nil {
		t.log.Warn("fast_tier_set_error",
			slog.String("fingerprint", fingerprint),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// Delete removes one entry.
func (t *RedisTier) Delete(ctx context.Context, fingerprint string) error {
	ctx, cancel := context.WithTimeout(ctx, fastOpTimeout)
	defer cancel()

	if err := t.client.Del(ctx, keyPrefix+fingerprint).Err(); err != nil {
		return fmt.Errorf("cache: DEL %s: %w", fingerprint, err)
	}
	return nil
}

// DeletePattern scans the namespace and removes matching keys in batches.
func (t *RedisTier) DeletePattern(ctx context.Context, pattern string) (int64, error) {
	return t.deleteScan(ctx, keyPrefix+pattern)
}

// Flush removes every key in the cache namespace.
func (t *RedisTier) Flush(ctx context.Context) (int64, error) {
	return t.deleteScan(ctx, keyPrefix+"*")
}

func (t *RedisTier) deleteScan(ctx context.Context, match string) (int64, error) {
	var (
		cursor  uint64
		removed int64
	)
	for {
		keys, next, err := t.client.Scan(ctx, cursor, match, 512).Result()
		if err != nil {
			return removed, fmt.Errorf("cache: SCAN %s: %w", match, err)
		}
		if len(keys) > 0 {
			n, err := t.client.Del(ctx, keys...).Result()
			if err != nil {
				return removed, fmt.Errorf("cache: DEL batch: %w", err)
			}
			removed += n
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

// Ready reports backend connectivity for the readiness probe.
func (t *RedisTier) Ready(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return t.client.Ping(ctx).Err() == nil
}
