// Package ratelimit implements per-tenant approximate sliding-window rate
// limiting over Redis at minute, hour, and day granularity.
//
// Each window keeps fixed counters keyed by the window-aligned bucket
// start. The sliding estimate weighs the previous bucket by the fraction of
// the current window not yet elapsed:
//
//	estimate = prev·(1 − elapsed/W) + current
//
// Counters expire after twice the window length so the previous bucket
// stays readable. The approximation error is bounded (at most one request
// of slip at a bucket boundary), which is the accepted trade-off for
// counters that shard trivially through atomic increments.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cognitude/gateway/internal/storage"
)

// window describes one of the three fixed limit windows.
type window struct {
	name string
	secs int64
}

var windows = []window{
	{"minute", 60},
	{"hour", 3600},
	{"day", 86400},
}

// WindowState reports one window's counters for response headers.
type WindowState struct {
	Window  string
	Limit   int
	Current int
	Reset   int64 // unix seconds when the current bucket rolls
}

// Decision is the outcome of one limiter check.
type Decision struct {
	Allowed bool
	// RetryAfter is the number of seconds until the smallest exceeded
	// window rolls. Zero when allowed.
	RetryAfter int64
	States     []WindowState
}

// Limiter checks tenant request rates against Redis counters.
type Limiter struct {
	rdb *redis.Client
	log *slog.Logger

	// now is replaceable in tests.
	now func() time.Time
}

// New creates a Limiter over an existing Redis client.
func New(rdb *redis.Client, log *slog.Logger) *Limiter {
	if log == nil {
		log = slog.Default()
	}
	return &Limiter{rdb: rdb, log: log, now: time.Now}
}

func key(orgID int64, w window, bucket int64) string {
	return "ratelimit:" + strconv.FormatInt(orgID, 10) + ":" + w.name + ":" + strconv.FormatInt(bucket, 10)
}

// Check evaluates all three windows for the tenant and, when every estimate
// is below its limit, counts the request in each window. On Redis failure
// the limiter degrades to allow and logs at WARN.
//
// A limit of zero for a window disables that window.
func (l *Limiter) Check(ctx context.Context, orgID int64, cfg storage.RateLimitConfig) (Decision, error) {
	if !cfg.Enabled {
		return Decision{Allowed: true}, nil
	}

	limits := []int{cfg.PerMinute, cfg.PerHour, cfg.PerDay}
	now := l.now().Unix()

	// Read current and previous buckets for every window in one round trip.
	keys := make([]string, 0, len(windows)*2)
	for _, w := range windows {
		bucket := now / w.secs * w.secs
		keys = append(keys, key(orgID, w, bucket), key(orgID, w, bucket-w.secs))
	}

	vals, err := l.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		l.log.Warn("ratelimit_read_error", slog.String("error", err.Error()))
		return Decision{Allowed: true}, nil
	}

	dec := Decision{Allowed: true}
	for i, w := range windows {
		limit := limits[i]
		bucket := now / w.secs * w.secs
		elapsed := now - bucket

		cur := parseCount(vals[i*2])
		prev := parseCount(vals[i*2+1])
		estimate := float64(prev)*(1-float64(elapsed)/float64(w.secs)) + float64(cur)

		state := WindowState{
			Window:  w.name,
			Limit:   limit,
			Current: int(estimate),
			Reset:   bucket + w.secs,
		}
		dec.States = append(dec.States, state)

		if limit > 0 && estimate >= float64(limit) {
			retry := w.secs - elapsed
			if dec.Allowed || retry < dec.RetryAfter {
				dec.RetryAfter = retry
			}
			dec.Allowed = false
		}
	}

	if !dec.Allowed {
		return dec, nil
	}

	// Count the request in every window. New keys expire after twice the
	// window so the next bucket can still read them as "previous".
	pipe := l.rdb.Pipeline()
	for _, w := range windows {
		bucket := now / w.secs * w.secs
		k := key(orgID, w, bucket)
		pipe.Incr(ctx, k)
		pipe.ExpireNX(ctx, k, time.Duration(2*w.secs)*time.Second)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		l.log.Warn("ratelimit_incr_error", slog.String("error", err.Error()))
	}

	for i := range dec.States {
		dec.States[i].Current++
	}

	return dec, nil
}

// Utilization returns the minute-window usage as a fraction of the limit —
// the signal behind the rate-limit-warning alert. Returns 0 when limiting
// is disabled or Redis is unavailable.
func (l *Limiter) Utilization(ctx context.Context, orgID int64, cfg storage.RateLimitConfig) float64 {
	if !cfg.Enabled || cfg.PerMinute <= 0 {
		return 0
	}
	w := windows[0]
	now := l.now().Unix()
	bucket := now / w.secs * w.secs
	elapsed := now - bucket

	vals, err := l.rdb.MGet(ctx, key(orgID, w, bucket), key(orgID, w, bucket-w.secs)).Result()
	if err != nil {
		return 0
	}
	cur := parseCount(vals[0])
	prev := parseCount(vals[1])
	estimate := float64(prev)*(1-float64(elapsed)/float64(w.secs)) + float64(cur)
	return estimate / float64(cfg.PerMinute)
}

func parseCount(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// HeaderName returns the canonical response header for one window/field
// combination, e.g. HeaderName("limit", "minute") → "X-RateLimit-Limit-Minute".
func HeaderName(field, window string) string {
	return fmt.Sprintf("X-RateLimit-%s-%s", title(field), title(window))
}

func title(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}
