package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/cognitude/gateway/internal/storage"
)

// GetRateLimitConfig fetches a tenant's rate limits.
func (s *Store) GetRateLimitConfig(ctx context.Context, orgID int64) (*storage.RateLimitConfig, error) {
	var (
		c       storage.RateLimitConfig
		enabled int
	)
	err := s.read.QueryRowContext(ctx,
		`SELECT org_id, per_minute, per_hour, per_day, enabled FROM rate_limit_configs WHERE org_id = ?`,
		orgID,
	).Scan(&c.OrgID, &c.PerMinute, &c.PerHour, &c.PerDay, &enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Enabled = enabled == 1
	return &c, nil
}

// PutRateLimitConfig inserts or replaces a tenant's rate limits, enforcing
// per-minute ≤ per-hour ≤ per-day.
func (s *Store) PutRateLimitConfig(ctx context.Context, c *storage.RateLimitConfig) error {
	if c.PerMinute > c.PerHour || c.PerHour > c.PerDay {
		return fmt.Errorf("sqlite: rate limits must satisfy per_minute <= per_hour <= per_day")
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO rate_limit_configs (org_id, per_minute, per_hour, per_day, enabled)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(org_id) DO UPDATE SET
		   per_minute = excluded.per_minute,
		   per_hour   = excluded.per_hour,
		   per_day    = excluded.per_day,
		   enabled    = excluded.enabled`,
		c.OrgID, c.PerMinute, c.PerHour, c.PerDay, boolToInt(c.Enabled),
	)
	return err
}
