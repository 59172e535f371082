package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cognitude/gateway/internal/storage"
)

// UpsertAlertConfig inserts or updates a tenant's threshold for one alert
// kind. The UNIQUE(org_id, kind) constraint keeps one row per pair.
func (s *Store) UpsertAlertConfig(ctx context.Context, c *storage.AlertConfig) error {
	res, err := s.write.ExecContext(ctx,
		`INSERT INTO alert_configs (org_id, kind, threshold, enabled)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(org_id, kind) DO UPDATE SET
		   threshold = excluded.threshold,
		   enabled   = excluded.enabled`,
		c.OrgID, c.Kind, c.Threshold.StringFixed(6), boolToInt(c.Enabled),
	)
	if err != nil {
		return err
	}
	if id, err := res.LastInsertId(); err == nil && id > 0 {
		c.ID = id
	}
	return nil
}

// ListAlertConfigs returns every alert config of one tenant.
func (s *Store) ListAlertConfigs(ctx context.Context, orgID int64) ([]*storage.AlertConfig, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, org_id, kind, threshold, enabled, last_triggered
		 FROM alert_configs WHERE org_id = ? ORDER BY id`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAlertConfigs(rows)
}

// ListEnabledAlertConfigs returns every enabled alert config across all
// tenants — the scheduler's work list.
func (s *Store) ListEnabledAlertConfigs(ctx context.Context) ([]*storage.AlertConfig, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, org_id, kind, threshold, enabled, last_triggered
		 FROM alert_configs WHERE enabled = 1 ORDER BY org_id, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAlertConfigs(rows)
}

func scanAlertConfigs(rows *sql.Rows) ([]*storage.AlertConfig, error) {
	var out []*storage.AlertConfig
	for rows.Next() {
		var (
			c         storage.AlertConfig
			threshold string
			enabled   int
			triggered sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.OrgID, &c.Kind, &threshold, &enabled, &triggered); err != nil {
			return nil, err
		}
		var err error
		c.Threshold, err = decimal.NewFromString(threshold)
		if err != nil {
			return nil, fmt.Errorf("sqlite: alert threshold %q: %w", threshold, err)
		}
		c.Enabled = enabled == 1
		if triggered.Valid {
			t := parseTime(triggered.String)
			c.LastTriggered = &t
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// MarkAlertTriggered stamps last_triggered, but only when no stamp exists
// for the current window instance. The conditional UPDATE makes the
// at-most-one-alert-per-window invariant hold even with competing
// schedulers: exactly one of them sees a row affected.
func (s *Store) MarkAlertTriggered(ctx context.Context, id int64, now, windowStart time.Time) (bool, error) {
	res, err := s.write.ExecContext(ctx,
		`UPDATE alert_configs SET last_triggered = ?
		 WHERE id = ? AND (last_triggered IS NULL OR last_triggered < ?)`,
		formatTime(now), id, formatTime(windowStart),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CreateAlertChannel inserts a notification channel.
func (s *Store) CreateAlertChannel(ctx context.Context, ch *storage.AlertChannel) error {
	cfg, err := json.Marshal(ch.Config)
	if err != nil {
		return fmt.Errorf("sqlite: marshal channel config: %w", err)
	}
	res, err := s.write.ExecContext(ctx,
		`INSERT INTO alert_channels (org_id, kind, config, active) VALUES (?, ?, ?, ?)`,
		ch.OrgID, ch.Kind, string(cfg), boolToInt(ch.Active),
	)
	if err != nil {
		return err
	}
	ch.ID, err = res.LastInsertId()
	return err
}

// DeleteAlertChannel removes a channel scoped to its owning tenant.
func (s *Store) DeleteAlertChannel(ctx context.Context, orgID, id int64) error {
	res, err := s.write.ExecContext(ctx,
		`DELETE FROM alert_channels WHERE org_id = ? AND id = ?`, orgID, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return storage.ErrNotFound
	}
	return err
}

// ListAlertChannels returns a tenant's channels, optionally active only.
func (s *Store) ListAlertChannels(ctx context.Context, orgID int64, activeOnly bool) ([]*storage.AlertChannel, error) {
	query := `SELECT id, org_id, kind, config, active FROM alert_channels WHERE org_id = ?`
	if activeOnly {
		query += ` AND active = 1`
	}
	query += ` ORDER BY id`

	rows, err := s.read.QueryContext(ctx, query, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*storage.AlertChannel
	for rows.Next() {
		var (
			ch     storage.AlertChannel
			cfg    string
			active int
		)
		if err := rows.Scan(&ch.ID, &ch.OrgID, &ch.Kind, &cfg, &active); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(cfg), &ch.Config); err != nil {
			return nil, fmt.Errorf("sqlite: channel %d config: %w", ch.ID, err)
		}
		ch.Active = active == 1
		out = append(out, &ch)
	}
	return out, rows.Err()
}
